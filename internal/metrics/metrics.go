// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package metrics exposes Prometheus instrumentation for the realtime hub,
// the presence registry, and the usage meter. Metrics are registered via
// promauto at package load and scraped from /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime hub metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexforum_ws_connections",
			Help: "Current number of open websocket connections",
		},
	)

	WSFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexforum_ws_frames_total",
			Help: "Total inbound realtime frames by envelope type",
		},
		[]string{"type"},
	)

	WSFramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexforum_ws_frames_dropped_total",
			Help: "Inbound frames dropped before dispatch",
		},
		[]string{"reason"}, // "unauthenticated", "malformed", "throttled", "dispatch_error"
	)

	WSDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexforum_ws_deliveries_total",
			Help: "Envelopes delivered to client send buffers",
		},
		[]string{"destination"}, // "public", "private", "typing", "presence"
	)

	// Presence metrics
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexforum_online_users",
			Help: "Current number of users in the presence registry",
		},
	)

	// Usage metering metrics
	QuotaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexforum_quota_consumed_total",
			Help: "Successful quota deductions by category",
		},
		[]string{"category"},
	)

	QuotaDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexforum_quota_denied_total",
			Help: "Quota checks rejected by reason",
		},
		[]string{"reason"}, // "limit_exceeded", "expired", "inactive"
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexforum_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexforum_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexforum_api_active_requests",
			Help: "Number of API requests currently in flight",
		},
	)
)

// RecordAPIRequest records a completed API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
