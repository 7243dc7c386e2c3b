// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package services wraps the hub and the HTTP server as suture services.
package services

import (
	"context"
)

// ContextRunner matches *realtime.Hub's RunWithContext method without
// importing the realtime package.
type ContextRunner interface {
	RunWithContext(ctx context.Context) error
}

// HubService wraps the realtime hub as a supervised service. The hub's
// RunWithContext already implements the suture.Service contract; this
// wrapper only contributes a stable name for supervisor logs.
type HubService struct {
	hub  ContextRunner
	name string
}

// NewHubService creates the hub service wrapper.
func NewHubService(hub ContextRunner) *HubService {
	return &HubService{
		hub:  hub,
		name: "realtime-hub",
	}
}

// Serve implements suture.Service.
func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (s *HubService) String() string {
	return s.name
}
