// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package models

import "time"

// UsageKey is a per-user metering record gating access to rate-limited
// operations. The plaintext token is shown once at creation; only the
// bcrypt hash and a short display prefix are kept.
type UsageKey struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	TokenPrefix string         `json:"token_prefix"`
	TokenHash   string         `json:"-"`
	TotalLimit  int            `json:"total_limit"`
	UsedCount   int            `json:"used_count"`
	Categories  map[string]int `json:"category_counts"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// RemainingCalls returns the quota left on the key, never negative.
func (k *UsageKey) RemainingCalls() int {
	remaining := k.TotalLimit - k.UsedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the key is past its expiry timestamp.
func (k *UsageKey) Expired() bool {
	return time.Now().After(k.ExpiresAt)
}

// UsageKeySnapshot is the API-facing view of a key, including the
// computed remaining quota.
type UsageKeySnapshot struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	TokenPrefix    string         `json:"token_prefix"`
	TotalLimit     int            `json:"total_limit"`
	UsedCount      int            `json:"used_count"`
	RemainingCalls int            `json:"remaining_calls"`
	Categories     map[string]int `json:"category_counts"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Snapshot returns a detached copy of the key safe to hand across the
// API boundary. The category map is copied, not aliased.
func (k *UsageKey) Snapshot() UsageKeySnapshot {
	categories := make(map[string]int, len(k.Categories))
	for name, count := range k.Categories {
		categories[name] = count
	}
	return UsageKeySnapshot{
		ID:             k.ID,
		OwnerID:        k.OwnerID,
		TokenPrefix:    k.TokenPrefix,
		TotalLimit:     k.TotalLimit,
		UsedCount:      k.UsedCount,
		RemainingCalls: k.RemainingCalls(),
		Categories:     categories,
		Active:         k.Active,
		CreatedAt:      k.CreatedAt,
		ExpiresAt:      k.ExpiresAt,
	}
}
