// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package models defines the data types shared across the presence,
// realtime, and metering components.
package models

import "time"

// UserCategory distinguishes ordinary members from verified legal
// professionals. The presence snapshot is split along this axis.
type UserCategory string

const (
	CategoryRegular      UserCategory = "REGULAR"
	CategoryProfessional UserCategory = "PROFESSIONAL"
)

// Valid reports whether the category is one of the known values.
func (c UserCategory) Valid() bool {
	return c == CategoryRegular || c == CategoryProfessional
}

// PresenceEntry records one connected user. Entries live only in the
// presence registry; they are never persisted.
type PresenceEntry struct {
	UserID         string       `json:"user_id"`
	DisplayName    string       `json:"display_name"`
	Category       UserCategory `json:"category"`
	AvatarRef      string       `json:"avatar_ref,omitempty"`
	Online         bool         `json:"online"`
	LastActivityAt time.Time    `json:"last_activity_at"`

	// SessionID identifies the transport session that created the entry.
	// A second login from the same user overwrites it (last write wins).
	SessionID string `json:"-"`
}

// PresenceSnapshot is an immutable point-in-time view of the registry,
// split into regular users and professionals.
type PresenceSnapshot struct {
	Users       []PresenceEntry `json:"users"`
	Lawyers     []PresenceEntry `json:"lawyers"`
	TotalOnline int             `json:"total_online"`
}
