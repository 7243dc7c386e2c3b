// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package presence tracks which users are currently connected over the
// realtime transport. The registry is process-local and never persisted;
// it is the single authority the hub and the REST surface query.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/models"
)

// Registry is a concurrent-safe table of online users keyed by user ID.
// A user has at most one entry; a second connection from the same user
// overwrites the entry's session ID (last write wins).
//
// Create one per process and inject it; there is no package-level instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]models.PresenceEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]models.PresenceEntry)}
}

// AddOrReplace inserts or overwrites the entry for userID. The operation
// is an idempotent upsert; callers are expected to broadcast the updated
// snapshot afterward.
func (r *Registry) AddOrReplace(userID, displayName string, category models.UserCategory, sessionID, avatarRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[userID] = models.PresenceEntry{
		UserID:         userID,
		DisplayName:    displayName,
		Category:       category,
		AvatarRef:      avatarRef,
		Online:         true,
		LastActivityAt: time.Now().UTC(),
		SessionID:      sessionID,
	}

	logging.Debug().
		Str("user_id", userID).
		Str("session_id", sessionID).
		Int("online", len(r.entries)).
		Msg("presence entry upserted")
}

// Remove deletes the entry for userID if present and returns it.
// Removing an absent user is a benign no-op.
func (r *Registry) Remove(userID string) (models.PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if ok {
		delete(r.entries, userID)
	}
	return entry, ok
}

// RemoveBySession finds the entry whose session ID matches and removes it.
// Disconnect notifications race with explicit leaves, so an unknown session
// is a no-op, never an error.
func (r *Registry) RemoveBySession(sessionID string) (models.PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, entry := range r.entries {
		if entry.SessionID == sessionID {
			delete(r.entries, userID)
			return entry, true
		}
	}
	return models.PresenceEntry{}, false
}

// Touch updates LastActivityAt for userID. Silently ignored if the user
// is not online.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[userID]; ok {
		entry.LastActivityAt = time.Now().UTC()
		r.entries[userID] = entry
	}
}

// IsOnline reports whether userID has a presence entry.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// StatusOf returns the entry for userID, if present.
func (r *Registry) StatusOf(userID string) (models.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return entry, ok
}

// CountOnline returns the number of online users.
func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// OnlineByCategory returns the entries in the given category, ordered by
// display name.
func (r *Registry) OnlineByCategory(category models.UserCategory) []models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.PresenceEntry
	for _, entry := range r.entries {
		if entry.Category == category {
			out = append(out, entry)
		}
	}
	sortEntries(out)
	return out
}

// Snapshot returns a consistent point-in-time copy of the registry split
// into regular users and professionals. The copy is taken under a single
// lock hold, so TotalOnline always equals len(Users)+len(Lawyers).
func (r *Registry) Snapshot() models.PresenceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := models.PresenceSnapshot{
		Users:   make([]models.PresenceEntry, 0),
		Lawyers: make([]models.PresenceEntry, 0),
	}
	for _, entry := range r.entries {
		if entry.Category == models.CategoryProfessional {
			snapshot.Lawyers = append(snapshot.Lawyers, entry)
		} else {
			snapshot.Users = append(snapshot.Users, entry)
		}
	}
	sortEntries(snapshot.Users)
	sortEntries(snapshot.Lawyers)
	snapshot.TotalOnline = len(snapshot.Users) + len(snapshot.Lawyers)
	return snapshot
}

// sortEntries orders entries by display name, then user ID, so snapshots
// are stable across calls.
func sortEntries(entries []models.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayName != entries[j].DisplayName {
			return entries[i].DisplayName < entries[j].DisplayName
		}
		return entries[i].UserID < entries[j].UserID
	})
}
