// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

// Package metering implements per-user usage keys with a hard call limit,
// per-category sub-counters, and expiry. The check-then-increment step is
// a single critical section: two concurrent requests can never both pass
// the quota gate and push the counter past the limit.
package metering

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/metrics"
	"github.com/lexforum/lexforum/internal/models"
)

// Config holds metering defaults.
type Config struct {
	// TotalLimit is the call budget for newly provisioned keys.
	TotalLimit int

	// KeyTTL is how long a new key is valid from creation.
	KeyTTL time.Duration
}

// DefaultConfig returns the production defaults: 5 calls, 30 days.
func DefaultConfig() Config {
	return Config{
		TotalLimit: 5,
		KeyTTL:     30 * 24 * time.Hour,
	}
}

// Meter owns all usage keys for the process. Keys live in memory and are
// written through to the store on every mutation; Load warms the memory
// state from the store at startup.
type Meter struct {
	mu      sync.Mutex
	byOwner map[string]*models.UsageKey
	byID    map[string]*models.UsageKey

	store  KeyStore
	cfg    Config
	logger zerolog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMeter creates a meter backed by the given store.
func NewMeter(store KeyStore, cfg Config) *Meter {
	if cfg.TotalLimit <= 0 {
		cfg.TotalLimit = DefaultConfig().TotalLimit
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = DefaultConfig().KeyTTL
	}
	return &Meter{
		byOwner: make(map[string]*models.UsageKey),
		byID:    make(map[string]*models.UsageKey),
		store:   store,
		cfg:     cfg,
		logger:  logging.WithComponent("usage_meter"),
		now:     time.Now,
	}
}

// Load warms the meter from the store. Call once at startup before
// serving traffic.
func (m *Meter) Load(ctx context.Context) error {
	keys, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range keys {
		key := keys[i]
		m.byOwner[key.OwnerID] = &key
		m.byID[key.ID] = &key
	}
	m.logger.Info().Int("keys", len(keys)).Msg("usage keys loaded")
	return nil
}

// EnsureKey returns the owner's key, provisioning one with the configured
// defaults on first use. The plaintext token is non-empty only when the
// key was just created; it is never recoverable afterwards.
func (m *Meter) EnsureKey(ctx context.Context, ownerID string) (models.UsageKeySnapshot, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, plaintext, err := m.ensureLocked(ctx, ownerID)
	if err != nil {
		return models.UsageKeySnapshot{}, "", err
	}
	return key.Snapshot(), plaintext, nil
}

// ensureLocked finds or creates the owner's key. Must be called with mu held.
func (m *Meter) ensureLocked(ctx context.Context, ownerID string) (*models.UsageKey, string, error) {
	if key, ok := m.byOwner[ownerID]; ok {
		return key, "", nil
	}

	// Not in memory: the store may hold it from a previous run that
	// predates the last Load.
	if stored, err := m.store.GetByOwner(ctx, ownerID); err == nil {
		m.byOwner[stored.OwnerID] = stored
		m.byID[stored.ID] = stored
		return stored, "", nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, "", err
	}

	keyID := uuid.New().String()
	plaintext, hash, displayPrefix, err := mintToken(keyID)
	if err != nil {
		return nil, "", err
	}

	now := m.now().UTC()
	key := &models.UsageKey{
		ID:          keyID,
		OwnerID:     ownerID,
		TokenPrefix: displayPrefix,
		TokenHash:   hash,
		TotalLimit:  m.cfg.TotalLimit,
		Categories:  make(map[string]int),
		Active:      true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.KeyTTL),
	}

	if err := m.store.Put(ctx, key); err != nil {
		return nil, "", err
	}
	m.byOwner[ownerID] = key
	m.byID[keyID] = key

	m.logger.Info().
		Str("owner_id", ownerID).
		Str("key_prefix", displayPrefix).
		Int("total_limit", key.TotalLimit).
		Msg("usage key provisioned")

	return key, plaintext, nil
}

// CheckEligible reports whether the owner may consume quota right now.
// Returns nil when eligible, otherwise one of the sentinel errors.
// Does not mutate; the result is advisory only — Consume re-validates.
func (m *Meter) CheckEligible(ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byOwner[ownerID]
	if !ok {
		return ErrKeyNotFound
	}
	return m.eligibleLocked(key)
}

// eligibleLocked applies the eligibility gate. Must be called with mu held.
func (m *Meter) eligibleLocked(key *models.UsageKey) error {
	switch {
	case !key.Active:
		return ErrInactive
	case m.now().After(key.ExpiresAt):
		return ErrExpired
	case key.UsedCount >= key.TotalLimit:
		return ErrLimitExceeded
	default:
		return nil
	}
}

// Consume re-validates eligibility and deducts one call from the owner's
// key, crediting the named category sub-counter. The whole
// check-then-increment runs under the meter lock, closing the
// check-then-act race between concurrent requests. Auto-provisions a key
// for first-time owners.
func (m *Meter) Consume(ctx context.Context, ownerID, category string) (models.UsageKeySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, _, err := m.ensureLocked(ctx, ownerID)
	if err != nil {
		return models.UsageKeySnapshot{}, err
	}

	if err := m.eligibleLocked(key); err != nil {
		metrics.QuotaDeniedTotal.WithLabelValues(denialReason(err)).Inc()
		return models.UsageKeySnapshot{}, err
	}

	key.UsedCount++
	if key.Categories == nil {
		key.Categories = make(map[string]int)
	}
	key.Categories[category]++

	// Write-through. A store failure does not roll back the in-memory
	// deduction: quota enforcement stays strict, durability degrades.
	if err := m.store.Put(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("usage key persist failed")
	}

	metrics.QuotaConsumedTotal.WithLabelValues(category).Inc()
	m.logger.Debug().
		Str("owner_id", ownerID).
		Str("category", category).
		Int("used", key.UsedCount).
		Int("remaining", key.RemainingCalls()).
		Msg("quota consumed")

	return key.Snapshot(), nil
}

// Validate reports whether a plaintext token matches an active,
// unexpired key. It never distinguishes "unknown token" from "bad
// secret" — callers get a plain boolean so existence is not leaked.
func (m *Meter) Validate(ctx context.Context, plaintext string) bool {
	keyID, ok := parseToken(plaintext)
	if !ok {
		return false
	}

	m.mu.Lock()
	key, found := m.byID[keyID]
	m.mu.Unlock()

	if !found {
		stored, err := m.store.Get(ctx, keyID)
		if err != nil {
			return false
		}
		key = stored
	}

	if !verifyToken(plaintext, key.TokenHash) {
		return false
	}
	return key.Active && m.now().Before(key.ExpiresAt)
}

// Deactivate turns the owner's key off. Subsequent eligibility checks
// fail with ErrInactive until a new key is provisioned out of band.
func (m *Meter) Deactivate(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byOwner[ownerID]
	if !ok {
		return ErrKeyNotFound
	}
	key.Active = false

	if err := m.store.Put(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("usage key persist failed")
	}

	m.logger.Info().Str("owner_id", ownerID).Msg("usage key deactivated")
	return nil
}

// WithQuota runs fn under the owner's quota: eligibility is checked
// first, fn runs only when quota remains, and the deduction happens only
// if fn succeeds. The deduction itself re-validates under the meter
// lock, so a concurrent consumer racing past the pre-check still cannot
// push the key over its limit.
func (m *Meter) WithQuota(ctx context.Context, ownerID, category string, fn func(context.Context) error) (models.UsageKeySnapshot, error) {
	if _, _, err := m.EnsureKey(ctx, ownerID); err != nil {
		return models.UsageKeySnapshot{}, err
	}
	if err := m.CheckEligible(ownerID); err != nil {
		metrics.QuotaDeniedTotal.WithLabelValues(denialReason(err)).Inc()
		return models.UsageKeySnapshot{}, err
	}

	if err := fn(ctx); err != nil {
		// Protected operation failed: reserved quota is not charged.
		return models.UsageKeySnapshot{}, err
	}

	return m.Consume(ctx, ownerID, category)
}

// denialReason maps a sentinel error to a metric label.
func denialReason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	default:
		return "unknown"
	}
}
