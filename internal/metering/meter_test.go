// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package metering

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lexforum/lexforum/internal/logging"
	"github.com/lexforum/lexforum/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func newTestMeter() *Meter {
	return NewMeter(NewMemoryKeyStore(), Config{TotalLimit: 5, KeyTTL: 30 * 24 * time.Hour})
}

func TestEnsureKeyProvisionsOnce(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	first, plaintext, err := m.EnsureKey(ctx, "owner-1")
	if err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if plaintext == "" {
		t.Error("first provision should return the plaintext token")
	}
	if first.TotalLimit != 5 || first.UsedCount != 0 || !first.Active {
		t.Errorf("unexpected new key: %+v", first)
	}

	second, plaintext2, err := m.EnsureKey(ctx, "owner-1")
	if err != nil {
		t.Fatalf("EnsureKey second call: %v", err)
	}
	if plaintext2 != "" {
		t.Error("existing key must not re-issue the plaintext token")
	}
	if second.ID != first.ID {
		t.Errorf("EnsureKey created a second key: %s vs %s", second.ID, first.ID)
	}
}

func TestConsumeMonotonicLimit(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		snap, err := m.Consume(ctx, "owner-1", "chat")
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if snap.UsedCount != i {
			t.Errorf("consume %d: used=%d", i, snap.UsedCount)
		}
		if snap.RemainingCalls != 5-i {
			t.Errorf("consume %d: remaining=%d, want %d", i, snap.RemainingCalls, 5-i)
		}
	}

	if _, err := m.Consume(ctx, "owner-1", "chat"); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("sixth consume: expected ErrLimitExceeded, got %v", err)
	}
}

func TestCategoryCountsSumToUsedCount(t *testing.T) {
	m := newTestMeter()

	categories := []string{"pdf", "chat", "pdf", "chat", "pdf"}
	var snap = mustConsumeAll(t, m, "owner-1", categories)

	if snap.Categories["pdf"] != 3 || snap.Categories["chat"] != 2 {
		t.Errorf("unexpected category counts: %+v", snap.Categories)
	}
	if snap.Categories["pdf"]+snap.Categories["chat"] != snap.UsedCount {
		t.Errorf("category counts %v do not sum to used count %d", snap.Categories, snap.UsedCount)
	}
}

func TestExpiredKeyFailsEligibilityDespiteQuota(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	if _, _, err := m.EnsureKey(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}

	// Jump the clock past expiry; numeric quota is untouched.
	m.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	if err := m.CheckEligible("owner-1"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if _, err := m.Consume(ctx, "owner-1", "chat"); !errors.Is(err, ErrExpired) {
		t.Errorf("consume on expired key: expected ErrExpired, got %v", err)
	}
}

func TestDeactivatedKeyFailsWithDistinctError(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	if _, _, err := m.EnsureKey(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}

	if err := m.CheckEligible("owner-1"); !errors.Is(err, ErrInactive) {
		t.Errorf("expected ErrInactive, got %v", err)
	}
}

func TestCheckEligibleUnknownOwner(t *testing.T) {
	m := newTestMeter()
	if err := m.CheckEligible("ghost"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	if _, _, err := m.EnsureKey(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Consume(ctx, "owner-1", "chat"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 5 {
		t.Errorf("expected exactly 5 successful consumes, got %d", successes)
	}

	snap, _, err := m.EnsureKey(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.UsedCount != 5 {
		t.Errorf("used count pushed past limit: %d", snap.UsedCount)
	}
}

func TestWithQuotaDeductsOnlyOnSuccess(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	// Failing protected operation: no charge.
	opErr := errors.New("upstream failed")
	if _, err := m.WithQuota(ctx, "owner-1", "pdf", func(context.Context) error {
		return opErr
	}); !errors.Is(err, opErr) {
		t.Fatalf("expected operation error, got %v", err)
	}

	snap, _, err := m.EnsureKey(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.UsedCount != 0 {
		t.Errorf("failed operation must not deduct, used=%d", snap.UsedCount)
	}

	// Successful operation: exactly one charge.
	snap2, err := m.WithQuota(ctx, "owner-1", "pdf", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithQuota: %v", err)
	}
	if snap2.UsedCount != 1 || snap2.Categories["pdf"] != 1 {
		t.Errorf("expected one pdf consume, got %+v", snap2)
	}
}

func TestWithQuotaRejectsWhenExhausted(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	mustConsumeAll(t, m, "owner-1", []string{"chat", "chat", "chat", "chat", "chat"})

	invoked := false
	_, err := m.WithQuota(ctx, "owner-1", "chat", func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}
	if invoked {
		t.Error("protected operation must not run when quota is exhausted")
	}
}

func TestValidateToken(t *testing.T) {
	m := newTestMeter()
	ctx := context.Background()

	_, plaintext, err := m.EnsureKey(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}

	if !m.Validate(ctx, plaintext) {
		t.Error("freshly minted token should validate")
	}
	if m.Validate(ctx, "lexf_key_bogus_bogus") {
		t.Error("garbage token should not validate")
	}
	if m.Validate(ctx, "") {
		t.Error("empty token should not validate")
	}

	// Deactivation invalidates the token without leaking why.
	if err := m.Deactivate(ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if m.Validate(ctx, plaintext) {
		t.Error("deactivated key token should not validate")
	}
}

func TestMeterLoadWarmsFromStore(t *testing.T) {
	store := NewMemoryKeyStore()
	ctx := context.Background()

	first := NewMeter(store, Config{TotalLimit: 5, KeyTTL: time.Hour})
	if _, err := first.Consume(ctx, "owner-1", "chat"); err != nil {
		t.Fatal(err)
	}

	// New meter over the same store: usage must survive.
	second := NewMeter(store, Config{TotalLimit: 5, KeyTTL: time.Hour})
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap, plaintext, err := second.EnsureKey(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if plaintext != "" {
		t.Error("loaded key must not re-issue a token")
	}
	if snap.UsedCount != 1 {
		t.Errorf("expected used=1 after reload, got %d", snap.UsedCount)
	}
}

func mustConsumeAll(t *testing.T, m *Meter, owner string, categories []string) models.UsageKeySnapshot {
	t.Helper()
	ctx := context.Background()
	var last models.UsageKeySnapshot
	for i, category := range categories {
		snap, err := m.Consume(ctx, owner, category)
		if err != nil {
			t.Fatalf("consume %d (%s): %v", i, category, err)
		}
		last = snap
	}
	return last
}
