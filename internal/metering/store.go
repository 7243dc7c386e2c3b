// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/lexforum/lexforum/internal/models"
)

// KeyStore is the durable layer beneath the meter. The meter keeps keys
// in memory and writes through; the store only needs point reads, point
// writes, and a full load at startup.
type KeyStore interface {
	Put(ctx context.Context, key *models.UsageKey) error
	Get(ctx context.Context, id string) (*models.UsageKey, error)
	GetByOwner(ctx context.Context, ownerID string) (*models.UsageKey, error)
	LoadAll(ctx context.Context) ([]models.UsageKey, error)
}

// Badger key prefixes.
const (
	keyByIDPrefix    = "usage_key:"
	keyByOwnerPrefix = "usage_owner:"
)

// BadgerKeyStore persists usage keys in BadgerDB so quota survives
// restarts.
type BadgerKeyStore struct {
	db *badger.DB
}

// NewBadgerKeyStore creates a BadgerDB-backed key store.
func NewBadgerKeyStore(db *badger.DB) *BadgerKeyStore {
	return &BadgerKeyStore{db: db}
}

// Put stores a key under its ID and maintains the owner index.
func (s *BadgerKeyStore) Put(_ context.Context, key *models.UsageKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal usage key: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyByIDPrefix+key.ID), data); err != nil {
			return fmt.Errorf("set usage key: %w", err)
		}
		if err := txn.Set([]byte(keyByOwnerPrefix+key.OwnerID), []byte(key.ID)); err != nil {
			return fmt.Errorf("set owner index: %w", err)
		}
		return nil
	})
}

// Get retrieves a key by ID. Returns ErrKeyNotFound when absent.
func (s *BadgerKeyStore) Get(_ context.Context, id string) (*models.UsageKey, error) {
	var key models.UsageKey

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyByIDPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get usage key: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &key)
		})
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetByOwner retrieves a key via the owner index.
func (s *BadgerKeyStore) GetByOwner(ctx context.Context, ownerID string) (*models.UsageKey, error) {
	var id string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyByOwnerPrefix + ownerID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get owner index: %w", err)
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// LoadAll scans every stored key; used to warm the meter at startup.
func (s *BadgerKeyStore) LoadAll(_ context.Context) ([]models.UsageKey, error) {
	var keys []models.UsageKey

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyByIDPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var key models.UsageKey
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &key)
			})
			if err != nil {
				return fmt.Errorf("unmarshal usage key: %w", err)
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// MemoryKeyStore is an in-process KeyStore for tests and for running
// without a data directory.
type MemoryKeyStore struct {
	mu      sync.RWMutex
	byID    map[string]models.UsageKey
	byOwner map[string]string
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		byID:    make(map[string]models.UsageKey),
		byOwner: make(map[string]string),
	}
}

func (s *MemoryKeyStore) Put(_ context.Context, key *models.UsageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *key
	copied.Categories = make(map[string]int, len(key.Categories))
	for name, count := range key.Categories {
		copied.Categories[name] = count
	}
	s.byID[key.ID] = copied
	s.byOwner[key.OwnerID] = key.ID
	return nil
}

func (s *MemoryKeyStore) Get(_ context.Context, id string) (*models.UsageKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &key, nil
}

func (s *MemoryKeyStore) GetByOwner(ctx context.Context, ownerID string) (*models.UsageKey, error) {
	s.mu.RLock()
	id, ok := s.byOwner[ownerID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryKeyStore) LoadAll(_ context.Context) ([]models.UsageKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.UsageKey, 0, len(s.byID))
	for _, key := range s.byID {
		keys = append(keys, key)
	}
	return keys, nil
}
