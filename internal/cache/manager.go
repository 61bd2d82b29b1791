// Package cache provides the domain cache built on the secure store:
// typed get-or-fetch with stale-while-revalidate, best-effort warming, and
// size-bounded eviction that never touches entries referenced by pending
// writes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/verdant-health/chartsync/internal/securestore"
)

// keyPrefix is the secure-store key prefix for cache entries. The queue
// and the version history share the same store under their own prefixes;
// eviction only ever lists and deletes inside this one, so it can never
// remove a durable pending write or a history row.
const keyPrefix = "cache/"

// Fetcher retrieves the authoritative value for a key.
type Fetcher func(ctx context.Context) ([]byte, error)

// PinSource reports cache keys that must not be evicted, typically the
// pending-write queue.
type PinSource interface {
	ReferencedKeys() []string
}

// WarmFailure records one failed key during a Warm batch.
type WarmFailure struct {
	Key string
	Err error
}

// Manager is the cache layer over one user's secure store. Thread-safe;
// background refreshes run on their own goroutines and never block the
// caller.
type Manager struct {
	store   *securestore.Store
	pins    PinSource
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	refreshes map[string]bool // keys with an in-flight background refresh
}

// NewManager creates a cache manager. pins may be nil when no queue is
// attached (tests); metrics may be nil for a detached collector set.
func NewManager(store *securestore.Store, pins PinSource, logger *slog.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Manager{
		store:     store,
		pins:      pins,
		logger:    logger,
		metrics:   metrics,
		refreshes: make(map[string]bool),
	}
}

// GetOrFetch returns the cached value for key if present and unexpired,
// additionally kicking off an asynchronous refresh so the next read is
// fresher (stale-while-revalidate); refresh errors are logged, never
// surfaced, since the caller already holds a usable value. When the entry
// is absent or expired the fetcher runs synchronously, its result is
// stored with ttl, and fetch errors propagate to the caller.
func (m *Manager) GetOrFetch(ctx context.Context, key string, fetcher Fetcher, ttl time.Duration) ([]byte, error) {
	value, md, err := m.store.Get(storeKey(key))
	if err == nil && !expired(md) {
		m.metrics.IncHits()
		m.refreshInBackground(key, fetcher, ttl)
		return value, nil
	}
	if err != nil && !errors.Is(err, securestore.ErrNotFound) {
		return nil, fmt.Errorf("cache: read %s: %w", key, err)
	}

	m.metrics.IncMisses()
	fetched, err := fetcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", key, err)
	}
	if err := m.Set(key, fetched, ttl); err != nil {
		return nil, err
	}
	return fetched, nil
}

// Set stores a value directly, used for optimistic updates on the write
// path and by the sync coordinator when a remote version wins a conflict.
func (m *Manager) Set(key string, value []byte, ttl time.Duration) error {
	if err := m.store.Set(storeKey(key), value, ttl); err != nil {
		return fmt.Errorf("cache: store %s: %w", key, err)
	}
	return nil
}

// Get returns the cached value if present and unexpired, without any
// fetch. Returns securestore.ErrNotFound otherwise.
func (m *Manager) Get(key string) ([]byte, error) {
	value, md, err := m.store.Get(storeKey(key))
	if err != nil {
		return nil, err
	}
	if expired(md) {
		return nil, securestore.ErrNotFound
	}
	return value, nil
}

// Delete removes an entry.
func (m *Manager) Delete(key string) error {
	return m.store.Delete(storeKey(key))
}

// Warm prefetches a batch of keys best-effort: a failure on any single key
// does not abort the batch. Successes are stored; failures are collected
// and returned.
func (m *Manager) Warm(ctx context.Context, keys []string, ttl time.Duration, fetch func(ctx context.Context, key string) ([]byte, error)) []WarmFailure {
	var failures []WarmFailure
	for _, key := range keys {
		value, err := fetch(ctx, key)
		if err != nil {
			failures = append(failures, WarmFailure{Key: key, Err: err})
			continue
		}
		if err := m.Set(key, value, ttl); err != nil {
			failures = append(failures, WarmFailure{Key: key, Err: err})
		}
	}
	if len(failures) > 0 {
		m.logger.Warn("cache: warm batch completed with failures",
			slog.Int("requested", len(keys)),
			slog.Int("failed", len(failures)))
	}
	return failures
}

// EvictOldest removes cache entries ordered by StoredAt ascending until
// the total cache size is at or under targetSize bytes. Entries referenced
// by a pending write are never evicted, whatever their age, and entries
// outside the cache prefix (queued writes, history rows) are never listed.
func (m *Manager) EvictOldest(targetSize int64) error {
	all, err := m.store.Entries()
	if err != nil {
		return fmt.Errorf("cache: list entries for eviction: %w", err)
	}

	var (
		entries []securestore.EntryInfo
		total   int64
	)
	for _, e := range all {
		if !strings.HasPrefix(e.Key, keyPrefix) {
			continue
		}
		e.Key = strings.TrimPrefix(e.Key, keyPrefix)
		entries = append(entries, e)
		total += e.Size
	}
	if total <= targetSize {
		return nil
	}

	pinned := make(map[string]bool)
	if m.pins != nil {
		for _, k := range m.pins.ReferencedKeys() {
			pinned[k] = true
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})

	for _, e := range entries {
		if total <= targetSize {
			break
		}
		if pinned[e.Key] {
			continue
		}
		if err := m.store.Delete(storeKey(e.Key)); err != nil {
			return fmt.Errorf("cache: evict %s: %w", e.Key, err)
		}
		total -= e.Size
		m.metrics.IncEvictions()
	}

	m.logger.Debug("cache: eviction pass finished",
		slog.Int64("target_bytes", targetSize),
		slog.Int64("remaining_bytes", total))
	return nil
}

// refreshInBackground spawns at most one refresh goroutine per key. The
// caller never observes the result; errors are logged and counted only.
func (m *Manager) refreshInBackground(key string, fetcher Fetcher, ttl time.Duration) {
	m.mu.Lock()
	if m.refreshes[key] {
		m.mu.Unlock()
		return
	}
	m.refreshes[key] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.refreshes, key)
			m.mu.Unlock()
		}()

		// Detached from the caller's context: the caller already has a
		// value and must not be able to cancel or observe this fetch.
		value, err := fetcher(context.Background())
		if err != nil {
			m.metrics.IncRefreshErrors()
			m.logger.Debug("cache: background refresh failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
			return
		}
		if err := m.Set(key, value, ttl); err != nil {
			m.metrics.IncRefreshErrors()
			m.logger.Warn("cache: background refresh store failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}()
}

// storeKey maps a cache key into the cache's slice of the store keyspace.
func storeKey(key string) string {
	return keyPrefix + key
}

func expired(md securestore.Metadata) bool {
	return !md.ExpiresAt.IsZero() && time.Now().After(md.ExpiresAt)
}
