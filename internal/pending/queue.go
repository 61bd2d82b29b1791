// Package pending provides the durable, ordered queue of mutations that
// have not yet been acknowledged by the remote authority. The queue is
// persisted through the secure store, so enqueue order survives process
// restarts, and no operation silently drops a write: acknowledgement and
// explicit supersession are the only removal paths.
package pending

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/verdant-health/chartsync/internal/securestore"
)

// keyPrefix is the secure-store key prefix for queued writes. The ordinal
// suffix is zero-padded so lexicographic key order is enqueue order.
const keyPrefix = "pending/"

// Queue errors.
var (
	// ErrWriteNotFound is returned when acking or requeueing an unknown
	// write ID.
	ErrWriteNotFound = errors.New("pending: write not found")

	// ErrEmptyWriteType is returned when enqueueing a write without a type.
	ErrEmptyWriteType = errors.New("pending: write type cannot be empty")
)

// Write is one not-yet-synchronized mutation.
type Write struct {
	// ID keys idempotent submission to the remote authority.
	ID string `cbor:"id"`

	// Type tags the mutation (e.g., "care_plan_update").
	Type string `cbor:"type"`

	// AggregateID names the mutable aggregate this write applies to,
	// used for conflict comparison and supersession.
	AggregateID string `cbor:"aggregate_id"`

	// CacheKey is the cache entry this write updates optimistically.
	// Entries referenced here are exempt from cache eviction.
	CacheKey string `cbor:"cache_key"`

	// Payload is the serialized mutation body.
	Payload []byte `cbor:"payload"`

	// CreatedAt orders the queue and carries the client-side timestamp
	// used in last-write-wins comparison.
	CreatedAt time.Time `cbor:"created_at"`

	// AttemptCount is incremented on every requeue after a transient
	// failure.
	AttemptCount int `cbor:"attempt_count"`

	// NeedsReview parks the write after an ambiguous conflict (identical
	// timestamps); parked writes are skipped by PeekBatch until the
	// caller disambiguates.
	NeedsReview bool `cbor:"needs_review"`
}

// Queue is a FIFO queue of pending writes persisted via the secure store.
// Thread-safe.
type Queue struct {
	store  *securestore.Store
	logger *slog.Logger

	mu      sync.Mutex
	order   []uint64           // ordinals in queue order
	items   map[uint64]*Write  // ordinal -> write
	ordinal map[string]uint64  // write ID -> ordinal
	next    uint64
}

// NewQueue creates a queue over the user's store, loading any writes that
// survived a restart in their original order.
func NewQueue(store *securestore.Store, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:   store,
		logger:  logger,
		items:   make(map[uint64]*Write),
		ordinal: make(map[string]uint64),
		next:    1,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// load restores queue state from the store.
func (q *Queue) load() error {
	keys, err := q.store.Keys()
	if err != nil {
		return fmt.Errorf("pending: load queue: %w", err)
	}

	for _, key := range keys {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		ord, err := strconv.ParseUint(strings.TrimPrefix(key, keyPrefix), 10, 64)
		if err != nil {
			continue // not a queue entry
		}

		raw, _, err := q.store.Get(key)
		if err != nil {
			if errors.Is(err, securestore.ErrNotFound) {
				continue
			}
			return fmt.Errorf("pending: load %s: %w", key, err)
		}

		var w Write
		if err := cbor.Unmarshal(raw, &w); err != nil {
			q.logger.Warn("pending: skipping undecodable queue entry",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}

		q.order = append(q.order, ord)
		q.items[ord] = &w
		q.ordinal[w.ID] = ord
		if ord >= q.next {
			q.next = ord + 1
		}
	}

	sort.Slice(q.order, func(i, j int) bool { return q.order[i] < q.order[j] })
	if len(q.order) > 0 {
		q.logger.Info("pending: restored queue from store",
			slog.Int("depth", len(q.order)))
	}
	return nil
}

// Enqueue appends a write to the queue and persists it. A missing ID and
// CreatedAt are filled in. Returns the write ID.
func (q *Queue) Enqueue(w Write) (string, error) {
	if w.Type == "" {
		return "", ErrEmptyWriteType
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ord := q.next
	if err := q.persist(ord, &w); err != nil {
		return "", err
	}
	q.next++
	q.order = append(q.order, ord)
	q.items[ord] = &w
	q.ordinal[w.ID] = ord
	return w.ID, nil
}

// PeekBatch returns up to n writes in queue order without removing them.
// Writes parked for review are skipped.
func (q *Queue) PeekBatch(n int) []Write {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]Write, 0, n)
	for _, ord := range q.order {
		if len(batch) >= n {
			break
		}
		w := q.items[ord]
		if w.NeedsReview {
			continue
		}
		batch = append(batch, *w)
	}
	return batch
}

// Ack removes a write after the remote authority confirmed it.
func (q *Queue) Ack(writeID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(writeID)
}

// Requeue moves a write to the tail after a transient failure and
// increments its attempt count. The write stays durable throughout.
func (q *Queue) Requeue(writeID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ord, ok := q.ordinal[writeID]
	if !ok {
		return ErrWriteNotFound
	}
	w := q.items[ord]
	w.AttemptCount++

	newOrd := q.next
	if err := q.persist(newOrd, w); err != nil {
		w.AttemptCount--
		return err
	}
	q.next++

	if err := q.store.Delete(ordinalKey(ord)); err != nil {
		q.logger.Warn("pending: failed to delete requeued entry's old slot",
			slog.String("write_id", writeID),
			slog.String("error", err.Error()))
	}

	delete(q.items, ord)
	q.items[newOrd] = w
	q.ordinal[writeID] = newOrd
	for i, o := range q.order {
		if o == ord {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.order = append(q.order, newOrd)
	return nil
}

// MarkNeedsReview parks a write after an ambiguous conflict. The write
// remains durable and is excluded from PeekBatch until resolved.
func (q *Queue) MarkNeedsReview(writeID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ord, ok := q.ordinal[writeID]
	if !ok {
		return ErrWriteNotFound
	}
	w := q.items[ord]
	w.NeedsReview = true
	return q.persist(ord, w)
}

// Supersede removes queued writes for an aggregate that are strictly older
// than the given timestamp: a later write for the same aggregate makes them
// obsolete, so submitting them would only be undone. Each removal is
// logged. Returns the number of superseded writes.
func (q *Queue) Supersede(aggregateID string, newerThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var obsolete []string
	for _, ord := range q.order {
		w := q.items[ord]
		if w.AggregateID == aggregateID && w.CreatedAt.Before(newerThan) {
			obsolete = append(obsolete, w.ID)
		}
	}

	for _, id := range obsolete {
		if err := q.remove(id); err != nil {
			return 0, err
		}
		q.logger.Info("pending: write superseded by later write for same aggregate",
			slog.String("write_id", id),
			slog.String("aggregate_id", aggregateID))
	}
	return len(obsolete), nil
}

// ReferencedKeys returns the distinct cache keys referenced by queued
// writes. The cache must not evict these entries.
func (q *Queue) ReferencedKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	var keys []string
	for _, ord := range q.order {
		k := q.items[ord].CacheKey
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Depth returns the number of queued writes, including parked ones.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// NeedsReviewCount returns the number of writes parked for caller
// disambiguation.
func (q *Queue) NeedsReviewCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, ord := range q.order {
		if q.items[ord].NeedsReview {
			n++
		}
	}
	return n
}

// remove deletes a write from the store and indexes. Callers hold q.mu.
func (q *Queue) remove(writeID string) error {
	ord, ok := q.ordinal[writeID]
	if !ok {
		return ErrWriteNotFound
	}
	if err := q.store.Delete(ordinalKey(ord)); err != nil {
		return fmt.Errorf("pending: remove %s: %w", writeID, err)
	}
	delete(q.items, ord)
	delete(q.ordinal, writeID)
	for i, o := range q.order {
		if o == ord {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// persist writes one entry to the store. Callers hold q.mu.
func (q *Queue) persist(ord uint64, w *Write) error {
	raw, err := cbor.Marshal(w)
	if err != nil {
		return fmt.Errorf("pending: encode write %s: %w", w.ID, err)
	}
	if err := q.store.Set(ordinalKey(ord), raw, 0); err != nil {
		return fmt.Errorf("pending: persist write %s: %w", w.ID, err)
	}
	return nil
}

func ordinalKey(ord uint64) string {
	return fmt.Sprintf("%s%020d", keyPrefix, ord)
}
