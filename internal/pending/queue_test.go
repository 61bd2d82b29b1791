package pending

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/verdant-health/chartsync/internal/cryptobox"
	"github.com/verdant-health/chartsync/internal/securestore"
)

func testQueueStore(t *testing.T, backend securestore.Backend) *securestore.Store {
	t.Helper()
	d, err := cryptobox.NewDeriver(bytes.Repeat([]byte{0x23}, cryptobox.MinRootSecretSize))
	if err != nil {
		t.Fatalf("NewDeriver() error = %v", err)
	}
	key, err := d.DeriveKey("did:plc:nurse1")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	store, err := securestore.NewStore(backend, key, "did:plc:nurse1", nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func testQueue(t *testing.T) (*Queue, *securestore.Store) {
	t.Helper()
	store := testQueueStore(t, securestore.NewInMemoryBackend())
	q, err := NewQueue(store, nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return q, store
}

func TestQueue_FIFOOrder(t *testing.T) {
	q, _ := testQueue(t)

	var ids []string
	for _, name := range []string{"w1", "w2", "w3"} {
		id, err := q.Enqueue(Write{Type: "note_update", Payload: []byte(name)})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, id)
	}

	batch := q.PeekBatch(10)
	if len(batch) != 3 {
		t.Fatalf("PeekBatch() returned %d writes, want 3", len(batch))
	}
	for i, w := range batch {
		if w.ID != ids[i] {
			t.Errorf("batch[%d].ID = %s, want %s", i, w.ID, ids[i])
		}
	}
}

func TestQueue_OrderSurvivesRestart(t *testing.T) {
	backend := securestore.NewInMemoryBackend()
	store := testQueueStore(t, backend)
	q, err := NewQueue(store, nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		id, err := q.Enqueue(Write{Type: "vitals", Payload: []byte(name)})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, id)
	}

	// A new queue over the same store simulates a process restart.
	restarted, err := NewQueue(store, nil)
	if err != nil {
		t.Fatalf("NewQueue() after restart error = %v", err)
	}
	if restarted.Depth() != 3 {
		t.Fatalf("Depth() after restart = %d, want 3", restarted.Depth())
	}
	batch := restarted.PeekBatch(10)
	for i, w := range batch {
		if w.ID != ids[i] {
			t.Errorf("restarted batch[%d].ID = %s, want %s", i, w.ID, ids[i])
		}
	}
}

func TestQueue_AckIsOnlyRemoval(t *testing.T) {
	q, _ := testQueue(t)

	id, err := q.Enqueue(Write{Type: "vitals"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Peek does not remove.
	q.PeekBatch(1)
	if q.Depth() != 1 {
		t.Errorf("Depth() after peek = %d, want 1", q.Depth())
	}

	if err := q.Ack(id); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() after ack = %d, want 0", q.Depth())
	}

	if err := q.Ack(id); !errors.Is(err, ErrWriteNotFound) {
		t.Errorf("Ack() twice error = %v, want ErrWriteNotFound", err)
	}
}

func TestQueue_RequeueMovesToTail(t *testing.T) {
	q, _ := testQueue(t)

	id1, _ := q.Enqueue(Write{Type: "vitals"})
	id2, _ := q.Enqueue(Write{Type: "vitals"})

	if err := q.Requeue(id1); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	batch := q.PeekBatch(10)
	if len(batch) != 2 {
		t.Fatalf("PeekBatch() returned %d writes, want 2", len(batch))
	}
	if batch[0].ID != id2 || batch[1].ID != id1 {
		t.Errorf("order after requeue = [%s %s], want [%s %s]", batch[0].ID, batch[1].ID, id2, id1)
	}
	if batch[1].AttemptCount != 1 {
		t.Errorf("AttemptCount after requeue = %d, want 1", batch[1].AttemptCount)
	}
}

func TestQueue_MarkNeedsReview(t *testing.T) {
	q, _ := testQueue(t)

	id1, _ := q.Enqueue(Write{Type: "care_plan"})
	id2, _ := q.Enqueue(Write{Type: "care_plan"})

	if err := q.MarkNeedsReview(id1); err != nil {
		t.Fatalf("MarkNeedsReview() error = %v", err)
	}

	batch := q.PeekBatch(10)
	if len(batch) != 1 || batch[0].ID != id2 {
		t.Errorf("PeekBatch() = %v, want only %s", batch, id2)
	}
	if q.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2 (parked write stays durable)", q.Depth())
	}
	if q.NeedsReviewCount() != 1 {
		t.Errorf("NeedsReviewCount() = %d, want 1", q.NeedsReviewCount())
	}
}

func TestQueue_Supersede(t *testing.T) {
	q, _ := testQueue(t)

	base := time.Now().UTC()
	old1, _ := q.Enqueue(Write{Type: "care_plan", AggregateID: "plan-1", CreatedAt: base})
	_, _ = q.Enqueue(Write{Type: "care_plan", AggregateID: "plan-2", CreatedAt: base})
	latest, _ := q.Enqueue(Write{Type: "care_plan", AggregateID: "plan-1", CreatedAt: base.Add(time.Minute)})

	n, err := q.Supersede("plan-1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Supersede() removed %d writes, want 1", n)
	}

	batch := q.PeekBatch(10)
	for _, w := range batch {
		if w.ID == old1 {
			t.Error("superseded write still in queue")
		}
	}
	found := false
	for _, w := range batch {
		if w.ID == latest {
			found = true
		}
	}
	if !found {
		t.Error("latest write for aggregate missing after supersede")
	}
}

func TestQueue_ReferencedKeys(t *testing.T) {
	q, _ := testQueue(t)

	q.Enqueue(Write{Type: "vitals", CacheKey: "patient/p-1/vitals"})
	q.Enqueue(Write{Type: "vitals", CacheKey: "patient/p-1/vitals"})
	q.Enqueue(Write{Type: "care_plan", CacheKey: "patient/p-2/plan"})

	keys := q.ReferencedKeys()
	if len(keys) != 2 {
		t.Errorf("ReferencedKeys() = %v, want 2 distinct keys", keys)
	}
}

func TestQueue_EmptyTypeRejected(t *testing.T) {
	q, _ := testQueue(t)
	if _, err := q.Enqueue(Write{}); !errors.Is(err, ErrEmptyWriteType) {
		t.Errorf("Enqueue() error = %v, want ErrEmptyWriteType", err)
	}
}
