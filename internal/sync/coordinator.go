package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/verdant-health/chartsync/internal/cache"
	"github.com/verdant-health/chartsync/internal/conflict"
	"github.com/verdant-health/chartsync/internal/network"
	"github.com/verdant-health/chartsync/internal/pending"
	"github.com/verdant-health/chartsync/internal/tracing"
)

// CoordinatorState is the coordinator's lifecycle state.
type CoordinatorState int

// Coordinator states.
const (
	StateIdle CoordinatorState = iota
	StateSyncing
	StateBackoffWait
)

// String returns the state name.
func (s CoordinatorState) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateBackoffWait:
		return "backoff_wait"
	default:
		return "idle"
	}
}

// Config holds coordinator tuning parameters.
type Config struct {
	// BatchSize is the number of writes drained per batch.
	BatchSize int

	// BaseDelay is the initial retry delay after a remote failure.
	BaseDelay time.Duration

	// MaxDelay caps the exponential retry delay.
	MaxDelay time.Duration

	// JitterFactor randomizes the retry delay to avoid thundering herds
	// of devices reconnecting together. 0 disables jitter.
	JitterFactor float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    25,
		BaseDelay:    time.Second,
		MaxDelay:     2 * time.Minute,
		JitterFactor: 0.3,
	}
}

// Validate checks the configuration, collecting all errors.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be positive, got %s", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s must be >= base delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("jitter factor must be in [0, 1], got %f", c.JitterFactor))
	}
	return errors.Join(errs...)
}

// Status is a snapshot of the coordinator for the status API.
type Status struct {
	State       string    `json:"state"`
	QueueDepth  int       `json:"queue_depth"`
	NeedsReview int       `json:"needs_review"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
}

// Coordinator drains the pending-write queue to the remote authority when
// connectivity is available. Sync is automatic on reconnect: the
// coordinator subscribes to the network monitor and wakes itself on the
// Online transition, so no caller ever has to press a sync button.
type Coordinator struct {
	cfg     Config
	queue   *pending.Queue
	cache   *cache.Manager
	history *conflict.History
	remote  Remote
	monitor *network.Monitor
	logger  *slog.Logger
	metrics *Metrics

	mu         gosync.Mutex
	rng        *rand.Rand // protected by mu
	state      CoordinatorState
	lastSyncAt time.Time

	// failureCount tracks consecutive failed cycles (atomic)
	failureCount int64

	wake chan struct{}
	done chan struct{}
}

// NewCoordinator creates a coordinator. metrics may be nil for a detached
// collector set.
func NewCoordinator(cfg Config, queue *pending.Queue, cacheMgr *cache.Manager, history *conflict.History, remote Remote, monitor *network.Monitor, logger *slog.Logger, metrics *Metrics) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sync: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Coordinator{
		cfg:     cfg,
		queue:   queue,
		cache:   cacheMgr,
		history: history,
		remote:  remote,
		monitor: monitor,
		logger:  logger,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Notify wakes the coordinator to check the queue, used after a local
// enqueue while already online. Never blocks.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Status returns a snapshot for the status API.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	state := c.state
	last := c.lastSyncAt
	c.mu.Unlock()

	return Status{
		State:       state.String(),
		QueueDepth:  c.queue.Depth(),
		NeedsReview: c.queue.NeedsReviewCount(),
		LastSyncAt:  last,
	}
}

// Done is closed when Run has returned and the coordinator holds no
// in-flight work. Logout waits on this before wiping the store.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run subscribes to connectivity transitions and drains the queue until
// the context is cancelled. Blocks; run it on its own goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	handle := c.monitor.Subscribe(func(s network.State) {
		if s == network.Online {
			c.Notify()
		}
	})
	defer c.monitor.Unsubscribe(handle)

	// Connectivity may already be up when the coordinator starts.
	if c.monitor.State() == network.Online {
		c.Notify()
	}

	for {
		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return ctx.Err()
		case <-c.wake:
		}

		if c.monitor.State() != network.Online {
			continue
		}
		c.drain(ctx)
	}
}

// drain runs sync cycles until the queue is empty, connectivity is lost,
// or the context is cancelled. A partially synced queue is left intact;
// the next Online transition resumes exactly where this one stopped.
func (c *Coordinator) drain(ctx context.Context) {
	c.setState(StateSyncing)

	for {
		if ctx.Err() != nil || c.monitor.State() != network.Online {
			c.setState(StateIdle)
			return
		}

		batch := c.queue.PeekBatch(c.cfg.BatchSize)
		if len(batch) == 0 {
			atomic.StoreInt64(&c.failureCount, 0)
			c.mu.Lock()
			c.lastSyncAt = time.Now().UTC()
			c.mu.Unlock()
			c.metrics.IncCycles()
			c.metrics.SetQueueDepth(c.queue.Depth())
			c.setState(StateIdle)
			c.logger.Info("sync: queue drained")
			return
		}

		batch = c.dropObsolete(batch)

		for _, w := range batch {
			if ctx.Err() != nil || c.monitor.State() != network.Online {
				c.setState(StateIdle)
				return
			}
			if err := c.submit(ctx, w); err != nil {
				// Transient failure: write is requeued, wait before the
				// next cycle.
				if !c.waitBackoff(ctx) {
					c.setState(StateIdle)
					return
				}
				c.setState(StateSyncing)
				break
			}
		}
		c.metrics.SetQueueDepth(c.queue.Depth())
	}
}

// dropObsolete removes batch writes made obsolete by a later queued write
// for the same aggregate, returning the surviving writes in order.
func (c *Coordinator) dropObsolete(batch []pending.Write) []pending.Write {
	latest := make(map[string]time.Time)
	for _, w := range batch {
		if w.AggregateID == "" {
			continue
		}
		if w.CreatedAt.After(latest[w.AggregateID]) {
			latest[w.AggregateID] = w.CreatedAt
		}
	}

	for aggregateID, newest := range latest {
		n, err := c.queue.Supersede(aggregateID, newest)
		if err != nil {
			c.logger.Warn("sync: supersession pass failed",
				slog.String("aggregate_id", aggregateID),
				slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			c.metrics.AddWritesSuperseded(n)
		}
	}

	survivors := batch[:0]
	for _, w := range batch {
		if w.AggregateID != "" && w.CreatedAt.Before(latest[w.AggregateID]) {
			continue
		}
		survivors = append(survivors, w)
	}
	return survivors
}

// submit sends one write and settles its outcome: ack, conflict
// resolution, park, or requeue. A non-nil return means a transient
// failure that should pause the cycle.
func (c *Coordinator) submit(ctx context.Context, w pending.Write) error {
	ctx, endSpan := tracing.StartSyncSpan(ctx, "submit_write", w.ID)
	rv, err := c.remote.SubmitWrite(ctx, w)
	endSpan(err)
	if err == nil {
		return c.settleAccepted(w, rv)
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		c.metrics.IncConflicts()
		return c.settleConflict(ctx, w, conflictErr.Remote)
	}

	// Unavailable, rejected, and anything unexpected: requeue and back
	// off. Discarding a clinical write is never an option.
	c.logger.Warn("sync: write submission failed",
		slog.String("write_id", w.ID),
		slog.Int("attempt", w.AttemptCount+1),
		slog.String("error", err.Error()))
	if reqErr := c.queue.Requeue(w.ID); reqErr != nil && !errors.Is(reqErr, pending.ErrWriteNotFound) {
		c.logger.Error("sync: requeue failed",
			slog.String("write_id", w.ID),
			slog.String("error", reqErr.Error()))
	}
	c.metrics.IncWritesRequeued()
	return err
}

// settleAccepted acks an accepted write and records the accepted version.
func (c *Coordinator) settleAccepted(w pending.Write, rv *RemoteVersion) error {
	if err := c.queue.Ack(w.ID); err != nil && !errors.Is(err, pending.ErrWriteNotFound) {
		return fmt.Errorf("sync: ack %s: %w", w.ID, err)
	}
	c.metrics.IncWritesAcked()

	if w.AggregateID != "" && c.history != nil {
		if _, err := c.history.Record(conflict.Version{
			AggregateID: w.AggregateID,
			UpdatedAt:   w.CreatedAt,
			Origin:      conflict.OriginLocal,
			Payload:     w.Payload,
		}); err != nil {
			c.logger.Warn("sync: failed to record accepted version",
				slog.String("aggregate_id", w.AggregateID),
				slog.String("error", err.Error()))
		}
	}

	// The authority may canonicalize the payload; prefer its version in
	// the cache over the optimistic local one.
	if rv != nil && len(rv.Payload) > 0 && w.CacheKey != "" && c.cache != nil {
		if err := c.cache.Set(w.CacheKey, []byte(rv.Payload), 0); err != nil {
			c.logger.Warn("sync: failed to refresh cache with accepted version",
				slog.String("cache_key", w.CacheKey),
				slog.String("error", err.Error()))
		}
	}

	c.logger.Info("sync: write acknowledged",
		slog.String("write_id", w.ID),
		slog.String("type", w.Type))
	return nil
}

// settleConflict applies last-write-wins against the remote version the
// authority reported.
func (c *Coordinator) settleConflict(ctx context.Context, w pending.Write, remote RemoteVersion) error {
	local := conflict.Version{
		AggregateID: w.AggregateID,
		UpdatedAt:   w.CreatedAt,
		Origin:      conflict.OriginLocal,
		Payload:     w.Payload,
	}
	remoteVersion := conflict.Version{
		AggregateID: w.AggregateID,
		UpdatedAt:   remote.UpdatedAt,
		Origin:      conflict.OriginRemote,
		Payload:     []byte(remote.Payload),
	}

	res, err := conflict.Resolve(local, remoteVersion)
	if errors.Is(err, conflict.ErrTimestampTie) {
		// Ambiguous: park for review rather than guessing.
		if parkErr := c.queue.MarkNeedsReview(w.ID); parkErr != nil {
			return fmt.Errorf("sync: park %s: %w", w.ID, parkErr)
		}
		c.metrics.IncConflictsParked()
		c.logger.Warn("sync: timestamp tie, write parked for review",
			slog.String("write_id", w.ID),
			slog.String("aggregate_id", w.AggregateID))
		return nil
	}
	if err != nil {
		return err
	}

	if c.history != nil {
		if _, histErr := c.history.Record(res.Loser); histErr != nil {
			c.logger.Warn("sync: failed to record losing version",
				slog.String("aggregate_id", w.AggregateID),
				slog.String("error", histErr.Error()))
		}
	}

	if res.Winner.Origin == conflict.OriginRemote {
		// The remote version is newer: yield, refresh the cache, and
		// drop the local write as resolved.
		if w.CacheKey != "" && c.cache != nil {
			if cacheErr := c.cache.Set(w.CacheKey, res.Winner.Payload, 0); cacheErr != nil {
				c.logger.Warn("sync: failed to refresh cache with winning version",
					slog.String("cache_key", w.CacheKey),
					slog.String("error", cacheErr.Error()))
			}
		}
		if ackErr := c.queue.Ack(w.ID); ackErr != nil && !errors.Is(ackErr, pending.ErrWriteNotFound) {
			return fmt.Errorf("sync: resolve %s: %w", w.ID, ackErr)
		}
		c.logger.Info("sync: conflict resolved, remote version newer",
			slog.String("write_id", w.ID),
			slog.String("aggregate_id", w.AggregateID))
		return nil
	}

	// The local write is newer: submit it again now that the remote
	// version is known and recorded. A second conflict means the remote
	// moved again; requeue and let the next cycle re-compare.
	rv, err := c.remote.SubmitWrite(ctx, w)
	if err != nil {
		c.logger.Warn("sync: resubmission after winning conflict failed",
			slog.String("write_id", w.ID),
			slog.String("error", err.Error()))
		if reqErr := c.queue.Requeue(w.ID); reqErr != nil && !errors.Is(reqErr, pending.ErrWriteNotFound) {
			return fmt.Errorf("sync: requeue %s: %w", w.ID, reqErr)
		}
		c.metrics.IncWritesRequeued()
		return err
	}
	return c.settleAccepted(w, rv)
}

// waitBackoff sleeps the exponential backoff delay, returning false if
// the context was cancelled or connectivity was lost while waiting.
func (c *Coordinator) waitBackoff(ctx context.Context) bool {
	c.setState(StateBackoffWait)
	delay := c.computeBackoff()
	atomic.AddInt64(&c.failureCount, 1)

	c.logger.Info("sync: backing off before next cycle",
		slog.Duration("delay", delay),
		slog.Int64("consecutive_failures", atomic.LoadInt64(&c.failureCount)))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return c.monitor.State() == network.Online
	}
}

// computeBackoff calculates the next retry delay with exponential backoff and jitter.
func (c *Coordinator) computeBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Exponential backoff: baseDelay * 2^failures using bit shifting
	// Cap the shift at 30 to prevent overflow (2^30 = ~1 billion)
	failures := atomic.LoadInt64(&c.failureCount)
	shift := uint(failures)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(c.cfg.BaseDelay) * float64(uint64(1)<<shift)

	// Cap at max delay
	if backoff > float64(c.cfg.MaxDelay) {
		backoff = float64(c.cfg.MaxDelay)
	}

	// Apply jitter: delay * (1 - jitter/2 + rand*jitter)
	// This creates a range of [delay*(1-jitter/2), delay*(1+jitter/2)]
	if c.cfg.JitterFactor > 0 {
		jitter := (c.rng.Float64() - 0.5) * c.cfg.JitterFactor
		backoff = backoff * (1 + jitter)
	}

	return time.Duration(backoff)
}

// setState records a state transition.
func (c *Coordinator) setState(next CoordinatorState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev != next {
		c.logger.Debug("sync: state transition",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
	}
}
