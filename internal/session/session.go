// Package session wires the per-clinician stack: a validated session
// token selects the user, a derived key opens their encrypted store, and
// the cache, queue, ledger, history, and sync coordinator all live for
// exactly as long as the session does. Logout stops sync and wipes the
// user's data from the device; Close stops sync and keeps the data for
// the next restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/verdant-health/chartsync/internal/auth"
	"github.com/verdant-health/chartsync/internal/cache"
	"github.com/verdant-health/chartsync/internal/conflict"
	"github.com/verdant-health/chartsync/internal/cryptobox"
	"github.com/verdant-health/chartsync/internal/ledger"
	"github.com/verdant-health/chartsync/internal/network"
	"github.com/verdant-health/chartsync/internal/pending"
	"github.com/verdant-health/chartsync/internal/securestore"
	syncpkg "github.com/verdant-health/chartsync/internal/sync"
)

// DefaultLogoutTimeout bounds how long logout waits for the coordinator
// to finish an in-flight submission before wiping anyway.
const DefaultLogoutTimeout = 5 * time.Second

// Session errors.
var (
	// ErrSessionClosed is returned by operations on a logged-out session.
	ErrSessionClosed = errors.New("session: closed")
)

// Options carries the device-level dependencies a session is built from.
type Options struct {
	// Backend is the device's shared storage; per-user isolation comes
	// from namespacing and per-user keys, not separate backends.
	Backend securestore.Backend

	// Deriver turns a user identity into that user's encryption key.
	Deriver *cryptobox.Deriver

	// Verifier validates the session token offline.
	Verifier *auth.Verifier

	// Remote is the authority client used by the sync coordinator.
	Remote syncpkg.Remote

	// Monitor feeds connectivity transitions to the coordinator.
	Monitor *network.Monitor

	// SyncConfig tunes the coordinator. Zero value means defaults.
	SyncConfig syncpkg.Config

	// Registry receives the session's metric collectors when non-nil.
	Registry prometheus.Registerer

	// LogoutTimeout bounds the logout drain wait. Zero means
	// DefaultLogoutTimeout.
	LogoutTimeout time.Duration

	Logger *slog.Logger
}

// Session is one authenticated clinician's view of the device. All
// component fields are ready to use after Open and invalid after Logout.
type Session struct {
	UserID string
	DID    string

	Store       *securestore.Store
	Cache       *cache.Manager
	Queue       *pending.Queue
	Ledger      *ledger.Ledger
	History     *conflict.History
	Coordinator *syncpkg.Coordinator

	logger        *slog.Logger
	logoutTimeout time.Duration
	cancel        context.CancelFunc

	mu     sync.Mutex // serializes Submit against Close/Logout
	closed bool
}

// Open validates the session token and assembles the user's stack. The
// sync coordinator starts immediately on its own goroutine; if the
// device is already online, draining begins without further action.
func Open(token string, opts Options) (*Session, error) {
	claims, err := opts.Verifier.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("session: token rejected: %w", err)
	}

	// The DID is the stable identity; the subject is a fallback for
	// tokens minted before DIDs were assigned.
	identity := claims.DID
	if identity == "" {
		identity = claims.Subject
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("user_id", claims.Subject))

	key, err := opts.Deriver.DeriveKey(identity)
	if err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}

	store, err := securestore.NewStore(opts.Backend, key, identity, logger)
	if err != nil {
		return nil, fmt.Errorf("session: open store: %w", err)
	}

	queue, err := pending.NewQueue(store, logger)
	if err != nil {
		return nil, fmt.Errorf("session: open queue: %w", err)
	}

	ledgerMetrics := ledger.NewMetrics()
	cacheMetrics := cache.NewMetrics()
	syncMetrics := syncpkg.NewMetrics()
	if opts.Registry != nil {
		for _, register := range []func(prometheus.Registerer) error{
			ledgerMetrics.Register,
			cacheMetrics.Register,
			syncMetrics.Register,
		} {
			if err := register(opts.Registry); err != nil {
				logger.Warn("session: metric registration failed",
					slog.String("error", err.Error()))
			}
		}
	}

	cacheMgr := cache.NewManager(store, queue, logger, cacheMetrics)
	history := conflict.NewHistory(store, logger)

	led := ledger.New(opts.Backend, key, identity, logger, ledgerMetrics)

	syncCfg := opts.SyncConfig
	if syncCfg == (syncpkg.Config{}) {
		syncCfg = syncpkg.DefaultConfig()
	}
	coord, err := syncpkg.NewCoordinator(syncCfg, queue, cacheMgr, history, opts.Remote, opts.Monitor, logger, syncMetrics)
	if err != nil {
		return nil, err
	}

	timeout := opts.LogoutTimeout
	if timeout <= 0 {
		timeout = DefaultLogoutTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)

	s := &Session{
		UserID:        claims.Subject,
		DID:           identity,
		Store:         store,
		Cache:         cacheMgr,
		Queue:         queue,
		Ledger:        led,
		History:       history,
		Coordinator:   coord,
		logger:        logger,
		logoutTimeout: timeout,
		cancel:        cancel,
	}
	logger.Info("session: opened", slog.String("did", identity))
	return s, nil
}

// Submit records a mutation: the cache is updated optimistically so the
// UI reflects the change at once, the write is queued durably, and the
// coordinator is woken in case the device is online.
func (s *Session) Submit(w pending.Write) (string, error) {
	// Held for the whole submission so a concurrent Logout cannot wipe
	// the namespace between the enqueue and the cache update.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	id, err := s.Queue.Enqueue(w)
	if err != nil {
		return "", err
	}
	if w.CacheKey != "" {
		if err := s.Cache.Set(w.CacheKey, w.Payload, 0); err != nil {
			s.logger.Warn("session: optimistic cache update failed",
				slog.String("cache_key", w.CacheKey),
				slog.String("error", err.Error()))
		}
	}
	s.Coordinator.Notify()
	return id, nil
}

// Close stops the coordinator without wiping stored data. Used for
// process shutdown and device restarts: queued writes, ledger records,
// and cache entries stay durable and are restored by the next Open.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.stopCoordinator(ctx)
	s.logger.Info("session: closed, user data retained")
	return nil
}

// Logout stops the coordinator, waiting up to the logout timeout for an
// in-flight submission to settle, then wipes the user's store. Queued
// writes are wiped with everything else: an explicit logout is the
// user's decision to leave no data on the device. Process shutdown goes
// through Close instead.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.stopCoordinator(ctx)

	if err := s.Store.Wipe(); err != nil {
		return fmt.Errorf("session: wipe on logout: %w", err)
	}
	s.logger.Info("session: logged out, user data wiped")
	return nil
}

// stopCoordinator cancels the coordinator and waits, bounded by the
// logout timeout, for it to settle any in-flight submission. Callers
// hold s.mu.
func (s *Session) stopCoordinator(ctx context.Context) {
	s.cancel()
	select {
	case <-s.Coordinator.Done():
	case <-time.After(s.logoutTimeout):
		s.logger.Warn("session: coordinator did not stop within timeout, continuing anyway")
	case <-ctx.Done():
		s.logger.Warn("session: context cancelled before coordinator stopped, continuing anyway")
	}
}
