// Package network provides the connectivity state machine feeding the sync
// coordinator. Transitions are debounced so rapid flapping does not trigger
// redundant sync cycles, and every committed transition is delivered to
// every registered listener at least once.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the connectivity state.
type State int

// Connectivity states.
const (
	Offline State = iota
	Online
)

// String returns the state name.
func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// DefaultDebounce is the default window within which opposing transitions
// are coalesced.
const DefaultDebounce = 2 * time.Second

// Listener receives committed state transitions.
type Listener func(State)

// Monitor is the connectivity state machine. External feeds (an OS
// callback or a reachability probe) report observations via SetOnline;
// the monitor commits a transition only after the observation has been
// stable for the debounce window.
type Monitor struct {
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	state     State
	pending   State
	timer     *time.Timer
	listeners map[int]Listener
	nextID    int
}

// NewMonitor creates a monitor starting in the Offline state. A debounce
// of 0 commits transitions immediately.
func NewMonitor(debounce time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:    logger,
		debounce:  debounce,
		state:     Offline,
		pending:   Offline,
		listeners: make(map[int]Listener),
	}
}

// State returns the current committed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener for committed transitions and returns a
// handle for Unsubscribe. The listener is not called with the current
// state at registration time.
func (m *Monitor) Subscribe(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return id
}

// Unsubscribe removes a listener by handle.
func (m *Monitor) Unsubscribe(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

// SetOnline reports a connectivity observation. An observation matching
// the committed state cancels any pending flip; a differing observation
// (re)starts the debounce timer. Flaps shorter than the window never
// reach listeners.
func (m *Monitor) SetOnline(online bool) {
	observed := Offline
	if online {
		observed = Online
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if observed == m.state {
		// Back where we started before the window elapsed: coalesce.
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.pending = m.state
		return
	}

	if observed == m.pending && m.timer != nil {
		return // same flip already scheduled
	}

	m.pending = observed
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.debounce <= 0 {
		m.commitLocked(observed)
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending != m.state {
			m.commitLocked(m.pending)
		}
		m.timer = nil
	})
}

// commitLocked commits a transition and notifies listeners. Callers hold
// m.mu; notification runs outside the lock on a copied listener set so a
// listener can re-enter the monitor.
func (m *Monitor) commitLocked(next State) {
	m.state = next
	snapshot := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.logger.Info("network: connectivity transition",
		slog.String("state", next.String()))

	go func() {
		for _, l := range snapshot {
			l(next)
		}
	}()
}

// RunProbe feeds the monitor from a reachability probe at the given
// interval until the context is cancelled. The probe returns whether the
// remote authority is reachable.
func (m *Monitor) RunProbe(ctx context.Context, probe func(ctx context.Context) bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(probe(ctx))
		}
	}
}
