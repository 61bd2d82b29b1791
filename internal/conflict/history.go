package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/verdant-health/chartsync/internal/securestore"
)

// historyPrefix is the secure-store key prefix for version history rows.
const historyPrefix = "history/"

// ErrNoHistory is returned when an aggregate has no recorded versions.
var ErrNoHistory = errors.New("conflict: no history for aggregate")

// historyRow is the persisted form of one version.
type historyRow struct {
	Counter uint64  `cbor:"counter"`
	Version Version `cbor:"version"`
}

// History records every version of every aggregate seen during conflict
// resolution. The per-aggregate version counter strictly increases, and
// losing versions are recorded rather than deleted, so any past state is
// retrievable.
type History struct {
	store  *securestore.Store
	logger *slog.Logger
}

// NewHistory creates a history over the user's store.
func NewHistory(store *securestore.Store, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{store: store, logger: logger}
}

// Record appends a version to an aggregate's history, assigning the next
// counter value. Returns the assigned counter.
func (h *History) Record(v Version) (uint64, error) {
	versions, err := h.rows(v.AggregateID)
	if err != nil {
		return 0, err
	}

	next := uint64(1)
	if n := len(versions); n > 0 {
		next = versions[n-1].Counter + 1
	}

	raw, err := cbor.Marshal(historyRow{Counter: next, Version: v})
	if err != nil {
		return 0, fmt.Errorf("conflict: encode history row: %w", err)
	}
	key := fmt.Sprintf("%s%s/%010d", historyPrefix, v.AggregateID, next)
	if err := h.store.Set(key, raw, 0); err != nil {
		return 0, fmt.Errorf("conflict: persist history row: %w", err)
	}
	return next, nil
}

// List returns every recorded version of an aggregate in counter order.
func (h *History) List(aggregateID string) ([]Version, error) {
	rows, err := h.rows(aggregateID)
	if err != nil {
		return nil, err
	}
	versions := make([]Version, 0, len(rows))
	for _, r := range rows {
		versions = append(versions, r.Version)
	}
	return versions, nil
}

// Latest returns the most recently recorded version of an aggregate.
func (h *History) Latest(aggregateID string) (Version, error) {
	rows, err := h.rows(aggregateID)
	if err != nil {
		return Version{}, err
	}
	if len(rows) == 0 {
		return Version{}, ErrNoHistory
	}
	return rows[len(rows)-1].Version, nil
}

// rows loads an aggregate's history rows in key (counter) order.
func (h *History) rows(aggregateID string) ([]historyRow, error) {
	keys, err := h.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("conflict: list history: %w", err)
	}

	prefix := historyPrefix + aggregateID + "/"
	var rows []historyRow
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, _, err := h.store.Get(key)
		if err != nil {
			if errors.Is(err, securestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var row historyRow
		if err := cbor.Unmarshal(raw, &row); err != nil {
			h.logger.Warn("conflict: skipping undecodable history row",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		rows = append(rows, row)
	}
	// Keys() is lexicographic and counters are zero-padded, so rows are
	// already in counter order.
	return rows, nil
}
