package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/verdant-health/chartsync/internal/cryptobox"
	"github.com/verdant-health/chartsync/internal/securestore"
)

// tailState tracks the durable head of a chain. It is persisted in the
// same atomic batch as each appended record, so sequence assignment
// survives a crash without partial writes.
type tailState struct {
	Sequence uint64 `cbor:"sequence"`
	Hash     []byte `cbor:"hash"`
}

// Ledger is an append-only, hash-chained record store. Payloads are sealed
// with the owning user's key, and every chain lives inside that user's
// backend namespace, so a logout wipe erases the chains along with the
// rest of the namespace and two users never share a chain keyspace.
// Appends to the same chain are serialized by a per-chain mutex; sequence
// and previous_hash assignment is not commutative.
type Ledger struct {
	backend   securestore.Backend
	key       cryptobox.Key
	namespace string
	logger    *slog.Logger
	metrics   *Metrics

	mu     sync.Mutex // guards chains and tails
	chains map[string]*sync.Mutex
	tails  map[string]tailState
}

// New creates a Ledger over a backend using the namespace owner's key,
// with chain keys scoped to that namespace. Metrics may be nil, in which
// case a detached collector set is used.
func New(backend securestore.Backend, key cryptobox.Key, namespace string, logger *slog.Logger, metrics *Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Ledger{
		backend:   backend,
		key:       key,
		namespace: namespace,
		logger:    logger,
		metrics:   metrics,
		chains:    make(map[string]*sync.Mutex),
		tails:     make(map[string]tailState),
	}
}

// Append creates the next record of a chain and persists it atomically:
// after a crash the record and the updated tail are either both durable or
// both absent. On an I/O failure the in-memory tail is not advanced, so a
// retry by the caller is safe.
func (l *Ledger) Append(chainID string, payload []byte) (*Record, error) {
	if chainID == "" {
		return nil, ErrEmptyChainID
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	chainMu := l.chainMutex(chainID)
	chainMu.Lock()
	defer chainMu.Unlock()

	tail, err := l.loadTail(chainID)
	if err != nil {
		return nil, err
	}

	previousHash := tail.Hash
	if tail.Sequence == 0 {
		previousHash = GenesisHash()
	}

	record := &Record{
		ID:           uuid.New().String(),
		ChainID:      chainID,
		Sequence:     tail.Sequence + 1,
		Payload:      payload,
		PreviousHash: previousHash,
		CreatedAt:    time.Now().UTC(),
	}
	record.RecordHash = computeHash(chainID, record.Sequence, record.PreviousHash, record.Payload)

	sealed, err := l.sealRecord(record)
	if err != nil {
		l.metrics.IncAppendErrors()
		return nil, err
	}

	newTail := tailState{Sequence: record.Sequence, Hash: record.RecordHash}
	sealedTail, err := l.sealTail(newTail)
	if err != nil {
		l.metrics.IncAppendErrors()
		return nil, err
	}

	err = l.backend.WriteBatch(map[string][]byte{
		l.recordKey(chainID, record.Sequence): sealed,
		l.tailKey(chainID):                    sealedTail,
	})
	if err != nil {
		l.metrics.IncAppendErrors()
		return nil, fmt.Errorf("ledger: append to %s: %w", chainID, err)
	}

	l.mu.Lock()
	l.tails[chainID] = newTail
	l.mu.Unlock()

	l.metrics.IncAppends()
	l.logger.Debug("ledger: record appended",
		slog.String("chain_id", chainID),
		slog.Uint64("sequence", record.Sequence))
	return record, nil
}

// AppendCorrection appends a record whose payload references an earlier
// record in the same chain. The corrected record is never mutated.
func (l *Ledger) AppendCorrection(chainID string, correctedSequence uint64, payload []byte) (*Record, error) {
	if chainID == "" {
		return nil, ErrEmptyChainID
	}

	tail, err := l.loadTailLocked(chainID)
	if err != nil {
		return nil, err
	}
	if correctedSequence == 0 || correctedSequence > tail.Sequence {
		return nil, ErrUnknownSequence
	}

	wrapped, err := cbor.Marshal(Correction{
		CorrectsSequence: correctedSequence,
		Payload:          payload,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode correction: %w", err)
	}
	return l.Append(chainID, wrapped)
}

// VerifyChain walks a chain from genesis, independently checking every
// previous_hash linkage and recomputing every record_hash from payload.
// Tampering is a reported result, not an error: the report collects every
// mismatch instead of stopping at the first, and the walk never aborts
// the process. Only backend I/O failures return an error.
func (l *Ledger) VerifyChain(chainID string) (*VerificationReport, error) {
	if chainID == "" {
		return nil, ErrEmptyChainID
	}

	tail, err := l.loadTailLocked(chainID)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{
		OK:              true,
		Length:          tail.Sequence,
		BrokenLinks:     []uint64{},
		TamperedRecords: []uint64{},
	}
	l.metrics.IncVerifications()

	expectedPrev := GenesisHash()
	for seq := uint64(1); seq <= tail.Sequence; seq++ {
		record, err := l.loadRecord(chainID, seq)
		if err != nil {
			if errors.Is(err, securestore.ErrNotFound) {
				report.BrokenLinks = append(report.BrokenLinks, seq)
				expectedPrev = nil
				continue
			}
			if errors.Is(err, cryptobox.ErrAuthenticationFailed) {
				report.TamperedRecords = append(report.TamperedRecords, seq)
				expectedPrev = nil
				continue
			}
			return nil, err
		}

		recomputed := computeHash(chainID, seq, record.PreviousHash, record.Payload)
		if !bytes.Equal(recomputed, record.RecordHash) {
			report.TamperedRecords = append(report.TamperedRecords, seq)
		}

		if expectedPrev != nil && !bytes.Equal(record.PreviousHash, expectedPrev) {
			report.BrokenLinks = append(report.BrokenLinks, seq)
		}

		// The next record is checked against the hash this record
		// claims, so a payload mutation here does not cascade into a
		// broken link downstream.
		expectedPrev = record.RecordHash
	}

	report.OK = len(report.BrokenLinks) == 0 && len(report.TamperedRecords) == 0
	if !report.OK {
		l.metrics.AddTamperedRecords(len(report.TamperedRecords))
		l.logger.Error("ledger: chain integrity violation detected",
			slog.String("chain_id", chainID),
			slog.Any("broken_links", report.BrokenLinks),
			slog.Any("tampered_records", report.TamperedRecords))
	}
	return report, nil
}

// Export returns records from..to inclusive with hash fields verbatim,
// enabling external re-verification. from=0 means the chain start, to=0
// means the chain tail.
func (l *Ledger) Export(chainID string, from, to uint64) ([]*Record, error) {
	if chainID == "" {
		return nil, ErrEmptyChainID
	}

	tail, err := l.loadTailLocked(chainID)
	if err != nil {
		return nil, err
	}

	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = tail.Sequence
	}
	if tail.Sequence == 0 {
		return []*Record{}, nil
	}
	if from > tail.Sequence || to > tail.Sequence || from > to {
		return nil, ErrSequenceOutOfRange
	}

	records := make([]*Record, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		record, err := l.loadRecord(chainID, seq)
		if err != nil {
			return nil, fmt.Errorf("ledger: export %s sequence %d: %w", chainID, seq, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// TailSequence returns the current length of a chain.
func (l *Ledger) TailSequence(chainID string) (uint64, error) {
	tail, err := l.loadTailLocked(chainID)
	if err != nil {
		return 0, err
	}
	return tail.Sequence, nil
}

// chainMutex returns the append mutex for a chain, creating it on first
// use.
func (l *Ledger) chainMutex(chainID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.chains[chainID]
	if !ok {
		mu = &sync.Mutex{}
		l.chains[chainID] = mu
	}
	return mu
}

// loadTail returns the tail state for a chain, consulting the cache
// first. Callers must hold the chain mutex.
func (l *Ledger) loadTail(chainID string) (tailState, error) {
	l.mu.Lock()
	tail, ok := l.tails[chainID]
	l.mu.Unlock()
	if ok {
		return tail, nil
	}

	raw, err := l.backend.Get(l.tailKey(chainID))
	if err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return tailState{}, nil // fresh chain
		}
		return tailState{}, err
	}

	plain, err := cryptobox.Open(l.key, raw)
	if err != nil {
		return tailState{}, fmt.Errorf("ledger: open tail of %s: %w", chainID, err)
	}
	if err := cbor.Unmarshal(plain, &tail); err != nil {
		return tailState{}, fmt.Errorf("ledger: decode tail of %s: %w", chainID, err)
	}

	l.mu.Lock()
	l.tails[chainID] = tail
	l.mu.Unlock()
	return tail, nil
}

// loadTailLocked is loadTail behind the chain mutex, for read paths that
// do not already hold it.
func (l *Ledger) loadTailLocked(chainID string) (tailState, error) {
	chainMu := l.chainMutex(chainID)
	chainMu.Lock()
	defer chainMu.Unlock()
	return l.loadTail(chainID)
}

// loadRecord fetches and opens one record.
func (l *Ledger) loadRecord(chainID string, sequence uint64) (*Record, error) {
	raw, err := l.backend.Get(l.recordKey(chainID, sequence))
	if err != nil {
		return nil, err
	}
	plain, err := cryptobox.Open(l.key, raw)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := cbor.Unmarshal(plain, &record); err != nil {
		// Undecodable plaintext after successful authentication means
		// the stored bytes were rewritten under the right key; treat
		// as a failed open so VerifyChain reports it.
		return nil, cryptobox.ErrAuthenticationFailed
	}
	return &record, nil
}

func (l *Ledger) sealRecord(record *Record) ([]byte, error) {
	plain, err := cbor.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode record: %w", err)
	}
	sealed, err := cryptobox.Seal(l.key, plain)
	if err != nil {
		return nil, fmt.Errorf("ledger: seal record: %w", err)
	}
	return sealed, nil
}

func (l *Ledger) sealTail(tail tailState) ([]byte, error) {
	plain, err := cbor.Marshal(tail)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode tail: %w", err)
	}
	sealed, err := cryptobox.Seal(l.key, plain)
	if err != nil {
		return nil, fmt.Errorf("ledger: seal tail: %w", err)
	}
	return sealed, nil
}

func (l *Ledger) recordKey(chainID string, sequence uint64) string {
	return securestore.NamespaceKey(l.namespace, fmt.Sprintf("chain/%s/rec/%020d", chainID, sequence))
}

func (l *Ledger) tailKey(chainID string) string {
	return securestore.NamespaceKey(l.namespace, "chain/"+chainID+"/tail")
}
