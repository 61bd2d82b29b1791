// Package ledger provides the append-only, hash-chained record store used
// for medication-administration and audit records. Records are immutable
// once written; corrections are new records referencing the corrected one.
// Tampering with persisted payloads is detectable by recomputation and is
// reported, never thrown.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// HashSize is the size in bytes of a record hash (SHA-256).
const HashSize = sha256.Size

// Ledger errors. Note that tampering is not an error: VerifyChain reports
// it as a result.
var (
	// ErrEmptyChainID is returned when an operation names no chain.
	ErrEmptyChainID = errors.New("ledger: chain ID cannot be empty")

	// ErrEmptyPayload is returned when appending an empty payload.
	ErrEmptyPayload = errors.New("ledger: payload cannot be empty")

	// ErrSequenceOutOfRange is returned by Export when the requested
	// range does not intersect the chain.
	ErrSequenceOutOfRange = errors.New("ledger: sequence out of range")

	// ErrUnknownSequence is returned by AppendCorrection when the
	// corrected sequence does not exist in the chain.
	ErrUnknownSequence = errors.New("ledger: corrected sequence does not exist")
)

// GenesisHash returns the well-known previous-hash constant for the first
// record of every chain: HashSize zero bytes.
func GenesisHash() []byte {
	return make([]byte, HashSize)
}

// Record is one immutable entry in a chain.
type Record struct {
	// ID is an opaque unique identifier assigned at creation.
	ID string `cbor:"id" json:"id"`

	// ChainID names the logical chain (e.g., one patient's medication
	// history).
	ChainID string `cbor:"chain_id" json:"chain_id"`

	// Sequence is the 1-based position of the record in its chain.
	Sequence uint64 `cbor:"sequence" json:"sequence"`

	// Payload holds the domain fields, immutable once written.
	Payload []byte `cbor:"payload" json:"payload"`

	// PreviousHash is the RecordHash of the prior record in the chain,
	// or the genesis constant for the first record.
	PreviousHash []byte `cbor:"previous_hash" json:"previous_hash"`

	// RecordHash is SHA-256 over (chain_id, sequence, previous_hash,
	// payload).
	RecordHash []byte `cbor:"record_hash" json:"record_hash"`

	// CreatedAt is the device-local creation time.
	CreatedAt time.Time `cbor:"created_at" json:"created_at"`
}

// Correction is the payload envelope written by AppendCorrection. The
// corrected record stays in the chain untouched; the correction points
// back at it.
type Correction struct {
	// CorrectsSequence is the sequence of the record being corrected.
	CorrectsSequence uint64 `cbor:"corrects_sequence" json:"corrects_sequence"`

	// Payload holds the replacement domain fields.
	Payload []byte `cbor:"payload" json:"payload"`
}

// VerificationReport is the result of walking a chain from genesis.
// Tampering never aborts the walk: every mismatch is collected so the
// caller sees the full damage, not just the first break.
type VerificationReport struct {
	// OK is true when the whole chain verified cleanly.
	OK bool `json:"ok"`

	// Length is the number of records the chain claims to hold.
	Length uint64 `json:"length"`

	// BrokenLinks lists sequences whose previous_hash does not match the
	// prior record's record_hash, or which are missing entirely.
	BrokenLinks []uint64 `json:"broken_links"`

	// TamperedRecords lists sequences whose payload no longer matches
	// their record_hash, including records that fail decryption.
	TamperedRecords []uint64 `json:"tampered_records"`
}

// computeHash derives the record hash binding a payload to its position
// and predecessor. The encoding is byte-stable so exported records can be
// re-verified externally.
func computeHash(chainID string, sequence uint64, previousHash, payload []byte) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)

	h := sha256.New()
	h.Write([]byte(chainID))
	h.Write(seq[:])
	h.Write(previousHash)
	h.Write(payload)
	return h.Sum(nil)
}
