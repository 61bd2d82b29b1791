// Package conflict implements last-write-wins resolution for mutable
// aggregates, keeping every losing version retrievable as history rather
// than discarding it.
package conflict

import (
	"errors"
	"time"
)

// ErrTimestampTie is returned when two versions carry identical
// timestamps. The rule is strictly "latest timestamp wins"; a tie is
// ambiguous, so the caller is asked to disambiguate instead of the
// resolver guessing a deterministic tie-break.
var ErrTimestampTie = errors.New("conflict: identical timestamps, caller must disambiguate")

// Origin identifies where a version was produced.
type Origin string

// Version origins.
const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Version is one state of a mutable aggregate at a point in time.
type Version struct {
	AggregateID string    `cbor:"aggregate_id" json:"aggregate_id"`
	UpdatedAt   time.Time `cbor:"updated_at" json:"updated_at"`
	Origin      Origin    `cbor:"origin" json:"origin"`
	Payload     []byte    `cbor:"payload" json:"payload"`
}

// Resolution is the outcome of comparing two versions.
type Resolution struct {
	Winner Version
	Loser  Version
}

// Resolve applies last-write-wins: the version with the later UpdatedAt
// wins, whichever side produced it. The comparison is evaluated fresh at
// every call; "remote always wins" is deliberately not the rule.
func Resolve(local, remote Version) (Resolution, error) {
	if local.UpdatedAt.Equal(remote.UpdatedAt) {
		return Resolution{}, ErrTimestampTie
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return Resolution{Winner: local, Loser: remote}, nil
	}
	return Resolution{Winner: remote, Loser: local}, nil
}
