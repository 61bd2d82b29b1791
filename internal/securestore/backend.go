// Package securestore provides namespaced, encrypted key/value persistence
// with per-entry metadata. All values are sealed with the namespace owner's
// derived key before they reach the backend, so no two users' data coexist
// unencrypted at rest.
package securestore

import "errors"

// Backend errors.
var (
	// ErrNotFound is returned when a key does not exist, when a stored
	// entry fails decryption, or when its schema version does not match
	// the current one. All three cases are deliberately indistinguishable
	// to callers.
	ErrNotFound = errors.New("securestore: not found")

	// ErrClosed is returned when the backend has been closed.
	ErrClosed = errors.New("securestore: backend closed")
)

// Backend is the raw byte-level persistence layer beneath the store.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put stores a value under a key, overwriting any previous value.
	// The write must be durable when Put returns.
	Put(key string, value []byte) error

	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(key string) ([]byte, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys with the given prefix in lexicographic order.
	Keys(prefix string) ([]string, error)

	// WriteBatch applies all puts atomically: after a crash either every
	// entry in the batch is visible or none is.
	WriteBatch(puts map[string][]byte) error

	// Close releases the backend. Subsequent operations return ErrClosed.
	Close() error
}
