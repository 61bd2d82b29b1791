package securestore

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/verdant-health/chartsync/internal/cryptobox"
)

// SchemaVersion is the current on-disk entry format version. An entry
// persisted under a different version is treated as absent, never as
// corrupt data: callers fall back to a refetch.
const SchemaVersion = 1

// namespacePrefix roots every namespace's keyspace on the backend.
const namespacePrefix = "ns/"

// NamespaceKey maps a logical key into a namespace's backend keyspace.
// The ledger shares the backend and writes under the owner's namespace
// through this mapping, so Wipe covers its records too, but it seals
// its own envelopes rather than going through a Store.
func NamespaceKey(namespace, key string) string {
	return namespacePrefix + namespace + "/" + key
}

// ErrEmptyNamespace is returned when a store is created without a namespace.
var ErrEmptyNamespace = errors.New("securestore: namespace cannot be empty")

// envelope is the persisted form of an entry. Ciphertext carries the
// sealed value; everything else is metadata needed before decryption.
type envelope struct {
	Version    int    `cbor:"version"`
	StoredAt   int64  `cbor:"stored_at"`  // unix nanoseconds
	ExpiresAt  int64  `cbor:"expires_at"` // unix nanoseconds, 0 = never
	Ciphertext []byte `cbor:"ciphertext"`
}

// Metadata describes a stored entry without exposing its value.
type Metadata struct {
	Version   int
	StoredAt  time.Time
	ExpiresAt time.Time // zero time = never expires
}

// EntryInfo describes one entry for size accounting and eviction.
type EntryInfo struct {
	Key      string
	Size     int64 // envelope size on the backend, in bytes
	StoredAt time.Time
}

// Store is an encrypted key/value store scoped to a single user's
// namespace. Reads of entries sealed under any other namespace's key
// return ErrNotFound; foreign plaintext is never surfaced.
type Store struct {
	backend   Backend
	key       cryptobox.Key
	namespace string
	logger    *slog.Logger
}

// NewStore creates a store over a backend for one namespace, using the
// namespace owner's derived key.
func NewStore(backend Backend, key cryptobox.Key, namespace string, logger *slog.Logger) (*Store, error) {
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		key:       key,
		namespace: namespace,
		logger:    logger,
	}, nil
}

// Namespace returns the namespace this store is scoped to.
func (s *Store) Namespace() string {
	return s.namespace
}

// Set seals value and persists it under key. A ttl of 0 means the entry
// never expires.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	ciphertext, err := cryptobox.Seal(s.key, value)
	if err != nil {
		return fmt.Errorf("securestore: seal %s: %w", key, err)
	}

	now := time.Now().UTC()
	env := envelope{
		Version:    SchemaVersion,
		StoredAt:   now.UnixNano(),
		Ciphertext: ciphertext,
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixNano()
	}

	raw, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("securestore: encode envelope for %s: %w", key, err)
	}
	return s.backend.Put(s.backendKey(key), raw)
}

// Get retrieves and opens the entry for key. It returns ErrNotFound for a
// missing key, a schema version mismatch, or a failed decryption; the three
// cases are indistinguishable so that stale or foreign data is simply
// treated as a cache miss by callers.
func (s *Store) Get(key string) ([]byte, Metadata, error) {
	raw, err := s.backend.Get(s.backendKey(key))
	if err != nil {
		return nil, Metadata{}, err
	}

	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		s.logger.Debug("securestore: undecodable envelope treated as absent",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, Metadata{}, ErrNotFound
	}

	if env.Version != SchemaVersion {
		s.logger.Debug("securestore: schema version mismatch treated as absent",
			slog.String("key", key),
			slog.Int("version", env.Version))
		return nil, Metadata{}, ErrNotFound
	}

	value, err := cryptobox.Open(s.key, env.Ciphertext)
	if err != nil {
		s.logger.Debug("securestore: decryption failure treated as absent",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, Metadata{}, ErrNotFound
	}

	return value, metadataFromEnvelope(env), nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.backend.Delete(s.backendKey(key))
}

// Keys returns the logical keys present in this namespace.
func (s *Store) Keys() ([]string, error) {
	prefix := s.backendKey("")
	raw, err := s.backend.Keys(prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	return keys, nil
}

// Entries returns size and age information for every entry in this
// namespace, for cache-size accounting and eviction ordering.
func (s *Store) Entries() ([]EntryInfo, error) {
	prefix := s.backendKey("")
	raw, err := s.backend.Keys(prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]EntryInfo, 0, len(raw))
	for _, k := range raw {
		data, err := s.backend.Get(k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted concurrently
			}
			return nil, err
		}

		info := EntryInfo{
			Key:  strings.TrimPrefix(k, prefix),
			Size: int64(len(data)),
		}
		var env envelope
		if err := cbor.Unmarshal(data, &env); err == nil {
			info.StoredAt = time.Unix(0, env.StoredAt).UTC()
		}
		entries = append(entries, info)
	}
	return entries, nil
}

// Wipe securely erases every entry in this namespace: each value is
// overwritten with zero bytes and synced before removal, so the deletion
// is not a soft delete. Used on logout.
func (s *Store) Wipe() error {
	prefix := s.backendKey("")
	keys, err := s.backend.Keys(prefix)
	if err != nil {
		return err
	}

	for _, k := range keys {
		data, err := s.backend.Get(k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := s.backend.Put(k, make([]byte, len(data))); err != nil {
			return fmt.Errorf("securestore: overwrite before wipe of %s: %w", k, err)
		}
		if err := s.backend.Delete(k); err != nil {
			return fmt.Errorf("securestore: wipe delete of %s: %w", k, err)
		}
	}

	s.logger.Info("securestore: namespace wiped",
		slog.String("namespace", s.namespace),
		slog.Int("entries", len(keys)))
	return nil
}

// backendKey maps a logical key into this store's namespaced keyspace.
func (s *Store) backendKey(key string) string {
	return NamespaceKey(s.namespace, key)
}

func metadataFromEnvelope(env envelope) Metadata {
	md := Metadata{
		Version:  env.Version,
		StoredAt: time.Unix(0, env.StoredAt).UTC(),
	}
	if env.ExpiresAt != 0 {
		md.ExpiresAt = time.Unix(0, env.ExpiresAt).UTC()
	}
	return md
}
