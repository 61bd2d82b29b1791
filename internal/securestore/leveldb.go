package securestore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBackend implements Backend on an embedded goleveldb database.
// This is the on-device persistence layer; it survives process restarts
// with no migration step.
type LevelDBBackend struct {
	db *leveldb.DB
}

// syncWrites forces an fsync per write so that an acknowledged Put is
// durable across a crash, which the ledger's append atomicity depends on.
var syncWrites = &opt.WriteOptions{Sync: true}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("securestore: open leveldb at %s: %w", path, err)
	}
	return &LevelDBBackend{db: db}, nil
}

// Put stores a value durably.
func (b *LevelDBBackend) Put(key string, value []byte) error {
	if err := b.db.Put([]byte(key), value, syncWrites); err != nil {
		return fmt.Errorf("securestore: put %s: %w", key, err)
	}
	return nil
}

// Get retrieves the value for a key.
func (b *LevelDBBackend) Get(key string) ([]byte, error) {
	value, err := b.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("securestore: get %s: %w", key, err)
	}
	return value, nil
}

// Delete removes a key.
func (b *LevelDBBackend) Delete(key string) error {
	if err := b.db.Delete([]byte(key), syncWrites); err != nil {
		return fmt.Errorf("securestore: delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix in lexicographic order.
func (b *LevelDBBackend) Keys(prefix string) ([]string, error) {
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("securestore: iterate prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// WriteBatch applies all puts in a single atomic, synced leveldb batch.
func (b *LevelDBBackend) WriteBatch(puts map[string][]byte) error {
	batch := new(leveldb.Batch)
	for key, value := range puts {
		batch.Put([]byte(key), value)
	}
	if err := b.db.Write(batch, syncWrites); err != nil {
		return fmt.Errorf("securestore: write batch: %w", err)
	}
	return nil
}

// Close releases the database.
func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}
