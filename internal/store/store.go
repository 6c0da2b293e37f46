package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// Well-known key prefixes. Each persisted key is namespaced per network as
// "<prefix>_<network>" so a single store can host multiple chains.
const (
	KeyRegistryVersion = "CONDITIONAL_ORDER_REGISTRY_VERSION"
	KeyRegistry        = "CONDITIONAL_ORDER_REGISTRY"
	KeyLastProcessed   = "LAST_PROCESSED_BLOCK"
	KeyLastNotified    = "LAST_NOTIFIED_ERROR"
)

// Key builds the namespaced form of a well-known key for a network.
func Key(prefix, network string) string {
	return fmt.Sprintf("%s_%s", prefix, network)
}

// Store is a durable ordered key/value store backed by LevelDB.
// All writes that must be observed together go through a Batch, which LevelDB
// commits atomically.
type Store struct {
	db  *leveldb.DB
	log *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if necessary) the store at the given path.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	s := &Store{db: db, log: log.WithComponent("store")}
	s.log.Debugw("database opened", "path", path)

	return s, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	val, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, ldberrors.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return val, nil
}

// Put stores value under key.
func (s *Store) Put(key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// NewBatch returns a batch writer whose Write commits all queued operations
// atomically.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, batch: new(leveldb.Batch)}
}

// Close releases the underlying database. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.log.Debug("database closed")
	})
	return s.closeErr
}

// Batch accumulates put/delete operations for a single atomic commit.
type Batch struct {
	store *Store
	batch *leveldb.Batch
}

// Put queues a write of value under key.
func (b *Batch) Put(key string, value []byte) {
	b.batch.Put([]byte(key), value)
}

// Delete queues a removal of key.
func (b *Batch) Delete(key string) {
	b.batch.Delete([]byte(key))
}

// Write commits the batch. Either all queued operations become visible or
// none do.
func (b *Batch) Write() error {
	if err := b.store.db.Write(b.batch, nil); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
