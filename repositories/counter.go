package repositories

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ingest-lab/contract"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.CounterStore = (*BadgerCounterStore)(nil)
var _ contract.CounterStore = (*MemoryCounterStore)(nil)

// BadgerCounterStore keeps rate-limit counters durable across restarts.
// Window semantics live in the key (the bucket is part of it); the TTL only
// garbage-collects buckets that rolled over.
type BadgerCounterStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerCounterStore(db *badger.DB, log *slog.Logger) *BadgerCounterStore {
	return &BadgerCounterStore{db: db, log: log}
}

func counterKey(key string) []byte {
	return []byte(fmt.Sprintf("rl:%s", key))
}

func (s BadgerCounterStore) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, counterKey(key))
		if err != nil {
			return err
		}
		value = current + delta
		if value < 0 {
			value = 0
		}
		entry := badger.NewEntry(counterKey(key), encodeCounter(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s BadgerCounterStore) Decrement(key string) error {
	_, err := s.Increment(key, -1, 0)
	return err
}

func (s BadgerCounterStore) Get(key string) (int64, error) {
	var value int64
	err := s.db.View(func(txn *badger.Txn) error {
		current, err := readCounter(txn, counterKey(key))
		if err != nil {
			return err
		}
		value = current
		return nil
	})
	return value, err
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var value int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupted counter value of %d bytes", len(val))
		}
		value = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return value, err
}

func encodeCounter(value int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return buf
}

// MemoryCounterStore mirrors the badger semantics for tests and single-node
// tooling, with wall-clock expiry instead of badger TTLs.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return NewMemoryCounterStoreWithNow(time.Now)
}

func NewMemoryCounterStoreWithNow(now func() time.Time) *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]memoryCounter), now: now}
}

func (s *MemoryCounterStore) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter := s.counters[key]
	if !counter.expiresAt.IsZero() && s.now().After(counter.expiresAt) {
		counter = memoryCounter{}
	}
	counter.value += delta
	if counter.value < 0 {
		counter.value = 0
	}
	if ttl > 0 {
		counter.expiresAt = s.now().Add(ttl)
	}
	s.counters[key] = counter
	return counter.value, nil
}

func (s *MemoryCounterStore) Decrement(key string) error {
	_, err := s.Increment(key, -1, 0)
	return err
}

func (s *MemoryCounterStore) Get(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	if !counter.expiresAt.IsZero() && s.now().After(counter.expiresAt) {
		delete(s.counters, key)
		return 0, nil
	}
	return counter.value, nil
}
