package repositories

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ingest-lab/domain"

	"github.com/dgraph-io/badger/v4"
)

type IChunkRepository interface {
	Upsert(chunk domain.Chunk) error
	Get(sessionID domain.SessionID, number int) (*domain.Chunk, error)
	ListBySession(sessionID domain.SessionID) ([]domain.Chunk, error)
	CompletedCount(sessionID domain.SessionID) (int, error)
	DeleteSession(sessionID domain.SessionID) (int, error)
}

type ChunkRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewChunkRepository(db *badger.DB, log *slog.Logger) *ChunkRepository {
	return &ChunkRepository{db: db, log: log}
}

// chunkKey zero-pads the chunk number so a prefix scan yields chunks in
// chunk_number order without sorting.
func chunkKey(sessionID domain.SessionID, number int) []byte {
	return []byte(fmt.Sprintf("chunk:%s:%06d", sessionID, number))
}

func chunkPrefix(sessionID domain.SessionID) []byte {
	return []byte(fmt.Sprintf("chunk:%s:", sessionID))
}

// Upsert persists the record; re-uploads of the same chunk number overwrite
// in place, matching the idempotent storage layout.
func (r ChunkRepository) Upsert(chunk domain.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(chunk.SessionID, chunk.Number), data)
	})
}

func (r ChunkRepository) Get(sessionID domain.SessionID, number int) (*domain.Chunk, error) {
	var chunk domain.Chunk
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(sessionID, number))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &chunk)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (r ChunkRepository) ListBySession(sessionID domain.SessionID) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	prefix := chunkPrefix(sessionID)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var chunk domain.Chunk
				if err := json.Unmarshal(val, &chunk); err != nil {
					return err
				}
				chunks = append(chunks, chunk)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r ChunkRepository) CompletedCount(sessionID domain.SessionID) (int, error) {
	chunks, err := r.ListBySession(sessionID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, chunk := range chunks {
		if chunk.Status == domain.ChunkCompleted && chunk.StorageKey != "" {
			count++
		}
	}
	return count, nil
}

func (r ChunkRepository) DeleteSession(sessionID domain.SessionID) (int, error) {
	var keys [][]byte
	prefix := chunkPrefix(sessionID)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		err := r.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			r.log.Warn("Failed to delete chunk record", "key", string(key), "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
