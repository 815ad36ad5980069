package repositories

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ingest-lab/domain"
	apperrors "ingest-lab/errors"

	"github.com/dgraph-io/badger/v4"
)

type IBatchRepository interface {
	Save(batch *domain.Batch) error
	Get(id domain.BatchID) (*domain.Batch, error)
	Update(id domain.BatchID, mutate func(*domain.Batch) error) (*domain.Batch, error)
	List() ([]*domain.Batch, error)
}

type BatchRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBatchRepository(db *badger.DB, log *slog.Logger) *BatchRepository {
	return &BatchRepository{db: db, log: log}
}

func batchKey(id domain.BatchID) []byte {
	return []byte(fmt.Sprintf("batch:%s", id))
}

func (r BatchRepository) Save(batch *domain.Batch) error {
	batch.Clamp()
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(batch.ID), data)
	})
}

func (r BatchRepository) Get(id domain.BatchID) (*domain.Batch, error) {
	var batch domain.Batch
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(batchKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.ErrBatchNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &batch)
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Clamp()
	return &batch, nil
}

func (r BatchRepository) Update(id domain.BatchID, mutate func(*domain.Batch) error) (*domain.Batch, error) {
	var batch domain.Batch
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(batchKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.ErrBatchNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &batch)
		}); err != nil {
			return err
		}
		batch.Clamp()
		if err := mutate(&batch); err != nil {
			return err
		}
		batch.Clamp()
		data, err := json.Marshal(&batch)
		if err != nil {
			return err
		}
		return txn.Set(batchKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r BatchRepository) List() ([]*domain.Batch, error) {
	var batches []*domain.Batch
	prefix := []byte("batch:")
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var batch domain.Batch
				if err := json.Unmarshal(val, &batch); err != nil {
					return err
				}
				batch.Clamp()
				batches = append(batches, &batch)
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
	return batches, nil
}
