package repositories

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ingest-lab/domain"

	"github.com/dgraph-io/badger/v4"
)

// DedupRepository is the workspace-scoped checksum index: it answers
// "has any completed chunk in this workspace carried these bytes before".
type DedupRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewDedupRepository(db *badger.DB, log *slog.Logger) *DedupRepository {
	return &DedupRepository{db: db, log: log}
}

func dedupKey(workspace domain.WorkspaceID, checksum string) []byte {
	return []byte(fmt.Sprintf("dedup:%s:%s", workspace, checksum))
}

func (r DedupRepository) Put(workspace domain.WorkspaceID, checksum string, ref domain.ChunkRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		// First writer wins: a checksum already indexed keeps its original
		// source so later uploads all point at the same physical bytes.
		_, err := txn.Get(dedupKey(workspace, checksum))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(dedupKey(workspace, checksum), data)
	})
}

// FindByChecksum is the lookup contract the transfer pipeline consumes:
// checksum -> existing chunk info, for every checksum that has a hit.
func (r DedupRepository) FindByChecksum(workspace domain.WorkspaceID, checksums []string) (map[string]domain.ChunkRef, error) {
	hits := make(map[string]domain.ChunkRef)
	err := r.db.View(func(txn *badger.Txn) error {
		for _, checksum := range checksums {
			item, err := txn.Get(dedupKey(workspace, checksum))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var ref domain.ChunkRef
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); err != nil {
				return err
			}
			hits[checksum] = ref
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (r DedupRepository) Delete(workspace domain.WorkspaceID, checksum string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dedupKey(workspace, checksum))
	})
}
