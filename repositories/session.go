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

type ISessionRepository interface {
	Save(session *domain.UploadSession) error
	Get(id domain.SessionID) (*domain.UploadSession, error)
	Update(id domain.SessionID, mutate func(*domain.UploadSession) error) (*domain.UploadSession, error)
	ListByBatch(batchID domain.BatchID) ([]*domain.UploadSession, error)
	List() ([]*domain.UploadSession, error)
	Delete(id domain.SessionID) error
}

type SessionRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewSessionRepository(db *badger.DB, log *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, log: log}
}

func sessionKey(id domain.SessionID) []byte {
	return []byte(fmt.Sprintf("session:%s", id))
}

// batchSessionKey is a secondary index so a batch's sessions can be listed
// with one prefix scan instead of loading the whole keyspace.
func batchSessionKey(batchID domain.BatchID, id domain.SessionID) []byte {
	return []byte(fmt.Sprintf("batchsess:%s:%s", batchID, id))
}

func (r SessionRepository) Save(session *domain.UploadSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(session.ID), data); err != nil {
			return err
		}
		return txn.Set(batchSessionKey(session.BatchID, session.ID), []byte(session.ID))
	})
}

func (r SessionRepository) Get(id domain.SessionID) (*domain.UploadSession, error) {
	var session domain.UploadSession
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Update applies mutate inside one badger transaction so concurrent
// read-modify-write cycles on the same session cannot lose writes.
func (r SessionRepository) Update(id domain.SessionID, mutate func(*domain.UploadSession) error) (*domain.UploadSession, error) {
	var session domain.UploadSession
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		}); err != nil {
			return err
		}
		if err := mutate(&session); err != nil {
			return err
		}
		data, err := json.Marshal(&session)
		if err != nil {
			return err
		}
		return txn.Set(sessionKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r SessionRepository) ListByBatch(batchID domain.BatchID) ([]*domain.UploadSession, error) {
	var ids []domain.SessionID
	prefix := []byte(fmt.Sprintf("batchsess:%s:", batchID))
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ids = append(ids, domain.SessionID(val))
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

	sessions := make([]*domain.UploadSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.Get(id)
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			r.log.Warn("Dangling batch session index entry", "session_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// List scans the whole session keyspace; used by the janitor sweep and the
// inspector tooling, not on hot paths.
func (r SessionRepository) List() ([]*domain.UploadSession, error) {
	var sessions []*domain.UploadSession
	prefix := []byte("session:")
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session domain.UploadSession
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, &session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r SessionRepository) Delete(id domain.SessionID) error {
	session, err := r.Get(id)
	if errors.Is(err, apperrors.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(sessionKey(id)); err != nil {
			return err
		}
		return txn.Delete(batchSessionKey(session.BatchID, id))
	})
}
