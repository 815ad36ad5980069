package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"ingest-lab/domain"
	apperrors "ingest-lab/errors"
)

// DiskChunkStore keeps one file per (session, chunk number) under root.
// Keys are deterministic, so re-uploading a chunk number overwrites the
// previous bytes in place.
type DiskChunkStore struct {
	root string
	log  *slog.Logger
}

func NewDiskChunkStore(root string, log *slog.Logger) *DiskChunkStore {
	return &DiskChunkStore{root: root, log: log}
}

// Key derives the storage key for a chunk. Callers treat it as opaque.
func (s *DiskChunkStore) Key(sessionID domain.SessionID, number int) string {
	return filepath.Join("sessions", string(sessionID), fmt.Sprintf("chunk_%06d", number))
}

func (s *DiskChunkStore) path(key string) string {
	return filepath.Join(s.root, key)
}

// Store writes through a temp file and renames, so a crashed write never
// leaves a truncated chunk behind the final key.
func (s *DiskChunkStore) Store(sessionID domain.SessionID, number int, data []byte) (string, error) {
	key := s.Key(sessionID, number)
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.StorageError{Op: "store", Key: key, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "chunk_*.tmp")
	if err != nil {
		return "", apperrors.StorageError{Op: "store", Key: key, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", apperrors.StorageError{Op: "store", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", apperrors.StorageError{Op: "store", Key: key, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", apperrors.StorageError{Op: "store", Key: key, Err: err}
	}
	return key, nil
}

func (s *DiskChunkStore) Exists(key string) bool {
	info, err := os.Stat(s.path(key))
	return err == nil && info.Mode().IsRegular()
}

// Size returns the byte size behind a key, 0 when missing.
func (s *DiskChunkStore) Size(key string) int64 {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return 0
	}
	return info.Size()
}

func (s *DiskChunkStore) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, apperrors.ChunkNotFoundError{Key: key}
	}
	if err != nil {
		return nil, apperrors.StorageError{Op: "open", Key: key, Err: err}
	}
	return f, nil
}

func (s *DiskChunkStore) Delete(key string) bool {
	if err := os.Remove(s.path(key)); err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Chunk delete failed", "key", key, "error", err)
		}
		return false
	}
	return true
}

// Cleanup removes every chunk file of a session. Hygiene only: failures are
// logged and the count of removed files is returned.
func (s *DiskChunkStore) Cleanup(sessionID domain.SessionID) int {
	dir := filepath.Join(s.root, "sessions", string(sessionID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Chunk cleanup could not read session dir", "session_id", sessionID, "error", err)
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.log.Warn("Chunk cleanup failed on file", "session_id", sessionID, "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if err := os.Remove(dir); err != nil {
		s.log.Debug("Session chunk dir not removed", "session_id", sessionID, "error", err)
	}
	return removed
}
