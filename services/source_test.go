package services

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"ingest-lab/domain"
	apperrors "ingest-lab/errors"

	"github.com/stretchr/testify/require"
)

func stageFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestFileChunkSourceSlicesStagedFile(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)

	content := []byte("abcdefghijklmnopqrstuvwxyz") // 26 bytes, chunk size 10
	path := stageFile(t, content)

	session := domain.NewUploadSession("b-1", "ws", "files", "staged.bin", int64(len(content)), 3)
	session.SetMeta(domain.MetaSourcePath, path)

	source := NewFileChunkSource(10, "user-1", "10.0.0.1", log)
	payloads, err := source.Chunks(session)
	req.NoError(err)
	req.Len(payloads, 3)

	req.Equal([]byte("abcdefghij"), payloads[0].Data)
	req.Equal([]byte("klmnopqrst"), payloads[1].Data)
	req.Equal([]byte("uvwxyz"), payloads[2].Data)
	for i, payload := range payloads {
		req.Equal(i+1, payload.Number)
		req.Equal(string(session.ID), payload.SessionID)
		req.Equal(domain.Checksum(payload.Data), payload.Checksum)
		req.Equal("user-1", payload.UserID)
		req.Equal("10.0.0.1", payload.RemoteIP)
	}
}

func TestFileChunkSourceRejectsChunkCountMismatch(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)

	path := stageFile(t, make([]byte, 25)) // yields 3 chunks of 10

	session := domain.NewUploadSession("b-1", "ws", "files", "staged.bin", 25, 5)
	session.SetMeta(domain.MetaSourcePath, path)

	source := NewFileChunkSource(10, "user-1", "10.0.0.1", log)
	_, err := source.Chunks(session)

	var verr apperrors.ValidationError
	req.ErrorAs(err, &verr)
	req.Equal("chunks_count", verr.Field)
}

func TestFileChunkSourceRequiresStagedPath(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)

	session := domain.NewUploadSession("b-1", "ws", "files", "gone.bin", 10, 1)

	source := NewFileChunkSource(10, "user-1", "10.0.0.1", log)
	_, err := source.Chunks(session)

	var verr apperrors.ValidationError
	req.ErrorAs(err, &verr)
	req.Equal("source_path", verr.Field)
}
