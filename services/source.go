package services

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"ingest-lab/contract"
	"ingest-lab/domain"
	apperrors "ingest-lab/errors"
)

// FileChunkSource slices a staged local file into chunk payloads. The file
// path travels in the session's source_path metadata.
type FileChunkSource struct {
	chunkSize int
	userID    string
	remoteIP  string
	log       *slog.Logger
}

var _ contract.ChunkSource = (*FileChunkSource)(nil)

func NewFileChunkSource(chunkSize int, userID, remoteIP string, log *slog.Logger) *FileChunkSource {
	return &FileChunkSource{chunkSize: chunkSize, userID: userID, remoteIP: remoteIP, log: log}
}

func (s *FileChunkSource) Chunks(session *domain.UploadSession) ([]domain.ChunkPayload, error) {
	path := session.Meta(domain.MetaSourcePath)
	if path == "" {
		return nil, apperrors.ValidationError{Field: "source_path", Reason: "session has no staged file"}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.StorageError{Op: "open", Key: path, Err: err}
	}
	defer file.Close()

	// Payloads carry the session owner's identity when it was recorded at
	// creation; the source's defaults cover sessions staged without one.
	userID := session.Meta(domain.MetaUser)
	if userID == "" {
		userID = s.userID
	}
	remoteIP := session.Meta(domain.MetaRemoteIP)
	if remoteIP == "" {
		remoteIP = s.remoteIP
	}

	payloads := make([]domain.ChunkPayload, 0, session.ChunksCount)
	buf := make([]byte, s.chunkSize)
	number := 0
	for {
		n, readErr := io.ReadFull(file, buf)
		if n > 0 {
			number++
			data := make([]byte, n)
			copy(data, buf[:n])
			payloads = append(payloads, domain.ChunkPayload{
				SessionID: string(session.ID),
				Number:    number,
				Data:      data,
				Checksum:  domain.Checksum(data),
				UserID:    userID,
				RemoteIP:  remoteIP,
			})
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, apperrors.StorageError{Op: "read", Key: path, Err: readErr}
		}
	}

	if number != session.ChunksCount {
		return nil, apperrors.ValidationError{
			Field:  "chunks_count",
			Reason: fmt.Sprintf("staged file yields %d chunks, session declares %d", number, session.ChunksCount),
		}
	}
	return payloads, nil
}
