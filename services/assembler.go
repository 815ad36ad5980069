package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/domain/event"
	apperrors "ingest-lab/errors"
	"ingest-lab/repositories"

	"github.com/gabriel-vasile/mimetype"
)

// Assembler concatenates a session's chunks into the final asset file once
// every chunk is durable.
type Assembler struct {
	chunkStore  ChunkStore
	chunkRepo   repositories.IChunkRepository
	sessionRepo repositories.ISessionRepository
	dedupRepo   *repositories.DedupRepository
	assetDir    string
	toleranceB  int64
	log         *slog.Logger
	sinks       []contract.EventSink
}

func NewAssembler(
	chunkStore ChunkStore,
	chunkRepo repositories.IChunkRepository,
	sessionRepo repositories.ISessionRepository,
	dedupRepo *repositories.DedupRepository,
	assetDir string,
	toleranceB int64,
	log *slog.Logger,
) *Assembler {
	return &Assembler{
		chunkStore:  chunkStore,
		chunkRepo:   chunkRepo,
		sessionRepo: sessionRepo,
		dedupRepo:   dedupRepo,
		assetDir:    assetDir,
		toleranceB:  toleranceB,
		log:         log,
	}
}

func (a *Assembler) AddSink(sinks ...contract.EventSink) {
	a.sinks = append(a.sinks, sinks...)
}

func (a *Assembler) emit(ev event.DomainEvent) {
	for _, sink := range a.sinks {
		sink.Consume(ev)
	}
}

// AssetPath is where the assembled file for this session will land.
func (a *Assembler) AssetPath(session *domain.UploadSession) string {
	return filepath.Join(a.assetDir, string(session.WorkspaceID), session.ContainerID, session.Filename)
}

// AssembleSession turns the session's chunk set into the final file. The
// session must be in the assembling state; any precondition or I/O failure
// moves it to failed with the reason in its metadata, never leaving a
// partial file behind.
func (a *Assembler) AssembleSession(ctx context.Context, sessionID domain.SessionID) (*domain.UploadSession, error) {
	session, err := a.sessionRepo.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusAssembling {
		return nil, apperrors.InvalidTransition{
			SessionID: string(session.ID),
			From:      string(session.Status),
			To:        string(domain.StatusVirusScanning),
		}
	}

	ordered, err := a.orderedChunks(session)
	if err != nil {
		return nil, a.fail(session, err)
	}

	finalPath := a.AssetPath(session)
	if _, statErr := os.Stat(finalPath); statErr == nil {
		// A file this session assembled on an earlier attempt is not a
		// collision; a retry replaces it. Anything else at the path is.
		if session.AssembledPath != finalPath {
			return nil, a.fail(session, apperrors.AssemblyError{
				SessionID: string(session.ID),
				Reason:    fmt.Sprintf("asset %s already exists", finalPath),
			})
		}
		if err := os.Remove(finalPath); err != nil {
			return nil, a.fail(session, apperrors.StorageError{Op: "remove", Key: finalPath, Err: err})
		}
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, a.fail(session, apperrors.StorageError{Op: "mkdir", Key: finalPath, Err: err})
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".assemble-*")
	if err != nil {
		return nil, a.fail(session, apperrors.StorageError{Op: "create", Key: finalPath, Err: err})
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	digest := sha256.New()
	out := io.MultiWriter(tmp, digest)
	var written int64
	for _, chunk := range ordered {
		if err := ctx.Err(); err != nil {
			discard()
			return nil, err
		}
		n, err := a.copyChunk(out, chunk)
		if err != nil {
			discard()
			return nil, a.fail(session, err)
		}
		written += n
	}

	if diff := written - session.TotalSize; diff > a.toleranceB || diff < -a.toleranceB {
		discard()
		return nil, a.fail(session, apperrors.AssemblyError{
			SessionID: string(session.ID),
			Reason:    fmt.Sprintf("assembled %d bytes, declared %d (tolerance %d)", written, session.TotalSize, a.toleranceB),
		})
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return nil, a.fail(session, apperrors.StorageError{Op: "sync", Key: tmpPath, Err: err})
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, a.fail(session, apperrors.StorageError{Op: "close", Key: tmpPath, Err: err})
	}

	fileType := "application/octet-stream"
	if mime, err := mimetype.DetectFile(tmpPath); err == nil {
		fileType = mime.String()
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, a.fail(session, apperrors.StorageError{Op: "rename", Key: finalPath, Err: err})
	}

	checksum := hex.EncodeToString(digest.Sum(nil))
	updated, err := a.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.AssembledPath = finalPath
		s.SetMeta(domain.MetaFileType, fileType)
		s.SetMeta(domain.MetaChecksum, checksum)
		return s.Transition(domain.StatusVirusScanning)
	})
	if err != nil {
		return nil, err
	}

	a.cleanupChunks(updated, ordered)

	a.log.Info("Session assembled",
		"session_id", session.ID, "path", finalPath, "bytes", written, "file_type", fileType)
	a.emit(event.SessionStateChanged{
		Batch: updated.BatchID, Session: updated.ID,
		From: domain.StatusAssembling, To: domain.StatusVirusScanning, At: time.Now().UTC(),
	})
	return updated, nil
}

func (a *Assembler) orderedChunks(session *domain.UploadSession) ([]domain.Chunk, error) {
	chunks, err := a.chunkRepo.ListBySession(session.ID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]domain.Chunk, len(chunks))
	for _, chunk := range chunks {
		byNumber[chunk.Number] = chunk
	}
	ordered := make([]domain.Chunk, 0, session.ChunksCount)
	for n := 1; n <= session.ChunksCount; n++ {
		chunk, ok := byNumber[n]
		if !ok || chunk.Status != domain.ChunkCompleted || chunk.StorageKey == "" {
			return nil, apperrors.AssemblyError{
				SessionID: string(session.ID),
				Reason:    fmt.Sprintf("chunk %d missing or incomplete", n),
			}
		}
		if !a.chunkStore.Exists(chunk.StorageKey) {
			return nil, apperrors.AssemblyError{
				SessionID: string(session.ID),
				Reason:    fmt.Sprintf("chunk %d storage key %s does not resolve", n, chunk.StorageKey),
			}
		}
		ordered = append(ordered, chunk)
	}
	return ordered, nil
}

func (a *Assembler) copyChunk(out io.Writer, chunk domain.Chunk) (int64, error) {
	rc, err := a.chunkStore.Open(chunk.StorageKey)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.Copy(out, rc)
	if err != nil {
		return n, apperrors.StorageError{Op: "read", Key: chunk.StorageKey, Err: err}
	}
	return n, nil
}

// cleanupChunks removes the session's chunk files, except those the
// workspace dedup index still names as a source for other sessions. Hygiene
// failures are logged, never returned.
func (a *Assembler) cleanupChunks(session *domain.UploadSession, chunks []domain.Chunk) {
	checksums := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if !chunk.Deduplicated {
			checksums = append(checksums, chunk.Checksum)
		}
	}
	refs, err := a.dedupRepo.FindByChecksum(session.WorkspaceID, checksums)
	if err != nil {
		a.log.Warn("Dedup index lookup failed during cleanup, keeping chunk files",
			"session_id", session.ID, "error", err)
		return
	}

	kept, removed := 0, 0
	for _, chunk := range chunks {
		if chunk.Deduplicated {
			continue
		}
		if ref, ok := refs[chunk.Checksum]; ok && ref.StorageKey == chunk.StorageKey {
			kept++
			continue
		}
		if a.chunkStore.Delete(chunk.StorageKey) {
			removed++
		}
	}
	a.log.Debug("Chunk files cleaned up",
		"session_id", session.ID, "removed", removed, "kept_as_dedup_source", kept)
}

func (a *Assembler) fail(session *domain.UploadSession, cause error) error {
	reason := cause.Error()
	if _, err := a.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.SetMeta(domain.MetaFailure, reason)
		if hint := apperrors.RecoverySuggestion(cause); hint != "" {
			s.SetMeta(domain.MetaSuggestion, hint)
		}
		return s.Transition(domain.StatusFailed)
	}); err != nil {
		a.log.Error("Session could not be marked failed", "session_id", session.ID, "error", err)
	}
	return cause
}
