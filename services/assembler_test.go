package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"ingest-lab/domain"
	apperrors "ingest-lab/errors"
	"ingest-lab/repositories"
	"ingest-lab/storage"

	"github.com/stretchr/testify/require"
)

type assemblerFixture struct {
	assembler   *Assembler
	sessionRepo *repositories.SessionRepository
	chunkRepo   *repositories.ChunkRepository
	dedupRepo   *repositories.DedupRepository
	chunkStore  *storage.DiskChunkStore
	assetDir    string
}

func newAssemblerFixture(t *testing.T, toleranceB int64) assemblerFixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	db := openTransferDB(t)

	sessionRepo := repositories.NewSessionRepository(db, log)
	chunkRepo := repositories.NewChunkRepository(db, log)
	dedupRepo := repositories.NewDedupRepository(db, log)
	chunkStore := storage.NewDiskChunkStore(t.TempDir(), log)
	assetDir := t.TempDir()

	return assemblerFixture{
		assembler:   NewAssembler(chunkStore, chunkRepo, sessionRepo, dedupRepo, assetDir, toleranceB, log),
		sessionRepo: sessionRepo,
		chunkRepo:   chunkRepo,
		dedupRepo:   dedupRepo,
		chunkStore:  chunkStore,
		assetDir:    assetDir,
	}
}

// seedAssembling creates a session in the assembling state with every chunk
// stored and recorded as completed.
func seedAssembling(t *testing.T, f assemblerFixture, declaredSize int64, chunks [][]byte) *domain.UploadSession {
	t.Helper()
	session := domain.NewUploadSession("batch-1", "ws-1", "container-1", "archive.bin", declaredSize, len(chunks))
	require.NoError(t, f.sessionRepo.Save(session))

	for i, data := range chunks {
		key, err := f.chunkStore.Store(session.ID, i+1, data)
		require.NoError(t, err)
		require.NoError(t, f.chunkRepo.Upsert(domain.Chunk{
			SessionID:  session.ID,
			Number:     i + 1,
			Size:       int64(len(data)),
			Checksum:   domain.Checksum(data),
			Status:     domain.ChunkCompleted,
			StorageKey: key,
		}))
	}

	for _, status := range []domain.SessionStatus{domain.StatusUploading, domain.StatusAssembling} {
		_, err := f.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
			return s.Transition(status)
		})
		require.NoError(t, err)
	}
	session.Status = domain.StatusAssembling
	return session
}

func TestAssembleSessionConcatenatesInOrder(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	chunks := [][]byte{
		[]byte("%PDF-1.7 first chunk "),
		bytes.Repeat([]byte{0xAB}, 300),
		[]byte("tail"),
	}
	var want []byte
	for _, data := range chunks {
		want = append(want, data...)
	}
	session := seedAssembling(t, f, int64(len(want)), chunks)

	updated, err := f.assembler.AssembleSession(context.Background(), session.ID)
	req.NoError(err)
	req.Equal(domain.StatusVirusScanning, updated.Status)
	req.Equal(filepath.Join(f.assetDir, "ws-1", "container-1", "archive.bin"), updated.AssembledPath)

	got, err := os.ReadFile(updated.AssembledPath)
	req.NoError(err)
	req.Equal(want, got)

	sum := sha256.Sum256(want)
	req.Equal(hex.EncodeToString(sum[:]), updated.Meta(domain.MetaChecksum))
	req.NotEmpty(updated.Meta(domain.MetaFileType))
}

func TestAssembleSessionRejectsSizeMismatch(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	session := seedAssembling(t, f, 999, [][]byte{bytes.Repeat([]byte{1}, 100)})

	_, err := f.assembler.AssembleSession(context.Background(), session.ID)
	var aerr apperrors.AssemblyError
	req.ErrorAs(err, &aerr)

	// No output, failed session, reason recorded.
	_, statErr := os.Stat(filepath.Join(f.assetDir, "ws-1", "container-1", "archive.bin"))
	req.True(os.IsNotExist(statErr))
	stored, err := f.sessionRepo.Get(session.ID)
	req.NoError(err)
	req.Equal(domain.StatusFailed, stored.Status)
	req.NotEmpty(stored.Meta(domain.MetaFailure))
}

func TestAssembleSessionToleranceAllowsSlack(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 10)

	session := seedAssembling(t, f, 105, [][]byte{bytes.Repeat([]byte{1}, 100)})

	updated, err := f.assembler.AssembleSession(context.Background(), session.ID)
	req.NoError(err)
	req.Equal(domain.StatusVirusScanning, updated.Status)
}

func TestAssembleSessionRejectsNameCollision(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	session := seedAssembling(t, f, 4, [][]byte{[]byte("data")})

	target := filepath.Join(f.assetDir, "ws-1", "container-1", "archive.bin")
	req.NoError(os.MkdirAll(filepath.Dir(target), 0o755))
	req.NoError(os.WriteFile(target, []byte("already here"), 0o644))

	_, err := f.assembler.AssembleSession(context.Background(), session.ID)
	var aerr apperrors.AssemblyError
	req.ErrorAs(err, &aerr)

	got, readErr := os.ReadFile(target)
	req.NoError(readErr)
	req.Equal([]byte("already here"), got)
}

func TestAssembleSessionReplacesOwnOutputOnRetry(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	chunks := [][]byte{[]byte("first half "), []byte("second half")}
	session := seedAssembling(t, f, 22, chunks)
	// Stored chunks are indexed for the workspace, like a real upload, so a
	// retry still finds its source files after cleanup.
	for i, data := range chunks {
		req.NoError(f.dedupRepo.Put("ws-1", domain.Checksum(data), domain.ChunkRef{
			SessionID:  session.ID,
			Number:     i + 1,
			StorageKey: f.chunkStore.Key(session.ID, i+1),
			Size:       int64(len(data)),
		}))
	}

	first, err := f.assembler.AssembleSession(context.Background(), session.ID)
	req.NoError(err)
	req.Equal(domain.StatusVirusScanning, first.Status)

	// Scan never delivered a verdict; the session fails and gets revived.
	for _, status := range []domain.SessionStatus{
		domain.StatusFailed, domain.StatusPending,
		domain.StatusUploading, domain.StatusAssembling,
	} {
		_, err := f.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
			return s.Transition(status)
		})
		req.NoError(err)
	}

	second, err := f.assembler.AssembleSession(context.Background(), session.ID)
	req.NoError(err)
	req.Equal(domain.StatusVirusScanning, second.Status)
	req.Equal(first.AssembledPath, second.AssembledPath)

	got, err := os.ReadFile(second.AssembledPath)
	req.NoError(err)
	req.Equal([]byte("first half second half"), got)
}

func TestAssembleSessionRejectsMissingChunk(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	session := seedAssembling(t, f, 8, [][]byte{[]byte("data")})
	_, err := f.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.ChunksCount = 2
		return nil
	})
	req.NoError(err)

	_, err = f.assembler.AssembleSession(context.Background(), session.ID)
	var aerr apperrors.AssemblyError
	req.ErrorAs(err, &aerr)

	stored, err := f.sessionRepo.Get(session.ID)
	req.NoError(err)
	req.Equal(domain.StatusFailed, stored.Status)
}

func TestAssembleSessionKeepsDedupSourceFiles(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	shared := bytes.Repeat([]byte{7}, 64)
	private := bytes.Repeat([]byte{8}, 64)
	session := seedAssembling(t, f, 128, [][]byte{shared, private})

	sharedKey := f.chunkStore.Key(session.ID, 1)
	req.NoError(f.dedupRepo.Put("ws-1", domain.Checksum(shared), domain.ChunkRef{
		SessionID: session.ID, Number: 1, StorageKey: sharedKey, Size: 64,
	}))

	_, err := f.assembler.AssembleSession(context.Background(), session.ID)
	req.NoError(err)

	req.True(f.chunkStore.Exists(sharedKey), "dedup source file must survive cleanup")
	req.False(f.chunkStore.Exists(f.chunkStore.Key(session.ID, 2)))
}

func TestAssembleSessionRequiresAssemblingState(t *testing.T) {
	req := require.New(t)
	f := newAssemblerFixture(t, 0)

	session := domain.NewUploadSession("batch-1", "ws-1", "container-1", "archive.bin", 4, 1)
	req.NoError(f.sessionRepo.Save(session))

	_, err := f.assembler.AssembleSession(context.Background(), session.ID)
	var terr apperrors.InvalidTransition
	req.ErrorAs(err, &terr)
}
