package workers

import (
	"log/slog"
	"testing"
	"time"

	"ingest-lab/domain"
	"ingest-lab/repositories"
	"ingest-lab/storage"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openWorkerDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJanitorSweepsOnlyExpiredNonTerminalSessions(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	db := openWorkerDB(t)
	sessionRepo := repositories.NewSessionRepository(db, log)
	chunkRepo := repositories.NewChunkRepository(db, log)
	chunkStore := storage.NewDiskChunkStore(t.TempDir(), log)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := domain.NewUploadSession("b-1", "ws-1", "c-1", "stale.bin", 100, 1)
	stale.UpdatedAt = now.Add(-3 * time.Hour)
	req.NoError(sessionRepo.Save(stale))
	key, err := chunkStore.Store(stale.ID, 1, []byte("orphaned bytes"))
	req.NoError(err)
	req.NoError(chunkRepo.Upsert(domain.Chunk{
		SessionID: stale.ID, Number: 1, Size: 14, Status: domain.ChunkCompleted, StorageKey: key,
	}))

	fresh := domain.NewUploadSession("b-1", "ws-1", "c-1", "fresh.bin", 100, 1)
	fresh.UpdatedAt = now.Add(-time.Minute)
	req.NoError(sessionRepo.Save(fresh))

	finished := domain.NewUploadSession("b-1", "ws-1", "c-1", "done.bin", 100, 1)
	finished.Status = domain.StatusCompleted
	finished.UpdatedAt = now.Add(-3 * time.Hour)
	req.NoError(sessionRepo.Save(finished))

	janitor := NewJanitorWorker(sessionRepo, chunkRepo, chunkStore, time.Minute, time.Hour, log)
	janitor.now = func() time.Time { return now }

	req.Equal(1, janitor.Sweep())

	swept, err := sessionRepo.Get(stale.ID)
	req.NoError(err)
	req.Equal(domain.StatusCancelled, swept.Status)
	req.False(chunkStore.Exists(key))
	chunks, err := chunkRepo.ListBySession(stale.ID)
	req.NoError(err)
	req.Empty(chunks)

	untouched, err := sessionRepo.Get(fresh.ID)
	req.NoError(err)
	req.Equal(domain.StatusPending, untouched.Status)

	completed, err := sessionRepo.Get(finished.ID)
	req.NoError(err)
	req.Equal(domain.StatusCompleted, completed.Status)

	// A second pass finds nothing.
	req.Zero(janitor.Sweep())
}
