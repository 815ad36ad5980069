package test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ingest-lab/domain"
	"ingest-lab/mocks"
	"ingest-lab/observability"
	"ingest-lab/repositories"
	"ingest-lab/runtime"
	"ingest-lab/runtime/workers"
	"ingest-lab/services"
	"ingest-lab/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const chunkSize = 64

// Test_Scenario drops two files in the inbox and waits for the full
// pipeline (watch, chunk, transfer, assemble, scan, finalize) to settle.
func Test_Scenario(t *testing.T) {
	req := require.New(t)
	cfg, err := LoadConfig()
	req.NoError(err)

	step := func(name string) {
		header := fmt.Sprintf("  ====== %s ======", name)
		if cfg.Colours {
			header = color.New(color.BgBlack, color.FgGreen).Render(header)
		}
		t.Log(header)
	}

	step("Boot")
	// Reduced to 16 Mo for testing (avoid 20 Go of storage)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	req.NoError(err)

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	sessionRepo := repositories.NewSessionRepository(db, log)
	chunkRepo := repositories.NewChunkRepository(db, log)
	batchRepo := repositories.NewBatchRepository(db, log)
	dedupRepo := repositories.NewDedupRepository(db, log)
	counterStore := repositories.NewBadgerCounterStore(db, log)
	chunkStore := storage.NewDiskChunkStore(t.TempDir(), log)

	limiter := services.NewRateLimiter(counterStore, services.RateLimitConfig{
		UserSessionsPerHour:  1000,
		IPSessionsPerHour:    1000,
		MaxConcurrentPerUser: 100,
		ChunksPerSessionMax:  1000,
		ChunksPerMinute:      10000,
		UserBytesPerHour:     1 << 30,
		IPBytesPerHour:       1 << 30,
		SessionTTL:           time.Hour,
	}, log)
	governor := services.NewBandwidthGovernor(0, log)

	engine := services.NewParallelTransferEngine(
		chunkStore, chunkRepo, sessionRepo, dedupRepo, limiter, governor, log, 4,
	)
	assetDir := t.TempDir()
	assembler := services.NewAssembler(chunkStore, chunkRepo, sessionRepo, dedupRepo, assetDir, 0, log)

	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	scanner.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).
		Return(domain.ScanVerdict{Clean: true}, nil).AnyTimes()
	scanGate := services.NewScanGate(scanner, sessionRepo, false, log)

	tracker := observability.NewProgressTracker(8, 0, log)
	source := services.NewFileChunkSource(chunkSize, uuid.NewString(), "127.0.0.1", log)
	sampler := workers.NewPressureSampler(90, log)

	orchestrator := runtime.NewQueueOrchestrator(runtime.OrchestratorDeps{
		BatchRepo:   batchRepo,
		SessionRepo: sessionRepo,
		ChunkRepo:   chunkRepo,
		Engine:      engine,
		Assembler:   assembler,
		ScanGate:    scanGate,
		Source:      source,
		Tracker:     tracker,
		Governor:    governor,
		Pressure:    sampler,
		Limiter:     limiter,
	}, runtime.SmallestFirst, 2, 2, log)

	engine.AddSink(tracker, orchestrator)
	assembler.AddSink(tracker, orchestrator)
	scanGate.AddSink(tracker, orchestrator)

	step("Stage inbox files")
	inboxDir := t.TempDir()
	files := map[string][]byte{
		"alpha.bin": seededContent('a', 150), // 3 chunks
		"beta.bin":  seededContent('b', 40),  // 1 chunk
	}
	past := time.Now().Add(-time.Hour)
	for name, content := range files {
		path := filepath.Join(inboxDir, name)
		req.NoError(os.WriteFile(path, content, 0o600))
		req.NoError(os.Chtimes(path, past, past))
	}

	step("Start supervision tree")
	inbox := workers.NewInboxWorker(
		orchestrator, limiter, inboxDir, domain.WorkspaceID("ws-main"), "uploads",
		"inbox", chunkSize, 50*time.Millisecond, log,
	)
	sup := workers.NewSupervisor(log)
	sup.Add(orchestrator, workers.NewScanGateWorker(scanGate, log), inbox)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	// Clean everything at the end of the test
	t.Cleanup(func() {
		cancel()
		db.Close()
	})

	step("Wait for completion")
	req.Eventually(func() bool {
		sessions, err := sessionRepo.List()
		if err != nil || len(sessions) != len(files) {
			return false
		}
		return lo.EveryBy(sessions, func(s *domain.UploadSession) bool {
			return s.Status == domain.StatusCompleted
		})
	}, cfg.Timeout, 50*time.Millisecond)

	step("Verify assembled assets")
	for name, content := range files {
		assembled, err := os.ReadFile(filepath.Join(assetDir, "ws-main", "uploads", name))
		req.NoError(err)
		req.Equal(content, assembled)
	}

	sessions, err := sessionRepo.List()
	req.NoError(err)
	for _, session := range sessions {
		req.Equal("clean", session.Meta(domain.MetaScanStatus))
		req.NotEmpty(session.Meta(domain.MetaChecksum))
	}

	step("Verify batch accounting")
	req.Eventually(func() bool {
		batches, err := batchRepo.List()
		if err != nil || len(batches) != 1 {
			return false
		}
		return batches[0].Status == domain.BatchCompleted
	}, cfg.Timeout, 50*time.Millisecond)

	batches, err := batchRepo.List()
	req.NoError(err)
	req.Len(batches, 1)
	req.Equal(len(files), batches[0].CompletedFiles)
	req.Zero(batches[0].FailedFiles)

	snapshot, ok := tracker.Snapshot(batches[0].ID)
	req.True(ok)
	req.InDelta(100, snapshot.Percent, 0.01)
	req.Equal(len(files), snapshot.CompletedFiles)

	step("Verify concurrency slots drained")
	req.Eventually(func() bool {
		held, err := counterStore.Get("user:inbox:concurrent")
		return err == nil && held == 0
	}, cfg.Timeout, 50*time.Millisecond)
}

func seededContent(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%16)
	}
	return out
}
