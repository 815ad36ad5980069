package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ingest-lab/domain"
	"ingest-lab/infrastructure/clamav"
	"ingest-lab/internal"
	"ingest-lab/observability"
	"ingest-lab/repositories"
	"ingest-lab/runtime"
	"ingest-lab/runtime/workers"
	"ingest-lab/services"
	"ingest-lab/storage"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

// inboxOwner is the rate-limit subject charged for sessions the inbox
// watcher creates.
const inboxOwner = "inbox"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the pipeline lifecycle, and
// centralizes error reporting so every defer (database close, worker stop)
// executes before the process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.INFO))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	// Defer will be executed before run() returned anything to main()
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Repositories & Storage
	sessionRepo := repositories.NewSessionRepository(db, log)
	chunkRepo := repositories.NewChunkRepository(db, log)
	batchRepo := repositories.NewBatchRepository(db, log)
	dedupRepo := repositories.NewDedupRepository(db, log)
	counterStore := repositories.NewBadgerCounterStore(db, log)
	chunkStore := storage.NewDiskChunkStore(config.ChunkStoreDir, log)

	// 4. Services
	limiter := services.NewRateLimiter(counterStore, services.RateLimitConfig{
		UserSessionsPerHour:  config.UserSessionsPerHour,
		IPSessionsPerHour:    config.IPSessionsPerHour,
		MaxConcurrentPerUser: config.MaxConcurrentPerUser,
		ChunksPerSessionMax:  config.ChunksPerSessionMax,
		ChunksPerMinute:      config.ChunksPerMinute,
		UserBytesPerHour:     config.UserBytesPerHour,
		IPBytesPerHour:       config.IPBytesPerHour,
		SessionTTL:           config.SessionTTL,
	}, log)

	governor := services.NewBandwidthGovernor(config.BandwidthLimitKBps, log)
	governor.SetFloor(config.BandwidthFloorKBps)

	engine := services.NewParallelTransferEngine(
		chunkStore, chunkRepo, sessionRepo, dedupRepo,
		limiter, governor, log, config.MaxConcurrentChunks,
	)
	assembler := services.NewAssembler(
		chunkStore, chunkRepo, sessionRepo, dedupRepo,
		config.AssetDir, config.AssemblyToleranceB, log,
	)
	scanner := clamav.NewScanner(config.ClamdAddr, config.ClamscanBin, log)
	scanGate := services.NewScanGate(scanner, sessionRepo, config.ScanFailOpen, log)
	tracker := observability.NewProgressTracker(config.CheckpointHistory, config.BroadcastInterval, log)
	source := services.NewFileChunkSource(config.ChunkSize, inboxOwner, "127.0.0.1", log)
	sampler := workers.NewPressureSampler(config.PressureCPULimit, log)

	// 5. Orchestration & Event Wiring
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
	}, priorityStrategy(config.PriorityStrategy), config.MaxConcurrentSessions, config.MaxRetryAttempts, log)

	engine.AddSink(tracker, orchestrator)
	assembler.AddSink(tracker, orchestrator)
	scanGate.AddSink(tracker, orchestrator)

	if config.DebugPort > 0 && strings.EqualFold(config.LogLevel, "debug") {
		internal.StartDebugServer(db, orchestrator, config.DebugPort, "/inspect")
		log.Info("Debug inspector started", "port", config.DebugPort)
	}

	// 6. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 7. Start the Supervision Tree
	sup := workers.NewSupervisor(log)
	sup.Add(
		orchestrator,
		workers.NewScanGateWorker(scanGate, log),
		workers.NewJanitorWorker(sessionRepo, chunkRepo, chunkStore, config.JanitorInterval, config.SessionTTL, log),
		workers.NewInboxWorker(orchestrator, limiter, config.InboxDir, domain.WorkspaceID(config.WorkspaceID), config.ContainerID, inboxOwner, config.ChunkSize, config.InboxInterval, log),
		sampler,
	)

	log.Info("Starting ingest pipeline", "inbox", config.InboxDir, "workspace", config.WorkspaceID, "at", time.Now().UTC())
	sup.Run(ctx)

	log.Info("Program stopped cleanly")
	return nil
}

func priorityStrategy(s string) runtime.PriorityStrategy {
	switch runtime.PriorityStrategy(s) {
	case runtime.LargestFirst:
		return runtime.LargestFirst
	case runtime.Interleaved:
		return runtime.Interleaved
	default:
		return runtime.SmallestFirst
	}
}
