// Package runtime drives batches through the upload pipeline.
package runtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/domain/event"
	apperrors "ingest-lab/errors"
	"ingest-lab/observability"
	"ingest-lab/repositories"
	"ingest-lab/services"

	"github.com/samber/lo"
)

type PriorityStrategy string

const (
	SmallestFirst PriorityStrategy = "smallest_first"
	LargestFirst  PriorityStrategy = "largest_first"
	Interleaved   PriorityStrategy = "interleaved"
)

const batchQueueDepth = 64

// PressureSource reports whether the process is under resource pressure.
type PressureSource interface {
	Overloaded() bool
}

// QueueOrchestrator creates sessions for enqueued batches and pushes each
// one through transfer, assembly and scan dispatch. Sessions are grouped
// across workers balanced by chunk count so one large file cannot
// monopolize a group; groups run concurrently, sessions within a group
// sequentially.
type QueueOrchestrator struct {
	batchRepo   repositories.IBatchRepository
	sessionRepo repositories.ISessionRepository
	chunkRepo   repositories.IChunkRepository
	engine      *services.ParallelTransferEngine
	assembler   *services.Assembler
	scanGate    *services.ScanGate
	source      contract.ChunkSource
	tracker     *observability.ProgressTracker
	governor    *services.BandwidthGovernor
	pressure    PressureSource
	limiter     *services.RateLimiter
	strategy    PriorityStrategy

	maxConcurrent int
	maxRetries    int
	log           *slog.Logger
	queue         chan domain.BatchID

	mu sync.Mutex
}

var (
	_ contract.Worker     = (*QueueOrchestrator)(nil)
	_ contract.BatchQueue = (*QueueOrchestrator)(nil)
	_ contract.EventSink  = (*QueueOrchestrator)(nil)
)

type OrchestratorDeps struct {
	BatchRepo   repositories.IBatchRepository
	SessionRepo repositories.ISessionRepository
	ChunkRepo   repositories.IChunkRepository
	Engine      *services.ParallelTransferEngine
	Assembler   *services.Assembler
	ScanGate    *services.ScanGate
	Source      contract.ChunkSource
	Tracker     *observability.ProgressTracker
	Governor    *services.BandwidthGovernor
	Pressure    PressureSource
	Limiter     *services.RateLimiter
}

func NewQueueOrchestrator(deps OrchestratorDeps, strategy PriorityStrategy, maxConcurrent, maxRetries int, log *slog.Logger) *QueueOrchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &QueueOrchestrator{
		batchRepo:     deps.BatchRepo,
		sessionRepo:   deps.SessionRepo,
		chunkRepo:     deps.ChunkRepo,
		engine:        deps.Engine,
		assembler:     deps.Assembler,
		scanGate:      deps.ScanGate,
		source:        deps.Source,
		tracker:       deps.Tracker,
		governor:      deps.Governor,
		pressure:      deps.Pressure,
		limiter:       deps.Limiter,
		strategy:      strategy,
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		log:           log,
		queue:         make(chan domain.BatchID, batchQueueDepth),
	}
}

// Enqueue persists the batch and its sessions and queues the batch for
// processing.
func (o *QueueOrchestrator) Enqueue(ctx context.Context, batch *domain.Batch, sessions []*domain.UploadSession) error {
	batch.TotalFiles = len(sessions)
	batch.SessionIDs = lo.Map(sessions, func(s *domain.UploadSession, _ int) domain.SessionID { return s.ID })
	if err := o.batchRepo.Save(batch); err != nil {
		return err
	}
	for _, session := range sessions {
		if err := o.sessionRepo.Save(session); err != nil {
			return err
		}
	}

	if o.tracker != nil {
		expected := lo.SumBy(sessions, func(s *domain.UploadSession) int64 { return s.TotalSize })
		o.tracker.Track(batch, expected)
	}

	select {
	case o.queue <- batch.ID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the batch queue under supervision.
func (o *QueueOrchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batchID := <-o.queue:
			if err := o.ProcessBatch(ctx, batchID); err != nil {
				o.log.Error("Batch processing failed", "batch_id", batchID, "error", err)
			}
		}
	}
}

// ProcessBatch runs every pending session of the batch, retrying failed
// ones up to the retry budget.
func (o *QueueOrchestrator) ProcessBatch(ctx context.Context, batchID domain.BatchID) error {
	batch, err := o.batchRepo.Get(batchID)
	if err != nil {
		return err
	}
	if batch.Status == domain.BatchCancelled || batch.Status == domain.BatchCompleted {
		return nil
	}
	if _, err := o.batchRepo.Update(batchID, func(b *domain.Batch) error {
		b.Status = domain.BatchRunning
		return nil
	}); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		pending, err := o.pendingSessions(batchID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		o.runPass(ctx, pending)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.batchHalted(batchID) {
			return nil
		}
		if !o.reviveFailed(batchID) && attempt > 0 {
			break
		}
	}

	return o.refreshBatch(batchID)
}

func (o *QueueOrchestrator) pendingSessions(batchID domain.BatchID) ([]*domain.UploadSession, error) {
	sessions, err := o.sessionRepo.ListByBatch(batchID)
	if err != nil {
		return nil, err
	}
	pending := lo.Filter(sessions, func(s *domain.UploadSession, _ int) bool {
		return s.Status == domain.StatusPending
	})
	return o.order(pending), nil
}

// runPass distributes one strategy-ordered wave of sessions across the
// worker groups and waits for all of them.
func (o *QueueOrchestrator) runPass(ctx context.Context, sessions []*domain.UploadSession) {
	groups := o.balanceGroups(sessions, o.effectiveConcurrency())

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []*domain.UploadSession) {
			defer wg.Done()
			for _, session := range group {
				if ctx.Err() != nil {
					return
				}
				if err := o.processSession(ctx, session); err != nil {
					o.failSession(session.ID, err)
				}
			}
		}(group)
	}
	wg.Wait()
}

// order applies the selected priority strategy. High-priority sessions
// always come before normal, normal before low; the strategy orders within
// each class by size.
func (o *QueueOrchestrator) order(sessions []*domain.UploadSession) []*domain.UploadSession {
	ordered := make([]*domain.UploadSession, len(sessions))
	copy(ordered, sessions)

	rank := map[string]int{domain.PriorityHigh: 0, domain.PriorityNormal: 1, domain.PriorityLow: 2}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank[ordered[i].Priority()], rank[ordered[j].Priority()]
		if ri != rj {
			return ri < rj
		}
		if o.strategy == LargestFirst {
			return ordered[i].TotalSize > ordered[j].TotalSize
		}
		return ordered[i].TotalSize < ordered[j].TotalSize
	})

	if o.strategy != Interleaved {
		return ordered
	}

	// Alternate smallest and largest within the size-sorted slice.
	interleaved := make([]*domain.UploadSession, 0, len(ordered))
	small, large := 0, len(ordered)-1
	for small <= large {
		interleaved = append(interleaved, ordered[small])
		small++
		if small <= large {
			interleaved = append(interleaved, ordered[large])
			large--
		}
	}
	return interleaved
}

// balanceGroups spreads sessions across n groups keeping chunk counts even:
// each session lands in the currently lightest group.
func (o *QueueOrchestrator) balanceGroups(sessions []*domain.UploadSession, n int) [][]*domain.UploadSession {
	if n > len(sessions) {
		n = len(sessions)
	}
	if n < 1 {
		return nil
	}
	groups := make([][]*domain.UploadSession, n)
	load := make([]int, n)
	for _, session := range sessions {
		lightest := 0
		for i := 1; i < n; i++ {
			if load[i] < load[lightest] {
				lightest = i
			}
		}
		groups[lightest] = append(groups[lightest], session)
		load[lightest] += session.ChunksCount
	}
	return groups
}

// effectiveConcurrency is advisory: pressure or a starved bandwidth ceiling
// halves the configured level.
func (o *QueueOrchestrator) effectiveConcurrency() int {
	concurrency := o.maxConcurrent
	overloaded := o.pressure != nil && o.pressure.Overloaded()
	starved := o.governor != nil && o.governor.BelowFloor()
	if overloaded || starved {
		concurrency /= 2
		o.log.Info("Reducing concurrency under pressure",
			"overloaded", overloaded, "starved", starved, "concurrency", concurrency)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return concurrency
}

func (o *QueueOrchestrator) processSession(ctx context.Context, session *domain.UploadSession) error {
	payloads, err := o.source.Chunks(session)
	if err != nil {
		return err
	}

	// Resume support: chunks already durable from a previous attempt are
	// not re-sent.
	remaining := make([]domain.ChunkPayload, 0, len(payloads))
	for _, payload := range payloads {
		chunk, err := o.chunkRepo.Get(session.ID, payload.Number)
		if err != nil {
			return err
		}
		if chunk != nil && chunk.Status == domain.ChunkCompleted && chunk.StorageKey != "" {
			continue
		}
		remaining = append(remaining, payload)
	}

	report, err := o.engine.TransferSession(ctx, session, remaining)
	if err != nil {
		return err
	}
	if len(report.Failures) > 0 {
		// First failure carries the classification for the whole session.
		return report.Failures[0].Err
	}
	if !report.AllComplete {
		return nil
	}

	if _, err := o.assembler.AssembleSession(ctx, session.ID); err != nil {
		return err
	}
	return o.scanGate.Submit(ctx, session.ID)
}

// failSession records the classified failure without touching siblings.
func (o *QueueOrchestrator) failSession(sessionID domain.SessionID, cause error) {
	suggestion := apperrors.RecoverySuggestion(cause)
	_, err := o.sessionRepo.Update(sessionID, func(s *domain.UploadSession) error {
		if s.Terminal() || s.Status == domain.StatusFailed {
			return nil
		}
		s.SetMeta(domain.MetaFailure, cause.Error())
		s.SetMeta(domain.MetaSuggestion, suggestion)
		return s.Transition(domain.StatusFailed)
	})
	if err != nil {
		o.log.Error("Session could not be marked failed", "session_id", sessionID, "error", err)
		return
	}
	o.log.Warn("Session failed", "session_id", sessionID, "error", cause, "suggestion", suggestion)
}

// reviveFailed moves retryable failed sessions back to pending and reports
// whether any were revived. virus_detected is terminal and never revived;
// budget exhaustion is recorded on the session.
func (o *QueueOrchestrator) reviveFailed(batchID domain.BatchID) bool {
	sessions, err := o.sessionRepo.ListByBatch(batchID)
	if err != nil {
		o.log.Error("Retry sweep failed", "batch_id", batchID, "error", err)
		return false
	}

	revived := false
	for _, session := range sessions {
		if session.Status != domain.StatusFailed {
			continue
		}
		if session.RetryCount() >= o.maxRetries {
			o.markRetriesExhausted(session.ID)
			continue
		}
		_, err := o.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
			s.IncrementRetry()
			return s.Transition(domain.StatusPending)
		})
		if err != nil {
			o.log.Error("Session retry failed", "session_id", session.ID, "error", err)
			continue
		}
		o.log.Info("Retrying session",
			"session_id", session.ID, "attempt", session.RetryCount()+1, "max", o.maxRetries)
		revived = true
	}
	return revived
}

func (o *QueueOrchestrator) markRetriesExhausted(sessionID domain.SessionID) {
	if _, err := o.sessionRepo.Update(sessionID, func(s *domain.UploadSession) error {
		s.SetMeta(domain.MetaFailure, "maximum retry attempts reached")
		return nil
	}); err != nil {
		o.log.Error("Could not record retry exhaustion", "session_id", sessionID, "error", err)
	}
	o.releaseSlot(sessionID)
}

// releaseSlot frees the owner's concurrency slot taken at session creation.
// The release is recorded on the session so overlapping settle paths (scan
// verdict, cancel cascade, retry exhaustion) free it at most once.
func (o *QueueOrchestrator) releaseSlot(sessionID domain.SessionID) {
	if o.limiter == nil {
		return
	}
	var owner string
	if _, err := o.sessionRepo.Update(sessionID, func(s *domain.UploadSession) error {
		if s.Meta(domain.MetaSlotReleased) != "" {
			return nil
		}
		owner = s.Meta(domain.MetaUser)
		s.SetMeta(domain.MetaSlotReleased, "true")
		return nil
	}); err != nil {
		o.log.Error("Concurrency slot release not recorded", "session_id", sessionID, "error", err)
		return
	}
	if owner != "" {
		o.limiter.ReleaseSession(owner)
	}
}

// Pause moves the batch and its active sessions back to pending. Already
// pending sessions are untouched.
func (o *QueueOrchestrator) Pause(ctx context.Context, batchID domain.BatchID) error {
	if _, err := o.batchRepo.Update(batchID, func(b *domain.Batch) error {
		b.Status = domain.BatchPaused
		return nil
	}); err != nil {
		return err
	}

	sessions, err := o.sessionRepo.ListByBatch(batchID)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if session.Status != domain.StatusUploading {
			continue
		}
		if _, err := o.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
			return s.Transition(domain.StatusPending)
		}); err != nil {
			return err
		}
	}

	if o.tracker != nil {
		o.tracker.Checkpoint(batchID, "paused")
	}
	o.log.Info("Batch paused", "batch_id", batchID)
	return nil
}

// Resume re-admits the batch to the queue.
func (o *QueueOrchestrator) Resume(ctx context.Context, batchID domain.BatchID) error {
	batch, err := o.batchRepo.Update(batchID, func(b *domain.Batch) error {
		b.Status = domain.BatchQueued
		return nil
	})
	if err != nil {
		return err
	}

	if o.tracker != nil {
		o.tracker.Checkpoint(batchID, "resumed")
	}
	o.log.Info("Batch resumed", "batch_id", batchID, "pending_files", batch.PendingFiles())

	select {
	case o.queue <- batchID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel terminally stops the batch, cascading to every session that is not
// already terminal. Completed sessions keep their assets.
func (o *QueueOrchestrator) Cancel(ctx context.Context, batchID domain.BatchID) error {
	if _, err := o.batchRepo.Update(batchID, func(b *domain.Batch) error {
		b.Status = domain.BatchCancelled
		return nil
	}); err != nil {
		return err
	}

	sessions, err := o.sessionRepo.ListByBatch(batchID)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if session.Terminal() {
			continue
		}
		if _, err := o.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
			return s.Transition(domain.StatusCancelled)
		}); err != nil {
			return err
		}
		o.releaseSlot(session.ID)
	}

	if o.tracker != nil {
		o.tracker.Checkpoint(batchID, "cancelled")
	}
	o.log.Info("Batch cancelled", "batch_id", batchID)
	return nil
}

func (o *QueueOrchestrator) batchHalted(batchID domain.BatchID) bool {
	batch, err := o.batchRepo.Get(batchID)
	if err != nil {
		return false
	}
	return batch.Status == domain.BatchPaused || batch.Status == domain.BatchCancelled
}

// refreshBatch recomputes the batch counters from its sessions.
func (o *QueueOrchestrator) refreshBatch(batchID domain.BatchID) error {
	sessions, err := o.sessionRepo.ListByBatch(batchID)
	if err != nil {
		return err
	}

	completed := lo.CountBy(sessions, func(s *domain.UploadSession) bool {
		return s.Status == domain.StatusCompleted
	})
	failed := lo.CountBy(sessions, func(s *domain.UploadSession) bool {
		return s.Status == domain.StatusFailed ||
			s.Status == domain.StatusCancelled ||
			s.Status == domain.StatusVirusDetected
	})
	settled := lo.EveryBy(sessions, func(s *domain.UploadSession) bool {
		return s.Terminal() || s.Status == domain.StatusFailed
	})

	_, err = o.batchRepo.Update(batchID, func(b *domain.Batch) error {
		b.CompletedFiles = completed
		b.FailedFiles = failed
		if settled && b.Status == domain.BatchRunning {
			b.Status = domain.BatchCompleted
		}
		return nil
	})
	return err
}

// Consume keeps batch counters in step with session state events, covering
// the transitions the scan gate performs asynchronously.
func (o *QueueOrchestrator) Consume(e event.DomainEvent) {
	changed, ok := e.(event.SessionStateChanged)
	if !ok {
		return
	}
	switch changed.To {
	case domain.StatusCompleted, domain.StatusVirusDetected, domain.StatusCancelled:
		o.releaseSlot(changed.Session)
		fallthrough
	case domain.StatusFailed:
		o.mu.Lock()
		defer o.mu.Unlock()
		if err := o.refreshBatch(changed.Batch); err != nil {
			o.log.Error("Batch refresh failed", "batch_id", changed.Batch, "error", err)
		}
	}
}

// InspectQueue reports the queue depth, surfaced by the debug tooling.
func (o *QueueOrchestrator) InspectQueue() (depth, capacity int) {
	return len(o.queue), cap(o.queue)
}
