package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/domain/event"
	apperrors "ingest-lab/errors"
	"ingest-lab/repositories"

	"github.com/go-playground/validator/v10"
)

// ChunkStore is the durable byte storage the engine writes through.
type ChunkStore interface {
	Store(sessionID domain.SessionID, number int, data []byte) (string, error)
	Exists(key string) bool
	Size(key string) int64
	Open(key string) (io.ReadCloser, error)
	Delete(key string) bool
	Cleanup(sessionID domain.SessionID) int
}

type ChunkFailure struct {
	Number int
	Err    error
}

type TransferReport struct {
	Completed    int
	Deduplicated int
	Failures     []ChunkFailure
	BytesStored  int64
	BytesSaved   int64
	AllComplete  bool
}

// ParallelTransferEngine drives the chunk payloads of one session through
// rate limiting, bandwidth pacing, deduplication and storage with a bounded
// worker pool. Chunks are processed in batches of maxConcurrent; the pool
// joins between batches.
type ParallelTransferEngine struct {
	chunkStore    ChunkStore
	chunkRepo     repositories.IChunkRepository
	sessionRepo   repositories.ISessionRepository
	dedupRepo     *repositories.DedupRepository
	limiter       *RateLimiter
	governor      *BandwidthGovernor
	validate      *validator.Validate
	log           *slog.Logger
	maxConcurrent int
	sinks         []contract.EventSink

	mu           sync.Mutex
	sessionLocks map[domain.SessionID]*sync.Mutex
}

func NewParallelTransferEngine(
	chunkStore ChunkStore,
	chunkRepo repositories.IChunkRepository,
	sessionRepo repositories.ISessionRepository,
	dedupRepo *repositories.DedupRepository,
	limiter *RateLimiter,
	governor *BandwidthGovernor,
	log *slog.Logger,
	maxConcurrent int,
) *ParallelTransferEngine {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ParallelTransferEngine{
		chunkStore:    chunkStore,
		chunkRepo:     chunkRepo,
		sessionRepo:   sessionRepo,
		dedupRepo:     dedupRepo,
		limiter:       limiter,
		governor:      governor,
		validate:      validator.New(),
		log:           log,
		maxConcurrent: maxConcurrent,
		sessionLocks:  make(map[domain.SessionID]*sync.Mutex),
	}
}

func (e *ParallelTransferEngine) AddSink(sinks ...contract.EventSink) {
	e.sinks = append(e.sinks, sinks...)
}

func (e *ParallelTransferEngine) emit(ev event.DomainEvent) {
	for _, sink := range e.sinks {
		sink.Consume(ev)
	}
}

func (e *ParallelTransferEngine) sessionLock(id domain.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessionLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[id] = lock
	}
	return lock
}

// dropSessionLock forgets a session's lock once it left the uploading state,
// keeping the map bounded in a long-running daemon.
func (e *ParallelTransferEngine) dropSessionLock(id domain.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionLocks, id)
}

// TransferSession uploads the given payloads for one session. Per-chunk
// failures land in the report, never abort siblings, and leave the session
// resumable.
func (e *ParallelTransferEngine) TransferSession(ctx context.Context, session *domain.UploadSession, payloads []domain.ChunkPayload) (TransferReport, error) {
	report := TransferReport{}

	if session.Status == domain.StatusPending {
		updated, err := e.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
			return s.Transition(domain.StatusUploading)
		})
		if err != nil {
			return report, err
		}
		*session = *updated
		e.emit(event.SessionStateChanged{
			Batch: session.BatchID, Session: session.ID,
			From: domain.StatusPending, To: domain.StatusUploading, At: time.Now().UTC(),
		})
	}
	if session.Status != domain.StatusUploading {
		return report, apperrors.InvalidTransition{
			SessionID: string(session.ID),
			From:      string(session.Status),
			To:        string(domain.StatusUploading),
		}
	}

	dedup := NewDeduplicationIndex(e.dedupRepo, e.chunkStore, e.log)

	type result struct {
		failure      *ChunkFailure
		deduplicated bool
		stored       int64
	}

	for start := 0; start < len(payloads); start += e.maxConcurrent {
		end := start + e.maxConcurrent
		if end > len(payloads) {
			end = len(payloads)
		}
		batch := payloads[start:end]
		streams := len(batch)

		results := make(chan result, len(batch))
		var wg sync.WaitGroup
		for _, payload := range batch {
			wg.Add(1)
			go func(p domain.ChunkPayload) {
				defer wg.Done()
				stored, deduplicated, err := e.transferOne(ctx, session, dedup, p, streams)
				if err != nil {
					results <- result{failure: &ChunkFailure{Number: p.Number, Err: err}}
					return
				}
				results <- result{deduplicated: deduplicated, stored: stored}
			}(payload)
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.failure != nil {
				e.log.Warn("Chunk transfer failed",
					"session_id", session.ID, "chunk", r.failure.Number, "error", r.failure.Err)
				report.Failures = append(report.Failures, *r.failure)
				continue
			}
			report.Completed++
			report.BytesStored += r.stored
			if r.deduplicated {
				report.Deduplicated++
			}
		}

		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	report.BytesSaved = dedup.BytesSaved()

	complete, err := e.maybeMarkAssembling(session)
	if err != nil {
		return report, err
	}
	report.AllComplete = complete
	return report, nil
}

func (e *ParallelTransferEngine) transferOne(ctx context.Context, session *domain.UploadSession, dedup *DeduplicationIndex, payload domain.ChunkPayload, streams int) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	// Cooperative cancellation: a cancelled session stops picking up new
	// units of work, in-flight writes are safe to leave behind.
	current, err := e.sessionRepo.Get(session.ID)
	if err != nil {
		return 0, false, err
	}
	if current.Status == domain.StatusCancelled {
		return 0, false, apperrors.ErrSessionCancelled
	}

	if err := e.validate.Struct(payload); err != nil {
		return 0, false, apperrors.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if payload.Number > session.ChunksCount {
		return 0, false, apperrors.ValidationError{
			Field:  "number",
			Reason: fmt.Sprintf("%d exceeds chunks_count %d", payload.Number, session.ChunksCount),
		}
	}
	if computed := domain.Checksum(payload.Data); computed != payload.Checksum {
		return 0, false, apperrors.ValidationError{Field: "checksum", Reason: "does not match payload bytes"}
	}

	size := int64(len(payload.Data))
	if err := e.limiter.AdmitChunk(payload.UserID, payload.RemoteIP, session.ID, size); err != nil {
		return 0, false, err
	}

	// Scope (a): a completed chunk elsewhere in the workspace already has
	// these bytes; copy its key into a pointer record.
	if ref, ok := dedup.LookupWorkspace(session.WorkspaceID, payload.Checksum); ok {
		dedup.RecordSaved(size)
		chunk := domain.Chunk{
			SessionID:    session.ID,
			Number:       payload.Number,
			Size:         size,
			Checksum:     payload.Checksum,
			Status:       domain.ChunkCompleted,
			StorageKey:   ref.StorageKey,
			Deduplicated: true,
			DedupSource:  DedupSourceLabel(ref.SessionID, ref.Number),
			CompletedAt:  time.Now().UTC(),
		}
		if err := e.chunkRepo.Upsert(chunk); err != nil {
			return 0, false, err
		}
		e.emitChunkCompleted(session, chunk)
		return 0, true, nil
	}

	// Scope (b): the same checksum appeared earlier in this list. The first
	// occurrence wins as source; this one becomes a pointer whose key is
	// resolved once the source finishes.
	sourceNumber, isSource := dedup.ClaimBatchSource(payload.Checksum, payload.Number, size)
	if !isSource {
		chunk := domain.Chunk{
			SessionID:    session.ID,
			Number:       payload.Number,
			Size:         size,
			Checksum:     payload.Checksum,
			Status:       domain.ChunkPending,
			Deduplicated: true,
			DedupSource:  DedupSourceLabel(session.ID, sourceNumber),
		}
		if err := e.chunkRepo.Upsert(chunk); err != nil {
			return 0, false, err
		}
		// Park behind the source only after the pending record is durable.
		// Either the source resolved first and this call upgrades the record,
		// or the source's resolution pass does; never both.
		if key, resolved := dedup.AwaitBatchSource(payload.Checksum, payload.Number); resolved {
			chunk.Status = domain.ChunkCompleted
			chunk.StorageKey = key
			chunk.CompletedAt = time.Now().UTC()
			if err := e.chunkRepo.Upsert(chunk); err != nil {
				return 0, false, err
			}
			e.emitChunkCompleted(session, chunk)
		}
		return 0, true, nil
	}

	// Bandwidth pacing, then the actual write, then feed the measurement
	// back so the ceiling can adapt.
	sizeKB := float64(size) / 1024
	if delay := e.governor.DelayPerStream(sizeKB, streams); delay > 0 {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(delay):
		}
	}

	started := time.Now()
	key, err := e.chunkStore.Store(session.ID, payload.Number, payload.Data)
	if err != nil {
		failed := domain.Chunk{
			SessionID: session.ID,
			Number:    payload.Number,
			Size:      size,
			Checksum:  payload.Checksum,
			Status:    domain.ChunkFailed,
		}
		if upsertErr := e.chunkRepo.Upsert(failed); upsertErr != nil {
			e.log.Warn("Failed chunk record not persisted", "session_id", session.ID, "chunk", payload.Number, "error", upsertErr)
		}
		return 0, false, err
	}
	e.governor.Record(sizeKB, time.Since(started))

	chunk := domain.Chunk{
		SessionID:   session.ID,
		Number:      payload.Number,
		Size:        size,
		Checksum:    payload.Checksum,
		Status:      domain.ChunkCompleted,
		StorageKey:  key,
		CompletedAt: time.Now().UTC(),
	}
	if err := e.chunkRepo.Upsert(chunk); err != nil {
		return 0, false, err
	}

	dedup.Publish(session.WorkspaceID, payload.Checksum, domain.ChunkRef{
		SessionID:  session.ID,
		Number:     payload.Number,
		StorageKey: key,
		Size:       size,
	})

	// Wake up in-list duplicates that were waiting for this key.
	for _, waiting := range dedup.ResolveBatchSource(payload.Checksum, key) {
		pointer := domain.Chunk{
			SessionID:    session.ID,
			Number:       waiting,
			Size:         size,
			Checksum:     payload.Checksum,
			Status:       domain.ChunkCompleted,
			StorageKey:   key,
			Deduplicated: true,
			DedupSource:  DedupSourceLabel(session.ID, payload.Number),
			CompletedAt:  time.Now().UTC(),
		}
		if err := e.chunkRepo.Upsert(pointer); err != nil {
			e.log.Warn("Dedup pointer resolution failed", "session_id", session.ID, "chunk", waiting, "error", err)
			continue
		}
		e.emitChunkCompleted(session, pointer)
	}

	e.emitChunkCompleted(session, chunk)
	return size, false, nil
}

func (e *ParallelTransferEngine) emitChunkCompleted(session *domain.UploadSession, chunk domain.Chunk) {
	e.emit(event.ChunkCompleted{
		Batch:        session.BatchID,
		Session:      session.ID,
		Number:       chunk.Number,
		Size:         chunk.Size,
		Deduplicated: chunk.Deduplicated,
		At:           time.Now().UTC(),
	})
}

// maybeMarkAssembling holds the per-session critical section around the
// "all chunks present" check and the transition into assembling, so two
// concurrently completing transfers cannot double-trigger assembly.
func (e *ParallelTransferEngine) maybeMarkAssembling(session *domain.UploadSession) (bool, error) {
	lock := e.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.sessionRepo.Get(session.ID)
	if err != nil {
		return false, err
	}
	if current.Status != domain.StatusUploading {
		// Another completion already advanced the session (or it was
		// paused/cancelled meanwhile); nothing to trigger here.
		e.dropSessionLock(session.ID)
		return current.Status == domain.StatusAssembling, nil
	}

	chunks, err := e.chunkRepo.ListBySession(session.ID)
	if err != nil {
		return false, err
	}
	present := make(map[int]domain.Chunk, len(chunks))
	for _, chunk := range chunks {
		present[chunk.Number] = chunk
	}
	for n := 1; n <= session.ChunksCount; n++ {
		chunk, ok := present[n]
		if !ok || chunk.Status != domain.ChunkCompleted || chunk.StorageKey == "" {
			return false, nil
		}
		// Fail closed: a key that no longer resolves to a correctly sized
		// file means the chunk set is not actually complete.
		if !e.chunkStore.Exists(chunk.StorageKey) || e.chunkStore.Size(chunk.StorageKey) != chunk.Size {
			e.log.Error("Completed chunk record has no valid backing file",
				"session_id", session.ID, "chunk", n, "storage_key", chunk.StorageKey)
			if _, err := e.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
				return s.Transition(domain.StatusFailed)
			}); err != nil {
				return false, err
			}
			e.dropSessionLock(session.ID)
			return false, apperrors.AssemblyError{
				SessionID: string(session.ID),
				Reason:    fmt.Sprintf("chunk %d storage key does not resolve to a valid file", n),
			}
		}
	}

	updated, err := e.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		return s.Transition(domain.StatusAssembling)
	})
	if err != nil {
		return false, err
	}
	*session = *updated
	e.emit(event.SessionStateChanged{
		Batch: session.BatchID, Session: session.ID,
		From: domain.StatusUploading, To: domain.StatusAssembling, At: time.Now().UTC(),
	})
	e.dropSessionLock(session.ID)
	return true, nil
}
