// Package observability tracks batch progress and publishes throttled
// snapshots to event sinks.
package observability

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/domain/event"
)

const (
	TrendAccelerating = "accelerating"
	TrendDecelerating = "decelerating"
	TrendSteady       = "steady"
)

const (
	rateAlpha = 0.2
	// Byte throughput dominates the trend signal, file completions jitter
	// too much on small files.
	trendByteWeight = 0.7
	trendFileWeight = 0.3
	trendSlopeEps   = 0.05
)

// Snapshot is a point-in-time view of one batch.
type Snapshot struct {
	BatchID          domain.BatchID
	TotalFiles       int
	CompletedFiles   int
	FailedFiles      int
	ActiveSessions   int
	BytesTransferred int64
	ExpectedBytes    int64
	Percent          float64
	InstantBps       float64
	AverageBps       float64
	FilesPerSecond   float64
	ETA              time.Duration
	Trend            string
}

type batchProgress struct {
	totalFiles    int
	expectedBytes int64
	completed     int
	failed        int
	active        int
	bytes         int64
	startedAt     time.Time
	lastAt        time.Time
	rateBps       float64
	checkpoints   []domain.ProgressCheckpoint
}

// ProgressTracker consumes pipeline events and keeps a bounded checkpoint
// history per batch. Broadcasts to downstream sinks are throttled with an
// atomic compare-and-swap on the last emit timestamp, so concurrent chunk
// completions never flood the sinks.
type ProgressTracker struct {
	history  int
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
	sinks    []contract.EventSink

	mu       sync.Mutex
	batches  map[domain.BatchID]*batchProgress
	lastEmit int64
}

var _ contract.EventSink = (*ProgressTracker)(nil)

func NewProgressTracker(history int, interval time.Duration, log *slog.Logger) *ProgressTracker {
	return NewProgressTrackerWithNow(history, interval, log, time.Now)
}

func NewProgressTrackerWithNow(history int, interval time.Duration, log *slog.Logger, now func() time.Time) *ProgressTracker {
	if history < 2 {
		history = 2
	}
	return &ProgressTracker{
		history:  history,
		interval: interval,
		log:      log,
		now:      now,
		batches:  make(map[domain.BatchID]*batchProgress),
	}
}

func (t *ProgressTracker) AddSink(sinks ...contract.EventSink) {
	t.sinks = append(t.sinks, sinks...)
}

// Track registers a batch before its sessions start moving.
func (t *ProgressTracker) Track(batch *domain.Batch, expectedBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches[batch.ID] = &batchProgress{
		totalFiles:    batch.TotalFiles,
		expectedBytes: expectedBytes,
		completed:     batch.CompletedFiles,
		failed:        batch.FailedFiles,
		startedAt:     t.now(),
		lastAt:        t.now(),
	}
}

// Consume feeds pipeline events into the per-batch accounting.
func (t *ProgressTracker) Consume(e event.DomainEvent) {
	t.mu.Lock()
	progress, ok := t.batches[e.BatchID()]
	if !ok {
		t.mu.Unlock()
		return
	}

	switch ev := e.(type) {
	case event.ChunkCompleted:
		t.observeBytes(progress, ev.Size)
	case event.SessionStateChanged:
		switch ev.To {
		case domain.StatusUploading:
			progress.active++
		case domain.StatusCompleted:
			progress.completed++
			progress.active = max(progress.active-1, 0)
		case domain.StatusFailed, domain.StatusCancelled, domain.StatusVirusDetected:
			progress.failed++
			progress.active = max(progress.active-1, 0)
		}
	}

	t.checkpoint(progress, "")
	snapshot := t.snapshotLocked(e.BatchID(), progress)
	t.mu.Unlock()

	t.maybeBroadcast(snapshot)
}

func (t *ProgressTracker) observeBytes(progress *batchProgress, n int64) {
	if n <= 0 {
		return
	}
	now := t.now()
	progress.bytes += n
	if deltaTime := now.Sub(progress.lastAt).Seconds(); deltaTime > 0 {
		instant := float64(n) / deltaTime
		if progress.rateBps == 0 {
			progress.rateBps = instant
		} else {
			progress.rateBps = rateAlpha*instant + (1-rateAlpha)*progress.rateBps
		}
		progress.lastAt = now
	}
}

func (t *ProgressTracker) checkpoint(progress *batchProgress, note string) {
	progress.checkpoints = append(progress.checkpoints, domain.ProgressCheckpoint{
		At:               t.now(),
		CompletedFiles:   progress.completed,
		BytesTransferred: progress.bytes,
		ActiveSessions:   progress.active,
		Note:             note,
	})
	if len(progress.checkpoints) > t.history {
		progress.checkpoints = progress.checkpoints[len(progress.checkpoints)-t.history:]
	}
}

// Checkpoint records a named marker, pause and resume points mostly.
func (t *ProgressTracker) Checkpoint(batchID domain.BatchID, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if progress, ok := t.batches[batchID]; ok {
		t.checkpoint(progress, note)
	}
}

// History returns the retained checkpoints, oldest first.
func (t *ProgressTracker) History(batchID domain.BatchID) []domain.ProgressCheckpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	progress, ok := t.batches[batchID]
	if !ok {
		return nil
	}
	out := make([]domain.ProgressCheckpoint, len(progress.checkpoints))
	copy(out, progress.checkpoints)
	return out
}

func (t *ProgressTracker) Snapshot(batchID domain.BatchID) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	progress, ok := t.batches[batchID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshotLocked(batchID, progress), true
}

func (t *ProgressTracker) snapshotLocked(batchID domain.BatchID, progress *batchProgress) Snapshot {
	completed, failed := progress.completed, progress.failed
	// Counters are clamped the same way batch records are on load.
	if progress.totalFiles > 0 && completed+failed > progress.totalFiles {
		if completed > progress.totalFiles {
			completed = progress.totalFiles
		}
		failed = progress.totalFiles - completed
	}

	snapshot := Snapshot{
		BatchID:          batchID,
		TotalFiles:       progress.totalFiles,
		CompletedFiles:   completed,
		FailedFiles:      failed,
		ActiveSessions:   progress.active,
		BytesTransferred: progress.bytes,
		ExpectedBytes:    progress.expectedBytes,
		InstantBps:       progress.rateBps,
		Trend:            t.trend(progress),
	}
	if progress.expectedBytes > 0 {
		snapshot.Percent = float64(progress.bytes) / float64(progress.expectedBytes) * 100
	}
	elapsed := t.now().Sub(progress.startedAt).Seconds()
	if elapsed > 0 {
		snapshot.AverageBps = float64(progress.bytes) / elapsed
		snapshot.FilesPerSecond = float64(completed) / elapsed
	}
	if snapshot.AverageBps > 0 && progress.expectedBytes > progress.bytes {
		remaining := float64(progress.expectedBytes - progress.bytes)
		snapshot.ETA = time.Duration(remaining/snapshot.AverageBps) * time.Second
	}
	return snapshot
}

// trend fits a least-squares slope over the per-checkpoint rates, bytes
// weighted over file completions, and labels the direction.
func (t *ProgressTracker) trend(progress *batchProgress) string {
	points := progress.checkpoints
	if len(points) < 3 {
		return TrendSteady
	}

	rates := make([]float64, 0, len(points)-1)
	var mean float64
	for i := 1; i < len(points); i++ {
		deltaTime := points[i].At.Sub(points[i-1].At).Seconds()
		if deltaTime <= 0 {
			continue
		}
		byteRate := float64(points[i].BytesTransferred-points[i-1].BytesTransferred) / deltaTime
		fileRate := float64(points[i].CompletedFiles-points[i-1].CompletedFiles) / deltaTime
		rate := trendByteWeight*byteRate + trendFileWeight*fileRate
		rates = append(rates, rate)
		mean += rate
	}
	if len(rates) < 2 {
		return TrendSteady
	}
	mean /= float64(len(rates))
	if mean == 0 {
		return TrendSteady
	}

	var num, den float64
	xMean := float64(len(rates)-1) / 2
	for i, rate := range rates {
		dx := float64(i) - xMean
		num += dx * (rate - mean)
		den += dx * dx
	}
	if den == 0 {
		return TrendSteady
	}
	slope := num / den

	switch {
	case slope > trendSlopeEps*mean:
		return TrendAccelerating
	case slope < -trendSlopeEps*mean:
		return TrendDecelerating
	default:
		return TrendSteady
	}
}

func (t *ProgressTracker) maybeBroadcast(snapshot Snapshot) {
	if len(t.sinks) == 0 {
		return
	}
	now := t.now().UnixNano()
	prev := atomic.LoadInt64(&t.lastEmit)
	if now-prev < int64(t.interval) {
		return
	}
	if !atomic.CompareAndSwapInt64(&t.lastEmit, prev, now) {
		return
	}

	ev := event.ProgressSnapshotted{
		Batch:            snapshot.BatchID,
		CompletedFiles:   snapshot.CompletedFiles,
		TotalFiles:       snapshot.TotalFiles,
		BytesTransferred: snapshot.BytesTransferred,
		FilesPerSecond:   snapshot.FilesPerSecond,
		BytesPerSecond:   snapshot.AverageBps,
		ETA:              snapshot.ETA,
		Trend:            snapshot.Trend,
		At:               t.now(),
	}
	for _, sink := range t.sinks {
		sink.Consume(ev)
	}
}
