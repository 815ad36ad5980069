package workers

import (
	"context"
	"log/slog"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/repositories"
	"ingest-lab/storage"
)

// JanitorWorker sweeps abandoned upload sessions: anything non-terminal
// whose last update is older than the TTL gets cancelled and its chunk
// files removed. Hygiene failures are logged, never fatal.
type JanitorWorker struct {
	log         *slog.Logger
	sessionRepo *repositories.SessionRepository
	chunkRepo   repositories.IChunkRepository
	chunkStore  *storage.DiskChunkStore
	interval    time.Duration
	ttl         time.Duration
	now         func() time.Time
}

var _ contract.Worker = (*JanitorWorker)(nil)

func NewJanitorWorker(
	sessionRepo *repositories.SessionRepository,
	chunkRepo repositories.IChunkRepository,
	chunkStore *storage.DiskChunkStore,
	interval, ttl time.Duration,
	log *slog.Logger,
) *JanitorWorker {
	return &JanitorWorker{
		log:         log,
		sessionRepo: sessionRepo,
		chunkRepo:   chunkRepo,
		chunkStore:  chunkStore,
		interval:    interval,
		ttl:         ttl,
		now:         time.Now,
	}
}

func (w *JanitorWorker) Run(ctx context.Context) error {
	w.log.Info("Starting janitor", "interval", w.interval, "session_ttl", w.ttl)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one pass and returns how many sessions were expired.
func (w *JanitorWorker) Sweep() int {
	sessions, err := w.sessionRepo.List()
	if err != nil {
		w.log.Error("Janitor sweep could not list sessions", "error", err)
		return 0
	}

	cutoff := w.now().Add(-w.ttl)
	expired := 0
	for _, session := range sessions {
		if session.Terminal() || session.UpdatedAt.After(cutoff) {
			continue
		}
		if w.expire(session) {
			expired++
		}
	}
	if expired > 0 {
		w.log.Info("Janitor sweep finished", "expired_sessions", expired)
	}
	return expired
}

func (w *JanitorWorker) expire(session *domain.UploadSession) bool {
	_, err := w.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.SetMeta(domain.MetaFailure, "session expired, abandoned upload")
		return s.Transition(domain.StatusCancelled)
	})
	if err != nil {
		w.log.Warn("Expired session could not be cancelled", "session_id", session.ID, "error", err)
		return false
	}

	removed := w.chunkStore.Cleanup(session.ID)
	if _, err := w.chunkRepo.DeleteSession(session.ID); err != nil {
		w.log.Warn("Expired session chunk records not deleted", "session_id", session.ID, "error", err)
	}
	w.log.Debug("Expired session swept",
		"session_id", session.ID, "removed_files", removed, "age", w.now().Sub(session.UpdatedAt))
	return true
}
