package workers

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/services"
)

// InboxWorker polls a staging directory and turns every settled file into
// an upload session, one batch per sweep. A file counts as settled when its
// modification time is older than one poll interval, so half-written drops
// are not picked up. Session creation goes through the rate limiter; a file
// rejected by a limit stays in the inbox and is retried on a later sweep.
type InboxWorker struct {
	log       *slog.Logger
	queue     contract.BatchQueue
	limiter   *services.RateLimiter
	inboxDir  string
	workspace domain.WorkspaceID
	container string
	owner     string
	chunkSize int
	interval  time.Duration
	now       func() time.Time
	seen      map[string]struct{}
}

var _ contract.Worker = (*InboxWorker)(nil)

func NewInboxWorker(
	queue contract.BatchQueue,
	limiter *services.RateLimiter,
	inboxDir string,
	workspace domain.WorkspaceID,
	container string,
	owner string,
	chunkSize int,
	interval time.Duration,
	log *slog.Logger,
) *InboxWorker {
	return &InboxWorker{
		log:       log,
		queue:     queue,
		limiter:   limiter,
		inboxDir:  inboxDir,
		workspace: workspace,
		container: container,
		owner:     owner,
		chunkSize: chunkSize,
		interval:  interval,
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
}

func (w *InboxWorker) Run(ctx context.Context) error {
	w.log.Info("Starting inbox watcher", "dir", w.inboxDir, "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.log.Error("Inbox sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce enqueues one batch for the files that settled since the last
// sweep. No settled files means no batch.
func (w *InboxWorker) SweepOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		return err
	}

	batch := domain.NewBatch("inbox-"+w.now().UTC().Format(time.RFC3339), "inbox")
	var sessions []*domain.UploadSession
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(w.inboxDir, entry.Name())
		if _, ok := w.seen[path]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			w.log.Warn("Inbox entry vanished", "path", path, "error", err)
			continue
		}
		if info.Size() == 0 || w.now().Sub(info.ModTime()) < w.interval {
			continue
		}
		if w.limiter != nil {
			if err := w.limiter.AdmitSession(w.owner, ""); err != nil {
				// Not marked seen: the file stays and a later sweep retries
				// once the window resets or a slot frees up.
				w.log.Warn("Inbox file deferred by rate limit", "path", path, "error", err)
				continue
			}
		}

		session := w.sessionFor(batch.ID, path, entry.Name(), info.Size())
		sessions = append(sessions, session)
		w.seen[path] = struct{}{}
	}

	if len(sessions) == 0 {
		return nil
	}

	if err := w.queue.Enqueue(ctx, batch, sessions); err != nil {
		// Give back the concurrency slots the failed batch was holding.
		if w.limiter != nil {
			for range sessions {
				w.limiter.ReleaseSession(w.owner)
			}
		}
		return err
	}
	w.log.Info("Inbox batch enqueued", "batch_id", batch.ID, "files", len(sessions))
	return nil
}

func (w *InboxWorker) sessionFor(batchID domain.BatchID, path, name string, size int64) *domain.UploadSession {
	chunksCount := int((size + int64(w.chunkSize) - 1) / int64(w.chunkSize))
	if chunksCount == 0 {
		chunksCount = 1
	}
	session := domain.NewUploadSession(batchID, w.workspace, w.container, name, size, chunksCount)
	session.SetMeta(domain.MetaSourcePath, path)
	session.SetMeta(domain.MetaUser, w.owner)
	return session
}
