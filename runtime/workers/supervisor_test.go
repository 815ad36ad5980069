package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingWorker struct {
	runs       atomic.Int32
	panicUntil int32
	failUntil  int32
}

func (w *countingWorker) Run(ctx context.Context) error {
	run := w.runs.Add(1)
	if run <= w.panicUntil {
		panic("boom")
	}
	if run <= w.failUntil {
		return errors.New("transient")
	}
	return nil
}

type blockingWorker struct {
	started chan struct{}
}

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	return nil
}

func TestSupervisorRestartsAfterPanic(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	supervisor := NewSupervisorWithDelay(log, time.Millisecond)

	worker := &countingWorker{panicUntil: 2}
	supervisor.Add(worker)
	supervisor.Run(context.Background())

	// Two panicking runs plus the clean one.
	req.Equal(int32(3), worker.runs.Load())
}

func TestSupervisorRestartsAfterError(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	supervisor := NewSupervisorWithDelay(log, time.Millisecond)

	worker := &countingWorker{failUntil: 1}
	supervisor.Add(worker)
	supervisor.Run(context.Background())

	req.Equal(int32(2), worker.runs.Load())
}

func TestSupervisorDoesNotRestartCleanExit(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	supervisor := NewSupervisorWithDelay(log, time.Millisecond)

	worker := &countingWorker{}
	supervisor.Add(worker)
	supervisor.Run(context.Background())

	req.Equal(int32(1), worker.runs.Load())
}

func TestSupervisorStopDrainsWorkers(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	supervisor := NewSupervisorWithDelay(log, time.Millisecond)

	worker := &blockingWorker{started: make(chan struct{})}
	supervisor.Add(worker)

	done := make(chan struct{})
	go func() {
		supervisor.Run(context.Background())
		close(done)
	}()

	<-worker.started
	supervisor.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not drain after Stop")
	}
}

func TestSupervisorStopsOnParentCancel(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	supervisor := NewSupervisorWithDelay(log, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	worker := &blockingWorker{started: make(chan struct{})}
	supervisor.Add(worker)

	done := make(chan struct{})
	go func() {
		supervisor.Run(ctx)
		close(done)
	}()

	<-worker.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop on parent cancel")
	}
	req.NotNil(supervisor.Cancel)
}
