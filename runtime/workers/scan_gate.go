package workers

import (
	"context"
	"log/slog"

	"ingest-lab/contract"
	"ingest-lab/services"
)

// ScanGateWorker drains the scan queue so verdicts never run on transfer
// goroutines. Scan failures are logged and the worker keeps draining; the
// session itself already carries the failure.
type ScanGateWorker struct {
	log  *slog.Logger
	gate *services.ScanGate
}

var _ contract.Worker = (*ScanGateWorker)(nil)

func NewScanGateWorker(gate *services.ScanGate, log *slog.Logger) *ScanGateWorker {
	return &ScanGateWorker{log: log, gate: gate}
}

func (w *ScanGateWorker) Run(ctx context.Context) error {
	w.log.Info("Starting scan gate worker")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sessionID := <-w.gate.Jobs():
			if err := w.gate.ProcessOne(ctx, sessionID); err != nil {
				w.log.Warn("Scan processing failed", "session_id", sessionID, "error", err)
			}
		}
	}
}
