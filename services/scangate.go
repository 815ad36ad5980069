package services

import (
	"context"
	"log/slog"
	"os"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	"ingest-lab/domain/event"
	apperrors "ingest-lab/errors"
	"ingest-lab/repositories"
)

const scanQueueDepth = 256

// ScanGate sits between assembly and completion: no assembled file reaches
// the completed state without a scan verdict, or an explicit fail-open
// decision when the scanner is down.
type ScanGate struct {
	scanner     contract.Scanner
	sessionRepo repositories.ISessionRepository
	failOpen    bool
	log         *slog.Logger
	jobs        chan domain.SessionID
	sinks       []contract.EventSink
}

func NewScanGate(scanner contract.Scanner, sessionRepo repositories.ISessionRepository, failOpen bool, log *slog.Logger) *ScanGate {
	return &ScanGate{
		scanner:     scanner,
		sessionRepo: sessionRepo,
		failOpen:    failOpen,
		log:         log,
		jobs:        make(chan domain.SessionID, scanQueueDepth),
	}
}

func (g *ScanGate) AddSink(sinks ...contract.EventSink) {
	g.sinks = append(g.sinks, sinks...)
}

func (g *ScanGate) emit(ev event.DomainEvent) {
	for _, sink := range g.sinks {
		sink.Consume(ev)
	}
}

// Submit queues a session for scanning. Transfer workers never scan inline.
func (g *ScanGate) Submit(ctx context.Context, sessionID domain.SessionID) error {
	select {
	case g.jobs <- sessionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs exposes the scan queue to the worker draining it.
func (g *ScanGate) Jobs() <-chan domain.SessionID {
	return g.jobs
}

// ProcessOne runs the full verdict flow for one session.
func (g *ScanGate) ProcessOne(ctx context.Context, sessionID domain.SessionID) error {
	session, err := g.sessionRepo.Get(sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusVirusScanning {
		g.log.Warn("Scan requested for session outside virus_scanning, skipping",
			"session_id", sessionID, "status", session.Status)
		return nil
	}

	if err := g.scanner.Ping(ctx); err != nil {
		return g.handleUnavailable(session, err)
	}

	verdict, err := g.scanner.Scan(ctx, session.AssembledPath)
	if err != nil {
		return g.handleUnavailable(session, err)
	}

	g.emit(event.ScanVerdictReceived{
		Batch: session.BatchID, Session: session.ID,
		Clean: verdict.Clean, Signature: verdict.Signature, At: time.Now().UTC(),
	})

	if !verdict.Clean {
		return g.quarantine(session, verdict.Signature)
	}
	return g.finalize(session, "clean")
}

// finalize walks the session through finalizing into completed.
func (g *ScanGate) finalize(session *domain.UploadSession, scanStatus string) error {
	updated, err := g.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.SetMeta(domain.MetaScanStatus, scanStatus)
		return s.Transition(domain.StatusFinalizing)
	})
	if err != nil {
		return err
	}
	g.emit(event.SessionStateChanged{
		Batch: updated.BatchID, Session: updated.ID,
		From: domain.StatusVirusScanning, To: domain.StatusFinalizing, At: time.Now().UTC(),
	})

	updated, err = g.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		return s.Transition(domain.StatusCompleted)
	})
	if err != nil {
		return err
	}
	g.log.Info("Session completed", "session_id", session.ID, "scan_status", scanStatus)
	g.emit(event.SessionStateChanged{
		Batch: updated.BatchID, Session: updated.ID,
		From: domain.StatusFinalizing, To: domain.StatusCompleted, At: time.Now().UTC(),
	})
	return nil
}

// quarantine records the verdict and removes the assembled file right away.
// virus_detected is terminal, retries never resurrect it.
func (g *ScanGate) quarantine(session *domain.UploadSession, signature string) error {
	updated, err := g.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.SetMeta(domain.MetaScanStatus, "infected")
		s.SetMeta(domain.MetaScanSignature, signature)
		return s.Transition(domain.StatusVirusDetected)
	})
	if err != nil {
		return err
	}
	if session.AssembledPath != "" {
		if err := os.Remove(session.AssembledPath); err != nil && !os.IsNotExist(err) {
			g.log.Error("Infected file could not be removed",
				"session_id", session.ID, "path", session.AssembledPath, "error", err)
		}
	}
	g.log.Warn("Virus detected", "session_id", session.ID, "signature", signature)
	g.emit(event.SessionStateChanged{
		Batch: updated.BatchID, Session: updated.ID,
		From: domain.StatusVirusScanning, To: domain.StatusVirusDetected, At: time.Now().UTC(),
	})
	return nil
}

func (g *ScanGate) handleUnavailable(session *domain.UploadSession, cause error) error {
	if g.failOpen {
		g.log.Warn("Scanner unavailable, completing unscanned per fail-open policy",
			"session_id", session.ID, "error", cause)
		return g.finalize(session, "unavailable")
	}

	unavailable := apperrors.ScannerUnavailableError{Err: cause}
	if _, err := g.sessionRepo.Update(session.ID, func(s *domain.UploadSession) error {
		s.SetMeta(domain.MetaScanStatus, "unavailable")
		s.SetMeta(domain.MetaFailure, unavailable.Error())
		s.SetMeta(domain.MetaSuggestion, apperrors.RecoverySuggestion(unavailable))
		return s.Transition(domain.StatusFailed)
	}); err != nil {
		return err
	}
	g.log.Error("Scanner unavailable, session failed closed",
		"session_id", session.ID, "error", cause)
	return unavailable
}
