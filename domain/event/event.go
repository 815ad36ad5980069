package event

import (
	"time"

	"ingest-lab/domain"
)

type DomainEvent interface {
	BatchID() domain.BatchID
}

type SessionStateChanged struct {
	Batch   domain.BatchID
	Session domain.SessionID
	From    domain.SessionStatus
	To      domain.SessionStatus
	At      time.Time
}

func (e SessionStateChanged) BatchID() domain.BatchID { return e.Batch }

type ChunkCompleted struct {
	Batch        domain.BatchID
	Session      domain.SessionID
	Number       int
	Size         int64
	Deduplicated bool
	At           time.Time
}

func (e ChunkCompleted) BatchID() domain.BatchID { return e.Batch }

type ProgressSnapshotted struct {
	Batch            domain.BatchID
	CompletedFiles   int
	TotalFiles       int
	BytesTransferred int64
	FilesPerSecond   float64
	BytesPerSecond   float64
	ETA              time.Duration
	Trend            string
	At               time.Time
}

func (e ProgressSnapshotted) BatchID() domain.BatchID { return e.Batch }

type ScanVerdictReceived struct {
	Batch     domain.BatchID
	Session   domain.SessionID
	Clean     bool
	Signature string
	At        time.Time
}

func (e ScanVerdictReceived) BatchID() domain.BatchID { return e.Batch }
