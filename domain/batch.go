package domain

import (
	"time"

	"github.com/google/uuid"
)

type BatchID string

type BatchStatus string

const (
	BatchQueued    BatchStatus = "queued"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch groups the sessions created for one dropped item (a folder, a
// multi-file selection). Counters are denormalized for cheap progress reads.
type Batch struct {
	ID             BatchID     `json:"id"`
	Name           string      `json:"name"`
	Kind           string      `json:"kind"`
	TotalFiles     int         `json:"total_files"`
	CompletedFiles int         `json:"completed_files"`
	FailedFiles    int         `json:"failed_files"`
	Status         BatchStatus `json:"status"`
	SessionIDs     []SessionID `json:"session_ids"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func NewBatch(name, kind string) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ID:        BatchID(uuid.NewString()),
		Name:      name,
		Kind:      kind,
		Status:    BatchQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clamp repairs corrupted counters instead of trusting them for arithmetic.
// completed + failed may never exceed total.
func (b *Batch) Clamp() {
	if b.TotalFiles < 0 {
		b.TotalFiles = 0
	}
	if b.CompletedFiles < 0 {
		b.CompletedFiles = 0
	}
	if b.FailedFiles < 0 {
		b.FailedFiles = 0
	}
	if b.CompletedFiles > b.TotalFiles {
		b.CompletedFiles = b.TotalFiles
	}
	if b.CompletedFiles+b.FailedFiles > b.TotalFiles {
		b.FailedFiles = b.TotalFiles - b.CompletedFiles
	}
}

func (b *Batch) PendingFiles() int {
	b.Clamp()
	return b.TotalFiles - b.CompletedFiles - b.FailedFiles
}

func (b *Batch) Done() bool {
	b.Clamp()
	return b.CompletedFiles+b.FailedFiles >= b.TotalFiles
}
