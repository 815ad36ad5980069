package domain

import (
	"strconv"
	"time"

	apperrors "ingest-lab/errors"

	"github.com/google/uuid"
)

type SessionID string
type WorkspaceID string

type SessionStatus string

const (
	StatusPending       SessionStatus = "pending"
	StatusUploading     SessionStatus = "uploading"
	StatusAssembling    SessionStatus = "assembling"
	StatusVirusScanning SessionStatus = "virus_scanning"
	StatusFinalizing    SessionStatus = "finalizing"
	StatusCompleted     SessionStatus = "completed"
	StatusVirusDetected SessionStatus = "virus_detected"
	StatusFailed        SessionStatus = "failed"
	StatusCancelled     SessionStatus = "cancelled"
)

// Metadata keys the orchestrator and retry logic depend on.
const (
	MetaRetryCount    = "retry_count"
	MetaPriority      = "priority"
	MetaFileType      = "file_type"
	MetaSourcePath    = "source_path"
	MetaDedupSource   = "dedup_source"
	MetaDedupSavedBy  = "dedup_saved_bytes"
	MetaScanStatus    = "scan_status"
	MetaScanSignature = "scan_signature"
	MetaChecksum      = "sha256"
	MetaFailure       = "failure"
	MetaSuggestion    = "recovery_suggestion"
	MetaUser          = "user_id"
	MetaRemoteIP      = "remote_ip"
	MetaSlotReleased  = "concurrency_released"
)

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// transitions is the forward edge set of the session state machine.
// failed and cancelled are reachable from every non-terminal state and are
// handled separately in CanTransition.
var transitions = map[SessionStatus][]SessionStatus{
	StatusPending:       {StatusUploading},
	StatusUploading:     {StatusAssembling, StatusPending}, // back to pending on pause
	StatusAssembling:    {StatusVirusScanning},
	StatusVirusScanning: {StatusFinalizing, StatusVirusDetected},
	StatusFinalizing:    {StatusCompleted},
	StatusFailed:        {StatusPending}, // explicit retry
}

func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusVirusDetected:
		return true
	}
	return false
}

func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s == to {
		return false
	}
	if (to == StatusFailed || to == StatusCancelled) && !s.Terminal() {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// UploadSession is the unit the queue drives through the pipeline.
// One session owns one file and its chunk records.
type UploadSession struct {
	ID            SessionID         `json:"id"`
	BatchID       BatchID           `json:"batch_id"`
	WorkspaceID   WorkspaceID       `json:"workspace_id"`
	ContainerID   string            `json:"container_id"`
	Filename      string            `json:"filename"`
	TotalSize     int64             `json:"total_size"`
	ChunksCount   int               `json:"chunks_count"`
	Status        SessionStatus     `json:"status"`
	Metadata      map[string]string `json:"metadata"`
	AssembledPath string            `json:"assembled_path,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func NewUploadSession(batchID BatchID, workspace WorkspaceID, container, filename string, totalSize int64, chunksCount int) *UploadSession {
	now := time.Now().UTC()
	return &UploadSession{
		ID:          SessionID(uuid.NewString()),
		BatchID:     batchID,
		WorkspaceID: workspace,
		ContainerID: container,
		Filename:    filename,
		TotalSize:   totalSize,
		ChunksCount: chunksCount,
		Status:      StatusPending,
		Metadata:    map[string]string{MetaRetryCount: "0", MetaPriority: PriorityNormal},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Terminal reports whether the session reached a state it can never leave.
func (s *UploadSession) Terminal() bool {
	return s.Status.Terminal()
}

// Transition moves the session to the target state or returns InvalidTransition.
func (s *UploadSession) Transition(to SessionStatus) error {
	if !s.Status.CanTransition(to) {
		return apperrors.InvalidTransition{
			SessionID: string(s.ID),
			From:      string(s.Status),
			To:        string(to),
		}
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *UploadSession) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

func (s *UploadSession) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

func (s *UploadSession) RetryCount() int {
	n, err := strconv.Atoi(s.Meta(MetaRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func (s *UploadSession) IncrementRetry() int {
	n := s.RetryCount() + 1
	s.SetMeta(MetaRetryCount, strconv.Itoa(n))
	return n
}

func (s *UploadSession) Priority() string {
	switch p := s.Meta(MetaPriority); p {
	case PriorityHigh, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

// ScanVerdict is the outcome reported by the external scanner.
type ScanVerdict struct {
	Clean     bool
	Signature string
}
