package domain

import "time"

// ProgressCheckpoint is a periodic snapshot of batch progress. The tracker
// stores them in a bounded ring and derives speed, ETA and trend from the
// deltas between consecutive checkpoints.
type ProgressCheckpoint struct {
	At               time.Time `json:"at"`
	CompletedFiles   int       `json:"completed_files"`
	BytesTransferred int64     `json:"bytes_transferred"`
	ActiveSessions   int       `json:"active_sessions"`
	Note             string    `json:"note,omitempty"`
}
