package domain

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is the durable record of one uploaded slice. chunk numbers are
// 1-based and unique within their session.
type Chunk struct {
	SessionID    SessionID   `json:"session_id"`
	Number       int         `json:"number"`
	Size         int64       `json:"size"`
	Checksum     string      `json:"checksum"`
	Status       ChunkStatus `json:"status"`
	StorageKey   string      `json:"storage_key,omitempty"`
	Deduplicated bool        `json:"deduplicated,omitempty"`
	// DedupSource names the chunk this record points at when it was
	// deduplicated, as "<session>/<number>". Empty for regular chunks.
	DedupSource string    `json:"dedup_source,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ChunkRef is the lookup result the dedup index hands back: enough to copy a
// storage key into a new chunk record without touching the source.
type ChunkRef struct {
	SessionID  SessionID `json:"session_id"`
	Number     int       `json:"number"`
	StorageKey string    `json:"storage_key"`
	Size       int64     `json:"size"`
}

// ChunkPayload is the inbound unit of transfer, validated before any
// rate-limit or storage work happens.
type ChunkPayload struct {
	SessionID string `validate:"required,uuid4"`
	Number    int    `validate:"required,gt=0"`
	Data      []byte `validate:"required"`
	Checksum  string `validate:"required,len=64,hexadecimal"`
	UserID    string `validate:"required"`
	RemoteIP  string `validate:"omitempty,ip"`
}

// Checksum computes the BLAKE2b-256 digest used to key the dedup index.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
