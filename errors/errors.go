package errors

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

var (
	ErrWorkerPanic      = fmt.Errorf("worker panic")
	ErrSessionNotFound  = fmt.Errorf("upload session not found")
	ErrBatchNotFound    = fmt.Errorf("batch not found")
	ErrSessionCancelled = fmt.Errorf("upload session cancelled")
)

// ValidationError reports malformed chunk metadata or an out-of-range chunk number.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid chunk payload: %s %s", e.Field, e.Reason)
}

// StorageError wraps I/O, permission and disk-space failures from the chunk store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %q: %v", e.Op, e.Key, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// ChunkNotFoundError is returned when a storage key does not resolve to a file.
type ChunkNotFoundError struct {
	Key string
}

func (e ChunkNotFoundError) Error() string {
	return fmt.Sprintf("chunk not found: %q", e.Key)
}

// AssemblyError covers missing chunks, size mismatches and name collisions
// detected while concatenating a session's chunks.
type AssemblyError struct {
	SessionID string
	Reason    string
}

func (e AssemblyError) Error() string {
	return fmt.Sprintf("assembly failed for session %s: %s", e.SessionID, e.Reason)
}

// LimitType identifies which rate limit was hit.
type LimitType string

const (
	LimitUserSessions   LimitType = "user_sessions"
	LimitIPSessions     LimitType = "ip_sessions"
	LimitConcurrency    LimitType = "concurrent_sessions"
	LimitSessionChunks  LimitType = "session_chunks"
	LimitChunkFrequency LimitType = "chunk_frequency"
	LimitUserBandwidth  LimitType = "user_bandwidth"
	LimitIPBandwidth    LimitType = "ip_bandwidth"
)

// RateLimitExceeded carries which limit was hit and a hint telling the caller
// when a retry may succeed.
type RateLimitExceeded struct {
	Limit      LimitType
	RetryAfter time.Duration
}

func (e RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit %s exceeded, retry after %s", e.Limit, e.RetryAfter)
}

// ScannerUnavailableError is returned when the malware scanner cannot be
// reached and the deployment runs fail-closed.
type ScannerUnavailableError struct {
	Err error
}

func (e ScannerUnavailableError) Error() string {
	return fmt.Sprintf("malware scanner unreachable: %v", e.Err)
}

func (e ScannerUnavailableError) Unwrap() error { return e.Err }

// InvalidTransition reports an illegal state-machine move.
type InvalidTransition struct {
	SessionID string
	From      string
	To        string
}

func (e InvalidTransition) Error() string {
	return fmt.Sprintf("session %s cannot move from %s to %s", e.SessionID, e.From, e.To)
}

// RecoverySuggestion maps a failure to the human-readable hint attached to
// every failed session. Unknown errors get a generic retry hint.
func RecoverySuggestion(err error) string {
	var rateErr RateLimitExceeded
	var storageErr StorageError
	var scannerErr ScannerUnavailableError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out, check network connectivity and retry"
	case errors.As(err, &rateErr):
		return fmt.Sprintf("rate limited (%s), wait %s and retry", rateErr.Limit, rateErr.RetryAfter)
	case errors.As(err, &storageErr):
		if errors.Is(storageErr.Err, syscall.ENOSPC) {
			return "storage device is full, free disk space and retry"
		}
		return "storage layer failure, check disk health and permissions"
	case errors.As(err, &scannerErr):
		return "malware scanner is down, restart the scanner service or enable fail-open"
	default:
		return "unexpected failure, check service logs and retry"
	}
}
