package services

import (
	"fmt"
	"log/slog"
	"sync"

	"ingest-lab/domain"
	"ingest-lab/repositories"
)

// FileChecker lets the index verify that a dedup hit still has bytes on
// disk before trusting it. The test index may be lenient and skip this.
type FileChecker interface {
	Exists(key string) bool
}

// DeduplicationIndex resolves chunk checksums against two scopes: completed
// chunks anywhere in the workspace, and earlier occurrences inside the
// current transfer list. It only ever creates pointer records; source chunks
// are never mutated.
type DeduplicationIndex struct {
	repo    *repositories.DedupRepository
	checker FileChecker
	log     *slog.Logger

	mu sync.Mutex
	// batchSources maps checksum -> first occurrence in the current list.
	batchSources map[string]batchSource
	// waiters maps checksum -> chunk numbers waiting for the source's
	// storage key to become known.
	waiters    map[string][]int
	bytesSaved int64
}

type batchSource struct {
	number     int
	storageKey string
	size       int64
}

func NewDeduplicationIndex(repo *repositories.DedupRepository, checker FileChecker, log *slog.Logger) *DeduplicationIndex {
	return &DeduplicationIndex{
		repo:         repo,
		checker:      checker,
		log:          log,
		batchSources: make(map[string]batchSource),
		waiters:      make(map[string][]int),
	}
}

// LookupWorkspace returns an existing completed chunk in the workspace that
// carries the same bytes. A hit whose backing file disappeared is dropped
// from the index instead of being served.
func (d *DeduplicationIndex) LookupWorkspace(workspace domain.WorkspaceID, checksum string) (domain.ChunkRef, bool) {
	hits, err := d.repo.FindByChecksum(workspace, []string{checksum})
	if err != nil {
		d.log.Warn("Dedup lookup failed", "workspace", workspace, "error", err)
		return domain.ChunkRef{}, false
	}
	ref, ok := hits[checksum]
	if !ok {
		return domain.ChunkRef{}, false
	}
	if d.checker != nil && !d.checker.Exists(ref.StorageKey) {
		d.log.Warn("Dedup hit lost its backing file, evicting",
			"workspace", workspace, "storage_key", ref.StorageKey)
		if err := d.repo.Delete(workspace, checksum); err != nil {
			d.log.Warn("Dedup eviction failed", "workspace", workspace, "error", err)
		}
		return domain.ChunkRef{}, false
	}
	return ref, true
}

// ClaimBatchSource registers checksum's first occurrence in the current list
// and reports whether the caller owns it. Later callers with the same
// checksum get the source chunk number back instead; they hand their own
// number to AwaitBatchSource once their pending record is durable.
func (d *DeduplicationIndex) ClaimBatchSource(checksum string, number int, size int64) (sourceNumber int, isSource bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if source, seen := d.batchSources[checksum]; seen {
		d.bytesSaved += size
		return source.number, false
	}
	d.batchSources[checksum] = batchSource{number: number, size: size}
	return number, true
}

// AwaitBatchSource hands a duplicate chunk's resolution to exactly one owner.
// If the source already resolved, the caller gets the storage key back and
// must upgrade its own record. Otherwise the chunk number is parked and the
// source's ResolveBatchSource pass upgrades it; the caller must not.
func (d *DeduplicationIndex) AwaitBatchSource(checksum string, number int) (storageKey string, resolved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	source, seen := d.batchSources[checksum]
	if seen && source.storageKey != "" {
		return source.storageKey, true
	}
	d.waiters[checksum] = append(d.waiters[checksum], number)
	return "", false
}

// ResolveBatchSource records the source's real storage key once its upload
// finished and returns the chunk numbers that were waiting for it.
func (d *DeduplicationIndex) ResolveBatchSource(checksum, storageKey string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	source, seen := d.batchSources[checksum]
	if !seen {
		return nil
	}
	source.storageKey = storageKey
	d.batchSources[checksum] = source

	waiting := d.waiters[checksum]
	delete(d.waiters, checksum)
	return waiting
}

// RecordSaved adds to the bytes-saved accounting (used for workspace hits,
// where no batch source bookkeeping happens).
func (d *DeduplicationIndex) RecordSaved(size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bytesSaved += size
}

func (d *DeduplicationIndex) BytesSaved() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesSaved
}

// Publish indexes a freshly stored chunk for future cross-session dedup.
func (d *DeduplicationIndex) Publish(workspace domain.WorkspaceID, checksum string, ref domain.ChunkRef) {
	if err := d.repo.Put(workspace, checksum, ref); err != nil {
		d.log.Warn("Dedup publish failed", "workspace", workspace, "error", err)
	}
}

// DedupSourceLabel formats the provenance string stored on pointer records.
func DedupSourceLabel(sessionID domain.SessionID, number int) string {
	return fmt.Sprintf("%s/%d", sessionID, number)
}
