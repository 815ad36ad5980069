package services

import (
	"log/slog"
	"testing"

	"ingest-lab/repositories"

	"github.com/stretchr/testify/require"
)

func TestBatchSourceResolutionHasSingleOwner(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	db := openTransferDB(t)
	index := NewDeduplicationIndex(repositories.NewDedupRepository(db, log), nil, log)

	number, isSource := index.ClaimBatchSource("abc", 1, 100)
	req.True(isSource)
	req.Equal(1, number)

	number, isSource = index.ClaimBatchSource("abc", 3, 100)
	req.False(isSource)
	req.Equal(1, number)

	// Parked before the source resolves: the resolution pass owns the upgrade.
	key, resolved := index.AwaitBatchSource("abc", 3)
	req.False(resolved)
	req.Empty(key)
	req.Equal([]int{3}, index.ResolveBatchSource("abc", "store/abc"))

	// Arrived after the source resolved: the caller owns the upgrade and the
	// resolution pass has nobody left to wake.
	_, isSource = index.ClaimBatchSource("abc", 5, 100)
	req.False(isSource)
	key, resolved = index.AwaitBatchSource("abc", 5)
	req.True(resolved)
	req.Equal("store/abc", key)
	req.Empty(index.ResolveBatchSource("abc", "store/abc"))

	req.Equal(int64(200), index.BytesSaved())
}

func TestResolveUnknownChecksumWakesNobody(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	db := openTransferDB(t)
	index := NewDeduplicationIndex(repositories.NewDedupRepository(db, log), nil, log)

	req.Empty(index.ResolveBatchSource("never-claimed", "store/x"))
}
