package services

import (
	"log/slog"
	"testing"
	"time"

	apperrors "ingest-lab/errors"
	"ingest-lab/repositories"

	"github.com/stretchr/testify/require"
)

func testLimiter(now *time.Time, cfg RateLimitConfig) *RateLimiter {
	clock := func() time.Time { return *now }
	store := repositories.NewMemoryCounterStoreWithNow(clock)
	return NewRateLimiterWithNow(store, cfg, slog.Default(), clock)
}

func Test_User_Session_Cap_Per_Hour(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	limiter := testLimiter(&now, RateLimitConfig{UserSessionsPerHour: 3})

	for i := 0; i < 3; i++ {
		req.NoError(limiter.AdmitSession("u1", ""))
	}

	err := limiter.AdmitSession("u1", "")
	var rateErr apperrors.RateLimitExceeded
	req.ErrorAs(err, &rateErr)
	req.Equal(apperrors.LimitUserSessions, rateErr.Limit)
	req.Equal(45*time.Minute, rateErr.RetryAfter)

	// Same call after the window rolls over succeeds again.
	now = now.Add(time.Hour)
	req.NoError(limiter.AdmitSession("u1", ""))
}

func Test_IP_Cap_Checked_After_User_Cap(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := testLimiter(&now, RateLimitConfig{UserSessionsPerHour: 100, IPSessionsPerHour: 2})

	req.NoError(limiter.AdmitSession("u1", "10.0.0.9"))
	req.NoError(limiter.AdmitSession("u2", "10.0.0.9"))

	err := limiter.AdmitSession("u3", "10.0.0.9")
	var rateErr apperrors.RateLimitExceeded
	req.ErrorAs(err, &rateErr)
	req.Equal(apperrors.LimitIPSessions, rateErr.Limit)
}

func Test_Concurrency_Cap_Released_Explicitly(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := testLimiter(&now, RateLimitConfig{
		UserSessionsPerHour:  100,
		MaxConcurrentPerUser: 2,
		ConcurrencyCooldown:  10 * time.Second,
	})

	req.NoError(limiter.AdmitSession("u1", ""))
	req.NoError(limiter.AdmitSession("u1", ""))

	err := limiter.AdmitSession("u1", "")
	var rateErr apperrors.RateLimitExceeded
	req.ErrorAs(err, &rateErr)
	req.Equal(apperrors.LimitConcurrency, rateErr.Limit)
	req.Equal(10*time.Second, rateErr.RetryAfter)

	// Concurrency counters do not expire with time, only on release.
	now = now.Add(24 * time.Hour)
	req.ErrorAs(limiter.AdmitSession("u1", ""), &rateErr)

	limiter.ReleaseSession("u1")
	req.NoError(limiter.AdmitSession("u1", ""))
}

func Test_Chunk_Check_Order(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := testLimiter(&now, RateLimitConfig{
		ChunksPerSessionMax: 1,
		ChunksPerMinute:     1,
		UserBytesPerHour:    10,
	})

	req.NoError(limiter.AdmitChunk("u1", "", "s1", 5))

	// Both the session cap and the frequency cap are exhausted; the session
	// cap must win because it is checked first.
	err := limiter.AdmitChunk("u1", "", "s1", 5)
	var rateErr apperrors.RateLimitExceeded
	req.ErrorAs(err, &rateErr)
	req.Equal(apperrors.LimitSessionChunks, rateErr.Limit)
}

func Test_Bandwidth_Caps(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := testLimiter(&now, RateLimitConfig{
		ChunksPerMinute:  100,
		UserBytesPerHour: 100,
		IPBytesPerHour:   1000,
	})

	req.NoError(limiter.AdmitChunk("u1", "10.0.0.9", "s1", 90))

	err := limiter.AdmitChunk("u1", "10.0.0.9", "s1", 20)
	var rateErr apperrors.RateLimitExceeded
	req.ErrorAs(err, &rateErr)
	req.Equal(apperrors.LimitUserBandwidth, rateErr.Limit)

	// A rejected call must not consume budget: a smaller chunk still fits.
	req.NoError(limiter.AdmitChunk("u1", "10.0.0.9", "s1", 10))
}
