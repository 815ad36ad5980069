package services

import (
	"fmt"
	"log/slog"
	"time"

	"ingest-lab/contract"
	"ingest-lab/domain"
	apperrors "ingest-lab/errors"
)

type RateLimitConfig struct {
	UserSessionsPerHour  int
	IPSessionsPerHour    int
	MaxConcurrentPerUser int
	ChunksPerSessionMax  int
	ChunksPerMinute      int
	UserBytesPerHour     int64
	IPBytesPerHour       int64
	ConcurrencyCooldown  time.Duration
	SessionTTL           time.Duration
}

// RateLimiter enforces sliding-window admission control for session creation,
// chunk frequency, bandwidth and concurrency. The counter store is injected
// so production (badger) and tests (memory) run the exact same logic.
type RateLimiter struct {
	store contract.CounterStore
	cfg   RateLimitConfig
	log   *slog.Logger
	now   func() time.Time
}

func NewRateLimiter(store contract.CounterStore, cfg RateLimitConfig, log *slog.Logger) *RateLimiter {
	return NewRateLimiterWithNow(store, cfg, log, time.Now)
}

func NewRateLimiterWithNow(store contract.CounterStore, cfg RateLimitConfig, log *slog.Logger, now func() time.Time) *RateLimiter {
	if cfg.ConcurrencyCooldown <= 0 {
		cfg.ConcurrencyCooldown = 30 * time.Second
	}
	return &RateLimiter{store: store, cfg: cfg, log: log, now: now}
}

func bucketKey(subject, action string, window time.Duration, at time.Time) string {
	bucket := at.Truncate(window).Unix()
	return fmt.Sprintf("%s:%s:%d", subject, action, bucket)
}

func windowReset(window time.Duration, at time.Time) time.Duration {
	return at.Truncate(window).Add(window).Sub(at)
}

// checkWindow increments a bucketed counter and rolls it back when the cap is
// exceeded, so a rejected call does not consume budget.
func (l *RateLimiter) checkWindow(subject, action string, window time.Duration, delta, cap int64, limit apperrors.LimitType) error {
	if cap <= 0 {
		return nil
	}
	at := l.now()
	key := bucketKey(subject, action, window, at)
	value, err := l.store.Increment(key, delta, window)
	if err != nil {
		return err
	}
	if value > cap {
		if _, err := l.store.Increment(key, -delta, window); err != nil {
			l.log.Warn("Rate limit rollback failed", "key", key, "error", err)
		}
		return apperrors.RateLimitExceeded{Limit: limit, RetryAfter: windowReset(window, at)}
	}
	return nil
}

// AdmitSession gates session creation. Session-count limits are checked
// before concurrency limits so callers get deterministic error messages.
func (l *RateLimiter) AdmitSession(userID, remoteIP string) error {
	if err := l.checkWindow("user:"+userID, "sessions", time.Hour, 1,
		int64(l.cfg.UserSessionsPerHour), apperrors.LimitUserSessions); err != nil {
		return err
	}
	if remoteIP != "" {
		if err := l.checkWindow("ip:"+remoteIP, "sessions", time.Hour, 1,
			int64(l.cfg.IPSessionsPerHour), apperrors.LimitIPSessions); err != nil {
			return err
		}
	}
	if l.cfg.MaxConcurrentPerUser > 0 {
		key := "user:" + userID + ":concurrent"
		value, err := l.store.Increment(key, 1, 0)
		if err != nil {
			return err
		}
		if value > int64(l.cfg.MaxConcurrentPerUser) {
			if err := l.store.Decrement(key); err != nil {
				l.log.Warn("Concurrency rollback failed", "key", key, "error", err)
			}
			return apperrors.RateLimitExceeded{
				Limit:      apperrors.LimitConcurrency,
				RetryAfter: l.cfg.ConcurrencyCooldown,
			}
		}
	}
	return nil
}

// ReleaseSession frees one concurrency slot. Concurrency counters never
// expire on a window, only on explicit release.
func (l *RateLimiter) ReleaseSession(userID string) {
	if l.cfg.MaxConcurrentPerUser <= 0 {
		return
	}
	if err := l.store.Decrement("user:" + userID + ":concurrent"); err != nil {
		l.log.Warn("Concurrency release failed", "user_id", userID, "error", err)
	}
}

// AdmitChunk gates one chunk transfer. Order: per-session chunk cap, then
// per-minute frequency, then bandwidth (user before IP).
func (l *RateLimiter) AdmitChunk(userID, remoteIP string, sessionID domain.SessionID, sizeBytes int64) error {
	if l.cfg.ChunksPerSessionMax > 0 {
		key := fmt.Sprintf("session:%s:chunks", sessionID)
		value, err := l.store.Increment(key, 1, l.cfg.SessionTTL)
		if err != nil {
			return err
		}
		if value > int64(l.cfg.ChunksPerSessionMax) {
			if _, err := l.store.Increment(key, -1, l.cfg.SessionTTL); err != nil {
				l.log.Warn("Session chunk cap rollback failed", "key", key, "error", err)
			}
			return apperrors.RateLimitExceeded{
				Limit:      apperrors.LimitSessionChunks,
				RetryAfter: l.cfg.ConcurrencyCooldown,
			}
		}
	}
	if err := l.checkWindow("user:"+userID, "chunks", time.Minute, 1,
		int64(l.cfg.ChunksPerMinute), apperrors.LimitChunkFrequency); err != nil {
		return err
	}
	if err := l.checkWindow("user:"+userID, "bytes", time.Hour, sizeBytes,
		l.cfg.UserBytesPerHour, apperrors.LimitUserBandwidth); err != nil {
		return err
	}
	if remoteIP != "" {
		if err := l.checkWindow("ip:"+remoteIP, "bytes", time.Hour, sizeBytes,
			l.cfg.IPBytesPerHour, apperrors.LimitIPBandwidth); err != nil {
			return err
		}
	}
	return nil
}
