package services

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultFloorKBps     = 50.0
	defaultMaxSamples    = 20
	defaultSampleMaxAge  = 2 * time.Minute
	defaultMinSamples    = 5
	adaptDeltaThreshold  = 0.2
	conservativeGrowth   = 0.8
)

type bandwidthSample struct {
	at   time.Time
	kbps float64
}

// BandwidthGovernor injects an artificial delay before each chunk transfer
// and adapts its throughput ceiling from observed speeds. A zero limit means
// unlimited.
type BandwidthGovernor struct {
	mu         sync.Mutex
	limitKBps  float64
	floorKBps  float64
	samples    []bandwidthSample
	maxSamples int
	maxAge     time.Duration
	minSamples int
	log        *slog.Logger
	now        func() time.Time
}

func NewBandwidthGovernor(limitKBps float64, log *slog.Logger) *BandwidthGovernor {
	return NewBandwidthGovernorWithNow(limitKBps, log, time.Now)
}

func NewBandwidthGovernorWithNow(limitKBps float64, log *slog.Logger, now func() time.Time) *BandwidthGovernor {
	return &BandwidthGovernor{
		limitKBps:  limitKBps,
		floorKBps:  defaultFloorKBps,
		maxSamples: defaultMaxSamples,
		maxAge:     defaultSampleMaxAge,
		minSamples: defaultMinSamples,
		log:        log,
		now:        now,
	}
}

// Delay returns how long a transfer of sizeKB should wait before starting.
func (g *BandwidthGovernor) Delay(sizeKB float64) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limitKBps <= 0 || sizeKB <= 0 {
		return 0
	}
	return time.Duration(sizeKB / g.limitKBps * float64(time.Second))
}

// DelayPerStream is Delay with the per-stream allocation applied: each of
// n concurrent streams gets total/n of the ceiling.
func (g *BandwidthGovernor) DelayPerStream(sizeKB float64, streams int) time.Duration {
	if streams < 1 {
		streams = 1
	}
	return g.Delay(sizeKB * float64(streams))
}

// Limit returns the current ceiling in KB/s, 0 when unlimited.
func (g *BandwidthGovernor) Limit() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitKBps
}

// SetFloor overrides the minimum ceiling adaptation may reach. Zero or
// negative values keep the default.
func (g *BandwidthGovernor) SetFloor(kbps float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if kbps > 0 {
		g.floorKBps = kbps
	}
}

// BelowFloor reports whether adaptation has pushed the ceiling down to its
// minimum, the signal that transfers are starving.
func (g *BandwidthGovernor) BelowFloor() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitKBps > 0 && g.limitKBps <= g.floorKBps
}

// PerStream splits the ceiling across n concurrent streams.
func (g *BandwidthGovernor) PerStream(n int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limitKBps <= 0 || n <= 1 {
		return g.limitKBps
	}
	return g.limitKBps / float64(n)
}

// Record feeds a measured transfer into the rolling window and adapts the
// limit once enough samples exist and the delta is large enough to matter.
// Single outliers never move the ceiling.
func (g *BandwidthGovernor) Record(sizeKB float64, elapsed time.Duration) {
	if sizeKB <= 0 || elapsed <= 0 {
		return
	}
	measured := sizeKB / elapsed.Seconds()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.samples = append(g.samples, bandwidthSample{at: now, kbps: measured})
	g.prune(now)

	if g.limitKBps <= 0 || len(g.samples) < g.minSamples {
		return
	}

	var sum float64
	for _, sample := range g.samples {
		sum += sample.kbps
	}
	mean := sum / float64(len(g.samples))

	delta := mean - g.limitKBps
	if delta < 0 {
		delta = -delta
	}
	if delta/g.limitKBps <= adaptDeltaThreshold {
		return
	}

	previous := g.limitKBps
	if mean > g.limitKBps {
		g.limitKBps = mean * conservativeGrowth
	} else {
		g.limitKBps = mean
		if g.limitKBps < g.floorKBps {
			g.limitKBps = g.floorKBps
		}
	}
	g.log.Debug("Bandwidth ceiling adapted",
		"previous_kbps", previous,
		"measured_mean_kbps", mean,
		"new_kbps", g.limitKBps,
	)
}

func (g *BandwidthGovernor) prune(now time.Time) {
	cutoff := now.Add(-g.maxAge)
	kept := g.samples[:0]
	for _, sample := range g.samples {
		if sample.at.After(cutoff) {
			kept = append(kept, sample)
		}
	}
	g.samples = kept
	if len(g.samples) > g.maxSamples {
		g.samples = g.samples[len(g.samples)-g.maxSamples:]
	}
}
