package workers

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"ingest-lab/contract"

	"github.com/shirou/gopsutil/process"
)

const pressureSampleInterval = 5 * time.Second

// PressureSampler periodically samples this process's CPU and memory usage
// and exposes an overload signal the orchestrator consults when sizing its
// worker groups.
type PressureSampler struct {
	log          *slog.Logger
	cpuLimit     float64
	overloaded   atomic.Bool
	lastCPU      atomic.Uint64 // float64 bits
	lastRSSBytes atomic.Uint64
}

var _ contract.Worker = (*PressureSampler)(nil)

func NewPressureSampler(cpuLimit float64, log *slog.Logger) *PressureSampler {
	return &PressureSampler{log: log, cpuLimit: cpuLimit}
}

// Overloaded reports the latest sample's verdict. Before the first sample
// it is always false.
func (w *PressureSampler) Overloaded() bool {
	return w.overloaded.Load()
}

// Stats returns the last sampled CPU percent and RSS bytes.
func (w *PressureSampler) Stats() (cpuPercent float64, rssBytes uint64) {
	return math.Float64frombits(w.lastCPU.Load()), w.lastRSSBytes.Load()
}

func (w *PressureSampler) Run(ctx context.Context) error {
	w.log.Info("Starting pressure sampler", "cpu_limit_percent", w.cpuLimit)
	ticker := time.NewTicker(pressureSampleInterval)
	defer ticker.Stop()

	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sample(self)
		}
	}
}

func (w *PressureSampler) sample(self *process.Process) {
	cpuPercent, err := self.CPUPercent()
	if err != nil {
		w.log.Warn("CPU sample failed", "error", err)
		return
	}
	memInfo, err := self.MemoryInfo()
	if err != nil {
		w.log.Warn("Memory sample failed", "error", err)
		return
	}

	w.lastCPU.Store(math.Float64bits(cpuPercent))
	w.lastRSSBytes.Store(memInfo.RSS)

	overloaded := w.cpuLimit > 0 && cpuPercent > w.cpuLimit
	if overloaded != w.overloaded.Load() {
		w.log.Info("Pressure state changed",
			"overloaded", overloaded, "cpu_percent", cpuPercent, "rss_bytes", memInfo.RSS)
	}
	w.overloaded.Store(overloaded)
}
