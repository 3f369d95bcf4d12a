// Package resource samples CPU and memory usage of the current process.
package resource

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/apitally/apitally-go/internal/model"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// Sampler reads raw process counters.
type Sampler interface {
	Times(ctx context.Context) (*cpu.TimesStat, error)
	RSS(ctx context.Context) (uint64, error)
}

type processSampler struct {
	proc *process.Process
}

func (s processSampler) Times(ctx context.Context) (*cpu.TimesStat, error) {
	return s.proc.TimesWithContext(ctx)
}

func (s processSampler) RSS(ctx context.Context) (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Monitor computes CPU percentage between consecutive samples.
type Monitor struct {
	sampler Sampler
	now     func() time.Time

	mu       sync.Mutex
	primed   bool
	prevCPU  float64
	prevTime time.Time
}

// NewMonitor watches the current process. It returns a monitor that never
// reports anything if the process cannot be inspected.
func NewMonitor() *Monitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &Monitor{now: time.Now}
	}
	return NewMonitorWithSampler(processSampler{proc: proc}, time.Now)
}

func NewMonitorWithSampler(s Sampler, now func() time.Time) *Monitor {
	return &Monitor{sampler: s, now: now}
}

// Sample returns current usage. The first call only records a baseline and
// returns nil; any failure also returns nil.
func (m *Monitor) Sample(ctx context.Context) *model.ResourceUsage {
	if m == nil || m.sampler == nil {
		return nil
	}
	times, err := m.sampler.Times(ctx)
	if err != nil {
		return nil
	}
	rss, err := m.sampler.RSS(ctx)
	if err != nil {
		return nil
	}

	now := m.now()
	cpuSeconds := times.User + times.System

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed {
		m.primed = true
		m.prevCPU, m.prevTime = cpuSeconds, now
		return nil
	}

	elapsed := now.Sub(m.prevTime).Seconds()
	percent := 0.0
	if elapsed > 0 {
		percent = 100 * (cpuSeconds - m.prevCPU) / elapsed
	}
	if percent < 0 {
		percent = 0
	}
	m.prevCPU, m.prevTime = cpuSeconds, now

	return &model.ResourceUsage{CPUPercent: percent, MemoryRSS: int64(rss)}
}
