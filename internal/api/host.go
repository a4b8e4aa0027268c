package api

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"priceindex/logger"
)

type hostSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskPct     float64   `json:"disk_percent"`
	Goroutines  int       `json:"goroutines"`
}

// hostSampler records host utilisation on a ticker for /api/host.
type hostSampler struct {
	mu       sync.RWMutex
	items    []hostSample
	limit    int
	interval time.Duration
	diskPath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newHostSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *hostSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &hostSampler{limit: limit, interval: interval, diskPath: diskPath, log: log}
}

func (s *hostSampler) start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *hostSampler) stop() {
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *hostSampler) snapshot() []hostSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hostSample, len(s.items))
	copy(out, s.items)
	return out
}

func (s *hostSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *hostSampler) sample(ctx context.Context) {
	log := s.log.WithComponent("host_sampler")
	sample := hostSample{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	if cpuSamples, err := cpuPercentFn(ctx); err != nil {
		log.WithError(err).Debug("failed to sample cpu usage")
	} else if len(cpuSamples) > 0 {
		sample.CPUPercent = cpuSamples[0]
	}
	if memStats, err := memoryStatsFn(ctx); err != nil {
		log.WithError(err).Debug("failed to sample memory usage")
	} else {
		sample.MemoryUsed = memStats.Used
		sample.MemoryTotal = memStats.Total
		sample.MemoryPct = memStats.UsedPercent
	}
	if diskStats, err := diskUsageFn(ctx, s.diskPath); err != nil {
		log.WithError(err).Debug("failed to sample disk usage")
	} else {
		sample.DiskPct = diskStats.UsedPercent
	}

	s.mu.Lock()
	s.items = append(s.items, sample)
	if len(s.items) > s.limit {
		s.items = append([]hostSample(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
}
