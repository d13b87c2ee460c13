// Package diag provides the core's housekeeping: a periodic host
// sampler whose saturation verdict feeds the listener's admission
// gate, and a cron-driven sweep job that reaps expired pending
// requests and logs a channel census.
package diag

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sigurd-ua/opcua-secchan/internal/config"
)

// HostStats holds one sampling round of host metrics.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
	SampledAt     time.Time
}

// Monitor samples host CPU and memory periodically on its own
// goroutine and answers saturation queries from the latest snapshot.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	cpuMax   float64
	memMax   float64

	close chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	stats HostStats
}

// NewMonitor returns a Monitor configured from the diagnostics
// section.
func NewMonitor(cfg config.DiagnosticsConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:   logger.With("component", "host_monitor"),
		interval: cfg.HostSampleInterval,
		cpuMax:   cfg.CPUSaturationPercent,
		memMax:   cfg.MemorySaturationPercent,
		close:    make(chan struct{}),
	}
}

// Start begins periodic collection.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops the monitor and waits for its goroutine.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the latest snapshot.
func (m *Monitor) Stats() HostStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Saturated reports whether the host is at or above either configured
// threshold. A monitor that never sampled reports false so a slow
// first collection cannot block all admissions.
func (m *Monitor) Saturated() bool {
	s := m.Stats()
	if s.SampledAt.IsZero() {
		return false
	}
	return s.CPUPercent >= m.cpuMax || s.MemoryPercent >= m.memMax
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	stats := HostStats{SampledAt: time.Now()}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}
	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage = avg.Load1
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}
