package diag

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/config"
	"github.com/sigurd-ua/opcua-secchan/internal/logging"
)

func TestMonitor_SaturationThresholds(t *testing.T) {
	logger, _, _ := logging.New(config.LoggingConfig{Level: "error", Format: "text"})
	m := NewMonitor(config.DiagnosticsConfig{
		HostSampleInterval:      time.Minute,
		CPUSaturationPercent:    95,
		MemorySaturationPercent: 95,
	}, logger)

	// Never sampled: must not block admissions.
	if m.Saturated() {
		t.Fatal("Saturated before first sample should be false")
	}

	m.mu.Lock()
	m.stats = HostStats{CPUPercent: 10, MemoryPercent: 20, SampledAt: time.Now()}
	m.mu.Unlock()
	if m.Saturated() {
		t.Fatal("Saturated on an idle host should be false")
	}

	m.mu.Lock()
	m.stats = HostStats{CPUPercent: 99, MemoryPercent: 20, SampledAt: time.Now()}
	m.mu.Unlock()
	if !m.Saturated() {
		t.Fatal("Saturated above the cpu threshold should be true")
	}
}

func TestMonitor_CollectPopulatesSnapshot(t *testing.T) {
	logger, _, _ := logging.New(config.LoggingConfig{Level: "error", Format: "text"})
	m := NewMonitor(config.DiagnosticsConfig{HostSampleInterval: time.Minute, CPUSaturationPercent: 95, MemorySaturationPercent: 95}, logger)
	m.collect()
	if m.Stats().SampledAt.IsZero() {
		t.Fatal("collect did not stamp the snapshot")
	}
}

func TestSweeper_RegistersJobAndRejectsBadSchedule(t *testing.T) {
	logger, _, _ := logging.New(config.LoggingConfig{Level: "error", Format: "text"})
	var runs atomic.Int32
	// Seconds-granularity schedules are not part of the standard
	// five-field syntax, so the job is not waited for here; only the
	// registration path, Start/Stop and schedule validation are checked.
	s, err := NewSweeper("*/1 * * * *", logger, func() { runs.Add(1) })
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start()
	s.Stop()

	if _, err := NewSweeper("not a schedule", logger, func() {}); err == nil {
		t.Fatal("NewSweeper with invalid schedule: expected error")
	}
}
