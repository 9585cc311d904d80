// Package thermal samples GPU and CPU temperatures and runs the policy that
// throttles or unloads the local model when the machine runs hot.
package thermal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Level is a device's position relative to its thresholds.
type Level string

const (
	LevelNormal  Level = "normal"
	LevelWarning Level = "warning"
	LevelStop    Level = "stop"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelStop:
		return 2
	default:
		return 0
	}
}

// DeviceKind selects which thresholds apply.
type DeviceKind string

const (
	DeviceGPU DeviceKind = "gpu"
	DeviceCPU DeviceKind = "cpu"
)

// Sample is one device measurement.
type Sample struct {
	Device     string     `json:"device"`
	Kind       DeviceKind `json:"kind"`
	Name       string     `json:"name,omitempty"`
	TempC      float64    `json:"temp_c"`
	UtilPct    float64    `json:"util_pct"`
	MemUsedMB  float64    `json:"mem_used_mb,omitempty"`
	MemTotalMB float64    `json:"mem_total_mb,omitempty"`
	Level      Level      `json:"level"`
}

// Reading is one line of logs/thermal_readings.jsonl.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Samples   []Sample  `json:"samples"`
	Level     Level     `json:"level"`
	Errors    []string  `json:"errors,omitempty"`
}

// Hottest returns the sample with the highest level, ties broken by
// temperature.
func (r Reading) Hottest() (Sample, bool) {
	if len(r.Samples) == 0 {
		return Sample{}, false
	}
	best := r.Samples[0]
	for _, s := range r.Samples[1:] {
		if s.Level.rank() > best.Level.rank() || (s.Level == best.Level && s.TempC > best.TempC) {
			best = s
		}
	}
	return best, true
}

// Crossing reports a device climbing to a higher level.
type Crossing struct {
	Device    string  `json:"device"`
	Kind      Level   `json:"kind"`
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
}

// GPUSampler reads every GPU.
type GPUSampler interface {
	SampleGPUs(ctx context.Context) ([]Sample, error)
}

// CPUSampler reads the CPU package.
type CPUSampler interface {
	SampleCPU(ctx context.Context) (Sample, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MONITOR
// ═══════════════════════════════════════════════════════════════════════════════

// Monitor samples devices on an interval, journals every reading and fans
// it out to registered callbacks.
type Monitor struct {
	cfg      config.ThermalConfig
	gpu      GPUSampler
	cpu      CPUSampler
	journal  *logging.JSONL
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu        sync.Mutex
	last      Reading
	hasLast   bool
	levels    map[string]Level
	onReading []func(Reading)
	onCross   []func(Crossing)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithGPUSampler replaces the nvidia-smi sampler. nil disables GPU sampling.
func WithGPUSampler(s GPUSampler) MonitorOption {
	return func(m *Monitor) { m.gpu = s }
}

// WithCPUSampler replaces the host sensor sampler. nil disables CPU sampling.
func WithCPUSampler(s CPUSampler) MonitorOption {
	return func(m *Monitor) { m.cpu = s }
}

// WithMonitorClock overrides time.Now.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor journaling to path
// (logs/thermal_readings.jsonl).
func NewMonitor(cfg config.ThermalConfig, path string, opts ...MonitorOption) *Monitor {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		cfg:      cfg,
		gpu:      NewNvidiaSMI(),
		cpu:      NewHostSensors(),
		journal:  logging.NewJSONL(path),
		interval: interval,
		now:      time.Now,
		log:      logging.Component("thermal"),
		levels:   make(map[string]Level),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnReading registers fn for every reading.
func (m *Monitor) OnReading(fn func(Reading)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReading = append(m.onReading, fn)
}

// OnCrossing registers fn for threshold crossings.
func (m *Monitor) OnCrossing(fn func(Crossing)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCross = append(m.onCross, fn)
}

// Last returns the most recent reading.
func (m *Monitor) Last() (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Thresholds returns warn and stop for a device kind.
func (m *Monitor) Thresholds(kind DeviceKind) (warn, stop float64) {
	if kind == DeviceCPU {
		return m.cfg.CPUWarn, m.cfg.CPUStop
	}
	return m.cfg.GPUWarn, m.cfg.GPUStop
}

// Classify places temp against the thresholds for kind.
func (m *Monitor) Classify(kind DeviceKind, temp float64) Level {
	warn, stop := m.Thresholds(kind)
	switch {
	case temp >= stop:
		return LevelStop
	case temp >= warn:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).Msg("thermal monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Sample(ctx)
		select {
		case <-ctx.Done():
			m.log.Info().Msg("thermal monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sample takes one reading, journals it and runs the callbacks. Sampler
// failures are recorded on the reading rather than returned.
func (m *Monitor) Sample(ctx context.Context) Reading {
	r := Reading{Timestamp: m.now(), Level: LevelNormal}

	if m.gpu != nil {
		gpus, err := m.gpu.SampleGPUs(ctx)
		if err != nil {
			r.Errors = append(r.Errors, "gpu: "+err.Error())
		}
		r.Samples = append(r.Samples, gpus...)
	}
	if m.cpu != nil {
		s, err := m.cpu.SampleCPU(ctx)
		if err != nil {
			r.Errors = append(r.Errors, "cpu: "+err.Error())
		} else {
			r.Samples = append(r.Samples, s)
		}
	}

	for i := range r.Samples {
		s := &r.Samples[i]
		s.Level = m.Classify(s.Kind, s.TempC)
		if s.Level.rank() > r.Level.rank() {
			r.Level = s.Level
		}
	}

	if err := m.journal.Append(r); err != nil {
		m.log.Warn().Err(err).Msg("failed to append thermal reading")
	}

	m.mu.Lock()
	var crossings []Crossing
	for _, s := range r.Samples {
		prev := m.levels[s.Device]
		if s.Level.rank() > prev.rank() {
			warn, stop := m.Thresholds(s.Kind)
			threshold := warn
			if s.Level == LevelStop {
				threshold = stop
			}
			crossings = append(crossings, Crossing{Device: s.Device, Kind: s.Level, Current: s.TempC, Threshold: threshold})
		}
		m.levels[s.Device] = s.Level
	}
	m.last, m.hasLast = r, true
	readingHooks := append([]func(Reading){}, m.onReading...)
	crossHooks := append([]func(Crossing){}, m.onCross...)
	m.mu.Unlock()

	for _, c := range crossings {
		m.log.Warn().Str("device", c.Device).Str("kind", string(c.Kind)).
			Float64("current", c.Current).Float64("threshold", c.Threshold).Msg("thermal threshold crossed")
		for _, fn := range crossHooks {
			fn(c)
		}
	}
	for _, fn := range readingHooks {
		fn(r)
	}
	return r
}
