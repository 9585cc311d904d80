package thermal

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLICY STATES
// ═══════════════════════════════════════════════════════════════════════════════

// PolicyState is the controller's view of the machine.
type PolicyState string

const (
	StateNormal      PolicyState = "Normal"
	StateWarningTemp PolicyState = "WarningTemp"
	StateStopTemp    PolicyState = "StopTemp"
	StateThrottle    PolicyState = "Throttle"
	StateCoolingWait PolicyState = "CoolingWait"
)

// Default policy settings.
const (
	DefaultThrottleAfterWarnings = 3
	DefaultCoolingWait           = 60 * time.Second
)

// Target is the local model lifecycle the policy drives.
// *localllm.Manager satisfies it.
type Target interface {
	ApplyThrottle(reason string) error
	ResumeNormal(reason string) error
	Unload(ctx context.Context, reason string) error
}

// FanRecommendation is advice for the operator; the policy never runs the
// commands itself.
type FanRecommendation struct {
	Device   string   `json:"device"`
	SpeedPct int      `json:"speed_pct"`
	Commands []string `json:"commands,omitempty"`
	Note     string   `json:"note,omitempty"`
}

// PolicyEvent is one line of logs/thermal_policy_events.jsonl.
type PolicyEvent struct {
	Timestamp time.Time           `json:"timestamp"`
	From      PolicyState         `json:"from"`
	To        PolicyState         `json:"to"`
	Reason    string              `json:"reason"`
	Device    string              `json:"device,omitempty"`
	TempC     float64             `json:"temp_c"`
	Actions   []string            `json:"actions,omitempty"`
	Fans      []FanRecommendation `json:"fans,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// POLICY
// ═══════════════════════════════════════════════════════════════════════════════

// Policy consumes readings and moves the target between normal, throttled
// and unloaded.
type Policy struct {
	cfg           config.ThermalConfig
	target        Target
	journal       *logging.JSONL
	coolingWait   time.Duration
	throttleAfter int
	goos          string
	now           func() time.Time
	log           zerolog.Logger

	mu           sync.Mutex
	state        PolicyState
	warnCount    int
	coolingSince time.Time
	hooks        []func(PolicyEvent)
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyClock overrides time.Now.
func WithPolicyClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// WithOS overrides runtime.GOOS for fan command selection.
func WithOS(goos string) PolicyOption {
	return func(p *Policy) { p.goos = goos }
}

// NewPolicy creates a policy in Normal journaling to path
// (logs/thermal_policy_events.jsonl). target may be nil.
func NewPolicy(cfg config.ThermalConfig, target Target, path string, opts ...PolicyOption) *Policy {
	p := &Policy{
		cfg:           cfg,
		target:        target,
		journal:       logging.NewJSONL(path),
		coolingWait:   time.Duration(cfg.CoolingWaitSeconds) * time.Second,
		throttleAfter: cfg.ThrottleAfterWarnings,
		goos:          runtime.GOOS,
		now:           time.Now,
		log:           logging.Component("thermal-policy"),
		state:         StateNormal,
	}
	if p.coolingWait <= 0 {
		p.coolingWait = DefaultCoolingWait
	}
	if p.throttleAfter <= 0 {
		p.throttleAfter = DefaultThrottleAfterWarnings
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnEvent registers fn for every policy transition.
func (p *Policy) OnEvent(fn func(PolicyEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// State returns the current policy state.
func (p *Policy) State() PolicyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HandleReading advances the state machine with one reading.
func (p *Policy) HandleReading(ctx context.Context, r Reading) {
	hot, ok := r.Hottest()
	if !ok {
		return
	}

	p.mu.Lock()
	unload := p.advanceLocked(hot)
	p.mu.Unlock()

	// Unload talks to the model daemon and must not hold p.mu.
	if unload != "" && p.target != nil {
		if err := p.target.Unload(ctx, unload); err != nil {
			p.log.Warn().Err(err).Msg("thermal unload failed")
		}
	}
}

// advanceLocked applies one hottest sample and returns the unload reason
// when the model must be unloaded.
func (p *Policy) advanceLocked(hot Sample) string {
	if p.state == StateCoolingWait {
		if p.now().Sub(p.coolingSince) < p.coolingWait {
			return ""
		}
		switch hot.Level {
		case LevelStop:
			return p.enterStopLocked(hot, "still at stop temperature after cooling wait")
		case LevelWarning:
			p.warnCount = 1
			p.transitionLocked(StateWarningTemp, hot, "cooled to warning range", nil)
		default:
			p.warnCount = 0
			p.resumeLocked(hot, "cooled below warning threshold")
		}
		return ""
	}

	switch hot.Level {
	case LevelStop:
		return p.enterStopLocked(hot, fmt.Sprintf("%s at %.0f°C", hot.Device, hot.TempC))
	case LevelWarning:
		p.warnCount++
		switch p.state {
		case StateNormal:
			p.transitionLocked(StateWarningTemp, hot, fmt.Sprintf("%s at %.0f°C", hot.Device, hot.TempC), nil)
			if p.warnCount >= p.throttleAfter {
				p.throttleLocked(hot)
			}
		case StateWarningTemp:
			if p.warnCount >= p.throttleAfter {
				p.throttleLocked(hot)
			}
		}
	default:
		p.warnCount = 0
		if p.state != StateNormal {
			p.resumeLocked(hot, "temperature normal")
		}
	}
	return ""
}

func (p *Policy) throttleLocked(hot Sample) {
	actions := []string{"apply_throttle"}
	if p.target != nil {
		if err := p.target.ApplyThrottle(fmt.Sprintf("%s warning for %d samples", hot.Device, p.warnCount)); err != nil {
			p.log.Warn().Err(err).Msg("apply throttle failed")
		}
	}
	p.transitionLocked(StateThrottle, hot, fmt.Sprintf("warning persisted for %d samples", p.warnCount), actions)
}

func (p *Policy) enterStopLocked(hot Sample, reason string) string {
	p.transitionLocked(StateStopTemp, hot, reason, nil)

	actions := []string{"apply_throttle"}
	if p.target != nil {
		if err := p.target.ApplyThrottle("stop temperature: " + reason); err != nil {
			p.log.Warn().Err(err).Msg("apply throttle failed")
		}
	}
	var unload string
	if p.cfg.AutoUnload {
		actions = append(actions, "unload")
		unload = "stop temperature: " + reason
	}
	p.coolingSince = p.now()
	p.transitionLocked(StateCoolingWait, hot, fmt.Sprintf("waiting %s to cool", p.coolingWait), actions)
	return unload
}

func (p *Policy) resumeLocked(hot Sample, reason string) {
	if p.target != nil {
		if err := p.target.ResumeNormal(reason); err != nil {
			p.log.Warn().Err(err).Msg("resume normal failed")
		}
	}
	p.transitionLocked(StateNormal, hot, reason, []string{"resume_normal"})
}

func (p *Policy) transitionLocked(to PolicyState, hot Sample, reason string, actions []string) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	ev := PolicyEvent{
		Timestamp: p.now(),
		From:      from,
		To:        to,
		Reason:    reason,
		Device:    hot.Device,
		TempC:     hot.TempC,
		Actions:   actions,
		Fans:      []FanRecommendation{p.recommend(hot)},
	}
	if err := p.journal.Append(ev); err != nil {
		p.log.Warn().Err(err).Msg("failed to append policy event")
	}
	p.log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("thermal policy transition")
	for _, fn := range p.hooks {
		fn(ev)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// FAN RECOMMENDATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// FanSpeed maps a temperature onto a fan duty: 40% below warn, 60 to 90%
// linearly between warn and stop, 100% at or above stop.
func FanSpeed(temp, warn, stop float64) int {
	switch {
	case temp >= stop:
		return 100
	case temp < warn:
		return 40
	}
	if stop <= warn {
		return 90
	}
	return int(math.Round(60 + (temp-warn)/(stop-warn)*30))
}

// Recommend returns fan advice for every sample in r.
func (p *Policy) Recommend(r Reading) []FanRecommendation {
	out := make([]FanRecommendation, 0, len(r.Samples))
	for _, s := range r.Samples {
		out = append(out, p.recommend(s))
	}
	return out
}

func (p *Policy) recommend(s Sample) FanRecommendation {
	warn, stop := p.cfg.GPUWarn, p.cfg.GPUStop
	if s.Kind == DeviceCPU {
		warn, stop = p.cfg.CPUWarn, p.cfg.CPUStop
	}
	speed := FanSpeed(s.TempC, warn, stop)
	rec := FanRecommendation{Device: s.Device, SpeedPct: speed}
	if s.Kind != DeviceGPU {
		rec.Note = "set CPU fan curve in firmware or the vendor utility"
		return rec
	}
	switch p.goos {
	case "linux":
		idx := gpuIndex(s.Device)
		rec.Commands = []string{fmt.Sprintf(
			`nvidia-settings -a "[gpu:%d]/GPUFanControlState=1" -a "[fan:%d]/GPUTargetFanSpeed=%d"`, idx, idx, speed)}
	case "windows":
		rec.Note = fmt.Sprintf("set the GPU fan to %d%% in the vendor utility (e.g. MSI Afterburner)", speed)
	default:
		rec.Note = "fan control is managed by the operating system"
	}
	return rec
}

func gpuIndex(device string) int {
	var idx int
	if _, err := fmt.Sscanf(device, "gpu%d", &idx); err != nil {
		return 0
	}
	return idx
}
