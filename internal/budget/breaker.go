// Package budget implements the cost circuit breaker that can refuse a cloud
// call before it is dispatched.
package budget

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEVELS
// ═══════════════════════════════════════════════════════════════════════════════

// Level is the breaker verdict for a pending send.
type Level int

const (
	OK Level = iota
	Warning
	HardStop
)

// String returns the event name used in budget_events.jsonl.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case HardStop:
		return "hard_stop"
	default:
		return "ok"
	}
}

// Event is one line of logs/budget_events.jsonl.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	Event          string    `json:"event"`
	Reason         string    `json:"reason,omitempty"`
	SessionCost    float64   `json:"session_cost"`
	DailyCost      float64   `json:"daily_cost"`
	Ratio          float64   `json:"ratio"`
	ProjectedRatio float64   `json:"projected_ratio"`
	Scope          string    `json:"scope,omitempty"`
}

// Status is a point-in-time view of the breaker.
type Status struct {
	Level         string  `json:"level"`
	SessionCost   float64 `json:"session_cost"`
	DailyCost     float64 `json:"daily_cost"`
	SessionBudget float64 `json:"session_budget"`
	DailyBudget   float64 `json:"daily_budget"`
	SessionRatio  float64 `json:"session_ratio"`
	DailyRatio    float64 `json:"daily_ratio"`
	Day           string  `json:"day"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKER
// ═══════════════════════════════════════════════════════════════════════════════

// Breaker tracks session and daily spend against a BudgetConfig.
type Breaker struct {
	mu          sync.Mutex
	cfg         config.BudgetConfig
	sessionCost float64
	dailyCost   float64
	day         string
	level       Level

	events   *logging.JSONL
	now      func() time.Time
	onChange func(Status)
	log      zerolog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now, used for day rollover.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStatusHook is invoked after every cost change or reset.
func WithStatusHook(fn func(Status)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker writing events to eventsPath
// (logs/budget_events.jsonl).
func New(cfg config.BudgetConfig, eventsPath string, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:    cfg,
		events: logging.NewJSONL(eventsPath),
		now:    time.Now,
		log:    logging.Component("budget"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.day = b.today()
	return b, nil
}

func (b *Breaker) today() string {
	return b.now().Format("2006-01-02")
}

// rollover resets the daily total on date change. Caller holds mu.
func (b *Breaker) rollover() bool {
	d := b.today()
	if d == b.day {
		return false
	}
	b.log.Info().Str("from", b.day).Str("to", d).Float64("daily_cost", b.dailyCost).Msg("daily budget rolled over")
	b.day = d
	b.dailyCost = 0
	return true
}

// Rollover applies a pending date change without waiting for the next cost
// check. It reports whether the day changed.
func (b *Breaker) Rollover() bool {
	b.mu.Lock()
	changed := b.rollover()
	st := b.statusLocked()
	b.mu.Unlock()
	if changed {
		b.notify(st)
	}
	return changed
}

// levelFor classifies the larger of the two ratios.
func (b *Breaker) levelFor(sessionRatio, dailyRatio float64) (Level, string) {
	ratio, scope := sessionRatio, "session"
	if dailyRatio > ratio {
		ratio, scope = dailyRatio, "daily"
	}
	switch {
	case ratio >= b.cfg.HardStopRatio:
		return HardStop, scope
	case ratio >= b.cfg.WarnRatio:
		return Warning, scope
	default:
		return OK, scope
	}
}

// CheckBeforeSend evaluates the projected spend of a call estimated to cost
// estimateUSD. Every level the breaker climbs through is logged as its own
// event, so a jump from OK to HardStop writes a warning line and a hard_stop
// line.
func (b *Breaker) CheckBeforeSend(estimateUSD float64) Level {
	if estimateUSD < 0 {
		estimateUSD = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	projSession := (b.sessionCost + estimateUSD) / b.cfg.SessionUSD
	projDaily := (b.dailyCost + estimateUSD) / b.cfg.DailyUSD
	level, scope := b.levelFor(projSession, projDaily)

	if level != b.level {
		b.transition(level, scope, projSession, projDaily)
	}

	switch level {
	case Warning:
		b.log.Warn().Float64("projected_ratio", maxf(projSession, projDaily)).Str("scope", scope).Msg("budget warning")
	case HardStop:
		b.log.Error().Float64("projected_ratio", maxf(projSession, projDaily)).Str("scope", scope).Msg("budget hard stop")
	}
	return level
}

// WouldBlock reports whether a call of estimateUSD would be refused, without
// logging a transition.
func (b *Breaker) WouldBlock(estimateUSD float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	level, _ := b.levelFor((b.sessionCost+estimateUSD)/b.cfg.SessionUSD, (b.dailyCost+estimateUSD)/b.cfg.DailyUSD)
	return level == HardStop
}

// transition logs each intermediate level up to target. Caller holds mu.
func (b *Breaker) transition(target Level, scope string, projSession, projDaily float64) {
	proj := maxf(projSession, projDaily)
	if target < b.level {
		b.writeEvent(target, "", scope, proj)
		b.level = target
		return
	}
	for l := b.level + 1; l <= target; l++ {
		b.writeEvent(l, "", scope, proj)
	}
	b.level = target
}

func (b *Breaker) writeEvent(level Level, reason, scope string, projected float64) {
	ev := Event{
		Timestamp:      b.now(),
		Event:          level.String(),
		Reason:         reason,
		SessionCost:    b.sessionCost,
		DailyCost:      b.dailyCost,
		Ratio:          round4(b.sessionCost / b.cfg.SessionUSD),
		ProjectedRatio: round4(projected),
		Scope:          scope,
	}
	if err := b.events.Append(ev); err != nil {
		b.log.Warn().Err(err).Msg("failed to append budget event")
	}
}

// RecordCost adds a successful call's cost. Non-positive costs are ignored,
// which keeps the session total non-decreasing.
func (b *Breaker) RecordCost(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	b.mu.Lock()
	b.rollover()
	b.sessionCost += costUSD
	b.dailyCost += costUSD
	st := b.statusLocked()
	b.mu.Unlock()
	b.notify(st)
}

// ResetSession zeroes the session total.
func (b *Breaker) ResetSession() {
	b.mu.Lock()
	b.sessionCost = 0
	b.level = OK
	b.writeEvent(OK, "session_reset", "session", b.dailyCost/b.cfg.DailyUSD)
	st := b.statusLocked()
	b.mu.Unlock()
	b.notify(st)
}

// ResetDaily zeroes the daily total.
func (b *Breaker) ResetDaily() {
	b.mu.Lock()
	b.dailyCost = 0
	b.day = b.today()
	b.level = OK
	b.writeEvent(OK, "daily_reset", "daily", b.sessionCost/b.cfg.SessionUSD)
	st := b.statusLocked()
	b.mu.Unlock()
	b.notify(st)
}

// SessionCost returns the session total.
func (b *Breaker) SessionCost() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionCost
}

// Status returns a snapshot.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.statusLocked()
}

func (b *Breaker) statusLocked() Status {
	sr := b.sessionCost / b.cfg.SessionUSD
	dr := b.dailyCost / b.cfg.DailyUSD
	level, _ := b.levelFor(sr, dr)
	return Status{
		Level:         level.String(),
		SessionCost:   b.sessionCost,
		DailyCost:     b.dailyCost,
		SessionBudget: b.cfg.SessionUSD,
		DailyBudget:   b.cfg.DailyUSD,
		SessionRatio:  sr,
		DailyRatio:    dr,
		Day:           b.day,
	}
}

func (b *Breaker) notify(st Status) {
	if b.onChange != nil {
		b.onChange(st)
	}
}

func maxf(a, c float64) float64 {
	if a > c {
		return a
	}
	return c
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
