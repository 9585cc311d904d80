package localllm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
)

// Defaults.
const (
	DefaultIdleTimeout   = 300 * time.Second
	DefaultIdleTick      = 10 * time.Second
	DefaultThrottleDelay = 2 * time.Second
	DefaultKeepAlive     = 5 * time.Minute
	unloadTimeout        = 30 * time.Second
)

// Daemon is the subset of the local inference daemon the manager drives.
// *llm.OllamaClient satisfies it.
type Daemon interface {
	Load(ctx context.Context, model string, keepAlive time.Duration) error
	Unload(ctx context.Context, model string) error
}

// ═══════════════════════════════════════════════════════════════════════════════
// MANAGER
// ═══════════════════════════════════════════════════════════════════════════════

// Manager is the single writer of the local model state. Every mutation goes
// through fireLocked under mu; daemon calls run outside the lock while the
// Loading or Unloading state fences other transitions.
type Manager struct {
	mu       sync.Mutex
	state    State
	model    string
	lastUse  time.Time
	lastErr  string
	inflight int

	daemon        Daemon
	journal       *logging.JSONL
	defaultModel  string
	idleTimeout   time.Duration
	tick          time.Duration
	throttleDelay time.Duration
	keepAlive     time.Duration
	now           func() time.Time

	stopWatch context.CancelFunc
	hooks     []func(Transition)
	log       zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout sets how long an unused model stays loaded.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithIdleTick sets the idle watcher's sampling interval.
func WithIdleTick(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithThrottleDelay sets the pause applied to requests while throttled.
func WithThrottleDelay(d time.Duration) Option {
	return func(m *Manager) { m.throttleDelay = d }
}

// WithKeepAlive sets the keep_alive passed on load.
func WithKeepAlive(d time.Duration) Option {
	return func(m *Manager) { m.keepAlive = d }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(m *Manager) { m.defaultModel = model }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager in Idle. Transitions are appended to journalPath
// (logs/llm_state_transitions.jsonl).
func New(daemon Daemon, journalPath string, opts ...Option) *Manager {
	m := &Manager{
		state:         StateIdle,
		daemon:        daemon,
		journal:       logging.NewJSONL(journalPath),
		idleTimeout:   DefaultIdleTimeout,
		tick:          DefaultIdleTick,
		throttleDelay: DefaultThrottleDelay,
		keepAlive:     DefaultKeepAlive,
		now:           time.Now,
		log:           logging.Component("localllm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers fn to run after every state change. fn runs under
// the manager lock and must not block or call back into the manager.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:       m.state,
		Model:       m.model,
		LastUse:     m.lastUse,
		IdleTimeout: int(m.idleTimeout / time.Second),
		LastError:   m.lastErr,
	}
}

// Journal returns the transition log path.
func (m *Manager) Journal() string { return m.journal.Path() }

// Close stops the idle watcher without touching the daemon.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatcherLocked()
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Load asks the daemon to load model. Valid only from Idle.
func (m *Manager) Load(ctx context.Context, model string) error {
	m.mu.Lock()
	prev := m.model
	m.model = model
	if err := m.fireLocked(EventLoadRequest, "load "+model); err != nil {
		m.model = prev
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	err := m.daemon.Load(ctx, model, m.keepAlive)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = logging.Mask(err.Error())
		_ = m.fireLocked(EventLoadFailure, m.lastErr)
		return fmt.Errorf("load %s: %w", model, err)
	}
	m.lastErr = ""
	m.lastUse = m.now()
	return m.fireLocked(EventLoadSuccess, "")
}

// Unload releases the model. It is a no-op in Idle, recovers through Reset
// in Error and fails with ErrInvalidTransition while loading or unloading.
func (m *Manager) Unload(ctx context.Context, reason string) error {
	if m.State() == StateError {
		return m.Reset(ctx)
	}
	return m.unload(ctx, EventUnloadRequest, reason)
}

// Reset recovers from Error by unloading whatever the daemon may hold.
func (m *Manager) Reset(ctx context.Context) error {
	return m.unload(ctx, EventReset, "reset")
}

func (m *Manager) unload(ctx context.Context, event Event, reason string) error {
	m.mu.Lock()
	if m.state == StateIdle && event == EventUnloadRequest {
		m.mu.Unlock()
		return nil
	}
	if err := m.fireLocked(event, reason); err != nil {
		m.mu.Unlock()
		return err
	}
	model := m.model
	m.mu.Unlock()

	var err error
	if model != "" {
		err = m.daemon.Unload(ctx, model)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = logging.Mask(err.Error())
		m.log.Warn().Err(err).Str("model", model).Msg("daemon unload failed")
	}
	_ = m.fireLocked(EventUnloadComplete, reason)
	m.model = ""
	if err != nil {
		return fmt.Errorf("unload %s: %w", model, err)
	}
	return nil
}

// ApplyThrottle moves Active to Throttled. Other states are left alone.
func (m *Manager) ApplyThrottle(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return nil
	}
	return m.fireLocked(EventThermalWarning, reason)
}

// ResumeNormal moves Throttled back to Active.
func (m *Manager) ResumeNormal(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateThrottled {
		return nil
	}
	return m.fireLocked(EventThermalNormal, reason)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST GATE
// ═══════════════════════════════════════════════════════════════════════════════

// Acquire admits one inference for model, loading it first when needed.
// A throttled manager delays the caller by the throttle delay.
func (m *Manager) Acquire(ctx context.Context, model string) error {
	if model == "" {
		model = m.defaultModel
	}
	if model == "" {
		return ErrNoModel
	}

	m.mu.Lock()
	st, cur := m.state, m.model
	m.mu.Unlock()

	if st == StateError {
		if err := m.Reset(ctx); err != nil {
			m.log.Warn().Err(err).Msg("reset before load failed")
		}
	}
	if st.serving() && cur != model {
		if err := m.unload(ctx, EventUnloadRequest, "switch to "+model); err != nil {
			return err
		}
	}
	if m.State() == StateIdle {
		if err := m.Load(ctx, model); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if _, ok := next(m.state, EventSendRequest); !ok {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, st)
	}
	m.lastUse = m.now()
	m.inflight++
	throttled := m.state == StateThrottled
	m.mu.Unlock()

	if throttled && m.throttleDelay > 0 {
		m.log.Debug().Dur("delay", m.throttleDelay).Msg("throttled request delayed")
		t := time.NewTimer(m.throttleDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			m.Release(nil)
			return ctx.Err()
		}
	}
	return nil
}

// Release ends an inference admitted by Acquire. Daemon-side failures move
// the manager to Error; cancellations and bad requests do not.
func (m *Manager) Release(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight > 0 {
		m.inflight--
	}
	m.lastUse = m.now()
	if err == nil || !m.state.serving() {
		return
	}
	switch llm.ClassifyError(err) {
	case llm.KindInterrupted, llm.KindInvalid, llm.KindPolicyViolation, llm.KindBudgetExceeded:
		return
	}
	m.lastErr = logging.Mask(err.Error())
	_ = m.fireLocked(EventExecFailure, m.lastErr)
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// fireLocked applies event. Caller holds mu.
func (m *Manager) fireLocked(event Event, reason string) error {
	from := m.state
	to, ok := next(from, event)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, from)
	}
	if to == from {
		return nil
	}
	m.state = to

	if from.serving() && !to.serving() {
		m.stopWatcherLocked()
	}
	if to.serving() && !from.serving() {
		m.startWatcherLocked()
	}

	tr := Transition{Timestamp: m.now(), From: from, To: to, Event: event, Reason: reason, Model: m.model}
	if err := m.journal.Append(tr); err != nil {
		m.log.Warn().Err(err).Msg("failed to append state transition")
	}
	m.log.Info().Str("from", string(from)).Str("to", string(to)).Str("event", string(event)).Str("model", m.model).Msg("llm state changed")
	for _, fn := range m.hooks {
		fn(tr)
	}
	return nil
}

func (m *Manager) startWatcherLocked() {
	m.stopWatcherLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.stopWatch = cancel
	go m.watchIdle(ctx)
}

func (m *Manager) stopWatcherLocked() {
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

// watchIdle unloads the model once it has been unused for idleTimeout.
func (m *Manager) watchIdle(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		idleFor := m.now().Sub(m.lastUse)
		expired := m.state.serving() && m.inflight == 0 && idleFor >= m.idleTimeout
		m.mu.Unlock()
		if !expired {
			continue
		}

		// The transition cancels ctx, so the daemon call gets its own.
		uctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
		err := m.unload(uctx, EventIdleTimeout, fmt.Sprintf("idle for %s", idleFor.Round(time.Second)))
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Msg("idle unload failed")
		}
		return
	}
}
