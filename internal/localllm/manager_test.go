package localllm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
)

type fakeDaemon struct {
	mu        sync.Mutex
	loads     []string
	unloads   []string
	keepAlive time.Duration
	loadErr   error
	unloadErr error
}

func (d *fakeDaemon) Load(_ context.Context, model string, keepAlive time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads = append(d.loads, model)
	d.keepAlive = keepAlive
	return d.loadErr
}

func (d *fakeDaemon) Unload(_ context.Context, model string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unloads = append(d.unloads, model)
	return d.unloadErr
}

func (d *fakeDaemon) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.loads), len(d.unloads)
}

func newManager(t *testing.T, d Daemon, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithThrottleDelay(0)}, opts...)
	m := New(d, filepath.Join(t.TempDir(), "llm_state_transitions.jsonl"), opts...)
	t.Cleanup(m.Close)
	return m
}

func states(t *testing.T, m *Manager) []State {
	t.Helper()
	trs, err := logging.ReadJSONL[Transition](m.Journal())
	require.NoError(t, err)
	out := []State{}
	if len(trs) > 0 {
		out = append(out, trs[0].From)
	}
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestAcquireLoadsFromIdle(t *testing.T) {
	d := &fakeDaemon{}
	m := newManager(t, d)

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)

	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, []string{"qwen"}, d.loads)
	assert.Equal(t, DefaultKeepAlive, d.keepAlive)
	assert.Equal(t, []State{StateIdle, StateLoading, StateActive}, states(t, m))

	// A second request for the same model does not reload.
	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)
	loads, _ := d.counts()
	assert.Equal(t, 1, loads)
}

func TestAcquireUsesDefaultModel(t *testing.T) {
	m := newManager(t, &fakeDaemon{})
	assert.ErrorIs(t, m.Acquire(context.Background(), ""), ErrNoModel)

	m = newManager(t, &fakeDaemon{}, WithDefaultModel("llama"))
	require.NoError(t, m.Acquire(context.Background(), ""))
	assert.Equal(t, "llama", m.Status().Model)
}

func TestLoadFailureEntersErrorAndRecovers(t *testing.T) {
	d := &fakeDaemon{loadErr: errors.New("connection refused")}
	m := newManager(t, d)

	err := m.Acquire(context.Background(), "qwen")
	require.Error(t, err)
	assert.Equal(t, StateError, m.State())
	assert.Contains(t, m.Status().LastError, "connection refused")

	d.mu.Lock()
	d.loadErr = nil
	d.mu.Unlock()

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t,
		[]State{StateIdle, StateLoading, StateError, StateUnloading, StateIdle, StateLoading, StateActive},
		states(t, m))
}

func TestModelSwitchUnloadsFirst(t *testing.T) {
	d := &fakeDaemon{}
	m := newManager(t, d)

	require.NoError(t, m.Acquire(context.Background(), "a"))
	m.Release(nil)
	require.NoError(t, m.Acquire(context.Background(), "b"))
	m.Release(nil)

	assert.Equal(t, []string{"a", "b"}, d.loads)
	assert.Equal(t, []string{"a"}, d.unloads)
	assert.Equal(t, "b", m.Status().Model)
}

func TestThrottleAndResume(t *testing.T) {
	m := newManager(t, &fakeDaemon{})
	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)

	require.NoError(t, m.ApplyThrottle("gpu warning"))
	assert.Equal(t, StateThrottled, m.State())
	require.NoError(t, m.ApplyThrottle("again"))
	assert.Equal(t, StateThrottled, m.State())

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)
	assert.Equal(t, StateThrottled, m.State())

	require.NoError(t, m.ResumeNormal("cooled"))
	assert.Equal(t, StateActive, m.State())
}

func TestThrottledRequestsAreDelayed(t *testing.T) {
	m := newManager(t, &fakeDaemon{}, WithThrottleDelay(40*time.Millisecond))
	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)
	require.NoError(t, m.ApplyThrottle("hot"))

	start := time.Now()
	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Acquire(ctx, "qwen"), context.Canceled)
}

func TestUnloadRules(t *testing.T) {
	d := &fakeDaemon{}
	m := newManager(t, d)

	// Idle: no-op.
	require.NoError(t, m.Unload(context.Background(), "user"))
	_, unloads := d.counts()
	assert.Zero(t, unloads)

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)
	require.NoError(t, m.Unload(context.Background(), "user"))
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []string{"qwen"}, d.unloads)
	assert.Empty(t, m.Status().Model)
}

func TestUnloadRejectedWhileLoading(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	d := &blockingDaemon{entered: entered, release: block}
	m := newManager(t, d)

	done := make(chan error, 1)
	go func() { done <- m.Load(context.Background(), "qwen") }()
	<-entered

	assert.Equal(t, StateLoading, m.State())
	assert.ErrorIs(t, m.Unload(context.Background(), "user"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Acquire(context.Background(), "qwen"), ErrNotReady)

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, StateActive, m.State())
}

type blockingDaemon struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDaemon) Load(context.Context, string, time.Duration) error {
	close(b.entered)
	<-b.release
	return nil
}

func (b *blockingDaemon) Unload(context.Context, string) error { return nil }

func TestInvalidTransitions(t *testing.T) {
	m := newManager(t, &fakeDaemon{})

	m.mu.Lock()
	err := m.fireLocked(EventLoadSuccess, "")
	m.mu.Unlock()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Reset is only valid from Error.
	assert.ErrorIs(t, m.Reset(context.Background()), ErrInvalidTransition)
	assert.Equal(t, StateIdle, m.State())
}

func TestExecFailureClassification(t *testing.T) {
	m := newManager(t, &fakeDaemon{})

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(&llm.KindError{Kind: llm.KindInterrupted, Err: errors.New("stopped")})
	assert.Equal(t, StateActive, m.State())

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(&llm.KindError{Kind: llm.KindConnectionError, Err: errors.New("daemon gone")})
	assert.Equal(t, StateError, m.State())
}

func TestIdleWatcherUnloads(t *testing.T) {
	d := &fakeDaemon{}
	m := newManager(t, d, WithIdleTimeout(30*time.Millisecond), WithIdleTick(5*time.Millisecond))

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)

	require.Eventually(t, func() bool { return m.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"qwen"}, d.unloads)

	trs, err := logging.ReadJSONL[Transition](m.Journal())
	require.NoError(t, err)
	require.NotEmpty(t, trs)
	var sawIdle bool
	for _, tr := range trs {
		if tr.Event == EventIdleTimeout {
			sawIdle = true
			assert.Equal(t, StateUnloading, tr.To)
		}
	}
	assert.True(t, sawIdle)
}

func TestIdleWatcherWaitsForInflight(t *testing.T) {
	d := &fakeDaemon{}
	m := newManager(t, d, WithIdleTimeout(20*time.Millisecond), WithIdleTick(5*time.Millisecond))

	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateActive, m.State())

	m.Release(nil)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestTransitionTimestampsMonotone(t *testing.T) {
	m := newManager(t, &fakeDaemon{})
	require.NoError(t, m.Acquire(context.Background(), "qwen"))
	m.Release(nil)
	require.NoError(t, m.ApplyThrottle("hot"))
	require.NoError(t, m.ResumeNormal("cool"))
	require.NoError(t, m.Unload(context.Background(), "done"))

	trs, err := logging.ReadJSONL[Transition](m.Journal())
	require.NoError(t, err)
	require.Len(t, trs, 6)
	for i := 1; i < len(trs); i++ {
		assert.False(t, trs[i].Timestamp.Before(trs[i-1].Timestamp))
		assert.Equal(t, trs[i-1].To, trs[i].From)
	}
}

func TestOnTransitionHook(t *testing.T) {
	m := newManager(t, &fakeDaemon{})
	var seen []State
	m.OnTransition(func(tr Transition) { seen = append(seen, tr.To) })

	require.NoError(t, m.Load(context.Background(), "qwen"))
	assert.Equal(t, []State{StateLoading, StateActive}, seen)
}
