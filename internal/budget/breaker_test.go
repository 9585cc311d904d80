package budget

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/logging"
)

func newBreaker(t *testing.T, cfg config.BudgetConfig, opts ...Option) (*Breaker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "budget_events.jsonl")
	b, err := New(cfg, path, opts...)
	require.NoError(t, err)
	return b, path
}

func TestHardStopAfterLargeEstimate(t *testing.T) {
	b, path := newBreaker(t, config.BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 0.7, HardStopRatio: 1})

	assert.Equal(t, OK, b.CheckBeforeSend(0))
	b.RecordCost(0.60)
	assert.Equal(t, HardStop, b.CheckBeforeSend(0.50))

	events, err := logging.ReadJSONL[Event](path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "warning", events[0].Event)
	assert.InDelta(t, 0.6, events[0].Ratio, 1e-9)
	assert.Equal(t, "hard_stop", events[1].Event)
	assert.InDelta(t, 1.1, events[1].ProjectedRatio, 1e-9)
}

func TestBoundaryAtHardStop(t *testing.T) {
	b, _ := newBreaker(t, config.BudgetConfig{SessionUSD: 1, DailyUSD: 100, WarnRatio: 1, HardStopRatio: 1})
	const eps = 1.0 / 1024

	b.RecordCost(1 - eps)
	assert.Equal(t, OK, b.CheckBeforeSend(0))

	b.RecordCost(eps)
	assert.Equal(t, HardStop, b.CheckBeforeSend(0))
	assert.True(t, b.WouldBlock(0))
}

func TestWarningDoesNotBlock(t *testing.T) {
	b, _ := newBreaker(t, config.BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 0.7, HardStopRatio: 1})
	b.RecordCost(0.75)
	assert.Equal(t, Warning, b.CheckBeforeSend(0))
	assert.False(t, b.WouldBlock(0.1))
}

func TestDailyRatioTriggers(t *testing.T) {
	b, _ := newBreaker(t, config.BudgetConfig{SessionUSD: 100, DailyUSD: 1, WarnRatio: 0.7, HardStopRatio: 1})
	b.RecordCost(1)
	assert.Equal(t, HardStop, b.CheckBeforeSend(0))
}

func TestSessionCostMonotoneAndReset(t *testing.T) {
	b, path := newBreaker(t, config.BudgetConfig{SessionUSD: 5, DailyUSD: 10, WarnRatio: 0.7, HardStopRatio: 1})

	prev := 0.0
	for _, c := range []float64{0.1, -3, 0, 0.2, 0.05} {
		b.RecordCost(c)
		assert.GreaterOrEqual(t, b.SessionCost(), prev)
		prev = b.SessionCost()
	}
	assert.InDelta(t, 0.35, b.SessionCost(), 1e-9)

	b.ResetSession()
	assert.Zero(t, b.SessionCost())
	assert.InDelta(t, 0.35, b.Status().DailyCost, 1e-9)

	events, err := logging.ReadJSONL[Event](path)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "ok", events[len(events)-1].Event)
	assert.Equal(t, "session_reset", events[len(events)-1].Reason)
}

func TestDailyRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.Local)
	b, _ := newBreaker(t,
		config.BudgetConfig{SessionUSD: 100, DailyUSD: 1, WarnRatio: 0.7, HardStopRatio: 1},
		WithClock(func() time.Time { return now }),
	)
	b.RecordCost(0.9)
	assert.Equal(t, Warning, b.CheckBeforeSend(0))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, OK, b.CheckBeforeSend(0))
	st := b.Status()
	assert.Zero(t, st.DailyCost)
	assert.InDelta(t, 0.9, st.SessionCost, 1e-9)
	assert.Equal(t, "2026-03-02", st.Day)
}

func TestStatusHook(t *testing.T) {
	var got []Status
	b, _ := newBreaker(t, config.BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 0.7, HardStopRatio: 1},
		WithStatusHook(func(s Status) { got = append(got, s) }))
	b.RecordCost(0.8)
	b.ResetDaily()
	require.Len(t, got, 2)
	assert.Equal(t, "warning", got[0].Level)
	assert.Zero(t, got[1].DailyCost)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.BudgetConfig{SessionUSD: 1, DailyUSD: 1, WarnRatio: 2, HardStopRatio: 1}, filepath.Join(t.TempDir(), "x.jsonl"))
	assert.Error(t, err)
}
