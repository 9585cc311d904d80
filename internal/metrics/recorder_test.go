package metrics

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderAppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "usage_metrics.jsonl")
	r := NewRecorder(path)

	require.NoError(t, r.Record(UsageRecord{Session: "s1", Backend: "local", Success: false, ErrorType: "Overloaded"}))
	require.NoError(t, r.Record(UsageRecord{Session: "s1", Backend: "claude-sonnet", Success: true, CostEst: 0.01, TokensEst: 300}))

	recs, err := r.Records("")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Success)
	assert.True(t, recs[1].Success)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestSummarize(t *testing.T) {
	r := NewRecorder(filepath.Join(t.TempDir(), "usage.jsonl"))
	for _, rec := range []UsageRecord{
		{Session: "a", Backend: "local", Success: true, TokensEst: 100, DurationMS: 50},
		{Session: "a", Backend: "claude-sonnet", Success: true, CostEst: 0.25, TokensEst: 200, DurationMS: 150},
		{Session: "a", Backend: "claude-opus", Success: false, ErrorType: "RateLimit"},
		{Session: "b", Backend: "claude-opus", Success: true, CostEst: 9},
	} {
		require.NoError(t, r.Record(rec))
	}

	sum, err := r.Summarize("a")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Calls)
	assert.Equal(t, 2, sum.Successes)
	assert.Equal(t, 1, sum.Failures)
	assert.InDelta(t, 0.25, sum.TotalCost, 1e-9)
	assert.Equal(t, 300, sum.TotalTokens)
	assert.Equal(t, int64(200), sum.TotalDurationMS)
	assert.Equal(t, map[string]int{"success": 2, "RateLimit": 1}, sum.ByStatus)
	assert.Equal(t, 1, sum.ByBackend["claude-opus"].Failures)

	only, err := r.Records("b")
	require.NoError(t, err)
	assert.Len(t, only, 1)
}

func TestRecorderFeedsExporter(t *testing.T) {
	e := NewExporter()
	r := NewRecorder(filepath.Join(t.TempDir(), "usage.jsonl"), WithExporter(e), WithClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}))

	require.NoError(t, r.Record(UsageRecord{Session: "s", Backend: "claude-haiku", Success: true, CostEst: 0.5, DurationMS: 1200}))
	require.NoError(t, r.Record(UsageRecord{Session: "s", Backend: "claude-haiku", Success: false, ErrorType: "Timeout"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.calls.WithLabelValues("claude-haiku", "true", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.calls.WithLabelValues("claude-haiku", "false", "Timeout")))
	assert.Equal(t, 0.5, testutil.ToFloat64(e.cost.WithLabelValues("claude-haiku")))

	e.SetLLMState("Active", []string{"Idle", "Active"})
	assert.Equal(t, 1.0, testutil.ToFloat64(e.llmState.WithLabelValues("Active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.llmState.WithLabelValues("Idle")))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "helix_backend_calls_total")

	recs, err := r.Records("s")
	require.NoError(t, err)
	assert.Equal(t, 2026, recs[0].Timestamp.Year())
}
