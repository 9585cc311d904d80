package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/budget"
	"github.com/normanking/helix/internal/bus"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/localllm"
	"github.com/normanking/helix/internal/metrics"
	"github.com/normanking/helix/internal/orchestrator"
	"github.com/normanking/helix/internal/rag"
	"github.com/normanking/helix/internal/thermal"
)

type fakeDecisions struct{ all []orchestrator.Decision }

func (f fakeDecisions) Recent(n int) ([]orchestrator.Decision, error) {
	if n > 0 && len(f.all) > n {
		return f.all[len(f.all)-n:], nil
	}
	return f.all, nil
}

func (f fakeDecisions) BySession(session string) ([]orchestrator.Decision, error) {
	var out []orchestrator.Decision
	for _, d := range f.all {
		if d.SessionID == session {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeUsage struct{}

func (fakeUsage) Summarize(session string) (metrics.SessionSummary, error) {
	return metrics.SessionSummary{Session: session, Calls: 3, TotalCost: 0.25}, nil
}

type fakeBudget struct {
	mu     sync.Mutex
	status budget.Status
	resets []string
}

func (f *fakeBudget) Status() budget.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBudget) ResetSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, "session")
	f.status.SessionCost = 0
}

func (f *fakeBudget) ResetDaily() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, "daily")
}

type fakeThermal struct{ reading *thermal.Reading }

func (f fakeThermal) Last() (thermal.Reading, bool) {
	if f.reading == nil {
		return thermal.Reading{}, false
	}
	return *f.reading, true
}

type fakePolicy struct{}

func (fakePolicy) State() thermal.PolicyState { return thermal.StateWarningTemp }

type fakeLLM struct{}

func (fakeLLM) Status() localllm.Status {
	return localllm.Status{State: localllm.StateActive, Model: "qwen2.5:7b", IdleTimeout: 300}
}

type fakeLock struct {
	info rag.LockInfo
	held bool
}

func (f fakeLock) Holder() (rag.LockInfo, bool, error) { return f.info, f.held, nil }

type fakeBuilds struct {
	script []rag.Event
	opts   rag.BuildOptions
	diff   ingestion.DiffResult
}

func (f *fakeBuilds) Start(_ context.Context, opts rag.BuildOptions) <-chan rag.Event {
	f.opts = opts
	ch := make(chan rag.Event, len(f.script))
	for _, ev := range f.script {
		ch <- ev
	}
	close(ch)
	return ch
}

func (f *fakeBuilds) Diff() (ingestion.DiffResult, error) { return f.diff, nil }

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	s := New(cfg, deps)
	t.Cleanup(s.close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthAndNotFound(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})

	w := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/nonexistent", "").Code)
}

func TestMissingDependencyIsUnavailable(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})
	for _, path := range []string{"/api/decisions", "/api/budget", "/api/thermal", "/api/llm", "/api/rag/diff", "/api/lock"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, path, "").Code)
		})
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, Config{CheckPassword: func(p string) bool { return p == "secret" }}, Deps{Budget: &fakeBudget{}})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/budget", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/budget", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/budget", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/budget?token=secret", "").Code)
}

func TestDecisions(t *testing.T) {
	decisions := fakeDecisions{all: []orchestrator.Decision{
		{ID: "d1", SessionID: "a"},
		{ID: "d2", SessionID: "b"},
		{ID: "d3", SessionID: "a"},
	}}
	s := newTestServer(t, Config{}, Deps{Decisions: decisions})

	w := do(t, s, http.MethodGet, "/api/decisions?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]orchestrator.Decision](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].ID)

	got = decode[[]orchestrator.Decision](t, do(t, s, http.MethodGet, "/api/decisions?session=a&limit=1", ""))
	require.Len(t, got, 1)
	assert.Equal(t, "d3", got[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/decisions?limit=x", "").Code)
}

func TestSessionMetricsBudgetAndStatus(t *testing.T) {
	b := &fakeBudget{status: budget.Status{Level: "WARNING", SessionCost: 4, SessionBudget: 5}}
	deps := Deps{
		Bus:           bus.NewBus(),
		Usage:         fakeUsage{},
		Budget:        b,
		ThermalPolicy: fakePolicy{},
		LLM:           fakeLLM{},
		Lock:          fakeLock{held: true, info: rag.LockInfo{Owner: "rag-build:x", PID: 42}},
	}
	defer deps.Bus.Close()
	s := newTestServer(t, Config{Version: "1.2.3"}, deps)

	sum := decode[metrics.SessionSummary](t, do(t, s, http.MethodGet, "/api/metrics/session/s9", ""))
	assert.Equal(t, "s9", sum.Session)
	assert.Equal(t, 3, sum.Calls)

	st := decode[StatusResponse](t, do(t, s, http.MethodGet, "/api/status", ""))
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, "WARNING", st.BudgetLevel)
	assert.Equal(t, thermal.StateWarningTemp, st.ThermalPolicy)
	assert.Equal(t, localllm.StateActive, st.LLMState)
	assert.True(t, st.BuildRunning)
	assert.Equal(t, 1, st.BusSubscriptions)

	w := do(t, s, http.MethodPost, "/api/budget/reset?scope=daily", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/budget/reset?scope=weekly", "").Code)
	do(t, s, http.MethodPost, "/api/budget/reset", "")
	assert.Equal(t, []string{"daily", "session"}, b.resets)

	lock := decode[LockResponse](t, do(t, s, http.MethodGet, "/api/lock", ""))
	assert.True(t, lock.Held)
	require.NotNil(t, lock.Info)
	assert.Equal(t, 42, lock.Info.PID)
}

func TestThermal(t *testing.T) {
	reading := thermal.Reading{Timestamp: time.Now().UTC(), Level: thermal.LevelWarning}
	s := newTestServer(t, Config{}, Deps{Thermal: fakeThermal{reading: &reading}, ThermalPolicy: fakePolicy{}})

	resp := decode[ThermalResponse](t, do(t, s, http.MethodGet, "/api/thermal", ""))
	assert.Equal(t, thermal.StateWarningTemp, resp.Policy)
	require.NotNil(t, resp.Reading)
	assert.Equal(t, reading.Level, resp.Reading.Level)
}

func TestRagDiff(t *testing.T) {
	builds := &fakeBuilds{diff: ingestion.DiffResult{New: []string{"a.md"}, Modified: []string{"b.md"}, Deleted: []string{"c.md"}}}
	s := newTestServer(t, Config{}, Deps{Builds: builds})

	resp := decode[DiffResponse](t, do(t, s, http.MethodGet, "/api/rag/diff", ""))
	assert.Equal(t, 3, resp.Pending)
	assert.Equal(t, []string{"a.md"}, resp.New)
}

func TestStartBuildPublishesEvents(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()

	var mu sync.Mutex
	var seen []rag.EventType
	b.Subscribe(bus.EventBuild, func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Payload.(rag.Event).Type)
	})

	builds := &fakeBuilds{script: []rag.Event{
		{Type: rag.EventProgress, Session: "sess-1", Percent: 10},
		{Type: rag.EventProgress, Session: "sess-1", Percent: 100},
		{Type: rag.EventBuildCompleted, Session: "sess-1", Success: true, Status: rag.StatusCompleted},
	}}
	s := newTestServer(t, Config{}, Deps{Bus: b, Builds: builds})

	w := do(t, s, http.MethodPost, "/api/rag/build", `{"full": true, "disabled_steps": ["raptor"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "sess-1", decode[BuildStartedResponse](t, w).Session)
	assert.True(t, builds.opts.Full)
	assert.Equal(t, []string{"raptor"}, builds.opts.DisabledSteps)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, rag.EventBuildCompleted, seen[2])
	mu.Unlock()
}

func TestStartBuildBusy(t *testing.T) {
	builds := &fakeBuilds{script: []rag.Event{
		{Type: rag.EventError, Session: "sess-2", Message: "held by rag-build:x (pid 7)"},
		{Type: rag.EventBuildCompleted, Session: "sess-2", Status: rag.StatusBusy, Message: "held by rag-build:x (pid 7)"},
	}}
	s := newTestServer(t, Config{}, Deps{Builds: builds})

	w := do(t, s, http.MethodPost, "/api/rag/build", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "pid 7")

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/rag/build", "{nope").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	exp := metrics.NewExporter()
	exp.ObserveBuild("completed")
	s := newTestServer(t, Config{}, Deps{Metrics: exp.Handler()})

	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "helix_")
}
