package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/normanking/helix/internal/bus"
	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/orchestrator"
	"github.com/normanking/helix/internal/router"
)

// fakeDaemon answers /api/tags with one model and 404s everything else.
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5:7b"}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	keyring.MockInit()
	root := t.TempDir()

	cfg := config.Default(filepath.Join(root, "config"))
	cfg.General.LocalLLM.Endpoint = fakeDaemon(t).URL
	require.NoError(t, cfg.SaveGeneral())

	a, err := New(Options{Root: root, Version: "test", Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewRegistersEveryBackend(t *testing.T) {
	a := newTestApp(t)

	assert.ElementsMatch(t, []string{
		router.BackendLocal,
		router.BackendClaudeHaiku, router.BackendClaudeSonnet, router.BackendClaudeOpus,
		router.BackendGeminiPro, router.BackendGeminiFlash, router.BackendOpenAI,
		router.BackendClaudeCLI, router.BackendGeminiCLI, router.BackendCodexCLI,
	}, a.Backends.Names())

	for _, f := range []string{config.AppSettingsFile, config.GeneralSettingsFile, config.WebConfigFile} {
		assert.FileExists(t, filepath.Join(a.Paths.Config, f))
	}
	assert.FileExists(t, filepath.Join(a.Paths.Data, MemoryDBFile))
	assert.Equal(t, filepath.Join(a.Paths.Data, ExecutionLockFile), a.Builder.Lock().Path())
	assert.Equal(t, filepath.Join(a.Paths.Logs, "llm_state_transitions.jsonl"), a.LLM.Journal())

	assert.True(t, a.isNetworked(router.BackendClaudeSonnet))
	assert.False(t, a.isNetworked(router.BackendLocal))
}

func TestBackendForModelUsesCatalog(t *testing.T) {
	a := newTestApp(t)

	assert.Equal(t, router.BackendClaudeOpus, a.backendForModel("claude-opus-4-5").Name())
	assert.Equal(t, router.BackendClaudeSonnet, a.backendForModel("no-such-model").Name())
}

func TestBudgetHookPublishes(t *testing.T) {
	a := newTestApp(t)

	got := make(chan bus.Event, 1)
	a.Bus.Subscribe(bus.EventBudget, func(e bus.Event) { got <- e })
	a.Budget.ResetSession()

	select {
	case e := <-got:
		assert.Equal(t, "budget", e.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no budget event")
	}
}

func TestSendBlockedByPolicyRecordsDecisionAndTurn(t *testing.T) {
	a := newTestApp(t)

	decisions := make(chan bus.Event, 1)
	a.Bus.Subscribe(bus.EventDecision, func(e bus.Event) { decisions <- e })

	req := llm.Request{SessionID: "s1", Phase: "implement", Text: "rename the config loader", Context: map[string]any{}}
	resp, d := a.Send(context.Background(), req, SendOptions{})

	assert.False(t, resp.Success)
	assert.Equal(t, llm.KindPolicyViolation, resp.ErrorKind)
	assert.Equal(t, orchestrator.StatusBlocked, d.FinalStatus)
	assert.Contains(t, d.MissingScopes, orchestrator.ScopeFSWrite)
	assert.True(t, d.LocalAvailable)

	select {
	case e := <-decisions:
		ev, ok := e.Payload.(orchestrator.Decision)
		require.True(t, ok)
		assert.Equal(t, d.ID, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no decision event")
	}

	recent, err := a.Decisions.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	// The user turn is kept even though nothing was dispatched.
	info, err := os.Stat(filepath.Join(a.Paths.Data, ChatHistoryFile))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestMaintenanceJobs(t *testing.T) {
	a := newTestApp(t)

	sched, err := a.Maintenance()
	require.NoError(t, err)
	assert.Len(t, sched.Jobs(), 3)
}
