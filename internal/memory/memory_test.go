package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/llm"
)

type stubCompleter struct {
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(context.Context, string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func openStores(t *testing.T) (*data.Store, *data.KV) {
	t.Helper()
	dir := t.TempDir()
	store, err := data.Open(filepath.Join(dir, "helix_memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	kv, err := data.OpenKV(filepath.Join(dir, "helix_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return store, kv
}

func TestThreadKeepsLatestTurns(t *testing.T) {
	th := NewThread(3)
	for _, c := range []string{"one", "two", "three", "four"} {
		th.Add(Turn{SessionID: "s", Role: "user", Content: c})
	}
	recent := th.Recent("s", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "four", th.Recent("s", 1)[0].Content)
	assert.Nil(t, th.Recent("other", 5))

	th.Clear("s")
	assert.Empty(t, th.Recent("s", 0))
}

func TestThreadExtractsFactsFromUserTurns(t *testing.T) {
	th := NewThread(0)
	th.Add(Turn{SessionID: "s", Role: "user", Content: "I'm working on Helix today. I prefer tabs over spaces."})
	th.Add(Turn{SessionID: "s", Role: "assistant", Content: "My name is Bot"})
	th.Add(Turn{SessionID: "s", Role: "user", Content: "still working on Helix"})

	facts := th.Facts("s")
	assert.Contains(t, facts, "working on Helix")
	assert.Contains(t, facts, "I prefer tabs over spaces")
	for _, f := range facts {
		assert.NotContains(t, f, "Bot")
	}
	assert.Len(t, facts, 2)
}

func TestEpisodicSearchAndRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_history_log.jsonl")
	ep := NewEpisodic(path)

	for _, c := range []string{"deploy the gateway", "unrelated", "gateway deploy failed"} {
		_, err := ep.Record(Turn{SessionID: "s1", Role: "user", Content: c})
		require.NoError(t, err)
	}
	_, err := ep.Record(Turn{SessionID: "s2", Role: "user", Content: "Deploy Gateway again"})
	require.NoError(t, err)

	hits, err := ep.Search("gateway deploy", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Deploy Gateway again", hits[0].Content)
	assert.NotEmpty(t, hits[0].ID)

	s1, err := ep.Session("s1")
	require.NoError(t, err)
	assert.Len(t, s1, 3)

	ep.maxBytes = 10
	rotated, err := ep.Rotate()
	require.NoError(t, err)
	assert.True(t, rotated)
	_, err = os.Stat(path + ".bak")
	require.NoError(t, err)

	hits, err = ep.Search("gateway", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSemanticRememberIsBitemporal(t *testing.T) {
	ctx := context.Background()
	store, _ := openStores(t)
	sem := NewSemantic(store, nil)

	_, err := sem.Remember(ctx, Fact{Entity: "Helix", Attribute: "language", Value: "Python"}, "s1")
	require.NoError(t, err)
	_, err = sem.Remember(ctx, Fact{Entity: "Helix", Attribute: "language", Value: "Go"}, "s2")
	require.NoError(t, err)

	history, err := sem.History(ctx, "Helix", "language")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NotNil(t, history[0].ValidTo)
	assert.Nil(t, history[1].ValidTo)

	nodes, err := sem.Recall(ctx, "what language is helix", 5)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Go", nodes[0].Value)

	_, err = sem.Remember(ctx, Fact{Value: "orphan"}, "s3")
	assert.Error(t, err)
}

func TestProceduralFindAndOutcomes(t *testing.T) {
	_, kv := openStores(t)
	proc := NewProcedural(kv)

	deploy, err := proc.Save(Pattern{Name: "deploy-service", Description: "roll out a service with canary", Tags: []string{"ops"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(deploy.ID, "pat_"))
	_, err = proc.Save(Pattern{Name: "write-migration", Description: "add a sql migration"})
	require.NoError(t, err)
	_, err = proc.Save(Pattern{})
	assert.Error(t, err)

	found, err := proc.Find("please deploy the api", 5)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "deploy-service", found[0].Name)

	for i := 0; i < 3; i++ {
		_, err = proc.RecordOutcome(deploy.ID, false)
		require.NoError(t, err)
	}
	got, err := proc.Get(deploy.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, got.SuccessRate(), 1e-9)

	found, err = proc.Find("deploy", 5)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = proc.Get("missing")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestRiskGate(t *testing.T) {
	ctx := context.Background()
	turn := Turn{SessionID: "s", Role: "user", Content: "Our API runs on port 8500."}

	high := &stubCompleter{reply: `{"score": 0.9, "reason": "config fact", "facts": [{"entity": "API", "attribute": "port", "value": "8500"}, {"entity": "", "attribute": "x"}]}`}
	d := NewRiskGate(high, 0.6).Evaluate(ctx, turn)
	assert.True(t, d.Commit)
	require.Len(t, d.Facts, 1)
	assert.Equal(t, "API", d.Facts[0].Entity)

	low := &stubCompleter{reply: `{"score": 0.3, "facts": [{"entity": "API", "attribute": "port", "value": "8500"}]}`}
	assert.False(t, NewRiskGate(low, 0.6).Evaluate(ctx, turn).Commit)

	noFacts := &stubCompleter{reply: `{"score": 1.4}`}
	d = NewRiskGate(noFacts, 0.6).Evaluate(ctx, turn)
	assert.False(t, d.Commit)
	assert.Equal(t, 1.0, d.Score)

	failing := &stubCompleter{err: errors.New("daemon down")}
	d = NewRiskGate(failing, 0.6).Evaluate(ctx, turn)
	assert.False(t, d.Commit)
	assert.Contains(t, d.Reason, "daemon down")

	assert.Equal(t, DefaultGateThreshold, NewRiskGate(nil, 0).Threshold())
}

func TestManagerObserveAndEnrich(t *testing.T) {
	ctx := context.Background()
	store, kv := openStores(t)
	gate := &stubCompleter{reply: `{"score": 0.8, "facts": [{"entity": "gateway", "attribute": "port", "value": "8500"}]}`}

	proc := NewProcedural(kv)
	_, err := proc.Save(Pattern{Name: "gateway-restart", Description: "restart the gateway safely"})
	require.NoError(t, err)

	m := NewManager(Config{
		Enabled:    true,
		Episodic:   NewEpisodic(filepath.Join(t.TempDir(), "chat_history_log.jsonl")),
		Semantic:   NewSemantic(store, nil),
		Procedural: proc,
		Gate:       NewRiskGate(gate, 0.6),
	})

	d, err := m.Observe(ctx, Turn{SessionID: "s", Role: "user", Content: "the gateway listens on 8500"})
	require.NoError(t, err)
	assert.True(t, d.Commit)
	_, err = m.Observe(ctx, Turn{SessionID: "s", Role: "assistant", Content: "noted"})
	require.NoError(t, err)
	assert.Equal(t, 1, gate.calls)

	req := llm.Request{SessionID: "s", Text: "which port does the gateway use", Context: map[string]any{"model": "x"}}
	out := m.Enrich(ctx, req)
	assert.Len(t, req.Context, 1)
	assert.Equal(t, "x", out.Context["model"])

	history, ok := out.Context["recent_history"].([]llm.Message)
	require.True(t, ok)
	assert.Len(t, history, 2)
	assert.Contains(t, out.Context["memory_facts"], "gateway port 8500")
	assert.Contains(t, out.Context["memory_patterns"], "gateway-restart: restart the gateway safely")

	prompt := llm.BuildSystemPrompt(out)
	assert.Contains(t, prompt, "## Known facts")
	assert.Contains(t, prompt, "gateway port 8500")

	off := NewManager(Config{})
	_, err = off.Observe(ctx, Turn{SessionID: "s", Role: "user", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, req, off.Enrich(ctx, req))
}
