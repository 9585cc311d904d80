package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/tools"
)

type fakeGate struct {
	acquireErr error
	acquired   []string
	released   []error
}

func (g *fakeGate) Acquire(_ context.Context, model string) error {
	g.acquired = append(g.acquired, model)
	return g.acquireErr
}

func (g *fakeGate) Release(err error) { g.released = append(g.released, err) }

type fakeTools struct {
	calls []string
}

func (f *fakeTools) Specs() []tools.Spec {
	return []tools.Spec{{Name: "read_file", Description: "read", Parameters: map[string]any{"type": "object"}}}
}

func (f *fakeTools) Invoke(_ context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s(%v)", name, args["path"]))
	if args["path"] == "missing.go" {
		return "", errors.New("not found")
	}
	return "package main", nil
}

func toolCallReply(path string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []map[string]any{
				{"function": map[string]any{"name": "read_file", "arguments": map[string]any{"path": path}}},
			},
		},
		"prompt_eval_count": 10,
		"eval_count":        2,
	}
}

func withTools(f *fakeOllama) {
	f.replies["/api/show"] = func(map[string]any) any {
		return map[string]any{"capabilities": []string{"completion", "tools"}}
	}
}

func TestLocalGenerateWithoutTools(t *testing.T) {
	f, srv := newFakeOllama(t)
	f.replies["/api/generate"] = func(body map[string]any) any {
		return map[string]any{"response": "hi there", "prompt_eval_count": 7, "eval_count": 3}
	}
	gate := &fakeGate{}
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "qwen2.5:7b"}, WithGate(gate))

	var streamed string
	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "hello", OnToken: func(s string) { streamed += s }})
	require.True(t, resp.Success, resp.Text)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, "hi there", streamed)
	assert.Equal(t, 10, resp.Tokens)
	assert.Zero(t, resp.CostUSD)
	assert.Equal(t, []string{"qwen2.5:7b"}, gate.acquired)
	assert.Equal(t, []error{nil}, gate.released)
	assert.Equal(t, "hello", f.bodies["/api/generate"][0]["prompt"])
}

func TestLocalToolLoop(t *testing.T) {
	f, srv := newFakeOllama(t)
	withTools(f)
	round := 0
	f.replies["/api/chat"] = func(body map[string]any) any {
		round++
		if round == 1 {
			assert.Len(t, body["tools"], 1)
			return toolCallReply("main.go")
		}
		msgs := body["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		assert.Equal(t, "tool", last["role"])
		assert.Equal(t, "package main", last["content"])
		return map[string]any{"message": map[string]any{"role": "assistant", "content": "It is a main package."}, "eval_count": 5}
	}
	host := &fakeTools{}
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "m", ToolsEnabled: true}, WithTools(host))

	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "what is main.go?"})
	require.True(t, resp.Success, resp.Text)
	assert.Equal(t, "It is a main package.", resp.Text)
	assert.Equal(t, []string{"read_file(main.go)"}, host.calls)
	assert.Equal(t, 2, round)
}

func TestLocalToolErrorsAreFedBack(t *testing.T) {
	f, srv := newFakeOllama(t)
	withTools(f)
	round := 0
	f.replies["/api/chat"] = func(body map[string]any) any {
		round++
		if round == 1 {
			return toolCallReply("missing.go")
		}
		msgs := body["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		assert.Equal(t, "error: not found", last["content"])
		return map[string]any{"message": map[string]any{"role": "assistant", "content": "File is missing."}}
	}
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "m", ToolsEnabled: true}, WithTools(&fakeTools{}))
	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "read missing.go"})
	require.True(t, resp.Success)
	assert.Equal(t, "File is missing.", resp.Text)
}

func TestLocalToolLoopCap(t *testing.T) {
	f, srv := newFakeOllama(t)
	withTools(f)
	rounds := 0
	f.replies["/api/chat"] = func(map[string]any) any {
		rounds++
		reply := toolCallReply("main.go")
		reply["message"].(map[string]any)["content"] = "still looking"
		return reply
	}
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "m", ToolsEnabled: true}, WithTools(&fakeTools{}))

	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "loop forever"})
	require.True(t, resp.Success)
	assert.Equal(t, DefaultMaxToolIterations, rounds)
	assert.Contains(t, resp.Text, "still looking")
	assert.Contains(t, resp.Text, "[warning] tool iteration limit (15) reached")
	assert.NotEmpty(t, resp.Metadata["warnings"])
}

func TestLocalSkipsToolsWhenModelLacksCapability(t *testing.T) {
	f, srv := newFakeOllama(t)
	f.replies["/api/show"] = func(map[string]any) any { return map[string]any{"capabilities": []string{"completion"}} }
	f.replies["/api/generate"] = func(map[string]any) any { return map[string]any{"response": "plain"} }
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "m", ToolsEnabled: true}, WithTools(&fakeTools{}))

	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "hi"})
	require.True(t, resp.Success)
	assert.Equal(t, "plain", resp.Text)
	assert.Empty(t, f.bodies["/api/chat"])
}

func TestLocalGateRefusal(t *testing.T) {
	_, srv := newFakeOllama(t)
	gate := &fakeGate{acquireErr: errors.New("cooling down")}
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "m"}, WithGate(gate))

	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "hi"})
	assert.False(t, resp.Success)
	assert.Equal(t, KindModelNotAvailable, resp.ErrorKind)
	assert.Empty(t, gate.released)
}

func TestLocalFailureReleasesGateWithError(t *testing.T) {
	_, srv := newFakeOllama(t) // no /api/generate reply: 404
	gate := &fakeGate{}
	a := NewLocalAdapter(NewOllamaClient(srv.URL), LocalConfig{Model: "m"}, WithGate(gate))

	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "hi"})
	assert.False(t, resp.Success)
	require.Len(t, gate.released, 1)
	assert.Equal(t, resp.ErrorKind, ClassifyError(gate.released[0]))
}

func TestLocalRequiresModel(t *testing.T) {
	a := NewLocalAdapter(NewOllamaClient(""), LocalConfig{})
	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "hi"})
	assert.Equal(t, KindNotConfigured, resp.ErrorKind)
}
