package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/models"
)

func cloudServer(t *testing.T, status int, reply any, check func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(r, body)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicSendComputesCost(t *testing.T) {
	srv := cloudServer(t, http.StatusOK, map[string]any{
		"content":     []map[string]any{{"type": "text", "text": "done"}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 1000, "output_tokens": 500},
	}, func(r *http.Request, body map[string]any) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Contains(t, body["system"], "You are implementing.")
		msgs := body["messages"].([]any)
		assert.Len(t, msgs, 3)
	})

	prices := models.FromCatalog(config.DefaultCloudModels())
	a := NewCloudAPIAdapter(CloudConfig{
		Name: "claude-sonnet", Vendor: VendorAnthropic, Model: "claude-sonnet-4-5",
		APIKey: "test-key", Endpoint: srv.URL,
	}, prices)

	resp := a.Send(context.Background(), Request{
		SessionID: "s",
		Phase:     "implement",
		Text:      "add a flag",
		Context: map[string]any{"recent_history": []any{
			map[string]any{"role": "user", "content": "earlier"},
			map[string]any{"role": "assistant", "content": "ok"},
		}},
	})
	require.True(t, resp.Success, resp.Text)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 1500, resp.Tokens)
	assert.InDelta(t, 0.0105, resp.CostUSD, 1e-9)
}

func TestCloudMissingKey(t *testing.T) {
	a := NewCloudAPIAdapter(CloudConfig{Name: "gemini-pro", Vendor: VendorGemini, Model: "gemini-2.5-pro"}, nil)
	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "x"})
	assert.False(t, resp.Success)
	assert.Equal(t, KindAPIKeyMissing, resp.ErrorKind)
}

func TestCloudStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   any
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, map[string]any{"error": "slow down"}, KindRateLimit},
		{http.StatusUnauthorized, map[string]any{"error": "bad key"}, KindAuthentication},
		{529, map[string]any{"error": "busy"}, KindOverloaded},
		{http.StatusNotFound, map[string]any{"error": "model not found"}, KindModelNotAvailable},
		{http.StatusInternalServerError, map[string]any{"error": "oops"}, KindHTTPError},
	}
	for _, tc := range cases {
		srv := cloudServer(t, tc.status, tc.body, nil)
		a := NewCloudAPIAdapter(CloudConfig{Name: "openai-gpt", Vendor: VendorOpenAI, Model: "gpt-4.1", APIKey: "k", Endpoint: srv.URL}, nil)
		resp := a.Send(context.Background(), Request{SessionID: "s", Text: "x"})
		assert.Equal(t, tc.want, resp.ErrorKind, "status %d", tc.status)
	}
}

func TestGeminiSend(t *testing.T) {
	srv := cloudServer(t, http.StatusOK, map[string]any{
		"candidates":    []map[string]any{{"content": map[string]any{"parts": []map[string]any{{"text": "found it"}}}, "finishReason": "STOP"}},
		"usageMetadata": map[string]any{"promptTokenCount": 10, "candidatesTokenCount": 4},
	}, func(r *http.Request, _ map[string]any) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))
	})
	a := NewCloudAPIAdapter(CloudConfig{Name: "gemini-flash", Vendor: VendorGemini, Model: "gemini-2.5-flash", APIKey: "g-key", Endpoint: srv.URL}, nil)
	resp := a.Send(context.Background(), Request{SessionID: "s", Text: "look up"})
	require.True(t, resp.Success)
	assert.Equal(t, "found it", resp.Text)
	assert.Equal(t, 14, resp.Tokens)
	assert.Zero(t, resp.CostUSD)
}

func TestFailureMasksKeys(t *testing.T) {
	resp := Failure(KindAuthentication, "invalid key sk-ant-REDACTED", time.Now())
	assert.NotContains(t, resp.Text, "abcdefghijklmnop")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCloudAPIAdapter(CloudConfig{Name: "claude-opus", Vendor: VendorAnthropic}, nil))
	r.Register(NewCLIAdapter(CLIConfig{Vendor: CLIGemini}))

	assert.Equal(t, []string{"claude-opus", "gemini-cli"}, r.Names())
	assert.True(t, r.Has("gemini-cli"))
	a, err := r.Get("claude-opus")
	require.NoError(t, err)
	assert.True(t, IsNetworked(a))
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
