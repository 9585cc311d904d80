// Package llm implements the backend adapter family: cloud HTTP APIs,
// vendor CLI subprocesses, and the local Ollama-compatible daemon. Every
// adapter exposes one operation, Send, with a uniform request/response
// envelope.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/normanking/helix/internal/logging"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits total response size (50MB)
	MaxResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENVELOPES
// ═══════════════════════════════════════════════════════════════════════════════

// Request is the immutable call envelope handed to every adapter.
type Request struct {
	SessionID   string          `json:"session_id"`
	Phase       string          `json:"phase,omitempty"`
	Text        string          `json:"text"`
	Attachments []string        `json:"attachments,omitempty"`
	Toggles     map[string]bool `json:"toggles,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`

	// OnToken receives streamed output where the adapter supports it.
	OnToken func(string) `json:"-"`
}

// Sentinel errors.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownBackend  = errors.New("unknown backend")
	ErrCLINotAvailable = errors.New("cli not available")
)

// Validate enforces non-empty session id and text.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.Join(ErrInvalidRequest, errors.New("session id is empty"))
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.Join(ErrInvalidRequest, errors.New("text is empty"))
	}
	return nil
}

// Toggle returns a named toggle, false when unset.
func (r Request) Toggle(name string) bool {
	return r.Toggles[name]
}

// WithText returns a copy with different user text. Maps are shared.
func (r Request) WithText(text string) Request {
	r.Text = text
	return r
}

// ContextString reads a string context field.
func (r Request) ContextString(key string) string {
	if v, ok := r.Context[key].(string); ok {
		return v
	}
	return ""
}

// ContextFloat reads a numeric context field.
func (r Request) ContextFloat(key string) (float64, bool) {
	switch v := r.Context[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Response is returned by every adapter. Success=false always carries an
// ErrorKind.
type Response struct {
	Success   bool           `json:"success"`
	Text      string         `json:"text"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Tokens    int            `json:"tokens,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Failure builds a failed response with a masked message.
func Failure(kind ErrorKind, msg string, start time.Time) Response {
	if kind == "" {
		kind = KindUnknown
	}
	return Response{
		Success:   false,
		Text:      logging.Mask(msg),
		ElapsedMS: time.Since(start).Milliseconds(),
		ErrorKind: kind,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════

// Kind distinguishes the adapter variants.
type Kind string

const (
	KindCloudAPI Kind = "cloud_api"
	KindCloudCLI Kind = "cloud_cli"
	KindLocal    Kind = "local"
)

// Adapter is one way to run a model call. Send never panics and never
// returns a Go error: failures are folded into the Response.
type Adapter interface {
	Name() string
	Kind() Kind
	Send(ctx context.Context, req Request) Response
}

// Stopper is implemented by adapters with an explicit interrupt.
type Stopper interface {
	Stop()
}

// IsNetworked reports whether the adapter reaches a remote service.
func IsNetworked(a Adapter) bool {
	return a.Kind() != KindLocal
}

// Message is a chat message shared by the HTTP clients.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system", "tool"
	Content string `json:"content"`
}

// chatRequest is the provider-neutral request the cloud clients accept.
type chatRequest struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// chatResult is what a cloud client returns.
type chatResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// chatClient is implemented by each vendor HTTP client.
type chatClient interface {
	chat(ctx context.Context, req chatRequest) (chatResult, error)
}
