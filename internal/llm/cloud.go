package llm

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOUD API ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultMaxTokens is the fixed output cap for cloud API calls.
	DefaultMaxTokens = 8192

	// maxHistoryMessages bounds the recent history forwarded to the vendor.
	maxHistoryMessages = 10
)

// Vendor identifies a cloud HTTP provider.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic" // cloud-A
	VendorGemini    Vendor = "gemini"    // cloud-B
	VendorOpenAI    Vendor = "openai"    // cloud-C
)

// CloudConfig configures a CloudAPIAdapter.
type CloudConfig struct {
	Name      string // backend name, e.g. "claude-sonnet"
	Vendor    Vendor
	Model     string
	APIKey    string
	Endpoint  string // defaults per vendor
	MaxTokens int
	Timeout   time.Duration // 0 leaves the HTTP client without a deadline
}

// CloudAPIAdapter calls a vendor chat endpoint over HTTPS.
type CloudAPIAdapter struct {
	cfg    CloudConfig
	client chatClient
	prices models.PriceLookup
	log    zerolog.Logger
}

// NewCloudAPIAdapter builds an adapter. A missing API key is not an error
// here: Send reports APIKeyMissing so the executor can fall back.
func NewCloudAPIAdapter(cfg CloudConfig, prices models.PriceLookup) *CloudAPIAdapter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var client chatClient
	switch cfg.Vendor {
	case VendorAnthropic:
		if cfg.Endpoint == "" {
			cfg.Endpoint = AnthropicEndpoint
		}
		client = &anthropicClient{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, http: httpClient}
	case VendorGemini:
		if cfg.Endpoint == "" {
			cfg.Endpoint = GeminiEndpoint
		}
		client = &geminiClient{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, http: httpClient}
	case VendorOpenAI:
		if cfg.Endpoint == "" {
			cfg.Endpoint = OpenAIEndpoint
		}
		client = &openAIClient{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, http: httpClient}
	}

	return &CloudAPIAdapter{
		cfg:    cfg,
		client: client,
		prices: prices,
		log:    logging.Component("llm.cloud").With().Str("backend", cfg.Name).Logger(),
	}
}

// Name returns the backend name.
func (a *CloudAPIAdapter) Name() string { return a.cfg.Name }

// Kind returns KindCloudAPI.
func (a *CloudAPIAdapter) Kind() Kind { return KindCloudAPI }

// Model returns the vendor model id.
func (a *CloudAPIAdapter) Model() string { return a.cfg.Model }

// Send performs one chat call.
func (a *CloudAPIAdapter) Send(ctx context.Context, req Request) Response {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return Failure(KindInvalid, err.Error(), start)
	}
	if a.client == nil {
		return Failure(KindClientInitError, fmt.Sprintf("unsupported vendor %q", a.cfg.Vendor), start)
	}
	if a.cfg.APIKey == "" {
		return Failure(KindAPIKeyMissing, fmt.Sprintf("%s API key not configured", a.cfg.Vendor), start)
	}

	creq := chatRequest{
		Model:     a.cfg.Model,
		System:    BuildSystemPrompt(req),
		Messages:  append(recentHistory(req), Message{Role: "user", Content: withAttachments(req)}),
		MaxTokens: a.cfg.MaxTokens,
	}

	a.log.Debug().Str("session", req.SessionID).Str("phase", req.Phase).Int("messages", len(creq.Messages)).Msg("cloud send")
	res, err := a.client.chat(ctx, creq)
	if err != nil {
		kind := ClassifyError(err)
		a.log.Warn().Str("kind", string(kind)).Msg(logging.Mask(err.Error()))
		return Failure(kind, enrich(kind, err.Error()), start)
	}

	var cost float64
	if a.prices != nil {
		cost, _ = a.prices.EstimateCost(a.cfg.Model, res.InputTokens, res.OutputTokens)
	}
	if req.OnToken != nil {
		req.OnToken(res.Text)
	}
	return Response{
		Success:   true,
		Text:      res.Text,
		ElapsedMS: time.Since(start).Milliseconds(),
		Tokens:    res.InputTokens + res.OutputTokens,
		CostUSD:   cost,
		Metadata: map[string]any{
			"model":         a.cfg.Model,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
			"stop_reason":   res.StopReason,
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROMPT ASSEMBLY
// ═══════════════════════════════════════════════════════════════════════════════

// phaseInstructions are prepended to the system prompt per workflow phase.
var phaseInstructions = map[string]string{
	"plan":      "You are planning. Produce an ordered, verifiable plan before any code.",
	"implement": "You are implementing. Produce complete, working changes.",
	"verify":    "You are verifying. Check the work against its requirements and report defects.",
	"review":    "You are reviewing. Point out bugs, risks and missing tests.",
}

// BuildSystemPrompt assembles the system prompt from the phase and the
// project_info / related_files context fields.
func BuildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are Helix, an engineering assistant.")
	if inst, ok := phaseInstructions[strings.ToLower(req.Phase)]; ok {
		b.WriteString("\n\n")
		b.WriteString(inst)
	}
	if info := req.ContextString("project_info"); info != "" {
		b.WriteString("\n\n## Project\n")
		b.WriteString(info)
	}
	if files := stringList(req.Context["related_files"]); len(files) > 0 {
		b.WriteString("\n\n## Related files\n")
		for _, f := range files {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	if facts := stringList(req.Context["memory_facts"]); len(facts) > 0 {
		b.WriteString("\n\n## Known facts\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	if patterns := stringList(req.Context["memory_patterns"]); len(patterns) > 0 {
		b.WriteString("\n\n## Reusable patterns\n")
		for _, p := range patterns {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// recentHistory converts context["recent_history"] into messages, keeping
// the last maxHistoryMessages.
func recentHistory(req Request) []Message {
	var out []Message
	switch h := req.Context["recent_history"].(type) {
	case []Message:
		out = append(out, h...)
	case []any:
		for _, item := range h {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if role == "" || content == "" {
				continue
			}
			out = append(out, Message{Role: role, Content: content})
		}
	}
	if len(out) > maxHistoryMessages {
		out = out[len(out)-maxHistoryMessages:]
	}
	return out
}

func withAttachments(req Request) string {
	if len(req.Attachments) == 0 {
		return req.Text
	}
	var b strings.Builder
	b.WriteString(req.Text)
	b.WriteString("\n\nAttachments:")
	for _, a := range req.Attachments {
		b.WriteString("\n- ")
		b.WriteString(filepath.Base(a))
	}
	return b.String()
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
