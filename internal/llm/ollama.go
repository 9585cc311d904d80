package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultOllamaEndpoint is the local Ollama daemon address.
const DefaultOllamaEndpoint = "http://localhost:11434"

// TimeoutConfig bounds the Ollama calls.
//
// Generation includes cold-start model loading, which can take well over a
// minute for large models.
type TimeoutConfig struct {
	Probe      time.Duration // /api/tags, /api/show
	Embed      time.Duration
	Generation time.Duration
}

// DefaultTimeoutConfig returns the timeouts for a local daemon.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Probe:      5 * time.Second,
		Embed:      15 * time.Second,
		Generation: 180 * time.Second,
	}
}

// RemoteTimeoutConfig returns longer timeouts for an Ollama server reached
// over the network.
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Probe:      15 * time.Second,
		Embed:      45 * time.Second,
		Generation: 300 * time.Second,
	}
}

// isRemoteEndpoint reports whether endpoint points away from this host.
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "":
		return false
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ═══════════════════════════════════════════════════════════════════════════════

// OllamaClient talks to the Ollama HTTP API.
type OllamaClient struct {
	endpoint string
	client   *http.Client
	timeouts TimeoutConfig
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithTimeoutConfig overrides the call timeouts.
func WithTimeoutConfig(cfg TimeoutConfig) OllamaOption {
	return func(c *OllamaClient) { c.timeouts = cfg }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) OllamaOption {
	return func(c *OllamaClient) { c.client = hc }
}

// NewOllamaClient creates a client for endpoint (DefaultOllamaEndpoint when
// empty).
func NewOllamaClient(endpoint string, opts ...OllamaOption) *OllamaClient {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	c := &OllamaClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
		timeouts: DefaultTimeoutConfig(),
	}
	if isRemoteEndpoint(endpoint) {
		c.timeouts = RemoteTimeoutConfig()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the base URL.
func (c *OllamaClient) Endpoint() string { return c.endpoint }

// OllamaModel is one entry of /api/tags.
type OllamaModel struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

type ollamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// Tags lists installed models.
func (c *OllamaClient) Tags(ctx context.Context) ([]OllamaModel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Probe)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, withKind(KindConnectionError, "ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &StatusError{Provider: "ollama", Status: resp.StatusCode, Body: string(b)}
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, withKind(KindParseError, "decode tags: %w", err)
	}
	return tags.Models, nil
}

// Available reports whether the daemon answers /api/tags.
func (c *OllamaClient) Available(ctx context.Context) bool {
	_, err := c.Tags(ctx)
	return err == nil
}

// HasModel reports whether model is installed. A tag-less name matches any
// tag of that model.
func (c *OllamaClient) HasModel(ctx context.Context, model string) (bool, error) {
	models, err := c.Tags(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == model || (!strings.Contains(model, ":") && strings.HasPrefix(m.Name, model+":")) {
			return true, nil
		}
	}
	return false, nil
}

type ollamaShowResponse struct {
	Capabilities []string `json:"capabilities"`
	Details      struct {
		Family        string `json:"family"`
		ParameterSize string `json:"parameter_size"`
	} `json:"details"`
}

// Capabilities returns what /api/show reports for model, e.g. "completion",
// "tools", "embedding".
func (c *OllamaClient) Capabilities(ctx context.Context, model string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Probe)
	defer cancel()
	var out ollamaShowResponse
	if err := postJSON(ctx, c.client, "ollama", c.endpoint+"/api/show", nil, map[string]string{"model": model}, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

// SupportsTools reports whether model advertises native tool calling.
func (c *OllamaClient) SupportsTools(ctx context.Context, model string) bool {
	caps, err := c.Capabilities(ctx, model)
	if err != nil {
		return false
	}
	for _, cp := range caps {
		if cp == "tools" {
			return true
		}
	}
	return false
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector of text.
func (c *OllamaClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Embed)
	defer cancel()
	var out ollamaEmbedResponse
	if err := postJSON(ctx, c.client, "ollama", c.endpoint+"/api/embed", nil, ollamaEmbedRequest{Model: model, Input: text}, &out); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, withKind(KindParseError, "embed: %w", fmt.Errorf("empty embedding for model %s", model))
	}
	return out.Embeddings[0], nil
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	Format    string         `json:"format,omitempty"`
	KeepAlive any            `json:"keep_alive,omitempty"`
	Options   *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// GenerateOptions tunes a one-shot completion.
type GenerateOptions struct {
	System      string
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// Generate runs a non-streaming completion and returns the text with the
// prompt and completion token counts.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (chatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Generation)
	defer cancel()
	body := ollamaGenerateRequest{Model: model, Prompt: prompt, System: opts.System}
	if opts.JSON {
		body.Format = "json"
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	var out ollamaGenerateResponse
	if err := postJSON(ctx, c.client, "ollama", c.endpoint+"/api/generate", nil, body, &out); err != nil {
		return chatResult{}, err
	}
	return chatResult{Text: out.Response, InputTokens: out.PromptEvalCount, OutputTokens: out.EvalCount}, nil
}

// Complete is Generate returning only the text.
func (c *OllamaClient) Complete(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error) {
	res, err := c.Generate(ctx, model, prompt, opts)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Load asks the daemon to keep model resident for keepAlive.
func (c *OllamaClient) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Generation)
	defer cancel()
	body := ollamaGenerateRequest{Model: model, KeepAlive: formatKeepAlive(keepAlive)}
	if err := postJSON(ctx, c.client, "ollama", c.endpoint+"/api/generate", nil, body, nil); err != nil {
		return fmt.Errorf("load %s: %w", model, err)
	}
	return nil
}

// Unload evicts model from memory.
func (c *OllamaClient) Unload(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Probe)
	defer cancel()
	body := map[string]any{"model": model, "keep_alive": 0, "stream": false}
	if err := postJSON(ctx, c.client, "ollama", c.endpoint+"/api/generate", nil, body, nil); err != nil {
		return fmt.Errorf("unload %s: %w", model, err)
	}
	return nil
}

func formatKeepAlive(d time.Duration) string {
	if d <= 0 {
		d = 5 * time.Minute
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT WITH TOOLS
// ═══════════════════════════════════════════════════════════════════════════════

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []OllamaToolDef `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
}

// OllamaToolDef declares a function the model may call.
type OllamaToolDef struct {
	Type     string            `json:"type"`
	Function OllamaFunctionDef `json:"function"`
}

// OllamaFunctionDef describes the callable function.
type OllamaFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// OllamaToolCall is a function call emitted by the model.
type OllamaToolCall struct {
	Function OllamaFunctionCall `json:"function"`
}

// OllamaFunctionCall carries the call name and JSON arguments.
type OllamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Args decodes the arguments object. Some models send it as a JSON string.
func (f OllamaFunctionCall) Args() (map[string]any, error) {
	if len(f.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(f.Arguments, &args); err == nil {
		return args, nil
	}
	var s string
	if err := json.Unmarshal(f.Arguments, &s); err != nil {
		return nil, fmt.Errorf("decode arguments of %s: %w", f.Name, err)
	}
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, fmt.Errorf("decode arguments of %s: %w", f.Name, err)
	}
	return args, nil
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// chat sends one non-streaming /api/chat round.
func (c *OllamaClient) chat(ctx context.Context, model string, msgs []ollamaMessage, tools []OllamaToolDef) (ollamaChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Generation)
	defer cancel()
	var out ollamaChatResponse
	err := postJSON(ctx, c.client, "ollama", c.endpoint+"/api/chat", nil,
		ollamaChatRequest{Model: model, Messages: msgs, Tools: tools}, &out)
	return out, err
}
