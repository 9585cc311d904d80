package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/tools"
)

// DefaultMaxToolIterations caps model/tool round trips per request.
const DefaultMaxToolIterations = 15

// LocalGate is consulted before and after every local inference. The local
// LLM lifecycle manager implements it.
type LocalGate interface {
	// Acquire blocks while the model is throttled and loads it when idle.
	// It fails when the model cannot serve (cooling down, unloading).
	Acquire(ctx context.Context, model string) error
	// Release reports the outcome of the inference.
	Release(err error)
}

// ToolHost exposes sandboxed tools to the local model.
type ToolHost interface {
	Specs() []tools.Spec
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// LocalConfig configures a LocalAdapter.
type LocalConfig struct {
	Name              string
	Model             string
	ToolsEnabled      bool
	MaxToolIterations int
}

// LocalAdapter runs requests on the local Ollama daemon, optionally with a
// native tool-calling loop. Local inference is free.
type LocalAdapter struct {
	cfg    LocalConfig
	client *OllamaClient
	gate   LocalGate
	tools  ToolHost
	log    zerolog.Logger
}

// LocalOption configures a LocalAdapter.
type LocalOption func(*LocalAdapter)

// WithGate installs the lifecycle gate.
func WithGate(g LocalGate) LocalOption {
	return func(a *LocalAdapter) { a.gate = g }
}

// WithTools installs the tool host.
func WithTools(h ToolHost) LocalOption {
	return func(a *LocalAdapter) { a.tools = h }
}

// NewLocalAdapter creates the local adapter.
func NewLocalAdapter(client *OllamaClient, cfg LocalConfig, opts ...LocalOption) *LocalAdapter {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	a := &LocalAdapter{
		cfg:    cfg,
		client: client,
		log:    logging.Component("llm.local"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the backend name.
func (a *LocalAdapter) Name() string { return a.cfg.Name }

// Kind returns KindLocal.
func (a *LocalAdapter) Kind() Kind { return KindLocal }

// Model returns the default model.
func (a *LocalAdapter) Model() string { return a.cfg.Model }

// Send runs one local inference.
func (a *LocalAdapter) Send(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return Failure(KindInvalid, err.Error(), start)
	}
	model := req.ContextString("model")
	if model == "" {
		model = a.cfg.Model
	}
	if model == "" {
		return Failure(KindNotConfigured, "no local model configured", start)
	}

	if a.gate != nil {
		if err := a.gate.Acquire(ctx, model); err != nil {
			kind := ClassifyError(err)
			if kind == KindUnknown {
				kind = KindModelNotAvailable
			}
			return Failure(kind, err.Error(), start)
		}
		defer func() {
			var err error
			if !resp.Success {
				err = &KindError{Kind: resp.ErrorKind, Err: errors.New(resp.Text)}
			}
			a.gate.Release(err)
		}()
	}

	var (
		res      chatResult
		warnings []string
		err      error
	)
	if a.useTools(ctx, req, model) {
		res, warnings, err = a.toolLoop(ctx, req, model)
	} else {
		res, err = a.client.Generate(ctx, model, withAttachments(req), GenerateOptions{System: BuildSystemPrompt(req)})
	}
	if err != nil {
		kind := ClassifyError(err)
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = KindInterrupted
		}
		a.log.Warn().Str("model", model).Str("kind", string(kind)).Err(err).Msg("local inference failed")
		return Failure(kind, enrich(kind, err.Error()), start)
	}

	text := res.Text
	for _, w := range warnings {
		text += "\n\n[warning] " + w
	}
	if req.OnToken != nil {
		req.OnToken(text)
	}
	meta := map[string]any{
		"model":         model,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	}
	if len(warnings) > 0 {
		meta["warnings"] = warnings
	}
	return Response{
		Success:   true,
		Text:      text,
		ElapsedMS: time.Since(start).Milliseconds(),
		Tokens:    res.InputTokens + res.OutputTokens,
		Metadata:  meta,
	}
}

func (a *LocalAdapter) useTools(ctx context.Context, req Request, model string) bool {
	if a.tools == nil || !a.cfg.ToolsEnabled || req.Toggle("no_tools") {
		return false
	}
	return a.client.SupportsTools(ctx, model)
}

// toolLoop alternates model turns and tool invocations until the model
// answers without calling a tool or the iteration cap is reached.
func (a *LocalAdapter) toolLoop(ctx context.Context, req Request, model string) (chatResult, []string, error) {
	defs := toolDefs(a.tools.Specs())
	msgs := []ollamaMessage{{Role: "system", Content: BuildSystemPrompt(req)}}
	for _, m := range recentHistory(req) {
		msgs = append(msgs, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: withAttachments(req)})

	var total chatResult
	var last string
	for i := 0; i < a.cfg.MaxToolIterations; i++ {
		out, err := a.client.chat(ctx, model, msgs, defs)
		if err != nil {
			return total, nil, err
		}
		total.InputTokens += out.PromptEvalCount
		total.OutputTokens += out.EvalCount
		if strings.TrimSpace(out.Message.Content) != "" {
			last = out.Message.Content
		}
		if len(out.Message.ToolCalls) == 0 {
			total.Text = out.Message.Content
			return total, nil, nil
		}

		msgs = append(msgs, out.Message)
		for _, call := range out.Message.ToolCalls {
			msgs = append(msgs, ollamaMessage{Role: "tool", Content: a.invoke(ctx, call)})
		}
	}

	total.Text = last
	warn := fmt.Sprintf("tool iteration limit (%d) reached; answer may be incomplete", a.cfg.MaxToolIterations)
	a.log.Warn().Str("model", model).Int("iterations", a.cfg.MaxToolIterations).Msg("tool loop cap reached")
	return total, []string{warn}, nil
}

func (a *LocalAdapter) invoke(ctx context.Context, call OllamaToolCall) string {
	args, err := call.Function.Args()
	if err != nil {
		return "error: " + err.Error()
	}
	a.log.Debug().Str("tool", call.Function.Name).Msg("invoking tool")
	out, err := a.tools.Invoke(ctx, call.Function.Name, args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

func toolDefs(specs []tools.Spec) []OllamaToolDef {
	defs := make([]OllamaToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, OllamaToolDef{
			Type: "function",
			Function: OllamaFunctionDef{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return defs
}
