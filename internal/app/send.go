package app

import (
	"context"

	"github.com/normanking/helix/internal/autollm"
	"github.com/normanking/helix/internal/bus"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/memory"
	"github.com/normanking/helix/internal/orchestrator"
	"github.com/normanking/helix/internal/rag"
)

// SendOptions extend the executor options with hybrid auto-selection.
type SendOptions struct {
	orchestrator.Options

	// Auto lets the hybrid router pick the backend when none is forced.
	Auto       bool
	Complexity autollm.Complexity
}

// Send runs one request through memory enrichment and the routing
// executor, then records both sides of the turn.
func (a *App) Send(ctx context.Context, req llm.Request, opts SendOptions) (llm.Response, orchestrator.Decision) {
	if opts.Auto && opts.ForcedBackend == "" {
		if err := a.Availability.RefreshIfStale(ctx); err != nil {
			a.log.Debug().Err(err).Msg("availability refresh failed")
		}
		sel := a.Hybrid.Select(autollm.Request{
			Complexity:      opts.Complexity,
			EstimatedTokens: estimateTokens(req.Text),
		})
		opts.ForcedBackend = sel.Backend
		if _, ok := req.ContextFloat("estimated_cost_usd"); !ok && sel.EstimatedCost > 0 {
			req = withContext(req, "estimated_cost_usd", sel.EstimatedCost)
		}
		a.log.Info().Str("backend", sel.Backend).Str("reason", string(sel.Reason)).Msg(sel.ReasonDetail)
	}

	resp, d := a.Executor.Execute(ctx, a.Memory.Enrich(ctx, req), opts.Options)

	a.observe(ctx, memory.Turn{SessionID: req.SessionID, Role: "user", Content: req.Text})
	if resp.Success {
		a.observe(ctx, memory.Turn{SessionID: req.SessionID, Role: "assistant", Content: resp.Text, Backend: d.FinalBackend})
	}
	return resp, d
}

func (a *App) observe(ctx context.Context, turn memory.Turn) {
	if _, err := a.Memory.Observe(ctx, turn); err != nil {
		a.log.Warn().Err(err).Str("session", turn.SessionID).Str("role", turn.Role).Msg("memory observe failed")
	}
}

// StartBuild starts a RAG build and mirrors its events onto the bus.
func (a *App) StartBuild(ctx context.Context, opts rag.BuildOptions) <-chan rag.Event {
	src := a.Builder.Start(ctx, opts)
	out := make(chan rag.Event, cap(src))
	go func() {
		defer close(out)
		for ev := range src {
			a.Bus.Emit(bus.EventBuild, "rag", ev)
			out <- ev
		}
	}()
	return out
}

// observeBuilds counts finished builds, whichever surface started them.
func (a *App) observeBuilds() {
	a.Bus.Subscribe(bus.EventBuild, func(e bus.Event) {
		if ev, ok := e.Payload.(rag.Event); ok && ev.Type == rag.EventBuildCompleted {
			a.Exporter.ObserveBuild(ev.Status)
		}
	})
}

// estimateTokens is the usual four-characters-per-token approximation.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

func withContext(req llm.Request, key string, value any) llm.Request {
	ctx := make(map[string]any, len(req.Context)+1)
	for k, v := range req.Context {
		ctx[k] = v
	}
	ctx[key] = value
	req.Context = ctx
	return req
}
