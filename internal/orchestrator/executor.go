package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/budget"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/metrics"
	"github.com/normanking/helix/internal/prompts"
	"github.com/normanking/helix/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING EXECUTOR
// ═══════════════════════════════════════════════════════════════════════════════

// Backends resolves backend names to adapters.
type Backends interface {
	Get(name string) (llm.Adapter, error)
}

// Config wires the executor's collaborators. Budget, Metrics, Packs,
// LocalProbe and OnDecision are optional.
type Config struct {
	Backends   Backends
	Classifier *router.Classifier
	Router     *router.BackendRouter
	Fallback   *router.FallbackManager
	Policy     *PolicyChecker
	Packs      *prompts.Registry
	Budget     *budget.Breaker
	Metrics    *metrics.Recorder
	Decisions  *DecisionLogger

	// LocalProbe reports whether the local backend can serve right now.
	LocalProbe func(ctx context.Context) bool
	// OnDecision is called after every finalized decision.
	OnDecision func(Decision)
	// Now overrides the clock.
	Now func() time.Time
}

// Options are per-request routing inputs.
type Options struct {
	ForcedBackend string
	Approvals     ApprovalSnapshot
	Project       string
}

// Executor performs every send. Execute never returns an error: every
// path ends in a finalized decision and a response.
type Executor struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*call
}

// call is one in-flight Execute.
type call struct {
	cancel  context.CancelFunc
	adapter llm.Adapter
}

// NewExecutor creates an executor. Missing classifier, router, fallback
// manager and policy checker are replaced with defaults.
func NewExecutor(cfg Config) *Executor {
	if cfg.Classifier == nil {
		cfg.Classifier = router.NewClassifier()
	}
	if cfg.Router == nil {
		cfg.Router = router.NewBackendRouter(nil, nil)
	}
	if cfg.Fallback == nil {
		cfg.Fallback = router.NewFallbackManager()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewPolicyChecker(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{cfg: cfg, calls: map[uint64]*call{}, log: logging.Component("orchestrator")}
}

// Stop interrupts every in-flight send.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.calls {
		c.cancel()
		if s, ok := c.adapter.(llm.Stopper); ok {
			s.Stop()
		}
	}
}

// track registers an in-flight call and returns it with its deregister func.
func (e *Executor) track(cancel context.CancelFunc) (*call, func()) {
	c := &call{cancel: cancel}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.calls[id] = c
	e.mu.Unlock()
	return c, func() {
		e.mu.Lock()
		delete(e.calls, id)
		e.mu.Unlock()
	}
}

// Inflight returns the number of sends currently running.
func (e *Executor) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Execute classifies, routes, checks budget and policy, then dispatches
// with fallback.
func (e *Executor) Execute(ctx context.Context, req llm.Request, opts Options) (llm.Response, Decision) {
	start := e.cfg.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, done := e.track(cancel)
	defer done()

	task, confidence := e.cfg.Classifier.Classify(req.Phase, req.Text)
	sel := e.cfg.Router.Route(task, req.Phase, opts.ForcedBackend, opts.Project)
	approvals := DefaultApprovals().Overlay(opts.Approvals)

	d := Decision{
		ID:            uuid.NewString(),
		Timestamp:     start,
		SessionID:     req.SessionID,
		Phase:         req.Phase,
		TaskType:      task.String(),
		Confidence:    confidence,
		Backend:       sel.Backend,
		UserForced:    sel.Forced,
		Reasons:       sel.Reasons,
		FallbackChain: []string{sel.Backend},
		FinalStatus:   StatusPending,
		Approvals:     approvals,
		Preset:        sel.Preset,
	}
	if e.cfg.LocalProbe != nil {
		d.LocalAvailable = e.cfg.LocalProbe(ctx)
	}

	if err := req.Validate(); err != nil {
		resp := llm.Failure(llm.KindInvalid, err.Error(), start)
		return e.finalize(d, resp, StatusError, start)
	}

	if e.cfg.Budget != nil {
		estimate, _ := req.ContextFloat("estimated_cost_usd")
		switch e.cfg.Budget.CheckBeforeSend(estimate) {
		case budget.HardStop:
			resp := llm.Failure(llm.KindBudgetExceeded, "budget hard stop reached; send refused", start)
			d.Reasons = append(d.Reasons, "budget=hard_stop")
			return e.finalize(d, resp, StatusBlocked, start)
		case budget.Warning:
			d.Reasons = append(d.Reasons, "budget=warning")
		}
	}

	if res := e.cfg.Policy.CheckTaskExecution(task, sel.Backend, req.Context, approvals); !res.Allowed {
		d.MissingScopes = res.Missing
		resp := llm.Failure(llm.KindPolicyViolation, res.Reason, start)
		return e.finalize(d, resp, StatusBlocked, start)
	}

	resp, tried := e.dispatch(ctx, c, req, task, sel.Backend, approvals, &d)
	d.FallbackChain = tried
	d.FallbackAttempted = len(tried) > 1
	status := StatusSuccess
	if !resp.Success {
		status = StatusError
	}
	return e.finalize(d, resp, status, start)
}

// dispatch tries backend and its fallbacks until one succeeds, a
// non-fallbackable error occurs, or the chain is exhausted. It returns the
// last response and the backends actually attempted.
func (e *Executor) dispatch(ctx context.Context, c *call, req llm.Request, task router.TaskType, start string, approvals ApprovalSnapshot, d *Decision) (llm.Response, []string) {
	var (
		tried   []string
		skipped []string
		resp    llm.Response
	)
	backend := start
	for {
		tried = append(tried, backend)
		resp = e.attempt(ctx, c, req, task, backend, d)
		if resp.Success || !resp.ErrorKind.Fallbackable() || ctx.Err() != nil {
			return resp, tried
		}

		next := ""
		for {
			candidate, ok := e.cfg.Fallback.Next(start, append(append([]string(nil), tried...), skipped...))
			if !ok {
				break
			}
			if res := e.cfg.Policy.CheckTaskExecution(task, candidate, req.Context, approvals); !res.Allowed {
				skipped = append(skipped, candidate)
				d.Reasons = append(d.Reasons, "fallback_blocked="+candidate)
				continue
			}
			next = candidate
			break
		}
		if next == "" {
			return resp, tried
		}
		e.log.Info().Str("from", backend).Str("to", next).Str("kind", string(resp.ErrorKind)).Msg("falling back")
		backend = next
	}
}

// attempt runs one backend call and records its usage line.
func (e *Executor) attempt(ctx context.Context, c *call, req llm.Request, task router.TaskType, backend string, d *Decision) llm.Response {
	began := e.cfg.Now()
	var resp llm.Response

	adapter, err := e.cfg.Backends.Get(backend)
	if err != nil {
		resp = llm.Failure(llm.KindNotConfigured, err.Error(), began)
	} else {
		out := req
		d.PromptPack = ""
		if e.cfg.Packs != nil {
			if pack, ok := e.cfg.Packs.Select(backend); ok {
				out = req.WithText(pack.Apply(req.Text))
				d.PromptPack = pack.Name
			}
		}
		e.mu.Lock()
		c.adapter = adapter
		e.mu.Unlock()
		resp = adapter.Send(ctx, out)
		if !resp.Success && resp.ErrorKind == "" {
			resp.ErrorKind = llm.KindUnknown
		}
	}

	if e.cfg.Metrics != nil {
		rec := metrics.UsageRecord{
			Session:    req.SessionID,
			Backend:    backend,
			TaskType:   task.String(),
			Phase:      req.Phase,
			DurationMS: resp.ElapsedMS,
			TokensEst:  resp.Tokens,
			CostEst:    resp.CostUSD,
			Success:    resp.Success,
			ErrorType:  string(resp.ErrorKind),
			Metadata:   map[string]any{"decision_id": d.ID},
		}
		if err := e.cfg.Metrics.Record(rec); err != nil {
			e.log.Warn().Err(err).Msg("failed to record usage")
		}
	}
	return resp
}

// finalize completes d, applies the budget, writes the decision and
// annotates the response.
func (e *Executor) finalize(d Decision, resp llm.Response, status Status, start time.Time) (llm.Response, Decision) {
	d.FinalStatus = status
	d.FinalBackend = d.FallbackChain[len(d.FallbackChain)-1]
	d.DurationMS = e.cfg.Now().Sub(start).Milliseconds()
	d.Tokens = resp.Tokens
	d.CostUSD = resp.CostUSD
	if !resp.Success {
		d.ErrorKind = string(resp.ErrorKind)
		d.ErrorMessage = logging.Mask(resp.Text)
	}
	if resp.Success && e.cfg.Budget != nil {
		e.cfg.Budget.RecordCost(resp.CostUSD)
	}

	if e.cfg.Decisions != nil {
		if err := e.cfg.Decisions.Append(d); err != nil {
			e.log.Warn().Err(err).Msg("failed to append routing decision")
		}
	}
	if e.cfg.OnDecision != nil {
		e.cfg.OnDecision(d)
	}

	ev := e.log.Info()
	if status != StatusSuccess {
		ev = e.log.Warn().Str("error_kind", d.ErrorKind)
	}
	ev.Str("session", d.SessionID).Str("task", d.TaskType).Str("backend", d.FinalBackend).
		Strs("chain", d.FallbackChain).Str("status", string(status)).Int64("duration_ms", d.DurationMS).
		Msg("routing decision")

	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["backend"] = d.FinalBackend
	resp.Metadata["decision_id"] = d.ID
	resp.Metadata["task_type"] = d.TaskType
	return resp, d
}
