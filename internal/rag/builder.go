package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// EventType names a build event.
type EventType string

const (
	EventProgress       EventType = "progress"
	EventStepCompleted  EventType = "step_completed"
	EventTimeUpdated    EventType = "time_updated"
	EventError          EventType = "error"
	EventVerification   EventType = "verification_result"
	EventBuildCompleted EventType = "build_completed"
)

// Build statuses carried by build_completed.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
	StatusBusy      = "busy"
	StatusUpToDate  = "up_to_date"
)

// Event is one message on the build channel. Only the fields of its Type
// are set.
type Event struct {
	Type      EventType    `json:"type"`
	Time      time.Time    `json:"time"`
	Session   string       `json:"session"`
	Percent   float64      `json:"percent,omitempty"`
	Progress  *Progress    `json:"progress,omitempty"`
	Step      *StepResult  `json:"step,omitempty"`
	Elapsed   float64      `json:"elapsed_seconds,omitempty"`
	Remaining float64      `json:"remaining_seconds,omitempty"`
	Message   string       `json:"message,omitempty"`
	Verdict   *Verdict     `json:"verdict,omitempty"`
	Success   bool         `json:"success,omitempty"`
	Status    string       `json:"status,omitempty"`
	Result    *BuildResult `json:"result,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUILDER
// ═══════════════════════════════════════════════════════════════════════════════

// BuildOptions select what a build does.
type BuildOptions struct {
	SkipPlan      bool     `json:"skip_plan"`
	SkipExecute   bool     `json:"skip_execute"`
	SkipVerify    bool     `json:"skip_verify"`
	Full          bool     `json:"full"`  // rebuild every file, not just changed ones
	Files         []string `json:"files"` // explicit file list; overrides the diff selection
	DisabledSteps []string `json:"disabled_steps"`
}

// BuildResult summarizes one build.
type BuildResult struct {
	Session   string               `json:"session"`
	Status    string               `json:"status"`
	Success   bool                 `json:"success"`
	Plan      *Plan                `json:"plan,omitempty"`
	Diff      ingestion.DiffResult `json:"diff"`
	Execution *ExecutionReport     `json:"execution,omitempty"`
	Verdict   *Verdict             `json:"verdict,omitempty"`
	Error     string               `json:"error,omitempty"`
	Duration  time.Duration        `json:"duration"`
}

// BuilderConfig wires a Builder.
type BuilderConfig struct {
	Store        *data.Store
	KV           *data.KV
	Local        LocalModel
	Planner      *Planner
	Verifier     *Verifier
	Lock         *FileLock
	Settings     config.RAGSettings
	IngestRoot   string
	ExecutionLog string // logs/rag_execution.jsonl
	PlanDir      string // where the last plan is saved; empty disables
}

// Builder sequences plan, execute and verify under the build lock.
type Builder struct {
	store    *data.Store
	diff     *ingestion.DiffDetector
	cleanup  *ingestion.CleanupManager
	local    LocalModel
	planner  *Planner
	verifier *Verifier
	lock     *FileLock
	execLog  string
	planDir  string

	mu       sync.RWMutex
	settings config.RAGSettings

	now func() time.Time
	log zerolog.Logger
}

// NewBuilder validates cfg.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("builder: store is required")
	case cfg.KV == nil:
		return nil, errors.New("builder: kv is required")
	case cfg.Local == nil:
		return nil, errors.New("builder: local model is required")
	case cfg.Lock == nil:
		return nil, errors.New("builder: lock is required")
	}
	root := cfg.IngestRoot
	if root == "" {
		root = cfg.Settings.IngestFolder
	}
	if cfg.Planner == nil {
		cfg.Planner = NewPlanner(nil, cfg.Store, cfg.Settings)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = NewVerifier(nil, cfg.Store, root, cfg.Settings)
	}
	return &Builder{
		store:    cfg.Store,
		diff:     ingestion.NewDiffDetector(cfg.KV, root),
		cleanup:  ingestion.NewCleanupManager(cfg.Store, root),
		local:    cfg.Local,
		planner:  cfg.Planner,
		verifier: cfg.Verifier,
		lock:     cfg.Lock,
		execLog:  cfg.ExecutionLog,
		planDir:  cfg.PlanDir,
		settings: cfg.Settings,
		now:      time.Now,
		log:      logging.Component("rag.builder"),
	}, nil
}

// UpdateSettings swaps the settings used by the next build.
func (b *Builder) UpdateSettings(s config.RAGSettings) {
	b.mu.Lock()
	b.settings = s
	b.mu.Unlock()
}

// Settings returns the current settings.
func (b *Builder) Settings() config.RAGSettings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

// Diff reports what changed in the ingest folder without touching anything.
func (b *Builder) Diff() (ingestion.DiffResult, error) {
	return b.diff.Detect()
}

// Orphans lists stored sources missing from the ingest folder.
func (b *Builder) Orphans(ctx context.Context) ([]ingestion.Orphan, error) {
	return b.cleanup.Scan(ctx)
}

// Cleanup purges orphans up to maxLevel.
func (b *Builder) Cleanup(ctx context.Context, maxLevel ingestion.SafetyLevel) (int64, error) {
	orphans, err := b.cleanup.Scan(ctx)
	if err != nil {
		return 0, err
	}
	return b.cleanup.Purge(ctx, orphans, maxLevel)
}

// Lock exposes the build lock for status endpoints.
func (b *Builder) Lock() *FileLock { return b.lock }

// Start runs a build in the background. Events arrive in order and the
// channel closes after build_completed. The caller must drain it.
func (b *Builder) Start(ctx context.Context, opts BuildOptions) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		b.run(ctx, opts, func(ev Event) { events <- ev })
	}()
	return events
}

// Build runs a build synchronously. The error is non-nil when the build did
// not complete.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (BuildResult, error) {
	res := b.run(ctx, opts, nil)
	if res.Status != StatusCompleted && res.Status != StatusUpToDate {
		return res, fmt.Errorf("rag build %s: %s", res.Status, res.Error)
	}
	return res, nil
}

func (b *Builder) run(ctx context.Context, opts BuildOptions, sink func(Event)) BuildResult {
	start := b.now()
	session := uuid.NewString()
	settings := b.Settings()
	res := BuildResult{Session: session}
	log := b.log.With().Str("session", session).Logger()

	emit := func(ev Event) {
		if sink == nil {
			return
		}
		ev.Time = b.now()
		ev.Session = session
		sink(ev)
	}
	finish := func(status string, success bool, msg string) BuildResult {
		res.Status = status
		res.Success = success
		res.Error = msg
		res.Duration = b.now().Sub(start)
		if msg != "" {
			emit(Event{Type: EventError, Message: msg})
		}
		if success {
			emit(Event{Type: EventProgress, Percent: 100})
		}
		final := res
		emit(Event{Type: EventBuildCompleted, Success: success, Status: status, Message: msg, Result: &final})
		log.Info().Str("status", status).Bool("success", success).Dur("duration", res.Duration).Msg("rag build finished")
		return res
	}

	owner := "rag-build:" + session
	if _, err := b.lock.Acquire(owner); err != nil {
		return finish(StatusBusy, false, err.Error())
	}
	defer func() {
		if err := b.lock.Release(owner); err != nil {
			log.Warn().Err(err).Msg("release build lock")
		}
	}()

	diff, err := b.diff.Detect()
	if err != nil {
		return finish(StatusFailed, false, err.Error())
	}
	res.Diff = diff
	names := b.selectFiles(diff, opts)
	files := make([]ingestion.FileInfo, 0, len(names))
	for _, name := range names {
		if f, ok := diff.Files[name]; ok {
			files = append(files, f)
		}
	}
	log.Info().Int("files", len(files)).Int("deleted", len(diff.Deleted)).Msg("rag build started")

	if len(files) == 0 && len(diff.Deleted) == 0 {
		if opts.SkipVerify {
			return finish(StatusUpToDate, true, "")
		}
		opts.SkipPlan = true
		opts.SkipExecute = true
	}

	// Phase 1.
	var plan Plan
	if opts.SkipPlan {
		plan = FallbackPlan(files, settings, b.now())
	} else {
		plan = b.planner.Plan(ctx, session, files)
	}
	res.Plan = &plan
	if b.planDir != "" {
		if err := SavePlan(filepath.Join(b.planDir, "last_plan.json"), plan); err != nil {
			log.Warn().Err(err).Msg("save plan")
		}
	}
	budget := plan.TotalMinutes() * 60

	// Phase 2.
	var queries *QueryReport
	if !opts.SkipExecute {
		execCtx := ctx
		if settings.TimeLimitMinutes > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, time.Duration(settings.TimeLimitMinutes)*time.Minute)
			defer cancel()
		}

		for _, name := range diff.Deleted {
			if _, err := b.store.DeleteBySource(execCtx, name); err != nil {
				log.Warn().Err(err).Str("file", name).Msg("drop deleted source")
			}
			if err := b.store.DeleteSummaries(execCtx, name); err != nil {
				log.Warn().Err(err).Str("file", name).Msg("drop deleted summaries")
			}
		}

		execOpts := []ExecutorOption{
			WithDisabledSteps(opts.DisabledSteps...),
			WithProgress(func(p Progress) {
				emit(Event{Type: EventProgress, Percent: overallPercent(p), Progress: &p})
			}),
			WithStepDone(func(r StepResult) {
				emit(Event{Type: EventStepCompleted, Step: &r})
				elapsed := b.now().Sub(start).Seconds()
				emit(Event{Type: EventTimeUpdated, Elapsed: elapsed, Remaining: math.Max(0, budget-elapsed)})
			}),
		}
		if b.execLog != "" {
			execOpts = append(execOpts, WithExecutionLog(b.execLog))
		}
		exec, err := NewExecutor(b.store, b.local, settings, execOpts...)
		if err != nil {
			return finish(StatusFailed, false, err.Error())
		}

		report, err := exec.Execute(execCtx, plan, files, session)
		res.Execution = &report
		switch {
		case errors.Is(err, ErrCancelled) && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return finish(StatusTimedOut, false, fmt.Sprintf("time limit of %d minutes exceeded", settings.TimeLimitMinutes))
		case errors.Is(err, ErrCancelled):
			return finish(StatusCancelled, false, "")
		case err != nil:
			return finish(StatusFailed, false, err.Error())
		}
		queries = report.Queries

		if err := b.diff.Commit(diff, names); err != nil {
			log.Warn().Err(err).Msg("commit file hashes")
		}
	}

	// Phase 3.
	success := true
	if !opts.SkipVerify {
		verdict, _, err := b.verifier.Verify(ctx, session, plan, queries)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StatusCancelled, false, "")
			}
			return finish(StatusFailed, false, err.Error())
		}
		res.Verdict = &verdict
		emit(Event{Type: EventVerification, Verdict: &verdict})
		success = verdict.Passed()
	}
	return finish(StatusCompleted, success, "")
}

func (b *Builder) selectFiles(diff ingestion.DiffResult, opts BuildOptions) []string {
	switch {
	case len(opts.Files) > 0:
		out := slices.Clone(opts.Files)
		slices.Sort(out)
		return out
	case opts.Full:
		return diff.Select(ingestion.PartitionNew, ingestion.PartitionModified, ingestion.PartitionUnchanged)
	default:
		return diff.Changed()
	}
}

// overallPercent maps a substep unit onto the whole execution phase.
func overallPercent(p Progress) float64 {
	idx := slices.Index(AllSteps, p.Step)
	if idx < 0 {
		return 0
	}
	frac := 1.0
	if p.Total > 0 {
		frac = float64(p.Current) / float64(p.Total)
	}
	pct := (float64(idx) + frac) / float64(len(AllSteps)) * 100
	return math.Round(pct*10) / 10
}
