// Package app constructs every Helix component in a fixed order and owns
// their lifetimes. Nothing in Helix is created lazily on first use.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/autollm"
	"github.com/normanking/helix/internal/budget"
	"github.com/normanking/helix/internal/bus"
	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/localllm"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/memory"
	"github.com/normanking/helix/internal/metrics"
	"github.com/normanking/helix/internal/models"
	"github.com/normanking/helix/internal/orchestrator"
	"github.com/normanking/helix/internal/prompts"
	"github.com/normanking/helix/internal/rag"
	"github.com/normanking/helix/internal/router"
	"github.com/normanking/helix/internal/thermal"
	"github.com/normanking/helix/internal/tools"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PATHS
// ═══════════════════════════════════════════════════════════════════════════════

// Paths is the on-disk layout under one root directory.
type Paths struct {
	Root   string
	Config string
	Data   string
	Logs   string
}

// NewPaths derives the layout from root.
func NewPaths(root string) Paths {
	if root == "" {
		root = "."
	}
	return Paths{
		Root:   root,
		Config: filepath.Join(root, "config"),
		Data:   filepath.Join(root, "data"),
		Logs:   filepath.Join(root, "logs"),
	}
}

func (p Paths) logFile(name string) string  { return filepath.Join(p.Logs, name) }
func (p Paths) dataFile(name string) string { return filepath.Join(p.Data, name) }

// File names under data/ and logs/.
const (
	MemoryDBFile        = "helix_memory.db"
	StateDBFile         = "helix_state.db"
	ExecutionLockFile   = "web_execution_lock.json"
	UploadsDir          = "web_uploads"
	ChatHistoryFile     = "chat_history_log.jsonl"
	PresetsFile         = "presets.yaml"
	PromptPacksFile     = "prompt_packs.yaml"
	DecisionsLog        = "routing_decisions.jsonl"
	UsageLog            = "usage_metrics.jsonl"
	BudgetLog           = "budget_events.jsonl"
	ThermalReadingsLog  = "thermal_readings.jsonl"
	ThermalPolicyLog    = "thermal_policy_events.jsonl"
	LLMTransitionsLog   = "llm_state_transitions.jsonl"
	RAGExecutionLog     = "rag_execution.jsonl"
	CrashLog            = "crash.log"
	planDir             = "rag_plans"
	availabilityTimeout = 3 * time.Second
)

// CrashLogPath returns logs/crash.log under root.
func CrashLogPath(root string) string {
	return NewPaths(root).logFile(CrashLog)
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Options select how the process runs.
type Options struct {
	Root    string
	Version string
	Verbose bool
	NoColor bool

	// Quiet keeps console logging off, for the TUI and the stdio MCP
	// transport where stderr or stdout belongs to someone else.
	Quiet bool

	// NATSToken authenticates the optional bus bridge.
	NATSToken string
}

// ═══════════════════════════════════════════════════════════════════════════════
// APP
// ═══════════════════════════════════════════════════════════════════════════════

// App holds the process-wide singletons.
type App struct {
	Paths   Paths
	Version string
	Config  *config.Config

	Bus      *bus.Bus
	Exporter *metrics.Exporter
	Usage    *metrics.Recorder

	Store *data.Store
	KV    *data.KV

	Models    *models.Repository
	Budget    *budget.Breaker
	Policy    *orchestrator.PolicyChecker
	Decisions *orchestrator.DecisionLogger
	Presets   *router.PresetManager
	Packs     *prompts.Registry

	Ollama        *llm.OllamaClient
	LLM           *localllm.Manager
	Thermal       *thermal.Monitor
	ThermalPolicy *thermal.Policy

	Tools        *tools.Host
	Backends     *llm.Registry
	Availability *autollm.AvailabilityChecker
	Hybrid       *autollm.HybridRouter
	Memory       *memory.Manager
	Executor     *orchestrator.Executor
	Builder      *rag.Builder

	ctx    context.Context
	cancel context.CancelFunc
	nats   *nats.Conn
	bridge *bus.Bridge
	log    zerolog.Logger
}

// New runs the init sequence. On error every component opened so far is
// closed again.
func New(opts Options) (a *App, err error) {
	paths := NewPaths(opts.Root)
	ctx, cancel := context.WithCancel(context.Background())
	a = &App{Paths: paths, Version: opts.Version, ctx: ctx, cancel: cancel}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	steps := []struct {
		name string
		fn   func(Options) error
	}{
		{"logging", a.initLogging},
		{"config", a.initConfig},
		{"bus", a.initBus},
		{"metrics", a.initMetrics},
		{"storage", a.initStorage},
		{"models", a.initModels},
		{"budget", a.initBudget},
		{"routing tables", a.initRouting},
		{"local llm", a.initLocalLLM},
		{"thermal", a.initThermal},
		{"tools", a.initTools},
		{"backends", a.initBackends},
		{"memory", a.initMemory},
		{"executor", a.initExecutor},
		{"rag", a.initRAG},
	}
	for _, step := range steps {
		if err := step.fn(opts); err != nil {
			return a, fmt.Errorf("init %s: %w", step.name, err)
		}
	}

	a.log.Info().Str("root", paths.Root).Strs("backends", a.Backends.Names()).Msg("helix initialized")
	return a, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// INIT STEPS (in order)
// ═══════════════════════════════════════════════════════════════════════════════

func (a *App) initLogging(opts Options) error {
	cfg := logging.DefaultConfig(a.Paths.Logs)
	if opts.Verbose {
		cfg = logging.VerboseConfig(a.Paths.Logs)
	}
	cfg.Console = !opts.Quiet
	cfg.NoColor = opts.NoColor
	if err := logging.Setup(cfg); err != nil {
		return err
	}
	a.log = logging.Component("app")
	return nil
}

func (a *App) initConfig(Options) error {
	cfg, err := config.Load(a.Paths.Config)
	if err != nil {
		return err
	}
	a.Config = cfg
	return nil
}

func (a *App) initBus(opts Options) error {
	a.Bus = bus.NewBus()
	url := a.Config.Web.NATSURL
	if url == "" {
		return nil
	}
	nc, err := bus.DialNATS(url, opts.NATSToken)
	if err != nil {
		// The bridge is optional; the in-process bus keeps working.
		a.log.Warn().Err(err).Str("url", url).Msg("nats bridge disabled")
		return nil
	}
	a.nats = nc
	a.bridge = bus.NewBridge(a.Bus, nc)
	return nil
}

func (a *App) initMetrics(Options) error {
	a.Exporter = metrics.NewExporter()
	a.Usage = metrics.NewRecorder(a.Paths.logFile(UsageLog), metrics.WithExporter(a.Exporter))
	a.Decisions = orchestrator.NewDecisionLogger(a.Paths.logFile(DecisionsLog))
	return nil
}

func (a *App) initStorage(Options) error {
	if err := os.MkdirAll(a.Paths.Data, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := data.Open(a.Paths.dataFile(MemoryDBFile))
	if err != nil {
		return err
	}
	a.Store = store
	kv, err := data.OpenKV(a.Paths.dataFile(StateDBFile))
	if err != nil {
		return err
	}
	a.KV = kv
	return nil
}

// initModels must run before any cloud adapter exists: the repository is
// the only price source.
func (a *App) initModels(Options) error {
	a.Models = models.FromCatalog(a.Config.Models)
	return nil
}

func (a *App) initBudget(Options) error {
	b, err := budget.New(a.Config.General.Budget, a.Paths.logFile(BudgetLog),
		budget.WithStatusHook(func(st budget.Status) {
			a.Exporter.SetBudget(st.SessionCost, st.DailyCost)
			a.Bus.Emit(bus.EventBudget, "budget", st)
		}))
	if err != nil {
		return err
	}
	a.Budget = b
	return nil
}

func (a *App) initRouting(Options) error {
	presets, err := router.NewPresetManager(filepath.Join(a.Paths.Config, PresetsFile))
	if err != nil {
		return err
	}
	if name := a.Config.General.ActivePreset; name != "" {
		if err := presets.Activate(name); err != nil {
			a.log.Warn().Err(err).Str("preset", name).Msg("active preset ignored")
		}
	}
	a.Presets = presets

	packs, err := prompts.Load(filepath.Join(a.Paths.Config, PromptPacksFile))
	if err != nil {
		return err
	}
	a.Packs = packs
	a.Policy = orchestrator.NewPolicyChecker(a.isNetworked)
	return nil
}

func (a *App) initLocalLLM(Options) error {
	local := a.Config.General.LocalLLM
	a.Ollama = llm.NewOllamaClient(local.Endpoint)
	a.LLM = localllm.New(a.Ollama, a.Paths.logFile(LLMTransitionsLog),
		localllm.WithIdleTimeout(time.Duration(local.IdleTimeoutSeconds)*time.Second),
		localllm.WithDefaultModel(local.DefaultModel))

	states := make([]string, 0, len(localllm.AllStates()))
	for _, s := range localllm.AllStates() {
		states = append(states, string(s))
	}
	a.Exporter.SetLLMState(string(a.LLM.State()), states)
	a.LLM.OnTransition(func(t localllm.Transition) {
		a.Exporter.SetLLMState(string(t.To), states)
		a.Bus.Emit(bus.EventLLMState, "localllm", t)
	})
	return nil
}

// initThermal builds the monitor before the policy that consumes it.
func (a *App) initThermal(Options) error {
	cfg := a.Config.General.Thermal
	a.Thermal = thermal.NewMonitor(cfg, a.Paths.logFile(ThermalReadingsLog))
	a.ThermalPolicy = thermal.NewPolicy(cfg, a.LLM, a.Paths.logFile(ThermalPolicyLog))

	a.Thermal.OnReading(func(r thermal.Reading) {
		for _, s := range r.Samples {
			a.Exporter.SetTemperature(s.Device, s.TempC)
		}
		a.Bus.Emit(bus.EventThermalReading, "thermal", r)
		a.ThermalPolicy.HandleReading(a.ctx, r)
	})
	a.ThermalPolicy.OnEvent(func(ev thermal.PolicyEvent) {
		a.Bus.Emit(bus.EventThermalPolicy, "thermal.policy", ev)
	})
	return nil
}

func (a *App) initTools(Options) error {
	a.Tools = tools.NewHost(a.Config.General.ToolRoots)
	return nil
}

func (a *App) initBackends(Options) error {
	a.Backends = llm.NewRegistry()
	local := a.Config.General.LocalLLM
	a.Backends.Register(llm.NewLocalAdapter(a.Ollama, llm.LocalConfig{
		Name:         router.BackendLocal,
		Model:        local.DefaultModel,
		ToolsEnabled: local.ToolsEnabled,
	}, llm.WithGate(a.LLM), llm.WithTools(a.Tools)))

	for _, cb := range cloudBackends {
		m, ok := a.Models.ByTier(cb.tier)
		if !ok {
			a.log.Debug().Str("backend", cb.name).Str("tier", cb.tier).Msg("no catalog model, backend not registered")
			continue
		}
		a.Backends.Register(llm.NewCloudAPIAdapter(llm.CloudConfig{
			Name:   cb.name,
			Vendor: cb.vendor,
			Model:  m.ID,
			APIKey: config.APIKey(string(cb.vendor)),
		}, a.Models))
	}

	workDir := a.Paths.Root
	if roots := a.Config.General.ToolRoots; len(roots) > 0 {
		workDir = roots[0]
	}
	for name, vendor := range cliBackends {
		a.Backends.Register(llm.NewCLIAdapter(llm.CLIConfig{Name: name, Vendor: vendor, WorkDir: workDir}))
	}

	a.Availability = autollm.NewAvailabilityChecker(a.Ollama)
	a.Hybrid = autollm.NewHybridRouter(a.Models, router.NewFallbackManager())
	a.Hybrid.Budget = a.Budget
	a.Hybrid.Thermal = a.ThermalPolicy
	a.Hybrid.Local = a.LLM
	a.Hybrid.Availability = a.Availability
	return nil
}

func (a *App) initMemory(Options) error {
	gen := a.Config.General
	embedModel := a.Config.App.RAG.EmbeddingModel
	cfg := memory.Config{
		Enabled:    gen.MemoryEnabled,
		Episodic:   memory.NewEpisodic(a.Paths.dataFile(ChatHistoryFile)),
		Semantic:   memory.NewSemantic(a.Store, memory.OllamaEmbedder{Client: a.Ollama, Model: embedModel}),
		Procedural: memory.NewProcedural(a.KV),
		Gate:       memory.NewRiskGate(memory.OllamaCompleter{Client: a.Ollama, Model: gen.LocalLLM.DefaultModel}, gen.RiskGateThreshold),
	}
	a.Memory = memory.NewManager(cfg)
	return nil
}

// initExecutor runs after every collaborator exists.
func (a *App) initExecutor(Options) error {
	fallback := router.NewFallbackManager(router.WithAvailability(a.Availability.BackendAvailable))
	a.Executor = orchestrator.NewExecutor(orchestrator.Config{
		Backends:   a.Backends,
		Router:     router.NewBackendRouter(a.Presets, a.Config.General.Routing),
		Fallback:   fallback,
		Policy:     a.Policy,
		Packs:      a.Packs,
		Budget:     a.Budget,
		Metrics:    a.Usage,
		Decisions:  a.Decisions,
		LocalProbe: a.localProbe,
		OnDecision: func(d orchestrator.Decision) {
			a.Bus.Emit(bus.EventDecision, "orchestrator", d)
		},
	})
	return nil
}

func (a *App) initRAG(Options) error {
	settings := a.Config.App.RAG
	grader := a.backendForModel(settings.PlannerModel)
	root := settings.IngestFolder
	if !filepath.IsAbs(root) {
		root = filepath.Join(a.Paths.Root, root)
	}
	b, err := rag.NewBuilder(rag.BuilderConfig{
		Store:        a.Store,
		KV:           a.KV,
		Local:        a.Ollama,
		Planner:      rag.NewPlanner(grader, a.Store, settings),
		Verifier:     rag.NewVerifier(grader, a.Store, root, settings),
		Lock:         rag.NewFileLock(a.Paths.dataFile(ExecutionLockFile)),
		Settings:     settings,
		IngestRoot:   root,
		ExecutionLog: a.Paths.logFile(RAGExecutionLog),
		PlanDir:      filepath.Join(a.Paths.Data, planDir),
	})
	if err != nil {
		return err
	}
	a.Builder = b
	a.observeBuilds()
	a.Config.WatchRAG(func(s config.RAGSettings) {
		a.log.Info().Str("exec_model", s.ExecModel).Int("chunk_size", s.ChunkSize).Msg("rag settings reloaded")
		b.UpdateSettings(s)
	})
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKEND TABLES
// ═══════════════════════════════════════════════════════════════════════════════

// cloudBackends maps registered cloud backend names to catalog tiers.
var cloudBackends = []struct {
	name   string
	tier   string
	vendor llm.Vendor
}{
	{router.BackendClaudeHaiku, "haiku", llm.VendorAnthropic},
	{router.BackendClaudeSonnet, "sonnet", llm.VendorAnthropic},
	{router.BackendClaudeOpus, "opus", llm.VendorAnthropic},
	{router.BackendGeminiPro, "pro", llm.VendorGemini},
	{router.BackendGeminiFlash, "flash", llm.VendorGemini},
	{router.BackendOpenAI, "gpt", llm.VendorOpenAI},
}

var cliBackends = map[string]llm.CLIVendor{
	router.BackendClaudeCLI: llm.CLIClaude,
	router.BackendGeminiCLI: llm.CLIGemini,
	router.BackendCodexCLI:  llm.CLICodex,
}

// backendForModel returns the cloud adapter serving a catalog model id,
// falling back to claude-sonnet. Nil means no cloud backend is registered.
func (a *App) backendForModel(modelID string) llm.Adapter {
	for _, cb := range cloudBackends {
		if m, ok := a.Models.ByTier(cb.tier); ok && m.ID == modelID {
			if ad, err := a.Backends.Get(cb.name); err == nil {
				return ad
			}
		}
	}
	ad, err := a.Backends.Get(router.BackendClaudeSonnet)
	if err != nil {
		return nil
	}
	return ad
}

func (a *App) isNetworked(backend string) bool {
	ad, err := a.Backends.Get(backend)
	if err != nil {
		return backend != router.BackendLocal
	}
	return llm.IsNetworked(ad)
}

func (a *App) localProbe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	if err := a.Availability.RefreshIfStale(probeCtx); err != nil {
		a.log.Debug().Err(err).Msg("availability refresh failed")
	}
	return a.Availability.IsOllamaOnline()
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Context is cancelled by Close.
func (a *App) Context() context.Context { return a.ctx }

// StartThermal runs the thermal monitor until ctx or the app is done.
func (a *App) StartThermal(ctx context.Context) {
	go func() {
		if err := a.Thermal.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn().Err(err).Msg("thermal monitor stopped")
		}
	}()
}

// Close releases every component in reverse init order.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.Executor != nil {
		a.Executor.Stop()
	}
	if a.Backends != nil {
		a.Backends.StopAll()
	}
	if a.LLM != nil {
		a.LLM.Close()
	}
	if a.KV != nil {
		errs = append(errs, a.KV.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.bridge != nil {
		a.bridge.Close()
	} else if a.nats != nil {
		a.nats.Close()
	}
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	errs = append(errs, logging.Close())
	return errors.Join(errs...)
}
