// Package config loads the Helix configuration files under config/.
//
// Each file is read with its own viper instance so that environment
// overrides stay scoped (HELIX_<FILE>_<KEY>). Missing files are created with
// defaults on first load.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILE NAMES
// ═══════════════════════════════════════════════════════════════════════════════

const (
	AppSettingsFile     = "app_settings.json"
	CloudModelsFile     = "cloud_models.json"
	GeneralSettingsFile = "general_settings.json"
	WebConfigFile       = "config.json"
	MCPServersFile      = "mcp_servers.json"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "HELIX"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Config aggregates every configuration file.
type Config struct {
	Dir        string          `json:"-"`
	App        AppSettings     `json:"app"`
	General    GeneralSettings `json:"general"`
	Web        WebConfig       `json:"web"`
	Models     []CloudModel    `json:"models"`
	MCPServers map[string]bool `json:"mcp_servers"`
}

// AppSettings mirrors config/app_settings.json.
type AppSettings struct {
	RAG RAGSettings `mapstructure:"rag" json:"rag"`
}

// RAGSettings controls the RAG construction pipeline.
type RAGSettings struct {
	ExecModel        string `mapstructure:"exec_model" json:"exec_model"`
	QualityModel     string `mapstructure:"quality_model" json:"quality_model"`
	EmbeddingModel   string `mapstructure:"embedding_model" json:"embedding_model"`
	PlannerModel     string `mapstructure:"planner_model" json:"planner_model"`
	ChunkSize        int    `mapstructure:"chunk_size" json:"chunk_size"`
	Overlap          int    `mapstructure:"overlap" json:"overlap"`
	TimeLimitMinutes int    `mapstructure:"time_limit_minutes" json:"time_limit_minutes"`
	IngestFolder     string `mapstructure:"ingest_folder" json:"ingest_folder"`

	// KGMaxConsecutiveFailures aborts KG extraction after this many
	// consecutive daemon connection failures.
	KGMaxConsecutiveFailures int `mapstructure:"kg_max_consecutive_failures" json:"kg_max_consecutive_failures"`

	SampleChunks      int               `mapstructure:"sample_chunks" json:"sample_chunks"`
	AutoVerifyWeights AutoVerifyWeights `mapstructure:"auto_verify_weights" json:"auto_verify_weights"`
}

// AutoVerifyWeights weights the offline verification score.
type AutoVerifyWeights struct {
	Coverage  float64 `mapstructure:"coverage" json:"coverage"`
	Freshness float64 `mapstructure:"freshness" json:"freshness"`
	Structure float64 `mapstructure:"structure" json:"structure"`
}

// CloudModel is one entry of config/cloud_models.json.
type CloudModel struct {
	ID               string  `mapstructure:"id" json:"id"`
	DisplayName      string  `mapstructure:"display_name" json:"display_name"`
	Provider         string  `mapstructure:"provider" json:"provider"`
	InputPricePer1M  float64 `mapstructure:"input_price_per_1m" json:"input_price_per_1m"`
	OutputPricePer1M float64 `mapstructure:"output_price_per_1m" json:"output_price_per_1m"`
	ContextLength    int     `mapstructure:"context_length" json:"context_length"`
	Tier             string  `mapstructure:"tier" json:"tier,omitempty"`
	Domain           string  `mapstructure:"domain" json:"domain,omitempty"`
}

// GeneralSettings mirrors config/general_settings.json.
type GeneralSettings struct {
	Language          string            `mapstructure:"language" json:"language"`
	DarkMode          bool              `mapstructure:"dark_mode" json:"dark_mode"`
	FontSize          int               `mapstructure:"font_size" json:"font_size"`
	MemoryEnabled     bool              `mapstructure:"memory_enabled" json:"memory_enabled"`
	RiskGateThreshold float64           `mapstructure:"risk_gate_threshold" json:"risk_gate_threshold"`
	AutoStartOllama   bool              `mapstructure:"auto_start_ollama" json:"auto_start_ollama"`
	Budget            BudgetConfig      `mapstructure:"budget" json:"budget"`
	Thermal           ThermalConfig     `mapstructure:"thermal" json:"thermal"`
	LocalLLM          LocalLLMConfig    `mapstructure:"local_llm" json:"local_llm"`
	ToolRoots         []string          `mapstructure:"tool_roots" json:"tool_roots"`
	ActivePreset      string            `mapstructure:"active_preset" json:"active_preset"`
	Routing           map[string]string `mapstructure:"routing" json:"routing"`
}

// BudgetConfig caps cloud spend per session and per day.
type BudgetConfig struct {
	SessionUSD    float64 `mapstructure:"session_usd" json:"session_usd"`
	DailyUSD      float64 `mapstructure:"daily_usd" json:"daily_usd"`
	WarnRatio     float64 `mapstructure:"warn_ratio" json:"warn_ratio"`
	HardStopRatio float64 `mapstructure:"hard_stop_ratio" json:"hard_stop_ratio"`
}

// Validate enforces 0 < warn <= hard_stop and positive budgets.
func (b BudgetConfig) Validate() error {
	if b.WarnRatio <= 0 || b.WarnRatio > b.HardStopRatio {
		return fmt.Errorf("budget: warn ratio %.2f must be in (0, hard_stop=%.2f]", b.WarnRatio, b.HardStopRatio)
	}
	if b.SessionUSD <= 0 || b.DailyUSD <= 0 {
		return errors.New("budget: session and daily budgets must be positive")
	}
	return nil
}

// ThermalConfig holds thermal thresholds in °C.
type ThermalConfig struct {
	GPUWarn               float64 `mapstructure:"gpu_warn" json:"gpu_warn"`
	GPUStop               float64 `mapstructure:"gpu_stop" json:"gpu_stop"`
	CPUWarn               float64 `mapstructure:"cpu_warn" json:"cpu_warn"`
	CPUStop               float64 `mapstructure:"cpu_stop" json:"cpu_stop"`
	IntervalSeconds       int     `mapstructure:"interval_seconds" json:"interval_seconds"`
	CoolingWaitSeconds    int     `mapstructure:"cooling_wait_seconds" json:"cooling_wait_seconds"`
	ThrottleAfterWarnings int     `mapstructure:"throttle_after_warnings" json:"throttle_after_warnings"`
	AutoUnload            bool    `mapstructure:"auto_unload" json:"auto_unload"`
}

// LocalLLMConfig points at the Ollama-compatible daemon.
type LocalLLMConfig struct {
	Endpoint           string `mapstructure:"endpoint" json:"endpoint"`
	DefaultModel       string `mapstructure:"default_model" json:"default_model"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	ToolsEnabled       bool   `mapstructure:"tools_enabled" json:"tools_enabled"`
}

// WebConfig mirrors config/config.json.
type WebConfig struct {
	Port                int            `mapstructure:"port" json:"port"`
	AutoStart           bool           `mapstructure:"auto_start" json:"auto_start"`
	DiscordWebhook      string         `mapstructure:"discord_webhook" json:"discord_webhook"`
	DiscordNotifyEvents []string       `mapstructure:"discord_notify_events" json:"discord_notify_events"`
	WebPasswordHash     string         `mapstructure:"web_password_hash" json:"web_password_hash"`
	MCP                 MCPSettings    `mapstructure:"mcp" json:"mcp"`
	CustomServers       []CustomServer `mapstructure:"custom_servers" json:"custom_servers"`
	ResidentModels      []string       `mapstructure:"resident_models" json:"resident_models"`
	NATSURL             string         `mapstructure:"nats_url" json:"nats_url"`
}

// MCPSettings configures the MCP tool server.
type MCPSettings struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Transport string `mapstructure:"transport" json:"transport"`
}

// CustomServer is an additional local inference endpoint.
type CustomServer struct {
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEFAULTS
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultAppSettings returns the RAG defaults.
func DefaultAppSettings() AppSettings {
	return AppSettings{RAG: RAGSettings{
		ExecModel:                "qwen2.5:7b",
		QualityModel:             "qwen2.5:7b",
		EmbeddingModel:           "nomic-embed-text",
		PlannerModel:             "claude-sonnet-4-5",
		ChunkSize:                512,
		Overlap:                  64,
		TimeLimitMinutes:         60,
		IngestFolder:             filepath.Join("data", "rag_ingest"),
		KGMaxConsecutiveFailures: 3,
		SampleChunks:             5,
		AutoVerifyWeights:        AutoVerifyWeights{Coverage: 1.0 / 3, Freshness: 1.0 / 3, Structure: 1.0 / 3},
	}}
}

// DefaultGeneralSettings returns general defaults.
func DefaultGeneralSettings() GeneralSettings {
	return GeneralSettings{
		Language:          "en",
		DarkMode:          true,
		FontSize:          11,
		MemoryEnabled:     true,
		RiskGateThreshold: 0.6,
		Budget: BudgetConfig{
			SessionUSD:    5,
			DailyUSD:      20,
			WarnRatio:     0.7,
			HardStopRatio: 1.0,
		},
		Thermal: ThermalConfig{
			GPUWarn:               70,
			GPUStop:               85,
			CPUWarn:               70,
			CPUStop:               90,
			IntervalSeconds:       5,
			CoolingWaitSeconds:    60,
			ThrottleAfterWarnings: 3,
			AutoUnload:            true,
		},
		LocalLLM: LocalLLMConfig{
			Endpoint:           "http://localhost:11434",
			DefaultModel:       "qwen2.5:7b",
			IdleTimeoutSeconds: 300,
			ToolsEnabled:       true,
		},
		ToolRoots: []string{"."},
		Routing:   map[string]string{},
	}
}

// DefaultWebConfig returns web/launcher defaults.
func DefaultWebConfig() WebConfig {
	return WebConfig{
		Port: 8500,
		MCP:  MCPSettings{Enabled: true, Transport: "stdio"},
	}
}

// DefaultCloudModels returns the bundled catalog. Prices are USD per 1M tokens.
func DefaultCloudModels() []CloudModel {
	return []CloudModel{
		{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", Provider: "cloud-a", InputPricePer1M: 1, OutputPricePer1M: 5, ContextLength: 200000, Tier: "haiku", Domain: "general"},
		{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Provider: "cloud-a", InputPricePer1M: 3, OutputPricePer1M: 15, ContextLength: 200000, Tier: "sonnet", Domain: "coding"},
		{ID: "claude-opus-4-5", DisplayName: "Claude Opus 4.5", Provider: "cloud-a", InputPricePer1M: 5, OutputPricePer1M: 25, ContextLength: 200000, Tier: "opus", Domain: "analysis"},
		{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Provider: "cloud-b", InputPricePer1M: 1.25, OutputPricePer1M: 5, ContextLength: 1000000, Tier: "pro", Domain: "analysis"},
		{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", Provider: "cloud-b", InputPricePer1M: 0.075, OutputPricePer1M: 0.3, ContextLength: 1000000, Tier: "flash", Domain: "general"},
		{ID: "gpt-4.1", DisplayName: "GPT-4.1", Provider: "cloud-c", InputPricePer1M: 2, OutputPricePer1M: 8, ContextLength: 1000000, Tier: "gpt", Domain: "general"},
	}
}

// Default returns a Config with every file at its defaults.
func Default(dir string) *Config {
	return &Config{
		Dir:        dir,
		App:        DefaultAppSettings(),
		General:    DefaultGeneralSettings(),
		Web:        DefaultWebConfig(),
		Models:     DefaultCloudModels(),
		MCPServers: map[string]bool{"helix-tools": true},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOADING
// ═══════════════════════════════════════════════════════════════════════════════

// Load reads every file from dir, creating missing ones with defaults.
func Load(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	cfg := Default(dir)

	if err := loadFile(dir, AppSettingsFile, "app", &cfg.App); err != nil {
		return nil, err
	}
	if err := loadFile(dir, GeneralSettingsFile, "general", &cfg.General); err != nil {
		return nil, err
	}
	if err := loadFile(dir, WebConfigFile, "web", &cfg.Web); err != nil {
		return nil, err
	}
	if err := loadCatalog(dir, &cfg.Models); err != nil {
		return nil, err
	}
	if err := loadFile(dir, MCPServersFile, "mcp", &cfg.MCPServers); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads one JSON file into out, writing out's current value as the
// default when the file does not exist.
func loadFile(dir, name, envScope string, out any) error {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeJSON(path, out); err != nil {
			return fmt.Errorf("write default %s: %w", name, err)
		}
	}

	v := newViper(path, envScope)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// loadCatalog reads the cloud model catalog. The file is a bare JSON array,
// which viper cannot address, so it is wrapped under a "models" key.
func loadCatalog(dir string, out *[]CloudModel) error {
	path := filepath.Join(dir, CloudModelsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return writeJSON(path, *out)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", CloudModelsFile, err)
	}

	var models []CloudModel
	if err := json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("unmarshal %s: %w", CloudModelsFile, err)
	}
	if len(models) > 0 {
		*out = models
	}
	return nil
}

func newViper(path, envScope string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	// Example: HELIX_GENERAL_BUDGET_SESSION_USD=2.5
	v.SetEnvPrefix(EnvPrefix + "_" + strings.ToUpper(envScope))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyDefaults fills zero values left by partial files.
func (c *Config) applyDefaults() {
	rag := &c.App.RAG
	def := DefaultAppSettings().RAG
	if rag.ChunkSize <= 0 {
		rag.ChunkSize = def.ChunkSize
	}
	if rag.Overlap < 0 {
		rag.Overlap = 0
	}
	if rag.KGMaxConsecutiveFailures <= 0 {
		rag.KGMaxConsecutiveFailures = def.KGMaxConsecutiveFailures
	}
	if rag.SampleChunks <= 0 {
		rag.SampleChunks = def.SampleChunks
	}
	if rag.IngestFolder == "" {
		rag.IngestFolder = def.IngestFolder
	}
	w := rag.AutoVerifyWeights
	if w.Coverage+w.Freshness+w.Structure <= 0 {
		rag.AutoVerifyWeights = def.AutoVerifyWeights
	}

	gen := DefaultGeneralSettings()
	if c.General.LocalLLM.Endpoint == "" {
		c.General.LocalLLM.Endpoint = gen.LocalLLM.Endpoint
	}
	if c.General.LocalLLM.IdleTimeoutSeconds <= 0 {
		c.General.LocalLLM.IdleTimeoutSeconds = gen.LocalLLM.IdleTimeoutSeconds
	}
	if c.General.Thermal.IntervalSeconds <= 0 {
		c.General.Thermal.IntervalSeconds = gen.Thermal.IntervalSeconds
	}
	if c.General.Thermal.CoolingWaitSeconds <= 0 {
		c.General.Thermal.CoolingWaitSeconds = gen.Thermal.CoolingWaitSeconds
	}
	if c.General.Thermal.ThrottleAfterWarnings <= 0 {
		c.General.Thermal.ThrottleAfterWarnings = gen.Thermal.ThrottleAfterWarnings
	}
	if len(c.General.ToolRoots) == 0 {
		c.General.ToolRoots = gen.ToolRoots
	}
	if c.General.Routing == nil {
		c.General.Routing = map[string]string{}
	}
	if c.Web.Port == 0 {
		c.Web.Port = DefaultWebConfig().Port
	}
	if c.MCPServers == nil {
		c.MCPServers = map[string]bool{}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.General.Budget.Validate(); err != nil {
		return err
	}
	t := c.General.Thermal
	if t.GPUWarn >= t.GPUStop || t.CPUWarn >= t.CPUStop {
		return fmt.Errorf("thermal: warn thresholds must be below stop thresholds")
	}
	if c.App.RAG.Overlap >= c.App.RAG.ChunkSize {
		return fmt.Errorf("rag: overlap %d must be smaller than chunk size %d", c.App.RAG.Overlap, c.App.RAG.ChunkSize)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SAVING
// ═══════════════════════════════════════════════════════════════════════════════

// SaveGeneral writes general_settings.json.
func (c *Config) SaveGeneral() error {
	return writeJSON(filepath.Join(c.Dir, GeneralSettingsFile), c.General)
}

// SaveApp writes app_settings.json.
func (c *Config) SaveApp() error {
	return writeJSON(filepath.Join(c.Dir, AppSettingsFile), c.App)
}

// SaveWeb writes config.json.
func (c *Config) SaveWeb() error {
	return writeJSON(filepath.Join(c.Dir, WebConfigFile), c.Web)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
