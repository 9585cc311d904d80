package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestDefault(t *testing.T) {
	cfg := Default("config")

	assert.Equal(t, 0.7, cfg.General.Budget.WarnRatio)
	assert.Equal(t, 1.0, cfg.General.Budget.HardStopRatio)
	assert.Equal(t, "http://localhost:11434", cfg.General.LocalLLM.Endpoint)
	assert.Equal(t, 300, cfg.General.LocalLLM.IdleTimeoutSeconds)
	assert.Equal(t, 3, cfg.App.RAG.KGMaxConsecutiveFailures)
	assert.Equal(t, 85.0, cfg.General.Thermal.GPUStop)
	assert.NotEmpty(t, cfg.Models)
	require.NoError(t, cfg.Validate())
}

func TestLoadCreatesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")

	cfg, err := Load(dir)
	require.NoError(t, err)

	for _, name := range []string{AppSettingsFile, CloudModelsFile, GeneralSettingsFile, WebConfigFile, MCPServersFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.Equal(t, 512, cfg.App.RAG.ChunkSize)
	assert.Equal(t, 8500, cfg.Web.Port)

	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.General, again.General)
	assert.Equal(t, cfg.Models, again.Models)
}

func TestLoadReadsEditedFile(t *testing.T) {
	dir := t.TempDir()
	body := `{"rag": {"chunk_size": 1000, "overlap": 100, "kg_max_consecutive_failures": 5}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, AppSettingsFile), []byte(body), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.App.RAG.ChunkSize)
	assert.Equal(t, 100, cfg.App.RAG.Overlap)
	assert.Equal(t, 5, cfg.App.RAG.KGMaxConsecutiveFailures)
	// Missing fields fall back to defaults.
	assert.Equal(t, 5, cfg.App.RAG.SampleChunks)
	assert.InDelta(t, 1.0/3, cfg.App.RAG.AutoVerifyWeights.Coverage, 1e-9)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.NoError(t, err)

	t.Setenv("HELIX_GENERAL_BUDGET_SESSION_USD", "2.5")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.General.Budget.SessionUSD)
}

func TestLoadRejectsInvalidBudget(t *testing.T) {
	dir := t.TempDir()
	body := `{"budget": {"session_usd": 1, "daily_usd": 10, "warn_ratio": 0.9, "hard_stop_ratio": 0.5}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, GeneralSettingsFile), []byte(body), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestBudgetValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BudgetConfig
		wantErr bool
	}{
		{"defaults", BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 0.7, HardStopRatio: 1}, false},
		{"equal ratios", BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 1, HardStopRatio: 1}, false},
		{"zero warn", BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 0, HardStopRatio: 1}, true},
		{"warn above stop", BudgetConfig{SessionUSD: 1, DailyUSD: 10, WarnRatio: 1.2, HardStopRatio: 1}, true},
		{"no budget", BudgetConfig{WarnRatio: 0.7, HardStopRatio: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAPIKeyLookupOrder(t *testing.T) {
	keyring.MockInit()

	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	assert.Equal(t, "google-key", APIKey("gemini"))

	t.Setenv("GEMINI_API_KEY", "gemini-key")
	assert.Equal(t, "gemini-key", APIKey("gemini"))

	t.Setenv("ANTHROPIC_API_KEY", "")
	assert.Equal(t, "", APIKey("anthropic"))
	require.NoError(t, StoreAPIKey("anthropic", "from-keyring"))
	assert.Equal(t, "from-keyring", APIKey("anthropic"))
	require.NoError(t, DeleteAPIKey("anthropic"))
	require.NoError(t, DeleteAPIKey("anthropic"))

	assert.Error(t, StoreAPIKey("unknown", "x"))
}

func TestWebPassword(t *testing.T) {
	cfg := Default(t.TempDir())
	assert.True(t, cfg.CheckWebPassword("anything"))

	require.NoError(t, cfg.SetWebPassword("hunter2"))
	assert.NotContains(t, cfg.Web.WebPasswordHash, "hunter2")
	assert.True(t, cfg.CheckWebPassword("hunter2"))
	assert.False(t, cfg.CheckWebPassword("wrong"))

	require.NoError(t, cfg.SaveWeb())
	loaded, err := Load(cfg.Dir)
	require.NoError(t, err)
	assert.True(t, loaded.CheckWebPassword("hunter2"))
}
