package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPhaseWins(t *testing.T) {
	c := NewClassifier()
	cases := map[string]TaskType{
		"plan":      TaskPlan,
		"implement": TaskImplement,
		"verify":    TaskVerify,
		"Review":    TaskReview,
	}
	for phase, want := range cases {
		got, conf := c.Classify(phase, "review my pull request")
		assert.Equal(t, want, got, phase)
		assert.Equal(t, 1.0, conf)
	}
}

func TestClassifyKeywords(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		text string
		want TaskType
	}{
		{"please review my pull request", TaskReview},
		{"research alternatives to sqlite for embedded graphs", TaskResearch},
		{"implement a new endpoint for uploads", TaskImplement},
		{"design the roadmap for the storage layer", TaskPlan},
		{"verify the migration and double-check the counts", TaskVerify},
		{"good morning!", TaskChat},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, conf := c.Classify("", tt.text)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, conf, 0.0)
			assert.LessOrEqual(t, conf, 1.0)
		})
	}
}

func TestRouteOrder(t *testing.T) {
	presets, err := NewPresetManager("")
	require.NoError(t, err)
	r := NewBackendRouter(presets, map[string]string{"chat": BackendGeminiFlash})

	sel := r.Route(TaskImplement, "implement", BackendCodexCLI, "")
	assert.Equal(t, BackendCodexCLI, sel.Backend)
	assert.True(t, sel.Forced)
	assert.Equal(t, []string{"task=IMPLEMENT", "phase=implement", ReasonUserForced}, sel.Reasons)

	sel = r.Route(TaskChat, "", "", "")
	assert.Equal(t, BackendGeminiFlash, sel.Backend)
	assert.Equal(t, []string{"task=CHAT", ReasonSettings}, sel.Reasons)

	sel = r.Route(TaskPlan, "", "", "")
	assert.Equal(t, BackendClaudeOpus, sel.Backend)
	assert.Equal(t, []string{"task=PLAN", ReasonDefault}, sel.Reasons)

	require.NoError(t, presets.Activate("cost-saver"))
	sel = r.Route(TaskChat, "", "", "")
	assert.Equal(t, BackendLocal, sel.Backend)
	assert.Equal(t, "cost-saver", sel.Preset)
	assert.Equal(t, []string{"task=CHAT", "preset=cost-saver"}, sel.Reasons)
}

func TestDefaultRouting(t *testing.T) {
	r := NewBackendRouter(nil, nil)
	want := map[TaskType]string{
		TaskPlan: BackendClaudeOpus, TaskImplement: BackendClaudeSonnet, TaskResearch: BackendGeminiPro,
		TaskReview: BackendClaudeSonnet, TaskVerify: BackendClaudeHaiku, TaskChat: BackendLocal,
	}
	for task, backend := range want {
		assert.Equal(t, backend, r.Route(task, "", "", "").Backend, task)
	}
}

func TestPresetFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`active: webapp
presets:
  - name: webapp
    project: /src/webapp
    mapping:
      IMPLEMENT: codex-cli
      CHAT: gemini-flash
`), 0o644))

	m, err := NewPresetManager(path)
	require.NoError(t, err)

	_, ok := m.Active("/src/other")
	assert.False(t, ok, "project-scoped preset must not apply elsewhere")
	p, ok := m.Active("/src/webapp")
	require.True(t, ok)
	b, _ := p.Backend(TaskImplement)
	assert.Equal(t, BackendCodexCLI, b)
	_, ok = p.Backend(TaskPlan)
	assert.False(t, ok)

	require.NoError(t, m.Upsert(Preset{Name: "solo", Mapping: map[TaskType]string{TaskChat: BackendLocal}}))
	require.NoError(t, m.Activate("solo"))
	require.NoError(t, m.Save())

	reloaded, err := NewPresetManager(path)
	require.NoError(t, err)
	active, ok := reloaded.Active("")
	require.True(t, ok)
	assert.Equal(t, "solo", active.Name)
	assert.Len(t, reloaded.List(), len(BuiltinPresets())+2)
}

func TestPresetRejectsUnknownTask(t *testing.T) {
	m, err := NewPresetManager("")
	require.NoError(t, err)
	assert.Error(t, m.Upsert(Preset{Name: "bad", Mapping: map[TaskType]string{"DEPLOY": BackendLocal}}))
	assert.ErrorIs(t, m.Activate("missing"), ErrPresetNotFound)
}

func TestFallbackChains(t *testing.T) {
	m := NewFallbackManager()
	assert.Equal(t, []string{"local", "claude-sonnet", "claude-opus"}, m.Chain(BackendLocal))
	assert.Equal(t, []string{"gemini-flash", "gemini-pro", "claude-sonnet", "claude-opus"}, m.Chain(BackendGeminiFlash))
	assert.Equal(t, []string{"claude-opus"}, m.Chain(BackendClaudeOpus))
	assert.Equal(t, []string{"codex-cli", "claude-sonnet", "claude-opus"}, m.Chain(BackendCodexCLI))
	assert.Equal(t, []string{"mystery", "claude-sonnet", "claude-opus"}, m.Chain("mystery"))

	next, ok := m.Next(BackendLocal, []string{BackendLocal})
	require.True(t, ok)
	assert.Equal(t, BackendClaudeSonnet, next)
	_, ok = m.Next(BackendClaudeOpus, []string{BackendClaudeOpus})
	assert.False(t, ok)
}

func TestFallbackSkipsUnavailable(t *testing.T) {
	m := NewFallbackManager(WithAvailability(func(b string) bool { return b != BackendClaudeSonnet }))
	next, ok := m.Next(BackendLocal, []string{BackendLocal})
	require.True(t, ok)
	assert.Equal(t, BackendClaudeOpus, next)
}
