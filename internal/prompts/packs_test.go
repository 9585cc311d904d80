package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectExactThenSubstring(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	p, ok := r.Select("claude-opus")
	require.True(t, ok)
	assert.Equal(t, "opus-architect", p.Name)

	p, ok = r.Select("claude-sonnet")
	require.True(t, ok)
	assert.Equal(t, "sonnet-stabilizer", p.Name)

	p, ok = r.Select("gemini-flash")
	require.True(t, ok)
	assert.Equal(t, "gemini-researcher", p.Name)

	_, ok = r.Select("openai-gpt")
	assert.False(t, ok)
}

func TestDisabledPackIsSkipped(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	_, ok := r.Select("codex-cli")
	assert.False(t, ok, "cli-agent ships disabled")

	require.NoError(t, r.SetEnabled("cli-agent", true))
	p, ok := r.Select("codex-cli")
	require.True(t, ok)
	assert.Equal(t, "cli-agent", p.Name)

	require.NoError(t, r.SetEnabled("sonnet-stabilizer", false))
	_, ok = r.Select("claude-sonnet")
	assert.False(t, ok)
}

func TestOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt_packs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`packs:
  - name: sonnet-stabilizer
    key: sonnet
    enabled: true
    system: custom system
  - name: gpt-helper
    key: openai-gpt
    enabled: true
    system: be brief
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	p, ok := r.Select("claude-sonnet")
	require.True(t, ok)
	assert.Equal(t, "custom system", p.System)
	p, ok = r.Select("openai-gpt")
	require.True(t, ok)
	assert.Equal(t, "gpt-helper", p.Name)
}

func TestApply(t *testing.T) {
	p := Pack{System: "sys", OutputContract: "contract", SafetyGuards: "guards"}
	out := p.Apply("do the thing")
	assert.True(t, strings.HasPrefix(out, "## Instructions\nsys\n\n## Output contract\ncontract\n\n## Safety guards\nguards\n\n---\n\n"))
	assert.True(t, strings.HasSuffix(out, "do the thing"))
	assert.Equal(t, "x", Pack{}.Apply("x"))
}
