package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/router"
)

func TestRequiredScopes(t *testing.T) {
	p := NewPolicyChecker(nil)

	assert.Empty(t, p.RequiredScopes(router.TaskChat, router.BackendLocal, nil))
	assert.Equal(t, []Scope{ScopeNetwork}, p.RequiredScopes(router.TaskChat, router.BackendClaudeSonnet, nil))
	assert.Equal(t, []Scope{ScopeFSWrite}, p.RequiredScopes(router.TaskImplement, router.BackendLocal, nil))
	assert.Equal(t,
		[]Scope{ScopeFSWrite, ScopeNetwork, ScopeBulkEdit, ScopeGitWrite},
		p.RequiredScopes(router.TaskImplement, router.BackendClaudeOpus, map[string]any{"file_count": 6.0, "git_commit": true}))
}

func TestBulkEditThresholdIsExclusive(t *testing.T) {
	p := NewPolicyChecker(nil)
	snap := DefaultApprovals().Overlay(ApprovalSnapshot{ScopeFSWrite: true})

	res := p.CheckTaskExecution(router.TaskImplement, router.BackendLocal, map[string]any{"file_count": 5}, snap)
	assert.True(t, res.Allowed)

	res = p.CheckTaskExecution(router.TaskImplement, router.BackendLocal, map[string]any{"file_count": 6}, snap)
	assert.False(t, res.Allowed)
	assert.Equal(t, []Scope{ScopeBulkEdit}, res.Missing)
	assert.Contains(t, res.Reason, "BULK_EDIT")
}

func TestMissingScopesSorted(t *testing.T) {
	p := NewPolicyChecker(nil)
	res := p.CheckTaskExecution(router.TaskImplement, router.BackendClaudeSonnet,
		map[string]any{"file_count": 9}, ApprovalSnapshot{})

	require.False(t, res.Allowed)
	assert.Equal(t, []Scope{ScopeBulkEdit, ScopeFSWrite, ScopeNetwork}, res.Missing)
}

func TestOverlayDoesNotMutate(t *testing.T) {
	base := DefaultApprovals()
	out := base.Overlay(ApprovalSnapshot{ScopeFSWrite: true, ScopeNetwork: false})

	assert.True(t, out[ScopeFSWrite])
	assert.False(t, out[ScopeNetwork])
	assert.False(t, base[ScopeFSWrite])
	assert.True(t, base[ScopeNetwork])
}

func TestDecisionLoggerQueries(t *testing.T) {
	l := NewDecisionLogger(filepath.Join(t.TempDir(), "routing_decisions.jsonl"))
	for i, s := range []string{"a", "b", "a", "c", "a"} {
		require.NoError(t, l.Append(Decision{ID: string(rune('0' + i)), SessionID: s, FinalStatus: StatusSuccess}))
	}

	recent, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].ID)
	assert.Equal(t, "4", recent[1].ID)

	bySession, err := l.BySession("a")
	require.NoError(t, err)
	assert.Len(t, bySession, 3)
}
