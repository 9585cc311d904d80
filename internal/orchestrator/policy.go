// Package orchestrator runs every backend send: classification, routing,
// policy, prompt packs, fallback and the decision log.
package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/normanking/helix/internal/router"
)

// Scope is a permission the user grants per request.
type Scope string

const (
	ScopeFSRead   Scope = "FS_READ"
	ScopeFSWrite  Scope = "FS_WRITE"
	ScopeNetwork  Scope = "NETWORK"
	ScopeBulkEdit Scope = "BULK_EDIT"
	ScopeGitWrite Scope = "GIT_WRITE"
)

// DefaultBulkEditThreshold is the file count above which BULK_EDIT is needed.
const DefaultBulkEditThreshold = 5

// ApprovalSnapshot records which scopes are granted for one request.
type ApprovalSnapshot map[Scope]bool

// DefaultApprovals grants read and network access only.
func DefaultApprovals() ApprovalSnapshot {
	return ApprovalSnapshot{
		ScopeFSRead:   true,
		ScopeNetwork:  true,
		ScopeFSWrite:  false,
		ScopeBulkEdit: false,
		ScopeGitWrite: false,
	}
}

// Overlay returns a copy of a with every entry of o applied on top.
func (a ApprovalSnapshot) Overlay(o ApprovalSnapshot) ApprovalSnapshot {
	out := make(ApprovalSnapshot, len(a)+len(o))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// PolicyResult is the outcome of a policy check.
type PolicyResult struct {
	Allowed  bool    `json:"allowed"`
	Reason   string  `json:"reason,omitempty"`
	Required []Scope `json:"required"`
	Missing  []Scope `json:"missing,omitempty"`
}

// PolicyChecker maps a task and backend to required scopes.
type PolicyChecker struct {
	bulkThreshold int
	networked     func(backend string) bool
}

// NewPolicyChecker creates a checker. networked reports whether a backend
// leaves the machine; nil treats every backend except "local" as networked.
func NewPolicyChecker(networked func(string) bool) *PolicyChecker {
	if networked == nil {
		networked = func(b string) bool { return b != router.BackendLocal }
	}
	return &PolicyChecker{bulkThreshold: DefaultBulkEditThreshold, networked: networked}
}

// RequiredScopes lists the scopes a task on backend needs, given the
// request context (file_count, git_commit).
func (p *PolicyChecker) RequiredScopes(task router.TaskType, backend string, ctx map[string]any) []Scope {
	var req []Scope
	if task == router.TaskImplement {
		req = append(req, ScopeFSWrite)
	}
	if p.networked(backend) {
		req = append(req, ScopeNetwork)
	}
	if n, ok := intValue(ctx["file_count"]); ok && n > p.bulkThreshold {
		req = append(req, ScopeBulkEdit)
	}
	if b, _ := ctx["git_commit"].(bool); b {
		req = append(req, ScopeGitWrite)
	}
	return req
}

// CheckTaskExecution compares the required scopes with snap.
func (p *PolicyChecker) CheckTaskExecution(task router.TaskType, backend string, ctx map[string]any, snap ApprovalSnapshot) PolicyResult {
	required := p.RequiredScopes(task, backend, ctx)
	var missing []Scope
	for _, s := range required {
		if !snap[s] {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return PolicyResult{Allowed: true, Required: required}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	names := make([]string, len(missing))
	for i, s := range missing {
		names[i] = string(s)
	}
	return PolicyResult{
		Allowed:  false,
		Required: required,
		Missing:  missing,
		Reason:   fmt.Sprintf("%s on %s requires approval for %s", task, backend, strings.Join(names, ", ")),
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
