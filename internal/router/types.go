// Package router classifies requests into task types and maps each task to
// a backend through user choice, presets, settings and built-in defaults.
package router

import "strings"

// TaskType is the closed set of request classifications.
type TaskType string

const (
	TaskPlan      TaskType = "PLAN"
	TaskImplement TaskType = "IMPLEMENT"
	TaskResearch  TaskType = "RESEARCH"
	TaskReview    TaskType = "REVIEW"
	TaskVerify    TaskType = "VERIFY"
	TaskChat      TaskType = "CHAT"
)

// AllTaskTypes returns every task type in display order.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskPlan, TaskImplement, TaskResearch, TaskReview, TaskVerify, TaskChat}
}

// String returns the string representation of a TaskType.
func (t TaskType) String() string { return string(t) }

// IsValid checks if t is a known task type.
func (t TaskType) IsValid() bool {
	for _, v := range AllTaskTypes() {
		if t == v {
			return true
		}
	}
	return false
}

// ParseTaskType accepts any casing.
func ParseTaskType(s string) (TaskType, bool) {
	t := TaskType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.IsValid()
}

// Backend names registered at startup.
const (
	BackendLocal        = "local"
	BackendClaudeHaiku  = "claude-haiku"
	BackendClaudeSonnet = "claude-sonnet"
	BackendClaudeOpus   = "claude-opus"
	BackendGeminiPro    = "gemini-pro"
	BackendGeminiFlash  = "gemini-flash"
	BackendOpenAI       = "openai-gpt"
	BackendClaudeCLI    = "claude-cli"
	BackendGeminiCLI    = "gemini-cli"
	BackendCodexCLI     = "codex-cli"
)

// DefaultRouting maps each task to its backend when nothing else applies.
var DefaultRouting = map[TaskType]string{
	TaskPlan:      BackendClaudeOpus,
	TaskImplement: BackendClaudeSonnet,
	TaskResearch:  BackendGeminiPro,
	TaskReview:    BackendClaudeSonnet,
	TaskVerify:    BackendClaudeHaiku,
	TaskChat:      BackendLocal,
}
