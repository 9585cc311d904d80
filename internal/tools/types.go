// Package tools is the sandboxed tool host shared by the local model's tool
// loop and the MCP server. Every path argument must resolve under one of the
// configured roots.
package tools

import (
	"context"
	"errors"
)

// Tool names exposed to models.
const (
	ToolReadFile      = "read_file"
	ToolListDirectory = "list_directory"
	ToolSearchFiles   = "search_files"
	ToolWriteFile     = "write_file"
	ToolCreateFile    = "create_file"
	ToolGitStatus     = "git_status"
	ToolGitDiff       = "git_diff"
	ToolWebSearch     = "web_search"
	ToolFetchURL      = "fetch_url"
)

// Sentinel errors.
var (
	ErrAccessDenied = errors.New("access denied: path outside allowed roots")
	ErrUnknownTool  = errors.New("unknown tool")
	ErrNotConfirmed = errors.New("operation not confirmed by user")
	ErrBadArgument  = errors.New("invalid argument")
)

// RiskLevel indicates how dangerous a tool invocation is.
type RiskLevel int

const (
	RiskNone   RiskLevel = iota // read-only, local
	RiskLow                     // local file write
	RiskMedium                  // network access
)

// String returns a human-readable risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	default:
		return "unknown"
	}
}

// Spec describes one tool in the JSON-schema shape models expect.
type Spec struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Parameters           map[string]any `json:"parameters"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Risk                 RiskLevel      `json:"risk"`
}

// ConfirmFunc asks the user to approve a mutating operation. summary is a
// short human-readable description of what will happen.
type ConfirmFunc func(ctx context.Context, tool, summary string) (bool, error)

// handler runs one tool.
type handler func(ctx context.Context, args map[string]any) (string, error)

// object builds a JSON-schema object with the given string properties.
// Names in required are listed as required.
func object(props map[string]string, required ...string) map[string]any {
	p := make(map[string]any, len(props))
	for name, desc := range props {
		p[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{"type": "object", "properties": p}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringArg(args map[string]any, name string, required bool) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		if required {
			return "", errors.Join(ErrBadArgument, errors.New(name+" is required"))
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Join(ErrBadArgument, errors.New(name+" must be a string"))
	}
	if required && s == "" {
		return "", errors.Join(ErrBadArgument, errors.New(name+" is required"))
	}
	return s, nil
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
