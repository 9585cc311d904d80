package router

import (
	"strings"
)

// Reason codes attached to every selection.
const (
	ReasonUserForced = "user_forced"
	ReasonSettings   = "policy=settings"
	ReasonDefault    = "policy=default"
)

// Selection is the outcome of BackendRouter.Route.
type Selection struct {
	Backend string   `json:"backend"`
	Forced  bool     `json:"forced"`
	Preset  string   `json:"preset,omitempty"`
	Reasons []string `json:"reasons"`
}

// BackendRouter picks a backend for a task. Order: user-forced, active
// preset, configured rules, defaults.
type BackendRouter struct {
	presets *PresetManager
	rules   map[TaskType]string
}

// NewBackendRouter creates a router. rules come from
// general_settings.json "routing" and may be nil.
func NewBackendRouter(presets *PresetManager, rules map[string]string) *BackendRouter {
	r := &BackendRouter{presets: presets, rules: make(map[TaskType]string)}
	for k, v := range rules {
		if t, ok := ParseTaskType(k); ok && v != "" {
			r.rules[t] = v
		}
	}
	return r
}

// Route selects a backend. forced is the user's explicit choice, empty for
// none. project scopes preset lookup.
func (r *BackendRouter) Route(task TaskType, phase, forced, project string) Selection {
	reasons := []string{"task=" + task.String()}
	if phase != "" {
		reasons = append(reasons, "phase="+strings.ToLower(phase))
	}

	if forced != "" {
		return Selection{Backend: forced, Forced: true, Reasons: append(reasons, ReasonUserForced)}
	}
	if r.presets != nil {
		if p, ok := r.presets.Active(project); ok {
			if b, ok := p.Backend(task); ok {
				return Selection{Backend: b, Preset: p.Name, Reasons: append(reasons, "preset="+p.Name)}
			}
		}
	}
	if b, ok := r.rules[task]; ok {
		return Selection{Backend: b, Reasons: append(reasons, ReasonSettings)}
	}
	b, ok := DefaultRouting[task]
	if !ok {
		b = BackendLocal
	}
	return Selection{Backend: b, Reasons: append(reasons, ReasonDefault)}
}
