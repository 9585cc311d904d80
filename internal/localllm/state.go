// Package localllm owns the lifecycle of the model held by the local
// inference daemon: loading, throttling, idle unloading and error recovery.
package localllm

import (
	"errors"
	"time"
)

// State is the manager's lifecycle state.
type State string

const (
	StateIdle      State = "Idle"
	StateLoading   State = "Loading"
	StateActive    State = "Active"
	StateThrottled State = "Throttled"
	StateUnloading State = "Unloading"
	StateError     State = "Error"
)

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{StateIdle, StateLoading, StateActive, StateThrottled, StateUnloading, StateError}
}

// Event drives a transition.
type Event string

const (
	EventLoadRequest    Event = "load_request"
	EventLoadSuccess    Event = "load_success"
	EventLoadFailure    Event = "load_failure"
	EventSendRequest    Event = "send_request"
	EventThermalWarning Event = "thermal_warning"
	EventThermalNormal  Event = "thermal_normal"
	EventIdleTimeout    Event = "idle_timeout"
	EventExecFailure    Event = "exec_failure"
	EventUnloadRequest  Event = "unload_request"
	EventUnloadComplete Event = "unload_complete"
	EventReset          Event = "reset"
)

// Sentinel errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotReady          = errors.New("local model not ready")
	ErrNoModel           = errors.New("no model selected")
)

// transitions is the complete table; anything missing is invalid.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventLoadRequest: StateLoading,
	},
	StateLoading: {
		EventLoadSuccess: StateActive,
		EventLoadFailure: StateError,
	},
	StateActive: {
		EventSendRequest:    StateActive,
		EventThermalWarning: StateThrottled,
		EventIdleTimeout:    StateUnloading,
		EventExecFailure:    StateError,
		EventUnloadRequest:  StateUnloading,
	},
	StateThrottled: {
		EventSendRequest:   StateThrottled,
		EventThermalNormal: StateActive,
		EventIdleTimeout:   StateUnloading,
		EventExecFailure:   StateError,
		EventUnloadRequest: StateUnloading,
	},
	StateUnloading: {
		EventUnloadComplete: StateIdle,
	},
	StateError: {
		EventReset: StateUnloading,
	},
}

// next returns the target of event from s.
func next(s State, e Event) (State, bool) {
	to, ok := transitions[s][e]
	return to, ok
}

// serving reports whether requests are admitted in s.
func (s State) serving() bool {
	return s == StateActive || s == StateThrottled
}

// Transition is one line of logs/llm_state_transitions.jsonl.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Event     Event     `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State     `json:"state"`
	Model       string    `json:"model,omitempty"`
	LastUse     time.Time `json:"last_use,omitempty"`
	IdleTimeout int       `json:"idle_timeout_seconds"`
	LastError   string    `json:"last_error,omitempty"`
}
