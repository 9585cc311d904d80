// Package bus distributes Helix runtime events (routing decisions, build
// progress, budget levels, local model and thermal transitions) to in-process
// subscribers, websocket observers and an optional NATS bridge.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of event flowing through the bus.
type EventType string

const (
	// Routing
	EventDecision EventType = "decision"

	// RAG builds; Payload is the rag.Event.
	EventBuild EventType = "build"

	// Budget level changes; Payload is the budget.Status.
	EventBudget EventType = "budget"

	// Local model lifecycle; Payload is the localllm.Transition.
	EventLLMState EventType = "llm_state"

	// Thermal readings and policy transitions.
	EventThermalReading EventType = "thermal_reading"
	EventThermalPolicy  EventType = "thermal_policy"

	// Memory commits from the risk gate.
	EventMemory EventType = "memory"

	EventHeartbeat EventType = "heartbeat"
)

// AllTypes lists every event type, in a stable order.
var AllTypes = []EventType{
	EventDecision,
	EventBuild,
	EventBudget,
	EventLLMState,
	EventThermalReading,
	EventThermalPolicy,
	EventMemory,
	EventHeartbeat,
}

// Event is a single bus message.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Source is the publishing component, e.g. "orchestrator".
	Source  string `json:"source,omitempty"`
	Session string `json:"session,omitempty"`
	Message string `json:"message,omitempty"`

	Payload any `json:"payload,omitempty"`
}

// NewEvent creates an event stamped with the current time and a fresh id.
func NewEvent(eventType EventType, source string, payload any) Event {
	return Event{
		ID:        "evt_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
	}
}
