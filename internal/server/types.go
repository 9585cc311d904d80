// Package server provides the local Helix control API: status and query
// endpoints over the routing, budget, thermal and RAG components, a
// websocket event stream and the Prometheus scrape endpoint.
package server

import (
	"context"
	"time"

	"github.com/normanking/helix/internal/budget"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/localllm"
	"github.com/normanking/helix/internal/metrics"
	"github.com/normanking/helix/internal/orchestrator"
	"github.com/normanking/helix/internal/rag"
	"github.com/normanking/helix/internal/thermal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds control server configuration.
type Config struct {
	// Port to listen on (default: 8500). The server binds to localhost only.
	Port int

	Version string

	// CheckPassword validates the bearer token. Nil disables auth.
	CheckPassword func(string) bool

	// ShutdownTimeout is the graceful shutdown timeout (default: 5s)
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults matching config.json.
func DefaultConfig() Config {
	return Config{
		Port:            8500,
		Version:         "dev",
		ShutdownTimeout: 5 * time.Second,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ═══════════════════════════════════════════════════════════════════════════════

// DecisionSource answers routing decision queries.
type DecisionSource interface {
	Recent(n int) ([]orchestrator.Decision, error)
	BySession(session string) ([]orchestrator.Decision, error)
}

// UsageSource aggregates per-session backend usage.
type UsageSource interface {
	Summarize(session string) (metrics.SessionSummary, error)
}

// BudgetSource exposes the circuit breaker.
type BudgetSource interface {
	Status() budget.Status
	ResetSession()
	ResetDaily()
}

// ThermalSource exposes the latest reading.
type ThermalSource interface {
	Last() (thermal.Reading, bool)
}

// ThermalPolicySource exposes the policy state.
type ThermalPolicySource interface {
	State() thermal.PolicyState
}

// LLMSource exposes the local model lifecycle.
type LLMSource interface {
	Status() localllm.Status
}

// BuildRunner starts RAG builds and reports pending changes.
type BuildRunner interface {
	Start(ctx context.Context, opts rag.BuildOptions) <-chan rag.Event
	Diff() (ingestion.DiffResult, error)
}

// LockSource reports the execution lock holder.
type LockSource interface {
	Holder() (rag.LockInfo, bool, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// API RESPONSE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`

	LLMState      localllm.State      `json:"llm_state,omitempty"`
	BudgetLevel   string              `json:"budget_level,omitempty"`
	ThermalPolicy thermal.PolicyState `json:"thermal_policy,omitempty"`
	BuildRunning  bool                `json:"build_running"`

	WebsocketClients int `json:"websocket_clients"`
	BusSubscriptions int `json:"bus_subscriptions"`
}

// ThermalResponse is returned by GET /api/thermal.
type ThermalResponse struct {
	Policy  thermal.PolicyState `json:"policy,omitempty"`
	Reading *thermal.Reading    `json:"reading,omitempty"`
}

// DiffResponse is returned by GET /api/rag/diff.
type DiffResponse struct {
	ingestion.DiffResult
	Pending int `json:"pending"`
}

// LockResponse is returned by GET /api/lock.
type LockResponse struct {
	Held bool          `json:"held"`
	Info *rag.LockInfo `json:"info,omitempty"`
}

// BuildStartedResponse is returned by POST /api/rag/build.
type BuildStartedResponse struct {
	Session string `json:"session"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
