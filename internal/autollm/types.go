// Package autollm picks between the local model and the cloud tiers from the
// live budget, thermal and model-lifecycle state.
package autollm

// ═══════════════════════════════════════════════════════════════════════════════
// COMPLEXITY
// ═══════════════════════════════════════════════════════════════════════════════

// Complexity is the caller's estimate of how hard a task is.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityNormal  Complexity = "normal"
	ComplexityComplex Complexity = "complex"
)

// ParseComplexity defaults unknown values to normal.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityComplex:
		return Complexity(s)
	default:
		return ComplexityNormal
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SELECTION
// ═══════════════════════════════════════════════════════════════════════════════

// Reason codes, in rule order.
type Reason string

const (
	ReasonUserPreference   Reason = "USER_PREFERENCE"
	ReasonBudgetConstraint Reason = "BUDGET_CONSTRAINT"
	ReasonLocalUnavailable Reason = "LOCAL_UNAVAILABLE"
	ReasonThermalThrottle  Reason = "THERMAL_THROTTLE"
	ReasonTaskComplexity   Reason = "TASK_COMPLEXITY"
	ReasonDefault          Reason = "DEFAULT"
)

// Request carries the routing hints for one call.
type Request struct {
	// Preference is an explicit backend name; empty means none.
	Preference string
	Complexity Complexity
	// EstimatedTokens is the expected prompt size; output is assumed to be
	// half of it for cost estimates.
	EstimatedTokens int
}

// Selection is the hybrid router's answer.
type Selection struct {
	Backend       string   `json:"backend"`
	Reason        Reason   `json:"reason"`
	ReasonDetail  string   `json:"reason_detail"`
	EstimatedCost float64  `json:"estimated_cost"`
	FallbackChain []string `json:"fallback_chain"`
}
