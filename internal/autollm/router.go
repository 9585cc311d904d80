package autollm

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/localllm"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/models"
	"github.com/normanking/helix/internal/router"
	"github.com/normanking/helix/internal/thermal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE STATE SOURCES
// ═══════════════════════════════════════════════════════════════════════════════

// BudgetGate reports whether a cloud call would be refused.
// *budget.Breaker satisfies it.
type BudgetGate interface {
	WouldBlock(estimateUSD float64) bool
}

// ThermalState exposes the policy state. *thermal.Policy satisfies it.
type ThermalState interface {
	State() thermal.PolicyState
}

// LocalState exposes the model lifecycle state. *localllm.Manager
// satisfies it.
type LocalState interface {
	State() localllm.State
}

// ═══════════════════════════════════════════════════════════════════════════════
// HYBRID ROUTER
// ═══════════════════════════════════════════════════════════════════════════════

// complexityTier maps task complexity to a Claude tier and its backend.
var complexityTier = map[Complexity]struct{ tier, backend string }{
	ComplexitySimple:  {"haiku", router.BackendClaudeHaiku},
	ComplexityNormal:  {"sonnet", router.BackendClaudeSonnet},
	ComplexityComplex: {"opus", router.BackendClaudeOpus},
}

// tierBackends maps catalog tiers onto registered backend names.
var tierBackends = map[string]string{
	"haiku":  router.BackendClaudeHaiku,
	"sonnet": router.BackendClaudeSonnet,
	"opus":   router.BackendClaudeOpus,
	"pro":    router.BackendGeminiPro,
	"flash":  router.BackendGeminiFlash,
	"gpt":    router.BackendOpenAI,
}

// HybridRouter chooses local or cloud. Every dependency is optional; a nil
// source is treated as "no constraint".
type HybridRouter struct {
	Budget       BudgetGate
	Thermal      ThermalState
	Local        LocalState
	Availability *AvailabilityChecker
	Models       *models.Repository
	Fallback     *router.FallbackManager

	log zerolog.Logger
}

// NewHybridRouter creates a router over the given state sources.
func NewHybridRouter(repo *models.Repository, fallback *router.FallbackManager) *HybridRouter {
	if fallback == nil {
		fallback = router.NewFallbackManager()
	}
	return &HybridRouter{Models: repo, Fallback: fallback, log: logging.Component("autollm")}
}

// Select applies the rules in order: preference, budget, local
// availability, complexity, default local.
func (h *HybridRouter) Select(req Request) Selection {
	complexity := req.Complexity
	if _, known := complexityTier[complexity]; !known {
		complexity = ComplexityNormal
	}
	cloud := complexityTier[complexity]
	cloudCost := h.estimate(cloud.tier, req.EstimatedTokens)

	var sel Selection
	localOK, localWhy := h.localAvailable()

	switch {
	case req.Preference != "":
		sel = Selection{
			Backend:      req.Preference,
			Reason:       ReasonUserPreference,
			ReasonDetail: "explicit backend " + req.Preference,
		}
		if tier := tierOf(req.Preference); tier != "" {
			sel.EstimatedCost = h.estimate(tier, req.EstimatedTokens)
		}

	case h.Budget != nil && h.Budget.WouldBlock(cloudCost):
		if localOK {
			sel = Selection{Backend: router.BackendLocal, Reason: ReasonBudgetConstraint,
				ReasonDetail: fmt.Sprintf("cloud call of $%.4f would exceed the budget", cloudCost)}
		} else {
			backend, cost := h.cheapest(req.EstimatedTokens)
			sel = Selection{Backend: backend, Reason: ReasonBudgetConstraint, EstimatedCost: cost,
				ReasonDetail: "budget tight and local unavailable (" + localWhy + "); cheapest cloud"}
		}

	case !localOK:
		reason := ReasonLocalUnavailable
		if localWhy == "thermal" {
			reason = ReasonThermalThrottle
		}
		sel = Selection{Backend: cloud.backend, Reason: reason, EstimatedCost: cloudCost,
			ReasonDetail: fmt.Sprintf("local %s; %s task routed to %s", localWhy, complexity, cloud.backend)}

	case complexity == ComplexityComplex:
		sel = Selection{Backend: cloud.backend, Reason: ReasonTaskComplexity, EstimatedCost: cloudCost,
			ReasonDetail: "complex task routed to top tier"}

	default:
		sel = Selection{Backend: router.BackendLocal, Reason: ReasonDefault, ReasonDetail: "local model available"}
	}

	sel.FallbackChain = h.Fallback.Chain(sel.Backend)
	h.log.Debug().Str("backend", sel.Backend).Str("reason", string(sel.Reason)).Str("detail", sel.ReasonDetail).Msg("hybrid selection")
	return sel
}

// localAvailable reports whether the local model can serve, and if not
// whether the cause is "thermal", "error" or "offline".
func (h *HybridRouter) localAvailable() (bool, string) {
	if h.Thermal != nil {
		switch h.Thermal.State() {
		case thermal.StateStopTemp, thermal.StateCoolingWait:
			return false, "thermal"
		}
	}
	if h.Local != nil && h.Local.State() == localllm.StateError {
		return false, "error"
	}
	if h.Availability != nil && !h.Availability.IsOllamaOnline() {
		return false, "offline"
	}
	return true, ""
}

// estimate prices a call on the highest-priority model of tier. Output is
// assumed to be half the prompt size.
func (h *HybridRouter) estimate(tier string, tokens int) float64 {
	if h.Models == nil || tier == "" {
		return 0
	}
	m, ok := h.Models.ByTier(tier)
	if !ok {
		return 0
	}
	cost, _ := h.Models.EstimateCost(m.ID, tokens, tokens/2)
	return cost
}

// cheapest returns the backend of the cheapest catalog model, falling back
// to claude-haiku when the catalog has no mapped tier.
func (h *HybridRouter) cheapest(tokens int) (string, float64) {
	if h.Models != nil {
		if m, ok := h.Models.Cheapest(); ok {
			for _, tag := range m.Tags {
				if b, ok := tierBackends[tag]; ok {
					cost, _ := h.Models.EstimateCost(m.ID, tokens, tokens/2)
					return b, cost
				}
			}
		}
	}
	return router.BackendClaudeHaiku, h.estimate("haiku", tokens)
}

func tierOf(backend string) string {
	for tier, b := range tierBackends {
		if b == backend {
			return tier
		}
	}
	return ""
}
