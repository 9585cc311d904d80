package memory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
)

// Enrichment sizes.
const (
	HistoryTurns   = 10
	RecallFacts    = 5
	RecallPatterns = 3
)

// Manager ties the four layers together.
type Manager struct {
	Thread     *Thread
	Episodic   *Episodic
	Semantic   *Semantic
	Procedural *Procedural
	gate       *RiskGate
	enabled    bool
	log        zerolog.Logger
}

// Config wires a Manager. Any layer may be nil.
type Config struct {
	Enabled    bool
	Thread     *Thread
	Episodic   *Episodic
	Semantic   *Semantic
	Procedural *Procedural
	Gate       *RiskGate
}

// NewManager creates a manager; a nil thread gets a default one.
func NewManager(cfg Config) *Manager {
	if cfg.Thread == nil {
		cfg.Thread = NewThread(DefaultThreadTurns)
	}
	return &Manager{
		Thread:     cfg.Thread,
		Episodic:   cfg.Episodic,
		Semantic:   cfg.Semantic,
		Procedural: cfg.Procedural,
		gate:       cfg.Gate,
		enabled:    cfg.Enabled,
		log:        logging.Component("memory"),
	}
}

// Enabled reports whether turns are observed.
func (m *Manager) Enabled() bool { return m.enabled }

// Observe records a turn in every layer. User turns pass through the risk
// gate and, when committed, become semantic facts.
func (m *Manager) Observe(ctx context.Context, turn Turn) (GateDecision, error) {
	if !m.enabled {
		return GateDecision{Reason: "memory disabled"}, nil
	}
	if m.Episodic != nil {
		recorded, err := m.Episodic.Record(turn)
		if err != nil {
			return GateDecision{}, fmt.Errorf("record turn: %w", err)
		}
		turn = recorded
	}
	m.Thread.Add(turn)

	if turn.Role != "user" || m.gate == nil || m.Semantic == nil {
		return GateDecision{}, nil
	}
	decision := m.gate.Evaluate(ctx, turn)
	if !decision.Commit {
		return decision, nil
	}
	for _, f := range decision.Facts {
		if _, err := m.Semantic.Remember(ctx, f, turn.SessionID); err != nil {
			return decision, err
		}
	}
	m.log.Info().Str("session", turn.SessionID).Int("facts", len(decision.Facts)).Float64("score", decision.Score).Msg("memory committed")
	return decision, nil
}

// Enrich returns a copy of req whose context carries recent history, known
// facts and reusable patterns. Keys the caller already set are kept.
func (m *Manager) Enrich(ctx context.Context, req llm.Request) llm.Request {
	if !m.enabled {
		return req
	}
	out := req
	out.Context = make(map[string]any, len(req.Context)+3)
	for k, v := range req.Context {
		out.Context[k] = v
	}

	if _, ok := out.Context["recent_history"]; !ok {
		turns := m.Thread.Recent(req.SessionID, HistoryTurns)
		if len(turns) > 0 {
			msgs := make([]llm.Message, len(turns))
			for i, t := range turns {
				msgs[i] = t.Message()
			}
			out.Context["recent_history"] = msgs
		}
	}

	if _, ok := out.Context["memory_facts"]; !ok {
		facts := m.Thread.Facts(req.SessionID)
		if m.Semantic != nil {
			nodes, err := m.Semantic.Recall(ctx, req.Text, RecallFacts)
			if err != nil {
				m.log.Debug().Err(err).Msg("semantic recall failed")
			}
			for _, n := range nodes {
				facts = append(facts, Fact{Entity: n.Entity, Attribute: n.Attribute, Value: n.Value}.String())
			}
		}
		if len(facts) > 0 {
			out.Context["memory_facts"] = facts
		}
	}

	if _, ok := out.Context["memory_patterns"]; !ok && m.Procedural != nil {
		patterns, err := m.Procedural.Find(req.Text, RecallPatterns)
		if err != nil {
			m.log.Debug().Err(err).Msg("pattern lookup failed")
		}
		if len(patterns) > 0 {
			lines := make([]string, len(patterns))
			for i, p := range patterns {
				lines[i] = p.Name + ": " + p.Description
			}
			out.Context["memory_patterns"] = lines
		}
	}
	return out
}
