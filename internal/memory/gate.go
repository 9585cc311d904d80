package memory

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

// DefaultGateThreshold is used when the configured threshold is unset.
const DefaultGateThreshold = 0.6

// GateDecision is the risk gate's verdict on one turn.
type GateDecision struct {
	Score  float64 `json:"score"`
	Commit bool    `json:"commit"`
	Reason string  `json:"reason,omitempty"`
	Facts  []Fact  `json:"facts,omitempty"`
}

// RiskGate scores candidate memory writes with a quality-check model. Only
// turns scoring at or above the threshold are committed.
type RiskGate struct {
	model     Completer
	threshold float64
	log       zerolog.Logger
}

// NewRiskGate creates a gate. A nil model rejects everything.
func NewRiskGate(model Completer, threshold float64) *RiskGate {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultGateThreshold
	}
	return &RiskGate{model: model, threshold: threshold, log: logging.Component("memory.gate")}
}

// Threshold returns the commit threshold.
func (g *RiskGate) Threshold() float64 { return g.threshold }

func gatePrompt(content string) string {
	return "Decide whether the message below states durable facts worth remembering about the user or their projects. " +
		"Score 0 for small talk or secrets, 1 for stable useful facts.\n" +
		`Reply strictly with JSON: {"score": 0.0, "reason": "...", "facts": [{"entity": "...", "attribute": "...", "value": "..."}]}` +
		"\n\nMessage:\n" + content
}

// Evaluate scores turn. Model failures reject the write.
func (g *RiskGate) Evaluate(ctx context.Context, turn Turn) GateDecision {
	if g.model == nil {
		return GateDecision{Reason: "no quality model configured"}
	}
	if strings.TrimSpace(turn.Content) == "" {
		return GateDecision{Reason: "empty message"}
	}

	reply, err := g.model.Complete(ctx, gatePrompt(turn.Content))
	if err != nil {
		g.log.Debug().Err(err).Msg("risk gate model failed")
		return GateDecision{Reason: "quality model failed: " + err.Error()}
	}
	start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return GateDecision{Reason: "unparseable score"}
	}
	var d GateDecision
	if err := json.Unmarshal([]byte(reply[start:end+1]), &d); err != nil {
		return GateDecision{Reason: "unparseable score"}
	}

	d.Score = math.Max(0, math.Min(1, d.Score))
	valid := d.Facts[:0]
	for _, f := range d.Facts {
		if f.Valid() {
			valid = append(valid, f)
		}
	}
	d.Facts = valid
	d.Commit = d.Score >= g.threshold && len(d.Facts) > 0
	g.log.Debug().Float64("score", d.Score).Bool("commit", d.Commit).Int("facts", len(d.Facts)).Msg("risk gate evaluated")
	return d
}
