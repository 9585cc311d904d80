// Package rag builds the retrieval store in three phases: a planner that
// classifies the ingest folder, an executor that runs eight substeps against
// the local model, and a verifier that grades the result.
package rag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/normanking/helix/internal/ingestion"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PLAN
// ═══════════════════════════════════════════════════════════════════════════════

// FileClassification is the planner's view of one file.
type FileClassification struct {
	File             string   `json:"file"`
	Category         string   `json:"category"`
	Priority         string   `json:"priority"`
	EstimatedChunks  int      `json:"estimated_chunks"`
	ChunkingStrategy string   `json:"chunking_strategy"`
	SummaryDepth     string   `json:"summary_depth"`
	EntityHints      []string `json:"entity_hints,omitempty"`
}

// PlanStep is one scheduled unit of the execution phase.
type PlanStep struct {
	Name             string   `json:"name"`
	TargetFiles      []string `json:"target_files,omitempty"`
	Model            string   `json:"model,omitempty"`
	EstimatedMinutes float64  `json:"estimated_minutes"`
	GPU              int      `json:"gpu"`
}

// SampleQuery is a retrieval test the verifier may run.
type SampleQuery struct {
	Query        string `json:"query"`
	ExpectedFile string `json:"expected_file,omitempty"`
}

// VerificationCriteria are the plan's acceptance thresholds.
type VerificationCriteria struct {
	MinCoverage   float64       `json:"min_coverage"`
	MinEntities   int           `json:"min_entities"`
	MaxEntities   int           `json:"max_entities"`
	SampleQueries []SampleQuery `json:"sample_queries,omitempty"`
}

// Plan is immutable once emitted.
type Plan struct {
	ID            string               `json:"plan_id"`
	CreatedAt     time.Time            `json:"created_at"`
	Analysis      []FileClassification `json:"analysis"`
	ExecutionPlan []PlanStep           `json:"execution_plan"`
	Verification  VerificationCriteria `json:"verification_criteria"`
	Fallback      bool                 `json:"fallback,omitempty"`
}

// DefaultExpectedEntities is used when a plan names no minimum.
const DefaultExpectedEntities = 10

// Classification returns the entry for file.
func (p Plan) Classification(file string) (FileClassification, bool) {
	for _, c := range p.Analysis {
		if c.File == file {
			return c, true
		}
	}
	return FileClassification{}, false
}

// Strategy returns the chunking strategy for file, semantic by default.
func (p Plan) Strategy(file string) ingestion.Strategy {
	c, _ := p.Classification(file)
	return ingestion.ParseStrategy(c.ChunkingStrategy)
}

// Category returns the category for file, "reference" by default.
func (p Plan) Category(file string) string {
	if c, ok := p.Classification(file); ok && c.Category != "" {
		return c.Category
	}
	return "reference"
}

// ExpectedMinEntities returns the structure target.
func (p Plan) ExpectedMinEntities() int {
	if p.Verification.MinEntities > 0 {
		return p.Verification.MinEntities
	}
	return DefaultExpectedEntities
}

// TotalMinutes sums the step estimates.
func (p Plan) TotalMinutes() float64 {
	var t float64
	for _, s := range p.ExecutionPlan {
		t += s.EstimatedMinutes
	}
	return t
}

// ErrNoJSON is returned when a model reply holds no JSON object.
var ErrNoJSON = errors.New("no json object in reply")

// extractJSON returns the outermost {...} substring of text.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}

// decodeReply decodes the {...} substring of text into out.
func decodeReply(text string, out any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// ParsePlan decodes a planner reply. A plan with no analysis is rejected.
func ParsePlan(text string) (Plan, error) {
	var p Plan
	if err := decodeReply(text, &p); err != nil {
		return Plan{}, err
	}
	if len(p.Analysis) == 0 {
		return Plan{}, errors.New("plan has no file analysis")
	}
	return p, nil
}

// SavePlan writes p as indented JSON.
func SavePlan(path string, p Plan) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadPlan reads a plan saved by SavePlan.
func LoadPlan(path string) (Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}
