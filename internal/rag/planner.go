package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PLANNER
// ═══════════════════════════════════════════════════════════════════════════════

// Substep names, in execution order.
const (
	StepChunking            = "chunking"
	StepEmbedding           = "embedding"
	StepSummarization       = "summarization"
	StepKGGeneration        = "kg_generation"
	StepRaptor              = "raptor"
	StepCommunities         = "graphrag_communities"
	StepSummaryEmbedding    = "summary_embedding"
	StepVerificationQueries = "verification_queries"
)

// AllSteps lists the substeps in order.
var AllSteps = []string{
	StepChunking, StepEmbedding, StepSummarization, StepKGGeneration,
	StepRaptor, StepCommunities, StepSummaryEmbedding, StepVerificationQueries,
}

// StatsSource supplies the store snapshot shown to the planner.
type StatsSource interface {
	Stats(ctx context.Context) (data.Stats, error)
}

// Planner asks a cloud model for a build plan and falls back to a
// synthesized one when the model fails.
type Planner struct {
	adapter  llm.Adapter
	stats    StatsSource
	settings config.RAGSettings
	now      func() time.Time
	log      zerolog.Logger
}

// NewPlanner creates a planner. adapter may be nil, in which case every
// plan is the fallback plan.
func NewPlanner(adapter llm.Adapter, stats StatsSource, settings config.RAGSettings) *Planner {
	return &Planner{
		adapter:  adapter,
		stats:    stats,
		settings: settings,
		now:      time.Now,
		log:      logging.Component("rag.planner"),
	}
}

type plannerFile struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Ext     string `json:"ext"`
	Preview string `json:"preview"`
}

// Plan returns a plan for files. It never fails; the fallback flag marks a
// synthesized plan.
func (p *Planner) Plan(ctx context.Context, session string, files []ingestion.FileInfo) Plan {
	if p.adapter == nil {
		return FallbackPlan(files, p.settings, p.now())
	}

	var stats data.Stats
	if p.stats != nil {
		if st, err := p.stats.Stats(ctx); err == nil {
			stats = st
		} else {
			p.log.Warn().Err(err).Msg("store stats unavailable for planning")
		}
	}

	prompt, err := p.prompt(files, stats)
	if err != nil {
		p.log.Warn().Err(err).Msg("build planner prompt")
		return FallbackPlan(files, p.settings, p.now())
	}

	resp := p.adapter.Send(ctx, llm.Request{
		SessionID: session,
		Phase:     "plan",
		Text:      prompt,
		Context:   map[string]any{"model": p.settings.PlannerModel},
	})
	if !resp.Success {
		p.log.Warn().Str("error_kind", string(resp.ErrorKind)).Msg("planner failed, using fallback plan")
		return FallbackPlan(files, p.settings, p.now())
	}
	plan, err := ParsePlan(resp.Text)
	if err != nil {
		p.log.Warn().Err(err).Msg("planner reply unusable, using fallback plan")
		return FallbackPlan(files, p.settings, p.now())
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	plan.CreatedAt = p.now()
	p.log.Info().Str("plan_id", plan.ID).Int("files", len(plan.Analysis)).Int("steps", len(plan.ExecutionPlan)).Msg("plan received")
	return plan
}

func (p *Planner) prompt(files []ingestion.FileInfo, stats data.Stats) (string, error) {
	listing := make([]plannerFile, len(files))
	for i, f := range files {
		listing[i] = plannerFile{Name: f.Name, Size: f.Size, Ext: f.Ext, Preview: f.Preview}
	}
	filesJSON, err := json.MarshalIndent(listing, "", "  ")
	if err != nil {
		return "", err
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You plan the construction of a retrieval store. Reply with JSON only.\n\n")
	fmt.Fprintf(&b, "Chunk size: %d characters, overlap: %d. Execution model: %s. Time limit: %d minutes.\n\n",
		p.settings.ChunkSize, p.settings.Overlap, p.settings.ExecModel, p.settings.TimeLimitMinutes)
	b.WriteString("Existing store statistics:\n")
	b.Write(statsJSON)
	b.WriteString("\n\nFiles:\n")
	b.Write(filesJSON)
	b.WriteString(`

Schema:
{"plan_id": string,
 "analysis": [{"file", "category", "priority": "high|medium|low", "estimated_chunks", "chunking_strategy": "fixed|semantic|sentence", "summary_depth", "entity_hints": []}],
 "execution_plan": [{"name", "target_files": [], "model", "estimated_minutes", "gpu"}],
 "verification_criteria": {"min_coverage", "min_entities", "max_entities", "sample_queries": [{"query", "expected_file"}]}}`)
	return b.String(), nil
}

// FallbackPlan classifies every file as reference/medium and schedules the
// six default steps. Time is estimated from the expected chunk count.
func FallbackPlan(files []ingestion.FileInfo, settings config.RAGSettings, now time.Time) Plan {
	size := settings.ChunkSize
	if size <= 0 {
		size = 512
	}
	step := size - settings.Overlap
	if step <= 0 {
		step = size
	}

	plan := Plan{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Fallback:  true,
		Verification: VerificationCriteria{
			MinCoverage: 0.9,
			MinEntities: DefaultExpectedEntities,
		},
	}

	names := make([]string, len(files))
	totalChunks := 0
	for i, f := range files {
		names[i] = f.Name
		chunks := int(math.Max(1, math.Ceil(float64(f.Size)/float64(step))))
		totalChunks += chunks
		plan.Analysis = append(plan.Analysis, FileClassification{
			File:             f.Name,
			Category:         "reference",
			Priority:         "medium",
			EstimatedChunks:  chunks,
			ChunkingStrategy: string(ingestion.StrategySemantic),
			SummaryDepth:     "document",
		})
	}

	// Rough per-chunk costs in minutes on a single local GPU.
	perChunk := map[string]float64{
		"chunk":     0.001,
		"embed":     0.01,
		"summarize": 0.05,
		"kg":        0.08,
		"raptor":    0.02,
		"verify":    0.005,
	}
	for _, name := range []string{"chunk", "embed", "summarize", "kg", "raptor", "verify"} {
		plan.ExecutionPlan = append(plan.ExecutionPlan, PlanStep{
			Name:             name,
			TargetFiles:      names,
			Model:            settings.ExecModel,
			EstimatedMinutes: math.Round(perChunk[name]*float64(totalChunks)*100) / 100,
		})
	}
	return plan
}
