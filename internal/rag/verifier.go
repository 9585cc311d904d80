package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ═══════════════════════════════════════════════════════════════════════════════

// HashAudit compares stored source hashes with the ingest folder.
type HashAudit struct {
	Checked    int      `json:"checked"`
	Mismatches []string `json:"mismatches"`
	Missing    []string `json:"missing"`
}

// Stale is the number of sources whose stored hash no longer matches disk.
func (a HashAudit) Stale() int { return len(a.Mismatches) + len(a.Missing) }

// ChunkSample is a trimmed chunk shown to the verifier.
type ChunkSample struct {
	SourceFile string `json:"source_file"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	Summary    string `json:"summary,omitempty"`
	Embedded   bool   `json:"embedded"`
}

// Snapshot is everything the verifier grades.
type Snapshot struct {
	Stats       data.Stats    `json:"stats"`
	Coverage    float64       `json:"coverage"`
	ChunkSample []ChunkSample `json:"chunk_sample"`
	NodeSample  []data.Node   `json:"node_sample"`
	Audit       HashAudit     `json:"hash_audit"`
	Queries     *QueryReport  `json:"verification_queries,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// VERDICT
// ═══════════════════════════════════════════════════════════════════════════════

// Verdict values.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"

	// PassScore is the auto-verify threshold.
	PassScore = 70.0
)

// Criterion names.
const (
	CriterionCoverage  = "coverage"
	CriterionDedup     = "dedup"
	CriterionFreshness = "freshness"
	CriterionStructure = "structure"
	CriterionRetrieval = "retrieval"
)

// Criterion is one graded dimension.
type Criterion struct {
	Pass  bool    `json:"pass"`
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}

// Remediation names a substep to rerun.
type Remediation struct {
	TargetStep string `json:"target_step"`
	Reason     string `json:"reason"`
	Action     string `json:"action"`
}

// Verdict is the verifier's grade.
type Verdict struct {
	OverallVerdict              string               `json:"overall_verdict"`
	Score                       float64              `json:"score"`
	Criteria                    map[string]Criterion `json:"criteria"`
	RemediationSteps            []Remediation        `json:"remediation_steps"`
	EstimatedRemediationMinutes float64              `json:"estimated_remediation_minutes"`
	Auto                        bool                 `json:"auto,omitempty"`
}

// Passed reports an overall PASS.
func (v Verdict) Passed() bool { return v.OverallVerdict == VerdictPass }

// ParseVerdict decodes a verifier reply.
func ParseVerdict(text string) (Verdict, error) {
	var v Verdict
	if err := decodeReply(text, &v); err != nil {
		return Verdict{}, err
	}
	v.OverallVerdict = strings.ToUpper(strings.TrimSpace(v.OverallVerdict))
	if v.OverallVerdict != VerdictPass && v.OverallVerdict != VerdictFail {
		return Verdict{}, fmt.Errorf("unknown verdict %q", v.OverallVerdict)
	}
	if v.Score < 0 || v.Score > 100 {
		return Verdict{}, fmt.Errorf("score %.1f out of range", v.Score)
	}
	return v, nil
}

// AutoVerify grades a snapshot without a model. Coverage is the embedded
// share of chunks, freshness the share of sources whose hash still matches,
// structure the current node count against expectedMin. The weighted score
// passes at PassScore.
func AutoVerify(snap Snapshot, expectedMin int, w config.AutoVerifyWeights) Verdict {
	if expectedMin <= 0 {
		expectedMin = DefaultExpectedEntities
	}
	if w.Coverage+w.Freshness+w.Structure <= 0 {
		w = config.AutoVerifyWeights{Coverage: 1.0 / 3, Freshness: 1.0 / 3, Structure: 1.0 / 3}
	}

	coverage := snap.Stats.Coverage() * 100
	freshness := 100.0
	if snap.Audit.Checked > 0 {
		freshness = (1 - float64(snap.Audit.Stale())/float64(snap.Audit.Checked)) * 100
	}
	structure := math.Min(100, float64(snap.Stats.CurrentNodes)*100/float64(expectedMin))

	score := (coverage*w.Coverage + freshness*w.Freshness + structure*w.Structure) /
		(w.Coverage + w.Freshness + w.Structure)
	score = math.Round(score*10) / 10

	v := Verdict{
		OverallVerdict: VerdictFail,
		Score:          score,
		Auto:           true,
		Criteria: map[string]Criterion{
			CriterionCoverage:  grade(coverage, fmt.Sprintf("%d of %d chunks embedded", snap.Stats.EmbeddedChunks, snap.Stats.Documents)),
			CriterionFreshness: grade(freshness, fmt.Sprintf("%d of %d sources stale", snap.Audit.Stale(), snap.Audit.Checked)),
			CriterionStructure: grade(structure, fmt.Sprintf("%d current nodes, expected at least %d", snap.Stats.CurrentNodes, expectedMin)),
		},
	}
	if score >= PassScore {
		v.OverallVerdict = VerdictPass
	}

	if !v.Criteria[CriterionCoverage].Pass {
		v.RemediationSteps = append(v.RemediationSteps, Remediation{
			TargetStep: StepEmbedding, Reason: "low embedding coverage", Action: "rerun embedding for chunks without vectors",
		})
	}
	if !v.Criteria[CriterionFreshness].Pass {
		v.RemediationSteps = append(v.RemediationSteps, Remediation{
			TargetStep: StepChunking, Reason: "stored hashes differ from the ingest folder", Action: "rebuild the modified files",
		})
	}
	if !v.Criteria[CriterionStructure].Pass {
		v.RemediationSteps = append(v.RemediationSteps, Remediation{
			TargetStep: StepKGGeneration, Reason: "too few knowledge graph nodes", Action: "rerun entity extraction",
		})
	}
	return v
}

func grade(score float64, note string) Criterion {
	return Criterion{Pass: score >= PassScore, Score: math.Round(score*10) / 10, Note: note}
}

// ═══════════════════════════════════════════════════════════════════════════════
// VERIFIER
// ═══════════════════════════════════════════════════════════════════════════════

// Verifier collects a snapshot and asks a cloud model to grade it.
type Verifier struct {
	adapter  llm.Adapter
	store    *data.Store
	root     string
	settings config.RAGSettings
	log      zerolog.Logger
}

// NewVerifier creates a verifier over the ingest folder root. adapter may
// be nil, in which case every verdict comes from AutoVerify.
func NewVerifier(adapter llm.Adapter, store *data.Store, root string, settings config.RAGSettings) *Verifier {
	return &Verifier{
		adapter:  adapter,
		store:    store,
		root:     root,
		settings: settings,
		log:      logging.Component("rag.verifier"),
	}
}

// Snapshot gathers stats, samples and the hash audit concurrently.
func (v *Verifier) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	sampleSize := v.settings.SampleChunks
	if sampleSize <= 0 {
		sampleSize = 5
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := v.store.Stats(gctx)
		if err != nil {
			return err
		}
		snap.Stats = st
		snap.Coverage = st.Coverage()
		return nil
	})
	g.Go(func() error {
		chunks, err := v.store.SampleChunks(gctx, sampleSize)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			snap.ChunkSample = append(snap.ChunkSample, ChunkSample{
				SourceFile: c.SourceFile,
				ChunkIndex: c.ChunkIndex,
				Content:    logging.Truncate(c.Content, 400),
				Summary:    c.Summary(),
				Embedded:   c.HasEmbedding(),
			})
		}
		return nil
	})
	g.Go(func() error {
		nodes, err := v.store.SampleNodes(gctx, sampleSize)
		if err != nil {
			return err
		}
		snap.NodeSample = nodes
		return nil
	})
	g.Go(func() error {
		audit, err := v.audit(gctx)
		if err != nil {
			return err
		}
		snap.Audit = audit
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("collect verification snapshot: %w", err)
	}
	return snap, nil
}

func (v *Verifier) audit(ctx context.Context) (HashAudit, error) {
	stored, err := v.store.SourceHashes(ctx)
	if err != nil {
		return HashAudit{}, err
	}
	names := make([]string, 0, len(stored))
	for name := range stored {
		names = append(names, name)
	}
	sort.Strings(names)

	audit := HashAudit{Checked: len(names)}
	for _, name := range names {
		hash, err := ingestion.HashFile(filepath.Join(v.root, filepath.FromSlash(name)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			audit.Missing = append(audit.Missing, name)
		case err != nil:
			return HashAudit{}, err
		case hash != stored[name]:
			audit.Mismatches = append(audit.Mismatches, name)
		}
	}
	return audit, nil
}

// Verify grades the store. A failed or unusable model reply falls back to
// AutoVerify; only snapshot collection can fail.
func (v *Verifier) Verify(ctx context.Context, session string, plan Plan, queries *QueryReport) (Verdict, Snapshot, error) {
	snap, err := v.Snapshot(ctx)
	if err != nil {
		return Verdict{}, Snapshot{}, err
	}
	snap.Queries = queries

	auto := func(reason string) Verdict {
		verdict := AutoVerify(snap, plan.ExpectedMinEntities(), v.settings.AutoVerifyWeights)
		v.log.Info().Str("reason", reason).Str("verdict", verdict.OverallVerdict).Float64("score", verdict.Score).Msg("auto verification")
		return verdict
	}
	if v.adapter == nil {
		return auto("no verifier configured"), snap, nil
	}

	prompt, err := v.prompt(plan, snap)
	if err != nil {
		return auto(err.Error()), snap, nil
	}
	resp := v.adapter.Send(ctx, llm.Request{
		SessionID: session,
		Phase:     "verify",
		Text:      prompt,
		Context:   map[string]any{"model": v.settings.PlannerModel},
	})
	if !resp.Success {
		return auto(string(resp.ErrorKind)), snap, nil
	}
	verdict, err := ParseVerdict(resp.Text)
	if err != nil {
		return auto(err.Error()), snap, nil
	}
	v.log.Info().Str("verdict", verdict.OverallVerdict).Float64("score", verdict.Score).Msg("verification verdict received")
	return verdict, snap, nil
}

func (v *Verifier) prompt(plan Plan, snap Snapshot) (string, error) {
	snapJSON, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	criteriaJSON, err := json.Marshal(plan.Verification)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You audit a freshly built retrieval store. Reply with JSON only.\n\n")
	b.WriteString("Acceptance criteria from the build plan:\n")
	b.Write(criteriaJSON)
	b.WriteString("\n\nStore snapshot:\n")
	b.Write(snapJSON)
	b.WriteString(`

Schema:
{"overall_verdict": "PASS|FAIL", "score": 0-100,
 "criteria": {"coverage": {"pass", "score"}, "dedup": {...}, "freshness": {...}, "structure": {...}, "retrieval": {...}},
 "remediation_steps": [{"target_step", "reason", "action"}],
 "estimated_remediation_minutes": number}`)
	return b.String(), nil
}
