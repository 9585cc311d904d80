package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// LocalModel is the local daemon surface used by the executor.
// *llm.OllamaClient satisfies it.
type LocalModel interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
	Complete(ctx context.Context, model, prompt string, opts llm.GenerateOptions) (string, error)
	HasModel(ctx context.Context, model string) (bool, error)
}

// Per-unit timeouts and sample sizes.
const (
	EmbedTimeout           = 15 * time.Second
	SummarizeTimeout       = 120 * time.Second
	KGTimeout              = 120 * time.Second
	VerificationSampleSize = 10
	CollectionSourceLimit  = 20
	CommunityNodeLimit     = 30
)

// Sentinel errors.
var (
	ErrCancelled       = errors.New("build cancelled")
	ErrChunkingFailed  = errors.New("chunking failed")
	ErrBuildInProgress = errors.New("a build is already in progress")
)

// Progress reports one unit of work.
type Progress struct {
	Step    string `json:"step"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	File    string `json:"file,omitempty"`
}

// StepResult is the outcome of one substep. It is also the line format of
// logs/rag_execution.jsonl.
type StepResult struct {
	Timestamp    time.Time `json:"timestamp"`
	Session      string    `json:"session"`
	Step         string    `json:"step"`
	Success      bool      `json:"success"`
	Skipped      bool      `json:"skipped,omitempty"`
	Aborted      bool      `json:"aborted,omitempty"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// QueryResult is one verification query.
type QueryResult struct {
	Query      string  `json:"query"`
	Score      float64 `json:"score"`
	Hit        int     `json:"hit"`
	BestFile   string  `json:"best_file"`
	SourceFile string  `json:"source_file"`
}

// QueryReport aggregates the verification queries.
type QueryReport struct {
	AvgScore   float64       `json:"avg_score"`
	HitRate    float64       `json:"hit_rate"`
	QueryCount int           `json:"query_count"`
	Details    []QueryResult `json:"details"`
}

// ExecutionReport is what Execute returns.
type ExecutionReport struct {
	Session   string       `json:"session"`
	Files     []string     `json:"files"`
	Steps     []StepResult `json:"steps"`
	Queries   *QueryReport `json:"queries,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
}

// Step returns the result of the named substep.
func (r ExecutionReport) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR
// ═══════════════════════════════════════════════════════════════════════════════

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithProgress receives every unit of work.
func WithProgress(fn func(Progress)) ExecutorOption {
	return func(e *Executor) { e.onProgress = fn }
}

// WithStepDone receives every substep result.
func WithStepDone(fn func(StepResult)) ExecutorOption {
	return func(e *Executor) { e.onStep = fn }
}

// WithExecutionLog appends step results to path.
func WithExecutionLog(path string) ExecutorOption {
	return func(e *Executor) { e.execLog = logging.NewJSONL(path) }
}

// WithDisabledSteps skips the named substeps.
func WithDisabledSteps(steps ...string) ExecutorOption {
	return func(e *Executor) {
		for _, s := range steps {
			e.disabled[s] = true
		}
	}
}

// WithExecutorClock replaces time.Now.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs the eight substeps against the store and the local model.
type Executor struct {
	store      *data.Store
	local      LocalModel
	chunker    *ingestion.Chunker
	settings   config.RAGSettings
	disabled   map[string]bool
	onProgress func(Progress)
	onStep     func(StepResult)
	execLog    *logging.JSONL
	now        func() time.Time
	log        zerolog.Logger
}

// NewExecutor validates the chunk settings.
func NewExecutor(store *data.Store, local LocalModel, settings config.RAGSettings, opts ...ExecutorOption) (*Executor, error) {
	chunker, err := ingestion.NewChunker(settings.ChunkSize, settings.Overlap)
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}
	if settings.KGMaxConsecutiveFailures <= 0 {
		settings.KGMaxConsecutiveFailures = 3
	}
	e := &Executor{
		store:    store,
		local:    local,
		chunker:  chunker,
		settings: settings,
		disabled: map[string]bool{},
		now:      time.Now,
		log:      logging.Component("rag.executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type buildState struct {
	plan    Plan
	files   []ingestion.FileInfo
	names   []string
	session string
	chunks  []data.Chunk
	queries *QueryReport
}

// Execute runs every enabled substep over files. It returns an error only
// when chunking fails or ctx is cancelled; other substeps are best effort
// and report their counts in the result.
func (e *Executor) Execute(ctx context.Context, plan Plan, files []ingestion.FileInfo, session string) (ExecutionReport, error) {
	st := &buildState{plan: plan, files: files, session: session}
	for _, f := range files {
		st.names = append(st.names, f.Name)
	}
	report := ExecutionReport{Session: session, Files: st.names}

	steps := []struct {
		name string
		run  func(context.Context, *buildState) StepResult
	}{
		{StepChunking, e.chunkFiles},
		{StepEmbedding, e.embedChunks},
		{StepSummarization, e.summarizeChunks},
		{StepKGGeneration, e.generateGraph},
		{StepRaptor, e.buildRaptor},
		{StepCommunities, e.detectCommunities},
		{StepSummaryEmbedding, e.backfillSummaryEmbeddings},
		{StepVerificationQueries, e.runVerificationQueries},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			report.Cancelled = true
			return report, ErrCancelled
		}

		var res StepResult
		start := e.now()
		if e.disabled[step.name] {
			res = StepResult{Step: step.name, Success: true, Skipped: true}
		} else {
			res = step.run(ctx, st)
		}
		res.Step = step.name
		res.Session = session
		res.Timestamp = e.now()
		res.DurationMS = res.Timestamp.Sub(start).Milliseconds()
		e.finish(res)
		report.Steps = append(report.Steps, res)

		if ctx.Err() != nil {
			report.Cancelled = true
			return report, ErrCancelled
		}
		if step.name == StepChunking {
			if !res.Success {
				return report, fmt.Errorf("%w: %s", ErrChunkingFailed, res.Error)
			}
			if err := e.loadChunks(ctx, st); err != nil {
				return report, fmt.Errorf("%w: %v", ErrChunkingFailed, err)
			}
		}
	}
	report.Queries = st.queries
	return report, nil
}

func (e *Executor) finish(res StepResult) {
	ev := e.log.Info()
	if !res.Success {
		ev = e.log.Warn()
	}
	ev.Str("step", res.Step).Bool("skipped", res.Skipped).Bool("aborted", res.Aborted).
		Int("ok", res.SuccessCount).Int("failed", res.FailedCount).Str("error", res.Error).
		Int64("duration_ms", res.DurationMS).Msg("rag substep finished")
	if e.execLog != nil {
		if err := e.execLog.Append(res); err != nil {
			e.log.Warn().Err(err).Msg("append rag execution log")
		}
	}
	if e.onStep != nil {
		e.onStep(res)
	}
}

func (e *Executor) progress(step string, current, total int, file string) {
	if e.onProgress != nil {
		e.onProgress(Progress{Step: step, Current: current, Total: total, File: file})
	}
}

func (e *Executor) loadChunks(ctx context.Context, st *buildState) error {
	st.chunks = st.chunks[:0]
	for _, name := range st.names {
		rows, err := e.store.Chunks(ctx, name)
		if err != nil {
			return err
		}
		st.chunks = append(st.chunks, rows...)
	}
	return nil
}

func cancelled(res StepResult) StepResult {
	res.Aborted = true
	res.Success = false
	res.Error = ErrCancelled.Error()
	return res
}

func (e *Executor) model(name string) string {
	if name != "" {
		return name
	}
	return e.settings.ExecModel
}

func (e *Executor) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()
	return e.local.Embed(ctx, e.settings.EmbeddingModel, text)
}

func (e *Executor) complete(ctx context.Context, model, prompt string, timeout time.Duration, jsonMode bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.local.Complete(ctx, model, prompt, llm.GenerateOptions{JSON: jsonMode, Temperature: 0.2})
}

// ═══════════════════════════════════════════════════════════════════════════════
// A. CHUNKING
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) chunkFiles(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	for i, f := range st.files {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepChunking, i+1, len(st.files), f.Name)

		content, err := ingestion.ReadText(f.Path)
		if err != nil {
			res.FailedCount++
			res.Error = err.Error()
			return res
		}
		rows := e.chunker.ChunkFile(f, content, st.plan.Strategy(f.Name), st.plan.Category(f.Name))
		if _, err := e.store.ReplaceSource(ctx, f.Name, rows); err != nil {
			res.FailedCount++
			res.Error = err.Error()
			return res
		}
		if err := e.store.DeleteSummaries(ctx, f.Name); err != nil {
			res.FailedCount++
			res.Error = err.Error()
			return res
		}
		res.SuccessCount++
	}
	res.Success = true
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// B. EMBEDDING
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) embedChunks(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	for i := range st.chunks {
		c := &st.chunks[i]
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepEmbedding, i+1, len(st.chunks), c.SourceFile)
		if c.HasEmbedding() {
			res.SuccessCount++
			continue
		}
		vec, err := e.embed(ctx, c.Content)
		if err != nil {
			res.FailedCount++
			e.log.Debug().Err(err).Int64("chunk", c.ID).Msg("embedding failed")
			continue
		}
		if err := e.store.SetChunkEmbedding(ctx, c.ID, vec); err != nil {
			res.FailedCount++
			continue
		}
		c.Embedding = vec
		res.SuccessCount++
	}
	res.Success = true
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// C. SUMMARIZATION & KEYWORDS
// ═══════════════════════════════════════════════════════════════════════════════

type chunkDigest struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
	Entities []string `json:"entities"`
}

func summaryPrompt(content string) string {
	return "Summarize the text below in one or two sentences and list its keywords and named entities.\n" +
		`Reply strictly with JSON: {"summary": "...", "keywords": ["..."], "entities": ["..."]}` +
		"\n\nText:\n" + content
}

func (e *Executor) summarizeChunks(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	for i := range st.chunks {
		c := &st.chunks[i]
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepSummarization, i+1, len(st.chunks), c.SourceFile)

		reply, err := e.complete(ctx, e.settings.ExecModel, summaryPrompt(c.Content), SummarizeTimeout, true)
		if err != nil {
			res.FailedCount++
			continue
		}
		var d chunkDigest
		if err := decodeReply(reply, &d); err != nil || strings.TrimSpace(d.Summary) == "" {
			res.FailedCount++
			continue
		}
		patch := map[string]any{"summary": strings.TrimSpace(d.Summary), "keywords": d.Keywords, "entities": d.Entities}
		if err := e.store.MergeChunkMetadata(ctx, c.ID, patch); err != nil {
			res.FailedCount++
			continue
		}
		for k, v := range patch {
			c.Metadata[k] = v
		}
		res.SuccessCount++
	}
	res.Success = true
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// D. ENTITY EXTRACTION & KG EDGES
// ═══════════════════════════════════════════════════════════════════════════════

type graphNode struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

type graphEdge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

type graphReply struct {
	Nodes []graphNode `json:"nodes"`
	Edges []graphEdge `json:"edges"`
}

func graphPrompt(content string) string {
	return "Extract facts from the text below as a knowledge graph.\n" +
		`Reply strictly with JSON: {"nodes": [{"entity": "...", "attribute": "...", "value": "..."}], ` +
		`"edges": [{"source": "...", "target": "...", "relation": "..."}]}` +
		"\n\nText:\n" + content
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func (e *Executor) generateGraph(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	model := e.settings.ExecModel

	ok, err := e.local.HasModel(ctx, model)
	if err != nil {
		res.Aborted = true
		res.Error = fmt.Sprintf("cannot list local models: %v", err)
		return res
	}
	if !ok {
		res.Aborted = true
		res.Error = fmt.Sprintf("model %q is not installed on the local daemon", model)
		return res
	}

	consecutive := 0
	for i := range st.chunks {
		c := st.chunks[i]
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepKGGeneration, i+1, len(st.chunks), c.SourceFile)

		reply, err := e.complete(ctx, model, graphPrompt(c.Content), KGTimeout, true)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(res)
			}
			res.FailedCount++
			if llm.ClassifyError(err) != llm.KindConnectionError {
				consecutive = 0
				continue
			}
			consecutive++
			if consecutive >= e.settings.KGMaxConsecutiveFailures {
				res.Aborted = true
				res.Error = fmt.Sprintf("aborted after %d consecutive connection failures: %v", consecutive, err)
				return res
			}
			continue
		}
		consecutive = 0

		var g graphReply
		if err := decodeReply(reply, &g); err != nil {
			res.FailedCount++
			continue
		}
		if err := e.storeGraph(ctx, c, g, st.session); err != nil {
			e.log.Debug().Err(err).Int64("chunk", c.ID).Msg("store graph failed")
			res.FailedCount++
			continue
		}
		res.SuccessCount++
	}
	res.Success = true
	return res
}

func (e *Executor) storeGraph(ctx context.Context, c data.Chunk, g graphReply, session string) error {
	for _, n := range g.Nodes {
		entity, attr := strings.TrimSpace(n.Entity), strings.TrimSpace(n.Attribute)
		if entity == "" || attr == "" {
			continue
		}
		value := valueString(n.Value)
		vec, err := e.embed(ctx, entity+" "+attr+" "+value)
		if err != nil {
			vec = nil
		}
		if _, err := e.store.UpsertNode(ctx, data.Node{
			Entity:        entity,
			Attribute:     attr,
			Value:         value,
			Embedding:     vec,
			Confidence:    data.DefaultNodeConfidence,
			SourceSession: session,
		}, c.ID); err != nil {
			return err
		}
	}
	for _, ed := range g.Edges {
		if ed.Source == "" || ed.Target == "" || ed.Relation == "" {
			continue
		}
		src, err := e.store.EntityNode(ctx, ed.Source, session)
		if err != nil {
			return err
		}
		dst, err := e.store.EntityNode(ctx, ed.Target, session)
		if err != nil {
			return err
		}
		if err := e.store.UpsertEdge(ctx, data.Edge{SourceID: src, TargetID: dst, Relation: ed.Relation}); err != nil {
			return err
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// E. RAPTOR HIERARCHICAL SUMMARIES
// ═══════════════════════════════════════════════════════════════════════════════

func documentPrompt(file string, summaries []string) string {
	return fmt.Sprintf("Write a 3 to 5 sentence summary of the document %q from these section summaries:\n\n- %s",
		file, strings.Join(summaries, "\n- "))
}

func collectionPrompt(summaries []string) string {
	return "Write a 5 to 8 sentence overview of a document collection from these document summaries:\n\n- " +
		strings.Join(summaries, "\n- ")
}

func (e *Executor) buildRaptor(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	for i, name := range st.names {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepRaptor, i+1, len(st.names)+1, name)

		chunks, err := e.store.Chunks(ctx, name)
		if err != nil {
			res.FailedCount++
			continue
		}
		var summaries []string
		entities := map[string]bool{}
		for _, c := range chunks {
			if s := c.Summary(); s != "" {
				summaries = append(summaries, s)
			}
			if list, ok := c.Metadata["entities"].([]any); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						entities[s] = true
					}
				}
			}
		}
		if len(summaries) == 0 {
			continue
		}

		text, err := e.complete(ctx, e.settings.ExecModel, documentPrompt(name, summaries), SummarizeTimeout, false)
		if err != nil || strings.TrimSpace(text) == "" {
			res.FailedCount++
			continue
		}
		vec, _ := e.embed(ctx, text)
		if err := e.store.DeleteSummaries(ctx, name); err != nil {
			e.log.Warn().Err(err).Str("source", name).Msg("replace document summary")
			res.FailedCount++
			continue
		}
		if _, err := e.store.InsertSummary(ctx, data.DocumentSummary{
			SourceFile:  name,
			Level:       data.LevelDocument,
			Summary:     strings.TrimSpace(text),
			Embedding:   vec,
			EntityCount: len(entities),
		}); err != nil {
			res.FailedCount++
			continue
		}
		res.SuccessCount++
	}

	if ctx.Err() != nil {
		return cancelled(res)
	}
	e.progress(StepRaptor, len(st.names)+1, len(st.names)+1, data.CollectionSource)
	docs, err := e.store.Summaries(ctx, data.LevelDocument, CollectionSourceLimit)
	if err != nil || len(docs) == 0 {
		res.Success = true
		return res
	}
	summaries := make([]string, len(docs))
	entityCount := 0
	for i, d := range docs {
		summaries[i] = d.Summary
		entityCount += d.EntityCount
	}
	text, err := e.complete(ctx, e.settings.ExecModel, collectionPrompt(summaries), SummarizeTimeout, false)
	if err != nil || strings.TrimSpace(text) == "" {
		res.FailedCount++
		res.Success = true
		return res
	}
	vec, _ := e.embed(ctx, text)
	res.Success = true
	if err := e.store.DeleteSummaries(ctx, data.CollectionSource); err != nil {
		e.log.Warn().Err(err).Str("source", data.CollectionSource).Msg("replace collection summary")
		res.FailedCount++
		return res
	}
	if _, err := e.store.InsertSummary(ctx, data.DocumentSummary{
		SourceFile:  data.CollectionSource,
		Level:       data.LevelCollection,
		Summary:     strings.TrimSpace(text),
		Embedding:   vec,
		EntityCount: entityCount,
	}); err != nil {
		e.log.Warn().Err(err).Str("source", data.CollectionSource).Msg("insert collection summary")
		res.FailedCount++
		return res
	}
	res.SuccessCount++
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// F. GRAPHRAG COMMUNITIES
// ═══════════════════════════════════════════════════════════════════════════════

// connectedComponents runs BFS over the undirected entity graph and returns
// components with at least two entities, each sorted, in a stable order.
func connectedComponents(edges []data.EntityEdge) [][]string {
	adj := map[string]map[string]bool{}
	link := func(a, b string) {
		if adj[a] == nil {
			adj[a] = map[string]bool{}
		}
		if a != b {
			adj[a][b] = true
		}
	}
	for _, e := range edges {
		link(e.Source, e.Target)
		link(e.Target, e.Source)
	}

	roots := make([]string, 0, len(adj))
	for k := range adj {
		roots = append(roots, k)
	}
	sort.Strings(roots)

	seen := map[string]bool{}
	var out [][]string
	for _, root := range roots {
		if seen[root] {
			continue
		}
		seen[root] = true
		queue := []string{root}
		var comp []string
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			for next := range adj[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(comp) >= 2 {
			sort.Strings(comp)
			out = append(out, comp)
		}
	}
	return out
}

func communityPrompt(nodes []data.Node) string {
	var b strings.Builder
	b.WriteString("Write a 3 sentence summary of the community of related facts below:\n\n")
	for _, n := range nodes {
		fmt.Fprintf(&b, "- %s %s %s\n", n.Entity, n.Attribute, n.Value)
	}
	return b.String()
}

func (e *Executor) detectCommunities(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	edges, err := e.store.CurrentEntityEdges(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	comps := connectedComponents(edges)
	if err := e.store.DeleteSummariesWithPrefix(ctx, data.CommunityPrefix); err != nil {
		res.Error = err.Error()
		return res
	}

	for i, comp := range comps {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		source := fmt.Sprintf("%s%d", data.CommunityPrefix, i)
		e.progress(StepCommunities, i+1, len(comps), source)

		nodes, err := e.store.NodesForEntities(ctx, comp, CommunityNodeLimit)
		if err != nil || len(nodes) == 0 {
			res.FailedCount++
			continue
		}
		text, err := e.complete(ctx, e.settings.ExecModel, communityPrompt(nodes), SummarizeTimeout, false)
		if err != nil || strings.TrimSpace(text) == "" {
			res.FailedCount++
			continue
		}
		vec, _ := e.embed(ctx, text)
		if _, err := e.store.InsertSummary(ctx, data.DocumentSummary{
			SourceFile:  source,
			Level:       data.LevelCollection,
			Summary:     strings.TrimSpace(text),
			Embedding:   vec,
			EntityCount: len(comp),
		}); err != nil {
			res.FailedCount++
			continue
		}
		res.SuccessCount++
	}
	res.Success = true
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// G. SUMMARY EMBEDDING BACKFILL
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) backfillSummaryEmbeddings(ctx context.Context, _ *buildState) StepResult {
	res := StepResult{}
	missing, err := e.store.SummariesMissingEmbedding(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for i, s := range missing {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepSummaryEmbedding, i+1, len(missing), s.SourceFile)
		vec, err := e.embed(ctx, s.Summary)
		if err != nil {
			res.FailedCount++
			continue
		}
		if err := e.store.SetSummaryEmbedding(ctx, s.ID, vec); err != nil {
			res.FailedCount++
			continue
		}
		res.SuccessCount++
	}
	res.Success = true
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// H. VERIFICATION QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

func queryPrompt(content string) string {
	return "Write one short search query that a user would type to find the passage below. " +
		"Reply with the query only.\n\nPassage:\n" + content
}

func cleanQuery(reply string) string {
	reply = strings.TrimSpace(reply)
	if i := strings.IndexByte(reply, '\n'); i >= 0 {
		reply = reply[:i]
	}
	return strings.Trim(strings.TrimSpace(reply), "\"'`")
}

func (e *Executor) runVerificationQueries(ctx context.Context, st *buildState) StepResult {
	res := StepResult{}
	sample, err := e.store.SampleChunks(ctx, VerificationSampleSize)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	var details []QueryResult
	for i, c := range sample {
		if ctx.Err() != nil {
			return cancelled(res)
		}
		e.progress(StepVerificationQueries, i+1, len(sample), c.SourceFile)

		reply, err := e.complete(ctx, e.model(e.settings.QualityModel), queryPrompt(c.Content), SummarizeTimeout, false)
		query := cleanQuery(reply)
		if err != nil || query == "" {
			res.FailedCount++
			continue
		}
		vec, err := e.embed(ctx, query)
		if err != nil {
			res.FailedCount++
			continue
		}
		hits, err := e.store.Search(ctx, vec, 1)
		if err != nil || len(hits) == 0 {
			res.FailedCount++
			continue
		}
		r := QueryResult{
			Query:      query,
			Score:      math.Round(hits[0].Score*10000) / 100,
			BestFile:   hits[0].SourceFile,
			SourceFile: c.SourceFile,
		}
		if r.BestFile == c.SourceFile {
			r.Hit = 1
		}
		details = append(details, r)
		res.SuccessCount++
	}

	report := summarizeQueries(details)
	st.queries = &report
	res.Success = true
	return res
}

func summarizeQueries(details []QueryResult) QueryReport {
	r := QueryReport{QueryCount: len(details), Details: details}
	if len(details) == 0 {
		return r
	}
	var score float64
	hits := 0
	for _, d := range details {
		score += d.Score
		hits += d.Hit
	}
	r.AvgScore = math.Round(score/float64(len(details))*100) / 100
	r.HitRate = float64(hits) / float64(len(details))
	return r
}
