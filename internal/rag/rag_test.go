package rag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/ingestion"
	"github.com/normanking/helix/internal/llm"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════════

// fakeLocal answers every prompt kind the executor sends.
type fakeLocal struct {
	mu       sync.Mutex
	missing  bool
	graphErr func(call int) error
	calls    map[string]int
}

func newFakeLocal() *fakeLocal { return &fakeLocal{calls: map[string]int{}} }

// letterVector counts letters so related text lands close together.
func letterVector(text string) []float32 {
	v := make([]float32, 27)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[26] = 1
	return v
}

func (f *fakeLocal) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	return letterVector(text), nil
}

func (f *fakeLocal) HasModel(context.Context, string) (bool, error) {
	return !f.missing, nil
}

func promptBody(prompt string) string {
	for _, marker := range []string{"Text:\n", "Passage:\n"} {
		if i := strings.Index(prompt, marker); i >= 0 {
			return prompt[i+len(marker):]
		}
	}
	return prompt
}

func (f *fakeLocal) Complete(_ context.Context, _ string, prompt string, _ llm.GenerateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body := promptBody(prompt)
	words := strings.Fields(body)
	first := "Unknown"
	if len(words) > 0 {
		first = words[0]
	}

	switch {
	case strings.HasPrefix(prompt, "Summarize the text below"):
		f.calls["summary"]++
		return fmt.Sprintf(`{"summary": "About %s.", "keywords": ["%s"], "entities": ["%s"]}`, first, first, first), nil
	case strings.HasPrefix(prompt, "Extract facts"):
		f.calls["graph"]++
		if f.graphErr != nil {
			if err := f.graphErr(f.calls["graph"]); err != nil {
				return "", err
			}
		}
		value := strings.TrimSpace(strings.TrimPrefix(body, first))
		return fmt.Sprintf(`Here you go: {"nodes": [{"entity": %q, "attribute": "status", "value": %q}],
			"edges": [{"source": %q, "target": "Helix", "relation": "mentions"}]}`, first, value, first), nil
	case strings.HasPrefix(prompt, "Write a 3 to 5 sentence summary"):
		f.calls["document"]++
		return "A document summary.", nil
	case strings.HasPrefix(prompt, "Write a 5 to 8 sentence overview"):
		f.calls["collection"]++
		return "A collection overview.", nil
	case strings.HasPrefix(prompt, "Write a 3 sentence summary of the community"):
		f.calls["community"]++
		return "A community summary.", nil
	case strings.HasPrefix(prompt, "Write one short search query"):
		f.calls["query"]++
		if len(words) > 4 {
			words = words[:4]
		}
		return `"` + strings.Join(words, " ") + `"`, nil
	}
	return "", errors.New("unexpected prompt")
}

func (f *fakeLocal) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// scriptedAdapter replies with a fixed text.
type scriptedAdapter struct {
	reply string
	fail  bool
}

func (a *scriptedAdapter) Name() string  { return "scripted" }
func (a *scriptedAdapter) Kind() llm.Kind { return llm.KindCloudCLI }
func (a *scriptedAdapter) Send(_ context.Context, _ llm.Request) llm.Response {
	if a.fail {
		return llm.Failure(llm.KindCLINotAvailable, "cli missing", time.Now())
	}
	return llm.Response{Success: true, Text: a.reply}
}

func testSettings() config.RAGSettings {
	return config.RAGSettings{
		ExecModel:                "exec",
		QualityModel:             "quality",
		EmbeddingModel:           "embed",
		PlannerModel:             "planner",
		ChunkSize:                100,
		Overlap:                  0,
		KGMaxConsecutiveFailures: 3,
		SampleChunks:             5,
		AutoVerifyWeights:        config.AutoVerifyWeights{Coverage: 1.0 / 3, Freshness: 1.0 / 3, Structure: 1.0 / 3},
	}
}

type harness struct {
	root   string
	dbPath string
	store  *data.Store
	kv     *data.KV
	local  *fakeLocal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "helix_memory.db")
	store, err := data.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	kv, err := data.OpenKV(filepath.Join(dir, "helix_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	root := filepath.Join(dir, "ingest")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return &harness{root: root, dbPath: dbPath, store: store, kv: kv, local: newFakeLocal()}
}

func (h *harness) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.root, name), []byte(content), 0o644))
}

func (h *harness) builder(t *testing.T, verifier *Verifier) *Builder {
	t.Helper()
	b, err := NewBuilder(BuilderConfig{
		Store:        h.store,
		KV:           h.kv,
		Local:        h.local,
		Verifier:     verifier,
		Lock:         NewFileLock(filepath.Join(t.TempDir(), "web_execution_lock.json")),
		Settings:     testSettings(),
		IngestRoot:   h.root,
		ExecutionLog: filepath.Join(t.TempDir(), "rag_execution.jsonl"),
	})
	require.NoError(t, err)
	return b
}

func (h *harness) files(t *testing.T, names ...string) []ingestion.FileInfo {
	t.Helper()
	var out []ingestion.FileInfo
	for _, n := range names {
		f, err := ingestion.Describe(h.root, filepath.Join(h.root, n))
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLAN
// ═══════════════════════════════════════════════════════════════════════════════

func TestPlannerFallsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", strings.Repeat("x", 250))
	files := h.files(t, "a.txt")

	p := NewPlanner(&scriptedAdapter{fail: true}, h.store, testSettings())
	plan := p.Plan(context.Background(), "s1", files)
	assert.True(t, plan.Fallback)
	require.Len(t, plan.Analysis, 1)
	assert.Equal(t, "reference", plan.Category("a.txt"))
	assert.Equal(t, ingestion.StrategySemantic, plan.Strategy("a.txt"))
	assert.Equal(t, 3, plan.Analysis[0].EstimatedChunks)
	require.Len(t, plan.ExecutionPlan, 6)
	assert.Equal(t, "chunk", plan.ExecutionPlan[0].Name)
	assert.Equal(t, "verify", plan.ExecutionPlan[5].Name)

	p = NewPlanner(&scriptedAdapter{reply: "not json at all"}, h.store, testSettings())
	assert.True(t, p.Plan(context.Background(), "s1", files).Fallback)
}

func TestPlannerUsesModelPlan(t *testing.T) {
	reply := "```json\n" + `{"plan_id": "p-1", "analysis": [{"file": "a.txt", "category": "manual",
		"priority": "high", "estimated_chunks": 2, "chunking_strategy": "sentence"}],
		"execution_plan": [{"name": "chunk", "estimated_minutes": 1.5}],
		"verification_criteria": {"min_coverage": 0.8, "min_entities": 4}}` + "\n```"
	p := NewPlanner(&scriptedAdapter{reply: reply}, nil, testSettings())
	plan := p.Plan(context.Background(), "s1", nil)

	assert.False(t, plan.Fallback)
	assert.Equal(t, "p-1", plan.ID)
	assert.Equal(t, "manual", plan.Category("a.txt"))
	assert.Equal(t, ingestion.StrategySentence, plan.Strategy("a.txt"))
	assert.Equal(t, 4, plan.ExpectedMinEntities())
	assert.InDelta(t, 1.5, plan.TotalMinutes(), 1e-9)

	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, SavePlan(path, plan))
	loaded, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, loaded.ID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR
// ═══════════════════════════════════════════════════════════════════════════════

func TestExecutorRunsAllSteps(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha is ready.\n\nAlpha ships soon.")
	h.write(t, "b.txt", "Beta is draft.")
	files := h.files(t, "a.txt", "b.txt")

	var steps []string
	exec, err := NewExecutor(h.store, h.local, testSettings(),
		WithStepDone(func(r StepResult) { steps = append(steps, r.Step) }))
	require.NoError(t, err)

	report, err := exec.Execute(context.Background(), FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.NoError(t, err)
	assert.Equal(t, AllSteps, steps)

	chunking, ok := report.Step(StepChunking)
	require.True(t, ok)
	assert.Equal(t, 2, chunking.SuccessCount)

	st, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Documents)
	assert.Equal(t, 2, st.EmbeddedChunks)
	assert.Equal(t, 2, st.Summaries[data.LevelDocument])
	// collection overview plus one community joining Alpha, Beta and Helix
	assert.Equal(t, 2, st.Summaries[data.LevelCollection])
	assert.Equal(t, 1, h.local.count("community"))

	missing, err := h.store.SummariesMissingEmbedding(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NotNil(t, report.Queries)
	assert.Equal(t, 2, report.Queries.QueryCount)
	assert.InDelta(t, 1.0, report.Queries.HitRate, 1e-9)
}

func TestRaptorCountsCollectionReplaceFailure(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha is ready.")
	files := h.files(t, "a.txt")
	ctx := context.Background()

	_, err := h.store.InsertSummary(ctx, data.DocumentSummary{
		SourceFile: data.CollectionSource, Level: data.LevelCollection, Summary: "previous overview"})
	require.NoError(t, err)

	db, err := sql.Open("sqlite", h.dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `CREATE TRIGGER keep_collection BEFORE DELETE ON document_summaries
		WHEN OLD.source_file = '`+data.CollectionSource+`'
		BEGIN SELECT RAISE(ABORT, 'collection summary is read-only'); END`)
	require.NoError(t, err)

	exec, err := NewExecutor(h.store, h.local, testSettings(),
		WithDisabledSteps(StepCommunities, StepSummaryEmbedding, StepVerificationQueries))
	require.NoError(t, err)
	report, err := exec.Execute(ctx, FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.NoError(t, err)

	raptor, ok := report.Step(StepRaptor)
	require.True(t, ok)
	assert.True(t, raptor.Success)
	assert.Equal(t, 1, raptor.SuccessCount)
	assert.Equal(t, 1, raptor.FailedCount)

	st, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Summaries[data.LevelCollection])
}

func TestKGAbortsAfterConsecutiveConnectionFailures(t *testing.T) {
	h := newHarness(t)
	var names []string
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		h.write(t, name, fmt.Sprintf("Entity%d has value %d.", i, i))
		names = append(names, name)
	}
	files := h.files(t, names...)

	// first call succeeds, every later call fails to connect
	h.local.graphErr = func(call int) error {
		if call == 1 {
			return nil
		}
		return &llm.KindError{Kind: llm.KindConnectionError, Err: errors.New("dial tcp: connection refused")}
	}

	exec, err := NewExecutor(h.store, h.local, testSettings(),
		WithDisabledSteps(StepSummarization, StepRaptor, StepCommunities, StepSummaryEmbedding, StepVerificationQueries))
	require.NoError(t, err)
	report, err := exec.Execute(context.Background(), FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.NoError(t, err)

	kg, ok := report.Step(StepKGGeneration)
	require.True(t, ok)
	assert.True(t, kg.Aborted)
	assert.False(t, kg.Success)
	assert.Equal(t, 1, kg.SuccessCount)
	assert.Equal(t, 3, kg.FailedCount)
	assert.Equal(t, 4, h.local.count("graph"))
	assert.Contains(t, kg.Error, "3 consecutive")

	raptor, ok := report.Step(StepRaptor)
	require.True(t, ok)
	assert.True(t, raptor.Skipped)
}

func TestKGNonConnectionFailuresResetCount(t *testing.T) {
	h := newHarness(t)
	var names []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		h.write(t, name, fmt.Sprintf("Entity%d has value %d.", i, i))
		names = append(names, name)
	}
	files := h.files(t, names...)

	h.local.graphErr = func(call int) error {
		if call == 3 {
			return errors.New("model produced garbage")
		}
		return &llm.KindError{Kind: llm.KindConnectionError, Err: errors.New("connection refused")}
	}
	exec, err := NewExecutor(h.store, h.local, testSettings(),
		WithDisabledSteps(StepSummarization, StepRaptor, StepCommunities, StepSummaryEmbedding, StepVerificationQueries))
	require.NoError(t, err)
	report, err := exec.Execute(context.Background(), FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.NoError(t, err)

	kg, _ := report.Step(StepKGGeneration)
	assert.False(t, kg.Aborted)
	assert.Equal(t, 5, kg.FailedCount)
}

func TestKGAbortsWhenModelMissing(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha is ready.")
	files := h.files(t, "a.txt")
	h.local.missing = true

	exec, err := NewExecutor(h.store, h.local, testSettings())
	require.NoError(t, err)
	report, err := exec.Execute(context.Background(), FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.NoError(t, err)

	kg, _ := report.Step(StepKGGeneration)
	assert.True(t, kg.Aborted)
	assert.Contains(t, kg.Error, "not installed")
	assert.Zero(t, h.local.count("graph"))
}

func TestChunkingFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha")
	files := h.files(t, "a.txt")
	require.NoError(t, os.Remove(filepath.Join(h.root, "a.txt")))

	exec, err := NewExecutor(h.store, h.local, testSettings())
	require.NoError(t, err)
	report, err := exec.Execute(context.Background(), FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.ErrorIs(t, err, ErrChunkingFailed)
	assert.Len(t, report.Steps, 1)
}

func TestExecutorStopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha")
	files := h.files(t, "a.txt")

	ctx, cancel := context.WithCancel(context.Background())
	exec, err := NewExecutor(h.store, h.local, testSettings(),
		WithStepDone(func(r StepResult) {
			if r.Step == StepEmbedding {
				cancel()
			}
		}))
	require.NoError(t, err)

	report, err := exec.Execute(ctx, FallbackPlan(files, testSettings(), time.Now()), files, "s1")
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, report.Cancelled)
	assert.Len(t, report.Steps, 2)
	assert.Zero(t, h.local.count("summary"))
}

func TestConnectedComponents(t *testing.T) {
	comps := connectedComponents([]data.EntityEdge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
		{Source: "x", Target: "y"},
		{Source: "solo", Target: "solo"},
	})
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"x", "y"}}, comps)
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUILDER
// ═══════════════════════════════════════════════════════════════════════════════

func TestIncrementalRebuildReplacesModifiedFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.write(t, "f1.txt", "Alpha is stable.")
	h.write(t, "f2.txt", "Beta is draft.")
	b := h.builder(t, nil)

	first, err := b.Build(ctx, BuildOptions{SkipPlan: true, SkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1.txt", "f2.txt"}, first.Diff.New)

	f1Before, err := h.store.Chunks(ctx, "f1.txt")
	require.NoError(t, err)
	require.Len(t, f1Before, 1)

	h.write(t, "f2.txt", "Beta is final.")
	h.write(t, "f3.txt", "Gamma is new.")

	diff, err := b.Diff()
	require.NoError(t, err)
	assert.Equal(t, []string{"f2.txt"}, diff.Modified)
	assert.Equal(t, []string{"f3.txt"}, diff.New)
	assert.Equal(t, []string{"f1.txt"}, diff.Unchanged)

	second, err := b.Build(ctx, BuildOptions{SkipPlan: true, SkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"f2.txt", "f3.txt"}, second.Execution.Files)

	f1After, err := h.store.Chunks(ctx, "f1.txt")
	require.NoError(t, err)
	assert.Equal(t, f1Before[0].ID, f1After[0].ID)

	f2, err := h.store.Chunks(ctx, "f2.txt")
	require.NoError(t, err)
	require.Len(t, f2, 1)
	assert.Equal(t, "Beta is final.", f2[0].Content)

	f3, err := h.store.Chunks(ctx, "f3.txt")
	require.NoError(t, err)
	assert.Len(t, f3, 1)

	history, err := h.store.NodeHistory(ctx, "Beta", "status")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "is draft.", history[0].Value)
	assert.NotNil(t, history[0].ValidTo)
	assert.Equal(t, first.Session, history[0].SourceSession)
	assert.Equal(t, "is final.", history[1].Value)
	assert.Nil(t, history[1].ValidTo)
	assert.Equal(t, second.Session, history[1].SourceSession)

	again, err := b.Diff()
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestBuildUnchangedFolderIsStable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha one.\n\nAlpha two.")
	b := h.builder(t, nil)

	_, err := b.Build(ctx, BuildOptions{SkipPlan: true, SkipVerify: true})
	require.NoError(t, err)
	before, err := h.store.Chunks(ctx, "")
	require.NoError(t, err)

	_, err = b.Build(ctx, BuildOptions{SkipPlan: true, SkipVerify: true, Full: true})
	require.NoError(t, err)
	after, err := h.store.Chunks(ctx, "")
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].SourceFile, after[i].SourceFile)
		assert.Equal(t, before[i].ChunkIndex, after[i].ChunkIndex)
		assert.Equal(t, before[i].SourceHash, after[i].SourceHash)
	}

	res, err := b.Build(ctx, BuildOptions{SkipPlan: true, SkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, StatusUpToDate, res.Status)
}

func TestVerificationSignOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for f := 0; f < 10; f++ {
		var paras []string
		for p := 0; p < 24; p++ {
			line := fmt.Sprintf("Topic%d paragraph %02d ", f, p)
			paras = append(paras, line+strings.Repeat("z", 90-len(line)))
		}
		h.write(t, fmt.Sprintf("doc%02d.txt", f), strings.Join(paras, "\n\n"))
	}

	verdict := `{"overall_verdict": "PASS", "score": 84, "criteria": {
		"coverage": {"pass": true, "score": 88}, "dedup": {"pass": true, "score": 80},
		"freshness": {"pass": true, "score": 100}, "structure": {"pass": true, "score": 80},
		"retrieval": {"pass": true, "score": 75}}, "remediation_steps": []}`
	verifier := NewVerifier(&scriptedAdapter{reply: verdict}, h.store, h.root, testSettings())
	b := h.builder(t, verifier)

	var events []Event
	for ev := range b.Start(ctx, BuildOptions{SkipPlan: true}) {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	st, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 240, st.Documents)
	assert.Equal(t, 240, st.EmbeddedChunks)

	last := events[len(events)-1]
	assert.Equal(t, EventBuildCompleted, last.Type)
	assert.True(t, last.Success)
	assert.Equal(t, StatusCompleted, last.Status)
	require.NotNil(t, last.Result)
	require.NotNil(t, last.Result.Verdict)
	assert.Equal(t, VerdictPass, last.Result.Verdict.OverallVerdict)
	assert.InDelta(t, 84, last.Result.Verdict.Score, 1e-9)
	assert.Equal(t, 75.0, last.Result.Verdict.Criteria[CriterionRetrieval].Score)

	prev := events[len(events)-2]
	assert.Equal(t, EventProgress, prev.Type)
	assert.Equal(t, 100.0, prev.Percent)

	var sawVerification, sawTime int
	for _, ev := range events {
		switch ev.Type {
		case EventVerification:
			sawVerification++
		case EventTimeUpdated:
			sawTime++
		}
	}
	assert.Equal(t, 1, sawVerification)
	assert.Equal(t, len(AllSteps), sawTime)
}

func TestBuildRefusedWhileLocked(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha")
	b := h.builder(t, nil)

	_, err := b.Lock().Acquire("someone-else")
	require.NoError(t, err)

	res, err := b.Build(context.Background(), BuildOptions{SkipPlan: true})
	require.Error(t, err)
	assert.Equal(t, StatusBusy, res.Status)
	assert.Contains(t, res.Error, "someone-else")
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOCK
// ═══════════════════════════════════════════════════════════════════════════════

func TestFileLockSingleHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.json")
	l := NewFileLock(path)

	info, err := l.Acquire("a")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)

	_, err = l.Acquire("b")
	require.ErrorIs(t, err, ErrBuildInProgress)

	holder, held, err := l.Holder()
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "a", holder.Owner)

	assert.Error(t, l.Release("b"))
	require.NoError(t, l.Release("a"))
	_, held, err = l.Holder()
	require.NoError(t, err)
	assert.False(t, held)

	_, err = l.Acquire("b")
	require.NoError(t, err)
}

func TestFileLockReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.json")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := NewFileLock(path, WithLockTTL(time.Minute), WithLockClock(func() time.Time { return now }))
	_, err := l.Acquire("old")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	info, err := l.Acquire("new")
	require.NoError(t, err)
	assert.Equal(t, "new", info.Owner)

	dead := NewFileLock(path, WithProcessCheck(func(int) bool { return false }))
	info, err = dead.Acquire("third")
	require.NoError(t, err)
	assert.Equal(t, "third", info.Owner)
}

func TestFileLockUnreadableFileIsHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"owner":"half`), 0o644))
	l := NewFileLock(path)

	_, err := l.Acquire("b")
	require.ErrorIs(t, err, ErrBuildInProgress)
	assert.Error(t, l.Release("x"))
	assert.FileExists(t, path)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	info, err := l.Acquire("b")
	require.NoError(t, err)
	assert.Equal(t, "b", info.Owner)

	holder, held, err := l.Holder()
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "b", holder.Owner)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// VERIFIER
// ═══════════════════════════════════════════════════════════════════════════════

func TestAutoVerifyScores(t *testing.T) {
	snap := Snapshot{
		Stats: data.Stats{Documents: 10, EmbeddedChunks: 9, CurrentNodes: 5},
		Audit: HashAudit{Checked: 4, Mismatches: []string{"x.txt"}},
	}
	v := AutoVerify(snap, 10, config.AutoVerifyWeights{Coverage: 1, Freshness: 1, Structure: 1})
	assert.True(t, v.Auto)
	// (90 + 75 + 50) / 3
	assert.InDelta(t, 71.7, v.Score, 1e-9)
	assert.Equal(t, VerdictPass, v.OverallVerdict)
	assert.False(t, v.Criteria[CriterionStructure].Pass)
	require.Len(t, v.RemediationSteps, 1)
	assert.Equal(t, StepKGGeneration, v.RemediationSteps[0].TargetStep)

	v = AutoVerify(snap, 10, config.AutoVerifyWeights{Structure: 1})
	assert.Equal(t, VerdictFail, v.OverallVerdict)
	assert.InDelta(t, 50, v.Score, 1e-9)

	empty := AutoVerify(Snapshot{}, 0, config.AutoVerifyWeights{})
	assert.Equal(t, VerdictFail, empty.OverallVerdict)
}

func TestVerifierFallsBackToAutoVerify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha")
	h.write(t, "b.txt", "Beta")
	for _, f := range h.files(t, "a.txt", "b.txt") {
		_, err := h.store.InsertChunks(ctx, []data.Chunk{{SourceFile: f.Name, SourceHash: f.Hash, Content: f.Name, Embedding: []float32{1}}})
		require.NoError(t, err)
	}
	h.write(t, "b.txt", "Beta changed")

	v := NewVerifier(&scriptedAdapter{reply: `{"overall_verdict": "MAYBE"}`}, h.store, h.root, testSettings())
	verdict, snap, err := v.Verify(ctx, "s1", Plan{}, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Auto)
	assert.Equal(t, 2, snap.Audit.Checked)
	assert.Equal(t, []string{"b.txt"}, snap.Audit.Mismatches)
	assert.InDelta(t, 1.0, snap.Coverage, 1e-9)
	assert.Len(t, snap.ChunkSample, 2)
}

func TestParseVerdictRejectsUnknown(t *testing.T) {
	_, err := ParseVerdict(`{"overall_verdict": "pass", "score": 101}`)
	assert.Error(t, err)
	v, err := ParseVerdict(`noise {"overall_verdict": "pass", "score": 71} noise`)
	require.NoError(t, err)
	assert.True(t, v.Passed())
}
