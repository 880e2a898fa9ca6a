package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/eliranbeatt/studio-facts/internal/llm"
	"github.com/eliranbeatt/studio-facts/internal/store"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

// fakeJudge answers every comparison with the same reply.
type fakeJudge struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (j *fakeJudge) Name() string { return "fake/judge" }

func (j *fakeJudge) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prompts = append(j.prompts, prompt)
	if opts.System != JudgeSystemPrompt {
		return "", errors.New("unexpected system prompt")
	}
	return j.reply, j.err
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addFact(t *testing.T, s store.Store, f *store.Fact) int64 {
	t.Helper()
	if f.Project == "" {
		f.Project = "p1"
	}
	if f.ScopeType == "" {
		f.ScopeType = store.ScopeProject
	}
	if f.Status == "" {
		f.Status = store.StatusProposed
	}
	f.Category, f.Importance, f.SourceTier, f.Confidence = "other", 3, store.TierUserEvidence, 0.7
	out, err := s.InsertFact(context.Background(), f, nil)
	if err != nil {
		t.Fatalf("InsertFact failed: %v", err)
	}
	return out.FactID
}

var (
	vecSofa    = []float32{1, 0, 0}
	vecSofaDup = []float32{0.95, 0.05, 0}
	vecSofaSim = []float32{0.85, 0.5268, 0}
)

func TestPostProcess_SkipsMissingAndTerminal(t *testing.T) {
	s := newTestStore(t)
	eng := NewEngine(s, &fakeEmbedder{}, nil, "test", DefaultPolicy(), nil)
	ctx := context.Background()

	res, err := eng.PostProcess(ctx, 404, 0)
	if err != nil || !res.Skipped || res.SkipReason != "missing" {
		t.Fatalf("missing fact: %+v, %v", res, err)
	}

	id := addFact(t, s, &store.Fact{Text: "x", Status: store.StatusRejected})
	res, _ = eng.PostProcess(ctx, id, 0)
	if !res.Skipped || res.SkipReason != "rejected" {
		t.Fatalf("rejected fact: %+v", res)
	}
	if vec, _ := s.GetEmbedding(ctx, id); vec != nil {
		t.Fatal("skipped fact must not be embedded")
	}
}

func TestPostProcess_MergesNearIdentical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{"Sofa is grey": vecSofa, "The sofa is gray": vecSofaDup}}
	eng := NewEngine(s, emb, nil, "test", DefaultPolicy(), nil)

	runID, _ := s.CreateRun(ctx, &store.Run{Project: "p1", BundleID: "b1"})
	a := addFact(t, s, &store.Fact{Text: "Sofa is grey"})
	b := addFact(t, s, &store.Fact{Text: "The sofa is gray"})

	if _, err := eng.PostProcess(ctx, a, runID); err != nil {
		t.Fatalf("PostProcess(a) failed: %v", err)
	}
	res, err := eng.PostProcess(ctx, b, runID)
	if err != nil {
		t.Fatalf("PostProcess(b) failed: %v", err)
	}
	if len(res.Grouped) != 1 || res.Grouped[0] != a || res.Stats.SemanticCandidates != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	fa, _ := s.GetFact(ctx, a)
	fb, _ := s.GetFact(ctx, b)
	if fa.GroupID == 0 || fa.GroupID != fb.GroupID {
		t.Fatalf("expected shared group, got %d and %d", fa.GroupID, fb.GroupID)
	}
	g, _ := s.GetGroup(ctx, fa.GroupID)
	if g.CanonicalFactID != a {
		t.Fatalf("canonical = %d, want older fact %d", g.CanonicalFactID, a)
	}

	// Re-running is idempotent.
	again, err := eng.PostProcess(ctx, b, runID)
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if again.Stats.SemanticCandidates != 0 {
		t.Fatalf("rerun counted again: %+v", again.Stats)
	}
	run, _ := s.GetRun(ctx, runID)
	if run.Stats.SemanticCandidates != 1 {
		t.Fatalf("run semantic candidates = %d, want 1", run.Stats.SemanticCandidates)
	}
}

func TestPostProcess_SuggestsAndJudges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{"Sofa is grey": vecSofa, "Sofa is dark grey": vecSofaSim}}
	judge := &fakeJudge{reply: `{"relation":"contradicts","confidence":0.9}`}
	eng := NewEngine(s, emb, judge, "test", DefaultPolicy(), nil)

	a := addFact(t, s, &store.Fact{Text: "Sofa is grey"})
	b := addFact(t, s, &store.Fact{Text: "Sofa is dark grey"})
	eng.PostProcess(ctx, a, 0)

	res, err := eng.PostProcess(ctx, b, 0)
	if err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	if res.Stats.SemanticCandidates != 1 || res.Stats.Contradictions != 1 {
		t.Fatalf("unexpected stats: %+v", res.Stats)
	}
	if len(judge.prompts) != 1 || !strings.Contains(judge.prompts[0], "Fact A: Sofa is dark grey\nFact B: Sofa is grey") {
		t.Fatalf("unexpected judge prompts: %q", judge.prompts)
	}

	issues, _ := s.ListIssues(ctx, store.IssueFilter{Project: "p1", FactID: b})
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", issues)
	}
	types := map[string]string{}
	for _, is := range issues {
		types[is.Type] = is.Explanation
		if len(is.RelatedFactIDs) != 1 || is.RelatedFactIDs[0] != a {
			t.Fatalf("unexpected related facts: %+v", is)
		}
	}
	if types[store.IssueSemanticDuplicate] != ExplainNearDuplicate || types[store.IssueContradiction] != ExplainJudgeContradiction {
		t.Fatalf("unexpected issues: %v", types)
	}

	// No stacking of identical open issues.
	again, _ := eng.PostProcess(ctx, b, 0)
	if again.Stats.SemanticCandidates != 0 || again.Stats.Contradictions != 0 {
		t.Fatalf("rerun raised again: %+v", again.Stats)
	}
	issues, _ = s.ListIssues(ctx, store.IssueFilter{Project: "p1", FactID: b})
	if len(issues) != 2 {
		t.Fatalf("expected still 2 issues, got %d", len(issues))
	}
}

func TestPostProcess_JudgeBelowThresholdOrFailing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{"Sofa is grey": vecSofa, "Sofa is dark grey": vecSofaSim}}
	a := addFact(t, s, &store.Fact{Text: "Sofa is grey"})
	b := addFact(t, s, &store.Fact{Text: "Sofa is dark grey"})

	weak := NewEngine(s, emb, &fakeJudge{reply: `{"relation":"contradicts","confidence":0.5}`}, "test", DefaultPolicy(), nil)
	weak.PostProcess(ctx, a, 0)
	res, err := weak.PostProcess(ctx, b, 0)
	if err != nil || res.Stats.Contradictions != 0 {
		t.Fatalf("weak contradiction should not raise: %+v, %v", res, err)
	}

	old := llm.JSONBackoff
	llm.JSONBackoff = 0
	defer func() { llm.JSONBackoff = old }()
	broken := NewEngine(s, emb, &fakeJudge{err: errors.New("judge down")}, "test", DefaultPolicy(), nil)
	res, err = broken.PostProcess(ctx, b, 0)
	if err != nil {
		t.Fatalf("judge failure must be skipped, got %v", err)
	}
	if res.Neighbors != 1 {
		t.Fatalf("expected 1 neighbor, got %d", res.Neighbors)
	}
}

func TestPostProcess_SameKeyConflictWithoutNeighbors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	eng := NewEngine(s, &fakeEmbedder{}, nil, "test", DefaultPolicy(), nil)

	old := addFact(t, s, &store.Fact{Text: "Budget is 4000", Key: "budget_cap", Value: store.NumberValue(4000), Status: store.StatusAccepted})
	same := addFact(t, s, &store.Fact{Text: "Budget cap 4000 ILS", Key: "budget_cap", Value: store.NumberValue(4000)})
	other := addFact(t, s, &store.Fact{Text: "Budget in another item", Key: "budget_cap", Value: store.NumberValue(9000), ScopeType: store.ScopeItem, ItemID: "i1"})
	fresh := addFact(t, s, &store.Fact{Text: "Budget is 5000", Key: "budget_cap", Value: store.NumberValue(5000)})
	_ = same

	// Orthogonal vectors: no neighbour scores above the suggest threshold.
	emb := eng.embedder.(*fakeEmbedder)
	emb.vectors = map[string][]float32{"Budget is 5000": {0, 1, 0}}

	res, err := eng.PostProcess(ctx, fresh, 0)
	if err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	if res.Stats.Contradictions != 2 {
		t.Fatalf("expected conflicts with both 4000 facts, got %+v", res.Stats)
	}
	issues, _ := s.ListIssues(ctx, store.IssueFilter{Project: "p1", FactID: fresh})
	for _, is := range issues {
		if is.Explanation != ExplainSameKeyConflict || is.RelatedFactIDs[0] == other {
			t.Fatalf("unexpected issue: %+v", is)
		}
	}
	if len(issues) != 2 || (issues[0].RelatedFactIDs[0] != old && issues[1].RelatedFactIDs[0] != old) {
		t.Fatalf("expected conflict with %d among %+v", old, issues)
	}
}

func TestPostProcess_DifferentScopeNotGrouped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{"Lamp is brass": vecSofa, "Lamp is brass too": vecSofaDup}}
	eng := NewEngine(s, emb, nil, "test", DefaultPolicy(), nil)

	a := addFact(t, s, &store.Fact{Text: "Lamp is brass"})
	b := addFact(t, s, &store.Fact{Text: "Lamp is brass too", ScopeType: store.ScopeItem, ItemID: "i1"})
	eng.PostProcess(ctx, a, 0)
	res, err := eng.PostProcess(ctx, b, 0)
	if err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	if len(res.Grouped) != 0 || res.Stats.SemanticCandidates != 0 {
		t.Fatalf("different scopes must not interact: %+v", res)
	}
}

func TestPostProcess_EmbedFailure(t *testing.T) {
	s := newTestStore(t)
	eng := NewEngine(s, &fakeEmbedder{err: errors.New("rate limited")}, nil, "test", DefaultPolicy(), nil)
	id := addFact(t, s, &store.Fact{Text: "x"})

	if _, err := eng.PostProcess(context.Background(), id, 0); err == nil {
		t.Fatal("expected embed failure to surface for retry")
	}
	f, _ := s.GetFact(context.Background(), id)
	if f == nil || f.Status != store.StatusProposed {
		t.Fatalf("fact must survive embed failure: %+v", f)
	}
}
