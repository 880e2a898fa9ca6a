package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/eliranbeatt/studio-facts/internal/dedup"
	"github.com/eliranbeatt/studio-facts/internal/store"
)

// textEmbedder maps known texts to fixed vectors; anything else points along z.
type textEmbedder map[string][]float32

func (e textEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (e textEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (e textEmbedder) Dimensions() int { return 3 }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(t *testing.T, s store.Store, emb textEmbedder) *Service {
	t.Helper()
	engine := dedup.NewEngine(s, emb, nil, "test-embed", dedup.DefaultPolicy(), nil)
	return NewService(s, engine, emb, dedup.DefaultPolicy(), nil)
}

func insertFact(t *testing.T, s store.Store, f *store.Fact) int64 {
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
	if f.Importance == 0 {
		f.Importance = 3
	}
	f.Category, f.SourceTier = "other", store.TierUserEvidence
	out, err := s.InsertFact(context.Background(), f, nil)
	if err != nil {
		t.Fatalf("InsertFact failed: %v", err)
	}
	return out.FactID
}

func TestAcceptAndReject(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	proposed := insertFact(t, s, &store.Fact{Text: "Venue is Tel Aviv"})
	hypothesis := insertFact(t, s, &store.Fact{Text: "Client likes pastel", Status: store.StatusHypothesis})

	act, err := svc.Accept(ctx, proposed)
	if err != nil || !act.Applied || act.FromState != store.StatusProposed || act.ToState != store.StatusAccepted {
		t.Fatalf("Accept(proposed) = %+v, %v", act, err)
	}
	act, err = svc.Accept(ctx, proposed)
	if err != nil || act.Applied {
		t.Fatalf("accepting twice should be a no-op: %+v, %v", act, err)
	}
	if act, err = svc.Accept(ctx, hypothesis); err != nil || !act.Applied {
		t.Fatalf("Accept(hypothesis) = %+v, %v", act, err)
	}

	if act, err = svc.Reject(ctx, proposed); err != nil || !act.Applied {
		t.Fatalf("Reject = %+v, %v", act, err)
	}
	if act, err = svc.Reject(ctx, proposed); err != nil || act.Applied {
		t.Fatalf("Reject should be idempotent: %+v, %v", act, err)
	}
	if _, err = svc.Accept(ctx, proposed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accepting a rejected fact: expected ErrInvalidTransition, got %v", err)
	}

	f, _ := s.GetFact(ctx, proposed)
	if f.Status != store.StatusRejected {
		t.Fatalf("status = %q, want rejected", f.Status)
	}

	if _, err := svc.Accept(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectDuplicateIsInvalid(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	insertFact(t, s, &store.Fact{Text: "Install on March 3"})
	dup := insertFact(t, s, &store.Fact{Text: "install on march 3 "})
	f, _ := s.GetFact(ctx, dup)
	if f.Status != store.StatusDuplicate {
		t.Fatalf("expected duplicate, got %q", f.Status)
	}
	if _, err := svc.Reject(ctx, dup); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.UpdateText(ctx, dup, "new"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for edit, got %v", err)
	}
}

func TestUpdateText(t *testing.T) {
	s := newTestStore(t)
	emb := textEmbedder{"Sofa is grey": {1, 0, 0}, "Sofa is blue": {0, 1, 0}}
	svc := newTestService(t, s, emb)
	ctx := context.Background()

	id := insertFact(t, s, &store.Fact{Text: "Sofa is grey", Key: "sofa_color"})
	if _, err := svc.PostProcess(ctx, id); err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}

	if _, err := svc.UpdateText(ctx, id, "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}

	act, err := svc.UpdateText(ctx, id, "  Sofa is blue ")
	if err != nil || !act.Applied || act.Reason != "" {
		t.Fatalf("UpdateText = %+v, %v", act, err)
	}
	f, _ := s.GetFact(ctx, id)
	if f.Text != "Sofa is blue" {
		t.Fatalf("text = %q", f.Text)
	}
	if f.ExactHash != store.HashFact("p1", store.ScopeProject, "", "sofa_color", "Sofa is blue") {
		t.Fatal("hash not recomputed")
	}
	vec, _ := s.GetEmbedding(ctx, id)
	if len(vec) != 3 || vec[1] != 1 {
		t.Fatalf("expected re-embedded vector for new text, got %v", vec)
	}
}

func TestAssignItem(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	lamp, _ := s.AddItem(ctx, &store.Item{Project: "p1", Name: "Wall lamp"})
	foreign, _ := s.AddItem(ctx, &store.Item{Project: "p2", Name: "Other lamp"})
	id := insertFact(t, s, &store.Fact{Text: "Brass finish"})

	if _, err := svc.AssignItem(ctx, id, foreign); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign item: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.AssignItem(ctx, id, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing item: expected ErrNotFound, got %v", err)
	}

	act, err := svc.AssignItem(ctx, id, lamp)
	if err != nil || !act.Applied {
		t.Fatalf("AssignItem = %+v, %v", act, err)
	}
	f, _ := s.GetFact(ctx, id)
	if f.ScopeType != store.ScopeItem || f.ItemID != lamp {
		t.Fatalf("scope not updated together: %+v", f)
	}
	if f.ExactHash != store.HashFact("p1", store.ScopeItem, lamp, "", "Brass finish") {
		t.Fatal("hash not recomputed for item scope")
	}
}

func TestAssignItem_ResolvesLinkIssue(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	lamp, _ := s.AddItem(ctx, &store.Item{Project: "p1", Name: "Wall lamp"})
	id := insertFact(t, s, &store.Fact{Text: "Lamp is brass"})
	other := insertFact(t, s, &store.Fact{Text: "Lamp is copper"})
	s.AddIssue(ctx, &store.Issue{Project: "p1", Type: store.IssueMissingItemLink, Severity: store.SeverityInfo, FactID: id})
	s.AddIssue(ctx, &store.Issue{Project: "p1", Type: store.IssueContradiction, Severity: store.SeverityWarning,
		FactID: id, RelatedFactIDs: []int64{other}})

	if _, err := svc.AssignItem(ctx, id, lamp); err != nil {
		t.Fatalf("AssignItem failed: %v", err)
	}
	open, err := s.ListIssues(ctx, store.IssueFilter{Project: "p1", FactID: id})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(open) != 1 || open[0].Type != store.IssueContradiction {
		t.Fatalf("only the link issue should be resolved, open: %+v", open)
	}
}

func TestAssignItem_TerminalFactsRejected(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	lamp, _ := s.AddItem(ctx, &store.Item{Project: "p1", Name: "Wall lamp"})
	rejected := insertFact(t, s, &store.Fact{Text: "Lamp is brass", Status: store.StatusRejected})
	canonical := insertFact(t, s, &store.Fact{Text: "Lamp is copper"})
	dup := insertFact(t, s, &store.Fact{Text: "lamp is copper"})
	if dup == canonical {
		t.Fatal("expected a separate duplicate row")
	}

	for _, id := range []int64{rejected, dup} {
		if _, err := svc.AssignItem(ctx, id, lamp); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("fact %d: expected ErrInvalidTransition, got %v", id, err)
		}
		f, _ := s.GetFact(ctx, id)
		if f.ScopeType != store.ScopeProject || f.ItemID != "" {
			t.Fatalf("terminal fact %d was rescoped: %+v", id, f)
		}
	}
}

func TestDeleteCanonicalPromotesRemainingMember(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	older := insertFact(t, s, &store.Fact{Text: "Sofa is grey"})
	newer := insertFact(t, s, &store.Fact{Text: "The sofa is gray"})
	g, err := s.MergeIntoGroup(ctx, older, newer)
	if err != nil {
		t.Fatalf("MergeIntoGroup failed: %v", err)
	}
	if g.CanonicalFactID != older {
		t.Fatalf("canonical = %d, want %d", g.CanonicalFactID, older)
	}
	s.AddIssue(ctx, &store.Issue{Project: "p1", Type: store.IssueContradiction, FactID: older, RelatedFactIDs: []int64{newer}})

	act, err := svc.Delete(ctx, older)
	if err != nil || !act.Applied {
		t.Fatalf("Delete = %+v, %v", act, err)
	}
	g, _ = s.GetGroup(ctx, g.ID)
	if g == nil || g.CanonicalFactID != newer || len(g.MemberIDs) != 1 {
		t.Fatalf("expected %d as sole canonical member, got %+v", newer, g)
	}
	if issues, _ := s.ListIssues(ctx, store.IssueFilter{Project: "p1", Status: store.IssueStatusAll}); len(issues) != 0 {
		t.Fatalf("issues of deleted fact must go, got %d", len(issues))
	}

	if _, err := svc.Delete(ctx, newer); err != nil {
		t.Fatalf("Delete(last) failed: %v", err)
	}
	if g, _ = s.GetGroup(ctx, g.ID); g != nil {
		t.Fatalf("empty group must be deleted, got %+v", g)
	}
	if _, err := svc.Delete(ctx, newer); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveIssue(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	id := insertFact(t, s, &store.Fact{Text: "Budget is 4000"})
	issueID, _, _ := s.AddIssue(ctx, &store.Issue{Project: "p1", Type: store.IssueMissingItemLink, FactID: id})

	if _, err := svc.ResolveIssue(ctx, issueID, "maybe"); err == nil {
		t.Fatal("expected invalid resolution error")
	}
	act, err := svc.ResolveIssue(ctx, issueID, store.IssueDismissed)
	if err != nil || !act.Applied {
		t.Fatalf("ResolveIssue = %+v, %v", act, err)
	}
	open, _ := svc.ListIssues(ctx, "p1", "", 0)
	if len(open) != 0 {
		t.Fatalf("expected no open issues, got %d", len(open))
	}
	closed, _ := svc.ListIssues(ctx, "p1", store.IssueDismissed, 0)
	if len(closed) != 1 || closed[0].ResolvedAt == nil {
		t.Fatalf("expected one dismissed issue, got %+v", closed)
	}
	if _, err := svc.ResolveIssue(ctx, 404, store.IssueResolved); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDisabledProject(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	id := insertFact(t, s, &store.Fact{Text: "Venue is Tel Aviv"})
	if err := svc.SetFactsEnabled(ctx, "p1", false); err != nil {
		t.Fatalf("SetFactsEnabled failed: %v", err)
	}

	act, err := svc.Accept(ctx, id)
	if err != nil || !act.Skipped || act.Applied {
		t.Fatalf("expected skipped accept, got %+v, %v", act, err)
	}
	f, _ := s.GetFact(ctx, id)
	if f.Status != store.StatusProposed {
		t.Fatal("disabled project must not change")
	}
	if facts, err := svc.ListFacts(ctx, FactQuery{Project: "p1"}); err != nil || len(facts) != 0 {
		t.Fatalf("expected empty listing, got %d, %v", len(facts), err)
	}
	res, err := svc.Context(ctx, ContextQuery{Project: "p1"})
	if err != nil || res.Bullets != "(none)" {
		t.Fatalf("expected empty context, got %+v, %v", res, err)
	}

	svc.SetFactsEnabled(ctx, "p1", true)
	if facts, _ := svc.ListFacts(ctx, FactQuery{Project: "p1"}); len(facts) != 1 {
		t.Fatalf("expected 1 fact after re-enabling, got %d", len(facts))
	}
}

func TestListFactsFilters(t *testing.T) {
	s := newTestStore(t)
	svc := newTestService(t, s, nil)
	ctx := context.Background()

	insertFact(t, s, &store.Fact{Text: "a", Status: store.StatusAccepted})
	insertFact(t, s, &store.Fact{Text: "b"})
	last := insertFact(t, s, &store.Fact{Text: "c", ScopeType: store.ScopeItem, ItemID: "i1"})

	all, _ := svc.ListFacts(ctx, FactQuery{Project: "p1"})
	if len(all) != 3 || all[0].ID != last {
		t.Fatalf("expected 3 facts newest first, got %d", len(all))
	}
	accepted, _ := svc.ListFacts(ctx, FactQuery{Project: "p1", Status: store.StatusAccepted})
	if len(accepted) != 1 || accepted[0].Text != "a" {
		t.Fatalf("unexpected status filter result: %+v", accepted)
	}
	items, _ := svc.ListFacts(ctx, FactQuery{Project: "p1", ScopeType: store.ScopeItem, ItemID: "i1"})
	if len(items) != 1 || items[0].ID != last {
		t.Fatalf("unexpected item filter result: %+v", items)
	}
	if _, err := svc.ListFacts(ctx, FactQuery{}); err == nil {
		t.Fatal("expected error for missing project")
	}
}

func TestContext(t *testing.T) {
	s := newTestStore(t)
	emb := textEmbedder{
		"Budget cap is 5000 ILS": {1, 0, 0},
		"Venue is Tel Aviv":      {0, 1, 0},
		"Lamp is brass":          {0.9, 0.1, 0},
		"how much money":         {1, 0, 0},
	}
	svc := newTestService(t, s, emb)
	ctx := context.Background()

	budget := insertFact(t, s, &store.Fact{Text: "Budget cap is 5000 ILS", Status: store.StatusAccepted, Importance: 5, Confidence: 0.9})
	venue := insertFact(t, s, &store.Fact{Text: "Venue is Tel Aviv", Status: store.StatusProposed, Importance: 2, Confidence: 0.9})
	lamp := insertFact(t, s, &store.Fact{Text: "Lamp is brass", Status: store.StatusAccepted, Importance: 4, ScopeType: store.ScopeItem, ItemID: "lamp", Confidence: 0.9})
	insertFact(t, s, &store.Fact{Text: "Weak guess", Status: store.StatusProposed, Confidence: 0.5})
	insertFact(t, s, &store.Fact{Text: "Pure hypothesis", Status: store.StatusHypothesis, Importance: 5, Confidence: 0.99})
	insertFact(t, s, &store.Fact{Text: "Rejected", Status: store.StatusRejected, Importance: 5, Confidence: 0.99})

	res, err := svc.Context(ctx, ContextQuery{Project: "p1"})
	if err != nil {
		t.Fatalf("Context failed: %v", err)
	}
	if res.Bullets != "- Budget cap is 5000 ILS\n- Venue is Tel Aviv" {
		t.Fatalf("unexpected project context:\n%s", res.Bullets)
	}

	res, _ = svc.Context(ctx, ContextQuery{Project: "p1", ScopeType: ContextItem})
	if len(res.Facts) != 2 {
		t.Fatalf("item scope without ids should return project facts only, got %+v", res.Facts)
	}

	res, _ = svc.Context(ctx, ContextQuery{Project: "p1", ScopeType: ContextMultiItem, ItemIDs: []string{"lamp"}})
	if len(res.Facts) != 3 || res.Facts[1].ID != lamp {
		t.Fatalf("expected lamp fact ranked second, got %+v", res.Facts)
	}

	for _, id := range []int64{budget, venue, lamp} {
		if _, err := svc.PostProcess(ctx, id); err != nil {
			t.Fatalf("PostProcess(%d) failed: %v", id, err)
		}
	}
	res, _ = svc.Context(ctx, ContextQuery{Project: "p1", ScopeType: ContextItem, ItemIDs: []string{"lamp"}, QueryText: "how much money"})
	if len(res.Facts) != 3 || res.Facts[0].ID != budget || res.Facts[1].ID != lamp || res.Facts[2].ID != venue {
		t.Fatalf("unexpected similarity ranking: %+v", res.Facts)
	}

	res, _ = svc.Context(ctx, ContextQuery{Project: "empty"})
	if res.Bullets != "(none)" || len(res.Facts) != 0 {
		t.Fatalf("expected empty context, got %+v", res)
	}
	if _, err := svc.Context(ctx, ContextQuery{Project: "p1", ScopeType: "everything"}); err == nil || !strings.Contains(err.Error(), "invalid context scope") {
		t.Fatalf("expected scope error, got %v", err)
	}
}

func TestClampContextLimit(t *testing.T) {
	tests := map[int]int{0: 30, 1: 5, -3: 5, 50: 50, 200: 80}
	for in, want := range tests {
		if got := ClampContextLimit(in); got != want {
			t.Errorf("ClampContextLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
