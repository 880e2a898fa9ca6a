package store

import (
	"context"
	"errors"
	"testing"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s := newTestStore(t)

	tables := []string{"projects", "bundles", "items", "extraction_runs", "fact_atoms",
		"fact_groups", "fact_issues", "fact_embeddings", "meta"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('extraction_runs') WHERE name='error_raw'",
	).Scan(&count); err != nil {
		t.Fatalf("checking error_raw column: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected error_raw column, count=%d", count)
	}
}

func TestWALMode(t *testing.T) {
	s := newTestStore(t)

	var mode string
	s.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	// In-memory databases use "memory" journal mode, not WAL
	if mode != "memory" && mode != "wal" {
		t.Errorf("expected journal_mode 'wal' or 'memory', got %q", mode)
	}
}

// --- Bundles and items ---

func TestAddBundle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddBundle(ctx, &Bundle{Project: "p1", Text: "hello"})
	if err != nil {
		t.Fatalf("AddBundle failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated bundle id")
	}

	b, err := s.GetBundle(ctx, id)
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if b == nil || b.Text != "hello" || b.Project != "p1" {
		t.Fatalf("unexpected bundle: %+v", b)
	}

	missing, err := s.GetBundle(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing bundle, got %+v, %v", missing, err)
	}
}

func TestAddBundle_RequiresProject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddBundle(context.Background(), &Bundle{Text: "x"}); err == nil {
		t.Fatal("expected error for bundle without project")
	}
}

func TestItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddItem(ctx, &Item{ID: "i1", Project: "p1", Name: "Wall lamp"}); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if _, err := s.AddItem(ctx, &Item{ID: "i2", Project: "p1"}); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}
	if _, err := s.AddItem(ctx, &Item{ID: "i3", Project: "p2", Name: "Desk"}); err != nil {
		t.Fatalf("AddItem failed: %v", err)
	}

	items, err := s.ListItems(ctx, "p1")
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[1].Name != "Untitled item" {
		t.Fatalf("expected default name, got %q", items[1].Name)
	}

	it, err := s.GetItem(ctx, "i3")
	if err != nil || it == nil || it.Project != "p2" {
		t.Fatalf("GetItem = %+v, %v", it, err)
	}
}

// --- Runs ---

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{Project: "p1", BundleID: "b1", Model: "openai/gpt-4o-mini"}
	id, err := s.CreateRun(ctx, run)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.SetRunChunking(ctx, id, Chunking{Chunks: 2, Strategy: "char", ChunkSize: 30, Overlap: 5}); err != nil {
		t.Fatalf("SetRunChunking failed: %v", err)
	}

	stats := RunStats{FactsProduced: 3, UserFacts: 2, Hypotheses: 1, ExactDuplicates: 1}
	if err := s.FinishRun(ctx, id, RunSucceeded, stats, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := s.IncrementRunStats(ctx, id, RunStats{SemanticCandidates: 2, Contradictions: 1}); err != nil {
		t.Fatalf("IncrementRunStats failed: %v", err)
	}

	got, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunSucceeded || got.FinishedAt == nil {
		t.Fatalf("expected finished succeeded run, got %+v", got)
	}
	if got.Chunking == nil || got.Chunking.Chunks != 2 || got.Chunking.Overlap != 5 {
		t.Fatalf("unexpected chunking: %+v", got.Chunking)
	}
	want := RunStats{FactsProduced: 3, UserFacts: 2, Hypotheses: 1, ExactDuplicates: 1, SemanticCandidates: 2, Contradictions: 1}
	if got.Stats != want {
		t.Fatalf("stats = %+v, want %+v", got.Stats, want)
	}

	// A run leaves running exactly once.
	err = s.FinishRun(ctx, id, RunFailed, RunStats{}, &RunError{Message: "late"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound finishing twice, got %v", err)
	}
}

func TestFinishRun_Failed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateRun(ctx, &Run{Project: "p1", BundleID: "b1"})
	if err := s.FinishRun(ctx, id, RunFailed, RunStats{}, &RunError{Message: "bad json", Raw: "{oops"}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	got, _ := s.GetRun(ctx, id)
	if got.Error == nil || got.Error.Message != "bad json" || got.Error.Raw != "{oops" {
		t.Fatalf("unexpected run error: %+v", got.Error)
	}
	if err := s.FinishRun(ctx, id, RunRunning, RunStats{}, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestLatestRunForBundle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestRunForBundle(ctx, "b1")
	if err != nil || latest != nil {
		t.Fatalf("expected no run, got %+v, %v", latest, err)
	}
	s.CreateRun(ctx, &Run{Project: "p1", BundleID: "b1"})
	second, _ := s.CreateRun(ctx, &Run{Project: "p1", BundleID: "b1"})
	s.CreateRun(ctx, &Run{Project: "p1", BundleID: "b2"})

	latest, err = s.LatestRunForBundle(ctx, "b1")
	if err != nil {
		t.Fatalf("LatestRunForBundle failed: %v", err)
	}
	if latest.ID != second {
		t.Fatalf("latest = %d, want %d", latest.ID, second)
	}
}

func TestListRuns_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		s.CreateRun(ctx, &Run{Project: "p1", BundleID: "b1"})
	}

	runs, err := s.ListRuns(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 10 {
		t.Fatalf("expected default limit 10, got %d", len(runs))
	}
	if runs[0].ID < runs[1].ID {
		t.Fatal("expected newest first")
	}

	cases := map[int]int{-3: 1, 0: 10, 7: 7, 500: 50}
	for in, want := range cases {
		if got := ClampRunLimit(in); got != want {
			t.Errorf("ClampRunLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

// --- Stats ---

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddBundle(ctx, &Bundle{Project: "p1", Text: "x"})
	s.AddItem(ctx, &Item{Project: "p1", Name: "Desk"})
	s.CreateRun(ctx, &Run{Project: "p1", BundleID: "b1"})
	insertTestFact(t, s, &Fact{Project: "p1", Text: "a"})
	insertTestFact(t, s, &Fact{Project: "p2", Text: "b"})

	stats, err := s.Stats(ctx, "p1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Bundles != 1 || stats.Items != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.RunsByStatus[RunRunning] != 1 {
		t.Fatalf("expected 1 running run, got %v", stats.RunsByStatus)
	}
	if stats.FactsByStatus[StatusProposed] != 1 {
		t.Fatalf("expected 1 proposed fact in p1, got %v", stats.FactsByStatus)
	}

	all, err := s.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if all.FactsByStatus[StatusProposed] != 2 {
		t.Fatalf("expected 2 proposed facts overall, got %v", all.FactsByStatus)
	}
}
