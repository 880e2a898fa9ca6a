package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/eliranbeatt/studio-facts/internal/llm"
)

// scriptedProvider returns canned responses in order and records prompts.
type scriptedProvider struct {
	responses []string
	prompts   []string
	systems   []string
}

func (p *scriptedProvider) Name() string { return "fake/extractor" }

func (p *scriptedProvider) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	p.prompts = append(p.prompts, prompt)
	p.systems = append(p.systems, opts.System)
	i := len(p.prompts) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func TestExtractChunk_AnnotatesCandidates(t *testing.T) {
	p := &scriptedProvider{responses: []string{`{"facts":[
		{"text":"Budget cap is 5000 ILS.","category":"budget","importance":4,"sourceTier":"user_evidence",
		 "confidence":0.9,"scope":"project","key":"budget_cap","valueType":"number","value":5000,
		 "evidence":[{"quote":"Budget cap is 5000 ILS.","start":0,"end":23,"sourceSection":"FREE_CHAT","sourceKind":"user"}]}
	]}`}}
	e := NewExtractor(p, Options{}, nil)

	chunk := Chunk{Text: "Budget cap is 5000 ILS. More text", Start: 30, End: 63}
	got, err := e.ExtractChunk(context.Background(), chunk, "2/2", Snapshot{
		Items:         []SnapshotItem{{ID: "i1", Name: "Wall lamp"}},
		AcceptedFacts: []SnapshotFact{{Text: "Venue is Tel Aviv", ScopeType: "project"}},
	})
	if err != nil {
		t.Fatalf("ExtractChunk failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	c := got[0]
	if c.ChunkID != "2/2" || c.ChunkStart != 30 || c.ChunkEnd != 63 {
		t.Fatalf("unexpected chunk annotation: %+v", c)
	}
	if c.Scope() != "project" || c.Key != "budget_cap" || string(c.Value) != "5000" {
		t.Fatalf("unexpected candidate fields: %+v", c.RawFact)
	}
	if c.Evidence[0].EndRune() != 23 {
		t.Fatalf("unexpected evidence: %+v", c.Evidence)
	}

	if p.systems[0] != SystemPrompt {
		t.Fatal("system prompt not sent")
	}
	if !strings.Contains(p.prompts[0], `Items: [{"id":"i1","name":"Wall lamp"}]`) {
		t.Fatalf("catalog missing from prompt:\n%s", p.prompts[0])
	}
	if !strings.HasSuffix(p.prompts[0], "TURN BUNDLE:\n"+chunk.Text) {
		t.Fatalf("chunk text missing from prompt:\n%s", p.prompts[0])
	}
}

func TestExtractChunk_SchemaFailure(t *testing.T) {
	old := llm.JSONBackoff
	llm.JSONBackoff = 0
	defer func() { llm.JSONBackoff = old }()

	tests := map[string]string{
		"not json":          `I found some facts`,
		"missing facts":     `{"items":[]}`,
		"empty text":        `{"facts":[{"text":"  ","sourceTier":"user_evidence","scopeType":"project"}]}`,
		"bad tier":          `{"facts":[{"text":"x","sourceTier":"rumor","scopeType":"project"}]}`,
		"missing scope":     `{"facts":[{"text":"x","sourceTier":"hypothesis"}]}`,
		"bad scope":         `{"facts":[{"text":"x","sourceTier":"hypothesis","scopeType":"global"}]}`,
		"bad evidence kind": `{"facts":[{"text":"x","sourceTier":"hypothesis","scopeType":"item","evidence":[{"quote":"x","sourceKind":"email"}]}]}`,
	}
	for name, resp := range tests {
		t.Run(name, func(t *testing.T) {
			p := &scriptedProvider{responses: []string{resp}}
			e := NewExtractor(p, Options{}, nil)
			_, err := e.ExtractChunk(context.Background(), Chunk{Text: "x"}, "1/1", Snapshot{})
			if !errors.Is(err, llm.ErrSchema) {
				t.Fatalf("expected ErrSchema, got %v", err)
			}
			if len(p.prompts) != llm.JSONAttempts {
				t.Fatalf("expected %d attempts, got %d", llm.JSONAttempts, len(p.prompts))
			}
		})
	}
}

func TestExtractChunk_RetryDiscardsRejectedResponse(t *testing.T) {
	old := llm.JSONBackoff
	llm.JSONBackoff = 0
	defer func() { llm.JSONBackoff = old }()

	p := &scriptedProvider{responses: []string{
		`{"facts":[{"text":"A","sourceTier":"bogus","scopeType":"item","confidence":0.99,"itemId":"item-1","key":"k",
		  "evidence":[{"quote":"zzz","start":0,"end":3}]}]}`,
		`{"facts":[{"text":"B","sourceTier":"hypothesis","scopeType":"project"}]}`,
	}}
	e := NewExtractor(p, Options{}, nil)

	got, err := e.ExtractChunk(context.Background(), Chunk{Text: "B", End: 1}, "1/1", Snapshot{})
	if err != nil {
		t.Fatalf("ExtractChunk failed: %v", err)
	}
	if len(p.prompts) != 2 {
		t.Fatalf("expected a retry, got %d calls", len(p.prompts))
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	c := got[0]
	if c.Text != "B" || c.Confidence != 0 || c.ItemID != "" || c.Key != "" || len(c.Evidence) != 0 || c.Scope() != "project" {
		t.Fatalf("fields from the rejected response leaked: %+v", c.RawFact)
	}
}

func TestExtractChunk_EmptyFacts(t *testing.T) {
	p := &scriptedProvider{responses: []string{"```json\n{\"facts\":[]}\n```"}}
	got, err := NewExtractor(p, Options{}, nil).ExtractChunk(context.Background(), Chunk{Text: "hi"}, "1/1", Snapshot{})
	if err != nil {
		t.Fatalf("ExtractChunk failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestBuildUserPrompt_EmptySnapshot(t *testing.T) {
	got, err := BuildUserPrompt("bundle", Snapshot{})
	if err != nil {
		t.Fatalf("BuildUserPrompt failed: %v", err)
	}
	want := "CONTEXT SNAPSHOT:\nItems: []\nAccepted Facts: []\n\nTURN BUNDLE:\nbundle"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestModelName(t *testing.T) {
	p := &scriptedProvider{}
	if got := NewExtractor(p, Options{}, nil).ModelName(); got != "fake/extractor" {
		t.Fatalf("got %q", got)
	}
	if got := NewExtractor(p, Options{Model: "gpt-5-mini"}, nil).ModelName(); got != "gpt-5-mini" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizers(t *testing.T) {
	if NormalizeCategory(" Budget ") != "budget" || NormalizeCategory("finance") != "other" {
		t.Fatal("NormalizeCategory mismatch")
	}
	for in, want := range map[float64]int{0: 1, -2: 1, 3.4: 3, 4.6: 5, 9: 5} {
		if got := ClampImportance(in); got != want {
			t.Errorf("ClampImportance(%v) = %d, want %d", in, got, want)
		}
	}
	for in, want := range map[float64]float64{-0.1: 0, 0.5: 0.5, 1.7: 1} {
		if got := ClampConfidence(in); got != want {
			t.Errorf("ClampConfidence(%v) = %v, want %v", in, got, want)
		}
	}
}
