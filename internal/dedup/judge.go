package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/eliranbeatt/studio-facts/internal/llm"
)

// Relations a judge may return.
const (
	RelationEntails     = "entails"
	RelationCompatible  = "compatible"
	RelationContradicts = "contradicts"
	RelationUnrelated   = "unrelated"
)

// JudgeSystemPrompt is sent with every pairwise comparison.
const JudgeSystemPrompt = "You are a strict semantic judge."

// Judgment is the judge's verdict on a pair of facts.
type Judgment struct {
	Relation   string  `json:"relation"`
	Confidence float64 `json:"confidence"`
}

// Validate rejects relations outside the closed set.
func (j *Judgment) Validate() error {
	switch j.Relation {
	case RelationEntails, RelationCompatible, RelationContradicts, RelationUnrelated:
		return nil
	}
	return fmt.Errorf("invalid relation %q", j.Relation)
}

// BuildJudgePrompt renders the comparison request for facts a and b.
func BuildJudgePrompt(a, b string) string {
	return strings.Join([]string{
		"Compare two facts and classify their relation:",
		"Return one of: entails, compatible, contradicts, unrelated.",
		`Respond with JSON only: {"relation": "...", "confidence": 0.0}`,
		"",
		"Fact A: " + a,
		"Fact B: " + b,
	}, "\n")
}

// Judge asks p how fact a relates to fact b.
func Judge(ctx context.Context, p llm.Provider, a, b string) (*Judgment, error) {
	var j Judgment
	if err := llm.CompleteJSON(ctx, p, JudgeSystemPrompt, BuildJudgePrompt(a, b), &j, llm.CompletionOpts{}); err != nil {
		return nil, fmt.Errorf("judging facts: %w", err)
	}
	return &j, nil
}
