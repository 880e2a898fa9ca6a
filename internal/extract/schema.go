package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Source tiers and evidence kinds accepted from the model.
const (
	TierUserEvidence = "user_evidence"
	TierHypothesis   = "hypothesis"
)

var sourceKinds = map[string]bool{"user": true, "doc": true, "agentOutput": true}

// RawEvidence is an evidence citation as returned by the model. Offsets are
// approximate and relative to the chunk until verified.
type RawEvidence struct {
	Quote         string  `json:"quote"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	SourceSection string  `json:"sourceSection,omitempty"`
	SourceKind    string  `json:"sourceKind,omitempty"`
}

// StartRune and EndRune return the claimed offsets as integers.
func (e RawEvidence) StartRune() int { return int(math.Round(e.Start)) }
func (e RawEvidence) EndRune() int { return int(math.Round(e.End)) }

// RawFact is one fact candidate as returned by the model.
type RawFact struct {
	Text       string          `json:"text"`
	Category   string          `json:"category"`
	Importance float64         `json:"importance"`
	SourceTier string          `json:"sourceTier"`
	Confidence float64         `json:"confidence"`
	ScopeType  string          `json:"scopeType,omitempty"`
	ScopeAlias string          `json:"scope,omitempty"`
	ItemID     string          `json:"itemId,omitempty"`
	Key        string          `json:"key,omitempty"`
	ValueType  string          `json:"valueType,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Evidence   []RawEvidence   `json:"evidence,omitempty"`
}

// Scope returns scopeType, falling back to the "scope" alias.
func (f *RawFact) Scope() string {
	if f.ScopeType != "" {
		return f.ScopeType
	}
	return f.ScopeAlias
}

// Validate enforces the response contract for a single fact.
func (f *RawFact) Validate() error {
	if strings.TrimSpace(f.Text) == "" {
		return fmt.Errorf("text is empty")
	}
	if f.SourceTier != TierUserEvidence && f.SourceTier != TierHypothesis {
		return fmt.Errorf("invalid sourceTier %q", f.SourceTier)
	}
	switch f.Scope() {
	case "project", "item":
	case "":
		return fmt.Errorf("fact is missing scopeType")
	default:
		return fmt.Errorf("invalid scopeType %q", f.Scope())
	}
	for i, e := range f.Evidence {
		if e.SourceKind != "" && !sourceKinds[e.SourceKind] {
			return fmt.Errorf("evidence %d: invalid sourceKind %q", i, e.SourceKind)
		}
	}
	return nil
}

// Response is the top-level JSON object the model must return.
type Response struct {
	Facts []RawFact `json:"facts"`
}

// Validate checks every fact; the first violation fails the whole response.
func (r *Response) Validate() error {
	if r.Facts == nil {
		return fmt.Errorf("missing facts array")
	}
	for i := range r.Facts {
		if err := r.Facts[i].Validate(); err != nil {
			return fmt.Errorf("fact %d: %w", i, err)
		}
	}
	return nil
}

// NormalizeCategory maps unknown categories to "other".
func NormalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, known := range Categories {
		if c == known {
			return c
		}
	}
	return "other"
}

// ClampImportance rounds to an integer in 1..5.
func ClampImportance(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

// ClampConfidence bounds v to 0..1.
func ClampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
