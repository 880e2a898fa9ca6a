// Package resolve links a fact statement to a catalog item by name-token
// overlap.
package resolve

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// AssignThreshold is the score at which the best candidate becomes the
	// fact's scope.
	AssignThreshold = 0.8

	// MaxCandidates is the number of candidates kept for disambiguation.
	MaxCandidates = 3
)

// Item is a catalog entity a fact may be scoped to.
type Item struct {
	ID   string
	Name string
}

// Candidate is a scored catalog item.
type Candidate struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
}

// Resolution is the outcome of resolving one statement against a catalog.
// Candidates are sorted by score, highest first, ties in catalog order.
type Resolution struct {
	Candidates []Candidate
}

// Letters, digits and the Hebrew block survive; everything else separates tokens.
var tokenSep = regexp.MustCompile(`(?i)[^a-z0-9\x{0590}-\x{05ff}]+`)

// Tokenize lower-cases text and splits it into name tokens.
func Tokenize(text string) []string {
	parts := tokenSep.Split(strings.ToLower(text), -1)
	tokens := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// Score rates how well name matches statement: 1 when the whole name occurs
// in the statement, otherwise the fraction of name tokens found among the
// statement's tokens.
func Score(statement, name string) float64 {
	return score(strings.ToLower(statement), tokenSet(statement), name)
}

func score(lowerStatement string, statementTokens map[string]struct{}, name string) float64 {
	if strings.Contains(lowerStatement, strings.ToLower(name)) {
		return 1
	}
	nameTokens := Tokenize(name)
	if len(nameTokens) == 0 {
		return 0
	}
	matched := 0
	for _, tok := range nameTokens {
		if _, ok := statementTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(nameTokens))
}

// Resolve scores every item with a non-blank name against statement and keeps
// the top MaxCandidates.
func Resolve(statement string, items []Item) Resolution {
	lower := strings.ToLower(statement)
	tokens := tokenSet(statement)

	candidates := make([]Candidate, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Name) == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			ItemID: it.ID,
			Name:   it.Name,
			Score:  score(lower, tokens, it.Name),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}
	return Resolution{Candidates: candidates}
}

// Best returns the highest-scoring candidate.
func (r Resolution) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Assigned returns the candidate to scope the fact to, if the best score
// reaches AssignThreshold.
func (r Resolution) Assigned() (Candidate, bool) {
	best, ok := r.Best()
	if !ok || best.Score < AssignThreshold {
		return Candidate{}, false
	}
	return best, true
}

// Ambiguous reports whether no candidate was assigned but at least one
// scored above zero, i.e. a human should pick the item.
func (r Resolution) Ambiguous() bool {
	if _, ok := r.Assigned(); ok {
		return false
	}
	best, ok := r.Best()
	return ok && best.Score > 0
}

// Explanation renders the candidates as "Candidates: A (0.67), B (0.50)".
func (r Resolution) Explanation() string {
	parts := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		parts[i] = fmt.Sprintf("%s (%.2f)", c.Name, c.Score)
	}
	return "Candidates: " + strings.Join(parts, ", ")
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}
