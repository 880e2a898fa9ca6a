package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/eliranbeatt/studio-facts/internal/store"
)

// Context scope types.
const (
	ContextProject   = "project"
	ContextItem      = "item"
	ContextMultiItem = "multiItem"
)

// FactQuery selects facts for review listings.
type FactQuery struct {
	Project   string
	Status    string // empty = any
	ScopeType string
	ItemID    string
	Limit     int
}

// ListFacts returns a project's facts, newest first. Disabled projects list
// nothing.
func (s *Service) ListFacts(ctx context.Context, q FactQuery) ([]*store.Fact, error) {
	if ok, err := s.enabled(ctx, q.Project); !ok || err != nil {
		return nil, err
	}
	filter := store.FactFilter{Project: q.Project, ScopeType: q.ScopeType, Limit: q.Limit}
	if q.Status != "" {
		filter.Statuses = []string{q.Status}
	}
	if q.ItemID != "" {
		filter.ItemIDs = []string{q.ItemID}
	}
	return s.store.ListFacts(ctx, filter)
}

// ListIssues returns a project's issues, open ones unless status says otherwise.
func (s *Service) ListIssues(ctx context.Context, project, status string, limit int) ([]*store.Issue, error) {
	if ok, err := s.enabled(ctx, project); !ok || err != nil {
		return nil, err
	}
	return s.store.ListIssues(ctx, store.IssueFilter{Project: project, Status: status, Limit: limit})
}

// ListRuns returns a project's extraction runs, newest first.
func (s *Service) ListRuns(ctx context.Context, project string, limit int) ([]*store.Run, error) {
	if ok, err := s.enabled(ctx, project); !ok || err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, project, limit)
}

// Stats returns store counts for a project, or for all projects when empty.
func (s *Service) Stats(ctx context.Context, project string) (*store.StoreStats, error) {
	return s.store.Stats(ctx, project)
}

func (s *Service) enabled(ctx context.Context, project string) (bool, error) {
	if strings.TrimSpace(project) == "" {
		return false, fmt.Errorf("project is required")
	}
	return s.store.FactsEnabled(ctx, project)
}

// ContextQuery asks for the facts that may serve as ground truth.
type ContextQuery struct {
	Project   string
	ScopeType string   // project, item or multiItem
	ItemIDs   []string // items whose facts join the project facts
	QueryText string   // ranks by similarity when set
	Limit     int      // default 30, clamped to 5..80
}

// ContextFact is the compact form of a fact returned by Context.
type ContextFact struct {
	ID         int64   `json:"id"`
	Text       string  `json:"text"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
	Importance int     `json:"importance"`
	ScopeType  string  `json:"scope_type"`
	ItemID     string  `json:"item_id,omitempty"`
}

// ContextResult is the rendered context.
type ContextResult struct {
	Bullets string        `json:"bullets"`
	Facts   []ContextFact `json:"facts"`
}

// ClampContextLimit applies the Context limit policy.
func ClampContextLimit(limit int) int {
	if limit == 0 {
		limit = 30
	}
	if limit < 5 {
		limit = 5
	}
	if limit > 80 {
		limit = 80
	}
	return limit
}

// Context returns eligible facts for q. Duplicate, rejected and hypothesis
// facts never qualify; proposed facts qualify only above the context
// confidence floor. With QueryText the embedding neighbours are ranked by
// score, otherwise all eligible facts are ranked by importance. Ties fall to
// the newest fact.
func (s *Service) Context(ctx context.Context, q ContextQuery) (*ContextResult, error) {
	switch q.ScopeType {
	case "":
		q.ScopeType = ContextProject
	case ContextProject, ContextItem, ContextMultiItem:
	default:
		return nil, fmt.Errorf("invalid context scope %q", q.ScopeType)
	}
	limit := ClampContextLimit(q.Limit)

	if ok, err := s.enabled(ctx, q.Project); err != nil {
		return nil, err
	} else if !ok {
		return renderContext(nil), nil
	}

	var facts []*store.Fact
	var err error
	if strings.TrimSpace(q.QueryText) != "" && s.embedder != nil {
		facts, err = s.contextBySimilarity(ctx, q, limit)
	} else {
		facts, err = s.contextByImportance(ctx, q, limit)
	}
	if err != nil {
		return nil, err
	}
	return renderContext(facts), nil
}

func (s *Service) contextBySimilarity(ctx context.Context, q ContextQuery, limit int) ([]*store.Fact, error) {
	vec, err := s.embedder.Embed(ctx, q.QueryText)
	if err != nil {
		return nil, fmt.Errorf("embedding context query: %w", err)
	}
	hits, err := s.store.SearchEmbeddings(ctx, q.Project, vec, limit*3, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.FactID
		scores[h.FactID] = h.Score
	}
	candidates, err := s.store.GetFacts(ctx, ids)
	if err != nil {
		return nil, err
	}

	var eligible []*store.Fact
	for _, f := range candidates {
		if s.eligible(f, q) {
			eligible = append(eligible, f)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		return byImportance(a, b)
	})
	return truncateFacts(eligible, limit), nil
}

func (s *Service) contextByImportance(ctx context.Context, q ContextQuery, limit int) ([]*store.Fact, error) {
	all, err := s.store.ListFacts(ctx, store.FactFilter{
		Project:  q.Project,
		Statuses: []string{store.StatusAccepted, store.StatusProposed},
	})
	if err != nil {
		return nil, err
	}
	var eligible []*store.Fact
	for _, f := range all {
		if s.eligible(f, q) {
			eligible = append(eligible, f)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool { return byImportance(eligible[i], eligible[j]) })
	return truncateFacts(eligible, limit), nil
}

func (s *Service) eligible(f *store.Fact, q ContextQuery) bool {
	switch f.Status {
	case store.StatusAccepted:
	case store.StatusProposed:
		if f.Confidence < s.policy.Context {
			return false
		}
	default:
		return false
	}
	if f.ScopeType == store.ScopeProject {
		return true
	}
	if q.ScopeType == ContextProject {
		return false
	}
	for _, id := range q.ItemIDs {
		if id == f.ItemID {
			return true
		}
	}
	return false
}

func byImportance(a, b *store.Fact) bool {
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func truncateFacts(facts []*store.Fact, limit int) []*store.Fact {
	if len(facts) > limit {
		return facts[:limit]
	}
	return facts
}

func renderContext(facts []*store.Fact) *ContextResult {
	res := &ContextResult{Facts: make([]ContextFact, 0, len(facts))}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, "- "+f.Text)
		res.Facts = append(res.Facts, ContextFact{
			ID:         f.ID,
			Text:       f.Text,
			Status:     f.Status,
			Confidence: f.Confidence,
			Importance: f.Importance,
			ScopeType:  f.ScopeType,
			ItemID:     f.ItemID,
		})
	}
	res.Bullets = strings.Join(lines, "\n")
	if res.Bullets == "" {
		res.Bullets = "(none)"
	}
	return res
}
