// Package lifecycle implements the human-review surface over stored facts:
// status transitions, edits, rescoping, deletion, issue resolution and the
// read queries downstream consumers use.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eliranbeatt/studio-facts/internal/dedup"
	"github.com/eliranbeatt/studio-facts/internal/embed"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTransition is returned for status changes the fact state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrEmptyText is returned when an edit would leave a fact without text.
	ErrEmptyText = errors.New("fact text is empty")
)

// Action reports the effect of one mutation.
type Action struct {
	Action    string `json:"action"`
	FactID    int64  `json:"fact_id,omitempty"`
	IssueID   int64  `json:"issue_id,omitempty"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Applied   bool   `json:"applied"`
	Skipped   bool   `json:"skipped,omitempty"` // project has facts disabled
}

// Service applies review operations against a store. The dedup engine and
// embedder are optional; without them edits are not re-embedded and context
// queries ignore QueryText.
type Service struct {
	store    store.Store
	engine   *dedup.Engine
	embedder embed.Embedder
	policy   dedup.Policy
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(s store.Store, engine *dedup.Engine, embedder embed.Embedder, policy dedup.Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == (dedup.Policy{}) {
		policy = dedup.DefaultPolicy()
	}
	return &Service{store: s, engine: engine, embedder: embedder, policy: policy, logger: logger}
}

// loadFact returns the fact and whether its project accepts mutations.
func (s *Service) loadFact(ctx context.Context, id int64) (*store.Fact, bool, error) {
	f, err := s.store.GetFact(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if f == nil {
		return nil, false, fmt.Errorf("fact %d: %w", id, store.ErrNotFound)
	}
	enabled, err := s.store.FactsEnabled(ctx, f.Project)
	if err != nil {
		return nil, false, err
	}
	return f, enabled, nil
}

// Accept promotes a proposed or hypothesis fact to accepted. Accepting an
// accepted fact is a no-op.
func (s *Service) Accept(ctx context.Context, id int64) (*Action, error) {
	return s.transition(ctx, id, "accept", store.StatusAccepted, func(from string) bool {
		return from == store.StatusProposed || from == store.StatusHypothesis
	})
}

// Reject moves a live fact to rejected. Rejecting twice is a no-op.
func (s *Service) Reject(ctx context.Context, id int64) (*Action, error) {
	return s.transition(ctx, id, "reject", store.StatusRejected, func(from string) bool {
		return from == store.StatusProposed || from == store.StatusHypothesis || from == store.StatusAccepted
	})
}

func (s *Service) transition(ctx context.Context, id int64, action, to string, allowed func(string) bool) (*Action, error) {
	f, enabled, err := s.loadFact(ctx, id)
	if err != nil {
		return nil, err
	}
	act := &Action{Action: action, FactID: id, FromState: f.Status, ToState: to}
	if !enabled {
		act.Skipped = true
		return act, nil
	}
	if f.Status == to {
		act.Reason = "already " + to
		return act, nil
	}
	if !allowed(f.Status) {
		return nil, fmt.Errorf("%s fact %d from %s: %w", action, id, f.Status, ErrInvalidTransition)
	}
	if err := s.store.UpdateFactStatus(ctx, id, to); err != nil {
		return nil, err
	}
	act.Applied = true
	s.logger.Info("fact status changed", zap.Int64("fact_id", id), zap.String("from", f.Status), zap.String("to", to))
	return act, nil
}

// UpdateText replaces a fact's statement. The canonical hash is recomputed
// and the stale embedding dropped; the fact is then re-embedded and
// reconciled. A failed re-embed leaves the fact without an embedding until
// PostProcess is retried.
func (s *Service) UpdateText(ctx context.Context, id int64, text string) (*Action, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	f, enabled, err := s.loadFact(ctx, id)
	if err != nil {
		return nil, err
	}
	act := &Action{Action: "update_text", FactID: id, FromState: f.Status, ToState: f.Status}
	if !enabled {
		act.Skipped = true
		return act, nil
	}
	if f.Status == store.StatusDuplicate {
		return nil, fmt.Errorf("editing duplicate fact %d: %w", id, ErrInvalidTransition)
	}

	hash := store.HashFact(f.Project, f.ScopeType, f.ItemID, f.Key, text)
	if err := s.store.UpdateFactText(ctx, id, text, hash); err != nil {
		return nil, err
	}
	act.Applied = true
	s.reembed(ctx, id, act)
	return act, nil
}

// AssignItem rescopes a live fact to a catalog item of its own project and
// resolves its open missing_item_link issues.
func (s *Service) AssignItem(ctx context.Context, id int64, itemID string) (*Action, error) {
	f, enabled, err := s.loadFact(ctx, id)
	if err != nil {
		return nil, err
	}
	act := &Action{Action: "assign_item", FactID: id, FromState: f.Status, ToState: f.Status}
	if !enabled {
		act.Skipped = true
		return act, nil
	}
	if f.Status == store.StatusDuplicate || f.Status == store.StatusRejected {
		return nil, fmt.Errorf("assigning %s fact %d: %w", f.Status, id, ErrInvalidTransition)
	}
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.Project != f.Project {
		return nil, fmt.Errorf("item %s in project %s: %w", itemID, f.Project, store.ErrNotFound)
	}

	hash := store.HashFact(f.Project, store.ScopeItem, item.ID, f.Key, f.Text)
	if err := s.store.UpdateFactScope(ctx, id, store.ScopeItem, item.ID, hash); err != nil {
		return nil, err
	}
	act.Applied = true
	act.Reason = "scoped to " + item.Name

	// The item link is now settled; close any pending request to pick one.
	issues, err := s.store.ListIssues(ctx, store.IssueFilter{Project: f.Project, FactID: id})
	if err != nil {
		return nil, err
	}
	for _, is := range issues {
		if is.Type != store.IssueMissingItemLink {
			continue
		}
		if err := s.store.ResolveIssue(ctx, is.ID, store.IssueResolved); err != nil {
			return nil, err
		}
	}
	return act, nil
}

// Delete removes a fact with its embedding, its issues and its group
// membership.
func (s *Service) Delete(ctx context.Context, id int64) (*Action, error) {
	f, enabled, err := s.loadFact(ctx, id)
	if err != nil {
		return nil, err
	}
	act := &Action{Action: "delete", FactID: id, FromState: f.Status}
	if !enabled {
		act.Skipped = true
		return act, nil
	}
	if err := s.store.DeleteFact(ctx, id); err != nil {
		return nil, err
	}
	act.Applied = true
	s.logger.Info("fact deleted", zap.Int64("fact_id", id))
	return act, nil
}

// ResolveIssue closes an issue as resolved or dismissed.
func (s *Service) ResolveIssue(ctx context.Context, id int64, status string) (*Action, error) {
	is, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if is == nil {
		return nil, fmt.Errorf("issue %d: %w", id, store.ErrNotFound)
	}
	act := &Action{Action: "resolve_issue", IssueID: id, FactID: is.FactID, FromState: is.Status, ToState: status}
	enabled, err := s.store.FactsEnabled(ctx, is.Project)
	if err != nil {
		return nil, err
	}
	if !enabled {
		act.Skipped = true
		return act, nil
	}
	if err := s.store.ResolveIssue(ctx, id, status); err != nil {
		return nil, err
	}
	act.Applied = true
	return act, nil
}

// PostProcess re-runs the semantic stage for one fact on demand.
func (s *Service) PostProcess(ctx context.Context, id int64) (*dedup.Result, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("post-processing is not configured")
	}
	return s.engine.PostProcess(ctx, id, 0)
}

// SetFactsEnabled turns the pipeline on or off for a project.
func (s *Service) SetFactsEnabled(ctx context.Context, project string, enabled bool) error {
	if strings.TrimSpace(project) == "" {
		return fmt.Errorf("project is required")
	}
	return s.store.SetFactsEnabled(ctx, project, enabled)
}

func (s *Service) reembed(ctx context.Context, id int64, act *Action) {
	if s.engine == nil {
		return
	}
	if _, err := s.engine.PostProcess(ctx, id, 0); err != nil {
		act.Reason = "re-embed pending: " + err.Error()
		s.logger.Warn("re-embedding edited fact failed", zap.Int64("fact_id", id), zap.Error(err))
	}
}
