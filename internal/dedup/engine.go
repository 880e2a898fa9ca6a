// Package dedup implements the semantic stage of fact consistency: embedding
// each new fact, grouping near-identical neighbours, and raising review issues
// for near-duplicates and contradictions. Exact duplicates are handled earlier,
// inside store.InsertFact.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/eliranbeatt/studio-facts/internal/embed"
	"github.com/eliranbeatt/studio-facts/internal/llm"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"go.uber.org/zap"
)

// Issue explanations.
const (
	ExplainSameKeyConflict    = "Conflicting values for the same key."
	ExplainNearDuplicate      = "Possible near-duplicate fact."
	ExplainJudgeContradiction = "Possible semantic contradiction."
)

// Policy holds the dedup and acceptance thresholds.
type Policy struct {
	Accept    float64 // minimum confidence for auto-acceptance
	Suggest   float64 // neighbour score that raises a near-duplicate suggestion
	Merge     float64 // neighbour score that groups facts automatically
	Context   float64 // minimum confidence for proposed facts to enter context
	Judge     float64 // minimum judge confidence to raise a contradiction
	Neighbors int     // neighbours examined per fact
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Accept:    0.80,
		Suggest:   0.82,
		Merge:     0.90,
		Context:   0.85,
		Judge:     0.70,
		Neighbors: 8,
	}
}

// Result summarises one post-processing pass.
type Result struct {
	FactID     int64          `json:"fact_id"`
	Skipped    bool           `json:"skipped"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Neighbors  int            `json:"neighbors"`
	Grouped    []int64        `json:"grouped,omitempty"`
	Stats      store.RunStats `json:"stats"`
}

// Engine runs the semantic stage for one fact at a time. It is safe for
// concurrent use; all shared state lives in the store.
type Engine struct {
	store    store.Store
	embedder embed.Embedder
	judge    llm.Provider
	model    string
	policy   Policy
	logger   *zap.Logger
}

// NewEngine creates an Engine. judge may be nil to disable contradiction
// judging; model is recorded with each embedding.
func NewEngine(s store.Store, e embed.Embedder, judge llm.Provider, model string, policy Policy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, embedder: e, judge: judge, model: model, policy: policy, logger: logger}
}

// Policy returns the thresholds in use.
func (e *Engine) Policy() Policy { return e.policy }

// PostProcess embeds a fact and reconciles it against its neighbours. It is
// a no-op for facts that are missing, duplicate or rejected. Issues already
// open are not raised twice and grouped pairs are not counted twice, so a
// retried pass leaves the same state. Stats are added to runID when non-zero.
func (e *Engine) PostProcess(ctx context.Context, factID, runID int64) (*Result, error) {
	res := &Result{FactID: factID}
	log := e.logger.With(zap.Int64("fact_id", factID), zap.Int64("run_id", runID))

	f, err := e.store.GetFact(ctx, factID)
	if err != nil {
		return nil, err
	}
	if reason := skipReason(f); reason != "" {
		res.Skipped, res.SkipReason = true, reason
		log.Debug("post-process skipped", zap.String("reason", reason))
		return res, nil
	}

	vec, err := e.embedder.Embed(ctx, f.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding fact %d: %w", factID, err)
	}
	if err := e.store.PutEmbedding(ctx, factID, vec, e.model); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Skipped, res.SkipReason = true, "deleted"
			return res, nil
		}
		return nil, err
	}

	if err := e.sameKeyScan(ctx, f, res); err != nil {
		return nil, err
	}

	neighbors, err := e.store.SearchEmbeddings(ctx, f.Project, vec, e.policy.Neighbors, f.ID)
	if err != nil {
		return nil, err
	}
	res.Neighbors = len(neighbors)

	for _, n := range neighbors {
		if n.Score < e.policy.Suggest {
			break
		}
		g, err := e.store.GetFact(ctx, n.FactID)
		if err != nil {
			return nil, err
		}
		if !sameSlot(f, g) {
			continue
		}

		if n.Score >= e.policy.Merge {
			if f.GroupID == 0 || f.GroupID != g.GroupID {
				group, err := e.store.MergeIntoGroup(ctx, f.ID, g.ID)
				if err != nil {
					return nil, err
				}
				f.GroupID = group.ID
				res.Grouped = append(res.Grouped, g.ID)
				res.Stats.SemanticCandidates++
				log.Info("facts grouped", zap.Int64("neighbor_id", g.ID), zap.Float64("score", n.Score))
			}
		} else {
			created, err := e.raise(ctx, f, g, store.IssueSemanticDuplicate, store.SeverityInfo, store.ActionCreateGroup, ExplainNearDuplicate)
			if err != nil {
				return nil, err
			}
			if created {
				res.Stats.SemanticCandidates++
			}
		}

		if e.judge == nil {
			continue
		}
		verdict, err := Judge(ctx, e.judge, f.Text, g.Text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("judge failed, skipping neighbor", zap.Int64("neighbor_id", g.ID), zap.Error(err))
			continue
		}
		if verdict.Relation == RelationContradicts && verdict.Confidence >= e.policy.Judge {
			created, err := e.raise(ctx, f, g, store.IssueContradiction, store.SeverityWarning, store.ActionKeepBoth, ExplainJudgeContradiction)
			if err != nil {
				return nil, err
			}
			if created {
				res.Stats.Contradictions++
			}
		}
	}

	if runID != 0 && (res.Stats.SemanticCandidates > 0 || res.Stats.Contradictions > 0) {
		if err := e.store.IncrementRunStats(ctx, runID, res.Stats); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	log.Debug("post-process done",
		zap.Int("neighbors", res.Neighbors),
		zap.Int("semantic_candidates", res.Stats.SemanticCandidates),
		zap.Int("contradictions", res.Stats.Contradictions),
	)
	return res, nil
}

// sameKeyScan flags every live fact that shares f's scope and key but holds
// a different value. It does not depend on embeddings.
func (e *Engine) sameKeyScan(ctx context.Context, f *store.Fact, res *Result) error {
	mine := f.Value.Normalize()
	if f.Key == "" || mine == "" {
		return nil
	}

	filter := store.FactFilter{
		Project:   f.Project,
		Statuses:  []string{store.StatusAccepted, store.StatusProposed},
		ScopeType: f.ScopeType,
		Key:       f.Key,
		HasKey:    true,
	}
	if f.ScopeType == store.ScopeItem {
		filter.ItemIDs = []string{f.ItemID}
	}
	others, err := e.store.ListFacts(ctx, filter)
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.ID == f.ID {
			continue
		}
		theirs := o.Value.Normalize()
		if theirs == "" || theirs == mine {
			continue
		}
		created, err := e.raise(ctx, f, o, store.IssueContradiction, store.SeverityWarning, store.ActionKeepBoth, ExplainSameKeyConflict)
		if err != nil {
			return err
		}
		if created {
			res.Stats.Contradictions++
		}
	}
	return nil
}

func (e *Engine) raise(ctx context.Context, f, related *store.Fact, typ, severity, action, explanation string) (bool, error) {
	_, created, err := e.store.AddIssue(ctx, &store.Issue{
		Project:        f.Project,
		Type:           typ,
		Severity:       severity,
		FactID:         f.ID,
		RelatedFactIDs: []int64{related.ID},
		ProposedAction: action,
		Explanation:    explanation,
	})
	if err != nil {
		return false, err
	}
	if created {
		e.logger.Info("issue raised",
			zap.String("type", typ),
			zap.Int64("fact_id", f.ID),
			zap.Int64("related_fact_id", related.ID),
		)
	}
	return created, nil
}

func skipReason(f *store.Fact) string {
	switch {
	case f == nil:
		return "missing"
	case f.Status == store.StatusDuplicate:
		return "duplicate"
	case f.Status == store.StatusRejected:
		return "rejected"
	}
	return ""
}

// sameSlot reports whether g is a live fact in the same scope and key as f.
func sameSlot(f, g *store.Fact) bool {
	if g == nil || skipReason(g) != "" {
		return false
	}
	return g.ScopeType == f.ScopeType && g.ItemID == f.ItemID && g.Key == f.Key
}
