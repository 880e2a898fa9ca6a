// Package pipeline owns extraction runs: one run per bundle attempt, chunk by
// chunk, from model output to stored facts, followed by asynchronous
// post-processing of every new fact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/eliranbeatt/studio-facts/internal/dedup"
	"github.com/eliranbeatt/studio-facts/internal/evidence"
	"github.com/eliranbeatt/studio-facts/internal/extract"
	"github.com/eliranbeatt/studio-facts/internal/llm"
	"github.com/eliranbeatt/studio-facts/internal/resolve"
	"github.com/eliranbeatt/studio-facts/internal/schedule"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"go.uber.org/zap"
)

// Skip reasons reported in Outcome.SkipReason.
const (
	SkipDisabled  = "facts_disabled"
	SkipSucceeded = "already_succeeded"
)

// PostProcessTask is the scheduler task name for the semantic stage.
const PostProcessTask = "post-process"

// Config holds run parameters.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Policy       dedup.Policy
}

// Outcome reports what Process did with a bundle.
type Outcome struct {
	RunID      int64          `json:"run_id,omitempty"`
	Skipped    bool           `json:"skipped"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Status     string         `json:"status,omitempty"`
	Stats      store.RunStats `json:"stats"`
	FactIDs    []int64        `json:"fact_ids,omitempty"` // inserted non-duplicate facts
}

// Orchestrator runs extraction for bundles.
type Orchestrator struct {
	store     store.Store
	extractor *extract.Extractor
	engine    *dedup.Engine
	scheduler schedule.Scheduler
	cfg       Config
	logger    *zap.Logger
}

// NewOrchestrator creates an Orchestrator. When engine or scheduler is nil,
// new facts are stored but not post-processed.
func NewOrchestrator(s store.Store, ex *extract.Extractor, engine *dedup.Engine, sched schedule.Scheduler, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ChunkSize, cfg.ChunkOverlap = extract.NormalizeChunking(cfg.ChunkSize, cfg.ChunkOverlap)
	if cfg.Policy == (dedup.Policy{}) {
		cfg.Policy = dedup.DefaultPolicy()
	}
	return &Orchestrator{store: s, extractor: ex, engine: engine, scheduler: sched, cfg: cfg, logger: logger}
}

// Process extracts facts from a bundle. It is a no-op when the project has
// facts disabled or the bundle already has a succeeded run. Each chunk's new
// facts are scheduled for post-processing once stored. A failed chunk fails
// the run; facts from earlier chunks stay stored and scheduled, and the
// returned error wraps the cause.
func (o *Orchestrator) Process(ctx context.Context, bundleID string) (*Outcome, error) {
	bundle, err := o.store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, store.ErrNotFound)
	}
	log := o.logger.With(zap.String("bundle_id", bundleID), zap.String("project", bundle.Project))

	enabled, err := o.store.FactsEnabled(ctx, bundle.Project)
	if err != nil {
		return nil, err
	}
	if !enabled {
		log.Debug("extraction skipped", zap.String("reason", SkipDisabled))
		return &Outcome{Skipped: true, SkipReason: SkipDisabled}, nil
	}

	latest, err := o.store.LatestRunForBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == store.RunSucceeded {
		log.Debug("extraction skipped", zap.String("reason", SkipSucceeded), zap.Int64("run_id", latest.ID))
		return &Outcome{RunID: latest.ID, Skipped: true, SkipReason: SkipSucceeded, Status: latest.Status}, nil
	}

	runID, err := o.store.CreateRun(ctx, &store.Run{
		Project:  bundle.Project,
		BundleID: bundle.ID,
		Model:    o.extractor.ModelName(),
	})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.Int64("run_id", runID))
	out := &Outcome{RunID: runID, Status: store.RunRunning}

	if err := o.extract(ctx, bundle, runID, out, log); err != nil {
		return o.fail(ctx, out, err, log)
	}

	if err := o.store.FinishRun(ctx, runID, store.RunSucceeded, out.Stats, nil); err != nil {
		return nil, err
	}
	out.Status = store.RunSucceeded
	log.Info("extraction run succeeded",
		zap.Int("facts_produced", out.Stats.FactsProduced),
		zap.Int("exact_duplicates", out.Stats.ExactDuplicates),
		zap.Int("hypotheses", out.Stats.Hypotheses),
	)

	return out, nil
}

func (o *Orchestrator) extract(ctx context.Context, bundle *store.Bundle, runID int64, out *Outcome, log *zap.Logger) error {
	items, err := o.store.ListItems(ctx, bundle.Project)
	if err != nil {
		return err
	}
	snap, err := o.snapshot(ctx, bundle.Project, items)
	if err != nil {
		return err
	}

	catalog := make(map[string]bool, len(items))
	refs := make([]resolve.Item, len(items))
	for i, it := range items {
		catalog[it.ID] = true
		refs[i] = resolve.Item{ID: it.ID, Name: it.Name}
	}

	chunks := extract.ChunkText(bundle.Text, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
	if err := o.store.SetRunChunking(ctx, runID, store.Chunking{
		Chunks:    len(chunks),
		Strategy:  extract.ChunkStrategy,
		ChunkSize: o.cfg.ChunkSize,
		Overlap:   o.cfg.ChunkOverlap,
	}); err != nil {
		return err
	}

	for i, chunk := range chunks {
		chunkID := extract.ChunkID(i, len(chunks))
		candidates, err := o.extractor.ExtractChunk(ctx, chunk, chunkID, snap)
		if err != nil {
			return err
		}
		first := len(out.FactIDs)
		err = o.insertCandidates(ctx, bundle, runID, chunk, candidates, catalog, refs, out)
		// Facts committed so far are post-processed even if the run fails later.
		o.schedulePostProcessing(out.FactIDs[first:], runID)
		if err != nil {
			return err
		}
		log.Debug("chunk stored", zap.String("chunk_id", chunkID), zap.Int("candidates", len(candidates)))
	}
	return nil
}

func (o *Orchestrator) insertCandidates(ctx context.Context, bundle *store.Bundle, runID int64, chunk extract.Chunk,
	candidates []extract.Candidate, catalog map[string]bool, items []resolve.Item, out *Outcome) error {
	for _, c := range candidates {
		if err := o.insertCandidate(ctx, bundle, runID, chunk, c, catalog, items, out); err != nil {
			return err
		}
	}
	return nil
}

// snapshot collects the catalog and the project-scope facts allowed to
// inform extraction.
func (o *Orchestrator) snapshot(ctx context.Context, project string, items []*store.Item) (extract.Snapshot, error) {
	facts, err := o.store.ListFacts(ctx, store.FactFilter{
		Project:   project,
		Statuses:  []string{store.StatusAccepted, store.StatusProposed},
		ScopeType: store.ScopeProject,
	})
	if err != nil {
		return extract.Snapshot{}, err
	}

	snap := extract.Snapshot{Items: make([]extract.SnapshotItem, 0, len(items))}
	for _, it := range items {
		snap.Items = append(snap.Items, extract.SnapshotItem{ID: it.ID, Name: it.Name})
	}
	for _, f := range facts {
		if f.Status == store.StatusProposed && f.Confidence < o.cfg.Policy.Context {
			continue
		}
		snap.AcceptedFacts = append(snap.AcceptedFacts, extract.SnapshotFact{Text: f.Text, ScopeType: f.ScopeType})
	}
	return snap, nil
}

func (o *Orchestrator) insertCandidate(ctx context.Context, bundle *store.Bundle, runID int64, chunk extract.Chunk,
	c extract.Candidate, catalog map[string]bool, items []resolve.Item, out *Outcome) error {

	verified := make([]store.Evidence, 0, len(c.Evidence))
	sourceKind := "user"
	for _, e := range c.Evidence {
		span, ok := evidence.Verify(bundle.Text, chunk.Text, chunk.Start, evidence.Claim{
			Quote: e.Quote,
			Start: e.StartRune(),
			End:   e.EndRune(),
		})
		if !ok {
			continue
		}
		ev := store.Evidence{
			BundleID:      bundle.ID,
			Quote:         evidence.Slice(bundle.Text, span),
			Start:         span.Start,
			End:           span.End,
			SourceSection: e.SourceSection,
			SourceKind:    e.SourceKind,
		}
		if ev.SourceSection == "" {
			ev.SourceSection = "unknown"
		}
		if ev.SourceKind == "" {
			ev.SourceKind = store.SourceUser
		}
		if ev.SourceKind == store.SourceAgentOutput {
			sourceKind = "agent"
		}
		verified = append(verified, ev)
	}

	// The tier is forced before the status is decided.
	tier := c.SourceTier
	if tier == store.TierUserEvidence && len(verified) == 0 {
		tier = store.TierHypothesis
	}
	confidence := extract.ClampConfidence(c.Confidence)
	status := store.StatusProposed
	switch {
	case tier == store.TierHypothesis:
		status = store.StatusHypothesis
	case confidence >= o.cfg.Policy.Accept && len(verified) > 0:
		status = store.StatusAccepted
	}

	scopeType, itemID := c.Scope(), strings.TrimSpace(c.ItemID)
	if itemID != "" && !catalog[itemID] {
		o.logger.Debug("unknown item id dropped", zap.String("item_id", itemID))
		itemID = ""
	}
	var issues []*store.Issue
	if itemID == "" {
		res := resolve.Resolve(c.Text, items)
		if best, ok := res.Assigned(); ok {
			itemID = best.ItemID
		} else if res.Ambiguous() {
			issues = append(issues, &store.Issue{
				Type:           store.IssueMissingItemLink,
				Severity:       store.SeverityInfo,
				ProposedAction: store.ActionAskUserToPickItem,
				Explanation:    res.Explanation(),
			})
		}
	}
	if itemID != "" {
		scopeType = store.ScopeItem
	} else {
		scopeType = store.ScopeProject
	}

	value, err := store.ParseLooseValue(c.Value, c.ValueType)
	if err != nil {
		o.logger.Debug("unparseable value dropped", zap.String("value", string(c.Value)), zap.Error(err))
		value = nil
	}

	f := &store.Fact{
		Project:    bundle.Project,
		ScopeType:  scopeType,
		ItemID:     itemID,
		Text:       strings.TrimSpace(c.Text),
		Category:   extract.NormalizeCategory(c.Category),
		Importance: extract.ClampImportance(c.Importance),
		SourceTier: tier,
		Status:     status,
		Confidence: confidence,
		Key:        strings.TrimSpace(c.Key),
		Value:      value,
		Evidence:   verified,
		Provenance: store.Provenance{
			BundleID:   bundle.ID,
			RunID:      runID,
			ChunkID:    c.ChunkID,
			SourceKind: sourceKind,
		},
	}
	for _, is := range issues {
		is.Project = bundle.Project
	}

	res, err := o.store.InsertFact(ctx, f, issues)
	if err != nil {
		return err
	}

	out.Stats.FactsProduced++
	if c.SourceTier == store.TierUserEvidence {
		out.Stats.UserFacts++
	} else {
		out.Stats.Hypotheses++
	}
	if res.Duplicate {
		out.Stats.ExactDuplicates++
	} else {
		out.FactIDs = append(out.FactIDs, res.FactID)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, out *Outcome, cause error, log *zap.Logger) (*Outcome, error) {
	runErr := &store.RunError{Message: cause.Error()}
	var schemaErr *llm.SchemaError
	if errors.As(cause, &schemaErr) {
		runErr.Raw = schemaErr.Raw
	}

	// The failure is recorded even when the caller's context is done.
	if err := o.store.FinishRun(context.WithoutCancel(ctx), out.RunID, store.RunFailed, out.Stats, runErr); err != nil {
		log.Error("recording run failure", zap.Error(err))
	}
	out.Status = store.RunFailed
	log.Warn("extraction run failed", zap.Int("facts_produced", out.Stats.FactsProduced), zap.Error(cause))
	return out, fmt.Errorf("run %d failed: %w", out.RunID, cause)
}

func (o *Orchestrator) schedulePostProcessing(ids []int64, runID int64) {
	if o.engine == nil || o.scheduler == nil {
		return
	}
	for _, id := range ids {
		factID := id
		o.scheduler.Schedule(PostProcessTask, strconv.FormatInt(factID, 10), func(ctx context.Context) error {
			_, err := o.engine.PostProcess(ctx, factID, runID)
			return err
		})
	}
}
