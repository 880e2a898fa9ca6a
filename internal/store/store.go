// Package store provides the SQLite storage layer for studio-facts.
//
// All pipeline state lives in a single SQLite database file:
// - Source bundles and the item catalog they are resolved against
// - Extraction runs with chunking parameters and statistics
// - Fact atoms with evidence, dedup metadata and provenance
// - Fact groups, issues and embedding vectors
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.studio-facts/facts.db"

// DefaultEmbeddingDimensions is the default embedding vector size (text-embedding-3-small).
const DefaultEmbeddingDimensions = 1536

// ErrNotFound is wrapped by mutations that target a missing row.
var ErrNotFound = errors.New("not found")

// Scope types.
const (
	ScopeProject = "project"
	ScopeItem    = "item"
)

// Fact statuses.
const (
	StatusHypothesis = "hypothesis"
	StatusProposed   = "proposed"
	StatusAccepted   = "accepted"
	StatusRejected   = "rejected"
	StatusDuplicate  = "duplicate"
)

// Source tiers.
const (
	TierUserEvidence = "user_evidence"
	TierHypothesis   = "hypothesis"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Issue types, severities, statuses and proposed actions.
const (
	IssueContradiction     = "contradiction"
	IssueSemanticDuplicate = "semantic_duplicate_suggestion"
	IssueMissingItemLink   = "missing_item_link"

	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityHigh    = "high"

	IssueOpen      = "open"
	IssueResolved  = "resolved"
	IssueDismissed = "dismissed"

	ActionKeepBoth          = "keepBoth"
	ActionCreateGroup       = "createGroup"
	ActionAskUserToPickItem = "askUserToPickItem"
)

// Evidence source kinds.
const (
	SourceUser        = "user"
	SourceDoc         = "doc"
	SourceAgentOutput = "agentOutput"
)

// Categories is the closed set of fact categories.
var Categories = []string{
	"constraints", "dimensions", "materials", "logistics", "timeline",
	"stakeholders", "budget", "preferences", "risks", "other",
}

// Bundle is an immutable unit of source text.
type Bundle struct {
	ID        string
	Project   string
	Text      string
	CreatedAt time.Time
}

// Item is a catalog entity facts can be scoped to.
type Item struct {
	ID        string
	Project   string
	Name      string
	CreatedAt time.Time
}

// Chunking records how a run split its bundle.
type Chunking struct {
	Chunks    int    `json:"chunks"`
	Strategy  string `json:"strategy"`
	ChunkSize int    `json:"chunk_size"`
	Overlap   int    `json:"overlap"`
}

// RunStats aggregates what a run produced. Semantic candidates and
// contradictions are added later by post-processing.
type RunStats struct {
	FactsProduced      int `json:"facts_produced"`
	UserFacts          int `json:"user_facts"`
	Hypotheses         int `json:"hypotheses"`
	ExactDuplicates    int `json:"exact_duplicates"`
	SemanticCandidates int `json:"semantic_candidates"`
	Contradictions     int `json:"contradictions"`
}

// Add accumulates o into s.
func (s *RunStats) Add(o RunStats) {
	s.FactsProduced += o.FactsProduced
	s.UserFacts += o.UserFacts
	s.Hypotheses += o.Hypotheses
	s.ExactDuplicates += o.ExactDuplicates
	s.SemanticCandidates += o.SemanticCandidates
	s.Contradictions += o.Contradictions
}

// RunError is the failure captured on a failed run.
type RunError struct {
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// Run is one extraction attempt over a bundle.
type Run struct {
	ID         int64      `json:"id"`
	Project    string     `json:"project"`
	BundleID   string     `json:"bundle_id"`
	Status     string     `json:"status"`
	Model      string     `json:"model"`
	Chunking   *Chunking  `json:"chunking,omitempty"`
	Stats      RunStats   `json:"stats"`
	Error      *RunError  `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Evidence is a verified quotation. Start and End are rune offsets into the bundle.
type Evidence struct {
	BundleID      string `json:"bundle_id"`
	Quote         string `json:"quote"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
	SourceSection string `json:"source_section"`
	SourceKind    string `json:"source_kind"`
}

// Key identifies an evidence span for union merges.
func (e Evidence) Key() string {
	return fmt.Sprintf("%s:%d:%d", e.BundleID, e.Start, e.End)
}

// Provenance records where a fact was extracted.
type Provenance struct {
	BundleID   string `json:"bundle_id"`
	RunID      int64  `json:"run_id"`
	ChunkID    string `json:"chunk_id"`
	SourceKind string `json:"source_kind"` // "user" or "agent"
}

// Fact is one atomic, provenance-tracked claim.
type Fact struct {
	ID          int64      `json:"id"`
	Project     string     `json:"project"`
	ScopeType   string     `json:"scope_type"`
	ItemID      string     `json:"item_id,omitempty"`
	Text        string     `json:"text"`
	Category    string     `json:"category"`
	Importance  int        `json:"importance"`
	SourceTier  string     `json:"source_tier"`
	Status      string     `json:"status"`
	Confidence  float64    `json:"confidence"`
	Key         string     `json:"key,omitempty"`
	Value       *Value     `json:"value,omitempty"`
	Evidence    []Evidence `json:"evidence"`
	ExactHash   string     `json:"exact_hash"`
	DuplicateOf int64      `json:"duplicate_of,omitempty"`
	Provenance  Provenance `json:"provenance"`
	GroupID     int64      `json:"group_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Group clusters semantically equivalent facts around one canonical member.
type Group struct {
	ID              int64     `json:"id"`
	Project         string    `json:"project"`
	ScopeType       string    `json:"scope_type"`
	ItemID          string    `json:"item_id,omitempty"`
	Key             string    `json:"key,omitempty"`
	CanonicalFactID int64     `json:"canonical_fact_id"`
	MemberIDs       []int64   `json:"member_ids"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Issue is a condition awaiting human review.
type Issue struct {
	ID             int64      `json:"id"`
	Project        string     `json:"project"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	FactID         int64      `json:"fact_id"`
	RelatedFactIDs []int64    `json:"related_fact_ids"`
	ProposedAction string     `json:"proposed_action,omitempty"`
	Explanation    string     `json:"explanation,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Neighbor is a nearest-neighbor search hit.
type Neighbor struct {
	FactID int64   `json:"fact_id"`
	Score  float64 `json:"score"`
}

// InsertOutcome reports how InsertFact stored a candidate.
type InsertOutcome struct {
	FactID      int64
	Duplicate   bool
	DuplicateOf int64
}

// FactFilter selects facts for ListFacts. Zero values mean "any".
type FactFilter struct {
	Project   string
	Statuses  []string
	ScopeType string
	ItemIDs   []string
	Key       string
	HasKey    bool // filter on Key even when it is empty
	Limit     int
}

// IssueFilter selects issues for ListIssues.
type IssueFilter struct {
	Project string
	Status  string // empty = open
	FactID  int64
	Limit   int
}

// StoreStats holds counts for observability.
type StoreStats struct {
	Project        string           `json:"project,omitempty"`
	Bundles        int64            `json:"bundles"`
	Items          int64            `json:"items"`
	RunsByStatus   map[string]int64 `json:"runs_by_status"`
	FactsByStatus  map[string]int64 `json:"facts_by_status"`
	OpenIssues     int64            `json:"open_issues"`
	Groups         int64            `json:"groups"`
	EmbeddingCount int64            `json:"embedding_count"`
	DBSizeBytes    int64            `json:"db_size_bytes,omitempty"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath              string
	EmbeddingDimensions int
}

// Store defines the storage interface the pipeline runs against.
type Store interface {
	// Bundles and catalog
	AddBundle(ctx context.Context, b *Bundle) (string, error)
	GetBundle(ctx context.Context, id string) (*Bundle, error)
	AddItem(ctx context.Context, it *Item) (string, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	ListItems(ctx context.Context, project string) ([]*Item, error)

	// Projects
	SetFactsEnabled(ctx context.Context, project string, enabled bool) error
	FactsEnabled(ctx context.Context, project string) (bool, error)

	// Runs
	CreateRun(ctx context.Context, r *Run) (int64, error)
	GetRun(ctx context.Context, id int64) (*Run, error)
	LatestRunForBundle(ctx context.Context, bundleID string) (*Run, error)
	SetRunChunking(ctx context.Context, id int64, c Chunking) error
	FinishRun(ctx context.Context, id int64, status string, stats RunStats, runErr *RunError) error
	IncrementRunStats(ctx context.Context, id int64, delta RunStats) error
	ListRuns(ctx context.Context, project string, limit int) ([]*Run, error)

	// Facts
	InsertFact(ctx context.Context, f *Fact, issues []*Issue) (*InsertOutcome, error)
	GetFact(ctx context.Context, id int64) (*Fact, error)
	GetFacts(ctx context.Context, ids []int64) ([]*Fact, error)
	ListFacts(ctx context.Context, filter FactFilter) ([]*Fact, error)
	UpdateFactStatus(ctx context.Context, id int64, status string) error
	UpdateFactText(ctx context.Context, id int64, text, exactHash string) error
	UpdateFactScope(ctx context.Context, id int64, scopeType, itemID, exactHash string) error
	DeleteFact(ctx context.Context, id int64) error

	// Groups
	MergeIntoGroup(ctx context.Context, a, b int64) (*Group, error)
	GetGroup(ctx context.Context, id int64) (*Group, error)

	// Issues
	AddIssue(ctx context.Context, is *Issue) (int64, bool, error)
	GetIssue(ctx context.Context, id int64) (*Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error)
	ResolveIssue(ctx context.Context, id int64, status string) error

	// Embeddings
	PutEmbedding(ctx context.Context, factID int64, vector []float32, model string) error
	GetEmbedding(ctx context.Context, factID int64) ([]float32, error)
	DeleteEmbedding(ctx context.Context, factID int64) error
	SearchEmbeddings(ctx context.Context, project string, query []float32, k int, excludeID int64) ([]Neighbor, error)

	// Observability
	Stats(ctx context.Context, project string) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	embDims int
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = DefaultEmbeddingDimensions
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to ":memory:" is its own database.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:      db,
		dbPath:  cfg.DBPath,
		embDims: cfg.EmbeddingDimensions,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never automatic.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
