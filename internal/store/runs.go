package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, project, bundle_id, status, model,
	chunk_count, chunk_strategy, chunk_size, chunk_overlap,
	facts_produced, user_facts, hypotheses, exact_duplicates, semantic_candidates, contradictions,
	error_message, error_raw, started_at, finished_at, created_at`

// CreateRun inserts a run in the running state.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) (int64, error) {
	now := time.Now().UTC()
	r.Status = RunRunning
	r.StartedAt = now
	r.CreatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (project, bundle_id, status, model, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Project, r.BundleID, r.Status, r.Model, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

// GetRun retrieves a run by ID. Returns nil, nil when missing.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM extraction_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}
	return r, nil
}

// LatestRunForBundle returns the most recent run for a bundle, or nil.
func (s *SQLiteStore) LatestRunForBundle(ctx context.Context, bundleID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM extraction_runs WHERE bundle_id = ? ORDER BY id DESC LIMIT 1`, bundleID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest run for bundle %s: %w", bundleID, err)
	}
	return r, nil
}

// SetRunChunking records the chunking parameters of a running run.
func (s *SQLiteStore) SetRunChunking(ctx context.Context, id int64, c Chunking) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET chunk_count = ?, chunk_strategy = ?, chunk_size = ?, chunk_overlap = ?
		 WHERE id = ?`,
		c.Chunks, c.Strategy, c.ChunkSize, c.Overlap, id,
	)
	if err != nil {
		return fmt.Errorf("updating run chunking: %w", err)
	}
	return expectOneRow(result, "run", id)
}

// FinishRun moves a running run to succeeded or failed. A run leaves the
// running state exactly once; finishing it again is an error.
func (s *SQLiteStore) FinishRun(ctx context.Context, id int64, status string, stats RunStats, runErr *RunError) error {
	if status != RunSucceeded && status != RunFailed {
		return fmt.Errorf("invalid terminal run status %q", status)
	}

	var msg, raw sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Message, Valid: true}
		raw = sql.NullString{String: runErr.Raw, Valid: runErr.Raw != ""}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET status = ?, finished_at = ?,
		        facts_produced = ?, user_facts = ?, hypotheses = ?, exact_duplicates = ?,
		        semantic_candidates = semantic_candidates + ?, contradictions = contradictions + ?,
		        error_message = ?, error_raw = ?
		 WHERE id = ? AND status = 'running'`,
		status, time.Now().UTC(),
		stats.FactsProduced, stats.UserFacts, stats.Hypotheses, stats.ExactDuplicates,
		stats.SemanticCandidates, stats.Contradictions,
		msg, raw, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %d not running: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementRunStats adds the post-processing counters of delta to a run.
// Only semantic candidates and contradictions are incremented.
func (s *SQLiteStore) IncrementRunStats(ctx context.Context, id int64, delta RunStats) error {
	if delta.SemanticCandidates == 0 && delta.Contradictions == 0 {
		return nil
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs
		 SET semantic_candidates = semantic_candidates + ?, contradictions = contradictions + ?
		 WHERE id = ?`,
		delta.SemanticCandidates, delta.Contradictions, id,
	)
	if err != nil {
		return fmt.Errorf("incrementing run stats: %w", err)
	}
	return expectOneRow(result, "run", id)
}

// ListRuns returns a project's runs, newest first. limit defaults to 10 and
// is clamped to 1..50.
func (s *SQLiteStore) ListRuns(ctx context.Context, project string, limit int) ([]*Run, error) {
	limit = ClampRunLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM extraction_runs WHERE project = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ClampRunLimit applies the ListRuns limit policy.
func ClampRunLimit(limit int) int {
	if limit == 0 {
		limit = 10
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var (
		chunkCount, chunkSize, chunkOverlap sql.NullInt64
		chunkStrategy, errMsg, errRaw       sql.NullString
		finishedAt                          sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Project, &r.BundleID, &r.Status, &r.Model,
		&chunkCount, &chunkStrategy, &chunkSize, &chunkOverlap,
		&r.Stats.FactsProduced, &r.Stats.UserFacts, &r.Stats.Hypotheses,
		&r.Stats.ExactDuplicates, &r.Stats.SemanticCandidates, &r.Stats.Contradictions,
		&errMsg, &errRaw, &r.StartedAt, &finishedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if chunkCount.Valid {
		r.Chunking = &Chunking{
			Chunks:    int(chunkCount.Int64),
			Strategy:  chunkStrategy.String,
			ChunkSize: int(chunkSize.Int64),
			Overlap:   int(chunkOverlap.Int64),
		}
	}
	if errMsg.Valid {
		r.Error = &RunError{Message: errMsg.String, Raw: errRaw.String}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return r, nil
}

func expectOneRow(result sql.Result, what string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d not found: %w", what, id, ErrNotFound)
	}
	return nil
}
