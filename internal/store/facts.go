package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const factColumns = `id, project, scope_type, item_id, text, category, importance, source_tier,
	status, confidence, fact_key, value, evidence, exact_hash, duplicate_of,
	bundle_id, run_id, chunk_id, source_kind, group_id, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// InsertFact stores a candidate fact with exact-duplicate detection, in one
// transaction:
//
//   - the canonical hash is computed when f.ExactHash is empty
//   - if a non-duplicate fact in the project already has that hash, f's
//     evidence is merged into it (union by bundle and offsets) and f is
//     stored with status duplicate pointing at it
//   - otherwise f is stored as-is and issues are attached to it
//
// The outcome tells the caller which of the two happened.
func (s *SQLiteStore) InsertFact(ctx context.Context, f *Fact, issues []*Issue) (*InsertOutcome, error) {
	if f.ExactHash == "" {
		f.ExactHash = HashOf(f)
	}
	if f.Evidence == nil {
		f.Evidence = []Evidence{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID int64
	var existingEvidence string
	err = tx.QueryRowContext(ctx,
		`SELECT id, evidence FROM fact_atoms
		 WHERE project = ? AND exact_hash = ? AND status != 'duplicate'
		 ORDER BY id LIMIT 1`,
		f.Project, f.ExactHash,
	).Scan(&existingID, &existingEvidence)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up exact hash: %w", err)
	}

	now := time.Now().UTC()
	out := &InsertOutcome{}

	if existingID != 0 {
		var current []Evidence
		if err := json.Unmarshal([]byte(existingEvidence), &current); err != nil {
			return nil, fmt.Errorf("decoding evidence of fact %d: %w", existingID, err)
		}
		merged, err := json.Marshal(MergeEvidence(current, f.Evidence))
		if err != nil {
			return nil, fmt.Errorf("encoding merged evidence: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE fact_atoms SET evidence = ?, updated_at = ? WHERE id = ?`,
			string(merged), now, existingID,
		); err != nil {
			return nil, fmt.Errorf("merging evidence into fact %d: %w", existingID, err)
		}
		f.Status = StatusDuplicate
		f.DuplicateOf = existingID
		out.Duplicate = true
		out.DuplicateOf = existingID
	}

	id, err := insertFactRow(ctx, tx, f, now)
	if err != nil {
		return nil, err
	}
	out.FactID = id

	if !out.Duplicate {
		for _, is := range issues {
			is.FactID = id
			if is.Project == "" {
				is.Project = f.Project
			}
			if _, _, err := addIssue(ctx, tx, is); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fact insert: %w", err)
	}
	return out, nil
}

func insertFactRow(ctx context.Context, q querier, f *Fact, now time.Time) (int64, error) {
	evidence, err := json.Marshal(f.Evidence)
	if err != nil {
		return 0, fmt.Errorf("encoding evidence: %w", err)
	}
	var value sql.NullString
	if f.Value != nil {
		b, err := json.Marshal(f.Value)
		if err != nil {
			return 0, fmt.Errorf("encoding value: %w", err)
		}
		value = sql.NullString{String: string(b), Valid: true}
	}

	result, err := q.ExecContext(ctx,
		`INSERT INTO fact_atoms (project, scope_type, item_id, text, category, importance, source_tier,
		     status, confidence, fact_key, value, evidence, exact_hash, duplicate_of,
		     bundle_id, run_id, chunk_id, source_kind, group_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		f.Project, f.ScopeType, nullString(f.ItemID), f.Text, f.Category, f.Importance, f.SourceTier,
		f.Status, f.Confidence, nullString(f.Key), value, string(evidence), f.ExactHash, nullInt64(f.DuplicateOf),
		f.Provenance.BundleID, f.Provenance.RunID, f.Provenance.ChunkID, f.Provenance.SourceKind,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting fact: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return id, nil
}

// MergeEvidence returns existing plus every incoming entry whose
// bundle/start/end key is not already present, preserving order.
func MergeEvidence(existing, incoming []Evidence) []Evidence {
	merged := make([]Evidence, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]Evidence{existing, incoming} {
		for _, e := range list {
			if _, ok := seen[e.Key()]; ok {
				continue
			}
			seen[e.Key()] = struct{}{}
			merged = append(merged, e)
		}
	}
	return merged
}

// GetFact retrieves a fact by ID. Returns nil, nil when missing.
func (s *SQLiteStore) GetFact(ctx context.Context, id int64) (*Fact, error) {
	return getFact(ctx, s.db, id)
}

func getFact(ctx context.Context, q querier, id int64) (*Fact, error) {
	row := q.QueryRowContext(ctx, `SELECT `+factColumns+` FROM fact_atoms WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting fact %d: %w", id, err)
	}
	return f, nil
}

// GetFacts retrieves the facts that still exist among ids, in ids order.
func (s *SQLiteStore) GetFacts(ctx context.Context, ids []int64) ([]*Fact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM fact_atoms WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("getting facts: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Fact, len(ids))
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fact row: %w", err)
		}
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	facts := make([]*Fact, 0, len(byID))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			facts = append(facts, f)
		}
	}
	return facts, nil
}

// ListFacts returns facts matching filter, newest first.
func (s *SQLiteStore) ListFacts(ctx context.Context, filter FactFilter) ([]*Fact, error) {
	query := `SELECT ` + factColumns + ` FROM fact_atoms`
	var where []string
	var args []interface{}

	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.ScopeType != "" {
		where = append(where, "scope_type = ?")
		args = append(args, filter.ScopeType)
	}
	if len(filter.ItemIDs) > 0 {
		where = append(where, "item_id IN ("+placeholders(len(filter.ItemIDs))+")")
		for _, id := range filter.ItemIDs {
			args = append(args, id)
		}
	}
	if filter.Key != "" || filter.HasKey {
		where = append(where, "COALESCE(fact_key, '') = ?")
		args = append(args, filter.Key)
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fact row: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// UpdateFactStatus sets a fact's status. Transition rules live in the
// lifecycle package.
func (s *SQLiteStore) UpdateFactStatus(ctx context.Context, id int64, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE fact_atoms SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating status of fact %d: %w", id, err)
	}
	return expectOneRow(result, "fact", id)
}

// UpdateFactText replaces a fact's statement and canonical hash and drops its
// embedding, which was derived from the old text.
func (s *SQLiteStore) UpdateFactText(ctx context.Context, id int64, text, exactHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning text update: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE fact_atoms SET text = ?, exact_hash = ?, updated_at = ? WHERE id = ?`,
		text, exactHash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating text of fact %d: %w", id, err)
	}
	if err := expectOneRow(result, "fact", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fact_embeddings WHERE fact_id = ?`, id); err != nil {
		return fmt.Errorf("deleting embedding of fact %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing text update: %w", err)
	}
	return nil
}

// UpdateFactScope rescopes a fact. Scope type, item and hash change together.
func (s *SQLiteStore) UpdateFactScope(ctx context.Context, id int64, scopeType, itemID, exactHash string) error {
	if scopeType == ScopeItem && itemID == "" {
		return fmt.Errorf("item scope requires an item id")
	}
	if scopeType == ScopeProject {
		itemID = ""
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE fact_atoms SET scope_type = ?, item_id = ?, exact_hash = ?, updated_at = ? WHERE id = ?`,
		scopeType, nullString(itemID), exactHash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating scope of fact %d: %w", id, err)
	}
	return expectOneRow(result, "fact", id)
}

// DeleteFact removes a fact and everything hanging off it, in one
// transaction: its embedding, its issues, and its group membership. If the
// fact was its group's canonical member the oldest remaining member takes
// over; a group left without members is deleted.
func (s *SQLiteStore) DeleteFact(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var groupID sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT group_id FROM fact_atoms WHERE id = ?`, id).Scan(&groupID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fact %d not found: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading fact %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM fact_embeddings WHERE fact_id = ?`, id); err != nil {
		return fmt.Errorf("deleting embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fact_issues WHERE fact_id = ?`, id); err != nil {
		return fmt.Errorf("deleting issues: %w", err)
	}

	if groupID.Valid {
		if err := removeFromGroup(ctx, tx, groupID.Int64, id); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM fact_atoms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting fact %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

func scanFact(row rowScanner) (*Fact, error) {
	f := &Fact{}
	var (
		itemID, key, value   sql.NullString
		evidence             string
		duplicateOf, groupID sql.NullInt64
	)
	err := row.Scan(&f.ID, &f.Project, &f.ScopeType, &itemID, &f.Text, &f.Category, &f.Importance,
		&f.SourceTier, &f.Status, &f.Confidence, &key, &value, &evidence, &f.ExactHash, &duplicateOf,
		&f.Provenance.BundleID, &f.Provenance.RunID, &f.Provenance.ChunkID, &f.Provenance.SourceKind,
		&groupID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.ItemID = itemID.String
	f.Key = key.String
	f.DuplicateOf = duplicateOf.Int64
	f.GroupID = groupID.Int64
	if value.Valid && value.String != "" {
		f.Value = &Value{}
		if err := json.Unmarshal([]byte(value.String), f.Value); err != nil {
			return nil, fmt.Errorf("decoding value of fact %d: %w", f.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence of fact %d: %w", f.ID, err)
	}
	return f, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
