package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const issueColumns = `id, project, type, severity, status, fact_id, related_fact_ids,
	proposed_action, explanation, created_at, resolved_at`

// IssueStatusAll disables the status filter of ListIssues.
const IssueStatusAll = "all"

// AddIssue records an issue. When an open issue with the same type, fact and
// related facts already exists, nothing is written and its id is returned
// with created=false.
func (s *SQLiteStore) AddIssue(ctx context.Context, is *Issue) (int64, bool, error) {
	return addIssue(ctx, s.db, is)
}

func addIssue(ctx context.Context, q querier, is *Issue) (int64, bool, error) {
	if is.FactID == 0 {
		return 0, false, fmt.Errorf("issue fact id is required")
	}
	if is.Status == "" {
		is.Status = IssueOpen
	}
	if is.Severity == "" {
		is.Severity = SeverityInfo
	}
	related := append([]int64{}, is.RelatedFactIDs...)
	sort.Slice(related, func(i, j int) bool { return related[i] < related[j] })
	is.RelatedFactIDs = related
	relatedJSON, err := json.Marshal(related)
	if err != nil {
		return 0, false, fmt.Errorf("encoding related facts: %w", err)
	}

	var existing int64
	err = q.QueryRowContext(ctx,
		`SELECT id FROM fact_issues
		 WHERE project = ? AND type = ? AND fact_id = ? AND related_fact_ids = ? AND status = 'open'
		 LIMIT 1`,
		is.Project, is.Type, is.FactID, string(relatedJSON),
	).Scan(&existing)
	switch {
	case err == nil:
		is.ID = existing
		return existing, false, nil
	case err != sql.ErrNoRows:
		return 0, false, fmt.Errorf("checking for open issue: %w", err)
	}

	now := time.Now().UTC()
	result, err := q.ExecContext(ctx,
		`INSERT INTO fact_issues (project, type, severity, status, fact_id, related_fact_ids,
		     proposed_action, explanation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		is.Project, is.Type, is.Severity, is.Status, is.FactID, string(relatedJSON),
		is.ProposedAction, is.Explanation, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting issue: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("getting last insert id: %w", err)
	}
	is.ID = id
	is.CreatedAt = now
	return id, true, nil
}

// GetIssue retrieves an issue by ID. Returns nil, nil when missing.
func (s *SQLiteStore) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM fact_issues WHERE id = ?`, id)
	is, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting issue %d: %w", id, err)
	}
	return is, nil
}

// ListIssues returns issues newest first. An empty status selects open
// issues; IssueStatusAll selects every status.
func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM fact_issues`
	var where []string
	var args []interface{}

	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	status := filter.Status
	if status == "" {
		status = IssueOpen
	}
	if status != IssueStatusAll {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if filter.FactID != 0 {
		where = append(where, "fact_id = ?")
		args = append(args, filter.FactID)
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
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning issue row: %w", err)
		}
		issues = append(issues, is)
	}
	return issues, rows.Err()
}

// ResolveIssue closes an issue as resolved or dismissed.
func (s *SQLiteStore) ResolveIssue(ctx context.Context, id int64, status string) error {
	if status != IssueResolved && status != IssueDismissed {
		return fmt.Errorf("invalid issue resolution %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE fact_issues SET status = ?, resolved_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("resolving issue %d: %w", id, err)
	}
	return expectOneRow(result, "issue", id)
}

func scanIssue(row rowScanner) (*Issue, error) {
	is := &Issue{}
	var related string
	var resolvedAt sql.NullTime
	err := row.Scan(&is.ID, &is.Project, &is.Type, &is.Severity, &is.Status, &is.FactID, &related,
		&is.ProposedAction, &is.Explanation, &is.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(related), &is.RelatedFactIDs); err != nil {
		return nil, fmt.Errorf("decoding related facts of issue %d: %w", is.ID, err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		is.ResolvedAt = &t
	}
	return is, nil
}
