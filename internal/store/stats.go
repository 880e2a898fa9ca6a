package store

import (
	"context"
	"fmt"
	"os"
)

// Stats returns counts for one project, or the whole database when project
// is empty.
func (s *SQLiteStore) Stats(ctx context.Context, project string) (*StoreStats, error) {
	stats := &StoreStats{
		Project:       project,
		RunsByStatus:  map[string]int64{},
		FactsByStatus: map[string]int64{},
	}

	where, args := "", []interface{}{}
	if project != "" {
		where = " WHERE project = ?"
		args = append(args, project)
	}

	counts := []struct {
		table string
		extra string
		dst   *int64
	}{
		{"bundles", "", &stats.Bundles},
		{"items", "", &stats.Items},
		{"fact_issues", "status = 'open'", &stats.OpenIssues},
		{"fact_groups", "", &stats.Groups},
		{"fact_embeddings", "", &stats.EmbeddingCount},
	}
	for _, c := range counts {
		q := "SELECT COUNT(*) FROM " + c.table + where
		if c.extra != "" {
			if where == "" {
				q += " WHERE " + c.extra
			} else {
				q += " AND " + c.extra
			}
		}
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}

	if err := s.countByStatus(ctx, "extraction_runs", where, args, stats.RunsByStatus); err != nil {
		return nil, err
	}
	if err := s.countByStatus(ctx, "fact_atoms", where, args, stats.FactsByStatus); err != nil {
		return nil, err
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}
	return stats, nil
}

func (s *SQLiteStore) countByStatus(ctx context.Context, table, where string, args []interface{}, dst map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM "+table+where+" GROUP BY status", args...)
	if err != nil {
		return fmt.Errorf("counting %s by status: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("scanning %s count: %w", table, err)
		}
		dst[status] = n
	}
	return rows.Err()
}
