package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetFactsEnabled turns the fact pipeline on or off for a project.
func (s *SQLiteStore) SetFactsEnabled(ctx context.Context, project string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (project, facts_enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(project) DO UPDATE SET facts_enabled = excluded.facts_enabled, updated_at = excluded.updated_at`,
		project, boolToInt(enabled), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting facts_enabled for %q: %w", project, err)
	}
	return nil
}

// FactsEnabled reports whether the pipeline runs for project.
// Projects without a settings row are enabled.
func (s *SQLiteStore) FactsEnabled(ctx context.Context, project string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT facts_enabled FROM projects WHERE project = ?`, project,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading facts_enabled for %q: %w", project, err)
	}
	return enabled != 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
