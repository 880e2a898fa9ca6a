package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: raw model output on failed runs.
	if err := s.addColumnIfMissing("extraction_runs", "error_raw", "TEXT"); err != nil {
		return fmt.Errorf("migrating error_raw column: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project       TEXT PRIMARY KEY,
			facts_enabled INTEGER NOT NULL DEFAULT 1,
			updated_at    DATETIME NOT NULL
		)`,

		// Source text, owned by the calling application
		`CREATE TABLE IF NOT EXISTS bundles (
			id         TEXT PRIMARY KEY,
			project    TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bundles_project ON bundles(project)`,

		`CREATE TABLE IF NOT EXISTS items (
			id         TEXT PRIMARY KEY,
			project    TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_project ON items(project)`,

		`CREATE TABLE IF NOT EXISTS extraction_runs (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			project             TEXT NOT NULL,
			bundle_id           TEXT NOT NULL,
			status              TEXT NOT NULL CHECK(status IN ('running','succeeded','failed')),
			model               TEXT NOT NULL DEFAULT '',
			chunk_count         INTEGER,
			chunk_strategy      TEXT,
			chunk_size          INTEGER,
			chunk_overlap       INTEGER,
			facts_produced      INTEGER NOT NULL DEFAULT 0,
			user_facts          INTEGER NOT NULL DEFAULT 0,
			hypotheses          INTEGER NOT NULL DEFAULT 0,
			exact_duplicates    INTEGER NOT NULL DEFAULT 0,
			semantic_candidates INTEGER NOT NULL DEFAULT 0,
			contradictions      INTEGER NOT NULL DEFAULT 0,
			error_message       TEXT,
			started_at          DATETIME NOT NULL,
			finished_at         DATETIME,
			created_at          DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_bundle ON extraction_runs(bundle_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_created ON extraction_runs(project, created_at)`,

		// Fact atoms. Evidence and value are JSON documents.
		`CREATE TABLE IF NOT EXISTS fact_atoms (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			project      TEXT NOT NULL,
			scope_type   TEXT NOT NULL CHECK(scope_type IN ('project','item')),
			item_id      TEXT,
			text         TEXT NOT NULL,
			category     TEXT NOT NULL,
			importance   INTEGER NOT NULL,
			source_tier  TEXT NOT NULL CHECK(source_tier IN ('user_evidence','hypothesis')),
			status       TEXT NOT NULL CHECK(status IN ('hypothesis','proposed','accepted','rejected','duplicate')),
			confidence   REAL NOT NULL,
			fact_key     TEXT,
			value        TEXT,
			evidence     TEXT NOT NULL DEFAULT '[]',
			exact_hash   TEXT NOT NULL,
			duplicate_of INTEGER,
			bundle_id    TEXT NOT NULL DEFAULT '',
			run_id       INTEGER NOT NULL DEFAULT 0,
			chunk_id     TEXT NOT NULL DEFAULT '',
			source_kind  TEXT NOT NULL DEFAULT 'user',
			group_id     INTEGER,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_scope_status ON fact_atoms(project, scope_type, item_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_hash ON fact_atoms(project, exact_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_group ON fact_atoms(group_id)`,

		`CREATE TABLE IF NOT EXISTS fact_groups (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			project           TEXT NOT NULL,
			scope_type        TEXT NOT NULL,
			item_id           TEXT,
			fact_key          TEXT,
			canonical_fact_id INTEGER NOT NULL,
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS fact_issues (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			project          TEXT NOT NULL,
			type             TEXT NOT NULL CHECK(type IN ('contradiction','semantic_duplicate_suggestion','missing_item_link')),
			severity         TEXT NOT NULL CHECK(severity IN ('info','warning','high')),
			status           TEXT NOT NULL CHECK(status IN ('open','resolved','dismissed')),
			fact_id          INTEGER NOT NULL,
			related_fact_ids TEXT NOT NULL DEFAULT '[]',
			proposed_action  TEXT NOT NULL DEFAULT '',
			explanation      TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			resolved_at      DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_project_status ON fact_issues(project, status)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_fact ON fact_issues(fact_id)`,

		`CREATE TABLE IF NOT EXISTS fact_embeddings (
			fact_id    INTEGER PRIMARY KEY,
			project    TEXT NOT NULL,
			vector     BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_project ON fact_embeddings(project)`,

		// Metadata table
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// addColumnIfMissing is an idempotent ALTER TABLE ADD COLUMN.
func (s *SQLiteStore) addColumnIfMissing(table, column, decl string) error {
	var count int
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table), column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	if err != nil && !isDuplicateColumnError(err) {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version":       "1",
		"embedding_dimensions": fmt.Sprintf("%d", s.embDims),
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
