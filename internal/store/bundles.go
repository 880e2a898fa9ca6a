package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddBundle stores a source bundle. An empty ID is filled with a new UUID.
func (s *SQLiteStore) AddBundle(ctx context.Context, b *Bundle) (string, error) {
	if strings.TrimSpace(b.Project) == "" {
		return "", fmt.Errorf("bundle project is required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundles (id, project, text, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Project, b.Text, b.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting bundle: %w", err)
	}
	return b.ID, nil
}

// GetBundle retrieves a bundle by ID. Returns nil, nil when missing.
func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	b := &Bundle{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, text, created_at FROM bundles WHERE id = ?`, id,
	).Scan(&b.ID, &b.Project, &b.Text, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bundle %s: %w", id, err)
	}
	return b, nil
}

// AddItem stores a catalog item. An empty ID is filled with a new UUID.
func (s *SQLiteStore) AddItem(ctx context.Context, it *Item) (string, error) {
	if strings.TrimSpace(it.Project) == "" {
		return "", fmt.Errorf("item project is required")
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if strings.TrimSpace(it.Name) == "" {
		it.Name = "Untitled item"
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, project, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		it.ID, it.Project, it.Name, it.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting item: %w", err)
	}
	return it.ID, nil
}

// GetItem retrieves a catalog item. Returns nil, nil when missing.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*Item, error) {
	it := &Item{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, name, created_at FROM items WHERE id = ?`, id,
	).Scan(&it.ID, &it.Project, &it.Name, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, err)
	}
	return it, nil
}

// ListItems returns a project's catalog in insertion order.
func (s *SQLiteStore) ListItems(ctx context.Context, project string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project, name, created_at FROM items WHERE project = ? ORDER BY created_at, rowid`,
		project,
	)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		if err := rows.Scan(&it.ID, &it.Project, &it.Name, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
