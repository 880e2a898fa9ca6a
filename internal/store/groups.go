package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MergeIntoGroup puts facts a and b in the same group, in one transaction.
//
//   - neither grouped: a new group is created with a's scope and key
//   - one grouped: the other joins that group
//   - both grouped differently: b's group is folded into a's and deleted
//
// The canonical member is always the oldest member (created_at, then id).
func (s *SQLiteStore) MergeIntoGroup(ctx context.Context, a, b int64) (*Group, error) {
	if a == b {
		return nil, fmt.Errorf("cannot group fact %d with itself", a)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning group transaction: %w", err)
	}
	defer tx.Rollback()

	fa, err := getFact(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	fb, err := getFact(ctx, tx, b)
	if err != nil {
		return nil, err
	}
	if fa == nil || fb == nil {
		return nil, fmt.Errorf("grouping facts %d and %d: %w", a, b, ErrNotFound)
	}
	if fa.Project != fb.Project {
		return nil, fmt.Errorf("facts %d and %d belong to different projects", a, b)
	}

	now := time.Now().UTC()
	groupID := fa.GroupID
	switch {
	case fa.GroupID == 0 && fb.GroupID == 0:
		result, err := tx.ExecContext(ctx,
			`INSERT INTO fact_groups (project, scope_type, item_id, fact_key, canonical_fact_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fa.Project, fa.ScopeType, nullString(fa.ItemID), nullString(fa.Key), fa.ID, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("creating group: %w", err)
		}
		if groupID, err = result.LastInsertId(); err != nil {
			return nil, fmt.Errorf("getting group id: %w", err)
		}
	case fa.GroupID == 0:
		groupID = fb.GroupID
	case fb.GroupID != 0 && fb.GroupID != fa.GroupID:
		if _, err := tx.ExecContext(ctx,
			`UPDATE fact_atoms SET group_id = ? WHERE group_id = ?`, groupID, fb.GroupID,
		); err != nil {
			return nil, fmt.Errorf("folding group %d into %d: %w", fb.GroupID, groupID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fact_groups WHERE id = ?`, fb.GroupID); err != nil {
			return nil, fmt.Errorf("deleting group %d: %w", fb.GroupID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE fact_atoms SET group_id = ? WHERE id IN (?, ?)`, groupID, a, b,
	); err != nil {
		return nil, fmt.Errorf("assigning group %d: %w", groupID, err)
	}
	if err := refreshCanonical(ctx, tx, groupID, now); err != nil {
		return nil, err
	}

	g, err := getGroup(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing group merge: %w", err)
	}
	return g, nil
}

// GetGroup retrieves a group with its members. Returns nil, nil when missing.
func (s *SQLiteStore) GetGroup(ctx context.Context, id int64) (*Group, error) {
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, q querier, id int64) (*Group, error) {
	g := &Group{}
	var itemID, key sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT id, project, scope_type, item_id, fact_key, canonical_fact_id, created_at, updated_at
		 FROM fact_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Project, &g.ScopeType, &itemID, &key, &g.CanonicalFactID, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting group %d: %w", id, err)
	}
	g.ItemID = itemID.String
	g.Key = key.String

	g.MemberIDs, err = groupMembers(ctx, q, id, 0)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// groupMembers lists member ids oldest first, leaving out except.
func groupMembers(ctx context.Context, q querier, groupID, except int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM fact_atoms WHERE group_id = ? AND id != ? ORDER BY created_at, id`,
		groupID, except,
	)
	if err != nil {
		return nil, fmt.Errorf("listing members of group %d: %w", groupID, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func refreshCanonical(ctx context.Context, q querier, groupID int64, now time.Time) error {
	members, err := groupMembers(ctx, q, groupID, 0)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE fact_groups SET canonical_fact_id = ?, updated_at = ? WHERE id = ?`,
		members[0], now, groupID,
	); err != nil {
		return fmt.Errorf("updating canonical of group %d: %w", groupID, err)
	}
	return nil
}

// removeFromGroup detaches factID from its group. The oldest remaining member
// becomes canonical; an emptied group is deleted.
func removeFromGroup(ctx context.Context, q querier, groupID, factID int64) error {
	remaining, err := groupMembers(ctx, q, groupID, factID)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `UPDATE fact_atoms SET group_id = NULL WHERE id = ?`, factID); err != nil {
		return fmt.Errorf("detaching fact %d from group: %w", factID, err)
	}
	if len(remaining) == 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM fact_groups WHERE id = ?`, groupID); err != nil {
			return fmt.Errorf("deleting empty group %d: %w", groupID, err)
		}
		return nil
	}
	return refreshCanonical(ctx, q, groupID, time.Now().UTC())
}
