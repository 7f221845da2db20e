package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/kquota/internal/storage"
)

type quotaStore struct {
	db *sql.DB
}

func (s *quotaStore) ReadFamily(ctx context.Context, parentID string) ([]storage.ChildQuota, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT child_id, parent_id, name, age, total_used_minutes, limit_minutes
		FROM children WHERE parent_id = ? ORDER BY child_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query family: %w", err)
	}

	children := make([]storage.ChildQuota, 0)
	for rows.Next() {
		var c storage.ChildQuota
		if err := rows.Scan(&c.ChildID, &c.ParentID, &c.Name, &c.Age, &c.TotalUsedMinutes, &c.LimitMinutes); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate family: %w", err)
	}
	// Release the single connection before nested queries
	_ = rows.Close()

	reqs := &requestStore{db: s.db}
	for i := range children {
		children[i].Requests, err = reqs.ListByChild(ctx, children[i].ChildID)
		if err != nil {
			return nil, err
		}
	}

	return children, nil
}

func (s *quotaStore) GetQuota(ctx context.Context, childID string) (*storage.ChildQuota, error) {
	var c storage.ChildQuota
	err := s.db.QueryRowContext(ctx, `
		SELECT child_id, parent_id, name, age, total_used_minutes, limit_minutes
		FROM children WHERE child_id = ?`, childID).
		Scan(&c.ChildID, &c.ParentID, &c.Name, &c.Age, &c.TotalUsedMinutes, &c.LimitMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return &c, nil
}

func (s *quotaStore) UpsertLimit(ctx context.Context, childID string, limitMinutes int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE children SET limit_minutes = ? WHERE child_id = ?", limitMinutes, childID)
	if err != nil {
		return fmt.Errorf("update limit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update limit: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *quotaStore) UpsertChild(ctx context.Context, child storage.ChildQuota) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO children (child_id, parent_id, name, age, total_used_minutes, limit_minutes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(child_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			age = excluded.age,
			total_used_minutes = excluded.total_used_minutes,
			limit_minutes = excluded.limit_minutes`,
		child.ChildID, child.ParentID, child.Name, child.Age, child.TotalUsedMinutes, child.LimitMinutes)
	if err != nil {
		return fmt.Errorf("upsert child: %w", err)
	}
	return nil
}
