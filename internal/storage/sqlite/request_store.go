package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kquota/internal/storage"
)

const requestColumns = `id, child_id, requested_minutes, reason, app_id, app_name, status, created_at, decision_message, decided_at`

type requestStore struct {
	db *sql.DB
}

func (s *requestStore) Insert(ctx context.Context, req storage.TimeRequest) (*storage.TimeRequest, error) {
	if req.Status == "" {
		req.Status = storage.StatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM children WHERE child_id = ?", req.ChildID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check child: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO time_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ChildID, req.RequestedMinutes, req.Reason, req.AppID, req.AppName,
		string(req.Status), req.CreatedAt.UnixNano(), req.DecisionMessage, nullableTime(req.DecidedAt))
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return &req, nil
}

func (s *requestStore) Get(ctx context.Context, id string) (*storage.TimeRequest, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM time_requests WHERE id = ?", id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// UpdateStatus only transitions a request out of pending; the WHERE clause
// makes the write conditional so concurrent resolutions cannot both win.
func (s *requestStore) UpdateStatus(ctx context.Context, id string, status storage.RequestStatus, message string, decidedAt time.Time) error {
	status, err := storage.ParseResolution(string(status))
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE time_requests SET status = ?, decision_message = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), message, decidedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return storage.ErrAlreadyResolved
}

func (s *requestStore) ListByChild(ctx context.Context, childID string) ([]storage.TimeRequest, error) {
	return s.query(ctx, "SELECT "+requestColumns+" FROM time_requests WHERE child_id = ? ORDER BY created_at, id", childID)
}

func (s *requestStore) ListPending(ctx context.Context) ([]storage.TimeRequest, error) {
	return s.query(ctx, "SELECT "+requestColumns+" FROM time_requests WHERE status = 'pending' ORDER BY created_at, id")
}

func (s *requestStore) query(ctx context.Context, query string, args ...any) ([]storage.TimeRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]storage.TimeRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return reqs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*storage.TimeRequest, error) {
	var (
		req       storage.TimeRequest
		status    string
		createdAt int64
		decidedAt sql.NullInt64
	)

	err := row.Scan(&req.ID, &req.ChildID, &req.RequestedMinutes, &req.Reason, &req.AppID, &req.AppName,
		&status, &createdAt, &req.DecisionMessage, &decidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}

	req.Status, err = storage.ParseRequestStatus(status)
	if err != nil {
		return nil, err
	}
	req.CreatedAt = time.Unix(0, createdAt).UTC()
	if decidedAt.Valid {
		t := time.Unix(0, decidedAt.Int64).UTC()
		req.DecidedAt = &t
	}

	return &req, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
