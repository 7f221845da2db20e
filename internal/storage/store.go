package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrAlreadyResolved is returned when a status update targets a request
	// that has already left the pending state.
	ErrAlreadyResolved = errors.New("storage: request already resolved")
)

// Store represents the root storage interface.
// Gateways make no multi-row transactional guarantees; every method is a
// single-row read or upsert from the caller's point of view.
type Store interface {
	Close() error
	Quotas() QuotaStore
	Requests() RequestStore
}

// QuotaStore manages per-child quota rows.
type QuotaStore interface {
	ReadFamily(ctx context.Context, parentID string) ([]ChildQuota, error)
	GetQuota(ctx context.Context, childID string) (*ChildQuota, error)
	UpsertLimit(ctx context.Context, childID string, limitMinutes int) error
	UpsertChild(ctx context.Context, child ChildQuota) error
}

// RequestStore manages extra-time requests.
type RequestStore interface {
	Insert(ctx context.Context, req TimeRequest) (*TimeRequest, error)
	Get(ctx context.Context, id string) (*TimeRequest, error)
	UpdateStatus(ctx context.Context, id string, status RequestStatus, message string, decidedAt time.Time) error
	ListByChild(ctx context.Context, childID string) ([]TimeRequest, error)
	ListPending(ctx context.Context) ([]TimeRequest, error)
}
