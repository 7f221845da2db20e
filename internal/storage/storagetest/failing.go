package storagetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/storage"
)

// ErrInjected is the default error returned by a FailingStore.
var ErrInjected = errors.New("storagetest: injected failure")

// Operation names understood by FailingStore.
const (
	OpReadFamily   = "ReadFamily"
	OpGetQuota     = "GetQuota"
	OpUpsertLimit  = "UpsertLimit"
	OpUpsertChild  = "UpsertChild"
	OpInsert       = "Insert"
	OpGet          = "Get"
	OpUpdateStatus = "UpdateStatus"
	OpListByChild  = "ListByChild"
	OpListPending  = "ListPending"
)

// FailingStore wraps a storage.Store and fails selected operations.
// Failures are armed per operation with a remaining count.
type FailingStore struct {
	storage.Store

	mu    sync.Mutex
	fails map[string]int
	calls map[string]int
	err   error
}

// NewFailingStore wraps inner. Nothing fails until FailNext is called.
func NewFailingStore(inner storage.Store) *FailingStore {
	return &FailingStore{
		Store: inner,
		fails: make(map[string]int),
		calls: make(map[string]int),
		err:   ErrInjected,
	}
}

// FailNext makes the next n calls of op return the injected error.
// A negative n fails every call until Reset.
func (f *FailingStore) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = n
}

// Reset disarms every failure.
func (f *FailingStore) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = make(map[string]int)
}

// Calls returns how many times op was invoked, failed or not.
func (f *FailingStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FailingStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	switch n := f.fails[op]; {
	case n < 0:
		return f.err
	case n > 0:
		f.fails[op] = n - 1
		return f.err
	}
	return nil
}

func (f *FailingStore) Quotas() storage.QuotaStore {
	return &failingQuotas{QuotaStore: f.Store.Quotas(), f: f}
}

func (f *FailingStore) Requests() storage.RequestStore {
	return &failingRequests{RequestStore: f.Store.Requests(), f: f}
}

type failingQuotas struct {
	storage.QuotaStore
	f *FailingStore
}

func (q *failingQuotas) ReadFamily(ctx context.Context, parentID string) ([]storage.ChildQuota, error) {
	if err := q.f.check(OpReadFamily); err != nil {
		return nil, err
	}
	return q.QuotaStore.ReadFamily(ctx, parentID)
}

func (q *failingQuotas) GetQuota(ctx context.Context, childID string) (*storage.ChildQuota, error) {
	if err := q.f.check(OpGetQuota); err != nil {
		return nil, err
	}
	return q.QuotaStore.GetQuota(ctx, childID)
}

func (q *failingQuotas) UpsertLimit(ctx context.Context, childID string, limitMinutes int) error {
	if err := q.f.check(OpUpsertLimit); err != nil {
		return err
	}
	return q.QuotaStore.UpsertLimit(ctx, childID, limitMinutes)
}

func (q *failingQuotas) UpsertChild(ctx context.Context, child storage.ChildQuota) error {
	if err := q.f.check(OpUpsertChild); err != nil {
		return err
	}
	return q.QuotaStore.UpsertChild(ctx, child)
}

type failingRequests struct {
	storage.RequestStore
	f *FailingStore
}

func (r *failingRequests) Insert(ctx context.Context, req storage.TimeRequest) (*storage.TimeRequest, error) {
	if err := r.f.check(OpInsert); err != nil {
		return nil, err
	}
	return r.RequestStore.Insert(ctx, req)
}

func (r *failingRequests) Get(ctx context.Context, id string) (*storage.TimeRequest, error) {
	if err := r.f.check(OpGet); err != nil {
		return nil, err
	}
	return r.RequestStore.Get(ctx, id)
}

func (r *failingRequests) UpdateStatus(ctx context.Context, id string, status storage.RequestStatus, message string, decidedAt time.Time) error {
	if err := r.f.check(OpUpdateStatus); err != nil {
		return err
	}
	return r.RequestStore.UpdateStatus(ctx, id, status, message, decidedAt)
}

func (r *failingRequests) ListByChild(ctx context.Context, childID string) ([]storage.TimeRequest, error) {
	if err := r.f.check(OpListByChild); err != nil {
		return nil, err
	}
	return r.RequestStore.ListByChild(ctx, childID)
}

func (r *failingRequests) ListPending(ctx context.Context) ([]storage.TimeRequest, error) {
	if err := r.f.check(OpListPending); err != nil {
		return nil, err
	}
	return r.RequestStore.ListPending(ctx)
}

var _ storage.Store = (*FailingStore)(nil)
