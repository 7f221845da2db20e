package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
// It is safe for concurrent use and is intended for tests and demos.
type Store struct {
	children map[string]storage.ChildQuota  // childID -> quota
	requests map[string]storage.TimeRequest // requestID -> request
	mu       sync.RWMutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		children: make(map[string]storage.ChildQuota),
		requests: make(map[string]storage.TimeRequest),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Quotas returns the QuotaStore implementation
func (s *Store) Quotas() storage.QuotaStore { return (*quotaStore)(s) }

// Requests returns the RequestStore implementation
func (s *Store) Requests() storage.RequestStore { return (*requestStore)(s) }

type quotaStore Store

func (s *quotaStore) ReadFamily(ctx context.Context, parentID string) ([]storage.ChildQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := make([]storage.ChildQuota, 0)
	for _, child := range s.children {
		if child.ParentID != parentID {
			continue
		}
		child.Requests = (*requestStore)(s).listByChildLocked(child.ChildID)
		children = append(children, child)
	}

	sort.Slice(children, func(i, j int) bool { return children[i].ChildID < children[j].ChildID })
	return children, nil
}

func (s *quotaStore) GetQuota(ctx context.Context, childID string) (*storage.ChildQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	child, ok := s.children[childID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &child, nil
}

func (s *quotaStore) UpsertLimit(ctx context.Context, childID string, limitMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child, ok := s.children[childID]
	if !ok {
		return storage.ErrNotFound
	}
	child.LimitMinutes = limitMinutes
	s.children[childID] = child
	return nil
}

func (s *quotaStore) UpsertChild(ctx context.Context, child storage.ChildQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child.Requests = nil
	s.children[child.ChildID] = child
	return nil
}

type requestStore Store

func (s *requestStore) Insert(ctx context.Context, req storage.TimeRequest) (*storage.TimeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.children[req.ChildID]; !ok {
		return nil, storage.ErrNotFound
	}
	if req.Status == "" {
		req.Status = storage.StatusPending
	}
	s.requests[req.ID] = req
	return &req, nil
}

func (s *requestStore) Get(ctx context.Context, id string) (*storage.TimeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &req, nil
}

func (s *requestStore) UpdateStatus(ctx context.Context, id string, status storage.RequestStatus, message string, decidedAt time.Time) error {
	status, err := storage.ParseResolution(string(status))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return storage.ErrNotFound
	}
	if req.Status.Resolved() {
		return storage.ErrAlreadyResolved
	}

	req.Status = status
	req.DecisionMessage = message
	req.DecidedAt = &decidedAt
	s.requests[id] = req
	return nil
}

func (s *requestStore) ListByChild(ctx context.Context, childID string) ([]storage.TimeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listByChildLocked(childID), nil
}

func (s *requestStore) ListPending(ctx context.Context) ([]storage.TimeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]storage.TimeRequest, 0)
	for _, req := range s.requests {
		if req.Status == storage.StatusPending {
			pending = append(pending, req)
		}
	}
	sortByCreated(pending)
	return pending, nil
}

// listByChildLocked must be called with the lock held
func (s *requestStore) listByChildLocked(childID string) []storage.TimeRequest {
	reqs := make([]storage.TimeRequest, 0)
	for _, req := range s.requests {
		if req.ChildID == childID {
			reqs = append(reqs, req)
		}
	}
	sortByCreated(reqs)
	return reqs
}

func sortByCreated(reqs []storage.TimeRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
