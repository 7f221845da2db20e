// Package storagetest holds helpers shared by the storage backend tests and
// by packages that need a store double.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/kquota/internal/storage"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) storage.Store

// ChildOption customizes a fixture child.
type ChildOption func(*storage.ChildQuota)

func WithParent(parentID string) ChildOption {
	return func(c *storage.ChildQuota) { c.ParentID = parentID }
}

func WithUsage(used, limit int) ChildOption {
	return func(c *storage.ChildQuota) {
		c.TotalUsedMinutes = used
		c.LimitMinutes = limit
	}
}

// NewChild returns a fixture child belonging to parent_1 with 145 of 180
// minutes used.
func NewChild(id string, opts ...ChildOption) storage.ChildQuota {
	c := storage.ChildQuota{
		ChildID:          id,
		ParentID:         "parent_1",
		Name:             "Child " + id,
		Age:              10,
		TotalUsedMinutes: 145,
		LimitMinutes:     180,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NewRequest returns a pending fixture request.
func NewRequest(id, childID string, minutes int, createdAt time.Time) storage.TimeRequest {
	return storage.TimeRequest{
		ID:               id,
		ChildID:          childID,
		RequestedMinutes: minutes,
		Reason:           "finishing a school project",
		Status:           storage.StatusPending,
		CreatedAt:        createdAt,
	}
}

// Run exercises the storage.Store contract against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) storage.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	base := time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)

	t.Run("GetQuotaUnknown", func(t *testing.T) {
		s := open(t)
		_, err := s.Quotas().GetQuota(context.Background(), "ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpsertLimit", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c1")))

		require.NoError(t, s.Quotas().UpsertLimit(ctx, "c1", 210))
		q, err := s.Quotas().GetQuota(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 210, q.LimitMinutes)
		assert.Equal(t, 145, q.TotalUsedMinutes)

		assert.ErrorIs(t, s.Quotas().UpsertLimit(ctx, "ghost", 10), storage.ErrNotFound)
	})

	t.Run("ReadFamilyNestsRequests", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c2")))
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c1")))
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c3", WithParent("parent_2"))))

		_, err := s.Requests().Insert(ctx, NewRequest("r2", "c1", 15, base.Add(time.Minute)))
		require.NoError(t, err)
		_, err = s.Requests().Insert(ctx, NewRequest("r1", "c1", 30, base))
		require.NoError(t, err)

		family, err := s.Quotas().ReadFamily(ctx, "parent_1")
		require.NoError(t, err)
		require.Len(t, family, 2)
		assert.Equal(t, "c1", family[0].ChildID)
		assert.Equal(t, "c2", family[1].ChildID)
		require.Len(t, family[0].Requests, 2)
		assert.Equal(t, "r1", family[0].Requests[0].ID)
		assert.Equal(t, "r2", family[0].Requests[1].ID)
		assert.Empty(t, family[1].Requests)

		empty, err := s.Quotas().ReadFamily(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("InsertUnknownChild", func(t *testing.T) {
		s := open(t)
		_, err := s.Requests().Insert(context.Background(), NewRequest("r1", "ghost", 10, base))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateStatusOnce", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c1")))
		_, err := s.Requests().Insert(ctx, NewRequest("r1", "c1", 30, base))
		require.NoError(t, err)

		decided := base.Add(2 * time.Second)
		require.NoError(t, s.Requests().UpdateStatus(ctx, "r1", storage.StatusApproved, "Sure!", decided))

		err = s.Requests().UpdateStatus(ctx, "r1", storage.StatusDenied, "No", decided)
		assert.ErrorIs(t, err, storage.ErrAlreadyResolved)

		got, err := s.Requests().Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusApproved, got.Status)
		assert.Equal(t, "Sure!", got.DecisionMessage)
		require.NotNil(t, got.DecidedAt)
		assert.True(t, got.DecidedAt.Equal(decided))
		assert.True(t, got.CreatedAt.Equal(base))

		assert.ErrorIs(t, s.Requests().UpdateStatus(ctx, "missing", storage.StatusDenied, "", decided), storage.ErrNotFound)
		assert.ErrorIs(t, s.Requests().UpdateStatus(ctx, "r1", storage.RequestStatus("maybe"), "", decided), storage.ErrInvalidStatus)
	})

	t.Run("UpdateStatusRejectsPending", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c1")))
		_, err := s.Requests().Insert(ctx, NewRequest("r1", "c1", 30, base))
		require.NoError(t, err)

		err = s.Requests().UpdateStatus(ctx, "r1", storage.StatusPending, "later", base)
		assert.ErrorIs(t, err, storage.ErrInvalidStatus)

		got, err := s.Requests().Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusPending, got.Status)
		assert.Nil(t, got.DecidedAt)

		pending, err := s.Requests().ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "r1", pending[0].ID)
	})

	t.Run("ListPending", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c1")))
		for i := 0; i < 3; i++ {
			_, err := s.Requests().Insert(ctx, NewRequest(fmt.Sprintf("r%d", i), "c1", 5, base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}
		require.NoError(t, s.Requests().UpdateStatus(ctx, "r1", storage.StatusDenied, "no", base))

		pending, err := s.Requests().ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "r0", pending[0].ID)
		assert.Equal(t, "r2", pending[1].ID)
	})

	t.Run("ConcurrentUpdateStatus", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Quotas().UpsertChild(ctx, NewChild("c1")))
		_, err := s.Requests().Insert(ctx, NewRequest("r1", "c1", 30, base))
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Requests().UpdateStatus(ctx, "r1", storage.StatusApproved, "ok", base); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}
