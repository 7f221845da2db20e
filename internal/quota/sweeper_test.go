package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/kquota/internal/storage"
	"github.com/goodtune/kquota/internal/storage/storagetest"
)

func TestSweeper_ExpiresStaleRequests(t *testing.T) {
	h := newHarness(t, approving("ok"))
	ctx := context.Background()

	stale := h.submit(t, 10)
	h.clock.Advance(45 * time.Minute)
	fresh := h.submit(t, 10)
	h.clock.Advance(15 * time.Minute)

	expired, err := h.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := h.store.Requests().Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDenied, got.Status)
	assert.Equal(t, ExpiredMessage, got.DecisionMessage)

	got, err = h.store.Requests().Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)

	// Resolving an expired request returns the expiry without asking the oracle
	d, err := h.engine.Workflow.Resolve(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDenied, d.Status)
	assert.Equal(t, ExpiredMessage, d.Message)
	assert.Equal(t, int32(0), h.oracle.calls.Load())
	assert.Equal(t, 180, h.limit(t))
}

func TestSweeper_UnsavedDecisionWinsOverExpiry(t *testing.T) {
	h := newHarness(t, approving("ok"))
	ctx := context.Background()
	id := h.submit(t, 30)

	h.store.FailNext(storagetest.OpUpdateStatus, 1)
	_, err := h.engine.Workflow.Resolve(ctx, id)
	require.ErrorIs(t, err, ErrPersistence)

	h.clock.Advance(2 * time.Hour)
	expired, err := h.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	got, err := h.store.Requests().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, got.Status, "applied grant must be recorded, not expired")
	assert.Equal(t, 210, h.limit(t))
}

func TestSweeper_ListFailure(t *testing.T) {
	h := newHarness(t, approving("ok"))
	h.store.FailNext(storagetest.OpListPending, 1)

	_, err := h.engine.Sweeper.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t, approving("ok"))
	h.engine.Start()
	h.engine.Stop()
	// Stopping twice is harmless
	h.engine.Stop()
}
