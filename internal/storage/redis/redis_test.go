package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/goodtune/kquota/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func seedChild(t *testing.T, store *Store, child storage.ChildQuota) {
	t.Helper()

	if err := store.Quotas().UpsertChild(context.Background(), child); err != nil {
		t.Fatalf("UpsertChild failed: %v", err)
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon"})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}

func TestQuotaStore_UpsertChildAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	seedChild(t, store, storage.ChildQuota{
		ChildID:          "child_1",
		ParentID:         "parent_1",
		Name:             "Emma",
		Age:              12,
		TotalUsedMinutes: 145,
		LimitMinutes:     180,
	})

	quota, err := store.Quotas().GetQuota(ctx, "child_1")
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}

	if quota.Name != "Emma" || quota.Age != 12 {
		t.Errorf("Unexpected child: %+v", quota)
	}
	if quota.TotalUsedMinutes != 145 {
		t.Errorf("Expected used 145, got %d", quota.TotalUsedMinutes)
	}
	if quota.LimitMinutes != 180 {
		t.Errorf("Expected limit 180, got %d", quota.LimitMinutes)
	}

	if _, err := store.Quotas().GetQuota(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestQuotaStore_UpsertLimit(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	seedChild(t, store, storage.ChildQuota{ChildID: "child_1", ParentID: "parent_1", LimitMinutes: 180})

	if err := store.Quotas().UpsertLimit(ctx, "child_1", 210); err != nil {
		t.Fatalf("UpsertLimit failed: %v", err)
	}

	quota, err := store.Quotas().GetQuota(ctx, "child_1")
	if err != nil {
		t.Fatalf("GetQuota failed: %v", err)
	}
	if quota.LimitMinutes != 210 {
		t.Errorf("Expected limit 210, got %d", quota.LimitMinutes)
	}

	// Unknown children are never created by a limit update
	if err := store.Quotas().UpsertLimit(ctx, "ghost", 30); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.Quotas().GetQuota(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ghost child to stay absent, got %v", err)
	}
}

func TestRequestStore_InsertAndResolve(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	seedChild(t, store, storage.ChildQuota{ChildID: "child_1", ParentID: "parent_1", LimitMinutes: 180})

	created := time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)
	req, err := store.Requests().Insert(ctx, storage.TimeRequest{
		ID:               "req-1",
		ChildID:          "child_1",
		RequestedMinutes: 30,
		Reason:           "finish homework video",
		AppID:            "app_yt",
		AppName:          "YouTube",
		CreatedAt:        created,
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if req.Status != storage.StatusPending {
		t.Errorf("Expected pending status, got %s", req.Status)
	}

	pending, err := store.Requests().ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "req-1" {
		t.Fatalf("Expected req-1 pending, got %+v", pending)
	}

	decided := created.Add(time.Minute)
	if err := store.Requests().UpdateStatus(ctx, "req-1", storage.StatusApproved, "Enjoy!", decided); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := store.Requests().Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != storage.StatusApproved {
		t.Errorf("Expected approved, got %s", got.Status)
	}
	if got.DecisionMessage != "Enjoy!" {
		t.Errorf("Expected decision message, got %q", got.DecisionMessage)
	}
	if got.DecidedAt == nil || !got.DecidedAt.Equal(decided) {
		t.Errorf("Expected decided_at %v, got %v", decided, got.DecidedAt)
	}
	if got.AppName != "YouTube" {
		t.Errorf("Expected app name YouTube, got %q", got.AppName)
	}

	// A resolved request is immutable
	err = store.Requests().UpdateStatus(ctx, "req-1", storage.StatusDenied, "changed my mind", decided)
	if !errors.Is(err, storage.ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}

	pending, err = store.Requests().ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending requests, got %d", len(pending))
	}
}

func TestRequestStore_InsertUnknownChild(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	_, err := store.Requests().Insert(context.Background(), storage.TimeRequest{
		ID:               "req-1",
		ChildID:          "ghost",
		RequestedMinutes: 15,
		CreatedAt:        time.Now(),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRequestStore_UpdateStatusRejectsUnknownStatus(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	err := store.Requests().UpdateStatus(context.Background(), "req-1", storage.RequestStatus("expired"), "", time.Now())
	if !errors.Is(err, storage.ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}

	err = store.Requests().UpdateStatus(context.Background(), "missing", storage.StatusDenied, "", time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRequestStore_GetRejectsCorruptStatus(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("kquota:request:bad", "id", "bad")
	mr.HSet("kquota:request:bad", "child_id", "child_1")
	mr.HSet("kquota:request:bad", "requested_minutes", "10")
	mr.HSet("kquota:request:bad", "status", "cancelled")
	mr.HSet("kquota:request:bad", "created_at", time.Now().Format(time.RFC3339Nano))

	_, err := store.Requests().Get(context.Background(), "bad")
	if !errors.Is(err, storage.ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestQuotaStore_ReadFamily(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	seedChild(t, store, storage.ChildQuota{ChildID: "child_1", ParentID: "parent_1", Name: "Emma", LimitMinutes: 180})
	seedChild(t, store, storage.ChildQuota{ChildID: "child_2", ParentID: "parent_1", Name: "Leo", LimitMinutes: 90})
	seedChild(t, store, storage.ChildQuota{ChildID: "child_3", ParentID: "parent_2", Name: "Mia", LimitMinutes: 60})

	base := time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)
	for i, id := range []string{"req-b", "req-a"} {
		_, err := store.Requests().Insert(ctx, storage.TimeRequest{
			ID:               id,
			ChildID:          "child_1",
			RequestedMinutes: 15,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	family, err := store.Quotas().ReadFamily(ctx, "parent_1")
	if err != nil {
		t.Fatalf("ReadFamily failed: %v", err)
	}

	if len(family) != 2 {
		t.Fatalf("Expected 2 children, got %d", len(family))
	}
	if family[0].ChildID != "child_1" || family[1].ChildID != "child_2" {
		t.Errorf("Unexpected family order: %s, %s", family[0].ChildID, family[1].ChildID)
	}
	if len(family[0].Requests) != 2 {
		t.Fatalf("Expected 2 requests for child_1, got %d", len(family[0].Requests))
	}
	if family[0].Requests[0].ID != "req-b" {
		t.Errorf("Expected oldest request first, got %s", family[0].Requests[0].ID)
	}
	if len(family[1].Requests) != 0 {
		t.Errorf("Expected no requests for child_2, got %d", len(family[1].Requests))
	}

	// Moving a child to another parent updates both family indexes
	seedChild(t, store, storage.ChildQuota{ChildID: "child_2", ParentID: "parent_2", Name: "Leo", LimitMinutes: 90})
	family, err = store.Quotas().ReadFamily(ctx, "parent_1")
	if err != nil {
		t.Fatalf("ReadFamily failed: %v", err)
	}
	if len(family) != 1 {
		t.Errorf("Expected 1 child after move, got %d", len(family))
	}

	empty, err := store.Quotas().ReadFamily(ctx, "parent_none")
	if err != nil {
		t.Fatalf("ReadFamily failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty family, got %d", len(empty))
	}
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		return store
	})
}
