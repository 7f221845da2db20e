package redis

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestUpsertLimitScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name      string
		seed      bool
		wantErr   string
		wantLimit string
	}{
		{name: "existing child", seed: true, wantLimit: "240"},
		{name: "missing child", seed: false, wantErr: replyNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()
			key := "kquota:child:child_1"
			if tt.seed {
				mr.HSet(key, "child_id", "child_1")
				mr.HSet(key, "limit_minutes", "180")
			}

			err := client.Eval(ctx, upsertLimitScript, []string{key}, 240).Err()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected %s error, got %v", tt.wantErr, err)
				}
				if mr.Exists(key) {
					t.Error("Script must not create a missing child")
				}
				return
			}
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if got := mr.HGet(key, "limit_minutes"); got != tt.wantLimit {
				t.Errorf("Expected limit %s, got %s", tt.wantLimit, got)
			}
		})
	}
}

func TestInsertRequestScript_Indexes(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	mr.HSet("kquota:child:child_1", "child_id", "child_1")

	keys := []string{
		"kquota:request:req-1",
		"kquota:requests:child:child_1",
		"kquota:requests:pending",
		"kquota:child:child_1",
	}
	err := client.Eval(ctx, insertRequestScript, keys,
		"req-1", "child_1", 30, "homework", "", "", "pending", "2024-01-15T16:00:00Z", 1705334400000).Err()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}

	if got := mr.HGet("kquota:request:req-1", "status"); got != "pending" {
		t.Errorf("Expected pending status, got %q", got)
	}

	isMember, err := mr.SIsMember("kquota:requests:pending", "req-1")
	if err != nil {
		t.Fatalf("SIsMember failed: %v", err)
	}
	if !isMember {
		t.Error("Expected request in pending set")
	}

	members, err := mr.ZMembers("kquota:requests:child:child_1")
	if err != nil {
		t.Fatalf("ZMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "req-1" {
		t.Errorf("Expected child index [req-1], got %v", members)
	}
}

func TestUpdateRequestStatusScript_OnlyOnce(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()
	mr.HSet("kquota:request:req-1", "status", "pending")
	if _, err := mr.SAdd("kquota:requests:pending", "req-1"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	keys := []string{"kquota:request:req-1", "kquota:requests:pending"}

	if err := client.Eval(ctx, updateRequestStatusScript, keys, "req-1", "denied", "Not today", "2024-01-15T16:01:00Z").Err(); err != nil {
		t.Fatalf("First resolution failed: %v", err)
	}

	err := client.Eval(ctx, updateRequestStatusScript, keys, "req-1", "approved", "Actually yes", "2024-01-15T16:02:00Z").Err()
	if err == nil || !strings.Contains(err.Error(), replyAlreadyResolved) {
		t.Fatalf("Expected %s, got %v", replyAlreadyResolved, err)
	}

	if got := mr.HGet("kquota:request:req-1", "status"); got != "denied" {
		t.Errorf("Expected status to stay denied, got %q", got)
	}
	if got := mr.HGet("kquota:request:req-1", "decision_message"); got != "Not today" {
		t.Errorf("Expected original message, got %q", got)
	}

	isMember, _ := mr.SIsMember("kquota:requests:pending", "req-1")
	if isMember {
		t.Error("Expected request removed from pending set")
	}
}
