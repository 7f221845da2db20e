package redis

import (
	"context"
	"sort"
	"strconv"

	"github.com/goodtune/kquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	upsertChild = redis.NewScript(upsertChildScript)
	upsertLimit = redis.NewScript(upsertLimitScript)
)

type quotaStore struct {
	client *redis.Client
}

// ReadFamily returns every child of a parent with their requests attached
func (s *quotaStore) ReadFamily(ctx context.Context, parentID string) ([]storage.ChildQuota, error) {
	childIDs, err := s.client.SMembers(ctx, familyKey(parentID)).Result()
	if err != nil {
		return nil, err
	}

	if len(childIDs) == 0 {
		return []storage.ChildQuota{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(childIDs))
	for i, id := range childIDs {
		cmds[i] = pipe.HGetAll(ctx, childKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	requests := &requestStore{client: s.client}
	children := make([]storage.ChildQuota, 0, len(childIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		child, err := parseChildQuota(data)
		if err != nil {
			return nil, err
		}

		child.Requests, err = requests.ListByChild(ctx, child.ChildID)
		if err != nil {
			return nil, err
		}

		children = append(children, *child)
	}

	sort.Slice(children, func(i, j int) bool { return children[i].ChildID < children[j].ChildID })
	return children, nil
}

// GetQuota retrieves a single child quota
func (s *quotaStore) GetQuota(ctx context.Context, childID string) (*storage.ChildQuota, error) {
	data, err := s.client.HGetAll(ctx, childKey(childID)).Result()
	if err != nil {
		return nil, err
	}

	return parseChildQuota(data)
}

// UpsertLimit sets the limit of an existing child
func (s *quotaStore) UpsertLimit(ctx context.Context, childID string, limitMinutes int) error {
	keys := []string{childKey(childID)}
	return scriptError(upsertLimit.Run(ctx, s.client, keys, limitMinutes).Err())
}

// UpsertChild creates or replaces a child quota row
func (s *quotaStore) UpsertChild(ctx context.Context, child storage.ChildQuota) error {
	keys := []string{childKey(child.ChildID), familyKey(child.ParentID)}
	args := []interface{}{
		child.ChildID,
		child.ParentID,
		child.Name,
		strconv.Itoa(child.Age),
		strconv.Itoa(child.TotalUsedMinutes),
		strconv.Itoa(child.LimitMinutes),
	}

	return scriptError(upsertChild.Run(ctx, s.client, keys, args...).Err())
}
