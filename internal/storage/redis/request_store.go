package redis

import (
	"context"
	"sort"
	"time"

	"github.com/goodtune/kquota/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	insertRequest       = redis.NewScript(insertRequestScript)
	updateRequestStatus = redis.NewScript(updateRequestStatusScript)
)

type requestStore struct {
	client *redis.Client
}

// Insert stores a new request and indexes it by child and status
func (s *requestStore) Insert(ctx context.Context, req storage.TimeRequest) (*storage.TimeRequest, error) {
	if req.Status == "" {
		req.Status = storage.StatusPending
	}
	if _, err := storage.ParseRequestStatus(string(req.Status)); err != nil {
		return nil, err
	}

	keys := []string{
		requestKey(req.ID),
		childRequestsKey(req.ChildID),
		pendingSetKey,
		childKey(req.ChildID),
	}
	args := []interface{}{
		req.ID,
		req.ChildID,
		req.RequestedMinutes,
		req.Reason,
		req.AppID,
		req.AppName,
		string(req.Status),
		req.CreatedAt.Format(time.RFC3339Nano),
		req.CreatedAt.UnixMilli(),
	}

	if err := scriptError(insertRequest.Run(ctx, s.client, keys, args...).Err()); err != nil {
		return nil, err
	}

	return &req, nil
}

// Get retrieves a request by ID
func (s *requestStore) Get(ctx context.Context, id string) (*storage.TimeRequest, error) {
	data, err := s.client.HGetAll(ctx, requestKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseTimeRequest(data)
}

// UpdateStatus resolves a pending request
func (s *requestStore) UpdateStatus(ctx context.Context, id string, status storage.RequestStatus, message string, decidedAt time.Time) error {
	status, err := storage.ParseResolution(string(status))
	if err != nil {
		return err
	}

	keys := []string{requestKey(id), pendingSetKey}
	args := []interface{}{id, string(status), message, decidedAt.Format(time.RFC3339Nano)}

	return scriptError(updateRequestStatus.Run(ctx, s.client, keys, args...).Err())
}

// ListByChild returns a child's requests, oldest first
func (s *requestStore) ListByChild(ctx context.Context, childID string) ([]storage.TimeRequest, error) {
	ids, err := s.client.ZRange(ctx, childRequestsKey(childID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	return s.fetch(ctx, ids)
}

// ListPending returns every unresolved request
func (s *requestStore) ListPending(ctx context.Context) ([]storage.TimeRequest, error) {
	ids, err := s.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, err
	}

	reqs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	sortByCreated(reqs)
	return reqs, nil
}

// fetch loads the given requests in a single pipeline, skipping missing keys
func (s *requestStore) fetch(ctx context.Context, ids []string) ([]storage.TimeRequest, error) {
	if len(ids) == 0 {
		return []storage.TimeRequest{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, requestKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	reqs := make([]storage.TimeRequest, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		req, err := parseTimeRequest(data)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		reqs = append(reqs, *req)
	}

	return reqs, nil
}

func sortByCreated(reqs []storage.TimeRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
