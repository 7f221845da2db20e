package redis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/kquota/internal/storage"
)

func childKey(childID string) string {
	return fmt.Sprintf("kquota:child:%s", childID)
}

func familyKey(parentID string) string {
	return fmt.Sprintf("kquota:family:%s", parentID)
}

func requestKey(requestID string) string {
	return fmt.Sprintf("kquota:request:%s", requestID)
}

func childRequestsKey(childID string) string {
	return fmt.Sprintf("kquota:requests:child:%s", childID)
}

const pendingSetKey = "kquota:requests:pending"

// scriptError translates error replies raised by the Lua scripts
func scriptError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case strings.Contains(err.Error(), replyNotFound):
		return storage.ErrNotFound
	case strings.Contains(err.Error(), replyAlreadyResolved):
		return storage.ErrAlreadyResolved
	default:
		return err
	}
}

// parseChildQuota converts a Redis hash to ChildQuota
func parseChildQuota(data map[string]string) (*storage.ChildQuota, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	age, err := strconv.Atoi(data["age"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse age: %w", err)
	}

	used, err := strconv.Atoi(data["total_used_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_used_minutes: %w", err)
	}

	limit, err := strconv.Atoi(data["limit_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse limit_minutes: %w", err)
	}

	return &storage.ChildQuota{
		ChildID:          data["child_id"],
		ParentID:         data["parent_id"],
		Name:             data["name"],
		Age:              age,
		TotalUsedMinutes: used,
		LimitMinutes:     limit,
	}, nil
}

// parseTimeRequest converts a Redis hash to TimeRequest
func parseTimeRequest(data map[string]string) (*storage.TimeRequest, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	minutes, err := strconv.Atoi(data["requested_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse requested_minutes: %w", err)
	}

	status, err := storage.ParseRequestStatus(data["status"])
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	req := &storage.TimeRequest{
		ID:               data["id"],
		ChildID:          data["child_id"],
		RequestedMinutes: minutes,
		Reason:           data["reason"],
		AppID:            data["app_id"],
		AppName:          data["app_name"],
		Status:           status,
		CreatedAt:        createdAt,
		DecisionMessage:  data["decision_message"],
	}

	if raw := data["decided_at"]; raw != "" {
		decidedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse decided_at: %w", err)
		}
		req.DecidedAt = &decidedAt
	}

	return req, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
