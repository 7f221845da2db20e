package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidStatus is returned when a request status is not one of the
// known values.
var ErrInvalidStatus = errors.New("storage: invalid request status")

// RequestStatus is the lifecycle state of an extra-time request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// ParseRequestStatus normalizes s and rejects anything outside the closed set.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch status := RequestStatus(strings.ToLower(strings.TrimSpace(s))); status {
	case StatusPending, StatusApproved, StatusDenied:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q (must be pending, approved, or denied)", ErrInvalidStatus, s)
	}
}

// ParseResolution is ParseRequestStatus restricted to the terminal statuses
// a request can be resolved to.
func ParseResolution(s string) (RequestStatus, error) {
	status, err := ParseRequestStatus(s)
	if err != nil {
		return "", err
	}
	if !status.Resolved() {
		return "", fmt.Errorf("%w: a request cannot be resolved to %q", ErrInvalidStatus, status)
	}
	return status, nil
}

// Resolved reports whether the status is terminal.
func (s RequestStatus) Resolved() bool {
	return s == StatusApproved || s == StatusDenied
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown statuses.
func (s *RequestStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	status, err := ParseRequestStatus(raw)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// ChildQuota is the screen-time quota of a single child.
type ChildQuota struct {
	ChildID          string        `json:"child_id"`
	ParentID         string        `json:"parent_id"`
	Name             string        `json:"name"`
	Age              int           `json:"age"`
	TotalUsedMinutes int           `json:"total_used_minutes"`
	LimitMinutes     int           `json:"limit_minutes"`
	Requests         []TimeRequest `json:"requests,omitempty"`
}

// RemainingMinutes returns the unclamped minutes left before the limit.
func (q ChildQuota) RemainingMinutes() int {
	return q.LimitMinutes - q.TotalUsedMinutes
}

// TimeRequest is a child's ask for extra screen time.
type TimeRequest struct {
	ID               string        `json:"id"`
	ChildID          string        `json:"child_id"`
	RequestedMinutes int           `json:"requested_minutes"`
	Reason           string        `json:"reason"`
	AppID            string        `json:"app_id,omitempty"`
	AppName          string        `json:"app_name,omitempty"`
	Status           RequestStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	DecisionMessage  string        `json:"decision_message,omitempty"`
	DecidedAt        *time.Time    `json:"decided_at,omitempty"`
}
