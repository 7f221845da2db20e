package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// ChildView is a child's quota as shown on the family dashboard.
type ChildView struct {
	storage.ChildQuota
	RemainingSeconds int64 `json:"remaining_seconds"`
	Live             bool  `json:"live"`
}

// FamilyResponse lists a parent's children.
type FamilyResponse struct {
	ParentID string      `json:"parent_id"`
	Children []ChildView `json:"children"`
}

// CountdownResponse reports a child's remaining time.
type CountdownResponse struct {
	ChildID          string `json:"child_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Live             bool   `json:"live"`
	Exhausted        bool   `json:"exhausted"`
}

// WaitingResponse lists requests awaiting a parent's verdict.
type WaitingResponse struct {
	RequestIDs []string `json:"request_ids"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// statusFor maps engine and oracle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, quota.ErrInvalidArgument),
		errors.Is(err, quota.ErrTooManyPending),
		errors.Is(err, oracle.ErrInvalidOutput):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrNotWaiting):
		return http.StatusConflict
	case errors.Is(err, quota.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
