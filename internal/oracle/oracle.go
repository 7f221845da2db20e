// Package oracle decides extra-time requests. Implementations range from a
// language model playing the parent, through a rego policy, to a real parent
// answering over the API.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable indicates the decision source could not be reached.
	ErrUnavailable = errors.New("oracle unavailable")

	// ErrTimeout indicates no decision arrived in time.
	ErrTimeout = errors.New("oracle timed out")

	// ErrInvalidOutput indicates the decision source answered with something
	// that is not a verdict.
	ErrInvalidOutput = errors.New("invalid oracle output")

	// ErrNotWaiting is returned by ParentOracle.Respond when no decision is
	// outstanding for the request.
	ErrNotWaiting = errors.New("no decision pending for request")
)

// Decision is the outcome of a verdict.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
)

// ParseDecision accepts only "approved" or "denied" (case-insensitive).
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case Approved, Denied:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", ErrInvalidOutput, s)
	}
}

// UnmarshalJSON rejects unknown decisions.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	parsed, err := ParseDecision(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Input is everything an oracle sees about a request.
type Input struct {
	RequestID        string `json:"request_id"`
	ChildID          string `json:"child_id"`
	ChildName        string `json:"child_name"`
	Age              int    `json:"age"`
	TotalUsedMinutes int    `json:"total_used_minutes"`
	LimitMinutes     int    `json:"limit_minutes"`
	RequestedMinutes int    `json:"requested_minutes"`
	Reason           string `json:"reason"`
	AppName          string `json:"app_name,omitempty"`
}

// Verdict is an oracle's answer.
type Verdict struct {
	Decision Decision `json:"decision"`
	Message  string   `json:"message"`
}

// Validate checks that the verdict carries a known decision and a message
// the child can read.
func (v Verdict) Validate() error {
	if _, err := ParseDecision(string(v.Decision)); err != nil {
		return err
	}
	if strings.TrimSpace(v.Message) == "" {
		return fmt.Errorf("%w: %s verdict has no message", ErrInvalidOutput, v.Decision)
	}
	return nil
}

// Oracle decides a single request. Decide may block; it must honor ctx.
type Oracle interface {
	Decide(ctx context.Context, in Input) (Verdict, error)
	Name() string
}
