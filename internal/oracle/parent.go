package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ParentOracle hands the request to a human. Decide publishes the input on
// the notification channel and waits for Respond.
type ParentOracle struct {
	wait   time.Duration
	notify chan Input
	logger zerolog.Logger

	mu      sync.Mutex
	waiting map[string]chan Verdict // requestID -> reply
}

// NewParentOracle creates a parent oracle that waits at most wait per request.
// buffer bounds how many unread notifications are queued before new ones
// are dropped.
func NewParentOracle(wait time.Duration, buffer int, logger zerolog.Logger) *ParentOracle {
	return &ParentOracle{
		wait:    wait,
		notify:  make(chan Input, buffer),
		logger:  logger.With().Str("component", "parent-oracle").Logger(),
		waiting: make(map[string]chan Verdict),
	}
}

func (o *ParentOracle) Name() string { return "parent" }

// Notifications delivers requests awaiting a parent's verdict.
func (o *ParentOracle) Notifications() <-chan Input {
	return o.notify
}

// Waiting returns the IDs of requests currently awaiting a verdict.
func (o *ParentOracle) Waiting() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.waiting))
	for id := range o.waiting {
		ids = append(ids, id)
	}
	return ids
}

// Decide blocks until a parent responds, the wait elapses, or ctx ends.
func (o *ParentOracle) Decide(ctx context.Context, in Input) (Verdict, error) {
	reply := make(chan Verdict, 1)

	o.mu.Lock()
	if _, exists := o.waiting[in.RequestID]; exists {
		o.mu.Unlock()
		return Verdict{}, fmt.Errorf("%w: request %s already awaiting a parent", ErrUnavailable, in.RequestID)
	}
	o.waiting[in.RequestID] = reply
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.waiting, in.RequestID)
		o.mu.Unlock()
	}()

	select {
	case o.notify <- in:
	default:
		o.logger.Warn().Str("request_id", in.RequestID).Msg("Notification queue full, parent may not see request")
	}

	o.logger.Info().
		Str("request_id", in.RequestID).
		Str("child_id", in.ChildID).
		Int("requested_minutes", in.RequestedMinutes).
		Msg("Waiting for parent verdict")

	timer := time.NewTimer(o.wait)
	defer timer.Stop()

	select {
	case v := <-reply:
		return v, nil
	case <-timer.C:
		return Verdict{}, fmt.Errorf("%w: no parent verdict within %s", ErrTimeout, o.wait)
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Respond delivers a parent's verdict to the waiting Decide call.
func (o *ParentOracle) Respond(requestID string, v Verdict) error {
	if err := v.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	reply, ok := o.waiting[requestID]
	if ok {
		delete(o.waiting, requestID)
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWaiting, requestID)
	}

	reply <- v
	return nil
}
