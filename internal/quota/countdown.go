package quota

import (
	"sync"

	"github.com/goodtune/kquota/internal/storage"
)

// Countdown is the live, per-second view of a child's remaining time.
type Countdown struct {
	childID string

	mu        sync.Mutex
	remaining int64 // seconds, never negative
	closed    bool
}

// NewCountdown seeds the countdown from the quota. An overdrawn quota starts
// at zero.
func NewCountdown(childID string, q storage.ChildQuota) *Countdown {
	remaining := int64(q.RemainingMinutes()) * 60
	if remaining < 0 {
		remaining = 0
	}
	return &Countdown{childID: childID, remaining: remaining}
}

// ChildID returns the child this countdown belongs to.
func (c *Countdown) ChildID() string {
	return c.childID
}

// Snapshot returns the remaining seconds.
func (c *Countdown) Snapshot() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Tick removes one second, stopping at zero, and returns the new value.
func (c *Countdown) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining > 0 {
		c.remaining--
	}
	return c.remaining
}

// ApplyGrant adds minutes*60 seconds.
func (c *Countdown) ApplyGrant(minutes int) error {
	if minutes <= 0 {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCountdownClosed
	}
	c.remaining += int64(minutes) * 60
	return nil
}

// Exhausted reports whether the countdown shows zero.
func (c *Countdown) Exhausted() bool {
	return c.Snapshot() == 0
}

func (c *Countdown) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
