package quota

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is how often a viewed countdown loses a second.
const DefaultTickInterval = time.Second

// Registry tracks countdowns that are currently being viewed and drives
// them. Children nobody views are not ticked.
type Registry struct {
	ledger   *Ledger
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	live map[string]*liveCountdown // key: childID
}

type liveCountdown struct {
	countdown *Countdown
	refs      int
	stop      chan struct{}
	done      chan struct{}
}

// NewRegistry creates a registry that ticks every interval
func NewRegistry(ledger *Ledger, interval time.Duration, logger zerolog.Logger) *Registry {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Registry{
		ledger:   ledger,
		interval: interval,
		logger:   logger.With().Str("component", "countdown-registry").Logger(),
		live:     make(map[string]*liveCountdown),
	}
}

// Open starts (or joins) the countdown for a child. Every Open must be
// matched by a Close. ctx only bounds the quota load; the countdown keeps
// running until the last viewer closes it or Stop is called.
func (r *Registry) Open(ctx context.Context, childID string) (*Countdown, error) {
	if cd, ok := r.join(childID); ok {
		return cd, nil
	}

	// Held until the countdown is registered so no grant lands in between
	unlock := r.ledger.lockChild(childID)
	defer unlock()

	q, err := r.ledger.load(ctx, childID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another viewer may have opened it while we loaded
	if lc, ok := r.live[childID]; ok {
		lc.refs++
		return lc.countdown, nil
	}

	lc := &liveCountdown{
		countdown: NewCountdown(childID, q),
		refs:      1,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.live[childID] = lc
	metrics.LiveCountdowns.Inc()

	go r.drive(lc)

	r.logger.Info().
		Str("child_id", childID).
		Int64("remaining_seconds", lc.countdown.Snapshot()).
		Msg("Countdown opened")

	return lc.countdown, nil
}

func (r *Registry) join(childID string) (*Countdown, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.live[childID]
	if !ok {
		return nil, false
	}
	lc.refs++
	return lc.countdown, true
}

// Close releases one viewer. The countdown stops when the last one leaves.
// It reports whether the child had a live countdown.
func (r *Registry) Close(childID string) bool {
	r.mu.Lock()
	lc, ok := r.live[childID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	lc.refs--
	if lc.refs > 0 {
		r.mu.Unlock()
		return true
	}
	delete(r.live, childID)
	r.mu.Unlock()

	r.shutdown(lc)
	r.logger.Info().Str("child_id", childID).Msg("Countdown closed")
	return true
}

// Live returns the child's countdown if it is currently viewed.
func (r *Registry) Live(childID string) (*Countdown, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.live[childID]
	if !ok {
		return nil, false
	}
	return lc.countdown, true
}

// Remaining returns the live countdown value when viewed, or the value
// derived from the ledger otherwise.
func (r *Registry) Remaining(ctx context.Context, childID string) (seconds int64, live bool, err error) {
	if cd, ok := r.Live(childID); ok {
		return cd.Snapshot(), true, nil
	}

	q, err := r.ledger.Get(ctx, childID)
	if err != nil {
		return 0, false, err
	}
	return NewCountdown(childID, q).Snapshot(), false, nil
}

// Stop closes every live countdown regardless of viewers.
func (r *Registry) Stop() {
	r.mu.Lock()
	all := r.live
	r.live = make(map[string]*liveCountdown)
	r.mu.Unlock()

	for _, lc := range all {
		r.shutdown(lc)
	}
	r.logger.Info().Int("closed", len(all)).Msg("Countdown registry stopped")
}

func (r *Registry) shutdown(lc *liveCountdown) {
	lc.countdown.close()
	close(lc.stop)
	<-lc.done
	metrics.LiveCountdowns.Dec()
}

// drive ticks the countdown until stopped
func (r *Registry) drive(lc *liveCountdown) {
	defer close(lc.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	timeUp := lc.countdown.Exhausted()

	for {
		select {
		case <-ticker.C:
			remaining := lc.countdown.Tick()
			switch {
			case remaining == 0 && !timeUp:
				timeUp = true
				metrics.TimeUpEvents.Inc()
				r.logger.Info().Str("child_id", lc.countdown.ChildID()).Msg("Time's up")
			case remaining > 0:
				timeUp = false
			}
		case <-lc.stop:
			return
		}
	}
}
