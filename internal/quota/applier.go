package quota

import (
	"context"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/rs/zerolog"
)

// Grant is the effect of one approved request.
type Grant struct {
	ChildID   string    `json:"child_id"`
	Minutes   int       `json:"minutes"`
	AppliedAt time.Time `json:"applied_at"`
}

// Applier applies approved grants: the ledger first, then the live countdown.
type Applier struct {
	ledger   *Ledger
	registry *Registry // may be nil when no countdowns are driven
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewApplier creates an applier
func NewApplier(ledger *Ledger, registry *Registry, clk clock.Clock, logger zerolog.Logger) *Applier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Applier{
		ledger:   ledger,
		registry: registry,
		clock:    clk,
		logger:   logger.With().Str("component", "applier").Logger(),
	}
}

// Apply raises the limit and then nudges the live countdown, if any. When
// the ledger half fails the countdown is never touched.
func (a *Applier) Apply(ctx context.Context, childID string, minutes int) (Grant, error) {
	unlock := a.ledger.lockChild(childID)
	defer unlock()

	if _, err := a.ledger.increase(ctx, childID, minutes); err != nil {
		return Grant{}, &PartialApplyError{Stage: StageLedger, Err: err}
	}

	grant := Grant{ChildID: childID, Minutes: minutes, AppliedAt: a.clock.Now()}
	metrics.GrantsApplied.Inc()
	metrics.GrantedMinutes.Add(float64(minutes))

	if a.registry == nil {
		return grant, nil
	}

	cd, ok := a.registry.Live(childID)
	if !ok {
		return grant, nil
	}

	if err := cd.ApplyGrant(minutes); err != nil {
		metrics.PartialApplies.WithLabelValues(StageClock).Inc()
		a.logger.Warn().
			Err(err).
			Str("child_id", childID).
			Int("minutes", minutes).
			Msg("Limit raised but live countdown not updated")
		return grant, &PartialApplyError{Stage: StageClock, Err: err}
	}

	a.logger.Debug().
		Str("child_id", childID).
		Int("minutes", minutes).
		Int64("remaining_seconds", cd.Snapshot()).
		Msg("Grant applied to live countdown")

	return grant, nil
}
