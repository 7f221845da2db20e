package quota

import (
	"context"
	"fmt"

	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
)

// Ledger is the in-process front of the quota rows held by the gateway. It
// is the only component that changes a limit. Every read goes to the
// gateway: usage and resets are written by other processes.
type Ledger struct {
	quotas storage.QuotaStore
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewLedger creates a ledger backed by the given gateway
func NewLedger(quotas storage.QuotaStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		quotas: quotas,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Get returns the child's current quota row.
func (l *Ledger) Get(ctx context.Context, childID string) (storage.ChildQuota, error) {
	unlock := l.locks.Lock(childID)
	defer unlock()

	return l.load(ctx, childID)
}

// IncreaseLimit raises the child's limit by minutes and persists it before
// returning. Calls for the same child are serialized.
func (l *Ledger) IncreaseLimit(ctx context.Context, childID string, minutes int) (storage.ChildQuota, error) {
	unlock := l.locks.Lock(childID)
	defer unlock()

	return l.increase(ctx, childID, minutes)
}

// lockChild holds the child's ledger lock until the returned func is called.
// Registry.Open and Applier.Apply use it so a grant is either in the row a
// new countdown loads or applied to that countdown, never neither.
func (l *Ledger) lockChild(childID string) func() {
	return l.locks.Lock(childID)
}

// increase must be called with the child's lock held. The limit is computed
// from a fresh read so writes made elsewhere since the last call survive.
func (l *Ledger) increase(ctx context.Context, childID string, minutes int) (storage.ChildQuota, error) {
	if minutes <= 0 {
		return storage.ChildQuota{}, fmt.Errorf("increase limit by %d minutes: %w", minutes, ErrInvalidArgument)
	}

	q, err := l.load(ctx, childID)
	if err != nil {
		return storage.ChildQuota{}, err
	}

	q.LimitMinutes += minutes
	if err := l.quotas.UpsertLimit(ctx, childID, q.LimitMinutes); err != nil {
		err = gatewayError("upsert limit", err)
		l.logger.Error().
			Err(err).
			Str("child_id", childID).
			Int("minutes", minutes).
			Msg("Failed to persist limit")
		return storage.ChildQuota{}, err
	}

	l.logger.Info().
		Str("child_id", childID).
		Int("minutes", minutes).
		Int("limit_minutes", q.LimitMinutes).
		Msg("Limit increased")

	return q, nil
}

// load must be called with the child's lock held
func (l *Ledger) load(ctx context.Context, childID string) (storage.ChildQuota, error) {
	q, err := l.quotas.GetQuota(ctx, childID)
	if err != nil {
		return storage.ChildQuota{}, gatewayError("get quota", err)
	}

	q.Requests = nil
	return *q, nil
}
