package quota

import (
	"errors"
	"fmt"

	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/storage"
)

var (
	// ErrInvalidArgument is returned for malformed input such as a
	// non-positive number of minutes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned for unknown children or requests.
	ErrNotFound = errors.New("not found")

	// ErrPersistence is returned when the storage gateway fails.
	ErrPersistence = errors.New("persistence failure")

	// ErrOracleUnavailable marks oracle failures in logs. Resolve never
	// returns it; the request is denied with FallbackMessage instead.
	ErrOracleUnavailable = errors.New("decision oracle unavailable")

	// ErrTooManyPending is returned by Submit when the child already has the
	// configured maximum of pending requests.
	ErrTooManyPending = errors.New("too many pending requests")

	// ErrCountdownClosed is returned when granting to a countdown that is no
	// longer being viewed.
	ErrCountdownClosed = errors.New("countdown closed")
)

// Apply stages reported by PartialApplyError.
const (
	StageLedger = "ledger"
	StageClock  = "clock"
)

// PartialApplyError reports which half of a grant failed. With
// Stage == StageLedger nothing was applied; with Stage == StageClock the
// limit was raised but the live countdown was not nudged.
type PartialApplyError struct {
	Stage string
	Err   error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("apply grant: %s stage failed: %v", e.Stage, e.Err)
}

func (e *PartialApplyError) Unwrap() error {
	return e.Err
}

// gatewayError maps a storage error onto the quota error set
func gatewayError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		metrics.PersistenceErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("%s: %w: %v", op, ErrPersistence, err)
	}
}
