package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/metrics"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/storage"
)

// Decision messages written by the workflow itself.
const (
	FallbackMessage    = "Parent is currently busy. Try again later!"
	ApplyFailedMessage = "Could not apply extra time. Try again later!"
	ExpiredMessage     = "This request expired before a decision was made."
)

const (
	DefaultOracleTimeout     = 10 * time.Second
	DefaultDecisionCacheSize = 1024
)

// SubmitRequest is a child's ask for more time.
type SubmitRequest struct {
	ChildID          string `json:"child_id"`
	RequestedMinutes int    `json:"requested_minutes"`
	Reason           string `json:"reason"`
	AppID            string `json:"app_id,omitempty"`
	AppName          string `json:"app_name,omitempty"`
}

// Decision is the outcome of resolving a request.
type Decision struct {
	RequestID string                `json:"request_id"`
	Status    storage.RequestStatus `json:"status"`
	Message   string                `json:"message"`
	Fallback  bool                  `json:"fallback"`
}

// Result carries the outcome of ResolveAsync.
type Result struct {
	Decision Decision
	Err      error
}

// WorkflowConfig tunes a Workflow. Zero values select defaults.
type WorkflowConfig struct {
	MaxPendingPerChild int           // 0 = unlimited
	OracleTimeout      time.Duration // bounds one oracle call
	DecisionCacheSize  int
}

// Workflow runs the submit / resolve lifecycle of extra-time requests.
type Workflow struct {
	requests storage.RequestStore
	ledger   *Ledger
	applier  *Applier
	oracle   oracle.Oracle
	clock    clock.Clock
	ids      clock.IDGenerator
	cfg      WorkflowConfig
	logger   zerolog.Logger

	requestLocks *keyedMutex
	childLocks   *keyedMutex
	resolved     *lru.Cache[string, Decision]

	mu      sync.Mutex
	unsaved map[string]Decision // decided and applied, not yet persisted
}

// NewWorkflow creates a workflow
func NewWorkflow(requests storage.RequestStore, ledger *Ledger, applier *Applier, o oracle.Oracle,
	clk clock.Clock, ids clock.IDGenerator, cfg WorkflowConfig, logger zerolog.Logger) (*Workflow, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	if cfg.DecisionCacheSize <= 0 {
		cfg.DecisionCacheSize = DefaultDecisionCacheSize
	}

	resolved, err := lru.New[string, Decision](cfg.DecisionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}

	return &Workflow{
		requests:     requests,
		ledger:       ledger,
		applier:      applier,
		oracle:       o,
		clock:        clk,
		ids:          ids,
		cfg:          cfg,
		logger:       logger.With().Str("component", "workflow").Logger(),
		requestLocks: newKeyedMutex(),
		childLocks:   newKeyedMutex(),
		resolved:     resolved,
		unsaved:      make(map[string]Decision),
	}, nil
}

// OracleTimeout returns the bound on a single oracle call.
func (w *Workflow) OracleTimeout() time.Duration {
	return w.cfg.OracleTimeout
}

// Submit records a pending request. It does not wait for a decision.
func (w *Workflow) Submit(ctx context.Context, req SubmitRequest) (storage.TimeRequest, error) {
	if strings.TrimSpace(req.ChildID) == "" {
		return storage.TimeRequest{}, fmt.Errorf("child id is required: %w", ErrInvalidArgument)
	}
	if req.RequestedMinutes <= 0 {
		return storage.TimeRequest{}, fmt.Errorf("requested minutes must be positive, got %d: %w", req.RequestedMinutes, ErrInvalidArgument)
	}

	unlock := w.childLocks.Lock(req.ChildID)
	defer unlock()

	if _, err := w.ledger.Get(ctx, req.ChildID); err != nil {
		return storage.TimeRequest{}, err
	}

	if w.cfg.MaxPendingPerChild > 0 {
		pending, err := w.Pending(ctx, req.ChildID)
		if err != nil {
			return storage.TimeRequest{}, err
		}
		if len(pending) >= w.cfg.MaxPendingPerChild {
			return storage.TimeRequest{}, fmt.Errorf("child %s has %d pending: %w", req.ChildID, len(pending), ErrTooManyPending)
		}
	}

	saved, err := w.requests.Insert(ctx, storage.TimeRequest{
		ID:               w.ids.New(),
		ChildID:          req.ChildID,
		RequestedMinutes: req.RequestedMinutes,
		Reason:           req.Reason,
		AppID:            req.AppID,
		AppName:          req.AppName,
		Status:           storage.StatusPending,
		CreatedAt:        w.clock.Now().UTC(),
	})
	if err != nil {
		return storage.TimeRequest{}, gatewayError("insert request", err)
	}

	metrics.RequestsSubmitted.Inc()
	w.logger.Info().
		Str("request_id", saved.ID).
		Str("child_id", saved.ChildID).
		Int("requested_minutes", saved.RequestedMinutes).
		Msg("Extra time requested")

	return *saved, nil
}

// Pending lists the child's unresolved requests, oldest first.
func (w *Workflow) Pending(ctx context.Context, childID string) ([]storage.TimeRequest, error) {
	all, err := w.requests.ListByChild(ctx, childID)
	if err != nil {
		return nil, gatewayError("list requests", err)
	}

	pending := make([]storage.TimeRequest, 0, len(all))
	for _, r := range all {
		if r.Status == storage.StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// Resolve decides a pending request, applies the grant on approval, and
// records the outcome. Resolving an already resolved request returns the
// recorded decision without side effects. Oracle failures never surface as
// errors; they become a fallback denial.
//
// If the outcome cannot be recorded, Resolve returns the decision together
// with ErrPersistence. Retrying re-attempts only the write.
func (w *Workflow) Resolve(ctx context.Context, requestID string) (Decision, error) {
	if d, ok := w.resolved.Get(requestID); ok {
		return d, nil
	}

	unlock := w.requestLocks.Lock(requestID)
	defer unlock()

	// A concurrent caller may have finished while we waited
	if d, ok := w.resolved.Get(requestID); ok {
		return d, nil
	}

	req, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return Decision{}, gatewayError("get request", err)
	}

	if req.Status.Resolved() {
		d := decisionOf(req)
		w.resolved.Add(requestID, d)
		return d, nil
	}

	if d, ok := w.unsavedDecision(requestID); ok {
		return w.record(ctx, req, d)
	}

	q, err := w.ledger.Get(ctx, req.ChildID)
	if err != nil {
		return Decision{}, err
	}

	d := w.decide(ctx, req, q)

	if d.Status == storage.StatusApproved {
		if _, err := w.applier.Apply(ctx, req.ChildID, req.RequestedMinutes); err != nil {
			var pe *PartialApplyError
			if errors.As(err, &pe) && pe.Stage == StageClock {
				// The limit is raised; the next read reconciles the display
				w.logger.Warn().Err(err).Str("request_id", req.ID).Msg("Approved grant not reflected in live countdown")
			} else {
				w.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to apply approved grant, denying")
				d.Status = storage.StatusDenied
				d.Message = ApplyFailedMessage
			}
		}
	}

	metrics.DecisionsTotal.WithLabelValues(string(d.Status), strconv.FormatBool(d.Fallback)).Inc()

	return w.record(ctx, req, d)
}

// ResolveAsync runs Resolve in the background and delivers its result on
// the returned channel, which receives exactly one value.
func (w *Workflow) ResolveAsync(ctx context.Context, requestID string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		d, err := w.Resolve(ctx, requestID)
		out <- Result{Decision: d, Err: err}
	}()
	return out
}

// Expire denies a request that has waited too long. It reports whether the
// request was still pending. A decision that was already made but not yet
// recorded wins over expiry.
func (w *Workflow) Expire(ctx context.Context, requestID string) (bool, error) {
	unlock := w.requestLocks.Lock(requestID)
	defer unlock()

	req, err := w.requests.Get(ctx, requestID)
	if err != nil {
		return false, gatewayError("get request", err)
	}
	if req.Status.Resolved() {
		return false, nil
	}

	if d, ok := w.unsavedDecision(requestID); ok {
		_, err := w.record(ctx, req, d)
		return false, err
	}

	d := Decision{RequestID: requestID, Status: storage.StatusDenied, Message: ExpiredMessage}
	if _, err := w.record(ctx, req, d); err != nil {
		return false, err
	}

	metrics.RequestsExpired.Inc()
	w.logger.Info().
		Str("request_id", requestID).
		Str("child_id", req.ChildID).
		Time("created_at", req.CreatedAt).
		Msg("Pending request expired")

	return true, nil
}

// Flush retries recording decisions whose first write failed. It returns
// how many are still unsaved.
func (w *Workflow) Flush(ctx context.Context) int {
	w.mu.Lock()
	ids := make([]string, 0, len(w.unsaved))
	for id := range w.unsaved {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if _, err := w.Resolve(ctx, id); err != nil {
			w.logger.Warn().Err(err).Str("request_id", id).Msg("Decision still not recorded")
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unsaved)
}

// decide asks the oracle, falling back to a denial on any failure
func (w *Workflow) decide(ctx context.Context, req *storage.TimeRequest, q storage.ChildQuota) Decision {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.OracleTimeout)
	defer cancel()

	in := oracle.Input{
		RequestID:        req.ID,
		ChildID:          req.ChildID,
		ChildName:        q.Name,
		Age:              q.Age,
		TotalUsedMinutes: q.TotalUsedMinutes,
		LimitMinutes:     q.LimitMinutes,
		RequestedMinutes: req.RequestedMinutes,
		Reason:           req.Reason,
		AppName:          req.AppName,
	}

	fallback := Decision{RequestID: req.ID, Status: storage.StatusDenied, Message: FallbackMessage, Fallback: true}

	v, err := w.oracle.Decide(ctx, in)
	if err == nil {
		err = v.Validate()
	}
	if err != nil {
		w.logger.Warn().
			Err(fmt.Errorf("%w: %v", ErrOracleUnavailable, err)).
			Str("request_id", req.ID).
			Str("oracle", w.oracle.Name()).
			Msg("Oracle failed, using fallback denial")
		return fallback
	}

	status := storage.StatusDenied
	if v.Decision == oracle.Approved {
		status = storage.StatusApproved
	}

	w.logger.Info().
		Str("request_id", req.ID).
		Str("child_id", req.ChildID).
		Str("decision", string(status)).
		Str("oracle", w.oracle.Name()).
		Msg("Request decided")

	return Decision{RequestID: req.ID, Status: status, Message: v.Message}
}

// record persists the decision; must be called with the request lock held
func (w *Workflow) record(ctx context.Context, req *storage.TimeRequest, d Decision) (Decision, error) {
	err := w.requests.UpdateStatus(ctx, req.ID, d.Status, d.Message, w.clock.Now().UTC())

	switch {
	case err == nil:
		w.forgetUnsaved(req.ID)
		w.resolved.Add(req.ID, d)
		return d, nil

	case errors.Is(err, storage.ErrAlreadyResolved):
		// Resolved elsewhere; the stored outcome is authoritative
		w.forgetUnsaved(req.ID)
		stored, getErr := w.requests.Get(ctx, req.ID)
		if getErr != nil {
			return d, gatewayError("get request", getErr)
		}
		if stored.Status != d.Status {
			w.logger.Warn().
				Str("request_id", req.ID).
				Str("computed", string(d.Status)).
				Str("stored", string(stored.Status)).
				Msg("Request was resolved concurrently with a different outcome")
		}
		sd := decisionOf(stored)
		w.resolved.Add(req.ID, sd)
		return sd, nil

	default:
		w.mu.Lock()
		w.unsaved[req.ID] = d
		w.mu.Unlock()

		err = gatewayError("update status", err)
		w.logger.Error().
			Err(err).
			Str("request_id", req.ID).
			Str("status", string(d.Status)).
			Msg("Failed to record decision, will retry")
		return d, err
	}
}

func (w *Workflow) unsavedDecision(requestID string) (Decision, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.unsaved[requestID]
	return d, ok
}

func (w *Workflow) forgetUnsaved(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.unsaved, requestID)
}

func decisionOf(req *storage.TimeRequest) Decision {
	d := Decision{RequestID: req.ID, Status: req.Status, Message: req.DecisionMessage}
	if req.Status == storage.StatusDenied && req.DecisionMessage == FallbackMessage {
		d.Fallback = true
	}
	return d
}
