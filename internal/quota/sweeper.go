package quota

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
)

// Sweeper periodically expires stale pending requests and retries
// decisions that could not be recorded.
type Sweeper struct {
	workflow *Workflow
	requests storage.RequestStore
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewSweeper creates a sweeper. Requests pending for ttl or longer are denied.
func NewSweeper(workflow *Workflow, requests storage.RequestStore, ttl, interval time.Duration, clk clock.Clock, logger zerolog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sweeper{
		workflow: workflow,
		requests: requests,
		ttl:      ttl,
		interval: interval,
		clock:    clk,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sweeping in the background
func (s *Sweeper) Start() {
	s.started = true
	go s.run()
	s.logger.Info().
		Dur("pending_ttl", s.ttl).
		Dur("interval", s.interval).
		Msg("Pending request sweeper started")
}

// Stop stops the sweeper and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.started {
			<-s.done
		}
		s.logger.Info().Msg("Pending request sweeper stopped")
	})
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Sweep failed")
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// Sweep runs one pass and returns how many requests were expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if left := s.workflow.Flush(ctx); left > 0 {
		s.logger.Warn().Int("unsaved", left).Msg("Decisions still waiting to be recorded")
	}

	pending, err := s.requests.ListPending(ctx)
	if err != nil {
		return 0, gatewayError("list pending", err)
	}

	cutoff := s.clock.Now().Add(-s.ttl)
	expired := 0

	for _, req := range pending {
		if req.CreatedAt.After(cutoff) {
			continue
		}

		ok, err := s.workflow.Expire(ctx, req.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to expire request")
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("Sweep complete")
	}

	return expired, nil
}
