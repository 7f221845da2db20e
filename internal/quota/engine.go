package quota

import (
	"context"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/rs/zerolog"
)

// Options configures an Engine.
type Options struct {
	TickInterval       time.Duration
	MaxPendingPerChild int
	OracleTimeout      time.Duration
	DecisionCacheSize  int
	PendingTTL         time.Duration
	SweepInterval      time.Duration

	Clock clock.Clock
	IDs   clock.IDGenerator
}

// OptionsFromConfig converts the quota config section. oracleBudget bounds a
// whole oracle call (see oracle.Set.Budget).
func OptionsFromConfig(cfg config.QuotaConfig, oracleBudget time.Duration) Options {
	return Options{
		TickInterval:       config.ParseDuration(cfg.TickInterval, DefaultTickInterval),
		MaxPendingPerChild: cfg.MaxPendingPerChild,
		OracleTimeout:      oracleBudget,
		DecisionCacheSize:  cfg.DecisionCacheSize,
		PendingTTL:         config.ParseDuration(cfg.PendingTTL, 24*time.Hour),
		SweepInterval:      config.ParseDuration(cfg.SweepInterval, 5*time.Minute),
	}
}

// Engine wires the quota components over one store and oracle.
type Engine struct {
	Store    storage.Store
	Ledger   *Ledger
	Registry *Registry
	Applier  *Applier
	Workflow *Workflow
	Sweeper  *Sweeper
}

// NewEngine builds an engine. Nothing runs until Start.
func NewEngine(store storage.Store, o oracle.Oracle, opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = clock.UUIDGenerator{}
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}

	ledger := NewLedger(store.Quotas(), logger)
	registry := NewRegistry(ledger, opts.TickInterval, logger)
	applier := NewApplier(ledger, registry, opts.Clock, logger)

	workflow, err := NewWorkflow(store.Requests(), ledger, applier, o, opts.Clock, opts.IDs, WorkflowConfig{
		MaxPendingPerChild: opts.MaxPendingPerChild,
		OracleTimeout:      opts.OracleTimeout,
		DecisionCacheSize:  opts.DecisionCacheSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		Store:    store,
		Ledger:   ledger,
		Registry: registry,
		Applier:  applier,
		Workflow: workflow,
		Sweeper:  NewSweeper(workflow, store.Requests(), opts.PendingTTL, opts.SweepInterval, opts.Clock, logger),
	}, nil
}

// Start launches background work
func (e *Engine) Start() {
	e.Sweeper.Start()
}

// Stop halts background work and closes every live countdown
func (e *Engine) Stop() {
	e.Sweeper.Stop()
	e.Registry.Stop()
}

// Family returns a parent's children with their quotas and requests.
func (e *Engine) Family(ctx context.Context, parentID string) ([]storage.ChildQuota, error) {
	children, err := e.Store.Quotas().ReadFamily(ctx, parentID)
	if err != nil {
		return nil, gatewayError("read family", err)
	}
	return children, nil
}
