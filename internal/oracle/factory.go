package oracle

import (
	"fmt"
	"time"

	"github.com/goodtune/kquota/internal/config"
	"github.com/rs/zerolog"
)

// Set is the oracle built from configuration, plus the handles the daemon
// needs to drive individual members.
type Set struct {
	Oracle Oracle
	Parent *ParentOracle // nil unless a parent oracle is configured
	Policy *PolicyOracle // nil unless a policy oracle is configured

	// Budget bounds a whole Decide call across every member.
	Budget time.Duration
}

// New builds the oracle selected by cfg.Source.
func New(cfg config.OracleConfig, logger zerolog.Logger) (*Set, error) {
	timeout := config.ParseDuration(cfg.Timeout, 10*time.Second)
	parentWait := config.ParseDuration(cfg.ParentWait, 2*time.Minute)

	set := &Set{}

	build := func(name string) (Oracle, time.Duration, error) {
		switch name {
		case "llm":
			return NewLLMOracle(LLMConfig{
				Endpoint:    cfg.LLM.Endpoint,
				Model:       cfg.LLM.Model,
				APIKey:      cfg.LLM.APIKey,
				MaxRetries:  cfg.LLM.MaxRetries,
				Temperature: cfg.LLM.Temperature,
				Timeout:     timeout,
			}, logger), timeout, nil
		case "policy":
			p, err := NewPolicyOracle(cfg.PolicyDir, cfg.MaxDailyBonus, logger)
			if err != nil {
				return nil, 0, err
			}
			set.Policy = p
			return p, timeout, nil
		case "parent":
			set.Parent = NewParentOracle(parentWait, 64, logger)
			return set.Parent, parentWait, nil
		default:
			return nil, 0, fmt.Errorf("unknown oracle: %s", name)
		}
	}

	if cfg.Source != "chain" {
		o, budget, err := build(cfg.Source)
		if err != nil {
			return nil, err
		}
		set.Oracle = Instrument(o)
		set.Budget = budget
		return set, nil
	}

	members := make([]Oracle, 0, len(cfg.Chain))
	for _, name := range cfg.Chain {
		o, budget, err := build(name)
		if err != nil {
			return nil, err
		}
		members = append(members, Instrument(o))
		set.Budget += budget
	}
	set.Oracle = NewChain(logger, members...)

	return set, nil
}
