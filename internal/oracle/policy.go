package oracle

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed policies/decision.rego
var defaultPolicy string

const decisionQuery = "data.kquota.decision"

// PolicyOracle evaluates a rego policy over the request.
type PolicyOracle struct {
	policyDir     string
	maxDailyBonus int
	logger        zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewPolicyOracle loads *.rego from policyDir, or the built-in policy when
// policyDir is empty.
func NewPolicyOracle(policyDir string, maxDailyBonus int, logger zerolog.Logger) (*PolicyOracle, error) {
	o := &PolicyOracle{
		policyDir:     policyDir,
		maxDailyBonus: maxDailyBonus,
		logger:        logger.With().Str("component", "policy-oracle").Logger(),
	}

	if err := o.Reload(); err != nil {
		return nil, err
	}

	return o, nil
}

func (o *PolicyOracle) Name() string { return "policy" }

// Reload re-reads and re-prepares the policy. Evaluations in flight keep the
// previous query.
func (o *PolicyOracle) Reload() error {
	modules, err := o.loadModules()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare decision query: %w", err)
	}

	o.mu.Lock()
	o.query = query
	o.mu.Unlock()

	o.logger.Info().Int("modules", len(modules)).Str("policy_dir", o.policyDir).Msg("Decision policy loaded")
	return nil
}

// loadModules returns module sources keyed by file name
func (o *PolicyOracle) loadModules() (map[string]string, error) {
	if o.policyDir == "" {
		if _, err := ast.ParseModule("decision.rego", defaultPolicy); err != nil {
			return nil, fmt.Errorf("failed to parse built-in policy: %w", err)
		}
		return map[string]string{"decision.rego": defaultPolicy}, nil
	}

	files, err := filepath.Glob(filepath.Join(o.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", o.policyDir)
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = string(content)
		o.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// Decide evaluates data.kquota.decision with the request as input.
func (o *PolicyOracle) Decide(ctx context.Context, in Input) (Verdict, error) {
	input := map[string]interface{}{
		"request_id":         in.RequestID,
		"child_id":           in.ChildID,
		"child_name":         in.ChildName,
		"age":                in.Age,
		"total_used_minutes": in.TotalUsedMinutes,
		"limit_minutes":      in.LimitMinutes,
		"requested_minutes":  in.RequestedMinutes,
		"reason":             in.Reason,
		"app_name":           in.AppName,
		"max_daily_bonus":    o.maxDailyBonus,
	}

	o.mu.RLock()
	query := o.query
	o.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Verdict{}, fmt.Errorf("%w: policy evaluation failed: %v", ErrUnavailable, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{}, fmt.Errorf("%w: policy produced no decision", ErrInvalidOutput)
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}

	return v, nil
}
