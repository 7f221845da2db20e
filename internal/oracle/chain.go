package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Chain asks each oracle in turn and returns the first verdict.
type Chain struct {
	oracles []Oracle
	logger  zerolog.Logger
}

// NewChain creates a chain over oracles, tried in order.
func NewChain(logger zerolog.Logger, oracles ...Oracle) *Chain {
	return &Chain{
		oracles: oracles,
		logger:  logger.With().Str("component", "oracle-chain").Logger(),
	}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.oracles))
	for i, o := range c.oracles {
		names[i] = o.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Decide(ctx context.Context, in Input) (Verdict, error) {
	if len(c.oracles) == 0 {
		return Verdict{}, fmt.Errorf("%w: empty chain", ErrUnavailable)
	}

	var errs []error
	for _, o := range c.oracles {
		v, err := o.Decide(ctx, in)
		if err == nil {
			return v, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))

		c.logger.Debug().Err(err).Str("oracle", o.Name()).Str("request_id", in.RequestID).Msg("Oracle failed, trying next")

		if ctx.Err() != nil {
			break
		}
	}

	return Verdict{}, errors.Join(errs...)
}
