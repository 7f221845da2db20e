package oracle

import (
	"context"
	"time"

	"github.com/goodtune/kquota/internal/metrics"
)

type instrumented struct {
	Oracle
}

// Instrument records latency and failures of o in the kquota_oracle_* metrics.
func Instrument(o Oracle) Oracle {
	return instrumented{Oracle: o}
}

func (i instrumented) Decide(ctx context.Context, in Input) (Verdict, error) {
	start := time.Now()
	v, err := i.Oracle.Decide(ctx, in)
	metrics.OracleDuration.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleErrors.WithLabelValues(i.Name()).Inc()
	}
	return v, err
}
