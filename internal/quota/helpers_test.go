package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/storage/memory"
	"github.com/goodtune/kquota/internal/storage/storagetest"
)

var testStart = time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)

// fakeOracle returns a fixed verdict. With a gate set, Decide blocks until
// the gate is closed or ctx ends.
type fakeOracle struct {
	mu      sync.Mutex
	verdict oracle.Verdict
	err     error
	gate    chan struct{}
	calls   atomic.Int32
	inputs  []oracle.Input
}

func approving(msg string) *fakeOracle {
	return &fakeOracle{verdict: oracle.Verdict{Decision: oracle.Approved, Message: msg}}
}

func denying(msg string) *fakeOracle {
	return &fakeOracle{verdict: oracle.Verdict{Decision: oracle.Denied, Message: msg}}
}

func (f *fakeOracle) Name() string { return "fake" }

func (f *fakeOracle) Decide(ctx context.Context, in oracle.Input) (oracle.Verdict, error) {
	f.calls.Add(1)

	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return oracle.Verdict{}, ctx.Err()
		}
	}
	return f.verdict, f.err
}

func (f *fakeOracle) lastInput() oracle.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

type harness struct {
	store  *storagetest.FailingStore
	engine *Engine
	clock  *clock.TestClock
	oracle *fakeOracle
}

type harnessOption func(*Options)

func withMaxPending(n int) harnessOption {
	return func(o *Options) { o.MaxPendingPerChild = n }
}

func withOracleTimeout(d time.Duration) harnessOption {
	return func(o *Options) { o.OracleTimeout = d }
}

func withTickInterval(d time.Duration) harnessOption {
	return func(o *Options) { o.TickInterval = d }
}

// newHarness seeds child_1 with 145 of 180 minutes used. Countdowns never
// tick on their own unless withTickInterval is given; tests call Tick.
func newHarness(t *testing.T, o *fakeOracle, opts ...harnessOption) *harness {
	t.Helper()

	store := storagetest.NewFailingStore(memory.New())
	require.NoError(t, store.Quotas().UpsertChild(context.Background(), storagetest.NewChild("child_1")))

	clk := clock.NewTestClock(testStart)
	options := Options{
		TickInterval:  time.Hour,
		OracleTimeout: time.Second,
		PendingTTL:    time.Hour,
		SweepInterval: time.Hour,
		Clock:         clk,
		IDs:           &clock.SequenceGenerator{Prefix: "req"},
	}
	for _, opt := range opts {
		opt(&options)
	}

	engine, err := NewEngine(store, o, options, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return &harness{store: store, engine: engine, clock: clk, oracle: o}
}

func (h *harness) submit(t *testing.T, minutes int) string {
	t.Helper()
	req, err := h.engine.Workflow.Submit(context.Background(), SubmitRequest{
		ChildID:          "child_1",
		RequestedMinutes: minutes,
		Reason:           "finish homework video",
		AppName:          "YouTube",
	})
	require.NoError(t, err)
	return req.ID
}

func (h *harness) limit(t *testing.T) int {
	t.Helper()
	q, err := h.store.Quotas().GetQuota(context.Background(), "child_1")
	require.NoError(t, err)
	return q.LimitMinutes
}

func tickN(cd *Countdown, n int) {
	for i := 0; i < n; i++ {
		cd.Tick()
	}
}
