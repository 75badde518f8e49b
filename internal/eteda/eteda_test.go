package eteda

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/appctx"
	"tradecore/internal/bridge"
	"tradecore/internal/broker"
	"tradecore/internal/execmode"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
	"tradecore/internal/schema"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeGuard struct{ res schema.GuardResult }

func (g fakeGuard) CheckBeforeExtract(string) schema.GuardResult { return g.res }

type harness struct {
	runner   *Runner
	layer    *safety.Layer
	recorder *safety.Recorder
	mock     *broker.MockAdapter
}

type harnessOpts struct {
	guard     SchemaGuard
	strategy  Strategy
	policy    risk.Policy
	portfolio Portfolio
	opts      Options
	live      bool
}

func newHarness(t *testing.T, h harnessOpts) harness {
	t.Helper()
	rec := &safety.Recorder{}
	layer := safety.NewLayer(nil, rec, safety.LayerOptions{Clock: func() time.Time { return now }}, zerolog.Nop())
	if h.policy.Stage == "" {
		h.policy = risk.Policy{MaxOrderQty: 10, Stage: risk.StageBlock}
	}
	gate, err := risk.NewGate(h.policy, nil, zerolog.Nop())
	require.NoError(t, err)
	if h.strategy == nil {
		h.strategy = PayloadStrategy{}
	}
	if h.guard == nil {
		h.guard = fakeGuard{schema.GuardResult{Allowed: true, Reason: schema.GuardOK}}
	}
	if h.live {
		h.opts.Mode = func() execmode.Decision {
			return execmode.DecideStrings("LIVE", "true", execmode.LiveAckSentinel)
		}
	}
	h.opts.Clock = func() time.Time { return now }
	mock := broker.NewMockAdapter(broker.Options{})
	r, err := NewRunner(Deps{
		Schema:    h.guard,
		Layer:     layer,
		Portfolio: h.portfolio,
		Strategy:  h.strategy,
		Risk:      gate,
		Broker:    bridge.NewLiveBroker(mock, nil, zerolog.Nop()),
	}, h.opts, zerolog.Nop())
	require.NoError(t, err)
	return harness{runner: r, layer: layer, recorder: rec, mock: mock}
}

func snapshot(inputs map[string]any, intents ...map[string]any) Snapshot {
	return Snapshot{
		Timestamp:   now,
		Context:     SnapshotContext{Symbol: "005930", StrategyID: "s1"},
		Observation: Observation{Inputs: inputs, Intents: intents},
	}
}

func buy(qty any) map[string]any { return map[string]any{"side": "BUY", "qty": qty} }

func TestSchemaMismatchBlocksExtract(t *testing.T) {
	h := newHarness(t, harnessOpts{guard: fakeGuard{schema.GuardResult{
		Allowed: false, Reason: schema.GuardVersionMismatch, Expected: "2.0", Current: "1.5",
	}}})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 1.0}, buy(1)))
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, safety.FS001, res.Code)
	assert.Equal(t, safety.StageExtract, res.Stage)

	events := h.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, safety.FS001, events[0].Code)
	assert.Equal(t, "schema_version_mismatch", events[0].Meta["reason"])
	assert.Equal(t, safety.StateFail, h.layer.Machine().State())
	assert.Zero(t, h.mock.Calls())
}

func TestMissingPriceSkips(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{}, buy(1)))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonNoMarketData, res.Reason)
	assert.Empty(t, h.recorder.Events())
	assert.Equal(t, safety.StateNormal, h.layer.Machine().State())
}

func TestPaperCycleSubmitsDryRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": json.Number("70000")}, buy(2)))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.ActResult, 1)
	assert.True(t, res.ActResult[0].Accepted)
	assert.Equal(t, broker.MockBrokerID, res.ActResult[0].BrokerID)
	require.NotNil(t, res.Mode)
	assert.Equal(t, execmode.ReasonModeNotLive, res.Mode.Reason)
	assert.Empty(t, h.recorder.Events())
}

func TestTransformInvariants(t *testing.T) {
	cases := []struct {
		name   string
		inputs map[string]any
		code   string
	}{
		{"nan input", map[string]any{"price": 10.0, "vwap": "NaN"}, safety.FS020},
		{"inf price", map[string]any{"price": "+Inf"}, safety.FS020},
		{"equity", map[string]any{"price": 10.0, "equity": 0}, safety.FS050},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			res, err := h.runner.RunOnce(context.Background(), snapshot(c.inputs, buy(1)))
			require.NoError(t, err)
			assert.Equal(t, StatusError, res.Status)
			assert.Equal(t, c.code, res.Code)
			assert.Equal(t, safety.StageTransform, res.Stage)
		})
	}
}

func TestLedgerMismatchIsFS070(t *testing.T) {
	p := NewMemoryPortfolio(Balances{Equity: 1000, Cash: 1000})
	p.Book("005930", 3, 10)
	p.SetBrokerPosition("005930", 2)
	h := newHarness(t, harnessOpts{portfolio: p})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}, buy(1)))
	require.NoError(t, err)
	assert.Equal(t, safety.FS070, res.Code)
}

func TestStrategyErrorIsFS030(t *testing.T) {
	h := newHarness(t, harnessOpts{strategy: StrategyFunc(func(context.Context, MarketData, Snapshot) ([]order.Intent, error) {
		return nil, errors.New("model unavailable")
	})})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}))
	require.NoError(t, err)
	assert.Equal(t, safety.FS030, res.Code)
	assert.Equal(t, safety.StageEvaluate, res.Stage)
}

func TestRiskBlockingEverythingIsGuardrail(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: risk.Policy{MaxOrderQty: 1, Stage: risk.StageBlock}})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}, buy(5)))
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, safety.GR030, res.Code)
	require.Len(t, res.RiskEvents, 1)

	events := h.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, safety.LevelWarning, events[0].Level)
	// guardrails do not move the state machine
	assert.Equal(t, safety.StateNormal, h.layer.Machine().State())
}

func TestRiskReduceToZeroIsQtyNonPositive(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: risk.Policy{MaxOrderQty: 1, Stage: risk.StageReduce, ReduceToQty: 0}})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}, buy(5)))
	require.NoError(t, err)
	assert.Equal(t, safety.GExeQtyNonPositive, res.Code)
	assert.Equal(t, safety.StageDecide, res.Stage)
}

func TestLimitPriceDeviationIsGR040(t *testing.T) {
	h := newHarness(t, harnessOpts{opts: Options{PriceTolerancePct: 5}})
	intent := map[string]any{"side": "BUY", "qty": 1, "order_type": "LIMIT", "limit_price": 80000}
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 70000}, intent))
	require.NoError(t, err)
	assert.Equal(t, safety.GR040, res.Code)
}

func TestKillSwitchSkipsCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.layer.SetKillSwitch(true)
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}, buy(1)))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, ReasonSafetyGate, res.Reason)
}

func TestSafeModeNeverSubmits(t *testing.T) {
	h := newHarness(t, harnessOpts{live: true})
	h.layer.SetSafeMode(true)
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}, buy(1)))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, ReasonSafeMode, res.Reason)
	assert.Zero(t, h.mock.Calls())
}

func TestBrokerRejectIsFS040AndHaltsNextCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{live: true})
	h.mock.Respond = func(req order.OrderRequest) (order.OrderResponse, error) {
		return order.OrderResponse{Status: order.StatusRejected, Message: "insufficient margin"}, nil
	}
	snap := snapshot(map[string]any{"price": 10.0}, buy(1))

	res, err := h.runner.RunOnce(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, safety.FS040, res.Code)
	assert.Equal(t, safety.StageAct, res.Stage)
	require.Len(t, res.ActResult, 1)
	assert.False(t, res.ActResult[0].Accepted)
	assert.Equal(t, safety.StateFail, h.layer.Machine().State())

	res, err = h.runner.RunOnce(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, 1, h.mock.Calls())
}

func TestPriceJumpIsAnomalyOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{opts: Options{MaxPriceJumpPct: 10, MaxSnapshotAge: time.Minute}})
	snap := snapshot(map[string]any{"price": 120.0, "prev_price": 100.0}, buy(1))
	snap.Timestamp = now.Add(-2 * time.Minute)

	res, err := h.runner.RunOnce(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []string{safety.AN001, safety.AN002}, res.Anomalies)
	assert.Equal(t, safety.StateWarning, h.layer.Machine().State())
	assert.True(t, h.layer.Machine().IsTradingAllowed())
}

func TestBlockOnAnomalyGuardsExecution(t *testing.T) {
	h := newHarness(t, harnessOpts{opts: Options{MaxPriceJumpPct: 10, BlockOnAnomaly: true}})
	res, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 120.0, "prev_price": 100.0}, buy(1)))
	require.NoError(t, err)
	assert.Equal(t, safety.GExeAnomaly, res.Code)
	assert.Zero(t, h.mock.Calls())
}

func TestStagePanicSurfacesAsError(t *testing.T) {
	h := newHarness(t, harnessOpts{strategy: StrategyFunc(func(context.Context, MarketData, Snapshot) ([]order.Intent, error) {
		panic("bad strategy")
	})})
	_, err := h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}))
	assert.ErrorIs(t, err, ErrStagePanic)
}

func TestRunnerNeverOverlaps(t *testing.T) {
	var active, peak int32
	h := newHarness(t, harnessOpts{strategy: StrategyFunc(func(context.Context, MarketData, Snapshot) ([]order.Intent, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	})})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.runner.RunOnce(context.Background(), snapshot(map[string]any{"price": 10.0}))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}

type failingRunner struct{ calls int }

func (f *failingRunner) RunOnce(context.Context, Snapshot) (Result, error) {
	f.calls++
	return Result{}, errors.New("boom")
}

type recordingSleeper struct{ slept []time.Duration }

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

func staticProvider() SnapshotProvider {
	return ProviderFunc(func(context.Context) (Snapshot, error) {
		return snapshot(map[string]any{"price": 10.0}), nil
	})
}

func TestLoopBackoffTermination(t *testing.T) {
	for _, retries := range []int{0, 1, 3, 20} {
		fr := &failingRunner{}
		s := &recordingSleeper{}
		loop := NewLoop(fr, staticProvider(), LoopOptions{
			Policy: func() Policy { return NewPolicy(100, 500, retries) },
			Sleep:  s.sleep,
		}, zerolog.Nop())

		err := loop.Run(context.Background())
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, retries+1, fr.calls)
		assert.Len(t, s.slept, retries)
		for _, d := range s.slept {
			assert.Equal(t, 500*time.Millisecond, d)
		}
	}
}

type countingObserver struct {
	cycles []appctx.CycleRecord
	safety []safety.Snapshot
}

func (o *countingObserver) ObserveCycle(r appctx.CycleRecord) { o.cycles = append(o.cycles, r) }
func (o *countingObserver) ObserveSafety(s safety.Snapshot) { o.safety = append(o.safety, s) }

func TestLoopStopsAndObserves(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	obs := &countingObserver{}
	s := &recordingSleeper{}
	cycles := 0
	loop := NewLoop(h.runner, ProviderFunc(func(context.Context) (Snapshot, error) {
		cycles++
		return snapshot(map[string]any{"price": 10.0}, buy(1)), nil
	}), LoopOptions{
		ShouldStop: func() bool { return cycles >= 3 },
		Observer:   obs,
		Safety:     h.layer,
		Sleep:      s.sleep,
	}, zerolog.Nop())

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, 3, cycles)
	require.Len(t, obs.cycles, 3)
	assert.Equal(t, StatusOK, obs.cycles[0].Status)
	assert.Len(t, obs.safety, 3)
	// no sleep after the stop condition is seen
	assert.Equal(t, []time.Duration{time.Second, time.Second}, s.slept)
}

func TestLoopMaxIterationsAndErrorReset(t *testing.T) {
	calls := 0
	runner := runnerFunc(func() (Result, error) {
		calls++
		if calls%2 == 1 {
			return Result{}, errors.New("odd")
		}
		return Result{Status: StatusOK}, nil
	})
	s := &recordingSleeper{}
	loop := NewLoop(runner, staticProvider(), LoopOptions{
		Policy:        func() Policy { return NewPolicy(100, 500, 0) },
		MaxIterations: 2,
		Sleep:         s.sleep,
	}, zerolog.Nop())
	// zero retries exits on the first error
	assert.ErrorIs(t, loop.Run(context.Background()), ErrRetriesExhausted)
	assert.Equal(t, 1, calls)

	calls = 1
	loop = NewLoop(runner, staticProvider(), LoopOptions{
		Policy:        func() Policy { return NewPolicy(100, 500, 1) },
		MaxIterations: 4,
		Sleep:         s.sleep,
	}, zerolog.Nop())
	assert.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, 5, calls)
}

type runnerFunc func() (Result, error)

func (f runnerFunc) RunOnce(context.Context, Snapshot) (Result, error) { return f() }

type heldLock struct{}

func (heldLock) TryLock(context.Context) (func(), bool, error) { return nil, false, nil }

func TestLoopSkipsWhenLockHeld(t *testing.T) {
	fr := &failingRunner{}
	loop := NewLoop(fr, staticProvider(), LoopOptions{
		Lock:          heldLock{},
		MaxIterations: 3,
		Sleep:         (&recordingSleeper{}).sleep,
	}, zerolog.Nop())
	require.NoError(t, loop.Run(context.Background()))
	assert.Zero(t, fr.calls)
}

func TestPolicyClamps(t *testing.T) {
	assert.Equal(t, Policy{Interval: time.Second, ErrorBackoff: 5 * time.Second, MaxRetries: 3}, DefaultPolicy())
	p := NewPolicy(1, 1, -4)
	assert.Equal(t, 100*time.Millisecond, p.Interval)
	assert.Equal(t, 500*time.Millisecond, p.ErrorBackoff)
	assert.Equal(t, 0, p.MaxRetries)
	p = NewPolicy(10_000_000, 90_000, 99)
	assert.Equal(t, time.Hour, p.Interval)
	assert.Equal(t, time.Minute, p.ErrorBackoff)
	assert.Equal(t, 20, p.MaxRetries)
}

type mapGetter map[string]any

func (m mapGetter) GetFlat(name string, def any) any {
	if v, ok := m[name]; ok {
		return v
	}
	return def
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFrom(mapGetter{"INTERVAL_MS": "250", "ERROR_BACKOFF_MS": "abc", "ERROR_BACKOFF_MAX_RETRIES": 7})
	assert.Equal(t, 250*time.Millisecond, p.Interval)
	assert.Equal(t, 5*time.Second, p.ErrorBackoff)
	assert.Equal(t, 7, p.MaxRetries)
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"context": {"symbol": "005930", "strategy_id": "s1"},
		"observation": {"inputs": {"price": 70100}, "intents": [{"side": "SELL", "qty": 1}]}
	}`), 0o644))

	p := NewFileProvider(path)
	p.now = func() time.Time { return now }
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, snap.Timestamp)
	assert.Equal(t, json.Number("70100"), snap.Observation.Inputs["price"])
	require.Len(t, snap.Observation.Intents, 1)

	_, err = NewFileProvider(filepath.Join(t.TempDir(), "missing.json")).Snapshot(context.Background())
	assert.Error(t, err)
}
