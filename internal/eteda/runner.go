// Package eteda runs the Extract, Transform, Evaluate, Decide, Act pipeline
// once per cycle and drives it periodically.
package eteda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bridge"
	"tradecore/internal/execmode"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
	"tradecore/internal/schema"
)

// Cycle statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Skip and completion reasons.
const (
	ReasonSafetyGate   = "safety_gate"
	ReasonNoMarketData = "no_market_data"
	ReasonNoIntents    = "no_intents"
	ReasonSafeMode     = "safe_mode"
)

// ErrStagePanic wraps a panic recovered inside a stage.
var ErrStagePanic = errors.New("eteda: stage panicked")

// SchemaGuard is the part of the schema registry Extract consults.
type SchemaGuard interface {
	CheckBeforeExtract(expected string) schema.GuardResult
}

// Result is the outcome of one cycle.
type Result struct {
	Status     string                    `json:"status"`
	Symbol     string                    `json:"symbol,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	Code       string                    `json:"code,omitempty"`
	Stage      safety.Stage              `json:"stage,omitempty"`
	ActResult  []order.ExecutionResponse `json:"act_result,omitempty"`
	RiskEvents []risk.Event              `json:"risk_events,omitempty"`
	Anomalies  []string                  `json:"anomalies,omitempty"`
	Mode       *execmode.Decision        `json:"mode,omitempty"`
}

// Options tune the runner.
type Options struct {
	ExpectedSchemaVersion string
	MaxSnapshotAge        time.Duration
	MaxPriceJumpPct       float64
	PriceTolerancePct     float64
	LatencyBudget         time.Duration
	BlockOnAnomaly        bool
	ForceDryRun           bool
	TradingEnabled        func() bool
	Mode                  func() execmode.Decision
	OnFill                FillFunc
	Clock                 func() time.Time
}

// Deps are the collaborators of the runner. Layer, Strategy and Broker are required.
type Deps struct {
	Schema     SchemaGuard
	Layer      *safety.Layer
	Portfolio  Portfolio
	Strategy   Strategy
	Risk       *risk.Gate
	Calculated *risk.CalculatedGate
	Broker     *bridge.LiveBroker
}

// Runner executes one cycle at a time.
type Runner struct {
	mu         sync.Mutex
	schema     SchemaGuard
	layer      *safety.Layer
	portfolio  Portfolio
	strategy   Strategy
	risk       *risk.Gate
	calculated *risk.CalculatedGate
	broker     *bridge.LiveBroker
	opts       Options
	onFill     FillFunc
	now        func() time.Time
	logger     zerolog.Logger
}

// NewRunner validates deps.
func NewRunner(deps Deps, opts Options, logger zerolog.Logger) (*Runner, error) {
	switch {
	case deps.Layer == nil:
		return nil, errors.New("eteda: safety layer is required")
	case deps.Strategy == nil:
		return nil, errors.New("eteda: strategy is required")
	case deps.Broker == nil:
		return nil, errors.New("eteda: broker is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Runner{
		schema:     deps.Schema,
		layer:      deps.Layer,
		portfolio:  deps.Portfolio,
		strategy:   deps.Strategy,
		risk:       deps.Risk,
		calculated: deps.Calculated,
		broker:     deps.Broker,
		opts:       opts,
		onFill:     opts.OnFill,
		now:        now,
		logger:     logger.With().Str("component", "eteda_runner").Logger(),
	}, nil
}

func (r *Runner) mode() execmode.Decision {
	if r.opts.Mode == nil {
		return execmode.Decide(nil, nil, nil)
	}
	return r.opts.Mode()
}

// RunOnce executes the five stages in order against snap. Blocked stages end
// the cycle with status "error" after the safety layer has been updated. An
// error is returned only when a stage panicked.
func (r *Runner) RunOnce(ctx context.Context, snap Snapshot) (res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res = Result{Symbol: snap.Context.Symbol}
	if !r.layer.ShouldRun() {
		res.Status = StatusSkipped
		res.Reason = ReasonSafetyGate
		return res, nil
	}

	recorded := map[string]bool{}
	record := func(sr safety.Result, stage safety.Stage) {
		if recorded[sr.Code] {
			return
		}
		recorded[sr.Code] = true
		if sr.Kind == safety.KindFailSafe {
			sr.Stage = stage
		}
		r.layer.Record(ctx, sr)
	}
	fail := func(sr safety.Result, stage safety.Stage) Result {
		record(sr, stage)
		res.Status = StatusError
		res.Code = sr.Code
		res.Stage = stage
		res.Reason = sr.Message
		r.logger.Warn().Str("symbol", res.Symbol).Str("code", sr.Code).Str("stage", string(stage)).Msg(sr.Message)
		return res
	}

	var (
		md      MarketData
		skip    bool
		blocked safety.Result
	)
	if perr := guard(safety.StageExtract, func() { md, blocked, skip = r.extract(ctx, snap) }); perr != nil {
		return res, perr
	}
	if blocked.Blocked {
		return fail(blocked, safety.StageExtract), nil
	}
	if skip {
		res.Status = StatusSkipped
		res.Reason = ReasonNoMarketData
		return res, nil
	}
	if res.Symbol == "" {
		res.Symbol = md.Symbol
	}

	var anomalies []safety.Result
	if perr := guard(safety.StageTransform, func() { blocked, anomalies = r.transform(md, r.now()) }); perr != nil {
		return res, perr
	}
	if blocked.Blocked {
		return fail(blocked, safety.StageTransform), nil
	}
	for _, a := range anomalies {
		record(a, safety.StageTransform)
		res.Anomalies = append(res.Anomalies, a.Code)
	}

	var ev Evaluation
	if perr := guard(safety.StageEvaluate, func() { ev, blocked = r.evaluate(ctx, md, snap) }); perr != nil {
		return res, perr
	}
	res.RiskEvents = ev.RiskEvents
	if blocked.Blocked {
		return fail(blocked, safety.StageEvaluate), nil
	}

	var plan Plan
	if perr := guard(safety.StageDecide, func() { plan, blocked = r.decide(md, ev) }); perr != nil {
		return res, perr
	}
	res.Mode = &plan.Mode
	if blocked.Blocked {
		return fail(blocked, safety.StageDecide), nil
	}

	var (
		responses  []order.ExecutionResponse
		actAnomaly []safety.Result
		reason     string
	)
	if perr := guard(safety.StageAct, func() { responses, blocked, actAnomaly, reason = r.act(ctx, plan) }); perr != nil {
		return res, perr
	}
	res.ActResult = responses
	for _, a := range actAnomaly {
		record(a, safety.StageAct)
		res.Anomalies = append(res.Anomalies, a.Code)
	}
	if blocked.Blocked {
		return fail(blocked, safety.StageAct), nil
	}

	res.Status = StatusOK
	res.Reason = reason
	r.logger.Debug().
		Str("symbol", res.Symbol).
		Int("submitted", len(responses)).
		Bool("dry_run", plan.DryRun).
		Str("mode", string(plan.Mode.Mode)).
		Msg("cycle complete")
	return res, nil
}

func guard(stage safety.Stage, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrStagePanic, stage, p)
		}
	}()
	fn()
	return nil
}
