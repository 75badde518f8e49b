package eteda

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"tradecore/internal/bridge"
	"tradecore/internal/execmode"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
)

// MarketData is the Extract output.
type MarketData struct {
	Symbol     string
	StrategyID string
	AsOf       time.Time
	Price      float64
	PrevPrice  *float64
	Inputs     map[string]float64
	Positions  map[string]float64
	Ledger     map[string]float64
	Balances   *Balances
}

// Evaluation is the Evaluate output.
type Evaluation struct {
	Proposed   int
	Intents    []order.Intent
	RiskEvents []risk.Event
}

// Plan is the Decide output.
type Plan struct {
	Intents []order.Intent
	Mode    execmode.Decision
	DryRun  bool
}

const positionTolerance = 1e-9

func (r *Runner) extract(ctx context.Context, snap Snapshot) (MarketData, safety.Result, bool) {
	if r.schema != nil {
		g := r.schema.CheckBeforeExtract(r.opts.ExpectedSchemaVersion)
		if !g.Allowed {
			return MarketData{}, safety.Block(safety.FS001, map[string]any{
				"reason":   g.Reason,
				"expected": g.Expected,
				"current":  g.Current,
			}), false
		}
	}

	md := MarketData{
		Symbol:     snap.Context.Symbol,
		StrategyID: snap.Context.StrategyID,
		AsOf:       snap.Timestamp,
		Inputs:     map[string]float64{},
	}
	rawPrice, ok := snap.Observation.Inputs["price"]
	if !ok || rawPrice == nil {
		return md, safety.Pass(), true
	}
	price, err := cast.ToFloat64E(rawPrice)
	if err != nil {
		return md, safety.Block(safety.FS010, map[string]any{"field": "price", "detail": err.Error()}), false
	}
	md.Price = price
	for k, v := range snap.Observation.Inputs {
		if f, err := cast.ToFloat64E(v); err == nil {
			md.Inputs[k] = f
		}
	}
	if prev, ok := md.Inputs["prev_price"]; ok {
		md.PrevPrice = &prev
	}

	md.Positions = map[string]float64{}
	for k, v := range snap.Observation.Positions {
		if f, err := cast.ToFloat64E(v); err == nil {
			md.Positions[k] = f
		}
	}
	if r.portfolio != nil {
		positions, err := r.portfolio.Positions(ctx)
		if err != nil {
			return md, safety.Block(safety.FS010, map[string]any{"field": "positions", "detail": err.Error()}), false
		}
		for k, v := range positions {
			md.Positions[k] = v
		}
		ledger, err := r.portfolio.Ledger(ctx)
		if err != nil {
			return md, safety.Block(safety.FS010, map[string]any{"field": "ledger", "detail": err.Error()}), false
		}
		md.Ledger = ledger
		b, err := r.portfolio.Balances(ctx)
		if err != nil {
			return md, safety.Block(safety.FS010, map[string]any{"field": "balances", "detail": err.Error()}), false
		}
		md.Balances = &b
	} else if eq, ok := md.Inputs["equity"]; ok {
		b := Balances{Equity: eq, Cash: md.Inputs["cash"]}
		md.Balances = &b
	}
	return md, safety.Pass(), false
}

// transform returns a blocking result for invariant violations plus any
// anomalies observed.
func (r *Runner) transform(md MarketData, now time.Time) (safety.Result, []safety.Result) {
	keys := make([]string, 0, len(md.Inputs))
	for k := range md.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if !finite(md.Price) {
		return safety.Block(safety.FS020, map[string]any{"field": "price"}), nil
	}
	for _, k := range keys {
		if !finite(md.Inputs[k]) {
			return safety.Block(safety.FS020, map[string]any{"field": k}), nil
		}
	}
	if md.Balances != nil {
		if !finite(md.Balances.Equity) || !finite(md.Balances.Cash) {
			return safety.Block(safety.FS020, map[string]any{"field": "balances"}), nil
		}
		if md.Balances.Equity <= 0 {
			return safety.Block(safety.FS050, map[string]any{"equity": md.Balances.Equity}), nil
		}
	}
	if md.Ledger != nil {
		if sym, ok := ledgerMismatch(md.Ledger, md.Positions); ok {
			return safety.Block(safety.FS070, map[string]any{
				"symbol": sym,
				"ledger": md.Ledger[sym],
				"broker": md.Positions[sym],
			}), nil
		}
	}

	var anomalies []safety.Result
	if r.opts.MaxSnapshotAge > 0 && !md.AsOf.IsZero() {
		if age := now.Sub(md.AsOf); age > r.opts.MaxSnapshotAge {
			anomalies = append(anomalies, safety.Observe(safety.AN001, map[string]any{"age": age.String()}))
		}
	}
	if r.opts.MaxPriceJumpPct > 0 && md.PrevPrice != nil && *md.PrevPrice > 0 && finite(*md.PrevPrice) {
		jump := math.Abs(md.Price-*md.PrevPrice) / *md.PrevPrice * 100
		if jump > r.opts.MaxPriceJumpPct {
			anomalies = append(anomalies, safety.Observe(safety.AN002, map[string]any{"jump_pct": round2(jump)}))
		}
	}
	return safety.Pass(), anomalies
}

func (r *Runner) evaluate(ctx context.Context, md MarketData, snap Snapshot) (Evaluation, safety.Result) {
	proposed, err := r.strategy.Evaluate(ctx, md, snap)
	if err != nil {
		return Evaluation{}, safety.Block(safety.FS030, map[string]any{"source": "strategy", "detail": err.Error()})
	}
	live := make([]order.Intent, 0, len(proposed))
	for _, in := range proposed {
		if !in.IsNoop() {
			live = append(live, in)
		}
	}
	ev := Evaluation{Proposed: len(live)}
	if len(live) == 0 {
		return ev, safety.Pass()
	}

	intents := live
	if r.risk != nil {
		intents, ev.RiskEvents = r.risk.Filter(md.StrategyID, live)
	}
	if r.calculated != nil && md.Balances != nil {
		sized := make([]order.Intent, 0, len(intents))
		for _, in := range intents {
			acct := risk.Account{
				Cash:        decimal.NewFromFloat(md.Balances.Cash),
				PositionQty: decimal.NewFromFloat(md.Positions[in.Symbol]),
			}
			d, err := r.calculated.Evaluate(in, decimal.NewFromFloat(md.Price), acct)
			if err != nil {
				return Evaluation{}, safety.Block(safety.FS030, map[string]any{"source": "risk", "detail": err.Error()})
			}
			adjusted := d.AdjustedQty.InexactFloat64()
			if !d.Allowed {
				ev.RiskEvents = append(ev.RiskEvents, risk.Event{
					StrategyID: md.StrategyID, IntentID: in.ID, Symbol: in.Symbol, Stage: risk.StageBlock,
					RequestedQty: in.Quantity, AllowedQty: 0, Reason: d.Reason,
				})
				continue
			}
			if adjusted < in.Quantity {
				ev.RiskEvents = append(ev.RiskEvents, risk.Event{
					StrategyID: md.StrategyID, IntentID: in.ID, Symbol: in.Symbol, Stage: risk.StageReduce,
					RequestedQty: in.Quantity, AllowedQty: adjusted, Reason: d.Reason,
				})
				in = in.WithQuantity(adjusted)
			}
			sized = append(sized, in)
		}
		intents = sized
	}
	ev.Intents = intents
	return ev, safety.Pass()
}

func (r *Runner) decide(md MarketData, ev Evaluation) (Plan, safety.Result) {
	plan := Plan{Mode: r.mode(), Intents: make([]order.Intent, 0, len(ev.Intents))}
	plan.DryRun = plan.Mode.DryRun(r.opts.ForceDryRun)
	if ev.Proposed == 0 {
		return plan, safety.Pass()
	}
	if !r.layer.Machine().IsTradingAllowed() {
		return plan, safety.Block(safety.GR050, map[string]any{"state": r.layer.PipelineState()})
	}
	if len(ev.Intents) == 0 {
		return plan, safety.Block(safety.GR030, map[string]any{"proposed": ev.Proposed, "risk_events": len(ev.RiskEvents)})
	}
	for _, in := range ev.Intents {
		if in.IsNoop() || math.Floor(in.Quantity) <= 0 {
			return plan, safety.Block(safety.GExeQtyNonPositive, map[string]any{"intent_id": in.ID, "qty": in.Quantity})
		}
		if in.Type == order.IntentLimit {
			if in.LimitPrice == nil || !in.LimitPrice.IsPositive() {
				return plan, safety.Block(safety.GR040, map[string]any{"intent_id": in.ID, "reason": "limit_price_not_positive"})
			}
			if r.opts.PriceTolerancePct > 0 && md.Price > 0 {
				limit := in.LimitPrice.InexactFloat64()
				dev := math.Abs(limit-md.Price) / md.Price * 100
				if dev > r.opts.PriceTolerancePct {
					return plan, safety.Block(safety.GR040, map[string]any{
						"intent_id":     in.ID,
						"limit_price":   limit,
						"market_price":  md.Price,
						"deviation_pct": round2(dev),
					})
				}
			}
		}
		plan.Intents = append(plan.Intents, in)
	}
	return plan, safety.Pass()
}

// act submits the plan. It stops at the first failure.
func (r *Runner) act(ctx context.Context, plan Plan) ([]order.ExecutionResponse, safety.Result, []safety.Result, string) {
	if len(plan.Intents) == 0 {
		return nil, safety.Pass(), nil, "no_intents"
	}
	if r.layer.SafeMode() {
		return nil, safety.Pass(), nil, "safe_mode"
	}

	var (
		responses []order.ExecutionResponse
		anomalies []safety.Result
	)
	tradingEnabled := r.layer.Machine().IsTradingAllowed()
	if r.opts.TradingEnabled != nil {
		tradingEnabled = tradingEnabled && r.opts.TradingEnabled()
	}
	for _, in := range plan.Intents {
		guard := safety.CheckExecution(safety.ExecutionCheck{
			Symbol:         in.Symbol,
			Qty:            in.Quantity,
			TradingEnabled: tradingEnabled,
			KillSwitch:     r.layer.KillSwitch(),
			AnomalyPresent: r.layer.Machine().State() == safety.StateWarning,
			BlockOnAnomaly: r.opts.BlockOnAnomaly,
		})
		if guard.Blocked {
			return responses, guard, anomalies, ""
		}

		sub := r.broker.SubmitIntent(ctx, in, plan.DryRun)
		if sub.Submitted || sub.Blocked {
			responses = append(responses, sub.Response)
		}
		if r.opts.LatencyBudget > 0 && sub.Latency > r.opts.LatencyBudget {
			anomalies = append(anomalies, safety.Observe(safety.AN010, map[string]any{
				"latency": sub.Latency.String(),
				"budget":  r.opts.LatencyBudget.String(),
			}))
		}
		if res, failed := r.broker.Failure(sub); failed {
			return responses, res, anomalies, ""
		}
		if !sub.Submitted {
			return responses, safety.Block(safety.FS040, map[string]any{
				"intent_id": in.ID,
				"detail":    "incomplete result",
			}), anomalies, ""
		}
		if r.onFill != nil && sub.Response.Accepted && !plan.DryRun {
			r.onFill(in, sub)
		}
	}
	return responses, safety.Pass(), anomalies, ""
}

// FillFunc is invoked for every accepted live submission.
type FillFunc func(intent order.Intent, sub bridge.Submission)

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func ledgerMismatch(ledger, broker map[string]float64) (string, bool) {
	seen := map[string]bool{}
	var syms []string
	for k := range ledger {
		if !seen[k] {
			seen[k] = true
			syms = append(syms, k)
		}
	}
	for k := range broker {
		if !seen[k] {
			seen[k] = true
			syms = append(syms, k)
		}
	}
	sort.Strings(syms)
	for _, s := range syms {
		if math.Abs(ledger[s]-broker[s]) > positionTolerance {
			return s, true
		}
	}
	return "", false
}
