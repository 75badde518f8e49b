package risk

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/order"
)

func intent(id string, qty float64) order.Intent {
	return order.Intent{ID: id, Symbol: "005930", Side: order.SideBuy, Quantity: qty, Type: order.IntentMarket}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, Policy{MaxOrderQty: 2, Stage: StageReduce, ReduceToQty: 1}.Validate())
	assert.Error(t, Policy{MaxOrderQty: 2, Stage: StageReduce, ReduceToQty: 3}.Validate())
	assert.Error(t, Policy{MaxOrderQty: -1, Stage: StageWarn}.Validate())
	assert.Error(t, Policy{MaxOrderQty: 1, Stage: "PANIC"}.Validate())

	_, err := NewGate(Policy{MaxOrderQty: 1, Stage: StageBlock}, map[string]Policy{"bad": {Stage: "?"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRiskReduceScenario(t *testing.T) {
	g, err := NewGate(Policy{MaxOrderQty: 2, Stage: StageReduce, ReduceToQty: 1}, nil, zerolog.Nop())
	require.NoError(t, err)

	d := g.Evaluate("any", intent("i1", 5))
	assert.Equal(t, Decision{Stage: StageReduce, AllowedQty: 1, Reason: ReasonReduce}, d)

	allowed, events := g.Filter("any", []order.Intent{intent("i1", 5)})
	require.Len(t, allowed, 1)
	assert.Equal(t, 1.0, allowed[0].Quantity)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonReduce, events[0].Reason)
}

func TestEvaluateStages(t *testing.T) {
	warn, _ := NewGate(Policy{MaxOrderQty: 3, Stage: StageWarn}, map[string]Policy{
		"blocker": {MaxOrderQty: 3, Stage: StageBlock},
	}, zerolog.Nop())

	assert.Equal(t, Decision{Stage: StagePass, AllowedQty: 2, Reason: ReasonWithinMax}, warn.Evaluate("x", intent("a", 2)))
	assert.Equal(t, Decision{Stage: StageWarn, AllowedQty: 3, Reason: ReasonCapWarn}, warn.Evaluate("x", intent("a", 10)))
	assert.Equal(t, Decision{Stage: StageBlock, AllowedQty: 0, Reason: ReasonBlock}, warn.Evaluate("blocker", intent("a", 10)))
	assert.Equal(t, ReasonQtyMissing, warn.Evaluate("x", intent("a", math.NaN())).Reason)

	allowed, events := warn.Filter("blocker", []order.Intent{intent("a", 10), intent("b", 1)})
	require.Len(t, allowed, 1)
	assert.Equal(t, "b", allowed[0].ID)
	require.Len(t, events, 1)
	assert.Equal(t, StageBlock, events[0].Stage)
}

func TestQtyContractHoldsForRandomPolicies(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	stages := []Stage{StageWarn, StageReduce, StageBlock}
	for i := 0; i < 1000; i++ {
		maxQty := float64(rng.Intn(20))
		p := Policy{MaxOrderQty: maxQty, Stage: stages[rng.Intn(3)]}
		if p.Stage == StageReduce {
			p.ReduceToQty = float64(rng.Intn(int(maxQty) + 1))
		}
		g, err := NewGate(p, nil, zerolog.Nop())
		require.NoError(t, err)

		qty := float64(rng.Intn(40) + 1)
		d := g.Evaluate("s", intent("i", qty))
		require.GreaterOrEqual(t, d.AllowedQty, 0.0)
		require.LessOrEqual(t, d.AllowedQty, qty)
		require.LessOrEqual(t, d.AllowedQty, p.MaxOrderQty)
		if d.Stage == StageBlock {
			require.Zero(t, d.AllowedQty)
		}
		if d.Stage == StageReduce {
			require.LessOrEqual(t, d.AllowedQty, p.ReduceToQty)
		}
	}
}

func TestHooks(t *testing.T) {
	g, _ := NewGate(Policy{MaxOrderQty: 5, Stage: StageBlock}, nil, zerolog.Nop())

	assert.Equal(t, HookResult{Allowed: true, Reason: ReasonWithinMax}, g.BeforeIntent(map[string]any{"qty": "3"}))
	assert.Equal(t, HookResult{Allowed: false, Reason: ReasonBlock}, g.BeforeIntent(map[string]any{"quantity": 9.0}))
	assert.Equal(t, HookResult{Allowed: false, Reason: ReasonQtyMissing}, g.BeforeIntent(map[string]any{"qty": "lots"}))
	assert.Equal(t, HookResult{Allowed: true, Reason: ReasonWithinMax}, g.BeforeIntent(map[string]any{"qty": json.Number("4")}))
	assert.Equal(t, HookResult{Allowed: false, Reason: ReasonBlock}, g.BeforeIntent(map[string]any{"qty": json.Number("12")}))

	assert.False(t, g.BeforeRoute(map[string]any{"qty": int64(6)}).Allowed)
	assert.True(t, g.BeforeRoute(map[string]any{"qty": int64(5)}).Allowed)

	assert.False(t, g.AfterResponse(map[string]any{"accepted": false}).Allowed)
	assert.True(t, g.AfterResponse(map[string]any{"accepted": true}).Allowed)
}

func TestCalculatedGate(t *testing.T) {
	g := NewCalculatedGate(decimal.RequireFromString("0.5"))
	price := decimal.NewFromInt(100)

	buy := intent("b", 10)
	d, err := g.Evaluate(buy, price, Account{Cash: decimal.NewFromInt(450)})
	require.NoError(t, err)
	// floor(450/100) = 4 shares; 400/450 > 0.5
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRiskScoreExceeded, d.Reason)
	assert.True(t, d.AdjustedQty.Equal(decimal.NewFromInt(4)))

	d, err = g.Evaluate(intent("b", 2), price, Account{Cash: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAffordable, d.Reason)
	assert.True(t, d.RiskScore.Equal(decimal.RequireFromString("0.2")))

	sell := order.Intent{ID: "s", Symbol: "X", Side: order.SideSell, Quantity: 10, Type: order.IntentMarket}
	d, err = g.Evaluate(sell, price, Account{Cash: decimal.NewFromInt(1000), PositionQty: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonReducedAffordable, d.Reason)
	assert.True(t, d.AdjustedQty.Equal(decimal.NewFromInt(3)))

	d, err = g.Evaluate(sell, price, Account{Cash: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, ReasonNoPosition, d.Reason)

	_, err = g.Evaluate(buy, decimal.Zero, Account{Cash: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

// Scoring the adjusted quantity lets a reduction make the order acceptable.
func TestCalculatedGateScoresAdjustedQty(t *testing.T) {
	g := NewCalculatedGate(decimal.NewFromInt(1))
	d, err := g.Evaluate(intent("b", 50), decimal.NewFromInt(10), Account{Cash: decimal.NewFromInt(200)})
	require.NoError(t, err)
	// original value 500/200 = 2.5 would fail; adjusted 20 shares -> 200/200 = 1
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonReducedAffordable, d.Reason)
}
