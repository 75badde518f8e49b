package order

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsAccepted(t *testing.T) {
	accepted := []Status{StatusAccepted, StatusFilled, StatusPartiallyFilled}
	for _, s := range accepted {
		assert.True(t, s.IsAccepted(), s)
	}
	for _, s := range []Status{StatusRejected, StatusCanceled, StatusUnknown, ""} {
		assert.False(t, s.IsAccepted(), s)
	}
}

func TestParseSide(t *testing.T) {
	side, ok := ParseSide(" sell ")
	require.True(t, ok)
	assert.Equal(t, SideSell, side)

	_, ok = ParseSide("HOLD")
	assert.False(t, ok)
}

func TestWithQuantityLeavesOriginalUntouched(t *testing.T) {
	orig := Intent{ID: "a", Symbol: "MSFT", Side: SideBuy, Quantity: 5, Type: IntentMarket, Metadata: map[string]any{"source": "ops"}}
	derived := orig.WithQuantity(1)

	assert.Equal(t, 5.0, orig.Quantity)
	assert.NotContains(t, orig.Metadata, "original_qty")
	assert.Equal(t, 1.0, derived.Quantity)
	assert.Equal(t, 5.0, derived.Metadata["original_qty"])
	assert.Equal(t, "ops", derived.Source())

	zero := orig.WithQuantity(0)
	assert.Equal(t, IntentNoop, zero.Type)
	assert.True(t, zero.IsNoop())
}

func TestOrderRequestValidate(t *testing.T) {
	price := decimal.NewFromInt(100)
	ok := OrderRequest{Symbol: "005930", Side: SideBuy, Qty: 1, OrderType: TypeLimit, LimitPrice: &price}
	require.NoError(t, ok.Validate())

	cases := map[string]OrderRequest{
		"empty symbol":    {Side: SideBuy, Qty: 1, OrderType: TypeMarket},
		"bad side":        {Symbol: "X", Side: "HOLD", Qty: 1, OrderType: TypeMarket},
		"zero qty":        {Symbol: "X", Side: SideSell, Qty: 0, OrderType: TypeMarket},
		"limit w/o price": {Symbol: "X", Side: SideSell, Qty: 1, OrderType: TypeLimit},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, req.Validate(), ErrInvalidOrder)
		})
	}
}

func TestParseNumber(t *testing.T) {
	for _, v := range []any{5, int64(5), 5.0, float32(5), json.Number("5"), " 5 "} {
		f, ok := ParseNumber(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 5.0, f)
	}
	for _, v := range []any{nil, "five", json.Number("x"), math.NaN(), math.Inf(1), true} {
		_, ok := ParseNumber(v)
		assert.False(t, ok, "%v", v)
	}
}
