package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/order"
)

// Calculated gate reasons.
const (
	ReasonAffordable        = "affordable"
	ReasonReducedAffordable = "reduced_to_affordable"
	ReasonRiskScoreExceeded = "risk_score_exceeded"
	ReasonInsufficientCash  = "insufficient_cash"
	ReasonNoPosition        = "no_position"
)

// ErrInvalidPrice is returned when the reference price cannot be used for sizing.
var ErrInvalidPrice = errors.New("risk: reference price must be positive")

// Account is the affordability input of the calculated gate.
type Account struct {
	Cash        decimal.Decimal
	PositionQty decimal.Decimal
}

// CalcDecision is the result of the affordability check.
type CalcDecision struct {
	Allowed     bool            `json:"allowed"`
	AdjustedQty decimal.Decimal `json:"adjusted_qty"`
	RiskScore   decimal.Decimal `json:"risk_score"`
	Reason      string          `json:"reason"`
}

// CalculatedGate caps quantities to what the account can afford and blocks
// orders whose value/cash ratio exceeds MaxRiskScore.
type CalculatedGate struct {
	MaxRiskScore decimal.Decimal
}

// NewCalculatedGate builds a gate with the given maximum risk score.
func NewCalculatedGate(maxRiskScore decimal.Decimal) *CalculatedGate {
	return &CalculatedGate{MaxRiskScore: maxRiskScore}
}

// Evaluate sizes intent against acct at price. The risk score is computed on
// the adjusted quantity, so a reduction that makes the order affordable passes.
func (g *CalculatedGate) Evaluate(intent order.Intent, price decimal.Decimal, acct Account) (CalcDecision, error) {
	if !price.IsPositive() {
		return CalcDecision{}, fmt.Errorf("%w: got %s", ErrInvalidPrice, price.String())
	}
	qty := decimal.NewFromFloat(intent.Quantity)

	var adjusted decimal.Decimal
	switch intent.Side {
	case order.SideBuy:
		if !acct.Cash.IsPositive() {
			return CalcDecision{AdjustedQty: decimal.Zero, RiskScore: decimal.Zero, Reason: ReasonInsufficientCash}, nil
		}
		affordable := acct.Cash.Div(price).Floor()
		adjusted = decimal.Min(qty, affordable)
		if !adjusted.IsPositive() {
			return CalcDecision{AdjustedQty: decimal.Zero, RiskScore: decimal.Zero, Reason: ReasonInsufficientCash}, nil
		}
	case order.SideSell:
		adjusted = decimal.Min(qty, acct.PositionQty)
		if !adjusted.IsPositive() {
			return CalcDecision{AdjustedQty: decimal.Zero, RiskScore: decimal.Zero, Reason: ReasonNoPosition}, nil
		}
		if !acct.Cash.IsPositive() {
			return CalcDecision{Allowed: true, AdjustedQty: adjusted, RiskScore: decimal.Zero, Reason: reasonFor(qty, adjusted)}, nil
		}
	default:
		return CalcDecision{}, fmt.Errorf("risk: unsupported side %q", intent.Side)
	}

	score := adjusted.Mul(price).Div(acct.Cash)
	if score.GreaterThan(g.MaxRiskScore) {
		return CalcDecision{AdjustedQty: adjusted, RiskScore: score, Reason: ReasonRiskScoreExceeded}, nil
	}
	return CalcDecision{Allowed: true, AdjustedQty: adjusted, RiskScore: score, Reason: reasonFor(qty, adjusted)}, nil
}

func reasonFor(requested, adjusted decimal.Decimal) string {
	if adjusted.LessThan(requested) {
		return ReasonReducedAffordable
	}
	return ReasonAffordable
}
