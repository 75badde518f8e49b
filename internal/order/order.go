package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalises a textual side. ok is false for anything other than BUY/SELL.
func ParseSide(v string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(v))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// IntentType classifies what an intent asks for.
type IntentType string

const (
	IntentMarket IntentType = "MARKET"
	IntentLimit  IntentType = "LIMIT"
	IntentNoop   IntentType = "NOOP"
)

// OrderType is the broker-facing order type.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Status is the normalised broker order status.
type Status string

const (
	StatusAccepted        Status = "ACCEPTED"
	StatusRejected        Status = "REJECTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusUnknown         Status = "UNKNOWN"
)

// IsAccepted reports whether the status counts as a successful submission.
func (s Status) IsAccepted() bool {
	switch s {
	case StatusAccepted, StatusFilled, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Intent is an order intention produced by a strategy or the ops layer.
// Treat it as a value: the risk gate derives new intents via WithQuantity.
type Intent struct {
	ID         string
	Symbol     string
	Side       Side
	Quantity   float64
	Type       IntentType
	LimitPrice *decimal.Decimal
	Metadata   map[string]any
}

// IsNoop reports whether the intent should never reach a broker.
func (i Intent) IsNoop() bool {
	return i.Type == IntentNoop || i.Quantity <= 0
}

// Source returns metadata["source"] when present.
func (i Intent) Source() string {
	if v, ok := i.Metadata["source"].(string); ok {
		return v
	}
	return ""
}

// WithQuantity returns a derived intent carrying qty. Metadata is copied so the
// original intent is left untouched.
func (i Intent) WithQuantity(qty float64) Intent {
	out := i
	out.Quantity = qty
	out.Metadata = make(map[string]any, len(i.Metadata)+1)
	for k, v := range i.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata["original_qty"] = i.Quantity
	if qty <= 0 {
		out.Type = IntentNoop
	}
	return out
}

// ErrInvalidOrder is returned by OrderRequest.Validate.
var ErrInvalidOrder = errors.New("invalid order request")

// OrderRequest is a broker-protocol-agnostic order.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           int64
	OrderType     OrderType
	LimitPrice    *decimal.Decimal
	ClientOrderID string
	DryRun        bool
}

// Validate checks the structural invariants every adapter relies on.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is empty", ErrInvalidOrder)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	}
	if r.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive, got %d", ErrInvalidOrder, r.Qty)
	}
	switch r.OrderType {
	case TypeMarket:
	case TypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order requires positive limit_price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: order_type %q", ErrInvalidOrder, r.OrderType)
	}
	return nil
}

// OrderResponse is the normalised result of an adapter call. Raw is kept for
// debugging only.
type OrderResponse struct {
	Status        Status
	BrokerOrderID string
	Message       string
	FilledQty     int64
	AvgFillPrice  *decimal.Decimal
	Raw           map[string]any
}

// ExecutionResponse is the loop-level outcome of submitting an intent.
type ExecutionResponse struct {
	IntentID  string    `json:"intent_id"`
	Accepted  bool      `json:"accepted"`
	BrokerID  string    `json:"broker_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
