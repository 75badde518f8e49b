// Package bridge converts ops payloads and strategy intents into broker orders
// and broker responses back into execution responses.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/order"
)

var (
	// ErrInvalidPayload is returned for payloads that cannot become an intent.
	ErrInvalidPayload = errors.New("invalid ops payload")
	// ErrNoopIntent is returned when a NOOP intent is asked to become an order.
	ErrNoopIntent = errors.New("noop intent has no order")
)

// SourceOps tags intents built from ops payloads.
const SourceOps = "ops"

var (
	symbolKeys = []string{"symbol", "ticker"}
	qtyKeys    = []string{"quantity", "qty"}
	priceKeys  = []string{"limit_price", "price"}
	typeKeys   = []string{"order_type", "intent_type", "type"}
)

// Normalize turns a map, JSON string or JSON bytes into a map with lowercased
// keys. Anything that is not a JSON object fails.
func Normalize(payload any) (map[string]any, error) {
	var raw map[string]any
	switch p := payload.(type) {
	case map[string]any:
		raw = p
	case string:
		m, err := decodeObject([]byte(p))
		if err != nil {
			return nil, err
		}
		raw = m
	case []byte:
		m, err := decodeObject(p)
		if err != nil {
			return nil, err
		}
		raw = m
	case json.RawMessage:
		m, err := decodeObject(p)
		if err != nil {
			return nil, err
		}
		raw = m
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrInvalidPayload, payload)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrInvalidPayload)
	}
	// keys that fold to the same name: the exact lowercase spelling wins,
	// otherwise the lexically smallest original key.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(raw))
	exact := make(map[string]bool, len(raw))
	for _, k := range keys {
		nk := strings.ToLower(strings.TrimSpace(k))
		if exact[nk] {
			continue
		}
		if _, seen := out[nk]; seen && k != nk {
			continue
		}
		out[nk] = raw[k]
		exact[nk] = k == nk
	}
	return out, nil
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected JSON object, got %T", ErrInvalidPayload, v)
	}
	return m, nil
}

func first(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// FromPayload builds an intent from an ops payload. Invalid sides and
// non-positive quantities produce a NOOP intent rather than an error; missing
// keys and non-numeric quantities fail.
func FromPayload(payload any) (order.Intent, map[string]any, error) {
	norm, err := Normalize(payload)
	if err != nil {
		return order.Intent{}, nil, err
	}

	symVal, ok := first(norm, symbolKeys)
	if !ok {
		return order.Intent{}, norm, fmt.Errorf("%w: missing symbol/ticker", ErrInvalidPayload)
	}
	symbol := strings.TrimSpace(fmt.Sprint(symVal))
	if symbol == "" {
		return order.Intent{}, norm, fmt.Errorf("%w: empty symbol", ErrInvalidPayload)
	}
	sideVal, ok := norm["side"]
	if !ok {
		return order.Intent{}, norm, fmt.Errorf("%w: missing side", ErrInvalidPayload)
	}
	qtyVal, ok := first(norm, qtyKeys)
	if !ok {
		return order.Intent{}, norm, fmt.Errorf("%w: missing quantity/qty", ErrInvalidPayload)
	}
	qty, ok := order.ParseNumber(qtyVal)
	if !ok {
		return order.Intent{}, norm, fmt.Errorf("%w: quantity %v is not a number", ErrInvalidPayload, qtyVal)
	}

	intent := order.Intent{
		ID:       uuid.NewString(),
		Symbol:   symbol,
		Side:     order.SideBuy,
		Quantity: qty,
		Type:     order.IntentMarket,
		Metadata: map[string]any{"source": SourceOps, "ops_payload": norm},
	}
	if sid, ok := norm["strategy_id"].(string); ok && sid != "" {
		intent.Metadata["strategy_id"] = sid
	}

	sideStr, _ := sideVal.(string)
	side, validSide := order.ParseSide(sideStr)
	if validSide {
		intent.Side = side
	}

	if p, ok := first(norm, priceKeys); ok {
		if f, ok := order.ParseNumber(p); ok && f > 0 {
			d := decimal.NewFromFloat(f)
			intent.LimitPrice = &d
		}
	}
	if t, ok := first(norm, typeKeys); ok {
		if s, _ := t.(string); strings.EqualFold(s, string(order.IntentLimit)) && intent.LimitPrice != nil {
			intent.Type = order.IntentLimit
		}
	}

	if !validSide || qty <= 0 {
		intent.Type = order.IntentNoop
	}
	return intent, norm, nil
}

// ToOrderRequest derives the broker order for intent. Quantities are truncated
// to whole shares.
func ToOrderRequest(intent order.Intent, dryRun bool) (order.OrderRequest, error) {
	if intent.IsNoop() {
		return order.OrderRequest{}, ErrNoopIntent
	}
	qty := int64(math.Floor(intent.Quantity))
	if qty <= 0 {
		return order.OrderRequest{}, fmt.Errorf("%w: quantity %.4f rounds to zero", ErrNoopIntent, intent.Quantity)
	}
	req := order.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           qty,
		OrderType:     order.TypeMarket,
		ClientOrderID: intent.ID,
		DryRun:        dryRun,
	}
	if intent.Type == order.IntentLimit && intent.LimitPrice != nil {
		req.OrderType = order.TypeLimit
		p := *intent.LimitPrice
		req.LimitPrice = &p
	}
	if err := req.Validate(); err != nil {
		return order.OrderRequest{}, err
	}
	return req, nil
}

// ToExecutionResponse maps an adapter result onto the loop-level response.
func ToExecutionResponse(intentID, brokerID string, resp order.OrderResponse, at time.Time) order.ExecutionResponse {
	msg := resp.Message
	if msg == "" {
		msg = string(resp.Status)
	}
	return order.ExecutionResponse{
		IntentID:  intentID,
		Accepted:  resp.Status.IsAccepted(),
		BrokerID:  brokerID,
		Message:   msg,
		Timestamp: at.UTC(),
	}
}
