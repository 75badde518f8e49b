package risk

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"tradecore/internal/order"
)

// Stage is the action a policy takes once max_order_qty is exceeded.
type Stage string

const (
	StagePass   Stage = "PASS"
	StageWarn   Stage = "WARN"
	StageReduce Stage = "REDUCE"
	StageBlock  Stage = "BLOCK"
)

// Decision reasons.
const (
	ReasonQtyMissing = "qty_missing"
	ReasonWithinMax  = "within_max"
	ReasonCapWarn    = "cap_warn"
	ReasonReduce     = "reduce"
	ReasonBlock      = "block"
)

// Policy is a per-strategy risk policy.
type Policy struct {
	MaxOrderQty float64 `mapstructure:"max_order_qty" validate:"gte=0"`
	Stage       Stage   `mapstructure:"stage" validate:"oneof=WARN REDUCE BLOCK"`
	ReduceToQty float64 `mapstructure:"reduce_to_qty" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks tags plus the REDUCE invariant reduce_to_qty <= max_order_qty.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("risk policy: %w", err)
	}
	if p.Stage == StageReduce && p.ReduceToQty > p.MaxOrderQty {
		return fmt.Errorf("risk policy: reduce_to_qty %.4f exceeds max_order_qty %.4f", p.ReduceToQty, p.MaxOrderQty)
	}
	return nil
}

// Decision is the outcome of evaluating one intent.
type Decision struct {
	Stage      Stage   `json:"stage"`
	AllowedQty float64 `json:"allowed_qty"`
	Reason     string  `json:"reason"`
}

// Event is emitted for every intent the gate capped, reduced or blocked.
type Event struct {
	StrategyID   string  `json:"strategy_id"`
	IntentID     string  `json:"intent_id"`
	Symbol       string  `json:"symbol"`
	Stage        Stage   `json:"stage"`
	RequestedQty float64 `json:"requested_qty"`
	AllowedQty   float64 `json:"allowed_qty"`
	Reason       string  `json:"reason"`
}

// Gate evaluates intents against per-strategy policies.
type Gate struct {
	defaultPolicy Policy
	policies      map[string]Policy
	logger        zerolog.Logger
}

// NewGate validates every policy up front.
func NewGate(defaultPolicy Policy, policies map[string]Policy, logger zerolog.Logger) (*Gate, error) {
	if err := defaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	copied := make(map[string]Policy, len(policies))
	for id, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", id, err)
		}
		copied[id] = p
	}
	return &Gate{
		defaultPolicy: defaultPolicy,
		policies:      copied,
		logger:        logger.With().Str("component", "risk_gate").Logger(),
	}, nil
}

// PolicyFor returns the policy of strategyID or the default.
func (g *Gate) PolicyFor(strategyID string) Policy {
	if p, ok := g.policies[strategyID]; ok {
		return p
	}
	return g.defaultPolicy
}

// Evaluate applies the strategy policy to one intent.
func (g *Gate) Evaluate(strategyID string, intent order.Intent) Decision {
	return evaluateQty(g.PolicyFor(strategyID), intent.Quantity)
}

func evaluateQty(p Policy, qty float64) Decision {
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
		return Decision{Stage: StageBlock, AllowedQty: 0, Reason: ReasonQtyMissing}
	}
	if qty <= p.MaxOrderQty {
		return Decision{Stage: StagePass, AllowedQty: qty, Reason: ReasonWithinMax}
	}
	switch p.Stage {
	case StageWarn:
		return Decision{Stage: StageWarn, AllowedQty: p.MaxOrderQty, Reason: ReasonCapWarn}
	case StageReduce:
		return Decision{Stage: StageReduce, AllowedQty: math.Min(p.ReduceToQty, p.MaxOrderQty), Reason: ReasonReduce}
	default:
		return Decision{Stage: StageBlock, AllowedQty: 0, Reason: ReasonBlock}
	}
}

// Filter runs Evaluate over intents. Warned and reduced intents survive with
// their allowed quantity; blocked intents are dropped. Every non-pass decision
// yields an event.
func (g *Gate) Filter(strategyID string, intents []order.Intent) ([]order.Intent, []Event) {
	allowed := make([]order.Intent, 0, len(intents))
	var events []Event
	for _, intent := range intents {
		d := g.Evaluate(strategyID, intent)
		if d.Stage != StagePass {
			events = append(events, Event{
				StrategyID:   strategyID,
				IntentID:     intent.ID,
				Symbol:       intent.Symbol,
				Stage:        d.Stage,
				RequestedQty: intent.Quantity,
				AllowedQty:   d.AllowedQty,
				Reason:       d.Reason,
			})
			g.logger.Warn().
				Str("strategy_id", strategyID).
				Str("intent_id", intent.ID).
				Str("stage", string(d.Stage)).
				Float64("requested_qty", intent.Quantity).
				Float64("allowed_qty", d.AllowedQty).
				Msg(d.Reason)
		}
		switch {
		case d.Stage == StageBlock:
			continue
		case d.AllowedQty != intent.Quantity:
			allowed = append(allowed, intent.WithQuantity(d.AllowedQty))
		default:
			allowed = append(allowed, intent)
		}
	}
	return allowed, events
}

// HookResult is returned by the three ops hook points.
type HookResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Hooks lets the ops path consult risk while building, routing and settling an order.
type Hooks interface {
	BeforeIntent(payload map[string]any) HookResult
	BeforeRoute(payload map[string]any) HookResult
	AfterResponse(payload map[string]any) HookResult
}

// BeforeIntent evaluates the raw ops payload. Only BLOCK denies.
func (g *Gate) BeforeIntent(payload map[string]any) HookResult {
	qty, ok := payloadQty(payload)
	if !ok {
		return HookResult{Allowed: false, Reason: ReasonQtyMissing}
	}
	d := evaluateQty(g.PolicyFor(payloadString(payload, "strategy_id")), qty)
	return HookResult{Allowed: d.Stage != StageBlock, Reason: d.Reason}
}

// BeforeRoute re-checks the final quantity just before broker submission.
func (g *Gate) BeforeRoute(payload map[string]any) HookResult {
	qty, ok := payloadQty(payload)
	if !ok {
		return HookResult{Allowed: false, Reason: ReasonQtyMissing}
	}
	p := g.PolicyFor(payloadString(payload, "strategy_id"))
	if qty > p.MaxOrderQty {
		return HookResult{Allowed: false, Reason: "exceeds_max"}
	}
	return HookResult{Allowed: true, Reason: ReasonWithinMax}
}

// AfterResponse flags responses the broker did not accept.
func (g *Gate) AfterResponse(payload map[string]any) HookResult {
	if accepted, ok := payload["accepted"].(bool); ok && !accepted {
		return HookResult{Allowed: false, Reason: "response_not_accepted"}
	}
	return HookResult{Allowed: true, Reason: "ok"}
}

func payloadQty(payload map[string]any) (float64, bool) {
	for _, key := range []string{"quantity", "qty"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		return order.ParseNumber(raw)
	}
	return 0, false
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

var _ Hooks = (*Gate)(nil)
