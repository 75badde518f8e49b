package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
)

// ExecOptions configure the ops executor.
type ExecOptions struct {
	DryRun         bool
	TradingEnabled func() bool
	BlockOnAnomaly bool
}

// ExecResult is returned for every ops payload.
type ExecResult struct {
	Intent   order.Intent            `json:"-"`
	Response order.ExecutionResponse `json:"response"`
	Denied   bool                    `json:"denied"`
	Reason   string                  `json:"reason,omitempty"`
	Code     string                  `json:"safety_code,omitempty"`
}

// Executor runs ops payloads through the risk hooks, the execution guard and
// the live broker.
type Executor struct {
	live   *LiveBroker
	hooks  risk.Hooks
	layer  *safety.Layer
	opts   ExecOptions
	logger zerolog.Logger
}

// NewExecutor builds an executor. hooks may be nil.
func NewExecutor(live *LiveBroker, hooks risk.Hooks, layer *safety.Layer, opts ExecOptions, logger zerolog.Logger) *Executor {
	return &Executor{
		live:   live,
		hooks:  hooks,
		layer:  layer,
		opts:   opts,
		logger: logger.With().Str("component", "ops_executor").Logger(),
	}
}

// Execute parses payload and submits the resulting intent. Validation errors
// are returned; policy denials and broker failures are reported in the result.
func (e *Executor) Execute(ctx context.Context, payload any) (ExecResult, error) {
	intent, norm, err := FromPayload(payload)
	if err != nil {
		return ExecResult{}, err
	}
	res := ExecResult{Intent: intent, Response: order.ExecutionResponse{IntentID: intent.ID, BrokerID: e.live.BrokerID()}}

	if e.hooks != nil {
		if h := e.hooks.BeforeIntent(norm); !h.Allowed {
			return e.deny(res, "before_intent: "+h.Reason, ""), nil
		}
	}
	if intent.IsNoop() {
		res.Response.Message = "noop: not submitted"
		res.Reason = "noop"
		return res, nil
	}

	trading := e.layer.Machine().IsTradingAllowed()
	if e.opts.TradingEnabled != nil {
		trading = trading && e.opts.TradingEnabled()
	}
	guard := safety.CheckExecution(safety.ExecutionCheck{
		Symbol:         intent.Symbol,
		Qty:            intent.Quantity,
		TradingEnabled: trading,
		KillSwitch:     e.layer.KillSwitch(),
		AnomalyPresent: e.layer.Machine().State() == safety.StateWarning,
		BlockOnAnomaly: e.opts.BlockOnAnomaly,
	})
	if guard.Blocked {
		e.layer.Record(ctx, guard)
		return e.deny(res, guard.Message, guard.Code), nil
	}

	if e.hooks != nil {
		route := map[string]any{"symbol": intent.Symbol, "qty": intent.Quantity, "side": string(intent.Side)}
		if sid, ok := intent.Metadata["strategy_id"]; ok {
			route["strategy_id"] = sid
		}
		if h := e.hooks.BeforeRoute(route); !h.Allowed {
			return e.deny(res, "before_route: "+h.Reason, ""), nil
		}
	}
	if e.layer.SafeMode() {
		res.Response.Message = "safe_mode: not submitted"
		res.Reason = "safe_mode"
		return res, nil
	}

	sub := e.live.SubmitIntent(ctx, intent, e.opts.DryRun)
	res.Response = sub.Response
	if r, failed := e.live.Failure(sub); failed {
		e.layer.Record(ctx, r)
		res.Code = r.Code
		res.Reason = r.Message
	}

	if e.hooks != nil {
		h := e.hooks.AfterResponse(map[string]any{
			"accepted":  sub.Response.Accepted,
			"broker_id": sub.Response.BrokerID,
			"intent_id": intent.ID,
		})
		if !h.Allowed {
			e.logger.Warn().Str("intent_id", intent.ID).Str("reason", h.Reason).Msg("after_response hook flagged result")
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("after_response: %s", h.Reason)
			}
		}
	}
	return res, nil
}

func (e *Executor) deny(res ExecResult, reason, code string) ExecResult {
	res.Denied = true
	res.Reason = reason
	res.Code = code
	res.Response.Accepted = false
	res.Response.Message = reason
	e.logger.Warn().Str("intent_id", res.Intent.ID).Str("reason", reason).Msg("ops intent denied")
	return res
}
