package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/broker"
	"tradecore/internal/order"
	"tradecore/internal/safety"
)

// FailsafeBrokerID is reported when the breaker refused a submission.
const FailsafeBrokerID = "failsafe"

// Submission is the full outcome of one SubmitIntent call.
type Submission struct {
	Response            order.ExecutionResponse
	Order               order.OrderResponse
	Err                 error
	Submitted           bool
	Blocked             bool
	ConsecutiveFailures int
	Latency             time.Duration
}

// LiveBroker submits intents to one adapter behind a circuit breaker.
type LiveBroker struct {
	adapter broker.Adapter
	breaker *broker.Breaker
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLiveBroker wires adapter and breaker. A nil breaker uses the default limit.
func NewLiveBroker(adapter broker.Adapter, breaker *broker.Breaker, logger zerolog.Logger) *LiveBroker {
	if breaker == nil {
		breaker = broker.NewBreaker(adapter.BrokerID(), broker.DefaultMaxConsecutiveFailures, nil, logger)
	}
	return &LiveBroker{
		adapter: adapter,
		breaker: breaker,
		now:     time.Now,
		logger:  logger.With().Str("component", "live_broker").Str("broker", adapter.BrokerID()).Logger(),
	}
}

// BrokerID returns the adapter id.
func (lb *LiveBroker) BrokerID() string { return lb.adapter.BrokerID() }

// Adapter returns the wrapped adapter.
func (lb *LiveBroker) Adapter() broker.Adapter { return lb.adapter }

// Breaker returns the circuit breaker.
func (lb *LiveBroker) Breaker() *broker.Breaker { return lb.breaker }

// SubmitIntent converts intent and forwards it unless the breaker is open.
// NOOP intents never reach the adapter.
func (lb *LiveBroker) SubmitIntent(ctx context.Context, intent order.Intent, dryRun bool) Submission {
	req, err := ToOrderRequest(intent, dryRun)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrNoopIntent) {
			msg = "noop: not submitted"
		}
		return Submission{
			Response: order.ExecutionResponse{IntentID: intent.ID, BrokerID: lb.BrokerID(), Message: msg, Timestamp: lb.now().UTC()},
			Err:      err,
		}
	}

	start := lb.now()
	out := lb.breaker.Do(func() (order.OrderResponse, error) {
		return lb.adapter.PlaceOrder(ctx, req)
	})
	latency := lb.now().Sub(start)

	if out.Blocked {
		lb.logger.Warn().Str("intent_id", intent.ID).Int("consecutive_failures", out.Consecutive).Msg("submission blocked by breaker")
		return Submission{
			Response: order.ExecutionResponse{
				IntentID:  intent.ID,
				Accepted:  false,
				BrokerID:  FailsafeBrokerID,
				Message:   broker.ErrBlocked.Error(),
				Timestamp: lb.now().UTC(),
			},
			Err:                 out.Err,
			Blocked:             true,
			ConsecutiveFailures: out.Consecutive,
		}
	}

	resp := ToExecutionResponse(intent.ID, lb.BrokerID(), out.Response, lb.now())
	if out.Err != nil {
		resp.Accepted = false
		if resp.Message == "" || resp.Message == string(out.Response.Status) {
			resp.Message = out.Err.Error()
		}
	}
	lb.logger.Info().
		Str("intent_id", intent.ID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("qty", req.Qty).
		Bool("dry_run", req.DryRun).
		Bool("accepted", resp.Accepted).
		Dur("latency", latency).
		Msg("intent submitted")
	return Submission{
		Response:            resp,
		Order:               out.Response,
		Err:                 out.Err,
		Submitted:           true,
		ConsecutiveFailures: out.Consecutive,
		Latency:             latency,
	}
}

// Failure classifies an unsuccessful submission as an Act-stage fail-safe.
// ok is false for accepted submissions and for NOOPs that were never sent.
func (lb *LiveBroker) Failure(sub Submission) (safety.Result, bool) {
	switch {
	case sub.Blocked:
		r := safety.Block(safety.FS040, map[string]any{
			"broker":               lb.BrokerID(),
			"consecutive_failures": sub.ConsecutiveFailures,
			"max":                  lb.breaker.Max(),
		})
		return r, true
	case !sub.Submitted:
		return safety.Result{}, false
	case sub.Err != nil:
		m := broker.MapError(lb.adapter, sub.Err)
		r := safety.Block(m.SafetyCode, map[string]any{"broker": lb.BrokerID(), "intent_id": sub.Response.IntentID})
		r.Message = m.Message
		r.Stage = safety.StageAct
		r.Kind = safety.KindFailSafe
		return r, true
	case !sub.Response.Accepted:
		return safety.Block(safety.FS040, map[string]any{
			"broker":    lb.BrokerID(),
			"intent_id": sub.Response.IntentID,
			"status":    string(sub.Order.Status),
			"detail":    sub.Order.Message,
		}), true
	}
	return safety.Result{}, false
}
