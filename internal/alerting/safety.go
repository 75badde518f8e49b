package alerting

import (
	"context"
	"fmt"

	"tradecore/internal/safety"
)

// SafetyNotifier forwards safety events to a channel as warnings. Critical
// alerts for FAIL and LOCKDOWN come from the health monitor's safety_state
// check. Guardrail codes are dropped unless IncludeGuardrails is set.
type SafetyNotifier struct {
	Channel           Channel
	IncludeGuardrails bool
}

// NewSafetyNotifier wraps ch.
func NewSafetyNotifier(ch Channel) *SafetyNotifier {
	return &SafetyNotifier{Channel: ch}
}

// Notify implements safety.Notifier.
func (n *SafetyNotifier) Notify(ctx context.Context, e safety.Event) error {
	if n.Channel == nil {
		return nil
	}
	if c, ok := safety.Lookup(e.Code); ok && c.Kind == safety.KindGuardrail && !n.IncludeGuardrails {
		return nil
	}
	msg := fmt.Sprintf("%s %s [%s]", e.Code, e.Message, e.PipelineState)
	return n.Channel.SendWarning(ctx, msg)
}

var _ safety.Notifier = (*SafetyNotifier)(nil)
