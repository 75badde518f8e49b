package health

import (
	"context"
	"fmt"
	"time"

	"tradecore/internal/safety"
)

// Pinger is anything with a liveness probe: the pgx store, the redis flag source.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps a Pinger. A nil pinger reports "not configured" as healthy.
func PingCheck(p Pinger) CheckFunc {
	if p == nil {
		return func(context.Context) Result { return Result{OK: true, Message: "not configured"} }
	}
	return FromError(p.Ping)
}

// BreakerState is what the heartbeat needs from the execution breaker.
type BreakerState interface {
	Blocked() bool
	ConsecutiveFailures() int
	Max() int
}

// BrokerHeartbeat fails while the breaker blocks submissions.
func BrokerHeartbeat(brokerID string, b BreakerState) CheckFunc {
	return FromBoolMessage(func(context.Context) (bool, string) {
		if b.Blocked() {
			return false, fmt.Sprintf("%s blocked after %d consecutive failures", brokerID, b.ConsecutiveFailures())
		}
		return true, fmt.Sprintf("%s failures %d/%d", brokerID, b.ConsecutiveFailures(), b.Max())
	})
}

// LoopLatency fails when the last cycle took longer than budget. last reports
// false before the first cycle, which counts as healthy.
func LoopLatency(budget time.Duration, last func() (time.Duration, bool)) CheckFunc {
	return func(context.Context) Result {
		d, ok := last()
		if !ok {
			return Result{OK: true, Message: "no cycle yet"}
		}
		if budget > 0 && d > budget {
			return Result{OK: false, Message: fmt.Sprintf("last cycle %s over budget %s", d, budget), Latency: d}
		}
		return Result{OK: true, Latency: d}
	}
}

// SafetyStater exposes the pipeline safety snapshot.
type SafetyStater interface {
	Snapshot() safety.Snapshot
}

// SafetyState fails while the pipeline sits in FAIL or LOCKDOWN, so the
// monitor raises the critical alert for it.
func SafetyState(s SafetyStater) CheckFunc {
	return FromBoolMessage(func(context.Context) (bool, string) {
		snap := s.Snapshot()
		switch snap.State {
		case safety.StateFail, safety.StateLockdown:
			return false, fmt.Sprintf("pipeline %s after %s (%d consecutive fail-safes)",
				snap.State, snap.LastFailSafeCode, snap.ConsecutiveFailSafeCount)
		}
		return true, string(snap.State)
	})
}
