package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"tradecore/internal/order"
)

// DefaultMaxConsecutiveFailures trips the breaker when no limit is configured.
const DefaultMaxConsecutiveFailures = 3

// ErrBlocked is returned while the breaker is open.
var ErrBlocked = errors.New("blocked: consecutive failures exceeded")

var errNotAccepted = errors.New("broker did not accept order")

// Once open, the breaker stays open until Reset.
const neverHalfOpen = 100 * 365 * 24 * time.Hour

// BreakerObserver receives breaker outcomes. Implementations must not block;
// panics are swallowed.
type BreakerObserver interface {
	OnSuccess(brokerID string)
	OnFailure(brokerID string, consecutive int)
	OnBlocked(brokerID string)
}

// Outcome describes one guarded call.
type Outcome struct {
	Response    order.OrderResponse
	Err         error
	Attempted   bool
	Blocked     bool
	Consecutive int
}

// Breaker counts consecutive non-accepted submissions and blocks further
// submissions once the limit is reached. Counting and forwarding happen under
// one lock so concurrent callers never interleave.
type Breaker struct {
	mu          sync.Mutex
	name        string
	max         int
	consecutive int
	cb          *gobreaker.CircuitBreaker
	observer    BreakerObserver
	logger      zerolog.Logger
}

// NewBreaker builds a closed breaker. max <= 0 uses the default.
func NewBreaker(name string, max int, observer BreakerObserver, logger zerolog.Logger) *Breaker {
	if max <= 0 {
		max = DefaultMaxConsecutiveFailures
	}
	b := &Breaker{
		name:     name,
		max:      max,
		observer: observer,
		logger:   logger.With().Str("component", "breaker").Str("broker", name).Logger(),
	}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker {
	threshold := uint32(b.max)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     neverHalfOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
}

// Max returns the configured failure limit.
func (b *Breaker) Max() int { return b.max }

// Blocked reports whether submissions are refused.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb.State() == gobreaker.StateOpen
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Reset closes the breaker and clears the streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.cb = b.newCircuit()
	b.logger.Info().Msg("breaker reset")
}

// Do forwards fn unless the breaker is open. A response that is not accepted
// counts as a failure just like an error.
func (b *Breaker) Do(fn func() (order.OrderResponse, error)) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cb.State() == gobreaker.StateOpen {
		b.notify(func(o BreakerObserver) { o.OnBlocked(b.name) })
		return Outcome{Blocked: true, Err: ErrBlocked, Consecutive: b.consecutive}
	}

	var (
		resp   order.OrderResponse
		callEr error
	)
	_, err := b.cb.Execute(func() (interface{}, error) {
		resp, callEr = fn()
		if callEr != nil {
			return nil, callEr
		}
		if !resp.Status.IsAccepted() {
			return nil, errNotAccepted
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.notify(func(o BreakerObserver) { o.OnBlocked(b.name) })
		return Outcome{Blocked: true, Err: ErrBlocked, Consecutive: b.consecutive}
	}

	if err == nil {
		b.consecutive = 0
		b.notify(func(o BreakerObserver) { o.OnSuccess(b.name) })
		return Outcome{Response: resp, Attempted: true}
	}

	b.consecutive++
	n := b.consecutive
	b.notify(func(o BreakerObserver) { o.OnFailure(b.name, n) })
	b.logger.Warn().Err(err).Int("consecutive_failures", n).Int("max", b.max).Msg("broker submission failed")
	return Outcome{Response: resp, Err: callEr, Attempted: true, Consecutive: n}
}

func (b *Breaker) notify(fn func(BreakerObserver)) {
	if b.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("breaker observer panicked")
		}
	}()
	fn(b.observer)
}
