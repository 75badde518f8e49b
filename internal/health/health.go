// Package health runs named health checks and raises critical alerts for the
// failing ones.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/alerting"
)

// Check names every deployment registers.
const (
	CheckConfigBackend   = "config_backend"
	CheckRepository      = "repository_health"
	CheckBrokerHeartbeat = "broker_heartbeat"
	CheckLoopLatency     = "eteda_loop_latency"
	CheckSafetyState     = "safety_state"
)

// RequiredChecks lists the check names a complete monitor carries.
var RequiredChecks = []string{CheckConfigBackend, CheckRepository, CheckBrokerHeartbeat, CheckLoopLatency}

// Result is the outcome of one check.
type Result struct {
	OK      bool          `json:"ok"`
	Name    string        `json:"name"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// CheckFunc is the canonical check shape. Use the From* helpers for simpler ones.
type CheckFunc func(ctx context.Context) Result

// FromBool adapts a bool check.
func FromBool(fn func(ctx context.Context) bool) CheckFunc {
	return func(ctx context.Context) Result {
		return Result{OK: fn(ctx)}
	}
}

// FromBoolMessage adapts a (bool, message) check.
func FromBoolMessage(fn func(ctx context.Context) (bool, string)) CheckFunc {
	return func(ctx context.Context) Result {
		ok, msg := fn(ctx)
		return Result{OK: ok, Message: msg}
	}
}

// FromError adapts an error-returning check; nil means healthy.
func FromError(fn func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Result {
		if err := fn(ctx); err != nil {
			return Result{OK: false, Message: err.Error()}
		}
		return Result{OK: true}
	}
}

// Options tune the monitor.
type Options struct {
	// CheckTimeout bounds each check when positive.
	CheckTimeout time.Duration
	// OnResult is called for every result, e.g. to export metrics.
	OnResult func(Result)
	Clock    func() time.Time
}

type namedCheck struct {
	name  string
	check CheckFunc
}

// Monitor holds the registered checks. Registration order is run order.
type Monitor struct {
	channel alerting.Channel
	opts    Options
	logger  zerolog.Logger

	mu     sync.RWMutex
	checks []namedCheck
	last   []Result
	lastAt time.Time
}

// NewMonitor builds a monitor. A nil channel logs only.
func NewMonitor(channel alerting.Channel, opts Options, logger zerolog.Logger) *Monitor {
	if channel == nil {
		channel = alerting.NewLogChannel(logger)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Monitor{
		channel: channel,
		opts:    opts,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds or replaces the check called name.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.checks {
		if m.checks[i].name == name {
			m.checks[i].check = check
			return
		}
	}
	m.checks = append(m.checks, namedCheck{name: name, check: check})
}

// Names returns the registered check names, sorted.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c.name)
	}
	sort.Strings(out)
	return out
}

// RunChecks runs every check once. A panicking check yields a failed result;
// it never aborts the pass. Every failure is sent as a critical alert.
func (m *Monitor) RunChecks(ctx context.Context) []Result {
	m.mu.RLock()
	checks := append([]namedCheck(nil), m.checks...)
	m.mu.RUnlock()

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		res := m.runOne(ctx, c)
		results = append(results, res)
		if m.opts.OnResult != nil {
			m.opts.OnResult(res)
		}
	}

	for _, res := range results {
		if res.OK {
			continue
		}
		m.logger.Error().Str("check", res.Name).Str("message", res.Message).Msg("health check failed")
		if err := m.channel.SendCritical(ctx, Format(res)); err != nil {
			m.logger.Error().Err(err).Str("check", res.Name).Msg("failed to send critical alert")
		}
	}

	m.mu.Lock()
	m.last = results
	m.lastAt = m.opts.Clock()
	m.mu.Unlock()
	return results
}

func (m *Monitor) runOne(ctx context.Context, c namedCheck) (res Result) {
	start := m.opts.Clock()
	if m.opts.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CheckTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{OK: false, Message: fmt.Sprintf("panic: %v", p)}
		}
		res.Name = c.name
		if res.Latency == 0 {
			res.Latency = m.opts.Clock().Sub(start)
		}
	}()
	return c.check(ctx)
}

// Last returns the results of the most recent pass and when it finished.
func (m *Monitor) Last() ([]Result, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Result(nil), m.last...), m.lastAt
}

// Healthy reports whether every result passed.
func Healthy(results []Result) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

// Format renders a result for an alert.
func Format(r Result) string {
	var b strings.Builder
	status := "OK"
	if !r.OK {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "health check %s: %s", r.Name, status)
	if r.Message != "" {
		fmt.Fprintf(&b, " (%s)", r.Message)
	}
	if r.Latency > 0 {
		fmt.Fprintf(&b, " latency=%s", r.Latency.Round(time.Millisecond))
	}
	return b.String()
}
