// Package metrics exports runtime telemetry to prometheus. The Collector
// plugs into the loop observer, the breaker, the safety notifier chain, the
// scheduler and the health monitor.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/appctx"
	"tradecore/internal/broker"
	"tradecore/internal/health"
	"tradecore/internal/safety"
)

var safetyStates = []safety.State{safety.StateNormal, safety.StateWarning, safety.StateFail, safety.StateLockdown}

// Collector owns a private registry so tests and multiple instances never clash.
type Collector struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	safetyState   *prometheus.GaugeVec
	failSafeCount prometheus.Gauge
	safetyEvents  *prometheus.CounterVec
	brokerResults *prometheus.CounterVec
	breakerFails  *prometheus.GaugeVec
	targetRuns    *prometheus.CounterVec
	healthStatus  *prometheus.GaugeVec
	healthLatency *prometheus.GaugeVec

	mu        sync.Mutex
	lastCycle time.Duration
	haveCycle bool
}

// NewCollector registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "tradecore"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eteda_cycles_total",
			Help:      "ETEDA cycles by status and code.",
		}, []string{"status", "code"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eteda_cycle_duration_seconds",
			Help:      "Wall time of one ETEDA cycle.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		safetyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_state",
			Help:      "1 for the current safety state, 0 otherwise.",
		}, []string{"state"}),
		failSafeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_consecutive_fail_safe",
			Help:      "Consecutive fail-safe events since the last recovery.",
		}),
		safetyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_events_total",
			Help:      "Safety events by code and level.",
		}, []string{"code", "level"}),
		brokerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_submissions_total",
			Help:      "Guarded broker submissions by outcome.",
		}, []string{"broker", "outcome"}),
		breakerFails: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_consecutive_failures",
			Help:      "Consecutive failures counted by the execution breaker.",
		}, []string{"broker"}),
		targetRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_target_runs_total",
			Help:      "Scheduler target executions by result.",
		}, []string{"target", "result"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_ok",
			Help:      "1 when the last run of the check passed.",
		}, []string{"check"}),
		healthLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_latency_seconds",
			Help:      "Latency of the last run of the check.",
		}, []string{"check"}),
	}
	c.registry.MustRegister(
		c.cycles, c.cycleDuration, c.safetyState, c.failSafeCount, c.safetyEvents,
		c.brokerResults, c.breakerFails, c.targetRuns, c.healthStatus, c.healthLatency,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveCycle(r appctx.CycleRecord) {
	c.cycles.WithLabelValues(r.Status, r.Code).Inc()
	c.cycleDuration.Observe(r.Duration.Seconds())
	c.mu.Lock()
	c.lastCycle = r.Duration
	c.haveCycle = true
	c.mu.Unlock()
}

func (c *Collector) ObserveSafety(s safety.Snapshot) {
	for _, st := range safetyStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		c.safetyState.WithLabelValues(string(st)).Set(v)
	}
	c.failSafeCount.Set(float64(s.ConsecutiveFailSafeCount))
}

// LastCycle reports the duration of the most recent cycle.
func (c *Collector) LastCycle() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCycle, c.haveCycle
}

// Notify counts safety events; it sits in the notifier fan-out.
func (c *Collector) Notify(_ context.Context, e safety.Event) error {
	c.safetyEvents.WithLabelValues(e.Code, string(e.Level)).Inc()
	return nil
}

func (c *Collector) OnSuccess(brokerID string) {
	c.brokerResults.WithLabelValues(brokerID, "success").Inc()
	c.breakerFails.WithLabelValues(brokerID).Set(0)
}

func (c *Collector) OnFailure(brokerID string, consecutive int) {
	c.brokerResults.WithLabelValues(brokerID, "failure").Inc()
	c.breakerFails.WithLabelValues(brokerID).Set(float64(consecutive))
}

func (c *Collector) OnBlocked(brokerID string) {
	c.brokerResults.WithLabelValues(brokerID, "blocked").Inc()
}

// ObserveTarget records one scheduler target execution.
func (c *Collector) ObserveTarget(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.targetRuns.WithLabelValues(name, result).Inc()
}

// ObserveHealth records one health check result.
func (c *Collector) ObserveHealth(r health.Result) {
	v := 0.0
	if r.OK {
		v = 1
	}
	c.healthStatus.WithLabelValues(r.Name).Set(v)
	c.healthLatency.WithLabelValues(r.Name).Set(r.Latency.Seconds())
}

var (
	_ appctx.Observer        = (*Collector)(nil)
	_ broker.BreakerObserver = (*Collector)(nil)
	_ safety.Notifier        = (*Collector)(nil)
)
