package safety

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FlagFunc reads an operator flag on demand.
type FlagFunc func() bool

// LayerOptions configure a Layer.
type LayerOptions struct {
	// KillSwitch and SafeMode, when set, are consulted on every read and take
	// precedence over the values set through SetKillSwitch / SetSafeMode.
	KillSwitch FlagFunc
	SafeMode   FlagFunc
	Clock      func() time.Time
}

// LayerSnapshot is the serialisable view exposed to ops surfaces.
type LayerSnapshot struct {
	Snapshot
	KillSwitch bool `json:"kill_switch"`
	SafeMode   bool `json:"safe_mode"`
}

// Layer wraps the state machine with a notifier and the operator flags. It is
// the pipeline safety hook the runner consults.
type Layer struct {
	machine    *Machine
	notifier   Notifier
	killGetter FlagFunc
	safeGetter FlagFunc
	killStatic atomic.Bool
	safeStatic atomic.Bool
	now        func() time.Time
	logger     zerolog.Logger
}

// NewLayer builds a Layer. A nil machine starts a fresh one; a nil notifier
// logs only.
func NewLayer(machine *Machine, notifier Notifier, opts LayerOptions, logger zerolog.Logger) *Layer {
	if machine == nil {
		machine = NewMachine()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Layer{
		machine:    machine,
		notifier:   notifier,
		killGetter: opts.KillSwitch,
		safeGetter: opts.SafeMode,
		now:        now,
		logger:     logger.With().Str("component", "safety_layer").Logger(),
	}
}

// Machine exposes the underlying state machine.
func (l *Layer) Machine() *Machine { return l.machine }

// KillSwitch reports whether the kill switch is engaged.
func (l *Layer) KillSwitch() bool {
	if l.killGetter != nil {
		return l.killGetter()
	}
	return l.killStatic.Load()
}

// SafeMode reports whether safe mode forces no-submit outcomes.
func (l *Layer) SafeMode() bool {
	if l.safeGetter != nil {
		return l.safeGetter()
	}
	return l.safeStatic.Load()
}

// SetKillSwitch sets the static kill switch value.
func (l *Layer) SetKillSwitch(on bool) { l.killStatic.Store(on) }

// SetSafeMode sets the static safe mode value.
func (l *Layer) SetSafeMode(on bool) { l.safeStatic.Store(on) }

// ShouldRun is false when the kill switch is on or the state forbids trading.
func (l *Layer) ShouldRun() bool {
	if l.KillSwitch() {
		return false
	}
	return l.machine.IsTradingAllowed()
}

// PipelineState returns the textual machine state.
func (l *Layer) PipelineState() string {
	return string(l.machine.State())
}

// RecordFailSafe applies a fail-safe and notifies with level FAIL.
func (l *Layer) RecordFailSafe(ctx context.Context, code, message string, stage Stage) TransitionResult {
	return l.recordFailSafe(ctx, code, message, stage, nil)
}

// RecordAnomaly applies an anomaly and notifies with level WARNING.
func (l *Layer) RecordAnomaly(ctx context.Context, code, message string, meta map[string]any) TransitionResult {
	tr := l.machine.ApplyAnomaly(code)
	l.notify(ctx, code, LevelWarning, message, stageOf(code), withTransition(meta, tr))
	return tr
}

// RecordGuardrail notifies a policy denial without touching the state machine.
func (l *Layer) RecordGuardrail(ctx context.Context, code, message string, meta map[string]any) {
	l.notify(ctx, code, LevelWarning, message, stageOf(code), meta)
}

// Record dispatches a stage result on its kind.
func (l *Layer) Record(ctx context.Context, r Result) TransitionResult {
	if r.Code == "" {
		return TransitionResult{From: l.machine.State(), To: l.machine.State(), Reason: ReasonNoChange}
	}
	msg := r.Message
	if msg == "" {
		msg = MessageFor(r.Code, r.Meta)
	}
	switch r.Kind {
	case KindFailSafe:
		stage := r.Stage
		if stage == "" {
			stage = stageOf(r.Code)
		}
		return l.recordFailSafe(ctx, r.Code, msg, stage, r.Meta)
	case KindAnomaly:
		return l.RecordAnomaly(ctx, r.Code, msg, r.Meta)
	default:
		l.RecordGuardrail(ctx, r.Code, msg, r.Meta)
		state := l.machine.State()
		return TransitionResult{From: state, To: state, Reason: ReasonNoChange}
	}
}

// RequestRecovery forwards to the machine and logs the outcome.
func (l *Layer) RequestRecovery(operatorApproved bool) TransitionResult {
	tr := l.machine.RequestRecovery(operatorApproved)
	l.logger.Info().
		Bool("applied", tr.Applied).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("reason", tr.Reason).
		Msg("recovery requested")
	return tr
}

// Snapshot returns the state plus operator flags.
func (l *Layer) Snapshot() LayerSnapshot {
	return LayerSnapshot{
		Snapshot:   l.machine.Snapshot(),
		KillSwitch: l.KillSwitch(),
		SafeMode:   l.SafeMode(),
	}
}

func (l *Layer) recordFailSafe(ctx context.Context, code, message string, stage Stage, meta map[string]any) TransitionResult {
	tr := l.machine.ApplyFailSafe(code)
	m := withTransition(meta, tr)
	m["stage"] = string(stage)
	l.notify(ctx, code, LevelFail, message, stage, m)
	return tr
}

func (l *Layer) notify(ctx context.Context, code string, level Level, message string, stage Stage, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["stage"]; !ok && stage != "" {
		meta["stage"] = string(stage)
	}
	event := Event{
		Timestamp:     l.now().UTC(),
		Code:          code,
		Level:         level,
		Message:       message,
		PipelineState: l.PipelineState(),
		Meta:          meta,
	}
	if err := l.notifier.Notify(ctx, event); err != nil {
		l.logger.Error().Err(err).Str("safety_code", code).Msg("failed to deliver safety event")
	}
}

func withTransition(meta map[string]any, tr TransitionResult) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["from"] = string(tr.From)
	out["to"] = string(tr.To)
	return out
}

func stageOf(code string) Stage {
	if c, ok := Lookup(code); ok {
		return c.Stage
	}
	return StageAct
}
