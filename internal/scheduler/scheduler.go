// Package scheduler drives several named targets, each on its own interval
// with its own error backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/alerting"
)

// Registered target names.
const (
	TargetPipeline          = "pipeline"
	TargetBrokerHeartbeat   = "broker_heartbeat"
	TargetDashboardUpdate   = "dashboard_update"
	TargetBackupMaintenance = "backup_maintenance"
)

// Defaults applied to targets that leave them unset.
const (
	DefaultErrorBackoff         = 5 * time.Second
	DefaultMaxConsecutiveErrors = 3
)

var (
	// ErrUnknownTarget is returned for names outside the known set.
	ErrUnknownTarget = errors.New("unknown scheduler target")
	// ErrDuplicateTarget is returned when a name is registered twice.
	ErrDuplicateTarget = errors.New("scheduler target already registered")
	// ErrNoTargets is returned by Run when nothing is registered.
	ErrNoTargets = errors.New("scheduler has no targets")
)

// TargetFunc is one unit of scheduled work.
type TargetFunc func(ctx context.Context) error

// Target describes a scheduled job.
type Target struct {
	Name                 string
	Interval             time.Duration
	ErrorBackoff         time.Duration
	MaxConsecutiveErrors int
	Fn                   TargetFunc
}

// TargetState is the per-target bookkeeping.
type TargetState struct {
	LastRun           time.Time `json:"last_run"`
	NextRun           time.Time `json:"next_run"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Suspended         bool      `json:"suspended"`
	Runs              int       `json:"runs"`
	LastError         string    `json:"last_error,omitempty"`
}

// Run is the record of one target execution in a tick.
type Run struct {
	Name string
	Err  error
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
	// ExtraTargets extends the set of accepted target names.
	ExtraTargets []string
	// Alert receives a critical alert when a target is suspended.
	Alert alerting.Channel
	// OnRun is called after every target execution.
	OnRun func(name string, err error)
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type entry struct {
	target Target
	state  TargetState
}

// Scheduler runs due targets sequentially, in registration order, so every
// target is serialized against itself.
type Scheduler struct {
	opts    Options
	known   map[string]bool
	logger  zerolog.Logger
	stopped atomic.Bool

	mu      sync.Mutex
	entries []*entry
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Alert == nil {
		opts.Alert = alerting.NewLogChannel(logger)
	}
	known := map[string]bool{
		TargetPipeline:          true,
		TargetBrokerHeartbeat:   true,
		TargetDashboardUpdate:   true,
		TargetBackupMaintenance: true,
	}
	for _, n := range opts.ExtraTargets {
		known[n] = true
	}
	return &Scheduler{opts: opts, known: known, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Register adds a target. Zero backoff and error limit take the defaults.
func (s *Scheduler) Register(t Target) error {
	if !s.known[t.Name] {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("target %s: interval must be positive", t.Name)
	}
	if t.Fn == nil {
		return fmt.Errorf("target %s: fn is required", t.Name)
	}
	if t.ErrorBackoff <= 0 {
		t.ErrorBackoff = DefaultErrorBackoff
	}
	if t.MaxConsecutiveErrors <= 0 {
		t.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.target.Name == t.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateTarget, t.Name)
		}
	}
	s.entries = append(s.entries, &entry{target: t})
	return nil
}

// Stop makes Run return after the current pass.
func (s *Scheduler) Stop() { s.stopped.Store(true) }

// States returns a copy of every target's state keyed by name.
func (s *Scheduler) States() map[string]TargetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TargetState, len(s.entries))
	for _, e := range s.entries {
		out[e.target.Name] = e.state
	}
	return out
}

// Tick executes every target due at now and returns what ran. A target is
// due when it never ran or now has reached its next run time.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Run {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	var runs []Run
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		due := e.state.NextRun.IsZero() || !now.Before(e.state.NextRun)
		s.mu.Unlock()
		if !due {
			continue
		}
		err := s.execute(ctx, e.target)
		s.settle(ctx, e, now, err)
		runs = append(runs, Run{Name: e.target.Name, Err: err})
		if s.opts.OnRun != nil {
			s.opts.OnRun(e.target.Name, err)
		}
	}
	return runs
}

func (s *Scheduler) execute(ctx context.Context, t Target) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("target %s panicked: %v", t.Name, p)
		}
	}()
	return t.Fn(ctx)
}

func (s *Scheduler) settle(ctx context.Context, e *entry, now time.Time, err error) {
	t := e.target
	s.mu.Lock()
	st := &e.state
	st.LastRun = now
	st.Runs++
	if err == nil {
		st.ConsecutiveErrors = 0
		st.Suspended = false
		st.LastError = ""
		st.NextRun = now.Add(t.Interval)
		s.mu.Unlock()
		s.logger.Debug().Str("target", t.Name).Msg("target ok")
		return
	}

	st.ConsecutiveErrors++
	st.LastError = err.Error()
	st.NextRun = now.Add(t.ErrorBackoff)
	suspend := st.ConsecutiveErrors >= t.MaxConsecutiveErrors
	count := st.ConsecutiveErrors
	if suspend {
		// skip one backoff period, then retry with a fresh budget
		st.Suspended = true
		st.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	s.logger.Error().Err(err).
		Str("target", t.Name).
		Int("consecutive_errors", count).
		Dur("backoff", t.ErrorBackoff).
		Msg("target failed")
	if suspend {
		msg := fmt.Sprintf("scheduler target %s suspended for %s after %d consecutive errors: %v",
			t.Name, t.ErrorBackoff, count, err)
		if aerr := s.opts.Alert.SendCritical(ctx, msg); aerr != nil {
			s.logger.Error().Err(aerr).Str("target", t.Name).Msg("failed to send critical alert")
		}
	}
}

// pause is the smallest interval across targets.
func (s *Scheduler) pause() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var min time.Duration
	for _, e := range s.entries {
		if min == 0 || e.target.Interval < min {
			min = e.target.Interval
		}
	}
	return min
}

// Run ticks until Stop or ctx cancellation. Cancellation returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	pause := s.pause()
	if pause == 0 {
		return ErrNoTargets
	}
	if s.opts.StartupDelay > 0 {
		if err := s.opts.Sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}
	s.logger.Info().Dur("pause", pause).Int("targets", len(s.States())).Msg("scheduler started")
	for {
		if s.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Tick(ctx, s.opts.Clock())
		if s.stopped.Load() {
			s.logger.Info().Msg("scheduler stopped")
			return nil
		}
		if err := s.opts.Sleep(ctx, pause); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
