package eteda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/appctx"
	"tradecore/internal/safety"
)

// ErrRetriesExhausted is returned when consecutive cycle errors exceed the policy.
var ErrRetriesExhausted = errors.New("eteda: error backoff retries exhausted")

// CycleRunner is what the loop drives. *Runner satisfies it.
type CycleRunner interface {
	RunOnce(ctx context.Context, snap Snapshot) (Result, error)
}

// CycleLock serialises cycles across processes. TryLock reports whether the
// lock was taken; release must be called when it was.
type CycleLock interface {
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// LoopOptions configure a Loop.
type LoopOptions struct {
	Policy        func() Policy
	ShouldStop    func() bool
	MaxIterations int
	Lock          CycleLock
	Observer      appctx.Observer
	Safety        *safety.Layer
	Sleep         SleepFunc
	Clock         func() time.Time
}

// Loop calls the runner on a timer until stopped.
type Loop struct {
	runner   CycleRunner
	provider SnapshotProvider
	opts     LoopOptions
	logger   zerolog.Logger
}

// NewLoop builds a loop. Missing options get defaults: default policy, never
// stop, no lock, no observer, real sleeping.
func NewLoop(runner CycleRunner, provider SnapshotProvider, opts LoopOptions, logger zerolog.Logger) *Loop {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy
	}
	if opts.ShouldStop == nil {
		opts.ShouldStop = func() bool { return false }
	}
	if opts.Observer == nil {
		opts.Observer = appctx.NopObserver{}
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Loop{
		runner:   runner,
		provider: provider,
		opts:     opts,
		logger:   logger.With().Str("component", "eteda_loop").Logger(),
	}
}

// SleepContext sleeps for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run loops until ShouldStop, MaxIterations, context cancellation or retry
// exhaustion. Only the latter is reported as an error.
func (l *Loop) Run(ctx context.Context) error {
	consecutiveErrors := 0
	iterations := 0
	for {
		if ctx.Err() != nil || l.opts.ShouldStop() {
			return nil
		}
		if l.opts.MaxIterations > 0 && iterations >= l.opts.MaxIterations {
			l.logger.Info().Int("iterations", iterations).Msg("max iterations reached")
			return nil
		}
		policy := l.opts.Policy()

		res, err := l.cycle(ctx)
		iterations++
		if err != nil {
			consecutiveErrors++
			l.logger.Error().Err(err).
				Int("consecutive_errors", consecutiveErrors).
				Int("max_retries", policy.MaxRetries).
				Msg("cycle failed")
			if consecutiveErrors > policy.MaxRetries {
				return fmt.Errorf("%w: %d consecutive errors: %v", ErrRetriesExhausted, consecutiveErrors, err)
			}
			if ctx.Err() != nil || l.opts.ShouldStop() {
				return nil
			}
			if err := l.opts.Sleep(ctx, policy.ErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		consecutiveErrors = 0
		l.logger.Info().
			Str("status", res.Status).
			Str("symbol", res.Symbol).
			Str("reason", res.Reason).
			Str("code", res.Code).
			Msg("cycle finished")
		if ctx.Err() != nil || l.opts.ShouldStop() {
			return nil
		}
		if err := l.opts.Sleep(ctx, policy.Interval); err != nil {
			return nil
		}
	}
}

// cycle runs one guarded iteration and reports it to the observer.
func (l *Loop) cycle(ctx context.Context) (Result, error) {
	start := l.opts.Clock()
	res, err := l.runCycle(ctx)
	rec := appctx.CycleRecord{
		Status:   res.Status,
		Symbol:   res.Symbol,
		Reason:   res.Reason,
		Code:     res.Code,
		Duration: l.opts.Clock().Sub(start),
		At:       start,
	}
	if err != nil {
		rec.Status = StatusError
		rec.Reason = err.Error()
	}
	l.opts.Observer.ObserveCycle(rec)
	if l.opts.Safety != nil {
		l.opts.Observer.ObserveSafety(l.opts.Safety.Machine().Snapshot())
	}
	return res, err
}

func (l *Loop) runCycle(ctx context.Context) (Result, error) {
	if l.opts.Lock != nil {
		release, ok, err := l.opts.Lock.TryLock(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			return Result{Status: StatusSkipped, Reason: "cycle_lock_held"}, nil
		}
		defer release()
	}
	snap, err := l.provider.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: %w", err)
	}
	return l.runner.RunOnce(ctx, snap)
}

// RunOnce executes exactly one guarded cycle, as the scheduler's pipeline target does.
func (l *Loop) RunOnce(ctx context.Context) (Result, error) {
	return l.cycle(ctx)
}
