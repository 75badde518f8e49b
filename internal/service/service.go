// Package service runs the long-lived runtime components together and stops
// them together.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/eteda"
	"tradecore/internal/opsapi"
	"tradecore/internal/scheduler"
	"tradecore/internal/schema"
)

// Drivers select which component owns the ETEDA cycle.
const (
	DriverLoop      = "loop"
	DriverScheduler = "scheduler"
)

// Components are the runnable parts. Only the primary one is required: Loop
// for DriverLoop, Scheduler for DriverScheduler.
type Components struct {
	Driver    string
	Loop      *eteda.Loop
	Scheduler *scheduler.Scheduler
	Watcher   *schema.Watcher
	Ops       *opsapi.Server
}

// Service composes the components with an errgroup. When the primary
// component returns, everything else is cancelled.
type Service struct {
	c      Components
	logger zerolog.Logger
}

// New constructs the service.
func New(c Components, logger zerolog.Logger) *Service {
	if c.Driver == "" {
		c.Driver = DriverLoop
	}
	return &Service{c: c, logger: logger.With().Str("component", "service").Logger()}
}

// Run blocks until the primary component finishes, a component fails or ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	switch s.c.Driver {
	case DriverLoop:
		if s.c.Loop == nil {
			return fmt.Errorf("driver %q: loop not configured", s.c.Driver)
		}
	case DriverScheduler:
		if s.c.Scheduler == nil {
			return fmt.Errorf("driver %q: scheduler not configured", s.c.Driver)
		}
	default:
		return fmt.Errorf("unknown driver %q", s.c.Driver)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if s.c.Driver == DriverLoop {
		g.Go(func() error {
			defer cancel()
			return s.c.Loop.Run(gctx)
		})
	}
	if s.c.Scheduler != nil {
		primary := s.c.Driver == DriverScheduler
		g.Go(func() error {
			err := s.c.Scheduler.Run(gctx)
			if primary {
				cancel()
				return quiet(err)
			}
			if errors.Is(err, scheduler.ErrNoTargets) {
				s.logger.Info().Msg("no scheduler targets enabled")
				return nil
			}
			return quiet(err)
		})
	}
	if s.c.Watcher != nil {
		g.Go(func() error { return quiet(s.c.Watcher.Run(gctx)) })
	}
	if s.c.Ops != nil {
		g.Go(func() error { return s.c.Ops.Run(gctx) })
	}

	return g.Wait()
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
