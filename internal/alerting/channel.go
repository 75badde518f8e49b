// Package alerting delivers operator alerts raised by the health monitor, the
// scheduler and the safety layer.
package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// Channel is the alert sink. Implementations must be safe for concurrent use.
type Channel interface {
	SendCritical(ctx context.Context, message string) error
	SendWarning(ctx context.Context, message string) error
}

// LogChannel only logs.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel returns the minimal channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (c *LogChannel) SendCritical(_ context.Context, message string) error {
	c.logger.Error().Str("severity", string(SeverityCritical)).Msg(message)
	return nil
}

func (c *LogChannel) SendWarning(_ context.Context, message string) error {
	c.logger.Warn().Str("severity", string(SeverityWarning)).Msg(message)
	return nil
}

// MultiChannel fans out to every channel and joins their errors.
type MultiChannel []Channel

func (m MultiChannel) SendCritical(ctx context.Context, message string) error {
	var errs []error
	for _, c := range m {
		if err := c.SendCritical(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiChannel) SendWarning(ctx context.Context, message string) error {
	var errs []error
	for _, c := range m {
		if err := c.SendWarning(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CooldownChannel drops a message identical to one sent within the cooldown.
type CooldownChannel struct {
	next     Channel
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownChannel wraps next. A non-positive cooldown disables suppression.
func NewCooldownChannel(next Channel, cooldown time.Duration) *CooldownChannel {
	return &CooldownChannel{next: next, cooldown: cooldown, now: time.Now, last: map[string]time.Time{}}
}

func (c *CooldownChannel) SendCritical(ctx context.Context, message string) error {
	if !c.admit(SeverityCritical, message) {
		return nil
	}
	return c.next.SendCritical(ctx, message)
}

func (c *CooldownChannel) SendWarning(ctx context.Context, message string) error {
	if !c.admit(SeverityWarning, message) {
		return nil
	}
	return c.next.SendWarning(ctx, message)
}

func (c *CooldownChannel) admit(sev Severity, message string) bool {
	if c.cooldown <= 0 {
		return true
	}
	key := string(sev) + "|" + message
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.last[key]; ok && now.Sub(at) < c.cooldown {
		return false
	}
	c.last[key] = now
	return true
}

var (
	_ Channel = (*LogChannel)(nil)
	_ Channel = MultiChannel(nil)
	_ Channel = (*CooldownChannel)(nil)
)
