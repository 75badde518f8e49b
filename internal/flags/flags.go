// Package flags serves operator runtime flags (kill switch, pause, safe mode)
// from redis, layered over configured defaults.
package flags

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tradecore/internal/execmode"
)

// Flag names, as stored in the redis hash (lowercased).
const (
	KillSwitchStatus = "killswitch_status"
	PipelinePaused   = "pipeline_paused"
	SafeMode         = "safe_mode"
	TradingEnabled   = "trading_enabled"
)

// DefaultKey is the redis hash holding the flags.
const DefaultKey = "tradecore:flags"

// Names lists the known flags.
var Names = []string{KillSwitchStatus, PipelinePaused, SafeMode, TradingEnabled}

// ErrUnknownFlag is returned when setting a name outside Names.
var ErrUnknownFlag = errors.New("unknown runtime flag")

// Fetcher returns the raw flag overrides.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Source reads and writes flag overrides in a redis hash.
type Source struct {
	client redis.Cmdable
	key    string
	logger zerolog.Logger
}

// NewSource builds a redis-backed source. An empty key uses DefaultKey.
func NewSource(client redis.Cmdable, key string, logger zerolog.Logger) *Source {
	if key == "" {
		key = DefaultKey
	}
	return &Source{client: client, key: key, logger: logger.With().Str("component", "flags_redis").Logger()}
}

// Fetch returns every override, keys lowercased.
func (s *Source) Fetch(ctx context.Context) (map[string]string, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read flags %s: %w", s.key, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}

// Set stores an override.
func (s *Source) Set(ctx context.Context, name, value string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !known(name) {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	if err := s.client.HSet(ctx, s.key, name, value).Err(); err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	s.logger.Info().Str("flag", name).Str("value", value).Msg("runtime flag set")
	return nil
}

// Clear removes an override so the configured default applies again.
func (s *Source) Clear(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if err := s.client.HDel(ctx, s.key, name).Err(); err != nil {
		return fmt.Errorf("clear flag %s: %w", name, err)
	}
	return nil
}

// Ping checks the redis connection.
func (s *Source) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Defaults are the configured values used when no override exists.
type Defaults struct {
	KillSwitch     bool
	Paused         bool
	SafeMode       bool
	TradingEnabled bool
}

// Flags is a cached view refreshed from a Fetcher. Reads never block.
type Flags struct {
	src      Fetcher
	defaults Defaults
	logger   zerolog.Logger

	kill    atomic.Bool
	paused  atomic.Bool
	safe    atomic.Bool
	trading atomic.Bool

	mu  sync.Mutex
	raw map[string]string
}

// New returns flags holding the defaults. src may be nil.
func New(src Fetcher, defaults Defaults, logger zerolog.Logger) *Flags {
	f := &Flags{src: src, defaults: defaults, logger: logger.With().Str("component", "flags").Logger()}
	f.apply(nil)
	return f
}

// Refresh pulls overrides. On error the previous values are kept.
func (f *Flags) Refresh(ctx context.Context) error {
	if f.src == nil {
		return nil
	}
	raw, err := f.src.Fetch(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("flag refresh failed, keeping previous values")
		return err
	}
	f.apply(raw)
	return nil
}

func (f *Flags) apply(raw map[string]string) {
	f.kill.Store(resolve(raw, KillSwitchStatus, f.defaults.KillSwitch, isOn))
	f.paused.Store(resolve(raw, PipelinePaused, f.defaults.Paused, execmode.IsTruthy))
	f.safe.Store(resolve(raw, SafeMode, f.defaults.SafeMode, execmode.IsTruthy))
	f.trading.Store(resolve(raw, TradingEnabled, f.defaults.TradingEnabled, execmode.IsTruthy))
	f.mu.Lock()
	f.raw = raw
	f.mu.Unlock()
}

func resolve(raw map[string]string, name string, def bool, parse func(string) bool) bool {
	v, ok := raw[name]
	if !ok || v == "" {
		return def
	}
	return parse(v)
}

func isOn(v string) bool {
	return strings.EqualFold(v, "ON") || execmode.IsTruthy(v)
}

func (f *Flags) KillSwitch() bool     { return f.kill.Load() }
func (f *Flags) Paused() bool         { return f.paused.Load() }
func (f *Flags) SafeMode() bool       { return f.safe.Load() }
func (f *Flags) TradingEnabled() bool { return f.trading.Load() }

// Values returns the resolved flags keyed by name.
func (f *Flags) Values() map[string]bool {
	return map[string]bool{
		KillSwitchStatus: f.KillSwitch(),
		PipelinePaused:   f.Paused(),
		SafeMode:         f.SafeMode(),
		TradingEnabled:   f.TradingEnabled(),
	}
}

// Overrides returns the raw overrides seen by the last successful refresh.
func (f *Flags) Overrides() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.raw))
	for k, v := range f.raw {
		out[k] = v
	}
	return out
}

var _ Fetcher = (*Source)(nil)
