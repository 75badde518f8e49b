package eteda

import (
	"time"

	"github.com/spf13/cast"
)

// Policy defaults and bounds, in milliseconds.
const (
	DefaultIntervalMS     = 1000
	MinIntervalMS         = 100
	MaxIntervalMS         = 3_600_000
	DefaultErrorBackoffMS = 5000
	MinErrorBackoffMS     = 500
	MaxErrorBackoffMS     = 60_000
	DefaultMaxRetries     = 3
	MinMaxRetries         = 0
	MaxMaxRetries         = 20
)

// Policy governs loop pacing and error backoff.
type Policy struct {
	Interval     time.Duration `json:"interval"`
	ErrorBackoff time.Duration `json:"error_backoff"`
	MaxRetries   int           `json:"max_retries"`
}

// DefaultPolicy returns the defaults.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultIntervalMS, DefaultErrorBackoffMS, DefaultMaxRetries)
}

// NewPolicy clamps each value into its range.
func NewPolicy(intervalMS, errorBackoffMS, maxRetries int) Policy {
	return Policy{
		Interval:     time.Duration(clamp(intervalMS, MinIntervalMS, MaxIntervalMS)) * time.Millisecond,
		ErrorBackoff: time.Duration(clamp(errorBackoffMS, MinErrorBackoffMS, MaxErrorBackoffMS)) * time.Millisecond,
		MaxRetries:   clamp(maxRetries, MinMaxRetries, MaxMaxRetries),
	}
}

// FlatGetter is the hierarchical config lookup.
type FlatGetter interface {
	GetFlat(name string, def any) any
}

// PolicyFrom reads INTERVAL_MS, ERROR_BACKOFF_MS and ERROR_BACKOFF_MAX_RETRIES.
// Unreadable values fall back to the defaults.
func PolicyFrom(g FlatGetter) Policy {
	return NewPolicy(
		intOr(g.GetFlat("INTERVAL_MS", DefaultIntervalMS), DefaultIntervalMS),
		intOr(g.GetFlat("ERROR_BACKOFF_MS", DefaultErrorBackoffMS), DefaultErrorBackoffMS),
		intOr(g.GetFlat("ERROR_BACKOFF_MAX_RETRIES", DefaultMaxRetries), DefaultMaxRetries),
	)
}

func intOr(v any, def int) int {
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
