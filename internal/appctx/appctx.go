// Package appctx holds the process-wide runtime flags, configuration snapshot
// and the late-bound cycle observer.
package appctx

import (
	"errors"
	"sync"
	"time"

	"tradecore/internal/safety"
)

var (
	// ErrObserverNotBound is returned when the observer is read before BindObserver.
	ErrObserverNotBound = errors.New("appctx: observer not bound; call BindObserver during process init")
	// ErrObserverAlreadyBound is returned by a second BindObserver call.
	ErrObserverAlreadyBound = errors.New("appctx: observer already bound for this process")
)

// CycleRecord is what the loop reports after every cycle.
type CycleRecord struct {
	Status   string
	Symbol   string
	Reason   string
	Code     string
	Duration time.Duration
	At       time.Time
}

// Observer receives cycle outcomes and safety state changes.
type Observer interface {
	ObserveCycle(rec CycleRecord)
	ObserveSafety(snap safety.Snapshot)
}

// Context is built once at process start and injected into components that
// need it. Readers get copies.
type Context struct {
	mu       sync.RWMutex
	flags    map[string]string
	config   map[string]any
	observer Observer
	started  time.Time
}

// New copies flags and config into a new context.
func New(flags map[string]string, config map[string]any) *Context {
	return &Context{flags: copyFlags(flags), config: copyConfig(config), started: time.Now()}
}

// StartedAt returns the process start time.
func (c *Context) StartedAt() time.Time { return c.started }

// RuntimeFlags returns a copy of the runtime flags.
func (c *Context) RuntimeFlags() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyFlags(c.flags)
}

// Flag returns one runtime flag.
func (c *Context) Flag(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.flags[name]
	return v, ok
}

// ConfigSnapshot returns a copy of the configuration snapshot.
func (c *Context) ConfigSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyConfig(c.config)
}

// BindObserver sets the observer. It succeeds once per context.
func (c *Context) BindObserver(o Observer) error {
	if o == nil {
		return errors.New("appctx: nil observer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.observer != nil {
		return ErrObserverAlreadyBound
	}
	c.observer = o
	return nil
}

// Observer returns the bound observer.
func (c *Context) Observer() (Observer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.observer == nil {
		return nil, ErrObserverNotBound
	}
	return c.observer, nil
}

// ObserverOrNop returns the bound observer or one that discards everything.
func (c *Context) ObserverOrNop() Observer {
	if o, err := c.Observer(); err == nil {
		return o
	}
	return NopObserver{}
}

// NopObserver discards observations.
type NopObserver struct{}

func (NopObserver) ObserveCycle(CycleRecord)     {}
func (NopObserver) ObserveSafety(safety.Snapshot) {}

func copyFlags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyConfig(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyConfig(nested)
			continue
		}
		out[k] = v
	}
	return out
}
