package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity attached to a safety event.
type Level string

const (
	LevelWarning Level = "WARNING"
	LevelFail    Level = "FAIL"
)

// Event is the record handed to notifiers whenever a code fires.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	Code          string         `json:"safety_code"`
	Level         Level          `json:"level"`
	Message       string         `json:"message"`
	PipelineState string         `json:"pipeline_state"`
	Meta          map[string]any `json:"meta"`
}

// Notifier receives safety events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "safety_events").Logger()}
}

// Notify logs the event at warn or error level.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	evt := n.logger.Warn()
	if event.Level == LevelFail {
		evt = n.logger.Error()
	}
	evt.Str("safety_code", event.Code).
		Str("pipeline_state", event.PipelineState).
		Interface("meta", event.Meta).
		Msg(event.Message)
	return nil
}

// MultiNotifier fans an event out to every notifier and joins their errors.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory, in emission order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
	_ Notifier = (*Recorder)(nil)
)
