package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/bridge"
	"tradecore/internal/order"
	"tradecore/internal/safety"
)

// EventJournal persists safety events. It is a safety.Notifier.
type EventJournal struct {
	store  SafetyEventStore
	logger zerolog.Logger
}

// NewEventJournal wraps store.
func NewEventJournal(store SafetyEventStore, logger zerolog.Logger) *EventJournal {
	return &EventJournal{store: store, logger: logger.With().Str("component", "event_journal").Logger()}
}

// Notify writes the event.
func (j *EventJournal) Notify(ctx context.Context, e safety.Event) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	if e.Meta == nil {
		meta = json.RawMessage(`{}`)
	}
	rec, err := j.store.InsertSafetyEvent(ctx, SafetyEventRecord{
		Timestamp:     e.Timestamp,
		Code:          e.Code,
		Level:         string(e.Level),
		Message:       e.Message,
		PipelineState: e.PipelineState,
		Meta:          meta,
	})
	if err != nil {
		return err
	}
	j.logger.Debug().Int64("id", rec.ID).Str("safety_code", e.Code).Msg("safety event journaled")
	return nil
}

// Prune deletes events older than retention.
func (j *EventJournal) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := j.store.DeleteSafetyEventsBefore(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info().Int64("deleted", n).Dur("retention", retention).Msg("pruned safety events")
	}
	return n, nil
}

// ExecutionJournal persists broker submissions.
type ExecutionJournal struct {
	store  ExecutionStore
	logger zerolog.Logger
}

// NewExecutionJournal wraps store.
func NewExecutionJournal(store ExecutionStore, logger zerolog.Logger) *ExecutionJournal {
	return &ExecutionJournal{store: store, logger: logger.With().Str("component", "execution_journal").Logger()}
}

// Record writes one submission.
func (j *ExecutionJournal) Record(ctx context.Context, in order.Intent, sub bridge.Submission, dryRun bool) error {
	rec := ExecutionRecord{
		IntentID:     in.ID,
		BrokerID:     sub.Response.BrokerID,
		OrderID:      sub.Order.BrokerOrderID,
		Symbol:       in.Symbol,
		Side:         string(in.Side),
		Quantity:     decimal.NewFromFloat(in.Quantity),
		Status:       string(sub.Order.Status),
		Accepted:     sub.Response.Accepted,
		DryRun:       dryRun,
		FilledQty:    sub.Order.FilledQty,
		AvgFillPrice: sub.Order.AvgFillPrice,
		Message:      sub.Response.Message,
		LatencyMS:    sub.Latency.Milliseconds(),
	}
	saved, err := j.store.InsertExecution(ctx, rec)
	if err != nil {
		return err
	}
	j.logger.Info().
		Int64("id", saved.ID).
		Str("intent_id", in.ID).
		Str("order_id", rec.OrderID).
		Str("status", rec.Status).
		Msg("execution journaled")
	return nil
}

// CycleLock serialises ETEDA cycles across processes with an advisory lock.
type CycleLock struct {
	locker AdvisoryLocker
	key    int64
}

// NewCycleLock binds locker to key.
func NewCycleLock(locker AdvisoryLocker, key int64) *CycleLock {
	return &CycleLock{locker: locker, key: key}
}

// TryLock takes the lock without waiting.
func (l *CycleLock) TryLock(ctx context.Context) (func(), bool, error) {
	return l.locker.TryAdvisoryLock(ctx, l.key)
}

var _ safety.Notifier = (*EventJournal)(nil)
