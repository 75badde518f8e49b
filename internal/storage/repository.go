package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS safety_events (
        id             BIGSERIAL PRIMARY KEY,
        event_ts       TIMESTAMPTZ NOT NULL,
        safety_code    TEXT NOT NULL,
        level          TEXT NOT NULL,
        message        TEXT NOT NULL,
        pipeline_state TEXT NOT NULL,
        meta           JSONB NOT NULL DEFAULT '{}'::jsonb,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS safety_events_ts_idx ON safety_events (event_ts);
    CREATE TABLE IF NOT EXISTS executions (
        id             BIGSERIAL PRIMARY KEY,
        intent_id      TEXT NOT NULL,
        broker_id      TEXT NOT NULL,
        order_id       TEXT NOT NULL,
        symbol         TEXT NOT NULL,
        side           TEXT NOT NULL,
        quantity       NUMERIC NOT NULL,
        status         TEXT NOT NULL,
        accepted       BOOLEAN NOT NULL,
        dry_run        BOOLEAN NOT NULL,
        filled_qty     BIGINT NOT NULL DEFAULT 0,
        avg_fill_price NUMERIC,
        message        TEXT NOT NULL DEFAULT '',
        latency_ms     BIGINT NOT NULL DEFAULT 0,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS executions_created_idx ON executions (created_at);`

	insertSafetyEventSQL = `INSERT INTO safety_events (
        event_ts,
        safety_code,
        level,
        message,
        pipeline_state,
        meta
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, created_at;`

	listRecentSafetyEventsSQL = `SELECT
        id,
        event_ts,
        safety_code,
        level,
        message,
        pipeline_state,
        meta,
        created_at
    FROM safety_events
    ORDER BY event_ts DESC, id DESC
    LIMIT $1;`

	deleteSafetyEventsBeforeSQL = `DELETE FROM safety_events WHERE event_ts < $1;`

	insertExecutionSQL = `INSERT INTO executions (
        intent_id,
        broker_id,
        order_id,
        symbol,
        side,
        quantity,
        status,
        accepted,
        dry_run,
        filled_qty,
        avg_fill_price,
        message,
        latency_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    RETURNING id, created_at;`

	listRecentExecutionsSQL = `SELECT
        id,
        intent_id,
        broker_id,
        order_id,
        symbol,
        side,
        quantity::text,
        status,
        accepted,
        dry_run,
        filled_qty,
        avg_fill_price::text,
        message,
        latency_ms,
        created_at
    FROM executions
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	pingSQL = `SELECT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SafetyEventStore persists safety events.
type SafetyEventStore interface {
	InsertSafetyEvent(ctx context.Context, rec SafetyEventRecord) (SafetyEventRecord, error)
	ListRecentSafetyEvents(ctx context.Context, limit int) ([]SafetyEventRecord, error)
	DeleteSafetyEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// ExecutionStore persists broker submissions.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the journals.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the journal tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping round-trips a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, pingSQL).Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSafetyEvent appends one event.
func (s *Store) InsertSafetyEvent(ctx context.Context, rec SafetyEventRecord) (SafetyEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return SafetyEventRecord{}, err
	}
	meta := rec.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	row := pool.QueryRow(ctx, insertSafetyEventSQL,
		rec.Timestamp,
		rec.Code,
		rec.Level,
		rec.Message,
		rec.PipelineState,
		meta,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return SafetyEventRecord{}, fmt.Errorf("insert safety event: %w", err)
	}
	rec.Meta = meta
	return rec, nil
}

// ListRecentSafetyEvents lists the newest events first.
func (s *Store) ListRecentSafetyEvents(ctx context.Context, limit int) ([]SafetyEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSafetyEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list safety events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]SafetyEventRecord, 0, limit)
	for rows.Next() {
		var rec SafetyEventRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.Code,
			&rec.Level,
			&rec.Message,
			&rec.PipelineState,
			&rec.Meta,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteSafetyEventsBefore prunes the journal and reports how many rows went.
func (s *Store) DeleteSafetyEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSafetyEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete safety events before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertExecution appends one submission.
func (s *Store) InsertExecution(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ExecutionRecord{}, err
	}
	var avg interface{}
	if rec.AvgFillPrice != nil {
		avg = rec.AvgFillPrice.String()
	}
	row := pool.QueryRow(ctx, insertExecutionSQL,
		rec.IntentID,
		rec.BrokerID,
		rec.OrderID,
		rec.Symbol,
		rec.Side,
		rec.Quantity.String(),
		rec.Status,
		rec.Accepted,
		rec.DryRun,
		rec.FilledQty,
		avg,
		rec.Message,
		rec.LatencyMS,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return ExecutionRecord{}, fmt.Errorf("insert execution: %w", err)
	}
	return rec, nil
}

// ListRecentExecutions lists the newest submissions first.
func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentExecutionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list executions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ExecutionRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanExecution(rows pgx.Rows) (ExecutionRecord, error) {
	var (
		rec    ExecutionRecord
		qtyStr string
		avgStr sql.NullString
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.IntentID,
		&rec.BrokerID,
		&rec.OrderID,
		&rec.Symbol,
		&rec.Side,
		&qtyStr,
		&rec.Status,
		&rec.Accepted,
		&rec.DryRun,
		&rec.FilledQty,
		&avgStr,
		&rec.Message,
		&rec.LatencyMS,
		&rec.CreatedAt,
	); err != nil {
		return ExecutionRecord{}, err
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse quantity: %w", err)
	}
	rec.Quantity = qty
	if avgStr.Valid {
		avg, err := decimal.NewFromString(avgStr.String)
		if err != nil {
			return ExecutionRecord{}, fmt.Errorf("parse avg fill price: %w", err)
		}
		rec.AvgFillPrice = &avg
	}
	return rec, nil
}

var (
	_ SafetyEventStore = (*Store)(nil)
	_ ExecutionStore   = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
