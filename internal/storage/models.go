package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SafetyEventRecord is a journaled safety event.
type SafetyEventRecord struct {
	ID            int64
	Timestamp     time.Time
	Code          string
	Level         string
	Message       string
	PipelineState string
	Meta          json.RawMessage
	CreatedAt     time.Time
}

// ExecutionRecord is a journaled broker submission.
type ExecutionRecord struct {
	ID           int64
	IntentID     string
	BrokerID     string
	OrderID      string
	Symbol       string
	Side         string
	Quantity     decimal.Decimal
	Status       string
	Accepted     bool
	DryRun       bool
	FilledQty    int64
	AvgFillPrice *decimal.Decimal
	Message      string
	LatencyMS    int64
	CreatedAt    time.Time
}
