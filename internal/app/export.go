package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/storage"
)

// ExportOptions hold parameters for exporting journaled executions.
type ExportOptions struct {
	CSVPath string
	Limit   int
	Since   *time.Time
}

// Export writes recent executions as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	execs, err := store.ListRecentExecutions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	execs = filterSince(execs, opts.Since)
	if len(execs) == 0 {
		a.Logger.Info().Msg("no executions found for export window")
		return nil
	}

	a.Logger.Info().Int("exported", len(execs)).Str("path", opts.CSVPath).Msg("exporting executions")
	return writeExecutionsCSV(opts.CSVPath, execs)
}

func filterSince(execs []storage.ExecutionRecord, since *time.Time) []storage.ExecutionRecord {
	if since == nil {
		return execs
	}
	out := execs[:0]
	for _, e := range execs {
		if !e.CreatedAt.Before(*since) {
			out = append(out, e)
		}
	}
	return out
}

func writeExecutionsCSV(path string, execs []storage.ExecutionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "intent_id", "broker_id", "order_id", "symbol", "side", "quantity", "status", "accepted", "dry_run", "filled_qty", "avg_fill_price", "latency_ms", "message"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, e := range execs {
		avg := ""
		if e.AvgFillPrice != nil {
			avg = e.AvgFillPrice.String()
		}
		record := []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.IntentID,
			e.BrokerID,
			e.OrderID,
			e.Symbol,
			e.Side,
			e.Quantity.String(),
			e.Status,
			strconv.FormatBool(e.Accepted),
			strconv.FormatBool(e.DryRun),
			strconv.FormatInt(e.FilledQty, 10),
			avg,
			strconv.FormatInt(e.LatencyMS, 10),
			e.Message,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
