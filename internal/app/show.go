package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// ShowOptions configure the journal show command.
type ShowOptions struct {
	Limit      int
	Executions bool
}

// Show prints recent safety events, or executions when opts.Executions is set.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show journal")
	}
	if closeStore != nil {
		defer closeStore()
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if opts.Executions {
		execs, err := store.ListRecentExecutions(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Fprintln(w, "no executions found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tBroker\tSymbol\tSide\tQty\tStatus\tOrder\tDryRun\tLatency\tMessage")
		for _, e := range execs {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%dms\t%s\n",
				e.CreatedAt.UTC().Format(time.RFC3339),
				e.BrokerID,
				e.Symbol,
				e.Side,
				formatDecimal(e.Quantity, 0),
				e.Status,
				e.OrderID,
				e.DryRun,
				e.LatencyMS,
				sanitizeInline(e.Message),
			)
		}
		return writer.Flush()
	}

	events, err := store.ListRecentSafetyEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no safety events found")
		return nil
	}
	fmt.Fprintln(writer, "Time (UTC)\tCode\tLevel\tState\tMessage\tMeta")
	for _, e := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Code,
			e.Level,
			e.PipelineState,
			sanitizeInline(e.Message),
			sanitizeInline(string(e.Meta)),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
