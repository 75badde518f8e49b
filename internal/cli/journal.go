package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tradecore/internal/app"
)

var (
	showLimit      int
	showExecutions bool

	exportCSVPath string
	exportLimit   int
	exportSince   string

	pruneRetention time.Duration
	pruneDryRun    bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the safety event and execution journal",
}

var journalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent safety events or executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), app.ShowOptions{
			Limit:      showLimit,
			Executions: showExecutions,
		})
	},
}

var journalExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export journaled executions as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{CSVPath: exportCSVPath, Limit: exportLimit}
		if exportSince != "" {
			since, err := time.Parse(time.RFC3339, exportSince)
			if err != nil {
				return fmt.Errorf("invalid --since value: %w", err)
			}
			opts.Since = &since
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete safety events older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{
			Retention: pruneRetention,
			DryRun:    pruneDryRun,
		})
	},
}

func init() {
	journalShowCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	journalShowCmd.Flags().BoolVar(&showExecutions, "executions", false, "Show executions instead of safety events")

	journalExportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Destination CSV path")
	journalExportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Maximum rows to export")
	journalExportCmd.Flags().StringVar(&exportSince, "since", "", "Only rows created at or after this RFC3339 time")

	journalPruneCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "Retention window (defaults to database.journal_retention)")
	journalPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report the cutoff without deleting")

	journalCmd.AddCommand(journalShowCmd, journalExportCmd, journalPruneCmd)
}
