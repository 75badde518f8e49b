package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tradecore/internal/app"
)

var runOpts app.RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading loop, scheduler and ops API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOpts.Scope != "" {
			switch strings.ToLower(runOpts.Scope) {
			case "scalp", "swing":
			default:
				return fmt.Errorf("--scope must be scalp or swing, got %q", runOpts.Scope)
			}
		}
		if runOpts.MaxIterations < 0 {
			return fmt.Errorf("--max-iterations must not be negative")
		}

		a := getApp()
		a.Apply(runOpts)
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runOpts.Scope, "scope", "", "Strategy scope: scalp or swing")
	runCmd.Flags().StringVar(&runOpts.Broker, "broker", "", "Broker id (mock-broker, kis, kiwoom)")
	runCmd.Flags().BoolVar(&runOpts.LocalOnly, "local-only", false, "Use the mock broker and no external services")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "Never submit real orders")
	runCmd.Flags().IntVar(&runOpts.MaxIterations, "max-iterations", 0, "Stop after N cycles (0 = unlimited)")
}
