package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tradecore/internal/app"
	"tradecore/internal/config"
	"tradecore/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	verbose   bool
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "tradecore",
	Short:         "Safety-gated automated trading runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if cfg.Logging.App == "" {
			cfg.Logging.App = cfg.App.Name
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Force debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
