package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"tradecore/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// Build info needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
				"version": version.Version,
				"commit":  version.Commit,
				"built":   version.BuildDate,
				"go":      runtime.Version(),
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tradecore %s\ngo: %s\n", version.String(), runtime.Version())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
