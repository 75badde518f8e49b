package cli

import (
	"github.com/spf13/cobra"
)

var schemaExpected string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and evolve the mapping schema",
}

var schemaHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the schema version and normalized hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SchemaHash(cmd.OutOrStdout())
	},
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the pre-extract schema guard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SchemaCheck(cmd.OutOrStdout(), schemaExpected)
	},
}

var schemaDiffCmd = &cobra.Command{
	Use:   "diff <candidate.json>",
	Short: "Show the changes and version bump a candidate schema implies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SchemaDiff(cmd.OutOrStdout(), args[0])
	},
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply <candidate.json>",
	Short: "Back up the current schema and persist the candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SchemaApply(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	schemaCheckCmd.Flags().StringVar(&schemaExpected, "expected", "", "Expected schema version (defaults to runtime.expected_schema_version)")
	schemaCmd.AddCommand(schemaHashCmd, schemaCheckCmd, schemaDiffCmd, schemaApplyCmd)
}
