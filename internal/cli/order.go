package cli

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var orderPayload string

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Order utilities",
}

var orderSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an order payload through the gates in dry-run",
	Long:  "Reads a JSON payload from --payload, or from stdin when --payload is '-', and prints the execution result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch orderPayload {
		case "":
			return errors.New("--payload is required")
		case "-":
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw = b
		default:
			if b, err := os.ReadFile(orderPayload); err == nil {
				raw = b
			} else {
				raw = []byte(orderPayload)
			}
		}
		return getApp().SimulateOrder(cmd.Context(), cmd.OutOrStdout(), raw)
	},
}

func init() {
	orderSimulateCmd.Flags().StringVar(&orderPayload, "payload", "", "JSON payload, a file path, or '-' for stdin")
	orderCmd.AddCommand(orderSimulateCmd)
}
