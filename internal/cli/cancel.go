package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel SESSION",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := apiPost("/v1/sessions/"+args[0]+"/cancel", struct{}{}, nil); err != nil {
		return err
	}

	fmt.Printf("Cancelled session %s\n", args[0])
	return nil
}
