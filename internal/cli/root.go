// Package cli implements the vitalis command-line interface using Cobra.
// `serve` boots the daemon in-process; every other subcommand talks to a
// running daemon over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vitalis",
	Short: "Vitalis — offline clinical decision support",
	Long: `Vitalis runs a multi-model diagnostic pipeline on a single machine.
Consultations stay on-site; only anonymized override audits ever leave.

Start the daemon with 'vitalis serve', then submit encounters with 'vitalis run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "",
		"Daemon address (default from ~/.vitalis/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
