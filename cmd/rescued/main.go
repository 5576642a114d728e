// Command rescued runs the rescue reconciliation service: the ledger-backed
// operation engine, the background reconciliation pass and the operator API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time.
	Version   = "dev"
	GitCommit = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "rescued",
	Short: "Animal rescue ledger reconciliation service",
	Long: `rescued submits rescue operations to the ledger, mirrors confirmed
state into the off-chain store, and keeps retrying until the two agree.

On startup it recovers every open journal record before serving.`,
	Version:       fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML)")
	rootCmd.AddCommand(serveCmd, migrateCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rescued:", err)
		os.Exit(1)
	}
}
