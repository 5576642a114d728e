// Command rescuectl is the operator client for rescued.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/animal_rescue/internal/adminapi"
	"github.com/R3E-Network/animal_rescue/internal/cli"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
	asJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "rescuectl",
	Short:         "Inspect and repair rescue ledger reconciliation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&serverURL, "server", "s", envOr("RESCUE_ADMIN_URL", "http://127.0.0.1:8090"), "operator API base URL")
	flags.StringVar(&token, "token", os.Getenv("RESCUE_ADMIN_TOKEN"), "bearer token")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	flags.BoolVar(&asJSON, "json", false, "print JSON")

	rootCmd.AddCommand(recordsCmd(), passCmd(), incidentsCmd(), resolveCmd(), tokenCmd())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func client() *adminapi.Client {
	return adminapi.NewClient(adminapi.ClientConfig{BaseURL: serverURL, Token: token, Timeout: timeout})
}

func printer(cmd *cobra.Command) *cli.Printer {
	return cli.NewPrinter(cmd.OutOrStdout(), asJSON)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		cli.NewPrinter(os.Stderr, false).Error(err.Error())
		os.Exit(1)
	}
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}
}
