package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/animal_rescue/internal/config"
	"github.com/R3E-Network/animal_rescue/internal/mirror/postgres"
	"github.com/R3E-Network/animal_rescue/internal/platform/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the mirror schema to the configured Postgres database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Mirror.Driver != "postgres" {
			return fmt.Errorf("mirror driver is %q; nothing to migrate", cfg.Mirror.Driver)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		pg, err := postgres.Open(ctx, cfg.Mirror.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := migrations.Apply(ctx, pg.DB()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "mirror schema up to date")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and ledger connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		svc, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		supply, err := svc.contract.TotalSupply(ctx)
		if err != nil {
			return fmt.Errorf("ledger unreachable: %w", err)
		}
		open, err := svc.engine.Journal().ListOpen(ctx, 0)
		if err != nil {
			return fmt.Errorf("journal unreadable: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ledger ok (total supply %d), %d open journal records\n", supply, len(open))
		return nil
	},
}
