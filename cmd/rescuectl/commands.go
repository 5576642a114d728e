package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/middleware"
)

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"rec"},
		Short:   "Pending reconciliation records",
	}

	var (
		state string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List open and surfaced records, or every record in --state",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := client().ListReconciliations(ctxOf(cmd), journal.State(state), limit)
			if err != nil {
				return err
			}
			return printer(cmd).Records(recs)
		},
	}
	list.Flags().StringVar(&state, "state", "", "submitted, mirror_pending, done, reverted or surfaced")
	list.Flags().IntVar(&limit, "limit", 0, "maximum records")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one record",
		Args:  exactArgs(1, "rescuectl records get ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := client().GetReconciliation(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printer(cmd).Record(rec)
		},
	}

	replay := &cobra.Command{
		Use:   "replay ID",
		Short: "Settle a record now, ignoring its retry schedule",
		Args:  exactArgs(1, "rescuectl records replay ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().Replay(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			p := printer(cmd)
			if p.JSON() {
				return p.Value(out)
			}
			if out.Error != "" {
				p.Warning(fmt.Sprintf("record %s still %s: %s", out.Record.ID, out.Record.State, out.Error))
			} else {
				p.Success(fmt.Sprintf("record %s is %s", out.Record.ID, out.Record.State))
			}
			return nil
		},
	}

	cmd.AddCommand(list, get, replay)
	return cmd
}

func passCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run a reconciliation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().RunPass(ctxOf(cmd))
			if err != nil {
				return err
			}
			return printer(cmd).Pass(report)
		},
	}
}

func incidentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Operator incidents",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List unacknowledged incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := client().ListIncidents(ctxOf(cmd), all)
			if err != nil {
				return err
			}
			return printer(cmd).Incidents(list)
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include acknowledged incidents")

	ack := &cobra.Command{
		Use:   "ack ID",
		Short: "Acknowledge an incident",
		Args:  exactArgs(1, "rescuectl incidents ack ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().AckIncident(ctxOf(cmd), args[0]); err != nil {
				return err
			}
			printer(cmd).Success("acknowledged " + args[0])
			return nil
		},
	}

	cmd.AddCommand(list, ack)
	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Recover token ids of confirmed mints",
	}

	var recipient string
	tx := &cobra.Command{
		Use:   "tx HASH",
		Short: "Resolve the token id minted by a transaction",
		Args:  exactArgs(1, "rescuectl resolve tx HASH"),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().ResolveMint(ctxOf(cmd), args[0], recipient)
			if err != nil {
				return err
			}
			return printer(cmd).Resolution(res)
		},
	}
	tx.Flags().StringVar(&recipient, "recipient", "", "address the token was minted to")

	animal := &cobra.Command{
		Use:   "animal ID",
		Short: "Resolve and record the token id of a minted animal",
		Args:  exactArgs(1, "rescuectl resolve animal ID"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := client().ResolveAnimal(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			p := printer(cmd)
			if p.JSON() {
				return p.Value(a)
			}
			if id, ok := a.TokenID(); ok {
				p.Success(fmt.Sprintf("animal %s is token %d", a.ID, id))
			} else {
				p.Warning(fmt.Sprintf("animal %s still has no token id", a.ID))
			}
			return nil
		},
	}

	cmd.AddCommand(tx, animal)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secret   string
		operator string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" || operator == "" {
				return fmt.Errorf("--secret and --operator are required")
			}
			tok, err := middleware.IssueToken(secret, operator, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret (admin.jwt_secret)")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded in audit logs")
	cmd.Flags().StringVar(&role, "role", "admin", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
