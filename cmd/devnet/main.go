// Command devnet serves an in-process rescue ledger over JSON-RPC for local
// development and integration testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	"github.com/R3E-Network/animal_rescue/internal/ledger"
	"github.com/R3E-Network/animal_rescue/internal/logging"
)

var opts struct {
	listen       string
	owner        string
	contract     string
	blockTime    time.Duration
	mintEvent    string
	stripLogs    bool
	noBlockIndex bool
	logLevel     string
}

var rootCmd = &cobra.Command{
	Use:           "devnet",
	Short:         "Run a single-node rescue ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.listen, "listen", ":20332", "JSON-RPC listen address")
	f.StringVar(&opts.owner, "owner", "", "contract owner address (required)")
	f.StringVar(&opts.contract, "contract-hash", "0x00000000000000000000000000000000cafe0001", "script hash the contract is deployed at")
	f.DurationVar(&opts.blockTime, "block-time", 0, "seal a block every interval; 0 seals on every transaction")
	f.StringVar(&opts.mintEvent, "mint-event", chain.EventMinted, "name of the mint notification")
	f.BoolVar(&opts.stripLogs, "strip-logs", false, "omit notifications from application logs")
	f.BoolVar(&opts.noBlockIndex, "no-block-notifications", false, "disable getblocknotifications")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
}

func run(cmd *cobra.Command, args []string) error {
	if opts.owner == "" {
		return fmt.Errorf("--owner is required")
	}
	owner, err := chain.ParseAddress(opts.owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	hash, err := chain.ParseAddress(opts.contract)
	if err != nil {
		return fmt.Errorf("contract hash: %w", err)
	}

	logger := logging.New("devnet", opts.logLevel, "text")
	contract := ledger.NewContract(hash, owner, ledger.WithMintedEventName(opts.mintEvent))

	var nodeOpts []ledger.NodeOption
	if opts.blockTime > 0 {
		nodeOpts = append(nodeOpts, ledger.WithManualMining())
	}
	node := ledger.NewNode(contract, nodeOpts...)
	node.SetStripLogs(opts.stripLogs)
	node.SetBlockNotifications(!opts.noBlockIndex)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.blockTime > 0 {
		go node.Run(ctx, opts.blockTime)
	}

	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           ledger.NewRPCServer(node, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info(ctx, "devnet ready", map[string]interface{}{
		"addr":     opts.listen,
		"contract": node.ContractHash(),
		"owner":    chain.AddressOf(owner),
	})

	select {
	case <-ctx.Done():
	case err = <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devnet:", err)
		os.Exit(1)
	}
}
