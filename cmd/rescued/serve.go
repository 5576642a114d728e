package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/animal_rescue/internal/adminapi"
	"github.com/R3E-Network/animal_rescue/internal/chain"
	"github.com/R3E-Network/animal_rescue/internal/config"
	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/journal/sqlite"
	"github.com/R3E-Network/animal_rescue/internal/lock"
	"github.com/R3E-Network/animal_rescue/internal/logging"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/mirror/memory"
	"github.com/R3E-Network/animal_rescue/internal/mirror/postgres"
	"github.com/R3E-Network/animal_rescue/internal/platform/migrations"
	"github.com/R3E-Network/animal_rescue/internal/reconcile"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover open records, then run the scheduler and operator API",
	RunE:  runServe,
}

// service holds everything serve builds, so it can be torn down in order.
type service struct {
	cfg      *config.Config
	logger   *logging.Logger
	contract *chain.RescueContract
	engine   *reconcile.Engine
	res      *resolver.Resolver
	closers  []io.Closer
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn(context.Background(), "close failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (*service, error) {
	logger := logging.New("rescued", cfg.Log.Level, cfg.Log.Format)
	s := &service{cfg: cfg, logger: logger}

	client, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.Chain.RPCURL,
		NetworkID: cfg.Chain.NetworkID,
		Timeout:   cfg.Chain.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("chain client: %w", err)
	}
	contract := chain.NewRescueContract(client, cfg.Chain.ContractHash)
	s.contract = contract

	var store mirror.Store
	switch cfg.Mirror.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Mirror.DSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pg)
		if err := migrations.Apply(ctx, pg.DB()); err != nil {
			s.Close()
			return nil, err
		}
		store = pg
	default:
		logger.Warn(ctx, "mirror kept in memory; state is lost on restart", nil)
		store = memory.New()
	}

	var jrnl journal.Journal
	if cfg.Journal.Path != "" {
		sq, err := sqlite.Open(cfg.Journal.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, sq)
		jrnl = sq
	} else {
		logger.Warn(ctx, "journal kept in memory; pending records are lost on restart", nil)
		jrnl = journal.NewMemory()
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.Driver == "redis" {
		rl, err := lock.DialRedis(ctx, cfg.Lock.RedisAddr)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, rl)
		locker = rl
	}

	var audit io.Writer = os.Stderr
	if cfg.Log.IncidentPath != "" {
		f, err := os.OpenFile(cfg.Log.IncidentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open incident log: %w", err)
		}
		s.closers = append(s.closers, f)
		audit = f
	}

	s.res = resolver.New(contract, resolver.Config{
		ProbeCap:     cfg.Resolver.ProbeCap,
		EventAliases: cfg.Resolver.EventAliases,
		BlockWindow:  cfg.Resolver.BlockWindow,
	}, logger)

	s.engine = reconcile.New(reconcile.ConfigFrom(cfg), reconcile.Deps{
		Contract:  contract,
		Resolver:  s.res,
		Mirror:    store,
		Journal:   jrnl,
		Locker:    locker,
		Incidents: incident.NewRecorder(audit),
		Logger:    logger,
	})
	return s, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	logger := svc.logger

	logger.Info(ctx, "recovering open journal records", nil)
	report, err := svc.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	logger.Info(ctx, "startup recovery finished", map[string]interface{}{
		"scanned":  report.Scanned,
		"settled":  report.Settled,
		"failed":   report.Failed,
		"surfaced": report.Surfaced,
		"open":     report.Open,
	})

	sched := reconcile.NewScheduler(svc.engine, cfg.Reconcile.Schedule, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Admin.ListenAddr,
		Handler:           adminapi.NewServer(svc.engine, svc.res, cfg.Admin.JWTSecret, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Admin.JWTSecret == "" {
		logger.Warn(ctx, "operator API is unauthenticated; set admin.jwt_secret", nil)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "operator API listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down", nil)
	case err = <-errCh:
		logger.Error(context.Background(), "operator API failed", err, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn(shutdownCtx, "operator API shutdown", map[string]interface{}{"error": serr.Error()})
	}
	if serr := sched.Stop(shutdownCtx); serr != nil {
		logger.Warn(shutdownCtx, "scheduler shutdown", map[string]interface{}{"error": serr.Error()})
	}
	return err
}
