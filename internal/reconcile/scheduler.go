package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/animal_rescue/internal/logging"
)

// Scheduler runs ReconcilePass on a cron schedule.
type Scheduler struct {
	engine   *Engine
	schedule string
	logger   *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a scheduler for a cron schedule such as "@every 30s".
func NewScheduler(engine *Engine, schedule string, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Scheduler{engine: engine, schedule: schedule, logger: logger.WithComponent("reconcile-scheduler")}
}

func (s *Scheduler) Name() string { return "reconcile-scheduler" }

// Start schedules the pass. Overlapping runs are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Info(ctx, "reconciliation scheduler started", map[string]interface{}{"schedule": s.schedule})
	return nil
}

// Stop cancels the running pass and waits for it to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running, s.cron, s.cancel = false, nil, nil
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single pass.
func (s *Scheduler) RunOnce(ctx context.Context) PassReport {
	report, err := s.engine.ReconcilePass(ctx)
	if err != nil {
		s.logger.Error(ctx, "reconciliation pass failed", err, nil)
	}
	return report
}
