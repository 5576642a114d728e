// Package reconcile sequences a ledger transaction and its mirror write as a
// two-phase operation without a shared transaction coordinator.
//
// Phase one journals the transaction hash before broadcast and waits for
// confirmation. Phase two derives the canonical result from the ledger and
// writes it to the mirror. A confirmed transaction whose mirror write fails
// stays in the journal and is retried with backoff until it succeeds or is
// surfaced to an operator.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	"github.com/R3E-Network/animal_rescue/internal/config"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/lock"
	"github.com/R3E-Network/animal_rescue/internal/logging"
	"github.com/R3E-Network/animal_rescue/internal/metrics"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

// Config tunes the engine.
type Config struct {
	// Operator signs mints.
	Operator       string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
	UnknownTxMaxAge   time.Duration
	BatchSize         int
	MaxCASRetries     int

	MintLockKey string
	MintLockTTL time.Duration

	// RatePerSecond <= 0 disables submission throttling.
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:    2 * time.Minute,
		PollInterval:      2 * time.Second,
		MaxRetries:        8,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		UnknownTxMaxAge:   time.Hour,
		BatchSize:         100,
		MaxCASRetries:     5,
		MintLockKey:       "rescue:mint-lock",
		MintLockTTL:       5 * time.Minute,
	}
}

// ConfigFrom builds the engine configuration from the service configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Operator:          c.Chain.Operator,
		ConfirmTimeout:    c.Chain.ConfirmTimeout,
		PollInterval:      c.Chain.PollInterval,
		MaxRetries:        c.Reconcile.MaxRetries,
		InitialBackoff:    c.Reconcile.InitialBackoff,
		MaxBackoff:        c.Reconcile.MaxBackoff,
		BackoffMultiplier: c.Reconcile.BackoffMultiplier,
		Jitter:            c.Reconcile.Jitter,
		UnknownTxMaxAge:   c.Reconcile.UnknownTxMaxAge,
		BatchSize:         c.Reconcile.BatchSize,
		MaxCASRetries:     c.Mirror.MaxCASRetries,
		MintLockKey:       c.Lock.Key,
		MintLockTTL:       c.Lock.TTL,
		RatePerSecond:     c.Submit.RatePerSecond,
		Burst:             c.Submit.Burst,
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Contract  *chain.RescueContract
	Resolver  *resolver.Resolver
	Mirror    mirror.Store
	Journal   journal.Journal
	Locker    lock.Locker
	Incidents incident.Sink
	Logger    *logging.Logger
}

// Engine drives every ledger-backed operation.
type Engine struct {
	cfg       Config
	contract  *chain.RescueContract
	resolver  *resolver.Resolver
	mirror    mirror.Store
	journal   journal.Journal
	locker    lock.Locker
	incidents incident.Sink
	logger    *logging.Logger

	limiter  *rate.Limiter
	entities *keyedMutex
	handlers map[journal.Operation]handler
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an Engine. Zero config fields take their defaults.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.UnknownTxMaxAge <= 0 {
		cfg.UnknownTxMaxAge = def.UnknownTxMaxAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = def.MaxCASRetries
	}
	if cfg.MintLockKey == "" {
		cfg.MintLockKey = def.MintLockKey
	}
	if cfg.MintLockTTL <= 0 {
		cfg.MintLockTTL = def.MintLockTTL
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscard()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Resolver == nil {
		deps.Resolver = resolver.New(deps.Contract, resolver.Config{}, deps.Logger)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	e := &Engine{
		cfg:       cfg,
		contract:  deps.Contract,
		resolver:  deps.Resolver,
		mirror:    deps.Mirror,
		journal:   deps.Journal,
		locker:    deps.Locker,
		incidents: deps.Incidents,
		logger:    deps.Logger.WithComponent("reconcile"),
		limiter:   limiter,
		entities:  newKeyedMutex(),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.handlers = e.buildHandlers()
	return e
}

// Journal returns the engine's journal.
func (e *Engine) Journal() journal.Journal { return e.journal }

// Incidents returns the engine's incident sink.
func (e *Engine) Incidents() incident.Sink { return e.incidents }

// =============================================================================
// Entity gate
// =============================================================================

// enter serializes work on entity and replays its open journal records. It
// fails with ReconciliationPending while an earlier operation on the entity
// is still unsettled, so a second ledger write is never issued on top of an
// unknown one.
func (e *Engine) enter(ctx context.Context, entity string) (func(), error) {
	unlock, err := e.entities.Lock(ctx, entity)
	if err != nil {
		return nil, err
	}

	recs, err := e.journal.ListByEntity(ctx, entity)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("list journal for %s: %w", entity, err)
	}
	for _, rec := range recs {
		if !rec.State.Open() {
			continue
		}
		rec, _ = e.reconcile(ctx, rec)
		if rec.State.Open() {
			unlock()
			return nil, svcerrors.ReconciliationPending(entity).WithDetails("record", rec.ID)
		}
	}
	return unlock, nil
}

// =============================================================================
// Two-phase submission
// =============================================================================

// submission describes one ledger write. The caller holds the entity gate.
type submission struct {
	entity  string
	op      journal.Operation
	payload interface{}
	prepare func(ctx context.Context) (*chain.PreparedTx, error)
	// live carries in-process state to phase two, such as the mint lock.
	live *liveState
}

type liveState struct {
	exclusive bool
	// lockUntil is when the mint lease taken before the supply read expires.
	lockUntil time.Time
}

// submit runs both phases. The returned record reflects the final journal
// state; the error is the domain error for the caller.
func (e *Engine) submit(ctx context.Context, s submission) (journal.Record, error) {
	if !e.limiter.Allow() {
		return journal.Record{}, svcerrors.RateLimitExceeded(float64(e.limiter.Limit()), e.limiter.Burst())
	}
	op := string(s.op)

	tx, err := s.prepare(ctx)
	if err != nil {
		metrics.RecordSubmission(op, "rejected")
		return journal.Record{}, err
	}

	payload, err := json.Marshal(s.payload)
	if err != nil {
		return journal.Record{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	rec, err := e.journal.Append(ctx, journal.Record{
		EntityKey: s.entity,
		Operation: s.op,
		TxHash:    tx.Hash,
		State:     journal.StateSubmitted,
		Payload:   payload,
	})
	if err != nil {
		// Nothing was broadcast.
		return journal.Record{}, fmt.Errorf("journal %s: %w", op, err)
	}

	fields := map[string]interface{}{"operation": op, "entity": s.entity, "tx_hash": tx.Hash, "record": rec.ID}
	start := e.now()

	if err := e.contract.Broadcast(ctx, tx); err != nil {
		if chain.IsRejected(err) {
			metrics.RecordSubmission(op, "rejected")
			e.logger.Warn(ctx, "ledger refused transaction", merge(fields, "error", err.Error()))
			rec.LastError = err.Error()
			rec, _ = e.revert(ctx, rec)
			return rec, svcerrors.TransactionRejected(tx.Hash, err)
		}
		// The node may have accepted it; wait as if it had.
		e.logger.Warn(ctx, "broadcast outcome unknown", merge(fields, "error", err.Error()))
	}

	log, err := e.waitConfirmed(ctx, tx.Hash)
	if err != nil {
		metrics.RecordSubmission(op, "timeout")
		e.logger.Warn(ctx, "transaction outcome unknown", merge(fields, "error", err.Error()))
		return rec, svcerrors.TransactionTimeout(tx.Hash).WithDetails("record", rec.ID)
	}
	metrics.RecordConfirmation(op, e.now().Sub(start))

	return e.settle(ctx, rec, log, s.live)
}

// waitConfirmed waits up to the confirm timeout, then re-queries the status
// once before giving up. It never resubmits.
func (e *Engine) waitConfirmed(ctx context.Context, txHash string) (*chain.ApplicationLog, error) {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	log, err := e.contract.WaitForConfirmation(wctx, txHash, e.cfg.PollInterval)
	cancel()
	if err == nil {
		return log, nil
	}

	qctx := ctx
	if ctx.Err() != nil {
		var qcancel context.CancelFunc
		qctx, qcancel = context.WithTimeout(context.Background(), e.cfg.PollInterval+time.Second)
		defer qcancel()
	}
	log, found, qerr := e.contract.Status(qctx, txHash)
	if qerr != nil {
		return nil, qerr
	}
	if !found {
		return nil, err
	}
	return log, nil
}

// settle applies a confirmed application log to rec.
func (e *Engine) settle(ctx context.Context, rec journal.Record, log *chain.ApplicationLog, live *liveState) (journal.Record, error) {
	op := string(rec.Operation)
	if execErr := chain.CheckExecution(log); execErr != nil {
		metrics.RecordSubmission(op, "reverted")
		e.logger.Info(ctx, "transaction reverted", map[string]interface{}{
			"operation": op,
			"entity":    rec.EntityKey,
			"tx_hash":   rec.TxHash,
			"error":     execErr.Error(),
		})
		rec.LastError = execErr.Error()
		rec, _ = e.revert(ctx, rec)
		return rec, execErr
	}
	if rec.State == journal.StateSubmitted {
		metrics.RecordSubmission(op, "confirmed")
	}

	h, ok := e.handlers[rec.Operation]
	if !ok {
		return rec, fmt.Errorf("no handler for operation %s", op)
	}
	if len(rec.Result) == 0 {
		result, err := h.derive(ctx, phase2{rec: rec, log: log, live: live})
		if err != nil {
			return e.mirrorFailed(ctx, rec, fmt.Errorf("derive: %w", err))
		}
		if rec.Result, err = json.Marshal(result); err != nil {
			return rec, fmt.Errorf("encode %s result: %w", op, err)
		}
	}
	rec.State = journal.StateMirrorPending
	return e.writeMirror(ctx, rec)
}

func (e *Engine) writeMirror(ctx context.Context, rec journal.Record) (journal.Record, error) {
	h := e.handlers[rec.Operation]
	if err := h.write(ctx, rec); err != nil {
		return e.mirrorFailed(ctx, rec, err)
	}

	rec.State = journal.StateDone
	rec.LastError = ""
	rec.NextAttemptAt = time.Time{}
	metrics.RecordReconcileAttempt(string(rec.Operation), "done")
	updated, err := e.journal.Update(ctx, rec)
	if err != nil {
		// The mirror is written; a replay finds nothing to change.
		e.logger.Error(ctx, "failed to mark journal record done", err, map[string]interface{}{"record": rec.ID})
		return rec, nil
	}
	return updated, nil
}

// mirrorFailed schedules a retry, or surfaces the record once retries run out.
func (e *Engine) mirrorFailed(ctx context.Context, rec journal.Record, cause error) (journal.Record, error) {
	rec.Attempts++
	rec.LastError = cause.Error()
	fields := map[string]interface{}{
		"operation": string(rec.Operation),
		"entity":    rec.EntityKey,
		"tx_hash":   rec.TxHash,
		"record":    rec.ID,
		"attempts":  rec.Attempts,
	}

	if rec.Attempts >= e.cfg.MaxRetries {
		rec.State = journal.StateSurfaced
		rec.NextAttemptAt = time.Time{}
		metrics.RecordReconcileAttempt(string(rec.Operation), "surfaced")
		e.logger.Error(ctx, "mirror write retries exhausted", cause, fields)
		e.report(ctx, incident.Incident{
			Kind:      incident.KindMirrorSurfaced,
			EntityKey: rec.EntityKey,
			TxHash:    rec.TxHash,
			RecordID:  rec.ID,
			Message:   "mirror write failed after ledger confirmation; retries exhausted",
			Details: map[string]string{
				"operation": string(rec.Operation),
				"attempts":  fmt.Sprint(rec.Attempts),
				"error":     cause.Error(),
			},
		})
	} else {
		if rec.State == journal.StateSubmitted || rec.State == journal.StateSurfaced {
			rec.State = journal.StateMirrorPending
		}
		rec.NextAttemptAt = e.now().Add(e.backoff(rec.Attempts))
		metrics.RecordReconcileAttempt(string(rec.Operation), "retry")
		e.logger.Warn(ctx, "mirror write failed, will retry", merge(fields, "error", cause.Error()))
	}

	if updated, err := e.journal.Update(ctx, rec); err == nil {
		rec = updated
	} else {
		e.logger.Error(ctx, "failed to update journal record", err, map[string]interface{}{"record": rec.ID})
	}
	return rec, svcerrors.MirrorWriteFailed(rec.EntityKey, cause).
		WithDetails("record", rec.ID).
		WithDetails("tx_hash", rec.TxHash)
}

// revert marks rec reverted and runs the operation's compensation.
func (e *Engine) revert(ctx context.Context, rec journal.Record) (journal.Record, error) {
	rec.State = journal.StateReverted
	if h, ok := e.handlers[rec.Operation]; ok && h.compensate != nil {
		if err := h.compensate(ctx, rec); err != nil {
			e.logger.Error(ctx, "compensation failed", err, map[string]interface{}{"record": rec.ID, "entity": rec.EntityKey})
		}
	}
	if h, ok := e.handlers[rec.Operation]; ok && h.revertResult != nil {
		if raw, err := json.Marshal(h.revertResult(rec)); err == nil {
			rec.Result = raw
		}
	}
	updated, err := e.journal.Update(ctx, rec)
	if err != nil {
		e.logger.Error(ctx, "failed to mark journal record reverted", err, map[string]interface{}{"record": rec.ID})
		return rec, err
	}
	return updated, nil
}

// =============================================================================
// Helpers
// =============================================================================

// backoff returns the delay before retry number attempt, growing by the
// multiplier up to MaxBackoff with symmetric jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := float64(e.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= e.cfg.BackoffMultiplier
		if delay > float64(e.cfg.MaxBackoff) {
			delay = float64(e.cfg.MaxBackoff)
			break
		}
	}
	if e.cfg.Jitter > 0 {
		e.rngMu.Lock()
		f := 1 + e.cfg.Jitter*(2*e.rng.Float64()-1)
		e.rngMu.Unlock()
		delay *= f
	}
	return time.Duration(delay)
}

func (e *Engine) report(ctx context.Context, inc incident.Incident) {
	if e.incidents == nil {
		return
	}
	if _, err := e.incidents.Report(ctx, inc); err != nil {
		e.logger.Error(ctx, "failed to report incident", err, map[string]interface{}{"entity": inc.EntityKey, "kind": string(inc.Kind)})
	}
}

func merge(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("empty record data")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
