package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/animal_rescue/internal/adoption"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/metrics"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
)

// Replay settles one record now, ignoring its retry schedule. Replaying a
// record whose mirror write already happened changes nothing.
func (e *Engine) Replay(ctx context.Context, id string) (journal.Record, error) {
	rec, err := e.journal.Get(ctx, id)
	if errors.Is(err, journal.ErrNotFound) {
		return journal.Record{}, svcerrors.UnknownEntity("reconciliation", id)
	}
	if err != nil {
		return journal.Record{}, err
	}

	unlock, err := e.entities.Lock(ctx, rec.EntityKey)
	if err != nil {
		return rec, err
	}
	defer unlock()

	if rec, err = e.journal.Get(ctx, id); err != nil {
		return rec, err
	}
	return e.reconcile(ctx, rec)
}

// reconcile moves rec forward as far as the ledger and mirror allow. The
// caller holds the entity lock.
func (e *Engine) reconcile(ctx context.Context, rec journal.Record) (journal.Record, error) {
	switch rec.State {
	case journal.StateDone, journal.StateReverted:
		return rec, nil

	case journal.StateSubmitted:
		log, found, err := e.contract.Status(ctx, rec.TxHash)
		if err != nil {
			return rec, fmt.Errorf("query %s: %w", rec.TxHash, err)
		}
		if found {
			return e.settle(ctx, rec, log, nil)
		}
		if e.now().Sub(rec.CreatedAt) > e.cfg.UnknownTxMaxAge {
			return e.surfaceUnknown(ctx, rec)
		}
		return rec, svcerrors.TransactionTimeout(rec.TxHash).WithDetails("record", rec.ID)

	default:
		if len(rec.Result) > 0 {
			return e.writeMirror(ctx, rec)
		}
		log, found, err := e.contract.Status(ctx, rec.TxHash)
		if err != nil {
			return rec, fmt.Errorf("query %s: %w", rec.TxHash, err)
		}
		if !found {
			return rec, svcerrors.TransactionTimeout(rec.TxHash).WithDetails("record", rec.ID)
		}
		return e.settle(ctx, rec, log, nil)
	}
}

func (e *Engine) surfaceUnknown(ctx context.Context, rec journal.Record) (journal.Record, error) {
	rec.State = journal.StateSurfaced
	rec.LastError = "transaction never observed on the ledger"
	metrics.RecordReconcileAttempt(string(rec.Operation), "surfaced")
	e.report(ctx, incident.Incident{
		Kind:      incident.KindUnknownTransaction,
		EntityKey: rec.EntityKey,
		TxHash:    rec.TxHash,
		RecordID:  rec.ID,
		Message:   "submitted transaction was never observed on the ledger",
		Details:   map[string]string{"operation": string(rec.Operation), "submitted_at": rec.CreatedAt.String()},
	})
	updated, err := e.journal.Update(ctx, rec)
	if err != nil {
		return rec, err
	}
	return updated, nil
}

// =============================================================================
// Background pass
// =============================================================================

// PassReport summarizes one reconciliation pass.
type PassReport struct {
	Scanned  int `json:"scanned"`
	Settled  int `json:"settled"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
	Surfaced int `json:"surfaced"`
	Repaired int `json:"repaired"`
	Open     int `json:"open"`
}

// ReconcilePass retries open records whose backoff has elapsed, then audits
// mirror ownership against the ledger.
func (e *Engine) ReconcilePass(ctx context.Context) (PassReport, error) {
	return e.pass(ctx, false)
}

// Recover replays every open record regardless of backoff, ignoring the
// batch size. It runs at startup before new writes are accepted.
func (e *Engine) Recover(ctx context.Context) (PassReport, error) {
	return e.pass(ctx, true)
}

func (e *Engine) pass(ctx context.Context, force bool) (PassReport, error) {
	var report PassReport
	limit := e.cfg.BatchSize
	if force {
		limit = 0
	}
	recs, err := e.journal.ListOpen(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list open records: %w", err)
	}

	now := e.now()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if !force && rec.State == journal.StateMirrorPending && rec.NextAttemptAt.After(now) {
			report.Deferred++
			continue
		}

		unlock, err := e.entities.Lock(ctx, rec.EntityKey)
		if err != nil {
			return report, err
		}
		fresh, err := e.journal.Get(ctx, rec.ID)
		if err != nil || !fresh.State.Open() {
			unlock()
			continue
		}
		out, rerr := e.reconcile(ctx, fresh)
		unlock()

		switch {
		case out.State == journal.StateSurfaced:
			report.Surfaced++
		case !out.State.Open():
			report.Settled++
		case rerr != nil:
			report.Failed++
		}
	}

	repaired, err := e.AuditOwnership(ctx)
	report.Repaired = repaired
	if err != nil {
		e.logger.Warn(ctx, "ownership audit failed", map[string]interface{}{"error": err.Error()})
	}

	if open, err := e.journal.ListOpen(ctx, 0); err == nil {
		report.Open = len(open)
		metrics.SetOpenRecords(len(open))
	}

	e.logger.Info(ctx, "reconciliation pass complete", map[string]interface{}{
		"scanned":  report.Scanned,
		"settled":  report.Settled,
		"deferred": report.Deferred,
		"failed":   report.Failed,
		"surfaced": report.Surfaced,
		"repaired": report.Repaired,
		"open":     report.Open,
	})
	return report, nil
}

// AuditOwnership re-derives owner and adopter of every minted animal from the
// ledger's ownerOf and repairs the mirror where it drifted. Animals with open
// journal records are skipped; their replay will converge them.
func (e *Engine) AuditOwnership(ctx context.Context) (int, error) {
	docs, err := e.mirror.List(ctx, mirror.KindAnimal)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, doc := range docs {
		a, _, err := mirror.Load[mirror.Animal](ctx, e.mirror, mirror.KindAnimal, doc.ID)
		if err != nil {
			continue
		}
		tokenID, ok := a.TokenID()
		if !ok {
			continue
		}
		fixed, err := e.auditAnimal(ctx, a.ID, tokenID)
		if err != nil {
			e.logger.Warn(ctx, "ownership audit skipped animal", map[string]interface{}{"entity": animalKey(a.ID), "error": err.Error()})
			continue
		}
		if fixed {
			repaired++
		}
	}
	return repaired, nil
}

func (e *Engine) auditAnimal(ctx context.Context, animalID string, tokenID uint64) (bool, error) {
	entity := animalKey(animalID)
	unlock, err := e.entities.Lock(ctx, entity)
	if err != nil {
		return false, err
	}
	defer unlock()

	recs, err := e.journal.ListByEntity(ctx, entity)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.State.Open() {
			return false, nil
		}
	}

	owner, err := e.contract.OwnerOf(ctx, tokenID)
	if svcerrors.IsCode(err, svcerrors.CodeUnknownEntity) {
		e.report(ctx, incident.Incident{
			Kind:      incident.KindDivergence,
			EntityKey: entity,
			Message:   "mirror references a token the ledger does not have",
			Details:   map[string]string{"token_id": mirror.ID(tokenID)},
		})
		return false, nil
	}
	if err != nil {
		return false, err
	}

	before := ""
	_, err = e.updateAnimal(ctx, animalID, func(a *mirror.Animal) (bool, error) {
		before = a.Owner
		return adoption.SyncOwner(a, owner), nil
	})
	if err != nil {
		return false, err
	}
	if before == owner {
		return false, nil
	}
	metrics.RecordReconcileAttempt("audit", "repaired")
	e.logger.Info(ctx, "repaired mirror ownership", map[string]interface{}{
		"entity":   entity,
		"token_id": tokenID,
		"was":      before,
		"owner":    owner,
	})
	return true, nil
}
