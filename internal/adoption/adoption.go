// Package adoption holds the application lifecycle rules and how each
// confirmed ledger transition is applied to the animal mirror record.
//
// Every function here mutates a *mirror.Animal in place and reports whether
// it changed, so it can run inside a mirror.Update compare-and-swap loop and
// be repeated safely after a crash.
package adoption

import (
	"fmt"
	"time"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
)

// ValidTransitions defines the allowed application stage transitions.
// Reserved exists only off-chain and may be released (deleted) instead.
var ValidTransitions = map[mirror.ApplicationStage][]mirror.ApplicationStage{
	mirror.StageReserved: {mirror.StagePending},
	mirror.StagePending:  {mirror.StageApproved, mirror.StageRejected},
	mirror.StageApproved: {mirror.StageCompleted, mirror.StageRejected},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to mirror.ApplicationStage) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid stage transition.
type TransitionError struct {
	ApplicationID uint64
	From          mirror.ApplicationStage
	To            mirror.ApplicationStage
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("application %d: invalid transition %s -> %s", e.ApplicationID, e.From, e.To)
}

// StageOf maps a ledger status to the mirror stage.
func StageOf(s chain.ApplicationStatus) mirror.ApplicationStage {
	switch s {
	case chain.StatusApproved:
		return mirror.StageApproved
	case chain.StatusRejected:
		return mirror.StageRejected
	case chain.StatusCompleted:
		return mirror.StageCompleted
	default:
		return mirror.StagePending
	}
}

// Open reports whether an application in stage s blocks another submission
// by the same applicant.
func Open(s mirror.ApplicationStage) bool {
	return s == mirror.StageReserved || s == mirror.StagePending || s == mirror.StageApproved
}

// holds reports whether s counts against the single-adopter rule.
func holds(s mirror.ApplicationStage) bool {
	return s == mirror.StageApproved || s == mirror.StageCompleted
}

// Holder returns the application that is approved or completed for the
// animal, if any. applicationID is excluded from the search when non-zero.
func Holder(a *mirror.Animal, exclude uint64) (*mirror.ApplicationEntry, bool) {
	for i := range a.Applications {
		e := &a.Applications[i]
		if holds(e.Stage) && (exclude == 0 || e.ApplicationID != exclude) {
			return e, true
		}
	}
	return nil, false
}

// =============================================================================
// Submission
// =============================================================================

// Reserve claims a submission slot for applicant. It fails with InvalidState
// when the applicant already has an open application for the animal, or when
// the animal has no resolved token or is already adopted.
func Reserve(a *mirror.Animal, applicant, reservationID string) error {
	if _, ok := a.TokenID(); !ok {
		return svcerrors.InvalidState("animal has no resolved token").WithDetails("animal", a.ID)
	}
	if e, ok := Holder(a, 0); ok && e.Stage == mirror.StageCompleted {
		return svcerrors.InvalidState("animal is already adopted").WithDetails("animal", a.ID)
	}
	for _, e := range a.Applications {
		if e.Applicant == applicant && Open(e.Stage) {
			return svcerrors.InvalidState("applicant already has an open application for this animal").
				WithDetails("animal", a.ID).
				WithDetails("stage", string(e.Stage))
		}
	}
	a.Applications = append(a.Applications, mirror.ApplicationEntry{
		ReservationID: reservationID,
		Applicant:     applicant,
		Stage:         mirror.StageReserved,
	})
	return nil
}

// Release drops a reservation that never reached the ledger.
func Release(a *mirror.Animal, reservationID string) bool {
	for i, e := range a.Applications {
		if e.ReservationID == reservationID && e.Stage == mirror.StageReserved {
			a.Applications = append(a.Applications[:i], a.Applications[i+1:]...)
			return true
		}
	}
	return false
}

// ConfirmSubmission records a confirmed submitApplication. The reservation
// is promoted to pending; if it is gone the entry is re-created from the
// ledger data.
func ConfirmSubmission(a *mirror.Animal, reservationID string, applicationID uint64, applicant, txHash string, at time.Time) bool {
	if e, ok := a.Application(applicationID); ok {
		if e.TxHash == "" {
			e.TxHash = txHash
			return true
		}
		return false
	}

	if e, ok := a.Reservation(reservationID); ok && e.Stage == mirror.StageReserved {
		e.ApplicationID = applicationID
		e.Stage = mirror.StagePending
		e.TxHash = txHash
	} else {
		a.Applications = append(a.Applications, mirror.ApplicationEntry{
			ReservationID: reservationID,
			ApplicationID: applicationID,
			Applicant:     applicant,
			Stage:         mirror.StagePending,
			TxHash:        txHash,
		})
	}
	a.AddHistory(mirror.HistoryEntry{
		Action:        mirror.ActionApplication,
		TxHash:        txHash,
		ApplicationID: applicationID,
		Actor:         applicant,
		At:            at,
	})
	return true
}

// =============================================================================
// Review
// =============================================================================

// CheckApprove fails with InvalidState when approving applicationID would
// leave two applications approved or completed for the same animal.
func CheckApprove(a *mirror.Animal, applicationID uint64) error {
	e, ok := a.Application(applicationID)
	if !ok {
		return svcerrors.UnknownEntity("application", applicationID)
	}
	if !CanTransition(e.Stage, mirror.StageApproved) {
		return svcerrors.InvalidState(TransitionError{applicationID, e.Stage, mirror.StageApproved}.Error())
	}
	if other, ok := Holder(a, applicationID); ok {
		return svcerrors.InvalidState("another application is already approved for this animal").
			WithDetails("application", other.ApplicationID)
	}
	return nil
}

// Approve applies a confirmed approval: the animal becomes adopted by the
// applicant. If a different application already holds the animal the entry
// is still marked approved, matching the ledger, but the adopter is left
// alone.
func Approve(a *mirror.Animal, applicationID uint64, applicant, txHash string, at time.Time) bool {
	e := entryFor(a, applicationID, applicant)
	if e.Stage == mirror.StageApproved || e.Stage == mirror.StageCompleted {
		return false
	}
	e.Stage = mirror.StageApproved

	if _, taken := Holder(a, applicationID); !taken {
		a.Status = mirror.StatusAdopted
		a.Adopter = applicant
	}
	a.AddHistory(mirror.HistoryEntry{
		Action:        mirror.ActionAdopted,
		TxHash:        txHash,
		ApplicationID: applicationID,
		Actor:         applicant,
		Note:          "application approved",
		At:            at,
	})
	return true
}

// Reject applies a confirmed rejection of a pending application.
func Reject(a *mirror.Animal, applicationID uint64, applicant, txHash string, at time.Time) bool {
	e := entryFor(a, applicationID, applicant)
	if e.Stage == mirror.StageRejected {
		return false
	}
	e.Stage = mirror.StageRejected
	a.AddHistory(mirror.HistoryEntry{
		Action:        mirror.ActionStatusUpdate,
		TxHash:        txHash,
		ApplicationID: applicationID,
		Note:          "application rejected",
		At:            at,
	})
	return true
}

// Rollback applies a confirmed revocation of an approved application. The
// animal returns to adoptable only when no other application is approved or
// completed for it.
func Rollback(a *mirror.Animal, applicationID uint64, applicant, txHash string, at time.Time) bool {
	e := entryFor(a, applicationID, applicant)
	if e.Stage == mirror.StageRejected {
		return false
	}
	e.Stage = mirror.StageRejected

	note := "approval revoked"
	if _, other := Holder(a, applicationID); other {
		note = "approval revoked; another application holds the animal"
	} else if a.Adopter == applicant || a.Adopter == "" {
		a.Status = mirror.StatusAdoptable
		a.Adopter = ""
	}
	a.AddHistory(mirror.HistoryEntry{
		Action:        mirror.ActionRollback,
		TxHash:        txHash,
		ApplicationID: applicationID,
		Actor:         applicant,
		Note:          note,
		At:            at,
	})
	return true
}

// =============================================================================
// Completion and ownership
// =============================================================================

// Complete applies a confirmed adoption. owner is the ledger's ownerOf for
// the token after confirmation.
func Complete(a *mirror.Animal, applicationID uint64, owner, txHash string, at time.Time) bool {
	e := entryFor(a, applicationID, owner)
	changed := false
	if e.Stage != mirror.StageCompleted {
		e.Stage = mirror.StageCompleted
		changed = true
	}
	if SyncOwner(a, owner) {
		changed = true
	}
	if a.AddHistory(mirror.HistoryEntry{
		Action:        mirror.ActionAdopted,
		TxHash:        txHash,
		ApplicationID: applicationID,
		Actor:         owner,
		Note:          "adoption completed",
		At:            at,
	}) {
		changed = true
	}
	return changed
}

// SyncOwner re-derives owner, adopter and status from the ledger's ownerOf.
// A token whose owner completed an application is adopted by that owner.
func SyncOwner(a *mirror.Animal, owner string) bool {
	changed := false
	if a.Owner != owner {
		a.Owner = owner
		changed = true
	}
	for _, e := range a.Applications {
		if e.Stage == mirror.StageCompleted && e.Applicant == owner {
			if a.Adopter != owner || a.Status != mirror.StatusAdopted {
				a.Adopter = owner
				a.Status = mirror.StatusAdopted
				changed = true
			}
			break
		}
	}
	return changed
}

// entryFor returns the entry for applicationID, adding one when the mirror
// never saw the submission.
func entryFor(a *mirror.Animal, applicationID uint64, applicant string) *mirror.ApplicationEntry {
	if e, ok := a.Application(applicationID); ok {
		return e
	}
	a.Applications = append(a.Applications, mirror.ApplicationEntry{
		ApplicationID: applicationID,
		Applicant:     applicant,
		Stage:         mirror.StagePending,
	})
	return &a.Applications[len(a.Applications)-1]
}
