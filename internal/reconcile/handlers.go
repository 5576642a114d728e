package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/R3E-Network/animal_rescue/internal/adoption"
	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

// phase2 is the input to a derivation.
type phase2 struct {
	rec  journal.Record
	log  *chain.ApplicationLog
	live *liveState
}

// handler knows how to finish one operation. derive runs once per record;
// its result is journaled so that write can be retried without touching the
// ledger again. write must be idempotent.
type handler struct {
	derive       func(ctx context.Context, p phase2) (interface{}, error)
	write        func(ctx context.Context, rec journal.Record) error
	compensate   func(ctx context.Context, rec journal.Record) error
	revertResult func(rec journal.Record) interface{}
}

func (e *Engine) buildHandlers() map[journal.Operation]handler {
	return map[journal.Operation]handler{
		journal.OpMint:              {derive: e.deriveMint, write: e.writeMint},
		journal.OpSubmitApplication: {derive: e.deriveSubmit, write: e.writeSubmit, compensate: e.releaseReservation},
		journal.OpReviewApplication: {derive: e.deriveReview, write: e.writeReview},
		journal.OpRevokeApproval:    {derive: e.deriveReview, write: e.writeReview},
		journal.OpCompleteAdoption:  {derive: e.deriveComplete, write: e.writeComplete},
		journal.OpTransfer:          {derive: e.deriveTransfer, write: e.writeTransfer},
		journal.OpCreateProject:     {derive: e.deriveCreateProject, write: e.writeProject},
		journal.OpDonate:            {derive: e.deriveDonate, write: e.writeDonate, revertResult: donationFailed},
		journal.OpWithdraw:          {derive: e.deriveWithdraw, write: e.writeWithdraw},
	}
}

// =============================================================================
// Payloads and results
// =============================================================================

type MintPayload struct {
	AnimalID     string  `json:"animal_id"`
	To           string  `json:"to"`
	MetadataURI  string  `json:"metadata_uri"`
	Name         string  `json:"name"`
	Species      string  `json:"species"`
	Breed        string  `json:"breed"`
	SupplyBefore *uint64 `json:"supply_before,omitempty"`
}

// MintResult carries the resolver outcome. TokenID is nil when unresolved.
type MintResult struct {
	TokenID  *uint64            `json:"token_id"`
	Strategy string             `json:"strategy,omitempty"`
	Attempts []resolver.Attempt `json:"attempts"`
}

type ApplicationPayload struct {
	AnimalID      string `json:"animal_id"`
	TokenID       uint64 `json:"token_id"`
	ApplicationID uint64 `json:"application_id,omitempty"`
	Applicant     string `json:"applicant"`
	Reason        string `json:"reason,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Approved      bool   `json:"approved,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

type ApplicationResult struct {
	ApplicationID uint64                  `json:"application_id"`
	Status        chain.ApplicationStatus `json:"status"`
	SubmittedAt   uint64                  `json:"submitted_at,omitempty"`
	Owner         string                  `json:"owner,omitempty"`
}

type TransferPayload struct {
	AnimalID string `json:"animal_id"`
	TokenID  uint64 `json:"token_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type ProjectPayload struct {
	ProjectID   uint64 `json:"project_id,omitempty"`
	Creator     string `json:"creator"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

type DonationPayload struct {
	ProjectID uint64 `json:"project_id"`
	Donor     string `json:"donor"`
	Amount    string `json:"amount"`
	Note      string `json:"note"`
}

type ProjectResult struct {
	ProjectID  uint64                `json:"project_id"`
	DonationID uint64                `json:"donation_id,omitempty"`
	Status     mirror.DonationStatus `json:"status,omitempty"`
	Timestamp  uint64                `json:"timestamp,omitempty"`
	Amount     string                `json:"amount,omitempty"`
	To         string                `json:"to,omitempty"`
}

func donationFailed(journal.Record) interface{} {
	return ProjectResult{Status: mirror.DonationFailed}
}

// =============================================================================
// Shared
// =============================================================================

// events returns the contract's name notifications for the record's
// transaction, falling back to the block's notifications when the log was
// stripped.
func (e *Engine) events(ctx context.Context, rec journal.Record, log *chain.ApplicationLog, name string) ([]chain.Notification, error) {
	if log != nil {
		if ns := chain.FindNotifications(log, e.contract.Hash(), name); len(ns) > 0 {
			return ns, nil
		}
	}
	backend := e.contract.Backend()
	height, err := backend.GetTransactionHeight(ctx, rec.TxHash)
	if err != nil {
		return nil, err
	}
	all, err := backend.GetBlockNotifications(ctx, height)
	if err != nil {
		return nil, err
	}
	var out []chain.Notification
	for _, n := range chain.FilterNotifications(all, e.contract.Hash(), name) {
		if strings.EqualFold(n.Container, rec.TxHash) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no %s event for %s", name, rec.TxHash)
	}
	return out, nil
}

func (e *Engine) updateAnimal(ctx context.Context, id string, fn func(a *mirror.Animal) (bool, error)) (mirror.Animal, error) {
	return mirror.Update[mirror.Animal](ctx, e.mirror, mirror.KindAnimal, id, e.cfg.MaxCASRetries,
		func(a *mirror.Animal, exists bool) (bool, error) {
			if !exists {
				return false, svcerrors.UnknownEntity("animal", id)
			}
			return fn(a)
		})
}

func (e *Engine) putApplication(ctx context.Context, p ApplicationPayload, fn func(app *mirror.Application) bool) error {
	key := mirror.ApplicationKey(p.TokenID, p.ApplicationID)
	_, err := mirror.Update[mirror.Application](ctx, e.mirror, mirror.KindApplication, key, e.cfg.MaxCASRetries,
		func(app *mirror.Application, exists bool) (bool, error) {
			changed := false
			if !exists {
				*app = mirror.Application{
					ApplicationID: p.ApplicationID,
					TokenID:       p.TokenID,
					AnimalID:      p.AnimalID,
					Applicant:     p.Applicant,
					Reason:        p.Reason,
					Status:        mirror.StagePending,
				}
				changed = true
			}
			if fn(app) {
				changed = true
			}
			return changed, nil
		})
	return err
}

// =============================================================================
// Mint
// =============================================================================

func (e *Engine) deriveMint(ctx context.Context, p phase2) (interface{}, error) {
	payload, err := decode[MintPayload](p.rec.Payload)
	if err != nil {
		return nil, err
	}
	req := resolver.Request{TxHash: p.rec.TxHash, Recipient: payload.To, Log: p.log}
	if p.live != nil && p.live.exclusive && e.now().Before(p.live.lockUntil) {
		req.Exclusive = true
		req.SupplyBefore = payload.SupplyBefore
	}

	res, err := e.resolver.Resolve(ctx, req)
	if err != nil && !svcerrors.IsCode(err, svcerrors.CodeResolutionFailed) {
		return nil, err
	}
	out := MintResult{Strategy: string(res.Strategy), Attempts: res.Attempts}
	if res.Resolved {
		id := res.TokenID
		out.TokenID = &id
	} else {
		e.report(ctx, incident.Incident{
			Kind:      incident.KindResolutionFailed,
			EntityKey: p.rec.EntityKey,
			TxHash:    p.rec.TxHash,
			RecordID:  p.rec.ID,
			Message:   "mint confirmed but token id could not be resolved",
			Details:   map[string]string{"strategies": strings.Join(res.Strategies(), ",")},
		})
	}
	return out, nil
}

func (e *Engine) writeMint(ctx context.Context, rec journal.Record) error {
	payload, err := decode[MintPayload](rec.Payload)
	if err != nil {
		return err
	}
	result, err := decode[MintResult](rec.Result)
	if err != nil {
		return err
	}

	nft := mirror.NFT{
		TokenID:    result.TokenID,
		State:      mirror.TokenUnresolved,
		Contract:   e.contract.Hash(),
		TxHash:     rec.TxHash,
		ResolvedBy: result.Strategy,
	}
	if result.TokenID != nil {
		nft.State = mirror.TokenResolved
	}
	for _, a := range result.Attempts {
		nft.Steps = append(nft.Steps, mirror.ResolutionStep{Strategy: string(a.Strategy), Outcome: string(a.Outcome), Detail: a.Detail})
	}

	_, err = e.updateAnimal(ctx, payload.AnimalID, func(a *mirror.Animal) (bool, error) {
		changed := false
		if a.NFT == nil || a.NFT.TxHash != rec.TxHash || a.NFT.State != nft.State {
			copied := nft
			a.NFT = &copied
			changed = true
		}
		if a.Owner != payload.To {
			a.Owner = payload.To
			changed = true
		}
		if a.AddHistory(mirror.HistoryEntry{Action: mirror.ActionPublished, TxHash: rec.TxHash, Actor: payload.To, At: e.now()}) {
			changed = true
		}
		return changed, nil
	})
	return err
}

// =============================================================================
// Applications
// =============================================================================

func (e *Engine) deriveSubmit(ctx context.Context, p phase2) (interface{}, error) {
	payload, err := decode[ApplicationPayload](p.rec.Payload)
	if err != nil {
		return nil, err
	}
	ns, err := e.events(ctx, p.rec, p.log, chain.EventApplicationSubmitted)
	if err != nil {
		return nil, err
	}
	ev, err := chain.DecodeApplicationSubmitted(ns[0])
	if err != nil {
		return nil, err
	}
	if ev.TokenID != payload.TokenID {
		return nil, fmt.Errorf("application %d is for token %d, expected %d", ev.ApplicationID, ev.TokenID, payload.TokenID)
	}
	view, err := e.contract.GetApplication(ctx, ev.ApplicationID)
	if err != nil {
		return nil, err
	}
	return ApplicationResult{ApplicationID: ev.ApplicationID, Status: chain.StatusPending, SubmittedAt: view.SubmittedAt}, nil
}

func (e *Engine) writeSubmit(ctx context.Context, rec journal.Record) error {
	payload, err := decode[ApplicationPayload](rec.Payload)
	if err != nil {
		return err
	}
	result, err := decode[ApplicationResult](rec.Result)
	if err != nil {
		return err
	}
	payload.ApplicationID = result.ApplicationID

	// The animal record first: it is what the duplicate guard reads.
	if _, err := e.updateAnimal(ctx, payload.AnimalID, func(a *mirror.Animal) (bool, error) {
		return adoption.ConfirmSubmission(a, payload.ReservationID, result.ApplicationID, payload.Applicant, rec.TxHash, e.now()), nil
	}); err != nil {
		return err
	}
	return e.putApplication(ctx, payload, func(app *mirror.Application) bool {
		if app.SubmitTxHash == rec.TxHash {
			return false
		}
		app.SubmitTxHash = rec.TxHash
		app.SubmittedAt = result.SubmittedAt
		return true
	})
}

func (e *Engine) releaseReservation(ctx context.Context, rec journal.Record) error {
	payload, err := decode[ApplicationPayload](rec.Payload)
	if err != nil {
		return err
	}
	_, err = e.updateAnimal(ctx, payload.AnimalID, func(a *mirror.Animal) (bool, error) {
		return adoption.Release(a, payload.ReservationID), nil
	})
	return err
}

// deriveReview needs nothing from the ledger: a HALT means the intended
// transition happened.
func (e *Engine) deriveReview(_ context.Context, p phase2) (interface{}, error) {
	payload, err := decode[ApplicationPayload](p.rec.Payload)
	if err != nil {
		return nil, err
	}
	status := chain.StatusRejected
	if p.rec.Operation == journal.OpReviewApplication && payload.Approved {
		status = chain.StatusApproved
	}
	return ApplicationResult{ApplicationID: payload.ApplicationID, Status: status}, nil
}

func (e *Engine) writeReview(ctx context.Context, rec journal.Record) error {
	payload, err := decode[ApplicationPayload](rec.Payload)
	if err != nil {
		return err
	}
	result, err := decode[ApplicationResult](rec.Result)
	if err != nil {
		return err
	}

	now := e.now()
	if _, err := e.updateAnimal(ctx, payload.AnimalID, func(a *mirror.Animal) (bool, error) {
		switch {
		case rec.Operation == journal.OpRevokeApproval:
			return adoption.Rollback(a, payload.ApplicationID, payload.Applicant, rec.TxHash, now), nil
		case result.Status == chain.StatusApproved:
			return adoption.Approve(a, payload.ApplicationID, payload.Applicant, rec.TxHash, now), nil
		default:
			return adoption.Reject(a, payload.ApplicationID, payload.Applicant, rec.TxHash, now), nil
		}
	}); err != nil {
		return err
	}

	stage := adoption.StageOf(result.Status)
	return e.putApplication(ctx, payload, func(app *mirror.Application) bool {
		if app.Status == stage && app.ReviewTxHash == rec.TxHash {
			return false
		}
		app.Status = stage
		app.ReviewTxHash = rec.TxHash
		return true
	})
}

func (e *Engine) deriveComplete(ctx context.Context, p phase2) (interface{}, error) {
	payload, err := decode[ApplicationPayload](p.rec.Payload)
	if err != nil {
		return nil, err
	}
	owner, err := e.contract.OwnerOf(ctx, payload.TokenID)
	if err != nil {
		return nil, err
	}
	return ApplicationResult{ApplicationID: payload.ApplicationID, Status: chain.StatusCompleted, Owner: owner}, nil
}

func (e *Engine) writeComplete(ctx context.Context, rec journal.Record) error {
	payload, err := decode[ApplicationPayload](rec.Payload)
	if err != nil {
		return err
	}
	result, err := decode[ApplicationResult](rec.Result)
	if err != nil {
		return err
	}
	if _, err := e.updateAnimal(ctx, payload.AnimalID, func(a *mirror.Animal) (bool, error) {
		return adoption.Complete(a, payload.ApplicationID, result.Owner, rec.TxHash, e.now()), nil
	}); err != nil {
		return err
	}
	return e.putApplication(ctx, payload, func(app *mirror.Application) bool {
		if app.Status == mirror.StageCompleted {
			return false
		}
		app.Status = mirror.StageCompleted
		app.CompleteTxHash = rec.TxHash
		return true
	})
}

func (e *Engine) deriveTransfer(ctx context.Context, p phase2) (interface{}, error) {
	payload, err := decode[TransferPayload](p.rec.Payload)
	if err != nil {
		return nil, err
	}
	owner, err := e.contract.OwnerOf(ctx, payload.TokenID)
	if err != nil {
		return nil, err
	}
	return ApplicationResult{Owner: owner}, nil
}

func (e *Engine) writeTransfer(ctx context.Context, rec journal.Record) error {
	payload, err := decode[TransferPayload](rec.Payload)
	if err != nil {
		return err
	}
	result, err := decode[ApplicationResult](rec.Result)
	if err != nil {
		return err
	}
	_, err = e.updateAnimal(ctx, payload.AnimalID, func(a *mirror.Animal) (bool, error) {
		changed := adoption.SyncOwner(a, result.Owner)
		if a.AddHistory(mirror.HistoryEntry{
			Action: mirror.ActionTransferred,
			TxHash: rec.TxHash,
			Actor:  payload.From,
			Note:   "transferred to " + payload.To,
			At:     e.now(),
		}) {
			changed = true
		}
		return changed, nil
	})
	return err
}

// =============================================================================
// Projects and donations
// =============================================================================

func (e *Engine) deriveCreateProject(ctx context.Context, p phase2) (interface{}, error) {
	ns, err := e.events(ctx, p.rec, p.log, chain.EventProjectCreated)
	if err != nil {
		return nil, err
	}
	ev, err := chain.DecodeProjectCreated(ns[0])
	if err != nil {
		return nil, err
	}
	return ProjectResult{ProjectID: ev.ProjectID}, nil
}

// syncProject copies the ledger's project record into the mirror and lets fn
// add per-transaction entries.
func (e *Engine) syncProject(ctx context.Context, projectID uint64, txHash string, fn func(p *mirror.Project) bool) error {
	view, err := e.contract.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	_, err = mirror.Update[mirror.Project](ctx, e.mirror, mirror.KindProject, mirror.ID(projectID), e.cfg.MaxCASRetries,
		func(p *mirror.Project, exists bool) (bool, error) {
			changed := false
			if !exists {
				*p = mirror.Project{ProjectID: projectID, TxHash: txHash}
				changed = true
			}
			set := func(dst *string, v string) {
				if *dst != v {
					*dst = v
					changed = true
				}
			}
			set(&p.Creator, view.Creator)
			set(&p.Title, view.Title)
			set(&p.Description, view.Description)
			set(&p.Goal, view.Goal.String())
			set(&p.CurrentAmount, view.CurrentAmount.String())
			set(&p.Withdrawn, view.Withdrawn.String())
			if p.IsActive != view.IsActive {
				p.IsActive = view.IsActive
				changed = true
			}
			if fn != nil && fn(p) {
				changed = true
			}
			return changed, nil
		})
	return err
}

func (e *Engine) writeProject(ctx context.Context, rec journal.Record) error {
	result, err := decode[ProjectResult](rec.Result)
	if err != nil {
		return err
	}
	return e.syncProject(ctx, result.ProjectID, rec.TxHash, nil)
}

func (e *Engine) deriveDonate(ctx context.Context, p phase2) (interface{}, error) {
	ns, err := e.events(ctx, p.rec, p.log, chain.EventDonationMade)
	if err != nil {
		return nil, err
	}
	ev, err := chain.DecodeDonationMade(ns[0])
	if err != nil {
		return nil, err
	}
	view, err := e.contract.GetDonation(ctx, ev.DonationID)
	if err != nil {
		return nil, err
	}
	return ProjectResult{
		ProjectID:  ev.ProjectID,
		DonationID: ev.DonationID,
		Status:     mirror.DonationCompleted,
		Timestamp:  view.Timestamp,
		Amount:     ev.Amount.String(),
	}, nil
}

func (e *Engine) writeDonate(ctx context.Context, rec journal.Record) error {
	payload, err := decode[DonationPayload](rec.Payload)
	if err != nil {
		return err
	}
	result, err := decode[ProjectResult](rec.Result)
	if err != nil {
		return err
	}

	_, err = mirror.Update[mirror.Donation](ctx, e.mirror, mirror.KindDonation, mirror.ID(result.DonationID), e.cfg.MaxCASRetries,
		func(d *mirror.Donation, exists bool) (bool, error) {
			if exists && d.Status == mirror.DonationCompleted && d.TxHash == rec.TxHash {
				return false, nil
			}
			*d = mirror.Donation{
				DonationID: result.DonationID,
				ProjectID:  result.ProjectID,
				Donor:      payload.Donor,
				Amount:     result.Amount,
				Note:       payload.Note,
				Status:     mirror.DonationCompleted,
				TxHash:     rec.TxHash,
				Timestamp:  result.Timestamp,
			}
			return true, nil
		})
	if err != nil {
		return err
	}
	if result.ProjectID == 0 {
		return nil
	}
	return e.syncProject(ctx, result.ProjectID, "", func(p *mirror.Project) bool {
		if p.HasDonation(result.DonationID) {
			return false
		}
		p.Donations = append(p.Donations, result.DonationID)
		return true
	})
}

func (e *Engine) deriveWithdraw(ctx context.Context, p phase2) (interface{}, error) {
	payload, err := decode[ProjectPayload](p.rec.Payload)
	if err != nil {
		return nil, err
	}
	result := ProjectResult{ProjectID: payload.ProjectID, Amount: payload.Amount, To: payload.Creator}
	if ns, err := e.events(ctx, p.rec, p.log, chain.EventWithdrawn); err == nil {
		if ev, err := chain.DecodeWithdrawn(ns[0]); err == nil {
			result.Amount, result.To = ev.Amount.String(), ev.To
		}
	}
	return result, nil
}

func (e *Engine) writeWithdraw(ctx context.Context, rec journal.Record) error {
	result, err := decode[ProjectResult](rec.Result)
	if err != nil {
		return err
	}
	return e.syncProject(ctx, result.ProjectID, "", func(p *mirror.Project) bool {
		if p.HasWithdrawal(rec.TxHash) {
			return false
		}
		p.Withdrawals = append(p.Withdrawals, mirror.Withdrawal{TxHash: rec.TxHash, To: result.To, Amount: result.Amount})
		return true
	})
}

func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, svcerrors.InvalidArgument(fmt.Sprintf("invalid amount %q", s))
	}
	return n, nil
}
