package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/R3E-Network/animal_rescue/internal/adoption"
	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

func animalKey(id string) string { return "animal:" + id }

func projectKey(id uint64) string { return "project:" + mirror.ID(id) }

func normalize(field, addr string) (string, error) {
	out, err := chain.NormalizeAddress(addr)
	if err != nil {
		return "", svcerrors.InvalidArgument(field + ": " + err.Error())
	}
	return out, nil
}

func (e *Engine) loadAnimal(ctx context.Context, id string) (mirror.Animal, error) {
	a, _, err := mirror.Load[mirror.Animal](ctx, e.mirror, mirror.KindAnimal, id)
	if errors.Is(err, mirror.ErrNotFound) {
		return a, svcerrors.UnknownEntity("animal", id)
	}
	return a, err
}

func (e *Engine) tokenOf(ctx context.Context, animalID string) (mirror.Animal, uint64, error) {
	a, err := e.loadAnimal(ctx, animalID)
	if err != nil {
		return a, 0, err
	}
	tokenID, ok := a.TokenID()
	if !ok {
		return a, 0, svcerrors.InvalidState("animal has no resolved token").WithDetails("animal", animalID)
	}
	return a, tokenID, nil
}

// =============================================================================
// Animals
// =============================================================================

// AnimalInput describes an animal to register.
type AnimalInput struct {
	ID          string
	Name        string
	Species     string
	Breed       string
	Description string
	MetadataURI string
	Status      mirror.AnimalStatus
	// Owner is the organization the token is minted to.
	Owner string
}

// RegisterAnimal creates the mirror record. Nothing is written to the
// ledger until MintAnimal.
func (e *Engine) RegisterAnimal(ctx context.Context, in AnimalInput) (*mirror.Animal, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Species) == "" {
		return nil, svcerrors.InvalidArgument("name and species are required")
	}
	if in.Status == "" {
		in.Status = mirror.StatusAdoptable
	}
	if !in.Status.Valid() || in.Status == mirror.StatusAdopted {
		return nil, svcerrors.InvalidArgument("invalid initial status " + string(in.Status))
	}
	owner := e.cfg.Operator
	if in.Owner != "" {
		var err error
		if owner, err = normalize("owner", in.Owner); err != nil {
			return nil, err
		}
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	a := mirror.Animal{
		ID:          in.ID,
		Name:        in.Name,
		Species:     in.Species,
		Breed:       in.Breed,
		Description: in.Description,
		MetadataURI: in.MetadataURI,
		Status:      in.Status,
		Owner:       owner,
		CreatedAt:   e.now().UTC(),
	}
	if _, err := mirror.Swap(ctx, e.mirror, mirror.KindAnimal, a.ID, 0, a); err != nil {
		if errors.Is(err, mirror.ErrVersionConflict) {
			return nil, svcerrors.InvalidState("animal already exists").WithDetails("animal", a.ID)
		}
		return nil, svcerrors.MirrorWriteFailed(animalKey(a.ID), err)
	}
	return &a, nil
}

// SetAnimalStatus changes the care status of an animal that is not adopted.
// Adoption status is only ever set by confirmed ledger transitions.
func (e *Engine) SetAnimalStatus(ctx context.Context, animalID string, status mirror.AnimalStatus, note string) (*mirror.Animal, error) {
	if !status.Valid() || status == mirror.StatusAdopted {
		return nil, svcerrors.InvalidArgument("invalid status " + string(status))
	}
	unlock, err := e.enter(ctx, animalKey(animalID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := e.updateAnimal(ctx, animalID, func(a *mirror.Animal) (bool, error) {
		if a.Status == mirror.StatusAdopted {
			return false, svcerrors.InvalidState("animal is adopted")
		}
		if a.Status == status {
			return false, nil
		}
		a.Status = status
		a.AddHistory(mirror.HistoryEntry{Action: mirror.ActionStatusUpdate, Note: note, At: e.now().UTC()})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// checkNoPriorMint refuses a mint while an earlier mint of the same animal
// may be on the ledger. Surfaced records count: their transaction confirmed
// or may still confirm, so the operator settles them with Replay or
// ResolveAnimal instead.
func (e *Engine) checkNoPriorMint(ctx context.Context, entity string) error {
	recs, err := e.journal.ListByEntity(ctx, entity)
	if err != nil {
		return fmt.Errorf("list journal for %s: %w", entity, err)
	}
	for _, r := range recs {
		if r.Operation != journal.OpMint || r.State == journal.StateReverted {
			continue
		}
		return svcerrors.InvalidState("animal has an unsettled mint on the ledger; replay the record or resolve the animal").
			WithDetails("record", r.ID).
			WithDetails("tx_hash", r.TxHash).
			WithDetails("state", string(r.State))
	}
	return nil
}

// MintAnimal mints the animal's token to its owner and records the resolved
// token id. A mint that confirms but cannot be resolved returns the animal
// with an unresolved token together with a ResolutionFailed error.
func (e *Engine) MintAnimal(ctx context.Context, animalID string) (*mirror.Animal, error) {
	entity := animalKey(animalID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := e.loadAnimal(ctx, animalID)
	if err != nil {
		return nil, err
	}
	if a.NFT != nil {
		return nil, svcerrors.InvalidState("animal is already minted").WithDetails("tx_hash", a.NFT.TxHash)
	}
	if err := e.checkNoPriorMint(ctx, entity); err != nil {
		return nil, err
	}
	to := a.Owner
	if to == "" {
		to = e.cfg.Operator
	}

	payload := MintPayload{
		AnimalID:    a.ID,
		To:          to,
		MetadataURI: a.MetadataURI,
		Name:        a.Name,
		Species:     a.Species,
		Breed:       a.Breed,
	}
	live := &liveState{}

	lockedAt := e.now()
	lease, held, err := e.locker.TryAcquire(ctx, e.cfg.MintLockKey, e.cfg.MintLockTTL)
	if err != nil {
		e.logger.Warn(ctx, "mint lock unavailable", map[string]interface{}{"error": err.Error()})
	}
	if held {
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				e.logger.Warn(ctx, "mint lock release failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		if supply, err := e.contract.TotalSupply(ctx); err == nil {
			payload.SupplyBefore = &supply
			live.exclusive = true
			live.lockUntil = lockedAt.Add(e.cfg.MintLockTTL)
		}
	}

	rec, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpMint,
		payload: payload,
		live:    live,
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareMint(ctx, e.cfg.Operator, to, a.MetadataURI, a.Name, a.Species, a.Breed)
		},
	})
	if err != nil {
		return nil, err
	}

	out, err := e.loadAnimal(ctx, animalID)
	if err != nil {
		return nil, err
	}
	if _, ok := out.TokenID(); !ok {
		result, _ := decode[MintResult](rec.Result)
		strategies := make([]string, 0, len(result.Attempts))
		for _, at := range result.Attempts {
			strategies = append(strategies, string(at.Strategy))
		}
		return &out, svcerrors.ResolutionFailed(rec.TxHash, strategies)
	}
	return &out, nil
}

// ResolveAnimal re-runs token id recovery for an animal whose mint confirmed
// without a resolved id.
func (e *Engine) ResolveAnimal(ctx context.Context, animalID string) (*mirror.Animal, error) {
	unlock, err := e.enter(ctx, animalKey(animalID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := e.loadAnimal(ctx, animalID)
	if err != nil {
		return nil, err
	}
	if a.NFT == nil {
		return nil, svcerrors.InvalidState("animal has not been minted")
	}
	if _, ok := a.TokenID(); ok {
		return &a, nil
	}

	res, err := e.resolver.Resolve(ctx, resolver.Request{TxHash: a.NFT.TxHash, Recipient: a.Owner})
	if err != nil {
		return &a, err
	}
	out, err := e.updateAnimal(ctx, animalID, func(cur *mirror.Animal) (bool, error) {
		if cur.NFT == nil {
			return false, svcerrors.InvalidState("animal has not been minted")
		}
		id := res.TokenID
		cur.NFT.TokenID = &id
		cur.NFT.State = mirror.TokenResolved
		cur.NFT.ResolvedBy = string(res.Strategy)
		for _, at := range res.Attempts {
			cur.NFT.Steps = append(cur.NFT.Steps, mirror.ResolutionStep{Strategy: string(at.Strategy), Outcome: string(at.Outcome), Detail: at.Detail})
		}
		return true, nil
	})
	if err != nil {
		return nil, svcerrors.MirrorWriteFailed(animalKey(animalID), err)
	}
	return &out, nil
}

// =============================================================================
// Applications
// =============================================================================

// SubmitApplication files an adoption application. A second open application
// by the same applicant for the same animal fails with InvalidState before
// anything reaches the ledger.
func (e *Engine) SubmitApplication(ctx context.Context, animalID, applicant, reason string) (*mirror.Application, error) {
	applicant, err := normalize("applicant", applicant)
	if err != nil {
		return nil, err
	}
	entity := animalKey(animalID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.loadAnimal(ctx, animalID); err != nil {
		return nil, err
	}
	rid := uuid.New().String()
	a, err := e.updateAnimal(ctx, animalID, func(a *mirror.Animal) (bool, error) {
		return true, adoption.Reserve(a, applicant, rid)
	})
	if err != nil {
		return nil, err
	}
	tokenID, _ := a.TokenID()

	payload := ApplicationPayload{AnimalID: animalID, TokenID: tokenID, Applicant: applicant, Reason: reason, ReservationID: rid}
	rec, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpSubmitApplication,
		payload: payload,
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareSubmitApplication(ctx, applicant, tokenID, reason)
		},
	})
	if err != nil {
		if rec.ID == "" {
			if _, rerr := e.updateAnimal(ctx, animalID, func(a *mirror.Animal) (bool, error) {
				return adoption.Release(a, rid), nil
			}); rerr != nil {
				e.logger.Error(ctx, "failed to release reservation", rerr, map[string]interface{}{"entity": entity})
			}
		}
		return nil, err
	}

	result, err := decode[ApplicationResult](rec.Result)
	if err != nil {
		return nil, err
	}
	return e.loadApplication(ctx, tokenID, result.ApplicationID)
}

func (e *Engine) loadApplication(ctx context.Context, tokenID, applicationID uint64) (*mirror.Application, error) {
	app, _, err := mirror.Load[mirror.Application](ctx, e.mirror, mirror.KindApplication, mirror.ApplicationKey(tokenID, applicationID))
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, svcerrors.UnknownEntity("application", applicationID)
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ledgerApplication reads applicationID from the ledger and checks it belongs
// to tokenID.
func (e *Engine) ledgerApplication(ctx context.Context, tokenID, applicationID uint64) (*chain.ApplicationView, error) {
	view, err := e.contract.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if view.TokenID != tokenID {
		return nil, svcerrors.InvalidArgument("application does not belong to this animal").
			WithDetails("application", applicationID)
	}
	return view, nil
}

// ReviewApplication approves or rejects an application. Rejecting an
// approved application revokes the approval and rolls the animal back to
// adoptable unless another application holds it.
func (e *Engine) ReviewApplication(ctx context.Context, animalID string, applicationID uint64, approved bool, reviewer string) (*mirror.Application, error) {
	reviewer, err := normalize("reviewer", reviewer)
	if err != nil {
		return nil, err
	}
	entity := animalKey(animalID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, tokenID, err := e.tokenOf(ctx, animalID)
	if err != nil {
		return nil, err
	}
	view, err := e.ledgerApplication(ctx, tokenID, applicationID)
	if err != nil {
		return nil, err
	}

	payload := ApplicationPayload{
		AnimalID:      animalID,
		TokenID:       tokenID,
		ApplicationID: applicationID,
		Applicant:     view.Applicant,
		Approved:      approved,
		Actor:         reviewer,
	}
	s := submission{entity: entity, payload: payload}

	switch {
	case approved:
		if err := adoption.CheckApprove(&a, applicationID); err != nil {
			return nil, err
		}
		s.op = journal.OpReviewApplication
		s.prepare = func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareReviewApplication(ctx, reviewer, applicationID, true)
		}
	case view.Status == chain.StatusPending:
		s.op = journal.OpReviewApplication
		s.prepare = func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareReviewApplication(ctx, reviewer, applicationID, false)
		}
	case view.Status == chain.StatusApproved:
		s.op = journal.OpRevokeApproval
		s.prepare = func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareRevokeApproval(ctx, reviewer, applicationID)
		}
	default:
		return nil, svcerrors.InvalidState(adoption.TransitionError{
			ApplicationID: applicationID,
			From:          adoption.StageOf(view.Status),
			To:            mirror.StageRejected,
		}.Error())
	}

	if _, err := e.submit(ctx, s); err != nil {
		return nil, err
	}
	return e.loadApplication(ctx, tokenID, applicationID)
}

// CompleteAdoption transfers the token to the approved applicant.
func (e *Engine) CompleteAdoption(ctx context.Context, animalID string, applicationID uint64, applicant string) (*mirror.Animal, error) {
	applicant, err := normalize("applicant", applicant)
	if err != nil {
		return nil, err
	}
	entity := animalKey(animalID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, tokenID, err := e.tokenOf(ctx, animalID)
	if err != nil {
		return nil, err
	}
	view, err := e.ledgerApplication(ctx, tokenID, applicationID)
	if err != nil {
		return nil, err
	}

	payload := ApplicationPayload{AnimalID: animalID, TokenID: tokenID, ApplicationID: applicationID, Applicant: view.Applicant, Actor: applicant}
	if _, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpCompleteAdoption,
		payload: payload,
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareCompleteAdoption(ctx, applicant, applicationID)
		},
	}); err != nil {
		return nil, err
	}
	out, err := e.loadAnimal(ctx, animalID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Transfer moves the animal's token outside the adoption flow.
func (e *Engine) Transfer(ctx context.Context, animalID, from, to string) (*mirror.Animal, error) {
	from, err := normalize("from", from)
	if err != nil {
		return nil, err
	}
	if to, err = normalize("to", to); err != nil {
		return nil, err
	}
	entity := animalKey(animalID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, tokenID, err := e.tokenOf(ctx, animalID)
	if err != nil {
		return nil, err
	}
	if _, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpTransfer,
		payload: TransferPayload{AnimalID: animalID, TokenID: tokenID, From: from, To: to},
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareTransfer(ctx, from, to, tokenID)
		},
	}); err != nil {
		return nil, err
	}
	out, err := e.loadAnimal(ctx, animalID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Projects and donations
// =============================================================================

func (e *Engine) loadProject(ctx context.Context, projectID uint64) (*mirror.Project, error) {
	p, _, err := mirror.Load[mirror.Project](ctx, e.mirror, mirror.KindProject, mirror.ID(projectID))
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, svcerrors.UnknownEntity("project", projectID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject opens a funding project. A goal of zero or less fails with
// InvalidGoal before anything is submitted.
func (e *Engine) CreateProject(ctx context.Context, creator, title, description string, goal *big.Int) (*mirror.Project, error) {
	if goal == nil || goal.Sign() <= 0 {
		return nil, svcerrors.InvalidGoal()
	}
	creator, err := normalize("creator", creator)
	if err != nil {
		return nil, err
	}
	entity := "project-create:" + creator
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpCreateProject,
		payload: ProjectPayload{Creator: creator, Title: title, Description: description, Goal: goal.String()},
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareCreateProject(ctx, creator, title, description, goal)
		},
	})
	if err != nil {
		return nil, err
	}
	result, err := decode[ProjectResult](rec.Result)
	if err != nil {
		return nil, err
	}
	return e.loadProject(ctx, result.ProjectID)
}

// Donate sends amount to projectID. Project 0 records an unassigned
// donation.
func (e *Engine) Donate(ctx context.Context, projectID uint64, donor string, amount *big.Int, note string) (*mirror.Donation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, svcerrors.InvalidArgument("donation amount must be positive")
	}
	donor, err := normalize("donor", donor)
	if err != nil {
		return nil, err
	}
	entity := projectKey(projectID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpDonate,
		payload: DonationPayload{ProjectID: projectID, Donor: donor, Amount: amount.String(), Note: note},
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareDonate(ctx, donor, projectID, note, amount)
		},
	})
	if err != nil {
		return nil, err
	}
	result, err := decode[ProjectResult](rec.Result)
	if err != nil {
		return nil, err
	}
	d, _, err := mirror.Load[mirror.Donation](ctx, e.mirror, mirror.KindDonation, mirror.ID(result.DonationID))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Withdraw pays amount from the project to its creator.
func (e *Engine) Withdraw(ctx context.Context, projectID uint64, creator, amount string) (*mirror.Project, error) {
	n, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	if n.Sign() <= 0 {
		return nil, svcerrors.InvalidArgument("withdrawal amount must be positive")
	}
	creator, err = normalize("creator", creator)
	if err != nil {
		return nil, err
	}
	entity := projectKey(projectID)
	unlock, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.submit(ctx, submission{
		entity:  entity,
		op:      journal.OpWithdraw,
		payload: ProjectPayload{ProjectID: projectID, Creator: creator, Amount: n.String()},
		prepare: func(ctx context.Context) (*chain.PreparedTx, error) {
			return e.contract.PrepareWithdraw(ctx, creator, projectID, n)
		},
	}); err != nil {
		return nil, err
	}
	return e.loadProject(ctx, projectID)
}
