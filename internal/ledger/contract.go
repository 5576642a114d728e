// Package ledger implements the rescue contract and a single-node devnet that
// executes it, producing blocks, transaction hashes and application logs.
package ledger

import (
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
)

// Call is the invocation context of one contract execution.
type Call struct {
	Sender util.Uint160
	Value  *big.Int
	Time   uint64
}

type animal struct {
	tokenID  uint64
	owner    util.Uint160
	creator  util.Uint160
	uri      string
	name     string
	species  string
	breed    string
	mintedAt uint64
}

type application struct {
	id          uint64
	tokenID     uint64
	applicant   util.Uint160
	reason      string
	status      chain.ApplicationStatus
	submittedAt uint64
}

// Amounts are replaced, never mutated in place, so Clone can share them.
type project struct {
	id          uint64
	creator     util.Uint160
	title       string
	description string
	goal        *big.Int
	current     *big.Int
	withdrawn   *big.Int
	active      bool
}

type donation struct {
	id        uint64
	projectID uint64
	donor     util.Uint160
	amount    *big.Int
	note      string
	timestamp uint64
}

// Contract holds canonical on-chain state. It is not safe for concurrent use;
// the node serializes executions.
type Contract struct {
	hash        util.Uint160
	owner       util.Uint160
	mintedEvent string

	minters      map[util.Uint160]bool
	animals      map[uint64]animal
	balances     map[util.Uint160]uint64
	totalSupply  uint64
	applications map[uint64]application
	projects     map[uint64]project
	donations    map[uint64]donation
	payouts      map[util.Uint160]*big.Int

	nextApplication uint64
	nextProject     uint64
	nextDonation    uint64
}

// ContractOption customizes a Contract.
type ContractOption func(*Contract)

// WithMintedEventName renames the mint event, as a redeployed or proxied
// contract might.
func WithMintedEventName(name string) ContractOption {
	return func(c *Contract) { c.mintedEvent = name }
}

// NewContract deploys a contract at hash owned by owner.
func NewContract(hash, owner util.Uint160, opts ...ContractOption) *Contract {
	c := &Contract{
		hash:         hash,
		owner:        owner,
		mintedEvent:  chain.EventMinted,
		minters:      make(map[util.Uint160]bool),
		animals:      make(map[uint64]animal),
		balances:     make(map[util.Uint160]uint64),
		applications: make(map[uint64]application),
		projects:     make(map[uint64]project),
		donations:    make(map[uint64]donation),
		payouts:      make(map[util.Uint160]*big.Int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Contract) Hash() util.Uint160 { return c.hash }

func (c *Contract) Owner() util.Uint160 { return c.owner }

// Clone returns an independent copy used for test invocations.
func (c *Contract) Clone() *Contract {
	out := *c
	out.minters = make(map[util.Uint160]bool, len(c.minters))
	for k, v := range c.minters {
		out.minters[k] = v
	}
	out.animals = make(map[uint64]animal, len(c.animals))
	for k, v := range c.animals {
		out.animals[k] = v
	}
	out.balances = make(map[util.Uint160]uint64, len(c.balances))
	for k, v := range c.balances {
		out.balances[k] = v
	}
	out.applications = make(map[uint64]application, len(c.applications))
	for k, v := range c.applications {
		out.applications[k] = v
	}
	out.projects = make(map[uint64]project, len(c.projects))
	for k, v := range c.projects {
		out.projects[k] = v
	}
	out.donations = make(map[uint64]donation, len(c.donations))
	for k, v := range c.donations {
		out.donations[k] = v
	}
	out.payouts = make(map[util.Uint160]*big.Int, len(c.payouts))
	for k, v := range c.payouts {
		out.payouts[k] = v
	}
	return &out
}

// execution collects the notifications of one call.
type execution struct {
	call          Call
	contract      string
	notifications []chain.Notification
}

func (ex *execution) emit(name string, args ...chain.StackItem) {
	ex.notifications = append(ex.notifications, chain.Notification{
		Contract:  ex.contract,
		EventName: name,
		State:     chain.ArrayItem(args...),
	})
}

// Execute runs method with params. Notifications are only meaningful when
// err is nil; a failed call must leave state untouched, which every method
// guarantees by validating before writing.
func (c *Contract) Execute(call Call, method string, params []chain.ContractParam) (chain.StackItem, []chain.Notification, error) {
	ex := &execution{call: call, contract: chain.ScriptHashString(c.hash)}
	if ex.call.Value == nil {
		ex.call.Value = new(big.Int)
	}

	result, err := c.dispatch(ex, method, params)
	if err != nil {
		return chain.StackItem{}, nil, err
	}
	return result, ex.notifications, nil
}

func argCount(params []chain.ContractParam, n int) error {
	if len(params) != n {
		return svcerrors.InvalidArgument(fmt.Sprintf("expected %d arguments, got %d", n, len(params)))
	}
	return nil
}

func badArg(name string, err error) error {
	return svcerrors.InvalidArgument(fmt.Sprintf("%s: %v", name, err))
}

func (c *Contract) dispatch(ex *execution, method string, p []chain.ContractParam) (chain.StackItem, error) {
	if method != chain.MethodDonate && ex.call.Value.Sign() != 0 {
		return chain.StackItem{}, svcerrors.InvalidArgument(method + " is not payable")
	}

	switch method {
	case chain.MethodMint:
		if err := argCount(p, 5); err != nil {
			return chain.StackItem{}, err
		}
		to, err := p[0].AsHash160()
		if err != nil {
			return chain.StackItem{}, badArg("to", err)
		}
		var s [4]string
		for i := range s {
			if s[i], err = p[i+1].AsString(); err != nil {
				return chain.StackItem{}, badArg("string argument", err)
			}
		}
		id, err := c.mint(ex, to, s[0], s[1], s[2], s[3])
		return chain.Uint64Item(id), err

	case chain.MethodSubmitApplication:
		if err := argCount(p, 2); err != nil {
			return chain.StackItem{}, err
		}
		tokenID, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("tokenId", err)
		}
		reason, err := p[1].AsString()
		if err != nil {
			return chain.StackItem{}, badArg("reason", err)
		}
		id, err := c.submitApplication(ex, tokenID, reason)
		return chain.Uint64Item(id), err

	case chain.MethodReviewApplication:
		if err := argCount(p, 2); err != nil {
			return chain.StackItem{}, err
		}
		id, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("applicationId", err)
		}
		approved, err := p[1].AsBool()
		if err != nil {
			return chain.StackItem{}, badArg("approved", err)
		}
		return chain.NullItem(), c.reviewApplication(ex, id, approved)

	case chain.MethodRevokeApproval:
		if err := argCount(p, 1); err != nil {
			return chain.StackItem{}, err
		}
		id, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("applicationId", err)
		}
		return chain.NullItem(), c.revokeApproval(ex, id)

	case chain.MethodCompleteAdoption:
		if err := argCount(p, 1); err != nil {
			return chain.StackItem{}, err
		}
		id, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("applicationId", err)
		}
		return chain.NullItem(), c.completeAdoption(ex, id)

	case chain.MethodCreateProject:
		if err := argCount(p, 3); err != nil {
			return chain.StackItem{}, err
		}
		title, err := p[0].AsString()
		if err != nil {
			return chain.StackItem{}, badArg("title", err)
		}
		description, err := p[1].AsString()
		if err != nil {
			return chain.StackItem{}, badArg("description", err)
		}
		goal, err := p[2].AsInteger()
		if err != nil {
			return chain.StackItem{}, badArg("goal", err)
		}
		id, err := c.createProject(ex, title, description, goal)
		return chain.Uint64Item(id), err

	case chain.MethodDonate:
		if err := argCount(p, 2); err != nil {
			return chain.StackItem{}, err
		}
		projectID, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("projectId", err)
		}
		note, err := p[1].AsString()
		if err != nil {
			return chain.StackItem{}, badArg("note", err)
		}
		id, err := c.donate(ex, projectID, note)
		return chain.Uint64Item(id), err

	case chain.MethodWithdraw:
		if err := argCount(p, 2); err != nil {
			return chain.StackItem{}, err
		}
		projectID, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("projectId", err)
		}
		amount, err := p[1].AsInteger()
		if err != nil {
			return chain.StackItem{}, badArg("amount", err)
		}
		return chain.NullItem(), c.withdraw(ex, projectID, amount)

	case chain.MethodTransfer:
		if err := argCount(p, 3); err != nil {
			return chain.StackItem{}, err
		}
		from, err := p[0].AsHash160()
		if err != nil {
			return chain.StackItem{}, badArg("from", err)
		}
		to, err := p[1].AsHash160()
		if err != nil {
			return chain.StackItem{}, badArg("to", err)
		}
		tokenID, err := p[2].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("tokenId", err)
		}
		return chain.NullItem(), c.transfer(ex, from, to, tokenID)

	case chain.MethodSetProjectActive:
		if err := argCount(p, 2); err != nil {
			return chain.StackItem{}, err
		}
		projectID, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("projectId", err)
		}
		active, err := p[1].AsBool()
		if err != nil {
			return chain.StackItem{}, badArg("active", err)
		}
		return chain.NullItem(), c.setProjectActive(ex, projectID, active)

	case chain.MethodGrantMinter, chain.MethodRevokeMinter:
		if err := argCount(p, 1); err != nil {
			return chain.StackItem{}, err
		}
		minter, err := p[0].AsHash160()
		if err != nil {
			return chain.StackItem{}, badArg("minter", err)
		}
		return chain.NullItem(), c.setMinter(ex, minter, method == chain.MethodGrantMinter)
	}

	return c.view(method, p)
}

// =============================================================================
// Tokens
// =============================================================================

func (c *Contract) mint(ex *execution, to util.Uint160, uri, name, species, breed string) (uint64, error) {
	sender := ex.call.Sender
	if !sender.Equals(c.owner) && !c.minters[sender] {
		return 0, svcerrors.Unauthorized("caller is not the platform owner or a minter")
	}
	if to.Equals(util.Uint160{}) {
		return 0, svcerrors.InvalidArgument("mint to the zero address")
	}

	c.totalSupply++
	id := c.totalSupply
	c.animals[id] = animal{
		tokenID:  id,
		owner:    to,
		creator:  sender,
		uri:      uri,
		name:     name,
		species:  species,
		breed:    breed,
		mintedAt: ex.call.Time,
	}
	c.balances[to]++

	ex.emit(chain.EventTransfer, chain.NullItem(), chain.Hash160Item(to), chain.Uint64Item(id))
	ex.emit(c.mintedEvent, chain.Uint64Item(id), chain.Hash160Item(sender), chain.StringItem(name), chain.StringItem(species))
	return id, nil
}

func (c *Contract) moveToken(ex *execution, a animal, to util.Uint160) {
	from := a.owner
	c.balances[from]--
	c.balances[to]++
	a.owner = to
	c.animals[a.tokenID] = a
	ex.emit(chain.EventTransfer, chain.Hash160Item(from), chain.Hash160Item(to), chain.Uint64Item(a.tokenID))
}

func (c *Contract) transfer(ex *execution, from, to util.Uint160, tokenID uint64) error {
	a, ok := c.animals[tokenID]
	if !ok {
		return svcerrors.UnknownEntity("token", tokenID)
	}
	if !ex.call.Sender.Equals(from) || !a.owner.Equals(from) {
		return svcerrors.Unauthorized("caller does not own the token")
	}
	if to.Equals(util.Uint160{}) {
		return svcerrors.InvalidArgument("transfer to the zero address")
	}
	c.moveToken(ex, a, to)
	return nil
}

func (c *Contract) setMinter(ex *execution, minter util.Uint160, enabled bool) error {
	if !ex.call.Sender.Equals(c.owner) {
		return svcerrors.Unauthorized("caller is not the platform owner")
	}
	if enabled {
		c.minters[minter] = true
	} else {
		delete(c.minters, minter)
	}
	ex.emit(chain.EventMinterChanged, chain.Hash160Item(minter), chain.BooleanItem(enabled))
	return nil
}

// =============================================================================
// Applications
// =============================================================================

func (c *Contract) submitApplication(ex *execution, tokenID uint64, reason string) (uint64, error) {
	if _, ok := c.animals[tokenID]; !ok {
		return 0, svcerrors.UnknownEntity("token", tokenID)
	}

	c.nextApplication++
	id := c.nextApplication
	c.applications[id] = application{
		id:          id,
		tokenID:     tokenID,
		applicant:   ex.call.Sender,
		reason:      reason,
		status:      chain.StatusPending,
		submittedAt: ex.call.Time,
	}

	ex.emit(chain.EventApplicationSubmitted, chain.Uint64Item(id), chain.Uint64Item(tokenID), chain.Hash160Item(ex.call.Sender))
	return id, nil
}

func (c *Contract) reviewable(ex *execution, id uint64, want chain.ApplicationStatus) (application, error) {
	app, ok := c.applications[id]
	if !ok {
		return application{}, svcerrors.UnknownEntity("application", id)
	}
	if !c.animals[app.tokenID].owner.Equals(ex.call.Sender) {
		return application{}, svcerrors.Unauthorized("caller is not the token owner")
	}
	if app.status != want {
		return application{}, svcerrors.InvalidState(fmt.Sprintf("application %d is %s, not %s", id, app.status, want))
	}
	return app, nil
}

func (c *Contract) reviewApplication(ex *execution, id uint64, approved bool) error {
	app, err := c.reviewable(ex, id, chain.StatusPending)
	if err != nil {
		return err
	}

	app.status = chain.StatusRejected
	if approved {
		app.status = chain.StatusApproved
	}
	c.applications[id] = app

	ex.emit(chain.EventApplicationReviewed, chain.Uint64Item(id), chain.Uint64Item(uint64(app.status)), chain.Hash160Item(ex.call.Sender))
	return nil
}

func (c *Contract) revokeApproval(ex *execution, id uint64) error {
	app, err := c.reviewable(ex, id, chain.StatusApproved)
	if err != nil {
		return err
	}

	app.status = chain.StatusRejected
	c.applications[id] = app

	ex.emit(chain.EventApplicationReviewed, chain.Uint64Item(id), chain.Uint64Item(uint64(app.status)), chain.Hash160Item(ex.call.Sender))
	return nil
}

func (c *Contract) completeAdoption(ex *execution, id uint64) error {
	app, ok := c.applications[id]
	if !ok {
		return svcerrors.UnknownEntity("application", id)
	}
	if !app.applicant.Equals(ex.call.Sender) {
		return svcerrors.Unauthorized("caller is not the applicant")
	}
	if app.status != chain.StatusApproved {
		return svcerrors.InvalidState(fmt.Sprintf("application %d is %s, not approved", id, app.status))
	}

	app.status = chain.StatusCompleted
	c.applications[id] = app
	if a := c.animals[app.tokenID]; !a.owner.Equals(app.applicant) {
		c.moveToken(ex, a, app.applicant)
	}

	ex.emit(chain.EventAdoptionCompleted, chain.Uint64Item(id), chain.Uint64Item(app.tokenID), chain.Hash160Item(app.applicant))
	return nil
}

// =============================================================================
// Projects and donations
// =============================================================================

func (c *Contract) createProject(ex *execution, title, description string, goal *big.Int) (uint64, error) {
	if goal.Sign() <= 0 {
		return 0, svcerrors.InvalidGoal()
	}

	c.nextProject++
	id := c.nextProject
	c.projects[id] = project{
		id:          id,
		creator:     ex.call.Sender,
		title:       title,
		description: description,
		goal:        new(big.Int).Set(goal),
		current:     new(big.Int),
		withdrawn:   new(big.Int),
		active:      true,
	}

	ex.emit(chain.EventProjectCreated, chain.Uint64Item(id), chain.Hash160Item(ex.call.Sender), chain.StringItem(title), chain.IntegerItem(goal))
	return id, nil
}

// donate records a donation. projectID zero is an unassigned donation.
func (c *Contract) donate(ex *execution, projectID uint64, note string) (uint64, error) {
	amount := ex.call.Value
	if amount.Sign() <= 0 {
		return 0, svcerrors.InvalidArgument("donation amount must be positive")
	}

	if projectID != 0 {
		p, ok := c.projects[projectID]
		if !ok || !p.active {
			return 0, svcerrors.UnknownEntity("project", projectID)
		}
		p.current = new(big.Int).Add(p.current, amount)
		c.projects[projectID] = p
	}

	c.nextDonation++
	id := c.nextDonation
	c.donations[id] = donation{
		id:        id,
		projectID: projectID,
		donor:     ex.call.Sender,
		amount:    new(big.Int).Set(amount),
		note:      note,
		timestamp: ex.call.Time,
	}

	ex.emit(chain.EventDonationMade, chain.Uint64Item(id), chain.Uint64Item(projectID), chain.Hash160Item(ex.call.Sender), chain.IntegerItem(amount))
	return id, nil
}

func (c *Contract) withdraw(ex *execution, projectID uint64, amount *big.Int) error {
	p, ok := c.projects[projectID]
	if !ok {
		return svcerrors.UnknownEntity("project", projectID)
	}
	if !p.creator.Equals(ex.call.Sender) {
		return svcerrors.Unauthorized("caller is not the project creator")
	}
	if amount.Sign() <= 0 {
		return svcerrors.InvalidArgument("withdrawal amount must be positive")
	}
	if amount.Cmp(p.current) > 0 {
		return svcerrors.InsufficientFunds(amount.String(), p.current.String())
	}

	p.current = new(big.Int).Sub(p.current, amount)
	p.withdrawn = new(big.Int).Add(p.withdrawn, amount)
	c.projects[projectID] = p

	paid := c.payouts[p.creator]
	if paid == nil {
		paid = new(big.Int)
	}
	c.payouts[p.creator] = new(big.Int).Add(paid, amount)

	ex.emit(chain.EventWithdrawn, chain.Uint64Item(projectID), chain.Hash160Item(p.creator), chain.IntegerItem(amount))
	return nil
}

func (c *Contract) setProjectActive(ex *execution, projectID uint64, active bool) error {
	p, ok := c.projects[projectID]
	if !ok {
		return svcerrors.UnknownEntity("project", projectID)
	}
	if !p.creator.Equals(ex.call.Sender) {
		return svcerrors.Unauthorized("caller is not the project creator")
	}
	p.active = active
	c.projects[projectID] = p

	ex.emit(chain.EventProjectStatusChanged, chain.Uint64Item(projectID), chain.BooleanItem(active))
	return nil
}

// Payout returns the total withdrawn to addr.
func (c *Contract) Payout(addr util.Uint160) *big.Int {
	if v := c.payouts[addr]; v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
