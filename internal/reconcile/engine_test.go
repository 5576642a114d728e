package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/ledger"
	"github.com/R3E-Network/animal_rescue/internal/lock"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/mirror/memory"
)

var (
	contractHash = util.Uint160{0xca, 0xfe}
	platform     = chain.AddressOf(util.Uint160{0x01})
	shelter      = chain.AddressOf(util.Uint160{0x0a})
	alice        = chain.AddressOf(util.Uint160{0x0b})
	bob          = chain.AddressOf(util.Uint160{0x0c})
	donor        = chain.AddressOf(util.Uint160{0x0d})
)

// flakyBackend fails selected contract reads and invocations.
type flakyBackend struct {
	chain.Backend

	mu          sync.Mutex
	failRead    map[string]bool
	failPrepare map[string]bool
}

func (f *flakyBackend) setRead(method string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead[method] = fail
}

func (f *flakyBackend) setPrepare(method string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrepare[method] = fail
}

func (f *flakyBackend) InvokeFunction(ctx context.Context, scriptHash, method string, params []chain.ContractParam) (*chain.InvokeResult, error) {
	f.mu.Lock()
	fail := f.failRead[method]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.Backend.InvokeFunction(ctx, scriptHash, method, params)
}

func (f *flakyBackend) PrepareInvocation(ctx context.Context, inv chain.Invocation) (*chain.InvokeResult, error) {
	f.mu.Lock()
	fail := f.failPrepare[inv.Method]
	f.mu.Unlock()
	if fail {
		return nil, &chain.RPCError{Code: chain.ErrCodeVerificationFailed, Message: "Verification failed"}
	}
	return f.Backend.PrepareInvocation(ctx, inv)
}

type fixture struct {
	node      *ledger.Node
	backend   *flakyBackend
	contract  *chain.RescueContract
	store     *memory.Store
	journal   *journal.Memory
	incidents *incident.Recorder
	locker    *lock.Local
	engine    *Engine
}

func newFixture(t *testing.T, tune func(*Config), nodeOpts ...ledger.NodeOption) *fixture {
	t.Helper()
	node := ledger.NewNode(ledger.NewContract(contractHash, util.Uint160{0x01}), nodeOpts...)
	backend := &flakyBackend{Backend: node, failRead: map[string]bool{}, failPrepare: map[string]bool{}}
	f := &fixture{
		node:      node,
		backend:   backend,
		contract:  chain.NewRescueContract(backend, node.ContractHash()),
		store:     memory.New(),
		journal:   journal.NewMemory(),
		incidents: incident.NewRecorder(nil),
		locker:    lock.NewLocal(),
	}

	cfg := Config{
		Operator:       platform,
		ConfirmTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	f.engine = New(cfg, Deps{
		Contract:  f.contract,
		Mirror:    f.store,
		Journal:   f.journal,
		Locker:    f.locker,
		Incidents: f.incidents,
	})
	return f
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.RegisterAnimal(context.Background(), AnimalInput{
		ID:          id,
		Name:        id,
		Species:     "dog",
		Breed:       "mixed",
		MetadataURI: "ipfs://" + id,
		Owner:       shelter,
	})
	require.NoError(t, err)
}

func (f *fixture) minted(t *testing.T, id string) uint64 {
	t.Helper()
	f.register(t, id)
	a, err := f.engine.MintAnimal(context.Background(), id)
	require.NoError(t, err)
	tokenID, ok := a.TokenID()
	require.True(t, ok)
	return tokenID
}

func (f *fixture) animal(t *testing.T, id string) mirror.Animal {
	t.Helper()
	a, _, err := mirror.Load[mirror.Animal](context.Background(), f.store, mirror.KindAnimal, id)
	require.NoError(t, err)
	return a
}

func (f *fixture) project(t *testing.T, id uint64) mirror.Project {
	t.Helper()
	p, _, err := mirror.Load[mirror.Project](context.Background(), f.store, mirror.KindProject, mirror.ID(id))
	require.NoError(t, err)
	return p
}

func (f *fixture) records(t *testing.T, entity string) []journal.Record {
	t.Helper()
	recs, err := f.journal.ListByEntity(context.Background(), entity)
	require.NoError(t, err)
	return recs
}

func (f *fixture) incidentKinds(t *testing.T) []incident.Kind {
	t.Helper()
	list, err := f.incidents.List(context.Background(), true)
	require.NoError(t, err)
	kinds := make([]incident.Kind, 0, len(list))
	for _, inc := range list {
		kinds = append(kinds, inc.Kind)
	}
	return kinds
}

// =============================================================================
// Adoption
// =============================================================================

func TestAdoptionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tokenID := f.minted(t, "rex")
	assert.Equal(t, uint64(1), tokenID)
	a := f.animal(t, "rex")
	assert.Equal(t, shelter, a.Owner)
	assert.Equal(t, "event_log", a.NFT.ResolvedBy)

	app, err := f.engine.SubmitApplication(ctx, "rex", alice, "big garden")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), app.ApplicationID)
	assert.Equal(t, mirror.StagePending, app.Status)
	assert.NotEmpty(t, app.SubmitTxHash)

	app, err = f.engine.ReviewApplication(ctx, "rex", app.ApplicationID, true, shelter)
	require.NoError(t, err)
	assert.Equal(t, mirror.StageApproved, app.Status)
	a = f.animal(t, "rex")
	assert.Equal(t, mirror.StatusAdopted, a.Status)
	assert.Equal(t, alice, a.Adopter)

	out, err := f.engine.CompleteAdoption(ctx, "rex", app.ApplicationID, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, out.Owner)

	owner, err := f.contract.OwnerOf(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	view, err := f.contract.GetApplication(ctx, app.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusCompleted, view.Status)

	for _, rec := range f.records(t, "animal:rex") {
		assert.Equal(t, journal.StateDone, rec.State, string(rec.Operation))
	}
	open, err := f.journal.ListOpen(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDuplicateApplicationsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.SubmitApplication(ctx, "rex", alice, "please")
		}(i)
	}
	wg.Wait()

	succeeded, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case svcerrors.IsCode(err, svcerrors.CodeInvalidState):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)

	_, err := f.contract.GetApplication(ctx, 2)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnknownEntity), "second application reached the ledger: %v", err)
	assert.Len(t, f.animal(t, "rex").Applications, 1)
}

func TestSecondApprovalRefusedBeforeSubmission(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	first, err := f.engine.SubmitApplication(ctx, "rex", alice, "a")
	require.NoError(t, err)
	second, err := f.engine.SubmitApplication(ctx, "rex", bob, "b")
	require.NoError(t, err)

	_, err = f.engine.ReviewApplication(ctx, "rex", first.ApplicationID, true, shelter)
	require.NoError(t, err)
	before := len(f.records(t, "animal:rex"))

	_, err = f.engine.ReviewApplication(ctx, "rex", second.ApplicationID, true, shelter)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState), "got %v", err)
	assert.Len(t, f.records(t, "animal:rex"), before)

	// Rejecting a pending application leaves the adopter alone.
	app, err := f.engine.ReviewApplication(ctx, "rex", second.ApplicationID, false, shelter)
	require.NoError(t, err)
	assert.Equal(t, mirror.StageRejected, app.Status)
	a := f.animal(t, "rex")
	assert.Equal(t, mirror.StatusAdopted, a.Status)
	assert.Equal(t, alice, a.Adopter)
}

func TestRejectingApprovedApplicationRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	app, err := f.engine.SubmitApplication(ctx, "rex", alice, "a")
	require.NoError(t, err)
	_, err = f.engine.ReviewApplication(ctx, "rex", app.ApplicationID, true, shelter)
	require.NoError(t, err)

	app, err = f.engine.ReviewApplication(ctx, "rex", app.ApplicationID, false, shelter)
	require.NoError(t, err)
	assert.Equal(t, mirror.StageRejected, app.Status)

	a := f.animal(t, "rex")
	assert.Equal(t, mirror.StatusAdoptable, a.Status)
	assert.Empty(t, a.Adopter)
	last := a.History[len(a.History)-1]
	assert.Equal(t, mirror.ActionRollback, last.Action)

	recs := f.records(t, "animal:rex")
	assert.Equal(t, journal.OpRevokeApproval, recs[len(recs)-1].Operation)

	view, err := f.contract.GetApplication(ctx, app.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusRejected, view.Status)

	// Rejected is terminal.
	_, err = f.engine.ReviewApplication(ctx, "rex", app.ApplicationID, false, shelter)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState), "got %v", err)
}

func TestUnauthorizedReviewNeverJournaled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	app, err := f.engine.SubmitApplication(ctx, "rex", alice, "a")
	require.NoError(t, err)
	before := len(f.records(t, "animal:rex"))

	_, err = f.engine.ReviewApplication(ctx, "rex", app.ApplicationID, true, bob)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnauthorized), "got %v", err)
	assert.Len(t, f.records(t, "animal:rex"), before)
	assert.Equal(t, mirror.StatusAdoptable, f.animal(t, "rex").Status)
}

func TestFailedPrepareReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	f.backend.setPrepare(chain.MethodSubmitApplication, true)
	_, err := f.engine.SubmitApplication(ctx, "rex", alice, "a")
	require.Error(t, err)
	assert.Empty(t, f.animal(t, "rex").Applications)

	f.backend.setPrepare(chain.MethodSubmitApplication, false)
	app, err := f.engine.SubmitApplication(ctx, "rex", alice, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), app.ApplicationID)
}

func TestTransferUpdatesOwner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	a, err := f.engine.Transfer(ctx, "rex", shelter, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, a.Owner)
	assert.Equal(t, mirror.ActionTransferred, a.History[len(a.History)-1].Action)

	_, err = f.engine.Transfer(ctx, "rex", shelter, alice)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnauthorized), "got %v", err)
}

// =============================================================================
// Mint resolution
// =============================================================================

func TestMintResolvesFromSupplyUnderLock(t *testing.T) {
	f := newFixture(t, nil)
	f.node.SetStripLogs(true)

	f.minted(t, "rex")
	assert.Equal(t, "supply_diff", f.animal(t, "rex").NFT.ResolvedBy)

	// Someone else holds the mint lock, so the supply cannot be trusted.
	lease, held, err := f.locker.TryAcquire(context.Background(), DefaultConfig().MintLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	defer lease.Release(context.Background())

	tokenID := f.minted(t, "bella")
	assert.Equal(t, uint64(2), tokenID)
	assert.Equal(t, "block_range", f.animal(t, "bella").NFT.ResolvedBy)
}

func TestUnresolvedMintRaisesIncident(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.node.SetStripLogs(true)
	f.node.SetBlockNotifications(false)
	f.backend.setRead(chain.MethodOwnerOf, true)

	lease, held, err := f.locker.TryAcquire(ctx, DefaultConfig().MintLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	f.register(t, "rex")
	a, err := f.engine.MintAnimal(ctx, "rex")
	require.True(t, svcerrors.IsCode(err, svcerrors.CodeResolutionFailed), "got %v", err)
	require.NotNil(t, a)
	require.NotNil(t, a.NFT)
	assert.Equal(t, mirror.TokenUnresolved, a.NFT.State)
	assert.Nil(t, a.NFT.TokenID)
	assert.Len(t, a.NFT.Steps, 4)
	assert.Contains(t, f.incidentKinds(t), incident.KindResolutionFailed)

	recs := f.records(t, "animal:rex")
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StateDone, recs[0].State)

	// The token is on the ledger; a second mint is refused.
	_, err = f.engine.MintAnimal(ctx, "rex")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState), "got %v", err)

	_, err = f.engine.SubmitApplication(ctx, "rex", alice, "a")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState), "got %v", err)

	require.NoError(t, lease.Release(ctx))
	f.backend.setRead(chain.MethodOwnerOf, false)

	a, err = f.engine.ResolveAnimal(ctx, "rex")
	require.NoError(t, err)
	tokenID, ok := a.TokenID()
	require.True(t, ok)
	assert.Equal(t, uint64(1), tokenID)
	assert.Equal(t, "owner_probe", a.NFT.ResolvedBy)
}

func TestSurfacedMintBlocksSecondMint(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.InitialBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})
	ctx := context.Background()
	f.register(t, "rex")

	f.store.FailWrites(func(kind mirror.Kind, _ string) error {
		if kind == mirror.KindAnimal {
			return errors.New("mirror unavailable")
		}
		return nil
	})
	_, err := f.engine.MintAnimal(ctx, "rex")
	require.True(t, svcerrors.IsCode(err, svcerrors.CodeMirrorWriteFailed), "got %v", err)

	_, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	report, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Surfaced)

	recs := f.records(t, "animal:rex")
	require.Len(t, recs, 1)
	require.Equal(t, journal.StateSurfaced, recs[0].State)

	f.store.FailWrites(nil)
	_, err = f.engine.MintAnimal(ctx, "rex")
	require.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState), "got %v", err)
	assert.Equal(t, recs[0].ID, svcerrors.GetServiceError(err).Details["record"])

	supply, err := f.contract.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), supply)
	assert.Len(t, f.records(t, "animal:rex"), 1)

	rec, err := f.engine.Replay(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateDone, rec.State)
	a := f.animal(t, "rex")
	tokenID, ok := a.TokenID()
	require.True(t, ok)
	assert.Equal(t, uint64(1), tokenID)
}

func TestExpiredMintLeaseSkipsSupplyDiff(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MintLockTTL = time.Nanosecond })
	f.node.SetStripLogs(true)

	tokenID := f.minted(t, "rex")
	assert.Equal(t, uint64(1), tokenID)

	a := f.animal(t, "rex")
	assert.Equal(t, "block_range", a.NFT.ResolvedBy)
	require.GreaterOrEqual(t, len(a.NFT.Steps), 2)
	assert.Equal(t, "supply_diff", a.NFT.Steps[1].Strategy)
	assert.Equal(t, "skipped", a.NFT.Steps[1].Outcome)
}

// =============================================================================
// Projects and donations
// =============================================================================

func donationTotal(t *testing.T, f *fixture, projectID uint64) *big.Int {
	t.Helper()
	docs, err := f.store.List(context.Background(), mirror.KindDonation)
	require.NoError(t, err)
	sum := new(big.Int)
	for _, doc := range docs {
		d, _, err := mirror.Load[mirror.Donation](context.Background(), f.store, mirror.KindDonation, doc.ID)
		require.NoError(t, err)
		if d.ProjectID == projectID && d.Status == mirror.DonationCompleted {
			sum.Add(sum, mirror.Amount(d.Amount))
		}
	}
	return sum
}

func TestDonationsBalanceProject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.engine.CreateProject(ctx, shelter, "Shelter roof", "rain gets in", big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ProjectID)
	assert.True(t, p.IsActive)

	for _, amount := range []int64{300, 500} {
		d, err := f.engine.Donate(ctx, p.ProjectID, donor, big.NewInt(amount), "for the roof")
		require.NoError(t, err)
		assert.Equal(t, mirror.DonationCompleted, d.Status)
	}
	got := f.project(t, p.ProjectID)
	assert.Equal(t, "800", got.CurrentAmount)
	assert.Equal(t, int64(80), got.Progress())
	assert.Len(t, got.Donations, 2)

	_, err = f.engine.Donate(ctx, p.ProjectID, donor, big.NewInt(400), "")
	require.NoError(t, err)
	overfunded := f.project(t, p.ProjectID)
	assert.Equal(t, int64(120), overfunded.Progress())

	got2, err := f.engine.Withdraw(ctx, p.ProjectID, shelter, "700")
	require.NoError(t, err)
	assert.Equal(t, "500", got2.CurrentAmount)
	assert.Equal(t, "700", got2.Withdrawn)
	require.Len(t, got2.Withdrawals, 1)
	assert.Equal(t, shelter, got2.Withdrawals[0].To)

	_, err = f.engine.Withdraw(ctx, p.ProjectID, shelter, "600")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInsufficientFunds), "got %v", err)

	final := f.project(t, p.ProjectID)
	sum := new(big.Int).Add(mirror.Amount(final.CurrentAmount), mirror.Amount(final.Withdrawn))
	assert.Equal(t, 0, donationTotal(t, f, p.ProjectID).Cmp(sum))
	assert.Equal(t, 0, f.node.Payout(util.Uint160{0x0a}).Cmp(big.NewInt(700)))

	view, err := f.contract.GetProject(ctx, p.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, view.CurrentAmount.String(), final.CurrentAmount)
}

func TestInvalidGoalNeverSubmitted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, goal := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		_, err := f.engine.CreateProject(ctx, shelter, "t", "d", goal)
		assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidGoal), "goal %v: %v", goal, err)
	}
	assert.Empty(t, f.records(t, "project-create:"+shelter))
}

func TestUnassignedDonation(t *testing.T) {
	f := newFixture(t, nil)
	d, err := f.engine.Donate(context.Background(), 0, donor, big.NewInt(25), "general fund")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), d.ProjectID)
	assert.Equal(t, "25", d.Amount)

	docs, err := f.store.List(context.Background(), mirror.KindProject)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubmissionRateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RatePerSecond = 0.001
		c.Burst = 1
	})
	ctx := context.Background()

	_, err := f.engine.CreateProject(ctx, shelter, "one", "", big.NewInt(10))
	require.NoError(t, err)
	_, err = f.engine.CreateProject(ctx, shelter, "two", "", big.NewInt(10))
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeRateLimitExceeded), "got %v", err)
	assert.Len(t, f.records(t, "project-create:"+shelter), 1)
}

// =============================================================================
// Recovery
// =============================================================================

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.engine.CreateProject(ctx, shelter, "roof", "", big.NewInt(100))
	require.NoError(t, err)
	d, err := f.engine.Donate(ctx, p.ProjectID, donor, big.NewInt(40), "")
	require.NoError(t, err)

	recs := f.records(t, "project:1")
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, journal.StateDone, rec.State)

	donationDoc, err := f.store.Get(ctx, mirror.KindDonation, mirror.ID(d.DonationID))
	require.NoError(t, err)
	projectDoc, err := f.store.Get(ctx, mirror.KindProject, mirror.ID(p.ProjectID))
	require.NoError(t, err)

	// A crash between the mirror write and marking the record done.
	rec.State = journal.StateMirrorPending
	_, err = f.journal.Update(ctx, rec)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := f.engine.Replay(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, journal.StateDone, out.State)
	}

	after, err := f.store.Get(ctx, mirror.KindDonation, mirror.ID(d.DonationID))
	require.NoError(t, err)
	assert.Equal(t, donationDoc.Version, after.Version)
	afterProject, err := f.store.Get(ctx, mirror.KindProject, mirror.ID(p.ProjectID))
	require.NoError(t, err)
	assert.Equal(t, projectDoc.Version, afterProject.Version)
	assert.Len(t, f.project(t, p.ProjectID).Donations, 1)

	_, err = f.engine.Replay(ctx, "missing")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnknownEntity), "got %v", err)
}

func TestTimeoutLeavesRecordForReconciliation(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ConfirmTimeout = 30 * time.Millisecond
	}, ledger.WithManualMining())
	ctx := context.Background()

	tx, err := f.contract.PrepareCreateProject(ctx, shelter, "roof", "", big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, f.contract.Broadcast(ctx, tx))
	f.node.Mine()

	_, err = f.engine.Donate(ctx, 1, donor, big.NewInt(30), "")
	require.True(t, svcerrors.IsCode(err, svcerrors.CodeTransactionTimeout), "got %v", err)

	recs := f.records(t, "project:1")
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StateSubmitted, recs[0].State)
	assert.NotEmpty(t, recs[0].TxHash)

	// Nothing new is written for the project while its outcome is unknown.
	_, err = f.engine.Donate(ctx, 1, donor, big.NewInt(30), "")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeReconciliationPending), "got %v", err)
	assert.Equal(t, 1, f.node.Pending())

	f.node.Mine()
	report, err := f.engine.ReconcilePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 0, report.Open)

	rec, err := f.journal.Get(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateDone, rec.State)
	assert.Equal(t, "30", f.project(t, 1).CurrentAmount)

	_, err = f.contract.GetDonation(ctx, 2)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnknownEntity), "transaction was resubmitted: %v", err)
}

func TestNeverObservedTransactionSurfaces(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ConfirmTimeout = 20 * time.Millisecond
		c.UnknownTxMaxAge = time.Minute
	}, ledger.WithManualMining())
	ctx := context.Background()

	_, err := f.engine.Donate(ctx, 0, donor, big.NewInt(5), "")
	require.True(t, svcerrors.IsCode(err, svcerrors.CodeTransactionTimeout), "got %v", err)

	f.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err := f.engine.ReconcilePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Surfaced)
	assert.Contains(t, f.incidentKinds(t), incident.KindUnknownTransaction)

	recs := f.records(t, "project:0")
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StateSurfaced, recs[0].State)
}

func TestMirrorFailureRetriesThenSurfaces(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.InitialBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})
	ctx := context.Background()

	p, err := f.engine.CreateProject(ctx, shelter, "roof", "", big.NewInt(100))
	require.NoError(t, err)

	f.store.FailWrites(func(kind mirror.Kind, _ string) error {
		if kind == mirror.KindDonation {
			return errors.New("mirror unavailable")
		}
		return nil
	})

	_, err = f.engine.Donate(ctx, p.ProjectID, donor, big.NewInt(60), "")
	require.True(t, svcerrors.IsCode(err, svcerrors.CodeMirrorWriteFailed), "got %v", err)

	recs := f.records(t, "project:1")
	require.Len(t, recs, 1)
	id := recs[0].ID
	assert.Equal(t, journal.StateMirrorPending, recs[0].State)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.True(t, recs[0].NextAttemptAt.After(time.Now()))

	// The ledger holds the donation even though the mirror does not.
	view, err := f.contract.GetProject(ctx, p.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "60", view.CurrentAmount.String())

	report, err := f.engine.ReconcilePass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)

	report, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	report, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Surfaced)

	rec, err := f.journal.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, journal.StateSurfaced, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, f.incidentKinds(t), incident.KindMirrorSurfaced)

	f.store.FailWrites(nil)
	rec, err = f.engine.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, journal.StateDone, rec.State)

	got := f.project(t, p.ProjectID)
	assert.Equal(t, "60", got.CurrentAmount)
	assert.Equal(t, 0, donationTotal(t, f, p.ProjectID).Cmp(big.NewInt(60)))

	_, err = f.contract.GetDonation(ctx, 2)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnknownEntity), "donation was resubmitted: %v", err)
}

func TestRecoverIgnoresBatchSize(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.BatchSize = 1
		c.InitialBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})
	ctx := context.Background()

	first, err := f.engine.CreateProject(ctx, shelter, "roof", "", big.NewInt(100))
	require.NoError(t, err)
	second, err := f.engine.CreateProject(ctx, shelter, "kennels", "", big.NewInt(100))
	require.NoError(t, err)

	f.store.FailWrites(func(kind mirror.Kind, _ string) error {
		if kind == mirror.KindDonation {
			return errors.New("mirror unavailable")
		}
		return nil
	})
	for _, p := range []*mirror.Project{first, second} {
		_, err = f.engine.Donate(ctx, p.ProjectID, donor, big.NewInt(10), "")
		require.True(t, svcerrors.IsCode(err, svcerrors.CodeMirrorWriteFailed), "got %v", err)
	}
	f.store.FailWrites(nil)

	report, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Settled)
	assert.Equal(t, 0, report.Open)
}

func TestLedgerFaultRevertsRecord(t *testing.T) {
	f := newFixture(t, nil, ledger.WithManualMining())
	ctx := context.Background()

	tx, err := f.contract.PrepareCreateProject(ctx, shelter, "roof", "", big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, f.contract.Broadcast(ctx, tx))
	f.node.Mine()
	tx, err = f.contract.PrepareDonate(ctx, donor, 1, "", big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, f.contract.Broadcast(ctx, tx))
	f.node.Mine()

	// A competing withdrawal lands first in the same block.
	competing, err := f.contract.PrepareWithdraw(ctx, shelter, 1, big.NewInt(60))
	require.NoError(t, err)
	require.NoError(t, f.contract.Broadcast(ctx, competing))

	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Withdraw(ctx, 1, shelter, "60")
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.node.Pending() == 2 }, 2*time.Second, time.Millisecond)
	f.node.Mine()

	err = <-errc
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInsufficientFunds), "got %v", err)
	recs := f.records(t, "project:1")
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StateReverted, recs[0].State)
}

func TestAuditRepairsOwnerDrift(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.minted(t, "rex")

	_, err := mirror.Update[mirror.Animal](ctx, f.store, mirror.KindAnimal, "rex", 3, func(a *mirror.Animal, _ bool) (bool, error) {
		a.Owner = bob
		return true, nil
	})
	require.NoError(t, err)

	repaired, err := f.engine.AuditOwnership(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, shelter, f.animal(t, "rex").Owner)

	repaired, err = f.engine.AuditOwnership(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)

	// A token the ledger never minted.
	ghost := uint64(99)
	_, err = mirror.Save(ctx, f.store, mirror.KindAnimal, "ghost", mirror.Animal{
		ID:     "ghost",
		Name:   "ghost",
		Status: mirror.StatusAdoptable,
		NFT:    &mirror.NFT{TokenID: &ghost, State: mirror.TokenResolved},
	})
	require.NoError(t, err)
	_, err = f.engine.AuditOwnership(ctx)
	require.NoError(t, err)
	assert.Contains(t, f.incidentKinds(t), incident.KindDivergence)
}

// =============================================================================
// Helpers
// =============================================================================

func TestBackoffBounds(t *testing.T) {
	e := New(Config{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
	}, Deps{})

	for attempt := 1; attempt <= 10; attempt++ {
		base := 100 * time.Millisecond << (attempt - 1)
		if base > time.Second {
			base = time.Second
		}
		d := e.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.9), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.1), "attempt %d", attempt)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, nil)
	s := NewScheduler(f.engine, "@every 1s", nil)
	assert.Equal(t, "reconcile-scheduler", s.Name())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	bad := NewScheduler(f.engine, "not a schedule", nil)
	assert.Error(t, bad.Start(ctx))

	report := s.RunOnce(ctx)
	assert.Zero(t, report.Open)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	again, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
}
