package adminapi_test

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/adminapi"
	"github.com/R3E-Network/animal_rescue/internal/chain"
	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/ledger"
	"github.com/R3E-Network/animal_rescue/internal/middleware"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/mirror/memory"
	"github.com/R3E-Network/animal_rescue/internal/reconcile"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

var (
	platform = chain.AddressOf(util.Uint160{0x01})
	shelter  = chain.AddressOf(util.Uint160{0x0a})
	donor    = chain.AddressOf(util.Uint160{0x0d})
)

type harness struct {
	contract *chain.RescueContract
	store    *memory.Store
	engine   *reconcile.Engine
	client   *adminapi.Client
	url      string
}

func newHarness(t *testing.T, secret, token string) *harness {
	t.Helper()
	node := ledger.NewNode(ledger.NewContract(util.Uint160{0xca, 0xfe}, util.Uint160{0x01}))
	contract := chain.NewRescueContract(node, node.ContractHash())
	store := memory.New()
	res := resolver.New(contract, resolver.Config{}, nil)
	engine := reconcile.New(reconcile.Config{
		Operator:       platform,
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: 2 * time.Second,
		MaxRetries:     5,
		InitialBackoff: time.Hour,
	}, reconcile.Deps{
		Contract:  contract,
		Resolver:  res,
		Mirror:    store,
		Journal:   journal.NewMemory(),
		Incidents: incident.NewRecorder(nil),
	})

	srv := httptest.NewServer(adminapi.NewServer(engine, res, secret, nil).Handler())
	t.Cleanup(srv.Close)
	return &harness{
		contract: contract,
		store:    store,
		engine:   engine,
		client:   adminapi.NewClient(adminapi.ClientConfig{BaseURL: srv.URL, Token: token}),
		url:      srv.URL,
	}
}

func apiStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *adminapi.APIError
	require.True(t, errors.As(err, &apiErr), "expected API error, got %v", err)
	return apiErr.Status, apiErr.Body.Code
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, "secret", "")
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(h.url + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBearerTokenRequiredWhenConfigured(t *testing.T) {
	h := newHarness(t, "secret", "")
	_, err := h.client.ListIncidents(context.Background(), false)
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorized", code)

	token, err := middleware.IssueToken("secret", "ops", "admin", time.Minute)
	require.NoError(t, err)
	authed := adminapi.NewClient(adminapi.ClientConfig{BaseURL: h.url, Token: token})
	list, err := authed.ListIncidents(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListAndReplayReconciliations(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()

	p, err := h.engine.CreateProject(ctx, shelter, "roof", "", big.NewInt(100))
	require.NoError(t, err)

	h.store.FailWrites(func(kind mirror.Kind, _ string) error {
		if kind == mirror.KindDonation {
			return errors.New("mirror unavailable")
		}
		return nil
	})
	_, err = h.engine.Donate(ctx, p.ProjectID, donor, big.NewInt(10), "")
	require.Error(t, err)

	recs, err := h.client.ListReconciliations(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StateMirrorPending, recs[0].State)
	assert.Equal(t, journal.OpDonate, recs[0].Operation)

	byState, err := h.client.ListReconciliations(ctx, journal.StateDone, 0)
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, journal.OpCreateProject, byState[0].Operation)

	// Still failing: the record comes back with the error.
	out, err := h.client.Replay(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateMirrorPending, out.Record.State)
	assert.NotEmpty(t, out.Error)
	assert.Equal(t, 2, out.Record.Attempts)

	h.store.FailWrites(nil)
	out, err = h.client.Replay(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateDone, out.Record.State)
	assert.Empty(t, out.Error)

	rec, err := h.client.GetReconciliation(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateDone, rec.State)

	_, err = h.client.Replay(ctx, "missing")
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UnknownEntity", code)

	_, err = h.client.GetReconciliation(ctx, "missing")
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	report, err := h.client.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Open)
}

func TestIncidentAcknowledgement(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()

	inc, err := h.engine.Incidents().Report(ctx, incident.Incident{
		Kind:      incident.KindResolutionFailed,
		EntityKey: "animal:rex",
		TxHash:    "0xabc",
		Message:   "mint confirmed but token id could not be resolved",
	})
	require.NoError(t, err)

	list, err := h.client.ListIncidents(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inc.ID, list[0].ID)

	require.NoError(t, h.client.AckIncident(ctx, inc.ID))
	list, err = h.client.ListIncidents(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = h.client.ListIncidents(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Acknowledged)

	err = h.client.AckIncident(ctx, "missing")
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResolveMintByTransaction(t *testing.T) {
	h := newHarness(t, "", "")
	ctx := context.Background()

	tx, err := h.contract.PrepareMint(ctx, platform, shelter, "ipfs://rex", "rex", "dog", "mixed")
	require.NoError(t, err)
	require.NoError(t, h.contract.Broadcast(ctx, tx))

	res, err := h.client.ResolveMint(ctx, tx.Hash, shelter)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, uint64(1), res.TokenID)
	assert.Equal(t, resolver.StrategyEventLog, res.Strategy)

	_, err = h.client.ResolveMint(ctx, "", "")
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidArgument", code)

	_, err = h.client.ResolveAnimal(ctx, "nobody")
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}
