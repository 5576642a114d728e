package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
)

func newRPCDevnet(t *testing.T, opts ...NodeOption) (*Node, *chain.Client, *chain.RescueContract) {
	t.Helper()
	node := NewNode(NewContract(contractHash, platform, WithMintedEventName("AnimalNFTMinted")), opts...)
	srv := httptest.NewServer(NewRPCServer(node, nil).Handler())
	t.Cleanup(srv.Close)

	client, err := chain.NewClient(chain.Config{RPCURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return node, client, chain.NewRescueContract(client, node.ContractHash())
}

func TestRPCRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client, rc := newRPCDevnet(t)

	tx, err := rc.PrepareMint(ctx, addr(platform), addr(orgA), "ipfs://rex", "Rex", "dog", "beagle")
	require.NoError(t, err)
	require.NoError(t, rc.Broadcast(ctx, tx))

	log, err := rc.WaitForConfirmation(ctx, tx.Hash, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, chain.CheckExecution(log))
	assert.Empty(t, chain.FindNotifications(log, rc.Hash(), chain.EventMinted))
	renamed := chain.FindNotifications(log, rc.Hash(), "AnimalNFTMinted")
	require.Len(t, renamed, 1)
	ev, err := chain.DecodeMinted(renamed[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.TokenID)

	height, err := client.GetTransactionHeight(ctx, tx.Hash)
	require.NoError(t, err)
	notifications, err := client.GetBlockNotifications(ctx, height)
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	for _, n := range notifications {
		assert.Equal(t, tx.Hash, n.Container)
	}

	block, err := client.GetBlock(ctx, height)
	require.NoError(t, err)
	require.Len(t, block.Tx, 1)
	assert.Equal(t, tx.Hash, block.Tx[0].Hash)

	count, err := client.GetBlockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, height+1, count)

	animal, err := rc.GetAnimal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Rex", animal.Name)
	assert.Equal(t, "beagle", animal.Breed)
	assert.Equal(t, addr(orgA), animal.Owner)

	uri, err := rc.TokenURI(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://rex", uri)
}

func TestRPCContractState(t *testing.T) {
	_, client, rc := newRPCDevnet(t)

	state, err := client.GetContractState(context.Background(), rc.Hash())
	require.NoError(t, err)
	var names []string
	for _, e := range state.Manifest.ABI.Events {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "AnimalNFTMinted")
	assert.NotContains(t, names, chain.EventMinted)

	_, err = client.GetContractState(context.Background(), "0x0000000000000000000000000000000000000001")
	var rpcErr *chain.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, chain.ErrCodeUnknownContract, rpcErr.Code)
}

func TestRPCDonationCarriesValue(t *testing.T) {
	ctx := context.Background()
	_, _, rc := newRPCDevnet(t)

	tx, err := rc.PrepareCreateProject(ctx, addr(orgA), "Vet bills", "", bigInt(500))
	require.NoError(t, err)
	require.NoError(t, rc.Broadcast(ctx, tx))

	tx, err = rc.PrepareDonate(ctx, addr(donor), 1, "", bigInt(300))
	require.NoError(t, err)
	require.NoError(t, rc.Broadcast(ctx, tx))

	project, err := rc.GetProject(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(300), project.CurrentAmount.Int64())
}

func TestRPCErrors(t *testing.T) {
	ctx := context.Background()
	node, client, rc := newRPCDevnet(t)

	_, err := client.GetApplicationLog(ctx, "0xdeadbeef")
	assert.True(t, chain.IsNotFound(err))

	_, err = rc.PrepareMint(ctx, addr(adopterB), addr(adopterB), "u", "n", "s", "b")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnauthorized))

	node.SetBlockNotifications(false)
	_, err = client.GetBlockNotifications(ctx, 0)
	assert.True(t, chain.IsRejected(err))
	assert.False(t, chain.IsNotFound(err))

	_, err = client.Call(ctx, "getversion", nil)
	var rpcErr *chain.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, chain.ErrCodeMethodNotFound, rpcErr.Code)

	_, err = client.SendRawTransaction(ctx, "not base64 at all")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, chain.ErrCodeInvalidParams, rpcErr.Code)
}

func TestRPCStrippedLogs(t *testing.T) {
	ctx := context.Background()
	node, client, rc := newRPCDevnet(t)
	node.SetStripLogs(true)

	tx, err := rc.PrepareMint(ctx, addr(platform), addr(orgA), "u", "n", "s", "b")
	require.NoError(t, err)
	require.NoError(t, rc.Broadcast(ctx, tx))

	log, err := client.GetApplicationLog(ctx, tx.Hash)
	require.NoError(t, err)
	require.NoError(t, chain.CheckExecution(log))
	assert.Empty(t, log.Executions[0].Notifications)

	height, err := client.GetTransactionHeight(ctx, tx.Hash)
	require.NoError(t, err)
	notifications, err := client.GetBlockNotifications(ctx, height)
	require.NoError(t, err)
	assert.Len(t, notifications, 2)
}

func TestRPCHealthz(t *testing.T) {
	node := NewNode(NewContract(contractHash, platform))
	srv := httptest.NewServer(NewRPCServer(node, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
