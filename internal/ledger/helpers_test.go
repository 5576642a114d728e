package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/chain"
)

var (
	contractHash = util.Uint160{0xca, 0xfe}
	platform     = util.Uint160{0x01}
	orgA         = util.Uint160{0x0a}
	adopterB     = util.Uint160{0x0b}
	adopterC     = util.Uint160{0x0c}
	donor        = util.Uint160{0x0d}
)

func addr(u util.Uint160) string { return chain.AddressOf(u) }

func newDevnet(t *testing.T, opts ...NodeOption) (*Node, *chain.RescueContract) {
	t.Helper()
	node := NewNode(NewContract(contractHash, platform), opts...)
	return node, chain.NewRescueContract(node, node.ContractHash())
}

// send broadcasts a prepared transaction and returns its application log.
func send(t *testing.T, rc *chain.RescueContract, tx *chain.PreparedTx, err error) *chain.ApplicationLog {
	t.Helper()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rc.Broadcast(ctx, tx))
	log, found, err := rc.Status(ctx, tx.Hash)
	require.NoError(t, err)
	require.True(t, found)
	return log
}

func mustHalt(t *testing.T, rc *chain.RescueContract, tx *chain.PreparedTx, err error) *chain.ApplicationLog {
	t.Helper()
	log := send(t, rc, tx, err)
	require.NoError(t, chain.CheckExecution(log))
	return log
}

func bigInt(n int64) *big.Int { return big.NewInt(n) }
