package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/animal_rescue/internal/chain"
)

// maxValidBlocks bounds how long a prepared transaction stays valid.
const maxValidBlocks = 5760

var _ chain.Backend = (*Node)(nil)

type block struct {
	hash  string
	index uint64
	time  uint64
	txs   []string
}

type pendingTx struct {
	hash string
	tx   *chain.RawTransaction
}

// Node is a single-validator devnet running one rescue contract. By default
// every accepted transaction is sealed into its own block immediately.
type Node struct {
	mu       sync.Mutex
	contract *Contract
	hash     string

	blocks  []block
	logs    map[string]*chain.ApplicationLog
	heights map[string]uint64
	mempool []pendingTx
	nonce   uint64

	clock        func() time.Time
	manualMining bool
	stripLogs    bool
	noBlockIndex bool
}

// NodeOption customizes a Node.
type NodeOption func(*Node)

// WithManualMining keeps transactions in the mempool until Mine is called.
func WithManualMining() NodeOption {
	return func(n *Node) { n.manualMining = true }
}

// WithClock sets the block timestamp source.
func WithClock(clock func() time.Time) NodeOption {
	return func(n *Node) { n.clock = clock }
}

// NewNode starts a devnet with a genesis block.
func NewNode(contract *Contract, opts ...NodeOption) *Node {
	n := &Node{
		contract: contract,
		hash:     chain.ScriptHashString(contract.Hash()),
		logs:     make(map[string]*chain.ApplicationLog),
		heights:  make(map[string]uint64),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.sealLocked(nil)
	return n
}

// ContractHash returns the 0x-prefixed script hash of the deployed contract.
func (n *Node) ContractHash() string { return n.hash }

// SetStripLogs makes getapplicationlog omit notifications, as some proxies do.
func (n *Node) SetStripLogs(strip bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stripLogs = strip
}

// SetBlockNotifications toggles support for getblocknotifications.
func (n *Node) SetBlockNotifications(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noBlockIndex = !enabled
}

// Payout returns the total amount withdrawn to addr.
func (n *Node) Payout(addr util.Uint160) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.contract.Payout(addr)
}

// =============================================================================
// Mining
// =============================================================================

// Mine seals the mempool into a new block and returns its index.
func (n *Node) Mine() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := n.mempool
	n.mempool = nil
	return n.sealLocked(pending)
}

// Pending returns the number of transactions waiting in the mempool.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mempool)
}

// Run mines a block every interval until ctx is done.
func (n *Node) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			if len(n.mempool) > 0 {
				pending := n.mempool
				n.mempool = nil
				n.sealLocked(pending)
			}
			n.mu.Unlock()
		}
	}
}

func (n *Node) sealLocked(txs []pendingTx) uint64 {
	index := uint64(len(n.blocks))
	ts := uint64(n.clock().Unix())

	hashes := make([]string, 0, len(txs))
	for _, p := range txs {
		n.logs[p.hash] = n.executeLocked(p, ts)
		n.heights[p.hash] = index
		hashes = append(hashes, p.hash)
	}

	seed := make([]byte, 8)
	binary.LittleEndian.PutUint64(seed, index)
	seed = append(seed, []byte(strings.Join(hashes, ""))...)

	n.blocks = append(n.blocks, block{
		hash:  "0x" + hash.Sha256(seed).StringLE(),
		index: index,
		time:  ts,
		txs:   hashes,
	})
	return index
}

// executeLocked applies one transaction. State changes are committed only
// when the execution halts.
func (n *Node) executeLocked(p pendingTx, ts uint64) *chain.ApplicationLog {
	exec := chain.Execution{Trigger: "Application", GasConsumed: "997775", Stack: []chain.StackItem{}, Notifications: []chain.Notification{}}

	call, err := callFromTx(p.tx, ts)
	if err == nil && uint64(len(n.blocks)) > p.tx.ValidUntilBlock {
		err = fmt.Errorf("transaction expired at block %d", p.tx.ValidUntilBlock)
	}
	if err == nil {
		scratch := n.contract.Clone()
		var (
			result        chain.StackItem
			notifications []chain.Notification
		)
		result, notifications, err = scratch.Execute(call, p.tx.Method, p.tx.Params)
		if err == nil {
			n.contract = scratch
			exec.VMState = chain.VMStateHalt
			exec.Stack = []chain.StackItem{result}
			exec.Notifications = notifications
		}
	}
	if err != nil {
		exec.VMState = chain.VMStateFault
		exec.Exception = err.Error()
	}

	return &chain.ApplicationLog{TxHash: p.hash, Executions: []chain.Execution{exec}}
}

func callFromTx(tx *chain.RawTransaction, ts uint64) (Call, error) {
	sender, err := chain.ParseAddress(tx.Signer)
	if err != nil {
		return Call{}, err
	}
	value, err := tx.AttachedValue()
	if err != nil {
		return Call{}, err
	}
	return Call{Sender: sender, Value: value, Time: ts}, nil
}

// =============================================================================
// chain.Backend
// =============================================================================

func (n *Node) checkContract(scriptHash string) error {
	if !strings.EqualFold(scriptHash, n.hash) {
		return &chain.RPCError{Code: chain.ErrCodeUnknownContract, Message: "Unknown contract", Data: scriptHash}
	}
	return nil
}

func invokeResult(item chain.StackItem, err error) *chain.InvokeResult {
	if err != nil {
		return &chain.InvokeResult{State: chain.VMStateFault, Exception: err.Error(), GasConsumed: "0", Stack: []chain.StackItem{}}
	}
	return &chain.InvokeResult{State: chain.VMStateHalt, GasConsumed: "1000000", Stack: []chain.StackItem{item}}
}

func (n *Node) InvokeFunction(ctx context.Context, scriptHash, method string, params []chain.ContractParam) (*chain.InvokeResult, error) {
	if err := n.checkContract(scriptHash); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	item, _, err := n.contract.Clone().Execute(Call{Time: uint64(n.clock().Unix())}, method, params)
	return invokeResult(item, err), nil
}

func (n *Node) PrepareInvocation(ctx context.Context, inv chain.Invocation) (*chain.InvokeResult, error) {
	if err := n.checkContract(inv.ScriptHash); err != nil {
		return nil, err
	}
	sender, err := chain.ParseAddress(inv.Signer)
	if err != nil {
		return nil, &chain.RPCError{Code: chain.ErrCodeInvalidParams, Message: "Invalid signer", Data: err.Error()}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	call := Call{Sender: sender, Value: inv.Value, Time: uint64(n.clock().Unix())}
	item, _, execErr := n.contract.Clone().Execute(call, inv.Method, inv.Params)
	res := invokeResult(item, execErr)
	if execErr != nil {
		return res, nil
	}

	n.nonce++
	raw := &chain.RawTransaction{
		Nonce:           n.nonce,
		ScriptHash:      n.hash,
		Method:          inv.Method,
		Params:          inv.Params,
		Signer:          chain.AddressOf(sender),
		ValidUntilBlock: uint64(len(n.blocks)) + maxValidBlocks,
	}
	if inv.Value != nil && inv.Value.Sign() > 0 {
		raw.Value = inv.Value.String()
	}
	encoded, err := chain.EncodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	res.Tx = encoded
	return res, nil
}

func (n *Node) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	tx, err := chain.DecodeTransaction(rawTx)
	if err != nil {
		return "", &chain.RPCError{Code: chain.ErrCodeInvalidParams, Message: "Invalid transaction", Data: err.Error()}
	}
	if err := n.checkContract(tx.ScriptHash); err != nil {
		return "", err
	}
	txHash, err := chain.HashTransaction(rawTx)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.heights[txHash]; ok {
		return "", &chain.RPCError{Code: chain.ErrCodeVerificationFailed, Message: "Already exists", Data: txHash}
	}
	for _, p := range n.mempool {
		if p.hash == txHash {
			return "", &chain.RPCError{Code: chain.ErrCodeVerificationFailed, Message: "Already exists", Data: txHash}
		}
	}

	n.mempool = append(n.mempool, pendingTx{hash: txHash, tx: tx})
	if !n.manualMining {
		pending := n.mempool
		n.mempool = nil
		n.sealLocked(pending)
	}
	return txHash, nil
}

func unknownTx(txHash string) error {
	return &chain.RPCError{Code: chain.ErrCodeUnknownTransaction, Message: "Unknown transaction", Data: txHash}
}

func (n *Node) GetApplicationLog(ctx context.Context, txHash string) (*chain.ApplicationLog, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	log, ok := n.logs[txHash]
	if !ok {
		return nil, unknownTx(txHash)
	}

	out := &chain.ApplicationLog{TxHash: log.TxHash, Executions: make([]chain.Execution, len(log.Executions))}
	copy(out.Executions, log.Executions)
	if n.stripLogs {
		for i := range out.Executions {
			out.Executions[i].Notifications = []chain.Notification{}
			out.Executions[i].Stack = []chain.StackItem{}
		}
	}
	return out, nil
}

func (n *Node) GetTransactionHeight(ctx context.Context, txHash string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	height, ok := n.heights[txHash]
	if !ok {
		return 0, unknownTx(txHash)
	}
	return height, nil
}

func (n *Node) GetBlockCount(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return uint64(len(n.blocks)), nil
}

func (n *Node) GetBlock(ctx context.Context, index uint64) (*chain.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if index >= uint64(len(n.blocks)) {
		return nil, &chain.RPCError{Code: chain.ErrCodeUnknownBlock, Message: "Unknown block", Data: fmt.Sprint(index)}
	}
	b := n.blocks[index]
	out := &chain.Block{Hash: b.hash, Index: b.index, Time: b.time, Tx: make([]chain.BlockTx, 0, len(b.txs))}
	for _, h := range b.txs {
		out.Tx = append(out.Tx, chain.BlockTx{Hash: h})
	}
	return out, nil
}

func (n *Node) GetBlockNotifications(ctx context.Context, index uint64) ([]chain.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.noBlockIndex {
		return nil, &chain.RPCError{Code: chain.ErrCodeMethodNotFound, Message: "Method not found", Data: "getblocknotifications"}
	}
	if index >= uint64(len(n.blocks)) {
		return nil, &chain.RPCError{Code: chain.ErrCodeUnknownBlock, Message: "Unknown block", Data: fmt.Sprint(index)}
	}

	out := []chain.Notification{}
	for _, h := range n.blocks[index].txs {
		for _, exec := range n.logs[h].Executions {
			for _, note := range exec.Notifications {
				note.Container = h
				out = append(out, note)
			}
		}
	}
	return out, nil
}

func (n *Node) GetContractState(ctx context.Context, scriptHash string) (*chain.ContractState, error) {
	if err := n.checkContract(scriptHash); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.contract.Manifest()
	return &state, nil
}
