package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
)

// DefaultTxWaitTimeout is the default timeout for waiting for transaction execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// =============================================================================
// Contract Invocation Methods
// =============================================================================

// InvokeFunction test-invokes a contract function without signers (read-only).
func (c *Client) InvokeFunction(ctx context.Context, scriptHash string, method string, params []ContractParam) (*InvokeResult, error) {
	if params == nil {
		params = []ContractParam{}
	}
	result, err := c.Call(ctx, "invokefunction", []interface{}{scriptHash, method, params})
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, err
	}
	return &invokeResult, nil
}

// PrepareInvocation test-invokes with a signer and returns the built
// transaction in InvokeResult.Tx. The attached value travels as the fifth
// parameter.
func (c *Client) PrepareInvocation(ctx context.Context, inv Invocation) (*InvokeResult, error) {
	params := inv.Params
	if params == nil {
		params = []ContractParam{}
	}
	args := []interface{}{
		inv.ScriptHash,
		inv.Method,
		params,
		[]Signer{{Account: inv.Signer, Scopes: "CalledByEntry"}},
	}
	if inv.Value != nil && inv.Value.Sign() > 0 {
		args = append(args, inv.Value.String())
	}

	result, err := c.Call(ctx, "invokefunction", args)
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, err
	}
	return &invokeResult, nil
}

// SendRawTransaction broadcasts a built transaction.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []interface{}{rawTx})
	if err != nil {
		return "", err
	}

	var response struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return "", err
	}
	return response.Hash, nil
}

// WaitForApplicationLog polls backend until txHash has an application log or
// ctx is done. An unknown transaction is treated as not yet included.
// Cancelling ctx only stops the local wait.
func WaitForApplicationLog(ctx context.Context, backend Backend, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		log, err := backend.GetApplicationLog(ctx, txHash)
		if err == nil {
			return log, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Raw transactions
// =============================================================================

// RawTransaction is the devnet transaction body. It travels base64 encoded.
type RawTransaction struct {
	Nonce           uint64          `json:"nonce"`
	ScriptHash      string          `json:"script_hash"`
	Method          string          `json:"method"`
	Params          []ContractParam `json:"params"`
	Signer          string          `json:"signer"`
	Value           string          `json:"value,omitempty"`
	ValidUntilBlock uint64          `json:"valid_until_block"`
}

// AttachedValue returns the value carried by the transaction, zero if none.
func (tx *RawTransaction) AttachedValue() (*big.Int, error) {
	if tx.Value == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid attached value %q", tx.Value)
	}
	return v, nil
}

func EncodeTransaction(tx *RawTransaction) (string, error) {
	b, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeTransaction(raw string) (*RawTransaction, error) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	var tx RawTransaction
	if err := json.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

// HashTransaction computes the transaction id of a raw transaction.
func HashTransaction(raw string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("hash transaction: %w", err)
	}
	return "0x" + hash.Sha256(b).StringLE(), nil
}
