// Package chain provides the JSON-RPC client and contract binding used to
// talk to the rescue ledger.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Backend is the set of node calls the rest of the system depends on. Client
// implements it over HTTP; the devnet node implements it in-process.
type Backend interface {
	InvokeFunction(ctx context.Context, scriptHash, method string, params []ContractParam) (*InvokeResult, error)
	PrepareInvocation(ctx context.Context, inv Invocation) (*InvokeResult, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
	GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error)
	GetTransactionHeight(ctx context.Context, txHash string) (uint64, error)
	GetBlockCount(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, index uint64) (*Block, error)
	GetBlockNotifications(ctx context.Context, index uint64) ([]Notification, error)
	GetContractState(ctx context.Context, scriptHash string) (*ContractState, error)
}

var _ Backend = (*Client)(nil)

// Client provides Neo N3 style RPC client functionality.
type Client struct {
	mu         sync.RWMutex
	rpcURL     string
	httpClient *http.Client
	networkID  uint32
}

// Config holds client configuration.
type Config struct {
	RPCURL    string
	NetworkID uint32
	Timeout   time.Duration
}

// NewClient creates a new RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkID: cfg.NetworkID,
	}, nil
}

// NetworkID returns the configured network magic.
func (c *Client) NetworkID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.networkID
}

// SetRPCURL switches the node endpoint.
func (c *Client) SetRPCURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpcURL = url
}

// IsNotFound reports whether err is the node saying the transaction is not
// (yet) known.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeUnknownTransaction
}

// IsRejected reports whether the node answered with an error object, as
// opposed to the request failing in transit.
func IsRejected(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes an RPC call to the node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.RLock()
	url := c.rpcURL
	c.mu.RUnlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("invalid rpc response (http %d)", resp.StatusCode)
	}

	if e := gjson.GetBytes(respBody, "error"); e.Exists() && e.Type != gjson.Null {
		return nil, &RPCError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
			Data:    e.Get("data").String(),
		}
	}

	result := gjson.GetBytes(respBody, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("rpc response for %s has no result", method)
	}
	return json.RawMessage(result.Raw), nil
}

// GetBlockCount returns the number of blocks in the chain.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}

	var count uint64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetBlock returns a block by index.
func (c *Client) GetBlock(ctx context.Context, index uint64) (*Block, error) {
	result, err := c.Call(ctx, "getblock", []interface{}{index, true})
	if err != nil {
		return nil, err
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetTransactionHeight returns the index of the block containing txHash.
func (c *Client) GetTransactionHeight(ctx context.Context, txHash string) (uint64, error) {
	result, err := c.Call(ctx, "gettransactionheight", []interface{}{txHash})
	if err != nil {
		return 0, err
	}

	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetApplicationLog returns the application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error) {
	result, err := c.Call(ctx, "getapplicationlog", []interface{}{txHash})
	if err != nil {
		return nil, err
	}

	var log ApplicationLog
	if err := json.Unmarshal(result, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// GetBlockNotifications returns every notification emitted in a block, each
// tagged with its container transaction.
func (c *Client) GetBlockNotifications(ctx context.Context, index uint64) ([]Notification, error) {
	result, err := c.Call(ctx, "getblocknotifications", []interface{}{index})
	if err != nil {
		return nil, err
	}

	// notifications live under "application"; the other triggers are unused
	var notifications []Notification
	if err := json.Unmarshal([]byte(gjson.GetBytes(result, "application").Raw), &notifications); err != nil {
		return nil, fmt.Errorf("decode block notifications: %w", err)
	}
	return notifications, nil
}

// GetContractState returns the deployed contract's manifest.
func (c *Client) GetContractState(ctx context.Context, scriptHash string) (*ContractState, error) {
	result, err := c.Call(ctx, "getcontractstate", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}

	var state ContractState
	if err := json.Unmarshal(result, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
