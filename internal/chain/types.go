package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// =============================================================================
// JSON-RPC envelope
// =============================================================================

type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the node. Receiving one means the
// node processed and refused the request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Node error codes.
const (
	ErrCodeUnknownTransaction = -100
	ErrCodeUnknownBlock       = -101
	ErrCodeUnknownContract    = -102
	ErrCodeInvalidParams      = -32602
	ErrCodeMethodNotFound     = -32601
	ErrCodeInvalidRequest     = -32600
	ErrCodeVerificationFailed = -500
)

// =============================================================================
// Blocks and logs
// =============================================================================

type Block struct {
	Hash  string    `json:"hash"`
	Index uint64    `json:"index"`
	Time  uint64    `json:"time"`
	Tx    []BlockTx `json:"tx"`
}

type BlockTx struct {
	Hash string `json:"hash"`
}

type ApplicationLog struct {
	TxHash     string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

type Execution struct {
	Trigger       string         `json:"trigger"`
	VMState       string         `json:"vmstate"`
	Exception     string         `json:"exception,omitempty"`
	GasConsumed   string         `json:"gasconsumed"`
	Stack         []StackItem    `json:"stack"`
	Notifications []Notification `json:"notifications"`
}

// Notification is a contract event. Container is set when the notification
// is returned outside of its transaction's application log.
type Notification struct {
	Contract  string    `json:"contract"`
	EventName string    `json:"eventname"`
	State     StackItem `json:"state"`
	Container string    `json:"container,omitempty"`
}

const (
	VMStateHalt  = "HALT"
	VMStateFault = "FAULT"
)

// =============================================================================
// Invocation
// =============================================================================

type Signer struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

type InvokeResult struct {
	Script      string      `json:"script"`
	State       string      `json:"state"`
	GasConsumed string      `json:"gasconsumed"`
	Exception   string      `json:"exception,omitempty"`
	Stack       []StackItem `json:"stack"`
	Tx          string      `json:"tx,omitempty"`
}

// Invocation describes a state-changing contract call.
type Invocation struct {
	ScriptHash string
	Method     string
	Params     []ContractParam
	Signer     string
	// Value is the amount attached to payable calls.
	Value *big.Int
}

// PreparedTx is a transaction that has been built and test-executed but not
// yet broadcast. Its hash is known before broadcast.
type PreparedTx struct {
	Hash   string
	Raw    string
	Method string
}

// TxResult is the confirmed outcome of a transaction.
type TxResult struct {
	TxHash  string
	VMState string
	AppLog  *ApplicationLog
}

// =============================================================================
// Contract state
// =============================================================================

type ContractState struct {
	ID       int      `json:"id"`
	Hash     string   `json:"hash"`
	Manifest Manifest `json:"manifest"`
}

type Manifest struct {
	Name string `json:"name"`
	ABI  ABI    `json:"abi"`
}

type ABI struct {
	Methods []ABIMethod `json:"methods"`
	Events  []ABIEvent  `json:"events"`
}

type ABIMethod struct {
	Name       string     `json:"name"`
	Parameters []ABIParam `json:"parameters"`
	ReturnType string     `json:"returntype"`
	Safe       bool       `json:"safe"`
}

type ABIEvent struct {
	Name       string     `json:"name"`
	Parameters []ABIParam `json:"parameters"`
}

type ABIParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// =============================================================================
// Stack items and parameters
// =============================================================================

// StackItem is a VM value as returned over RPC. Byte strings are hex encoded,
// integers are decimal strings.
type StackItem struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func IntegerItem(n *big.Int) StackItem {
	v, _ := json.Marshal(n.String())
	return StackItem{Type: "Integer", Value: v}
}

func Uint64Item(n uint64) StackItem {
	return IntegerItem(new(big.Int).SetUint64(n))
}

func ByteStringItem(b []byte) StackItem {
	v, _ := json.Marshal(hex.EncodeToString(b))
	return StackItem{Type: "ByteString", Value: v}
}

func StringItem(s string) StackItem {
	return ByteStringItem([]byte(s))
}

func Hash160Item(u util.Uint160) StackItem {
	return ByteStringItem(u.BytesBE())
}

func BooleanItem(b bool) StackItem {
	v, _ := json.Marshal(b)
	return StackItem{Type: "Boolean", Value: v}
}

func NullItem() StackItem {
	return StackItem{Type: "Any"}
}

func ArrayItem(items ...StackItem) StackItem {
	if items == nil {
		items = []StackItem{}
	}
	v, _ := json.Marshal(items)
	return StackItem{Type: "Array", Value: v}
}

// ContractParam is an invocation argument.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

func IntegerParam(n *big.Int) ContractParam {
	return ContractParam{Type: "Integer", Value: n.String()}
}

func Uint64Param(n uint64) ContractParam {
	return ContractParam{Type: "Integer", Value: strconv.FormatUint(n, 10)}
}

func StringParam(s string) ContractParam {
	return ContractParam{Type: "String", Value: s}
}

func BoolParam(b bool) ContractParam {
	return ContractParam{Type: "Boolean", Value: b}
}

func Hash160Param(addr string) ContractParam {
	return ContractParam{Type: "Hash160", Value: addr}
}

func (p ContractParam) AsInteger() (*big.Int, error) {
	if p.Type != "Integer" {
		return nil, fmt.Errorf("expected Integer param, got %s", p.Type)
	}
	switch v := p.Value.(type) {
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", v)
		}
		return n, nil
	case float64:
		return big.NewInt(int64(v)), nil
	case json.Number:
		n, ok := new(big.Int).SetString(v.String(), 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("invalid integer value %v", p.Value)
	}
}

func (p ContractParam) AsUint64() (uint64, error) {
	n, err := p.AsInteger()
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("integer %s out of range", n)
	}
	return n.Uint64(), nil
}

func (p ContractParam) AsString() (string, error) {
	if p.Type != "String" {
		return "", fmt.Errorf("expected String param, got %s", p.Type)
	}
	s, ok := p.Value.(string)
	if !ok {
		return "", fmt.Errorf("invalid string value %v", p.Value)
	}
	return s, nil
}

func (p ContractParam) AsBool() (bool, error) {
	if p.Type != "Boolean" {
		return false, fmt.Errorf("expected Boolean param, got %s", p.Type)
	}
	b, ok := p.Value.(bool)
	if !ok {
		return false, fmt.Errorf("invalid boolean value %v", p.Value)
	}
	return b, nil
}

func (p ContractParam) AsHash160() (util.Uint160, error) {
	if p.Type != "Hash160" {
		return util.Uint160{}, fmt.Errorf("expected Hash160 param, got %s", p.Type)
	}
	s, ok := p.Value.(string)
	if !ok {
		return util.Uint160{}, fmt.Errorf("invalid hash160 value %v", p.Value)
	}
	return ParseAddress(s)
}
