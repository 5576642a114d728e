package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	"github.com/R3E-Network/animal_rescue/internal/logging"
)

const maxRequestBody = 1 << 20

// RPCServer exposes a Node over JSON-RPC.
type RPCServer struct {
	node   *Node
	logger *logging.Logger
}

// NewRPCServer creates a JSON-RPC front end for node.
func NewRPCServer(node *Node, logger *logging.Logger) *RPCServer {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &RPCServer{node: node, logger: logger.WithComponent("devnet-rpc")}
}

// Handler returns the HTTP handler.
func (s *RPCServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/", s.serveRPC)
	return r
}

type rpcCall struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *chain.RPCError `json:"error,omitempty"`
}

func (s *RPCServer) serveRPC(w http.ResponseWriter, r *http.Request) {
	var call rpcCall
	reply := rpcReply{JSONRPC: "2.0"}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&call); err != nil {
		reply.Error = &chain.RPCError{Code: chain.ErrCodeInvalidRequest, Message: "Invalid request", Data: err.Error()}
		writeJSON(w, reply)
		return
	}
	reply.ID = call.ID

	result, err := s.dispatch(r, call)
	if err != nil {
		var rpcErr *chain.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &chain.RPCError{Code: -32603, Message: "Internal error", Data: err.Error()}
		}
		reply.Error = rpcErr
		s.logger.Debug(r.Context(), "rpc call failed", map[string]interface{}{
			"method": call.Method,
			"code":   rpcErr.Code,
		})
	} else {
		reply.Result = result
	}
	writeJSON(w, reply)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func invalidParams(format string, args ...interface{}) error {
	return &chain.RPCError{Code: chain.ErrCodeInvalidParams, Message: "Invalid params", Data: fmt.Sprintf(format, args...)}
}

func param(params []json.RawMessage, i int, out interface{}) error {
	if i >= len(params) {
		return invalidParams("missing parameter %d", i)
	}
	if err := json.Unmarshal(params[i], out); err != nil {
		return invalidParams("parameter %d: %v", i, err)
	}
	return nil
}

func (s *RPCServer) dispatch(r *http.Request, call rpcCall) (interface{}, error) {
	ctx := r.Context()
	p := call.Params

	switch call.Method {
	case "getblockcount":
		return s.node.GetBlockCount(ctx)

	case "getblock":
		var index uint64
		if err := param(p, 0, &index); err != nil {
			return nil, err
		}
		return s.node.GetBlock(ctx, index)

	case "gettransactionheight":
		var txHash string
		if err := param(p, 0, &txHash); err != nil {
			return nil, err
		}
		return s.node.GetTransactionHeight(ctx, txHash)

	case "getapplicationlog":
		var txHash string
		if err := param(p, 0, &txHash); err != nil {
			return nil, err
		}
		return s.node.GetApplicationLog(ctx, txHash)

	case "getblocknotifications":
		var index uint64
		if err := param(p, 0, &index); err != nil {
			return nil, err
		}
		notifications, err := s.node.GetBlockNotifications(ctx, index)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"application": notifications}, nil

	case "getcontractstate":
		var scriptHash string
		if err := param(p, 0, &scriptHash); err != nil {
			return nil, err
		}
		return s.node.GetContractState(ctx, scriptHash)

	case "invokefunction":
		var (
			scriptHash, method string
			params             []chain.ContractParam
		)
		if err := param(p, 0, &scriptHash); err != nil {
			return nil, err
		}
		if err := param(p, 1, &method); err != nil {
			return nil, err
		}
		if len(p) > 2 {
			if err := param(p, 2, &params); err != nil {
				return nil, err
			}
		}
		if len(p) <= 3 {
			return s.node.InvokeFunction(ctx, scriptHash, method, params)
		}

		var signers []chain.Signer
		if err := param(p, 3, &signers); err != nil {
			return nil, err
		}
		if len(signers) == 0 {
			return s.node.InvokeFunction(ctx, scriptHash, method, params)
		}
		inv := chain.Invocation{ScriptHash: scriptHash, Method: method, Params: params, Signer: signers[0].Account}
		if len(p) > 4 {
			var value string
			if err := param(p, 4, &value); err != nil {
				return nil, err
			}
			v, ok := new(big.Int).SetString(value, 10)
			if !ok || v.Sign() < 0 {
				return nil, invalidParams("invalid attached value %q", value)
			}
			inv.Value = v
		}
		return s.node.PrepareInvocation(ctx, inv)

	case "sendrawtransaction":
		var raw string
		if err := param(p, 0, &raw); err != nil {
			return nil, err
		}
		txHash, err := s.node.SendRawTransaction(ctx, raw)
		if err != nil {
			return nil, err
		}
		return map[string]string{"hash": txHash}, nil
	}

	return nil, &chain.RPCError{Code: chain.ErrCodeMethodNotFound, Message: "Method not found", Data: call.Method}
}
