package resolver

import (
	"errors"

	"github.com/R3E-Network/animal_rescue/internal/chain"
)

func asRPCError(err error) *chain.RPCError {
	var rpcErr *chain.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return nil
}
