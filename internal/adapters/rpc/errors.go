package rpc

import (
	"strings"

	"github.com/trebuchet-org/treb-relay/internal/domain"
)

// Node implementations disagree on error strings for the same condition, so
// classification matches a set of known fragments per kind. Geth, Erigon and
// Nethermind variants are covered; anything else stays unknown.
var errorFragments = []struct {
	kind      domain.RPCErrorKind
	fragments []string
}{
	{domain.RPCErrorNonceTooLow, []string{
		"nonce too low",
		"invalid nonce",
		"tx doesn't have the correct nonce",
	}},
	{domain.RPCErrorReplacementUnderpriced, []string{
		"replacement transaction underpriced",
		"could not replace existing tx",
	}},
	{domain.RPCErrorAlreadyKnown, []string{
		"already known",
		"alreadyknown",
		"known transaction",
	}},
	{domain.RPCErrorInsufficientFunds, []string{
		"insufficient funds",
		"insufficient balance",
	}},
	{domain.RPCErrorExecutionReverted, []string{
		"execution reverted",
		"always failing transaction",
		"revert",
	}},
}

// classify wraps a node error with its recognized kind. Unrecognized errors
// pass through unchanged so transient transport failures keep their identity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range errorFragments {
		for _, fragment := range entry.fragments {
			if strings.Contains(msg, fragment) {
				return &domain.RPCError{Kind: entry.kind, Err: err}
			}
		}
	}
	return err
}
