package domain

import (
	"errors"
	"fmt"
)

// Relay lifecycle errors
var (
	ErrTransactionNotFound = fmt.Errorf("transaction not found")
	ErrSimulationFailed    = fmt.Errorf("simulation failed")
	ErrInvalidInput        = fmt.Errorf("invalid transaction input")
	ErrTimeoutExceeded     = fmt.Errorf("exceeded timeout before broadcast")
	ErrNotRetryable        = fmt.Errorf("transaction is not in a retryable state")
	ErrAlreadyMined        = fmt.Errorf("a previously broadcast hash already has a receipt")
	ErrReceiptNotFound     = fmt.Errorf("no receipt found yet")
)

// RPCErrorKind is the closed classification of broadcast failures the core
// dispatches on. Only the rpc adapter produces these; the text-matching
// heuristics that recognize node error strings live there and nowhere else.
type RPCErrorKind int

const (
	RPCErrorUnknown RPCErrorKind = iota
	// RPCErrorNonceTooLow: the nonce was already consumed on chain. Local
	// nonce state is stale or the transaction already landed.
	RPCErrorNonceTooLow
	// RPCErrorReplacementUnderpriced: a pending transaction with an equal or
	// higher fee already occupies this nonce.
	RPCErrorReplacementUnderpriced
	// RPCErrorAlreadyKnown: this exact transaction is already in the pool.
	RPCErrorAlreadyKnown
	// RPCErrorInsufficientFunds: the sender cannot cover value + fees.
	RPCErrorInsufficientFunds
	// RPCErrorExecutionReverted: simulation or estimation says the call
	// would revert.
	RPCErrorExecutionReverted
)

func (k RPCErrorKind) String() string {
	switch k {
	case RPCErrorNonceTooLow:
		return "nonce_too_low"
	case RPCErrorReplacementUnderpriced:
		return "replacement_underpriced"
	case RPCErrorAlreadyKnown:
		return "already_known"
	case RPCErrorInsufficientFunds:
		return "insufficient_funds"
	case RPCErrorExecutionReverted:
		return "execution_reverted"
	default:
		return "unknown"
	}
}

// RPCError wraps a node error with its classified kind.
type RPCError struct {
	Kind RPCErrorKind
	Err  error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (%s): %v", e.Kind, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// ClassifyRPCError extracts the kind from an error chain, defaulting to
// RPCErrorUnknown for anything unclassified.
func ClassifyRPCError(err error) RPCErrorKind {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return RPCErrorUnknown
}

// NonceOccupied reports whether the error means this nonce is already taken
// by an equivalent or better transaction: either outcome means the local
// allocator must resync rather than retry with the same value.
func NonceOccupied(err error) bool {
	switch ClassifyRPCError(err) {
	case RPCErrorNonceTooLow, RPCErrorReplacementUnderpriced, RPCErrorAlreadyKnown:
		return true
	default:
		return false
	}
}
