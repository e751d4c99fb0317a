package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trebuchet-org/treb-relay/internal/domain"
)

func TestClassifyKnownFragments(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.RPCErrorKind
	}{
		{"nonce too low", domain.RPCErrorNonceTooLow},
		{"Nonce too low: address 0xabc", domain.RPCErrorNonceTooLow},
		{"invalid nonce", domain.RPCErrorNonceTooLow},
		{"replacement transaction underpriced", domain.RPCErrorReplacementUnderpriced},
		{"already known", domain.RPCErrorAlreadyKnown},
		{"known transaction: 0xdeadbeef", domain.RPCErrorAlreadyKnown},
		{"insufficient funds for gas * price + value", domain.RPCErrorInsufficientFunds},
		{"execution reverted: Ownable: caller is not the owner", domain.RPCErrorExecutionReverted},
	}
	for _, tc := range cases {
		err := classify(errors.New(tc.msg))
		assert.Equal(t, tc.want, domain.ClassifyRPCError(err), "msg=%q", tc.msg)
	}
}

func TestClassifyUnknownPassesThrough(t *testing.T) {
	orig := errors.New("connection refused")
	err := classify(orig)
	assert.Same(t, orig, err)
	assert.Equal(t, domain.RPCErrorUnknown, domain.ClassifyRPCError(err))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	orig := errors.New("nonce too low")
	wrapped := fmt.Errorf("broadcasting: %w", classify(orig))
	assert.True(t, errors.Is(wrapped, orig))
	assert.True(t, domain.NonceOccupied(wrapped))
}

func TestNonceOccupied(t *testing.T) {
	assert.True(t, domain.NonceOccupied(classify(errors.New("nonce too low"))))
	assert.True(t, domain.NonceOccupied(classify(errors.New("replacement transaction underpriced"))))
	assert.True(t, domain.NonceOccupied(classify(errors.New("already known"))))
	assert.False(t, domain.NonceOccupied(classify(errors.New("insufficient funds"))))
	assert.False(t, domain.NonceOccupied(classify(errors.New("boom"))))
}
