package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is an ERC-4337 operation submitted to a bundler on behalf of
// a smart account. Numeric fields are hex-encoded strings on the wire, which
// is what bundlers expect from eth_sendUserOperation.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// Hash computes the canonical ERC-4337 operation hash signed by the account
// owner: keccak(abi.encode(keccak(packedOp), entryPoint, chainId)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID uint64) common.Hash {
	word := func(v *big.Int) []byte {
		if v == nil {
			v = new(big.Int)
		}
		return common.LeftPadBytes(v.Bytes(), 32)
	}
	packed := make([]byte, 0, 10*32)
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	outer := make([]byte, 0, 3*32)
	outer = append(outer, crypto.Keccak256(packed)...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32)...)

	return crypto.Keccak256Hash(outer)
}

// UserOpReceipt is the bundler's record of an included user operation,
// resolved to the underlying transaction.
type UserOpReceipt struct {
	UserOpHash      common.Hash `json:"userOpHash"`
	TransactionHash common.Hash `json:"transactionHash"`
	Success         bool        `json:"success"`
	ActualGasUsed   uint64      `json:"actualGasUsed"`
	ActualGasCost   *big.Int    `json:"actualGasCost"`
	BlockNumber     uint64      `json:"blockNumber"`
}
