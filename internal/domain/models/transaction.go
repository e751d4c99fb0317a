package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionStatus represents the lifecycle state of a relayed transaction
type TransactionStatus string

const (
	TransactionStatusQueued    TransactionStatus = "QUEUED"
	TransactionStatusSent      TransactionStatus = "SENT"
	TransactionStatusMined     TransactionStatus = "MINED"
	TransactionStatusConfirmed TransactionStatus = "CONFIRMED"
	TransactionStatusErrored   TransactionStatus = "ERRORED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

// AllStatuses lists every transaction status, in lifecycle order.
var AllStatuses = []TransactionStatus{
	TransactionStatusQueued,
	TransactionStatusSent,
	TransactionStatusMined,
	TransactionStatusConfirmed,
	TransactionStatusErrored,
	TransactionStatusCancelled,
}

// Transaction is the closed set of lifecycle variants. A record is always
// exactly one variant; transitions replace the whole record in the store.
type Transaction interface {
	GetQueueID() string
	GetStatus() TransactionStatus
	GetChainID() uint64
	GetFrom() common.Address
	Base() *TxBase
}

// TxBase carries the caller-supplied fields shared by every variant.
type TxBase struct {
	// Identification
	QueueID string `json:"queueId"`
	ChainID uint64 `json:"chainId"`

	// Call
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Data  []byte          `json:"data,omitempty"`
	Value *big.Int        `json:"value,omitempty"`

	// Gas overrides supplied by the caller. A nil field means "estimate".
	// An explicit override is used verbatim and is never escalated.
	GasLimitOverride     *uint64  `json:"gasLimitOverride,omitempty"`
	GasPriceOverride     *big.Int `json:"gasPriceOverride,omitempty"`
	MaxFeeOverride       *big.Int `json:"maxFeeOverride,omitempty"`
	MaxPriorityOverride  *big.Int `json:"maxPriorityOverride,omitempty"`

	// Deadline relative to QueuedAt. Zero means no deadline.
	TimeoutSeconds uint64 `json:"timeoutSeconds,omitempty"`

	// AccountAddress is set when the transaction executes through a smart
	// account as an ERC-4337 user operation. From is then the signer key.
	AccountAddress *common.Address `json:"accountAddress,omitempty"`

	// Reporting metadata
	Extension    string `json:"extension,omitempty"`
	FunctionName string `json:"functionName,omitempty"`

	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	QueuedAt       time.Time `json:"queuedAt"`
}

func (b *TxBase) GetQueueID() string      { return b.QueueID }
func (b *TxBase) GetChainID() uint64      { return b.ChainID }
func (b *TxBase) GetFrom() common.Address { return b.From }
func (b *TxBase) Base() *TxBase           { return b }

// IsUserOp reports whether this transaction executes via a smart account.
func (b *TxBase) IsUserOp() bool { return b.AccountAddress != nil }

// Deadline returns the absolute deadline, or zero time when none is set.
func (b *TxBase) Deadline() time.Time {
	if b.TimeoutSeconds == 0 {
		return time.Time{}
	}
	return b.QueuedAt.Add(time.Duration(b.TimeoutSeconds) * time.Second)
}

// DeadlineExceeded reports whether the deadline is set and has elapsed.
func (b *TxBase) DeadlineExceeded(now time.Time) bool {
	d := b.Deadline()
	return !d.IsZero() && now.After(d)
}

// QueuedTransaction is a transaction accepted by the enqueue service that has
// not yet been assigned a nonce.
type QueuedTransaction struct {
	TxBase
}

func (t *QueuedTransaction) GetStatus() TransactionStatus { return TransactionStatusQueued }

// GasFees is the populated fee set broadcast with a transaction. Exactly one
// of GasPrice or the MaxFee/MaxPriority pair is set.
type GasFees struct {
	GasLimit    uint64   `json:"gasLimit"`
	GasPrice    *big.Int `json:"gasPrice,omitempty"`
	MaxFee      *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriority *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

// SentTransaction has been broadcast at least once. Hashes records every
// hash ever broadcast for this queue id; resends append, never replace.
type SentTransaction struct {
	TxBase

	Nonce       uint64        `json:"nonce"`
	Gas         GasFees       `json:"gas"`
	SentAt      time.Time     `json:"sentAt"`
	SentAtBlock uint64        `json:"sentAtBlock"`
	Hashes      []common.Hash `json:"hashes"`
	ResendCount uint64        `json:"resendCount"`

	// User-operation path only. The nonce above is meaningless for userops;
	// the bundler-assigned values are authoritative.
	UserOpHash  *common.Hash `json:"userOpHash,omitempty"`
	UserOpNonce *big.Int     `json:"userOpNonce,omitempty"`
}

func (t *SentTransaction) GetStatus() TransactionStatus { return TransactionStatusSent }

// LatestHash returns the most recently broadcast hash.
func (t *SentTransaction) LatestHash() common.Hash {
	if len(t.Hashes) == 0 {
		return common.Hash{}
	}
	return t.Hashes[len(t.Hashes)-1]
}

// MinedTransaction has a receipt. An on-chain revert is still mined;
// OnchainSuccess distinguishes the two.
type MinedTransaction struct {
	SentTransaction

	Hash              common.Hash `json:"hash"`
	MinedAt           time.Time   `json:"minedAt"`
	BlockNumber       uint64      `json:"blockNumber"`
	OnchainSuccess    bool        `json:"onchainSuccess"`
	GasUsed           uint64      `json:"gasUsed"`
	EffectiveGasPrice *big.Int    `json:"effectiveGasPrice,omitempty"`
}

func (t *MinedTransaction) GetStatus() TransactionStatus { return TransactionStatusMined }

// ConfirmedTransaction layers further finality on a mined transaction.
type ConfirmedTransaction struct {
	MinedTransaction

	ConfirmedAt      time.Time `json:"confirmedAt"`
	ConfirmedAtBlock uint64    `json:"confirmedAtBlock"`
}

func (t *ConfirmedTransaction) GetStatus() TransactionStatus { return TransactionStatusConfirmed }

// ErroredTransaction is terminal, reachable from Queued (pre-broadcast
// failure) or Sent (retry budget exhausted). The nonce and hash history of a
// failed Sent transaction is preserved so a manual retry can verify none of
// the prior broadcasts actually landed.
type ErroredTransaction struct {
	TxBase

	ErrorMessage string        `json:"errorMessage"`
	ErroredAt    time.Time     `json:"erroredAt"`
	Nonce        *uint64       `json:"nonce,omitempty"`
	Hashes       []common.Hash `json:"hashes,omitempty"`
	ResendCount  uint64        `json:"resendCount,omitempty"`
}

func (t *ErroredTransaction) GetStatus() TransactionStatus { return TransactionStatusErrored }

// CancelledTransaction is terminal, reachable only from Sent: the nonce was
// consumed by a no-op instead of the original intent.
type CancelledTransaction struct {
	SentTransaction

	CancelledAt time.Time   `json:"cancelledAt"`
	CancelHash  common.Hash `json:"cancelHash"`
}

func (t *CancelledTransaction) GetStatus() TransactionStatus { return TransactionStatusCancelled }

// envelope is the storage representation: a status tag plus the variant
// payload. Only the codec below touches it.
type envelope struct {
	Status  TransactionStatus `json:"status"`
	Payload json.RawMessage   `json:"payload"`
}

// EncodeTransaction serializes any variant for storage.
func EncodeTransaction(tx Transaction) ([]byte, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encoding %s transaction %s: %w", tx.GetStatus(), tx.GetQueueID(), err)
	}
	return json.Marshal(envelope{Status: tx.GetStatus(), Payload: payload})
}

// DecodeTransaction deserializes a stored record back into its variant.
func DecodeTransaction(data []byte) (Transaction, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding transaction envelope: %w", err)
	}

	var tx Transaction
	switch env.Status {
	case TransactionStatusQueued:
		tx = &QueuedTransaction{}
	case TransactionStatusSent:
		tx = &SentTransaction{}
	case TransactionStatusMined:
		tx = &MinedTransaction{}
	case TransactionStatusConfirmed:
		tx = &ConfirmedTransaction{}
	case TransactionStatusErrored:
		tx = &ErroredTransaction{}
	case TransactionStatusCancelled:
		tx = &CancelledTransaction{}
	default:
		return nil, fmt.Errorf("unknown transaction status %q", env.Status)
	}

	if err := json.Unmarshal(env.Payload, tx); err != nil {
		return nil, fmt.Errorf("decoding %s transaction: %w", env.Status, err)
	}
	return tx, nil
}
