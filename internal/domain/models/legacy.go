package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LegacyTransaction is a row from the previous execution backend's durable
// store, as read during startup reconciliation. Rows in a queued-but-unsent
// or sent-but-unconfirmed state are migrated into live records and then
// marked cancelled in the legacy store so they never migrate twice.
type LegacyTransaction struct {
	ID      string
	QueueID string
	ChainID uint64

	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int

	// Caller intent carried through the migration.
	GasLimitOverride    *uint64
	GasPriceOverride    *big.Int
	MaxFeeOverride      *big.Int
	MaxPriorityOverride *big.Int
	TimeoutSeconds      uint64
	FunctionName        string
	IdempotencyKey      string

	// Broadcast state, when the legacy engine got that far.
	Nonce       *uint64
	Hash        *common.Hash
	GasLimit    uint64
	GasPrice    *big.Int
	MaxFee      *big.Int
	MaxPriority *big.Int
	SentAt      time.Time
	SentAtBlock uint64

	Status   string
	QueuedAt time.Time
}

// Legacy store status values eligible for migration.
const (
	LegacyStatusQueued = "queued"
	LegacyStatusSent   = "sent"
)
