package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// EnqueueParams contains the caller-supplied transaction input.
type EnqueueParams struct {
	ChainID uint64
	From    common.Address
	To      *common.Address
	Data    []byte
	Value   *big.Int

	// Optional gas overrides, used verbatim when set
	GasLimitOverride    *uint64
	GasPriceOverride    *big.Int
	MaxFeeOverride      *big.Int
	MaxPriorityOverride *big.Int

	// Optional deadline relative to queuing time
	TimeoutSeconds uint64

	// Present for smart-account user operations
	AccountAddress *common.Address

	// Reporting metadata
	Extension    string
	FunctionName string

	IdempotencyKey string
	SimulateFirst  bool
}

// Enqueue is the use case that validates and idempotently inserts a new
// transaction into the relay queue.
type Enqueue struct {
	store TransactionStore
	idem  IdempotencyStore
	chain ChainClient
	queue JobQueue
	log   *slog.Logger
}

// NewEnqueue creates a new Enqueue use case
func NewEnqueue(store TransactionStore, idem IdempotencyStore, chain ChainClient, queue JobQueue, log *slog.Logger) *Enqueue {
	return &Enqueue{
		store: store,
		idem:  idem,
		chain: chain,
		queue: queue,
		log:   log,
	}
}

// Run validates, optionally simulates, and inserts the transaction, returning
// its queue id. Replaying an idempotency key returns the original queue id
// with no side effects.
func (uc *Enqueue) Run(ctx context.Context, params EnqueueParams) (string, error) {
	if err := validateInput(params); err != nil {
		return "", err
	}

	queueID := uuid.NewString()

	// The replay check comes before simulation: a replayed key must return
	// the canonical queue id regardless of what the chain says today.
	if params.IdempotencyKey != "" {
		canonical, created, err := uc.idem.Reserve(ctx, params.IdempotencyKey, queueID)
		if err != nil {
			return "", fmt.Errorf("reserving idempotency key: %w", err)
		}
		if !created {
			uc.log.Debug("idempotency key replay, returning existing transaction",
				"idempotencyKey", params.IdempotencyKey, "queueId", canonical)
			return canonical, nil
		}
	}

	if params.SimulateFirst {
		msg := ethereum.CallMsg{
			From:  params.From,
			To:    params.To,
			Data:  params.Data,
			Value: params.Value,
		}
		if _, err := uc.chain.CallContract(ctx, params.ChainID, msg); err != nil {
			uc.releaseKey(ctx, params.IdempotencyKey)
			return "", fmt.Errorf("%w: %v", domain.ErrSimulationFailed, err)
		}
	}

	tx := &models.QueuedTransaction{
		TxBase: models.TxBase{
			QueueID:             queueID,
			ChainID:             params.ChainID,
			From:                params.From,
			To:                  params.To,
			Data:                params.Data,
			Value:               params.Value,
			GasLimitOverride:    params.GasLimitOverride,
			GasPriceOverride:    params.GasPriceOverride,
			MaxFeeOverride:      params.MaxFeeOverride,
			MaxPriorityOverride: params.MaxPriorityOverride,
			TimeoutSeconds:      params.TimeoutSeconds,
			AccountAddress:      params.AccountAddress,
			Extension:           params.Extension,
			FunctionName:        params.FunctionName,
			IdempotencyKey:      params.IdempotencyKey,
			QueuedAt:            time.Now().UTC(),
		},
	}

	if err := uc.store.Set(ctx, tx); err != nil {
		uc.releaseKey(ctx, params.IdempotencyKey)
		return "", fmt.Errorf("writing queued record: %w", err)
	}

	if err := uc.queue.EnqueueSend(ctx, models.SendJob{QueueID: queueID}, 0); err != nil {
		return "", fmt.Errorf("scheduling send job: %w", err)
	}

	metrics.TransactionsEnqueued.Inc()
	uc.log.Info("transaction enqueued",
		"queueId", queueID,
		"chainId", params.ChainID,
		"from", params.From.Hex(),
		"userOp", params.AccountAddress != nil)

	return queueID, nil
}

// releaseKey frees a reserved key when the enqueue fails before a record
// exists, so a later retry with the same key is not a replay of nothing.
func (uc *Enqueue) releaseKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := uc.idem.Release(ctx, key); err != nil {
		uc.log.Error("releasing idempotency key after failed enqueue",
			"idempotencyKey", key, "error", err)
	}
}

func validateInput(params EnqueueParams) error {
	if params.ChainID == 0 {
		return fmt.Errorf("%w: chain id is required", domain.ErrInvalidInput)
	}
	if params.From == (common.Address{}) {
		return fmt.Errorf("%w: from address is required", domain.ErrInvalidInput)
	}
	if params.To == nil && len(params.Data) == 0 {
		return fmt.Errorf("%w: contract creation requires call data", domain.ErrInvalidInput)
	}
	if params.GasPriceOverride != nil && (params.MaxFeeOverride != nil || params.MaxPriorityOverride != nil) {
		return fmt.Errorf("%w: legacy gas price and 1559 fee overrides are mutually exclusive", domain.ErrInvalidInput)
	}
	return nil
}
