package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
)

// Retry is the operator-triggered recovery path for errored transactions.
type Retry struct {
	store    TransactionStore
	chain    ChainClient
	accounts AccountResolver
	queue    JobQueue
	log      *slog.Logger
}

// NewRetry creates a new Retry use case
func NewRetry(store TransactionStore, chain ChainClient, accounts AccountResolver, queue JobQueue, log *slog.Logger) *Retry {
	return &Retry{
		store:    store,
		chain:    chain,
		accounts: accounts,
		queue:    queue,
		log:      log,
	}
}

// Run re-submits an errored transaction through the normal send path. It is
// only permitted when no previously broadcast hash has a receipt, re-checked
// here so a transaction that actually landed is never revived.
func (uc *Retry) Run(ctx context.Context, queueID string) error {
	tx, err := uc.store.Get(ctx, queueID)
	if err != nil {
		return err
	}
	errored, ok := tx.(*models.ErroredTransaction)
	if !ok {
		return fmt.Errorf("%w: status is %s, only errored transactions can be retried",
			domain.ErrNotRetryable, tx.GetStatus())
	}

	for _, hash := range errored.Hashes {
		_, rcptErr := uc.chain.TransactionReceipt(ctx, errored.ChainID, hash)
		if rcptErr == nil {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyMined, hash.Hex())
		}
		if !errors.Is(rcptErr, domain.ErrReceiptNotFound) {
			return fmt.Errorf("checking prior broadcast %s: %w", hash.Hex(), rcptErr)
		}
	}

	// Reset to queued with a fresh queuing time so a relative deadline
	// starts over, clearing nonce, gas, and error state.
	base := errored.TxBase
	base.QueuedAt = time.Now().UTC()
	queued := &models.QueuedTransaction{TxBase: base}
	if err := uc.store.Set(ctx, queued); err != nil {
		return fmt.Errorf("resetting to queued: %w", err)
	}
	if err := uc.queue.EnqueueSend(ctx, models.SendJob{QueueID: queueID}, 0); err != nil {
		return fmt.Errorf("scheduling send job: %w", err)
	}

	uc.log.Info("errored transaction reset for retry", "queueId", queueID)
	return nil
}

// SyncRetryParams carries caller fee overrides for a synchronous resend.
type SyncRetryParams struct {
	QueueID             string
	GasPriceOverride    *big.Int
	MaxFeeOverride      *big.Int
	MaxPriorityOverride *big.Int
}

// SyncRetry re-populates and re-broadcasts a sent transaction immediately
// with the caller's fee overrides, reusing its assigned nonce and blocking
// until the broadcast succeeds or fails. It bypasses the asynchronous queue
// but appends to the hash list and updates the store identically.
type SyncRetry struct {
	store    TransactionStore
	chain    ChainClient
	accounts AccountResolver
	log      *slog.Logger
}

// NewSyncRetry creates a new SyncRetry use case
func NewSyncRetry(store TransactionStore, chain ChainClient, accounts AccountResolver, log *slog.Logger) *SyncRetry {
	return &SyncRetry{
		store:    store,
		chain:    chain,
		accounts: accounts,
		log:      log,
	}
}

// Run performs the synchronous resend and returns the new broadcast hash.
func (uc *SyncRetry) Run(ctx context.Context, params SyncRetryParams) (common.Hash, error) {
	tx, err := uc.store.Get(ctx, params.QueueID)
	if err != nil {
		return common.Hash{}, err
	}
	sent, ok := tx.(*models.SentTransaction)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: status is %s, synchronous retry requires a sent transaction",
			domain.ErrNotRetryable, tx.GetStatus())
	}
	if sent.IsUserOp() {
		return common.Hash{}, fmt.Errorf("%w: synchronous retry is not available for user operations",
			domain.ErrNotRetryable)
	}

	fees, err := uc.chain.SuggestFees(ctx, sent.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggesting fees: %w", err)
	}
	fees.GasLimit = sent.Gas.GasLimit
	if params.GasPriceOverride != nil {
		fees.GasPrice = params.GasPriceOverride
		fees.MaxFee, fees.MaxPriority = nil, nil
	}
	if params.MaxFeeOverride != nil {
		fees.MaxFee = params.MaxFeeOverride
	}
	if params.MaxPriorityOverride != nil {
		fees.MaxPriority = params.MaxPriorityOverride
	}

	acct, err := uc.accounts.Resolve(ctx, sent.ChainID, sent.From, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("resolving account %s: %w", sent.From.Hex(), err)
	}

	hash, err := acct.SendTransaction(ctx, buildTx(&sent.TxBase, sent.Nonce, fees))
	if err != nil {
		return common.Hash{}, fmt.Errorf("rebroadcasting transaction %s: %w", sent.QueueID, err)
	}

	sent.Hashes = append(sent.Hashes, hash)
	sent.Gas = fees
	sent.SentAt = time.Now().UTC()
	if err := uc.store.Set(ctx, sent); err != nil {
		return common.Hash{}, fmt.Errorf("updating sent record: %w", err)
	}

	uc.log.Info("synchronous retry broadcast",
		"queueId", sent.QueueID, "hash", hash.Hex(), "nonce", sent.Nonce)
	return hash, nil
}
