package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// Cancel is the use case behind the cancel worker: it consumes a stuck
// transaction's nonce with a zero-value self-to-self no-op so later nonces
// for the wallet remain usable. Plain transactions only; a user operation's
// nonce never blocks the wallet.
type Cancel struct {
	store    TransactionStore
	nonces   NonceAllocator
	chain    ChainClient
	accounts AccountResolver
	notifier Notifier
	log      *slog.Logger
}

// NewCancel creates a new Cancel use case
func NewCancel(
	store TransactionStore,
	nonces NonceAllocator,
	chain ChainClient,
	accounts AccountResolver,
	notifier Notifier,
	log *slog.Logger,
) *Cancel {
	return &Cancel{
		store:    store,
		nonces:   nonces,
		chain:    chain,
		accounts: accounts,
		notifier: notifier,
		log:      log,
	}
}

// Run processes one cancel job.
func (uc *Cancel) Run(ctx context.Context, job models.CancelJob) error {
	tx, err := uc.store.Get(ctx, job.QueueID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			uc.log.Warn("cancel job for unknown transaction, dropping", "queueId", job.QueueID)
			return nil
		}
		return fmt.Errorf("loading transaction %s: %w", job.QueueID, err)
	}

	sent, ok := tx.(*models.SentTransaction)
	if !ok {
		uc.log.Debug("cancel job for non-sent transaction, dropping",
			"queueId", job.QueueID, "status", tx.GetStatus())
		return nil
	}
	if sent.IsUserOp() {
		return fmt.Errorf("%w: user operations cannot be nonce-cancelled", domain.ErrNotRetryable)
	}

	fees, err := uc.chain.SuggestFees(ctx, sent.ChainID)
	if err != nil {
		return fmt.Errorf("suggesting cancel fees: %w", err)
	}
	// Outbid every prior broadcast of the original so the no-op wins the slot.
	noOverrides := models.TxBase{}
	fees = domain.EscalateFees(fees, &noOverrides, sent.ResendCount+1)
	fees.GasLimit = 21_000

	acct, err := uc.accounts.Resolve(ctx, sent.ChainID, sent.From, nil)
	if err != nil {
		return fmt.Errorf("resolving account %s: %w", sent.From.Hex(), err)
	}

	self := sent.From
	noop := buildTx(&models.TxBase{
		ChainID: sent.ChainID,
		From:    self,
		To:      &self,
		Value:   new(big.Int),
	}, sent.Nonce, fees)

	hash, err := acct.SendTransaction(ctx, noop)
	if err != nil {
		if domain.NonceOccupied(err) {
			// The original (or an earlier no-op) owns the slot after all;
			// the mine worker will find its receipt.
			uc.log.Info("cancel superseded, nonce already consumed",
				"queueId", sent.QueueID, "nonce", sent.Nonce)
			return nil
		}
		return fmt.Errorf("broadcasting cancel no-op for %s: %w", sent.QueueID, err)
	}

	if err := uc.nonces.ClearInFlight(ctx, sent.ChainID, sent.From, sent.Nonce); err != nil {
		uc.log.Error("clearing in-flight nonce after cancel",
			"queueId", sent.QueueID, "nonce", sent.Nonce, "error", err)
	}

	cancelled := &models.CancelledTransaction{
		SentTransaction: *sent,
		CancelledAt:     time.Now().UTC(),
		CancelHash:      hash,
	}
	if err := uc.store.Set(ctx, cancelled); err != nil {
		return fmt.Errorf("writing cancelled record: %w", err)
	}

	uc.notifier.Notify(ctx, cancelled)
	metrics.TransactionsCancelled.Inc()
	uc.log.Info("transaction cancelled with no-op",
		"queueId", sent.QueueID, "nonce", sent.Nonce, "cancelHash", hash.Hex())
	return nil
}
