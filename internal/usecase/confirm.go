package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// ConfirmConfig tunes finality tracking.
type ConfirmConfig struct {
	// Confirmations is how many blocks must build on a mined transaction's
	// block before it is considered final.
	Confirmations uint64
}

// Confirm upgrades mined transactions to confirmed once enough blocks have
// built on top of them. A mined transaction whose receipt disappears before
// that, a reorg, goes back to the mine queue instead.
type Confirm struct {
	store    TransactionStore
	chain    ChainClient
	queue    JobQueue
	notifier Notifier
	cfg      ConfirmConfig
	log      *slog.Logger
}

// NewConfirm creates a new Confirm use case
func NewConfirm(store TransactionStore, chain ChainClient, queue JobQueue, notifier Notifier, cfg ConfirmConfig, log *slog.Logger) *Confirm {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 12
	}
	return &Confirm{
		store:    store,
		chain:    chain,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// Run checks one mined transaction for finality. Not-deep-enough is not an
// error; the sweep will come back to it.
func (uc *Confirm) Run(ctx context.Context, queueID string) error {
	tx, err := uc.store.Get(ctx, queueID)
	if err != nil {
		return err
	}
	mined, ok := tx.(*models.MinedTransaction)
	if !ok {
		return nil
	}

	head, err := uc.chain.BlockNumber(ctx, mined.ChainID)
	if err != nil {
		return fmt.Errorf("reading block number: %w", err)
	}
	if head < mined.BlockNumber || head-mined.BlockNumber < uc.cfg.Confirmations {
		return nil
	}

	// Re-check the receipt at depth. A reorg can unmine the transaction,
	// in which case it goes back to receipt polling.
	_, err = uc.chain.TransactionReceipt(ctx, mined.ChainID, mined.Hash)
	if errors.Is(err, domain.ErrReceiptNotFound) {
		uc.log.Warn("mined transaction lost its receipt, rescheduling mine",
			"queueId", queueID, "hash", mined.Hash.Hex())
		sent := mined.SentTransaction
		if setErr := uc.store.Set(ctx, &sent); setErr != nil {
			return fmt.Errorf("reverting to sent after reorg: %w", setErr)
		}
		return uc.queue.EnqueueMine(ctx, models.MineJob{QueueID: queueID})
	}
	if err != nil {
		return fmt.Errorf("re-checking receipt for %s: %w", mined.Hash.Hex(), err)
	}

	confirmed := &models.ConfirmedTransaction{
		MinedTransaction: *mined,
		ConfirmedAt:      time.Now().UTC(),
		ConfirmedAtBlock: head,
	}
	if err := uc.store.Set(ctx, confirmed); err != nil {
		return fmt.Errorf("writing confirmed record: %w", err)
	}

	uc.notifier.Notify(ctx, confirmed)
	metrics.TransactionsConfirmed.Inc()
	uc.log.Info("transaction confirmed",
		"queueId", queueID, "block", mined.BlockNumber, "head", head)
	return nil
}

// Sweep pages through mined transactions and checks each for finality. Meant
// to run on a ticker.
func (uc *Confirm) Sweep(ctx context.Context) error {
	cursor := ""
	for {
		txs, next, err := uc.store.ListByStatus(ctx, models.TransactionStatusMined, cursor, 100)
		if err != nil {
			return fmt.Errorf("listing mined transactions: %w", err)
		}
		for _, tx := range txs {
			if err := uc.Run(ctx, tx.GetQueueID()); err != nil {
				uc.log.Error("confirm check failed", "queueId", tx.GetQueueID(), "error", err)
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}
