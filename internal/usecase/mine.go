package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// MineConfig tunes the mine worker's behavior.
type MineConfig struct {
	// MinBlocksBeforeResend is how many blocks must elapse without a receipt
	// before a gas-escalated resend is triggered.
	MinBlocksBeforeResend uint64
}

// Mine is the use case behind the mine worker: it polls for a receipt across
// every hash ever broadcast for a queue id and drives resends while none
// appears. A returned domain.ErrReceiptNotFound is the scheduler's signal to
// retry with backoff.
type Mine struct {
	store    TransactionStore
	nonces   NonceAllocator
	chain    ChainClient
	bundler  BundlerClient
	queue    JobQueue
	notifier Notifier
	cfg      MineConfig
	log      *slog.Logger
}

// NewMine creates a new Mine use case
func NewMine(
	store TransactionStore,
	nonces NonceAllocator,
	chain ChainClient,
	bundler BundlerClient,
	queue JobQueue,
	notifier Notifier,
	cfg MineConfig,
	log *slog.Logger,
) *Mine {
	return &Mine{
		store:    store,
		nonces:   nonces,
		chain:    chain,
		bundler:  bundler,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// Run processes one mine job.
func (uc *Mine) Run(ctx context.Context, job models.MineJob) error {
	tx, err := uc.store.Get(ctx, job.QueueID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			uc.log.Warn("mine job for unknown transaction, dropping", "queueId", job.QueueID)
			return nil
		}
		return fmt.Errorf("loading transaction %s: %w", job.QueueID, err)
	}

	sent, ok := tx.(*models.SentTransaction)
	if !ok {
		uc.log.Debug("mine job for non-sent transaction, dropping",
			"queueId", job.QueueID, "status", tx.GetStatus())
		return nil
	}

	if sent.IsUserOp() {
		return uc.mineUserOp(ctx, sent)
	}
	return uc.minePlain(ctx, sent)
}

func (uc *Mine) minePlain(ctx context.Context, sent *models.SentTransaction) error {
	// Any fulfilling receipt wins, whichever broadcast produced it.
	for _, hash := range sent.Hashes {
		receipt, err := uc.chain.TransactionReceipt(ctx, sent.ChainID, hash)
		if errors.Is(err, domain.ErrReceiptNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("querying receipt for %s: %w", hash.Hex(), err)
		}
		return uc.recordMined(ctx, sent, receipt)
	}
	return uc.notYetMined(ctx, sent)
}

func (uc *Mine) mineUserOp(ctx context.Context, sent *models.SentTransaction) error {
	opReceipt, err := uc.bundler.GetUserOperationReceipt(ctx, sent.ChainID, *sent.UserOpHash)
	if err != nil {
		if errors.Is(err, domain.ErrReceiptNotFound) {
			return uc.notYetMined(ctx, sent)
		}
		return fmt.Errorf("querying user operation receipt: %w", err)
	}

	// Resolve the underlying transaction so the record reports identically
	// to the plain path.
	receipt, err := uc.chain.TransactionReceipt(ctx, sent.ChainID, opReceipt.TransactionHash)
	if err != nil {
		if errors.Is(err, domain.ErrReceiptNotFound) {
			// bundler is ahead of our RPC node; retry shortly
			return fmt.Errorf("bundler receipt not yet visible on chain: %w", domain.ErrReceiptNotFound)
		}
		return fmt.Errorf("resolving bundled transaction receipt: %w", err)
	}

	sent.Hashes = append(sent.Hashes, opReceipt.TransactionHash)
	// the operation can be included yet reverted inside the account
	if !opReceipt.Success && receipt.Status == types.ReceiptStatusSuccessful {
		receipt.Status = types.ReceiptStatusFailed
	}
	return uc.recordMined(ctx, sent, receipt)
}

// recordMined finalizes a sent transaction against its receipt. An on-chain
// revert is still mined, never errored.
func (uc *Mine) recordMined(ctx context.Context, sent *models.SentTransaction, receipt *types.Receipt) error {
	if !sent.IsUserOp() {
		if err := uc.nonces.ClearInFlight(ctx, sent.ChainID, sent.From, sent.Nonce); err != nil {
			uc.log.Error("clearing in-flight nonce",
				"queueId", sent.QueueID, "nonce", sent.Nonce, "error", err)
		}
	}

	mined := &models.MinedTransaction{
		SentTransaction:   *sent,
		Hash:              receipt.TxHash,
		MinedAt:           time.Now().UTC(),
		OnchainSuccess:    receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		mined.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if err := uc.store.Set(ctx, mined); err != nil {
		return fmt.Errorf("writing mined record: %w", err)
	}

	uc.notifier.Notify(ctx, mined)
	metrics.TransactionsMined.Inc()
	uc.log.Info("transaction mined",
		"queueId", sent.QueueID,
		"hash", receipt.TxHash.Hex(),
		"block", mined.BlockNumber,
		"onchainSuccess", mined.OnchainSuccess)
	return nil
}

// notYetMined decides between waiting and escalating, then reports a
// retryable failure so the scheduler re-delivers this job with backoff.
func (uc *Mine) notYetMined(ctx context.Context, sent *models.SentTransaction) error {
	block, err := uc.chain.BlockNumber(ctx, sent.ChainID)
	if err != nil {
		return fmt.Errorf("reading block number: %w", err)
	}

	if block >= sent.SentAtBlock && block-sent.SentAtBlock >= uc.cfg.MinBlocksBeforeResend {
		job := models.SendJob{QueueID: sent.QueueID, ResendCount: sent.ResendCount + 1}
		if err := uc.queue.EnqueueSend(ctx, job, 0); err != nil {
			return fmt.Errorf("scheduling resend: %w", err)
		}
		uc.log.Info("no receipt after block threshold, scheduling resend",
			"queueId", sent.QueueID,
			"elapsedBlocks", block-sent.SentAtBlock,
			"resendCount", job.ResendCount)
	}

	return fmt.Errorf("transaction %s not yet confirmed: %w", sent.QueueID, domain.ErrReceiptNotFound)
}

// OnExhausted is the terminal-failure handler for the mine queue: the retry
// budget ran out without a receipt. The transaction is errored, its webhook
// fired, and for plain transactions the nonce is freed so later nonces are
// not permanently blocked.
func (uc *Mine) OnExhausted(ctx context.Context, job models.MineJob) {
	tx, err := uc.store.Get(ctx, job.QueueID)
	if err != nil {
		uc.log.Error("loading transaction in mine exhaustion handler",
			"queueId", job.QueueID, "error", err)
		return
	}
	sent, ok := tx.(*models.SentTransaction)
	if !ok {
		return
	}

	errored := &models.ErroredTransaction{
		TxBase:       sent.TxBase,
		ErrorMessage: "timed out waiting for transaction to mine",
		ErroredAt:    time.Now().UTC(),
		Hashes:       sent.Hashes,
		ResendCount:  sent.ResendCount,
	}
	if !sent.IsUserOp() {
		nonce := sent.Nonce
		errored.Nonce = &nonce
	}

	if err := uc.store.Set(ctx, errored); err != nil {
		uc.log.Error("writing errored record in mine exhaustion handler",
			"queueId", job.QueueID, "error", err)
		return
	}

	if !sent.IsUserOp() {
		if err := uc.nonces.ClearInFlight(ctx, sent.ChainID, sent.From, sent.Nonce); err != nil {
			uc.log.Error("clearing in-flight nonce on exhaustion",
				"queueId", job.QueueID, "nonce", sent.Nonce, "error", err)
		}
		if err := uc.nonces.Recycle(ctx, sent.ChainID, sent.From, sent.Nonce); err != nil {
			uc.log.Error("recycling nonce on exhaustion",
				"queueId", job.QueueID, "nonce", sent.Nonce, "error", err)
		} else {
			metrics.NoncesRecycled.Inc()
		}
	}

	uc.notifier.Notify(ctx, errored)
	metrics.TransactionsErrored.Inc()
	uc.log.Warn("mine retries exhausted, transaction errored",
		"queueId", job.QueueID, "resendCount", sent.ResendCount)
}
