package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// SendConfig tunes the send worker's behavior.
type SendConfig struct {
	// DeferDelay is how long to push back a job whose explicit fee override
	// is below the current network estimate.
	DeferDelay time.Duration
}

// Send is the use case behind the send worker: it claims a queued
// transaction, acquires a nonce, populates gas, and broadcasts. On resends it
// reuses the assigned nonce with escalated fees.
type Send struct {
	store    TransactionStore
	nonces   NonceAllocator
	chain    ChainClient
	accounts AccountResolver
	bundler  BundlerClient
	queue    JobQueue
	notifier Notifier
	cfg      SendConfig
	log      *slog.Logger
}

// NewSend creates a new Send use case
func NewSend(
	store TransactionStore,
	nonces NonceAllocator,
	chain ChainClient,
	accounts AccountResolver,
	bundler BundlerClient,
	queue JobQueue,
	notifier Notifier,
	cfg SendConfig,
	log *slog.Logger,
) *Send {
	return &Send{
		store:    store,
		nonces:   nonces,
		chain:    chain,
		accounts: accounts,
		bundler:  bundler,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// Run processes one send job. A returned error means the scheduler should
// retry the whole attempt; terminal outcomes are persisted and return nil.
func (uc *Send) Run(ctx context.Context, job models.SendJob) error {
	tx, err := uc.store.Get(ctx, job.QueueID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			uc.log.Warn("send job for unknown transaction, dropping", "queueId", job.QueueID)
			return nil
		}
		return fmt.Errorf("loading transaction %s: %w", job.QueueID, err)
	}

	switch cur := tx.(type) {
	case *models.ErroredTransaction:
		// Manual retry: reset to queued before proceeding, clearing nonce,
		// gas, and error state from the failed run.
		if job.ResendCount != 0 {
			uc.log.Warn("stale resend job for errored transaction", "queueId", job.QueueID)
			return nil
		}
		queued := &models.QueuedTransaction{TxBase: cur.TxBase}
		if err := uc.store.Set(ctx, queued); err != nil {
			return fmt.Errorf("resetting errored transaction to queued: %w", err)
		}
		return uc.sendFirst(ctx, queued)

	case *models.QueuedTransaction:
		if job.ResendCount != 0 {
			uc.log.Warn("resend job for a transaction never sent, dropping", "queueId", job.QueueID)
			return nil
		}
		return uc.sendFirst(ctx, cur)

	case *models.SentTransaction:
		if job.ResendCount == 0 {
			// Redelivered first-send job after a crash between broadcast and
			// acknowledging the job. The mine worker owns it now.
			uc.log.Debug("transaction already sent, dropping duplicate send job", "queueId", job.QueueID)
			return nil
		}
		return uc.resend(ctx, cur, job.ResendCount)

	default:
		uc.log.Debug("send job for terminal transaction, dropping",
			"queueId", job.QueueID, "status", tx.GetStatus())
		return nil
	}
}

// sendFirst handles the first broadcast attempt of a queued transaction.
func (uc *Send) sendFirst(ctx context.Context, tx *models.QueuedTransaction) error {
	if tx.DeadlineExceeded(time.Now()) {
		return uc.markErrored(ctx, &tx.TxBase, nil, nil, 0, "exceeded timeout before first broadcast")
	}

	if tx.IsUserOp() {
		return uc.sendUserOp(ctx, tx, 0)
	}

	// Populate gas against the target chain. A population failure means the
	// execution would revert or the chain is unreachable; either way no
	// nonce has been consumed yet.
	estimated, err := uc.populate(ctx, &tx.TxBase)
	if err != nil {
		if domain.ClassifyRPCError(err) == domain.RPCErrorExecutionReverted {
			return uc.markErrored(ctx, &tx.TxBase, nil, nil, 0, fmt.Sprintf("gas population failed: %v", err))
		}
		return fmt.Errorf("populating transaction %s: %w", tx.QueueID, err)
	}

	// A fixed override below the current market fee would broadcast dead on
	// arrival. Defer instead and let fees come down.
	if overrideBelowEstimate(&tx.TxBase, estimated) {
		uc.log.Info("fee override below current estimate, deferring",
			"queueId", tx.QueueID, "delay", uc.cfg.DeferDelay)
		return uc.queue.EnqueueSend(ctx, models.SendJob{QueueID: tx.QueueID}, uc.cfg.DeferDelay)
	}

	fees := domain.EscalateFees(estimated, &tx.TxBase, 0)

	sentAtBlock, err := uc.chain.BlockNumber(ctx, tx.ChainID)
	if err != nil {
		return fmt.Errorf("reading block number: %w", err)
	}

	acct, err := uc.accounts.Resolve(ctx, tx.ChainID, tx.From, nil)
	if err != nil {
		return fmt.Errorf("resolving account %s: %w", tx.From.Hex(), err)
	}

	nonce, recycled, err := uc.nonces.Acquire(ctx, tx.ChainID, tx.From, tx.QueueID)
	if err != nil {
		return fmt.Errorf("acquiring nonce: %w", err)
	}
	if recycled {
		metrics.NoncesAcquired.WithLabelValues("recycled").Inc()
	} else {
		metrics.NoncesAcquired.WithLabelValues("counter").Inc()
	}

	hash, err := acct.SendTransaction(ctx, buildTx(&tx.TxBase, nonce, fees))
	if err != nil {
		// Ambiguity: "nonce too low" may mean local state is stale or a
		// pending transaction already occupies the slot. Resync and let the
		// scheduler retry the whole attempt with a fresh nonce. Any other
		// failure never used the nonce, so recycle it.
		if domain.NonceOccupied(err) {
			if syncErr := uc.nonces.SyncFromChain(ctx, tx.ChainID, tx.From); syncErr != nil {
				uc.log.Error("nonce resync after occupied-nonce broadcast failure",
					"queueId", tx.QueueID, "error", syncErr)
			}
			metrics.NonceSyncs.Inc()
		} else {
			if recErr := uc.nonces.Recycle(ctx, tx.ChainID, tx.From, nonce); recErr != nil {
				uc.log.Error("recycling nonce after broadcast failure",
					"queueId", tx.QueueID, "nonce", nonce, "error", recErr)
			}
			metrics.NoncesRecycled.Inc()
		}
		return fmt.Errorf("broadcasting transaction %s: %w", tx.QueueID, err)
	}

	if err := uc.nonces.MarkInFlight(ctx, tx.ChainID, tx.From, nonce); err != nil {
		uc.log.Error("marking nonce in flight", "queueId", tx.QueueID, "nonce", nonce, "error", err)
	}

	sent := &models.SentTransaction{
		TxBase:      tx.TxBase,
		Nonce:       nonce,
		Gas:         fees,
		SentAt:      time.Now().UTC(),
		SentAtBlock: sentAtBlock,
		Hashes:      []common.Hash{hash},
	}
	if err := uc.store.Set(ctx, sent); err != nil {
		return fmt.Errorf("writing sent record: %w", err)
	}
	if err := uc.queue.EnqueueMine(ctx, models.MineJob{QueueID: tx.QueueID}); err != nil {
		return fmt.Errorf("scheduling mine job: %w", err)
	}

	uc.notifier.Notify(ctx, sent)
	metrics.TransactionsSent.Inc()
	uc.log.Info("transaction broadcast",
		"queueId", tx.QueueID, "hash", hash.Hex(), "nonce", nonce, "recycledNonce", recycled)
	return nil
}

// resend re-broadcasts an already sent transaction with escalated fees,
// reusing its assigned nonce.
func (uc *Send) resend(ctx context.Context, tx *models.SentTransaction, resendCount uint64) error {
	// A transaction already broadcast may still be minable; an elapsed
	// deadline only blocks further escalation, it never errors the record.
	if tx.DeadlineExceeded(time.Now()) {
		uc.log.Info("deadline elapsed, leaving sent transaction alone", "queueId", tx.QueueID)
		return nil
	}

	if tx.IsUserOp() {
		return uc.resendUserOp(ctx, tx, resendCount)
	}

	estimated, err := uc.suggestOnly(ctx, tx)
	if err != nil {
		return fmt.Errorf("repopulating fees for %s: %w", tx.QueueID, err)
	}
	fees := domain.EscalateFees(estimated, &tx.TxBase, resendCount)

	acct, err := uc.accounts.Resolve(ctx, tx.ChainID, tx.From, nil)
	if err != nil {
		return fmt.Errorf("resolving account %s: %w", tx.From.Hex(), err)
	}

	hash, err := acct.SendTransaction(ctx, buildTx(&tx.TxBase, tx.Nonce, fees))
	if err != nil {
		// The nonce being occupied during a resend means an earlier
		// broadcast of this logical transaction is already sufficient.
		if domain.NonceOccupied(err) {
			uc.log.Debug("resend superseded by an existing broadcast",
				"queueId", tx.QueueID, "nonce", tx.Nonce, "kind", domain.ClassifyRPCError(err))
			return nil
		}
		return fmt.Errorf("rebroadcasting transaction %s: %w", tx.QueueID, err)
	}

	block, err := uc.chain.BlockNumber(ctx, tx.ChainID)
	if err != nil {
		// keep the previous block marker rather than failing a successful resend
		block = tx.SentAtBlock
	}

	tx.Hashes = append(tx.Hashes, hash)
	tx.Gas = fees
	tx.ResendCount = resendCount
	tx.SentAt = time.Now().UTC()
	tx.SentAtBlock = block
	if err := uc.store.Set(ctx, tx); err != nil {
		return fmt.Errorf("updating sent record: %w", err)
	}

	metrics.TransactionsResent.Inc()
	uc.log.Info("transaction re-broadcast",
		"queueId", tx.QueueID, "hash", hash.Hex(), "nonce", tx.Nonce, "resendCount", resendCount)
	return nil
}

// OnExhausted is the terminal-failure handler for the send queue: every
// broadcast attempt failed on a transient error. A transaction still queued is
// errored and its webhook fired; no nonce is held at this point because each
// failed broadcast recycled or resynced its nonce. A sent record means some
// earlier attempt or an earlier broadcast landed, so the mine worker owns it.
func (uc *Send) OnExhausted(ctx context.Context, job models.SendJob) {
	tx, err := uc.store.Get(ctx, job.QueueID)
	if err != nil {
		uc.log.Error("loading transaction in send exhaustion handler",
			"queueId", job.QueueID, "error", err)
		return
	}

	switch cur := tx.(type) {
	case *models.QueuedTransaction:
		if err := uc.markErrored(ctx, &cur.TxBase, nil, nil, 0, "broadcast attempts exhausted"); err != nil {
			uc.log.Error("writing errored record in send exhaustion handler",
				"queueId", job.QueueID, "error", err)
		}
	case *models.SentTransaction:
		if job.ResendCount > 0 {
			uc.log.Warn("resend attempts exhausted, earlier broadcast still pending",
				"queueId", job.QueueID, "resendCount", job.ResendCount)
		}
	default:
		uc.log.Debug("send exhaustion for transaction no longer pending",
			"queueId", job.QueueID, "status", tx.GetStatus())
	}
}

// populate estimates gas limit and fees for a first broadcast.
func (uc *Send) populate(ctx context.Context, base *models.TxBase) (models.GasFees, error) {
	fees, err := uc.chain.SuggestFees(ctx, base.ChainID)
	if err != nil {
		return models.GasFees{}, err
	}

	if base.GasLimitOverride != nil {
		fees.GasLimit = *base.GasLimitOverride
		return fees, nil
	}

	limit, err := uc.chain.EstimateGas(ctx, base.ChainID, ethereum.CallMsg{
		From:  base.From,
		To:    base.To,
		Data:  base.Data,
		Value: base.Value,
	})
	if err != nil {
		return models.GasFees{}, err
	}
	fees.GasLimit = limit
	return fees, nil
}

// suggestOnly refreshes fee fields for a resend; the gas limit from the
// first broadcast is reused since the call itself has not changed.
func (uc *Send) suggestOnly(ctx context.Context, tx *models.SentTransaction) (models.GasFees, error) {
	fees, err := uc.chain.SuggestFees(ctx, tx.ChainID)
	if err != nil {
		return models.GasFees{}, err
	}
	fees.GasLimit = tx.Gas.GasLimit
	return fees, nil
}

// markErrored writes a terminal errored record, preserving any broadcast
// history so a manual retry can verify nothing landed.
func (uc *Send) markErrored(ctx context.Context, base *models.TxBase, nonce *uint64, hashes []common.Hash, resendCount uint64, msg string) error {
	errored := &models.ErroredTransaction{
		TxBase:       *base,
		ErrorMessage: msg,
		ErroredAt:    time.Now().UTC(),
		Nonce:        nonce,
		Hashes:       hashes,
		ResendCount:  resendCount,
	}
	if err := uc.store.Set(ctx, errored); err != nil {
		return fmt.Errorf("writing errored record: %w", err)
	}
	uc.notifier.Notify(ctx, errored)
	metrics.TransactionsErrored.Inc()
	uc.log.Warn("transaction errored", "queueId", base.QueueID, "error", msg)
	return nil
}

// overrideBelowEstimate reports whether an explicit fee override undercuts
// the current network estimate.
func overrideBelowEstimate(base *models.TxBase, estimated models.GasFees) bool {
	if base.MaxFeeOverride != nil && estimated.MaxFee != nil &&
		base.MaxFeeOverride.Cmp(estimated.MaxFee) < 0 {
		return true
	}
	if base.GasPriceOverride != nil && estimated.GasPrice != nil &&
		base.GasPriceOverride.Cmp(estimated.GasPrice) < 0 {
		return true
	}
	return false
}

// buildTx assembles the go-ethereum transaction for signing. The fee variant
// follows which fields were populated.
func buildTx(base *models.TxBase, nonce uint64, fees models.GasFees) *types.Transaction {
	value := base.Value
	if value == nil {
		value = new(big.Int)
	}

	if fees.GasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       base.To,
			Value:    value,
			Gas:      fees.GasLimit,
			GasPrice: fees.GasPrice,
			Data:     base.Data,
		})
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(base.ChainID),
		Nonce:     nonce,
		To:        base.To,
		Value:     value,
		Gas:       fees.GasLimit,
		GasFeeCap: fees.MaxFee,
		GasTipCap: fees.MaxPriority,
		Data:      base.Data,
	})
}
