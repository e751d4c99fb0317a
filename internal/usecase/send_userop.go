package usecase

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// sendUserOp handles the first broadcast of a smart-account transaction via
// the bundler. The operation's nonce is intrinsic to the entrypoint and is
// never drawn from the allocator.
func (uc *Send) sendUserOp(ctx context.Context, tx *models.QueuedTransaction, resendCount uint64) error {
	nonce, err := uc.bundler.UserOpNonce(ctx, tx.ChainID, *tx.AccountAddress)
	if err != nil {
		return fmt.Errorf("reading user operation nonce: %w", err)
	}

	op, err := uc.buildUserOp(ctx, &tx.TxBase, nonce, resendCount)
	if err != nil {
		if domain.ClassifyRPCError(err) == domain.RPCErrorExecutionReverted {
			return uc.markErrored(ctx, &tx.TxBase, nil, nil, resendCount,
				fmt.Sprintf("user operation gas population failed: %v", err))
		}
		return err
	}

	sentAtBlock, err := uc.chain.BlockNumber(ctx, tx.ChainID)
	if err != nil {
		return fmt.Errorf("reading block number: %w", err)
	}

	opHash, err := uc.bundler.SendUserOperation(ctx, tx.ChainID, op)
	if err != nil {
		return fmt.Errorf("bundling user operation %s: %w", tx.QueueID, err)
	}

	sent := &models.SentTransaction{
		TxBase:      tx.TxBase,
		Gas:         userOpFees(op),
		SentAt:      time.Now().UTC(),
		SentAtBlock: sentAtBlock,
		ResendCount: resendCount,
		UserOpHash:  &opHash,
		UserOpNonce: nonce,
	}
	if err := uc.store.Set(ctx, sent); err != nil {
		return fmt.Errorf("writing sent record: %w", err)
	}
	if err := uc.queue.EnqueueMine(ctx, models.MineJob{QueueID: tx.QueueID}); err != nil {
		return fmt.Errorf("scheduling mine job: %w", err)
	}

	if resendCount == 0 {
		uc.notifier.Notify(ctx, sent)
		metrics.TransactionsSent.Inc()
	}
	uc.log.Info("user operation bundled",
		"queueId", tx.QueueID, "userOpHash", opHash.Hex(), "sender", tx.AccountAddress.Hex())
	return nil
}

// resendUserOp re-bundles an operation with escalated fees, reusing the
// nonce assigned at first send so the replacement supersedes the original.
func (uc *Send) resendUserOp(ctx context.Context, tx *models.SentTransaction, resendCount uint64) error {
	op, err := uc.buildUserOp(ctx, &tx.TxBase, tx.UserOpNonce, resendCount)
	if err != nil {
		return fmt.Errorf("repopulating user operation %s: %w", tx.QueueID, err)
	}

	opHash, err := uc.bundler.SendUserOperation(ctx, tx.ChainID, op)
	if err != nil {
		if domain.NonceOccupied(err) {
			uc.log.Debug("user operation resend superseded by existing bundle", "queueId", tx.QueueID)
			return nil
		}
		return fmt.Errorf("re-bundling user operation %s: %w", tx.QueueID, err)
	}

	tx.UserOpHash = &opHash
	tx.Gas = userOpFees(op)
	tx.ResendCount = resendCount
	tx.SentAt = time.Now().UTC()
	if block, err := uc.chain.BlockNumber(ctx, tx.ChainID); err == nil {
		tx.SentAtBlock = block
	}
	if err := uc.store.Set(ctx, tx); err != nil {
		return fmt.Errorf("updating sent record: %w", err)
	}

	metrics.TransactionsResent.Inc()
	uc.log.Info("user operation re-bundled",
		"queueId", tx.QueueID, "userOpHash", opHash.Hex(), "resendCount", resendCount)
	return nil
}

// buildUserOp assembles, estimates, optionally sponsors, and signs a user
// operation for the transaction's smart account.
func (uc *Send) buildUserOp(ctx context.Context, base *models.TxBase, nonce *big.Int, resendCount uint64) (*models.UserOperation, error) {
	estimated, err := uc.chain.SuggestFees(ctx, base.ChainID)
	if err != nil {
		return nil, fmt.Errorf("suggesting fees: %w", err)
	}
	fees := domain.EscalateFees(estimated, base, resendCount)

	maxFee, maxPriority := fees.MaxFee, fees.MaxPriority
	if maxFee == nil {
		// legacy chain: bundlers still expect the 1559 pair
		maxFee, maxPriority = fees.GasPrice, fees.GasPrice
	}

	op := &models.UserOperation{
		Sender:               *base.AccountAddress,
		Nonce:                nonce,
		CallData:             base.Data,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}

	op, err = uc.bundler.EstimateUserOperationGas(ctx, base.ChainID, op)
	if err != nil {
		return nil, err
	}

	// A custom gas limit signals a call the bundler's estimator cannot
	// price; sponsor it so the account is not stuck covering the overhead.
	if base.GasLimitOverride != nil {
		op.CallGasLimit = new(big.Int).SetUint64(*base.GasLimitOverride)
		paymaster, err := uc.bundler.PaymasterAndData(ctx, base.ChainID, op)
		if err != nil {
			return nil, fmt.Errorf("fetching paymaster data: %w", err)
		}
		op.PaymasterAndData = paymaster
	}

	acct, err := uc.accounts.Resolve(ctx, base.ChainID, base.From, base.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("resolving signer %s: %w", base.From.Hex(), err)
	}
	digest := op.Hash(uc.bundler.EntryPoint(base.ChainID), base.ChainID)
	sig, err := acct.SignMessage(digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("signing user operation: %w", err)
	}
	op.Signature = sig

	return op, nil
}

// userOpFees mirrors the bundled operation's pricing into the stored record.
func userOpFees(op *models.UserOperation) models.GasFees {
	fees := models.GasFees{
		MaxFee:      op.MaxFeePerGas,
		MaxPriority: op.MaxPriorityFeePerGas,
	}
	if op.CallGasLimit != nil {
		fees.GasLimit = op.CallGasLimit.Uint64()
	}
	return fees
}
