package usecase_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

func plainBase(queueID string) models.TxBase {
	return models.TxBase{
		QueueID:  queueID,
		ChainID:  chainID,
		From:     wallet,
		To:       &callee,
		Data:     []byte{0xab, 0xcd},
		QueuedAt: time.Now().UTC(),
	}
}

func TestSendFirstBroadcast(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.chain.SetNonce(chainID, wallet, 7)
	e.queuedTx(ctx, plainBase("q1"))

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	sent, ok := tx.(*models.SentTransaction)
	require.True(t, ok)
	assert.Equal(t, uint64(7), sent.Nonce)
	assert.Len(t, sent.Hashes, 1)
	assert.Equal(t, uint64(21_000), sent.Gas.GasLimit)
	assert.Zero(t, sent.ResendCount)

	snap, err := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, snap.InFlight)

	require.Len(t, e.jobs.MineJobs, 1)
	assert.Equal(t, "q1", e.jobs.MineJobs[0].QueueID)
	require.Len(t, e.notes.Received, 1)
	assert.Equal(t, models.TransactionStatusSent, e.notes.Received[0].GetStatus())

	broadcasts := e.acct.broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, uint64(7), broadcasts[0].Nonce())
	assert.Equal(t, uint8(types.DynamicFeeTxType), broadcasts[0].Type())
}

func TestSendBroadcastFailureRecyclesNonce(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.acct.sendHook = func(tx *types.Transaction) (common.Hash, error) {
		return common.Hash{}, errors.New("connection refused")
	}
	e.queuedTx(ctx, plainBase("q1"))

	err := e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"})
	require.Error(t, err)

	snap, snapErr := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, snapErr)
	assert.Equal(t, []uint64{0}, snap.Recycled, "unused nonce goes back to the pool")
	assert.Empty(t, snap.InFlight)

	tx, getErr := e.store.Get(ctx, "q1")
	require.NoError(t, getErr)
	assert.Equal(t, models.TransactionStatusQueued, tx.GetStatus())
	assert.Empty(t, e.jobs.MineJobs)
}

func TestSendNonceOccupiedTriggersResync(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.acct.sendHook = func(tx *types.Transaction) (common.Hash, error) {
		return common.Hash{}, &domain.RPCError{
			Kind: domain.RPCErrorNonceTooLow,
			Err:  errors.New("nonce too low"),
		}
	}
	e.queuedTx(ctx, plainBase("q1"))

	// Seed the allocator at zero, then move the chain ahead of it.
	_, seedErr := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, seedErr)
	e.chain.SetNonce(chainID, wallet, 5)

	err := e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"})
	require.Error(t, err)

	snap, snapErr := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, snapErr)
	assert.Equal(t, uint64(5), snap.Next, "counter resynced from the chain")
	assert.Empty(t, snap.Recycled, "occupied nonces are not recycled")
}

func TestSendFeeOverrideBelowEstimateDefers(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	base := plainBase("q1")
	base.MaxFeeOverride = big.NewInt(1) // far below the suggested max fee
	e.queuedTx(ctx, base)

	cfg := usecase.SendConfig{DeferDelay: 30 * time.Second}
	require.NoError(t, e.send(cfg).Run(ctx, models.SendJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusQueued, tx.GetStatus())
	require.Len(t, e.jobs.SendJobs, 1)
	assert.Equal(t, 30*time.Second, e.jobs.SendDelays[0])
	assert.Empty(t, e.acct.broadcasts())
}

func TestSendDeadlineExceededBeforeFirstBroadcast(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	base := plainBase("q1")
	base.TimeoutSeconds = 60
	base.QueuedAt = time.Now().Add(-2 * time.Minute)
	e.queuedTx(ctx, base)

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	errored, ok := tx.(*models.ErroredTransaction)
	require.True(t, ok)
	assert.Contains(t, errored.ErrorMessage, "timeout")
	require.Len(t, e.notes.Received, 1)
	assert.Equal(t, models.TransactionStatusErrored, e.notes.Received[0].GetStatus())
}

func TestSendExhaustionErrorsQueuedTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.queuedTx(ctx, plainBase("q1"))

	e.send(usecase.SendConfig{}).OnExhausted(ctx, models.SendJob{QueueID: "q1"})

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	errored, ok := tx.(*models.ErroredTransaction)
	require.True(t, ok)
	assert.Contains(t, errored.ErrorMessage, "broadcast attempts exhausted")
	assert.Nil(t, errored.Nonce, "no nonce is held when every broadcast failed")
	require.Len(t, e.notes.Received, 1)
	assert.Equal(t, models.TransactionStatusErrored, e.notes.Received[0].GetStatus())
}

func TestSendExhaustionLeavesSentTransactionToMiner(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.sentTx(ctx, &models.SentTransaction{
		TxBase: plainBase("q1"),
		Nonce:  3,
		Gas:    models.GasFees{GasLimit: 21_000, MaxFee: big.NewInt(1), MaxPriority: big.NewInt(1)},
		SentAt: time.Now().UTC(),
		Hashes: []common.Hash{{0x01}},
	})

	// An exhausted resend job must not error a record whose earlier
	// broadcast may still mine.
	e.send(usecase.SendConfig{}).OnExhausted(ctx, models.SendJob{QueueID: "q1", ResendCount: 2})

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSent, tx.GetStatus())
	assert.Empty(t, e.notes.Received)
}

func TestSendResendEscalatesFees(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.sentTx(ctx, &models.SentTransaction{
		TxBase: plainBase("q1"),
		Nonce:  3,
		Gas:    models.GasFees{GasLimit: 50_000, MaxFee: big.NewInt(2_000_000_000), MaxPriority: big.NewInt(100_000_000)},
		SentAt: time.Now().UTC(),
		Hashes: []common.Hash{common.HexToHash("0x01")},
	})

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1", ResendCount: 2}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	sent := tx.(*models.SentTransaction)
	assert.Len(t, sent.Hashes, 2)
	assert.Equal(t, uint64(2), sent.ResendCount)
	assert.Equal(t, uint64(3), sent.Nonce, "resends reuse the assigned nonce")
	assert.Equal(t, uint64(50_000), sent.Gas.GasLimit, "gas limit from the first broadcast is reused")
	// Suggested max fee is 2 gwei; resend 2 quadruples it.
	assert.Equal(t, big.NewInt(8_000_000_000), sent.Gas.MaxFee)
	assert.Equal(t, big.NewInt(400_000_000), sent.Gas.MaxPriority)

	broadcasts := e.acct.broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, uint64(3), broadcasts[0].Nonce())
}

func TestSendResendSupersededIsBenign(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.acct.sendHook = func(tx *types.Transaction) (common.Hash, error) {
		return common.Hash{}, &domain.RPCError{
			Kind: domain.RPCErrorAlreadyKnown,
			Err:  errors.New("already known"),
		}
	}
	e.sentTx(ctx, &models.SentTransaction{
		TxBase: plainBase("q1"),
		Nonce:  3,
		Gas:    models.GasFees{GasLimit: 50_000, MaxFee: big.NewInt(2_000_000_000), MaxPriority: big.NewInt(100_000_000)},
		SentAt: time.Now().UTC(),
		Hashes: []common.Hash{common.HexToHash("0x01")},
	})

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1", ResendCount: 1}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	sent := tx.(*models.SentTransaction)
	assert.Len(t, sent.Hashes, 1, "superseded resend leaves the record alone")
	assert.Zero(t, sent.ResendCount)
}

func TestSendErroredResetAndRetryThroughSendPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	nonce := uint64(9)
	require.NoError(t, e.store.Set(ctx, &models.ErroredTransaction{
		TxBase:       plainBase("q1"),
		ErrorMessage: "timed out waiting for transaction to mine",
		ErroredAt:    time.Now().UTC(),
		Nonce:        &nonce,
		Hashes:       []common.Hash{common.HexToHash("0x01")},
		ResendCount:  3,
	}))

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	sent, ok := tx.(*models.SentTransaction)
	require.True(t, ok, "errored transaction goes through a full fresh send")
	assert.Equal(t, uint64(0), sent.Nonce, "a fresh nonce is acquired, not the failed one")
	assert.Len(t, sent.Hashes, 1)
	assert.Zero(t, sent.ResendCount)
}

func TestSendStaleResendForErroredDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	require.NoError(t, e.store.Set(ctx, &models.ErroredTransaction{
		TxBase:       plainBase("q1"),
		ErrorMessage: "boom",
		ErroredAt:    time.Now().UTC(),
	}))

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1", ResendCount: 2}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusErrored, tx.GetStatus())
	assert.Empty(t, e.acct.broadcasts())
}

func TestSendTerminalStatusesDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	require.NoError(t, e.store.Set(ctx, &models.MinedTransaction{
		SentTransaction: models.SentTransaction{
			TxBase: plainBase("q1"),
			Nonce:  1,
			SentAt: time.Now().UTC(),
			Hashes: []common.Hash{common.HexToHash("0x01")},
		},
		Hash:    common.HexToHash("0x01"),
		MinedAt: time.Now().UTC(),
	}))

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"}))
	assert.Empty(t, e.acct.broadcasts())
	assert.Empty(t, e.jobs.MineJobs)
}

func TestSendUnknownTransactionDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "missing"}))
}

func TestSendUserOperation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.bundler.nonce = big.NewInt(5)
	base := plainBase("q1")
	base.AccountAddress = &account
	e.queuedTx(ctx, base)

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	sent := tx.(*models.SentTransaction)
	require.NotNil(t, sent.UserOpHash)
	assert.Equal(t, big.NewInt(5), sent.UserOpNonce)
	assert.True(t, sent.IsUserOp())

	require.Len(t, e.bundler.ops, 1)
	op := e.bundler.ops[0]
	assert.Equal(t, account, op.Sender)
	assert.NotEmpty(t, op.Signature)
	assert.Empty(t, op.PaymasterAndData, "no sponsorship without a gas limit override")

	snap, snapErr := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, snapErr)
	assert.Equal(t, uint64(0), snap.Next, "user operations never touch the allocator")
	require.Len(t, e.jobs.MineJobs, 1)
}

func TestSendUserOperationWithGasOverrideIsSponsored(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	base := plainBase("q1")
	base.AccountAddress = &account
	limit := uint64(500_000)
	base.GasLimitOverride = &limit
	e.queuedTx(ctx, base)

	require.NoError(t, e.send(usecase.SendConfig{}).Run(ctx, models.SendJob{QueueID: "q1"}))

	require.Len(t, e.bundler.ops, 1)
	op := e.bundler.ops[0]
	assert.Equal(t, big.NewInt(500_000), op.CallGasLimit)
	assert.NotEmpty(t, op.PaymasterAndData)
}
