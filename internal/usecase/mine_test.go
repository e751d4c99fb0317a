package usecase_test

import (
	"context"
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

func TestMineReceiptFound(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	hash := common.HexToHash("0x01")
	e.sentTx(ctx, &models.SentTransaction{
		TxBase: plainBase("q1"),
		Nonce:  4,
		SentAt: time.Now().UTC(),
		Hashes: []common.Hash{hash},
	})
	require.NoError(t, e.alloc.MarkInFlight(ctx, chainID, wallet, 4))
	e.chain.SetReceipt(hash, &types.Receipt{
		TxHash:            hash,
		Status:            types.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(10),
		GasUsed:           30_000,
		EffectiveGasPrice: big.NewInt(1_500_000_000),
	})

	require.NoError(t, e.mine(usecase.MineConfig{MinBlocksBeforeResend: 3}).Run(ctx, models.MineJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	mined, ok := tx.(*models.MinedTransaction)
	require.True(t, ok)
	assert.Equal(t, hash, mined.Hash)
	assert.Equal(t, uint64(10), mined.BlockNumber)
	assert.True(t, mined.OnchainSuccess)
	assert.Equal(t, uint64(30_000), mined.GasUsed)

	snap, snapErr := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, snapErr)
	assert.Empty(t, snap.InFlight)
	require.Len(t, e.notes.Received, 1)
	assert.Equal(t, models.TransactionStatusMined, e.notes.Received[0].GetStatus())
}

func TestMineRevertedReceiptIsStillMined(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	hash := common.HexToHash("0x01")
	e.sentTx(ctx, &models.SentTransaction{
		TxBase: plainBase("q1"),
		SentAt: time.Now().UTC(),
		Hashes: []common.Hash{hash},
	})
	e.chain.SetReceipt(hash, &types.Receipt{
		TxHash:      hash,
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(10),
	})

	require.NoError(t, e.mine(usecase.MineConfig{}).Run(ctx, models.MineJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	mined := tx.(*models.MinedTransaction)
	assert.False(t, mined.OnchainSuccess)
}

func TestMineLaterBroadcastWins(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")
	e.sentTx(ctx, &models.SentTransaction{
		TxBase: plainBase("q1"),
		SentAt: time.Now().UTC(),
		Hashes: []common.Hash{first, second},
	})
	e.chain.SetReceipt(second, &types.Receipt{
		TxHash:      second,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(12),
	})

	require.NoError(t, e.mine(usecase.MineConfig{}).Run(ctx, models.MineJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, second, tx.(*models.MinedTransaction).Hash)
}

func TestMineNoReceiptBelowThreshold(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.sentTx(ctx, &models.SentTransaction{
		TxBase:      plainBase("q1"),
		SentAt:      time.Now().UTC(),
		SentAtBlock: 1,
		Hashes:      []common.Hash{common.HexToHash("0x01")},
	})
	e.chain.AdvanceBlocks(1) // head at 2, one block elapsed

	err := e.mine(usecase.MineConfig{MinBlocksBeforeResend: 3}).Run(ctx, models.MineJob{QueueID: "q1"})
	assert.ErrorIs(t, err, domain.ErrReceiptNotFound)
	assert.Empty(t, e.jobs.SendJobs, "no resend before the block threshold")
}

func TestMineNoReceiptPastThresholdSchedulesResend(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.sentTx(ctx, &models.SentTransaction{
		TxBase:      plainBase("q1"),
		SentAt:      time.Now().UTC(),
		SentAtBlock: 1,
		ResendCount: 1,
		Hashes:      []common.Hash{common.HexToHash("0x01")},
	})
	e.chain.AdvanceBlocks(5)

	err := e.mine(usecase.MineConfig{MinBlocksBeforeResend: 3}).Run(ctx, models.MineJob{QueueID: "q1"})
	assert.ErrorIs(t, err, domain.ErrReceiptNotFound, "still retryable while the resend is pending")
	require.Len(t, e.jobs.SendJobs, 1)
	assert.Equal(t, models.SendJob{QueueID: "q1", ResendCount: 2}, e.jobs.SendJobs[0])
}

func TestMineExhaustionErrorsAndRecyclesNonce(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.sentTx(ctx, &models.SentTransaction{
		TxBase:      plainBase("q1"),
		Nonce:       6,
		SentAt:      time.Now().UTC(),
		ResendCount: 4,
		Hashes:      []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")},
	})
	require.NoError(t, e.alloc.MarkInFlight(ctx, chainID, wallet, 6))

	e.mine(usecase.MineConfig{}).OnExhausted(ctx, models.MineJob{QueueID: "q1"})

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	errored, ok := tx.(*models.ErroredTransaction)
	require.True(t, ok)
	require.NotNil(t, errored.Nonce)
	assert.Equal(t, uint64(6), *errored.Nonce)
	assert.Len(t, errored.Hashes, 2)

	snap, snapErr := e.alloc.Inspect(ctx, chainID, wallet)
	require.NoError(t, snapErr)
	assert.Empty(t, snap.InFlight)
	assert.Equal(t, []uint64{6}, snap.Recycled, "the freed nonce is reusable")
	require.Len(t, e.notes.Received, 1)
	assert.Equal(t, models.TransactionStatusErrored, e.notes.Received[0].GetStatus())
}

func TestMineUserOperation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	opHash := common.HexToHash("0xaa")
	txHash := common.HexToHash("0xbb")
	base := plainBase("q1")
	base.AccountAddress = &account
	e.sentTx(ctx, &models.SentTransaction{
		TxBase:      base,
		SentAt:      time.Now().UTC(),
		UserOpHash:  &opHash,
		UserOpNonce: big.NewInt(3),
	})
	e.bundler.receipts[opHash] = &models.UserOpReceipt{
		UserOpHash:      opHash,
		TransactionHash: txHash,
		Success:         true,
	}
	e.chain.SetReceipt(txHash, &types.Receipt{
		TxHash:      txHash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(20),
	})

	require.NoError(t, e.mine(usecase.MineConfig{}).Run(ctx, models.MineJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	mined := tx.(*models.MinedTransaction)
	assert.Equal(t, txHash, mined.Hash)
	assert.True(t, mined.OnchainSuccess)
	assert.Contains(t, mined.Hashes, txHash, "the bundled transaction hash is recorded")
}

func TestMineUserOperationInnerRevert(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	opHash := common.HexToHash("0xaa")
	txHash := common.HexToHash("0xbb")
	base := plainBase("q1")
	base.AccountAddress = &account
	e.sentTx(ctx, &models.SentTransaction{
		TxBase:     base,
		SentAt:     time.Now().UTC(),
		UserOpHash: &opHash,
	})
	// The bundle landed but the operation reverted inside the account.
	e.bundler.receipts[opHash] = &models.UserOpReceipt{
		UserOpHash:      opHash,
		TransactionHash: txHash,
		Success:         false,
	}
	e.chain.SetReceipt(txHash, &types.Receipt{
		TxHash:      txHash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(20),
	})

	require.NoError(t, e.mine(usecase.MineConfig{}).Run(ctx, models.MineJob{QueueID: "q1"}))

	tx, err := e.store.Get(ctx, "q1")
	require.NoError(t, err)
	assert.False(t, tx.(*models.MinedTransaction).OnchainSuccess)
}

func TestMineNonSentDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.queuedTx(ctx, plainBase("q1"))

	require.NoError(t, e.mine(usecase.MineConfig{}).Run(ctx, models.MineJob{QueueID: "q1"}))
	assert.Empty(t, e.jobs.SendJobs)
}
