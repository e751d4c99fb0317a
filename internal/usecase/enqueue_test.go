package usecase_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

func TestEnqueueWritesRecordAndSchedulesSend(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	id, err := e.enqueue().Run(ctx, usecase.EnqueueParams{
		ChainID:      chainID,
		From:         wallet,
		To:           &callee,
		Data:         []byte{0x01, 0x02},
		Value:        big.NewInt(1000),
		FunctionName: "transfer",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tx, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	queued, ok := tx.(*models.QueuedTransaction)
	require.True(t, ok)
	assert.Equal(t, models.TransactionStatusQueued, queued.GetStatus())
	assert.Equal(t, wallet, queued.From)
	assert.Equal(t, &callee, queued.To)
	assert.WithinDuration(t, time.Now(), queued.QueuedAt, 5*time.Second)

	require.Len(t, e.jobs.SendJobs, 1)
	assert.Equal(t, id, e.jobs.SendJobs[0].QueueID)
	assert.Zero(t, e.jobs.SendJobs[0].ResendCount)
	assert.Equal(t, time.Duration(0), e.jobs.SendDelays[0])
}

func TestEnqueueIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	params := usecase.EnqueueParams{
		ChainID:        chainID,
		From:           wallet,
		To:             &callee,
		IdempotencyKey: "order-42",
	}

	first, err := e.enqueue().Run(ctx, params)
	require.NoError(t, err)
	second, err := e.enqueue().Run(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, e.jobs.SendJobs, 1, "replay must not schedule a second send")
}

func TestEnqueueIdempotencyReplaySkipsSimulation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	params := usecase.EnqueueParams{
		ChainID:        chainID,
		From:           wallet,
		To:             &callee,
		IdempotencyKey: "order-43",
		SimulateFirst:  true,
	}

	first, err := e.enqueue().Run(ctx, params)
	require.NoError(t, err)

	// Chain state changed since the first enqueue; the replay must still
	// return the canonical id and never touch the chain.
	var calls int
	e.chain.CallHook = func(msg ethereum.CallMsg) ([]byte, error) {
		calls++
		return nil, errors.New("execution reverted: no allowance")
	}
	second, err := e.enqueue().Run(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Zero(t, calls, "replay must not re-simulate")
	assert.Len(t, e.jobs.SendJobs, 1)
}

func TestEnqueueSimulationFailureFreesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	params := usecase.EnqueueParams{
		ChainID:        chainID,
		From:           wallet,
		To:             &callee,
		IdempotencyKey: "order-44",
		SimulateFirst:  true,
	}

	e.chain.CallHook = func(msg ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted: paused")
	}
	_, err := e.enqueue().Run(ctx, params)
	require.ErrorIs(t, err, domain.ErrSimulationFailed)

	// A retry with the same key after the revert cleared must enqueue fresh
	// instead of replaying a transaction that was never recorded.
	e.chain.CallHook = nil
	id, err := e.enqueue().Run(ctx, params)
	require.NoError(t, err)
	_, err = e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, e.jobs.SendJobs, 1)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	tests := []struct {
		name   string
		params usecase.EnqueueParams
	}{
		{"missing chain id", usecase.EnqueueParams{From: wallet, To: &callee}},
		{"missing from", usecase.EnqueueParams{ChainID: chainID, To: &callee}},
		{"contract creation without data", usecase.EnqueueParams{ChainID: chainID, From: wallet}},
		{"conflicting fee overrides", usecase.EnqueueParams{
			ChainID:          chainID,
			From:             wallet,
			To:               &callee,
			GasPriceOverride: big.NewInt(1),
			MaxFeeOverride:   big.NewInt(1),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.enqueue().Run(ctx, tt.params)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	assert.Empty(t, e.jobs.SendJobs)
}

func TestEnqueueSimulationFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.chain.CallHook = func(msg ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted: no allowance")
	}

	_, err := e.enqueue().Run(ctx, usecase.EnqueueParams{
		ChainID:       chainID,
		From:          wallet,
		To:            &callee,
		SimulateFirst: true,
	})
	assert.ErrorIs(t, err, domain.ErrSimulationFailed)
	assert.Empty(t, e.jobs.SendJobs)
}
