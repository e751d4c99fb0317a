package usecase_test

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trebuchet-org/treb-relay/internal/adapters/memory"
	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

var (
	wallet  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	callee  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	account = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

const chainID = uint64(8453)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAccount records broadcasts and returns the transaction's own hash. A
// sendHook, when set, replaces the default broadcast behavior.
type fakeAccount struct {
	mu       sync.Mutex
	addr     common.Address
	sent     []*types.Transaction
	sendHook func(tx *types.Transaction) (common.Hash, error)
}

func (a *fakeAccount) Address() common.Address { return a.addr }

func (a *fakeAccount) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if a.sendHook != nil {
		return a.sendHook(tx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, tx)
	return tx.Hash(), nil
}

func (a *fakeAccount) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

func (a *fakeAccount) SignMessage(msg []byte) ([]byte, error) {
	return append([]byte{0x01}, msg...), nil
}

func (a *fakeAccount) SignTypedData(data []byte) ([]byte, error) {
	return append([]byte{0x02}, data...), nil
}

func (a *fakeAccount) broadcasts() []*types.Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Transaction, len(a.sent))
	copy(out, a.sent)
	return out
}

type fakeResolver struct {
	acct usecase.Account
	err  error
}

func (r *fakeResolver) Resolve(ctx context.Context, chainID uint64, wallet common.Address, account *common.Address) (usecase.Account, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.acct, nil
}

// fakeBundler is a scriptable BundlerClient.
type fakeBundler struct {
	mu sync.Mutex

	nonce    *big.Int
	receipts map[common.Hash]*models.UserOpReceipt
	sendErr  error
	ops      []*models.UserOperation
	entry    common.Address
}

func newFakeBundler() *fakeBundler {
	return &fakeBundler{
		nonce:    big.NewInt(0),
		receipts: make(map[common.Hash]*models.UserOpReceipt),
		entry:    common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"),
	}
}

func (b *fakeBundler) SendUserOperation(ctx context.Context, chainID uint64, op *models.UserOperation) (common.Hash, error) {
	if b.sendErr != nil {
		return common.Hash{}, b.sendErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	return op.Hash(b.entry, chainID), nil
}

func (b *fakeBundler) GetUserOperationReceipt(ctx context.Context, chainID uint64, opHash common.Hash) (*models.UserOpReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[opHash]
	if !ok {
		return nil, domain.ErrReceiptNotFound
	}
	return receipt, nil
}

func (b *fakeBundler) UserOpNonce(ctx context.Context, chainID uint64, sender common.Address) (*big.Int, error) {
	return new(big.Int).Set(b.nonce), nil
}

func (b *fakeBundler) EstimateUserOperationGas(ctx context.Context, chainID uint64, op *models.UserOperation) (*models.UserOperation, error) {
	if op.CallGasLimit == nil {
		op.CallGasLimit = big.NewInt(100_000)
	}
	op.VerificationGasLimit = big.NewInt(70_000)
	op.PreVerificationGas = big.NewInt(21_000)
	return op, nil
}

func (b *fakeBundler) PaymasterAndData(ctx context.Context, chainID uint64, op *models.UserOperation) ([]byte, error) {
	return []byte{0xde, 0xad}, nil
}

func (b *fakeBundler) EntryPoint(chainID uint64) common.Address { return b.entry }

// env wires the use cases over the in-memory adapters.
type env struct {
	store   *memory.Store
	idem    *memory.Idempotency
	chain   *memory.Chain
	alloc   *memory.Allocator
	jobs    *memory.JobRecorder
	notes   *memory.Notifications
	acct    *fakeAccount
	bundler *fakeBundler
}

func newEnv() *env {
	chain := memory.NewChain()
	return &env{
		store:   memory.NewStore(),
		idem:    memory.NewIdempotency(),
		chain:   chain,
		alloc:   memory.NewAllocator(chain),
		jobs:    memory.NewJobRecorder(),
		notes:   memory.NewNotifications(),
		acct:    &fakeAccount{addr: wallet},
		bundler: newFakeBundler(),
	}
}

func (e *env) enqueue() *usecase.Enqueue {
	return usecase.NewEnqueue(e.store, e.idem, e.chain, e.jobs, discard())
}

func (e *env) send(cfg usecase.SendConfig) *usecase.Send {
	return usecase.NewSend(e.store, e.alloc, e.chain, &fakeResolver{acct: e.acct}, e.bundler, e.jobs, e.notes, cfg, discard())
}

func (e *env) mine(cfg usecase.MineConfig) *usecase.Mine {
	return usecase.NewMine(e.store, e.alloc, e.chain, e.bundler, e.jobs, e.notes, cfg, discard())
}

func (e *env) cancel() *usecase.Cancel {
	return usecase.NewCancel(e.store, e.alloc, e.chain, &fakeResolver{acct: e.acct}, e.notes, discard())
}

func (e *env) retry() *usecase.Retry {
	return usecase.NewRetry(e.store, e.chain, &fakeResolver{acct: e.acct}, e.jobs, discard())
}

func (e *env) syncRetry() *usecase.SyncRetry {
	return usecase.NewSyncRetry(e.store, e.chain, &fakeResolver{acct: e.acct}, discard())
}

func (e *env) confirm(cfg usecase.ConfirmConfig) *usecase.Confirm {
	return usecase.NewConfirm(e.store, e.chain, e.jobs, e.notes, cfg, discard())
}

// queuedTx seeds a queued transaction straight into the store.
func (e *env) queuedTx(ctx context.Context, base models.TxBase) *models.QueuedTransaction {
	tx := &models.QueuedTransaction{TxBase: base}
	if err := e.store.Set(ctx, tx); err != nil {
		panic(err)
	}
	return tx
}

// sentTx seeds a sent transaction straight into the store.
func (e *env) sentTx(ctx context.Context, sent *models.SentTransaction) *models.SentTransaction {
	if err := e.store.Set(ctx, sent); err != nil {
		panic(err)
	}
	return sent
}
