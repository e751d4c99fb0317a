package usecase

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
)

// TransactionStore handles persistence of transaction records by queue id.
// Set has full-overwrite, last-writer-wins semantics and refreshes the
// record's TTL; callers must not assume durability past the retention window.
type TransactionStore interface {
	Set(ctx context.Context, tx models.Transaction) error
	Get(ctx context.Context, queueID string) (models.Transaction, error)
	Exists(ctx context.Context, queueID string) (bool, error)
	// BulkGet omits missing ids rather than erroring.
	BulkGet(ctx context.Context, queueIDs []string) ([]models.Transaction, error)
	// ListByStatus pages through records in a status. An empty cursor starts
	// from the beginning; an empty returned cursor means no more pages.
	ListByStatus(ctx context.Context, status models.TransactionStatus, cursor string, limit int) ([]models.Transaction, string, error)
}

// IdempotencyStore maps caller-supplied idempotency keys to queue ids.
type IdempotencyStore interface {
	// Reserve atomically claims key for queueID. When the key was already
	// claimed it returns the original queue id and created=false.
	Reserve(ctx context.Context, key, queueID string) (canonicalID string, created bool, err error)
	// Release frees a claimed key whose transaction was never recorded.
	Release(ctx context.Context, key string) error
}

// NonceAllocator is the single serialization point for nonce assignment per
// (chain, wallet). Acquire must be a single atomic operation against the
// shared counter/pool store, never read-then-write.
type NonceAllocator interface {
	// Acquire returns the next nonce for immediate broadcast, preferring the
	// oldest recycled nonce that is not in flight.
	Acquire(ctx context.Context, chainID uint64, wallet common.Address, queueID string) (nonce uint64, recycled bool, err error)
	MarkInFlight(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error
	ClearInFlight(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error
	// Recycle returns a nonce to the pool. Only valid for a nonce that was
	// never successfully broadcast or is proven not to have landed.
	Recycle(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error
	// SyncFromChain raises the local counter to the chain's transaction
	// count when higher; it never lowers it.
	SyncFromChain(ctx context.Context, chainID uint64, wallet common.Address) error
	// Reset discards local state and reseeds from the chain. Operator only.
	Reset(ctx context.Context, chainID uint64, wallet common.Address) error
	Inspect(ctx context.Context, chainID uint64, wallet common.Address) (*models.NonceSnapshot, error)
	Audit(ctx context.Context, chainID uint64, wallet common.Address, limit int64) ([]models.NonceAuditEntry, error)
	// PruneAudit trims audit maps to the retention bound. Run periodically,
	// off the hot path.
	PruneAudit(ctx context.Context) error
}

// ChainClient is the read/estimate surface of the RPC endpoint. Broadcast
// goes through the Account capability instead.
type ChainClient interface {
	TransactionCount(ctx context.Context, chainID uint64, wallet common.Address) (uint64, error)
	// TransactionReceipt returns domain.ErrReceiptNotFound while the hash is
	// unmined, and an error only for transport failures.
	TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context, chainID uint64) (uint64, error)
	EstimateGas(ctx context.Context, chainID uint64, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, chainID uint64, msg ethereum.CallMsg) ([]byte, error)
	// SuggestFees returns either a legacy gas price or a 1559 fee pair
	// depending on what the chain supports.
	SuggestFees(ctx context.Context, chainID uint64) (models.GasFees, error)
}

// Account is the signing/sending capability resolved for a wallet. Backends
// are pluggable (local key, KMS, smart account); the core is agnostic.
type Account interface {
	Address() common.Address
	// SendTransaction signs and broadcasts a populated transaction,
	// returning its hash. Failures are classified by the rpc adapter.
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SignMessage(msg []byte) ([]byte, error)
	SignTypedData(data []byte) ([]byte, error)
}

// AccountResolver resolves a wallet identity into a signing capability.
type AccountResolver interface {
	Resolve(ctx context.Context, chainID uint64, wallet common.Address, account *common.Address) (Account, error)
}

// BundlerClient is the ERC-4337 path: user operations go to a bundler, not
// to the chain directly.
type BundlerClient interface {
	SendUserOperation(ctx context.Context, chainID uint64, op *models.UserOperation) (common.Hash, error)
	// GetUserOperationReceipt returns domain.ErrReceiptNotFound while the
	// operation is not yet included.
	GetUserOperationReceipt(ctx context.Context, chainID uint64, opHash common.Hash) (*models.UserOpReceipt, error)
	// UserOpNonce reads the smart account's nonce from the entrypoint.
	UserOpNonce(ctx context.Context, chainID uint64, sender common.Address) (*big.Int, error)
	EstimateUserOperationGas(ctx context.Context, chainID uint64, op *models.UserOperation) (*models.UserOperation, error)
	// PaymasterAndData fetches sponsorship data for an operation.
	PaymasterAndData(ctx context.Context, chainID uint64, op *models.UserOperation) ([]byte, error)
	// EntryPoint returns the entrypoint contract the bundler is configured
	// with for a chain.
	EntryPoint(chainID uint64) common.Address
}

// JobQueue schedules worker jobs. Mine jobs are deduplicated by job id so at
// most one live mine job exists per queue id.
type JobQueue interface {
	EnqueueSend(ctx context.Context, job models.SendJob, delay time.Duration) error
	EnqueueMine(ctx context.Context, job models.MineJob) error
	EnqueueCancel(ctx context.Context, job models.CancelJob) error
}

// Notifier delivers state-transition webhooks. Fire and forget: it never
// blocks the core path and its delivery failures are invisible here.
type Notifier interface {
	Notify(ctx context.Context, tx models.Transaction)
}

// LegacyStore reads sent-but-unconfirmed or queued-but-unsent rows left in a
// prior execution backend's durable store, under skip-claimed row locking.
type LegacyStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]*models.LegacyTransaction, error)
	MarkCancelled(ctx context.Context, ids []string) error
}
