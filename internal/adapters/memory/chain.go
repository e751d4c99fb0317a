package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Chain is a scriptable chain double for tests and local development. Fees,
// estimates and receipts are set by the test; broadcasts are recorded.
type Chain struct {
	mu sync.Mutex

	Fees        models.GasFees
	GasEstimate uint64
	Block       uint64

	nonces     map[string]uint64
	receipts   map[common.Hash]*types.Receipt
	broadcasts []*types.Transaction

	// Optional hooks override the default behavior when set.
	SendHook     func(tx *types.Transaction) error
	EstimateHook func(msg ethereum.CallMsg) (uint64, error)
	CallHook     func(msg ethereum.CallMsg) ([]byte, error)
}

// NewChain creates a chain double with sane defaults.
func NewChain() *Chain {
	return &Chain{
		Fees:        models.GasFees{MaxFee: big.NewInt(2_000_000_000), MaxPriority: big.NewInt(100_000_000)},
		GasEstimate: 21_000,
		Block:       1,
		nonces:      make(map[string]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
	}
}

var _ usecase.ChainClient = (*Chain)(nil)

func nonceKey(chainID uint64, wallet common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, wallet.Hex())
}

// SetNonce sets the pending transaction count returned for a wallet.
func (c *Chain) SetNonce(chainID uint64, wallet common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[nonceKey(chainID, wallet)] = nonce
}

// SetReceipt makes a hash resolvable.
func (c *Chain) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = receipt
}

// AdvanceBlocks moves the head forward.
func (c *Chain) AdvanceBlocks(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Block += n
}

// Broadcasts returns everything sent so far.
func (c *Chain) Broadcasts() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.broadcasts))
	copy(out, c.broadcasts)
	return out
}

func (c *Chain) TransactionCount(ctx context.Context, chainID uint64, wallet common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[nonceKey(chainID, wallet)], nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, domain.ErrReceiptNotFound
	}
	return receipt, nil
}

func (c *Chain) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Block, nil
}

func (c *Chain) EstimateGas(ctx context.Context, chainID uint64, msg ethereum.CallMsg) (uint64, error) {
	if c.EstimateHook != nil {
		return c.EstimateHook(msg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.GasEstimate, nil
}

func (c *Chain) CallContract(ctx context.Context, chainID uint64, msg ethereum.CallMsg) ([]byte, error) {
	if c.CallHook != nil {
		return c.CallHook(msg)
	}
	return nil, nil
}

func (c *Chain) SuggestFees(ctx context.Context, chainID uint64) (models.GasFees, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Fees, nil
}

// SendRawTransaction records the broadcast, satisfying the accounts
// adapter's Broadcaster.
func (c *Chain) SendRawTransaction(ctx context.Context, chainID uint64, tx *types.Transaction) error {
	if c.SendHook != nil {
		if err := c.SendHook(tx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, tx)
	return nil
}
