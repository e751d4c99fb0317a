package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// MultiChainClient serves chain reads over per-chain RPC endpoints, dialing
// lazily on first use and caching the connection.
type MultiChainClient struct {
	endpoints map[uint64]string
	log       *slog.Logger

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
}

// NewMultiChainClient creates a chain client over the configured endpoints,
// keyed by chain id.
func NewMultiChainClient(endpoints map[uint64]string, log *slog.Logger) *MultiChainClient {
	return &MultiChainClient{
		endpoints: endpoints,
		log:       log,
		clients:   make(map[uint64]*ethclient.Client),
	}
}

var _ usecase.ChainClient = (*MultiChainClient)(nil)

func (c *MultiChainClient) client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[chainID]; ok {
		return client, nil
	}
	endpoint, ok := c.endpoints[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint configured for chain %d", chainID)
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing chain %d: %w", chainID, err)
	}
	c.log.Debug("dialed RPC endpoint", "chainId", chainID)
	c.clients[chainID] = client
	return client, nil
}

func (c *MultiChainClient) TransactionCount(ctx context.Context, chainID uint64, wallet common.Address) (uint64, error) {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	// Pending count, so transactions sitting in the pool are included.
	count, err := client.PendingNonceAt(ctx, wallet)
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (c *MultiChainClient) TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err == ethereum.NotFound {
		return nil, domain.ErrReceiptNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return receipt, nil
}

func (c *MultiChainClient) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	number, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return number, nil
}

func (c *MultiChainClient) EstimateGas(ctx context.Context, chainID uint64, msg ethereum.CallMsg) (uint64, error) {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, classify(err)
	}
	return gas, nil
}

func (c *MultiChainClient) CallContract(ctx context.Context, chainID uint64, msg ethereum.CallMsg) ([]byte, error) {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// SendRawTransaction broadcasts a signed transaction, classifying node
// rejections so the core can dispatch on them.
func (c *MultiChainClient) SendRawTransaction(ctx context.Context, chainID uint64, tx *types.Transaction) error {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return classify(err)
	}
	return nil
}

// SuggestFees returns a 1559 fee pair when the chain has a base fee, falling
// back to a legacy gas price otherwise.
func (c *MultiChainClient) SuggestFees(ctx context.Context, chainID uint64) (models.GasFees, error) {
	client, err := c.client(ctx, chainID)
	if err != nil {
		return models.GasFees{}, err
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return models.GasFees{}, classify(err)
	}

	if head.BaseFee == nil {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return models.GasFees{}, classify(err)
		}
		return models.GasFees{GasPrice: gasPrice}, nil
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return models.GasFees{}, classify(err)
	}
	// maxFee = 2*baseFee + tip absorbs base-fee growth across a few blocks.
	maxFee := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return models.GasFees{MaxFee: maxFee, MaxPriority: tip}, nil
}
