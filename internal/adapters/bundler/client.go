package bundler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// getNonce(address,uint192) selector on the entrypoint.
var getNonceSelector = []byte{0x35, 0x56, 0x7e, 0x1a}

// ChainConfig is a bundler endpoint plus the entrypoint it fronts.
type ChainConfig struct {
	BundlerURL   string
	PaymasterURL string
	EntryPoint   common.Address
}

// Client submits user operations to per-chain ERC-4337 bundlers over
// JSON-RPC, dialing lazily like the chain client.
type Client struct {
	chains map[uint64]ChainConfig
	log    *slog.Logger

	mu         sync.Mutex
	bundlers   map[uint64]*gethrpc.Client
	paymasters map[uint64]*gethrpc.Client
}

// NewClient creates the bundler client over the configured chains.
func NewClient(chains map[uint64]ChainConfig, log *slog.Logger) *Client {
	return &Client{
		chains:     chains,
		log:        log,
		bundlers:   make(map[uint64]*gethrpc.Client),
		paymasters: make(map[uint64]*gethrpc.Client),
	}
}

var _ usecase.BundlerClient = (*Client)(nil)

func (c *Client) bundler(ctx context.Context, chainID uint64) (*gethrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.bundlers[chainID]; ok {
		return client, nil
	}
	cfg, ok := c.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("no bundler configured for chain %d", chainID)
	}
	client, err := gethrpc.DialContext(ctx, cfg.BundlerURL)
	if err != nil {
		return nil, fmt.Errorf("dialing bundler for chain %d: %w", chainID, err)
	}
	c.bundlers[chainID] = client
	return client, nil
}

func (c *Client) paymaster(ctx context.Context, chainID uint64) (*gethrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.paymasters[chainID]; ok {
		return client, nil
	}
	cfg, ok := c.chains[chainID]
	if !ok || cfg.PaymasterURL == "" {
		return nil, fmt.Errorf("no paymaster configured for chain %d", chainID)
	}
	client, err := gethrpc.DialContext(ctx, cfg.PaymasterURL)
	if err != nil {
		return nil, fmt.Errorf("dialing paymaster for chain %d: %w", chainID, err)
	}
	c.paymasters[chainID] = client
	return client, nil
}

// EntryPoint returns the entrypoint the bundler is configured with.
func (c *Client) EntryPoint(chainID uint64) common.Address {
	return c.chains[chainID].EntryPoint
}

// wireOp is the hex-quantity JSON shape bundlers expect.
type wireOp struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func toWire(op *models.UserOperation) *wireOp {
	hexBig := func(v *big.Int) *hexutil.Big {
		if v == nil {
			v = new(big.Int)
		}
		return (*hexutil.Big)(v)
	}
	return &wireOp{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func (c *Client) SendUserOperation(ctx context.Context, chainID uint64, op *models.UserOperation) (common.Hash, error) {
	client, err := c.bundler(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	var opHash common.Hash
	err = client.CallContext(ctx, &opHash, "eth_sendUserOperation", toWire(op), c.EntryPoint(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendUserOperation: %w", err)
	}
	return opHash, nil
}

type wireReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Success       bool           `json:"success"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	Receipt       *wireTxReceipt `json:"receipt"`
}

type wireTxReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
}

func (c *Client) GetUserOperationReceipt(ctx context.Context, chainID uint64, opHash common.Hash) (*models.UserOpReceipt, error) {
	client, err := c.bundler(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var receipt *wireReceipt
	err = client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", opHash)
	if err != nil {
		return nil, fmt.Errorf("eth_getUserOperationReceipt: %w", err)
	}
	if receipt == nil || receipt.Receipt == nil {
		return nil, domain.ErrReceiptNotFound
	}
	out := &models.UserOpReceipt{
		UserOpHash:      receipt.UserOpHash,
		TransactionHash: receipt.Receipt.TransactionHash,
		Success:         receipt.Success,
		BlockNumber:     receipt.Receipt.BlockNumber.ToInt().Uint64(),
	}
	if receipt.ActualGasUsed != nil {
		out.ActualGasUsed = receipt.ActualGasUsed.ToInt().Uint64()
	}
	if receipt.ActualGasCost != nil {
		out.ActualGasCost = receipt.ActualGasCost.ToInt()
	}
	return out, nil
}

// UserOpNonce reads the smart account's intrinsic nonce from the entrypoint
// with key 0, via eth_call against the bundler's node endpoint.
func (c *Client) UserOpNonce(ctx context.Context, chainID uint64, sender common.Address) (*big.Int, error) {
	client, err := c.bundler(ctx, chainID)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, 4+64)
	data = append(data, getNonceSelector...)
	data = append(data, common.LeftPadBytes(sender.Bytes(), 32)...)
	data = append(data, make([]byte, 32)...) // key 0

	call := map[string]interface{}{
		"to":   c.EntryPoint(chainID),
		"data": hexutil.Bytes(data),
	}
	var result hexutil.Bytes
	if err := client.CallContext(ctx, &result, "eth_call", call, "latest"); err != nil {
		return nil, fmt.Errorf("reading entrypoint nonce: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (c *Client) EstimateUserOperationGas(ctx context.Context, chainID uint64, op *models.UserOperation) (*models.UserOperation, error) {
	client, err := c.bundler(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var estimate struct {
		CallGasLimit         *hexutil.Big `json:"callGasLimit"`
		VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
		PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	}
	err = client.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", toWire(op), c.EntryPoint(chainID))
	if err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas: %w", err)
	}
	estimated := *op
	if estimate.CallGasLimit != nil {
		estimated.CallGasLimit = estimate.CallGasLimit.ToInt()
	}
	if estimate.VerificationGasLimit != nil {
		estimated.VerificationGasLimit = estimate.VerificationGasLimit.ToInt()
	}
	if estimate.PreVerificationGas != nil {
		estimated.PreVerificationGas = estimate.PreVerificationGas.ToInt()
	}
	return &estimated, nil
}

// PaymasterAndData fetches sponsorship data for the operation from the
// configured paymaster service.
func (c *Client) PaymasterAndData(ctx context.Context, chainID uint64, op *models.UserOperation) ([]byte, error) {
	client, err := c.paymaster(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var result struct {
		PaymasterAndData hexutil.Bytes `json:"paymasterAndData"`
	}
	err = client.CallContext(ctx, &result, "pm_sponsorUserOperation", toWire(op), c.EntryPoint(chainID))
	if err != nil {
		return nil, fmt.Errorf("pm_sponsorUserOperation: %w", err)
	}
	return result.PaymasterAndData, nil
}
