package accounts

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethaccounts "github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Broadcaster sends signed transactions to a chain. The rpc adapter
// satisfies this.
type Broadcaster interface {
	SendRawTransaction(ctx context.Context, chainID uint64, tx *types.Transaction) error
}

// LocalResolver resolves wallets to in-process private keys. Resolved
// accounts are cached with a TTL so repeated sends for the same wallet skip
// key parsing.
type LocalResolver struct {
	keys        map[common.Address]*ecdsa.PrivateKey
	broadcaster Broadcaster

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	ttl   time.Duration
}

type cacheKey struct {
	chainID uint64
	wallet  common.Address
}

type cacheEntry struct {
	account usecase.Account
	expires time.Time
}

// NewLocalResolver parses hex private keys and indexes them by address.
func NewLocalResolver(hexKeys []string, broadcaster Broadcaster) (*LocalResolver, error) {
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))
	for _, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return &LocalResolver{
		keys:        keys,
		broadcaster: broadcaster,
		cache:       make(map[cacheKey]cacheEntry),
		ttl:         5 * time.Minute,
	}, nil
}

var _ usecase.AccountResolver = (*LocalResolver)(nil)

// Resolve returns the signing capability for a wallet. The optional account
// address selects the smart account a user operation executes as; the signer
// key is still the wallet's.
func (r *LocalResolver) Resolve(ctx context.Context, chainID uint64, wallet common.Address, account *common.Address) (usecase.Account, error) {
	ck := cacheKey{chainID: chainID, wallet: wallet}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[ck]; ok && time.Now().Before(entry.expires) {
		return entry.account, nil
	}

	key, ok := r.keys[wallet]
	if !ok {
		return nil, fmt.Errorf("no key configured for wallet %s", wallet.Hex())
	}
	acct := &localAccount{
		address:     wallet,
		key:         key,
		chainID:     chainID,
		broadcaster: r.broadcaster,
	}
	r.cache[ck] = cacheEntry{account: acct, expires: time.Now().Add(r.ttl)}
	return acct, nil
}

type localAccount struct {
	address     common.Address
	key         *ecdsa.PrivateKey
	chainID     uint64
	broadcaster Broadcaster
}

var _ usecase.Account = (*localAccount)(nil)

func (a *localAccount) Address() common.Address { return a.address }

func (a *localAccount) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(a.chainID))
	signed, err := types.SignTx(tx, signer, a.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed, nil
}

func (a *localAccount) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signed, err := a.SignTransaction(tx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := a.broadcaster.SendRawTransaction(ctx, a.chainID, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// SignMessage signs with the EIP-191 personal-message prefix, which is what
// bundler-side signature validation expects for user operation hashes.
func (a *localAccount) SignMessage(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(gethaccounts.TextHash(msg), a.key)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (a *localAccount) SignTypedData(data []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(data), a.key)
	if err != nil {
		return nil, fmt.Errorf("signing typed data: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
