package nonces

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/samber/lo"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Audit maps keep the most recent assignments per wallet; older entries are
// trimmed by PruneAudit.
const auditRetention = 10_000

// acquireScript atomically hands out the next nonce for a wallet. The oldest
// recycled nonce that is not in flight wins; otherwise the counter is
// incremented. Runs as a single script so two concurrent acquisitions can
// never observe the same state.
var acquireScript = redis.NewScript(`
local counterKey = KEYS[1]
local recycledKey = KEYS[2]
local inflightKey = KEYS[3]
local auditKey = KEYS[4]
local queueId = ARGV[1]
local now = ARGV[2]

while true do
    local candidates = redis.call('ZRANGE', recycledKey, 0, 0)
    if #candidates == 0 then
        break
    end
    local nonce = candidates[1]
    redis.call('ZREM', recycledKey, nonce)
    if redis.call('SISMEMBER', inflightKey, nonce) == 0 then
        redis.call('ZADD', auditKey, now, nonce .. ':' .. queueId)
        return {tonumber(nonce), 1}
    end
end

local nonce = redis.call('INCR', counterKey) - 1
redis.call('ZADD', auditKey, now, nonce .. ':' .. queueId)
return {nonce, 0}
`)

// syncScript raises the counter to the chain's transaction count, never
// lowering it, and drops recycled nonces the chain has moved past.
var syncScript = redis.NewScript(`
local counterKey = KEYS[1]
local recycledKey = KEYS[2]
local chainCount = tonumber(ARGV[1])

local current = tonumber(redis.call('GET', counterKey) or '-1')
if chainCount > current then
    redis.call('SET', counterKey, chainCount)
    current = chainCount
end
redis.call('ZREMRANGEBYSCORE', recycledKey, '-inf', '(' .. current)
return current
`)

// RedisAllocator is the shared nonce authority. All instances of the service
// coordinate through the same Redis keys, so allocation stays exclusive and
// gap free across processes.
type RedisAllocator struct {
	client *redis.Client
	chain  usecase.ChainClient
}

// NewRedisAllocator creates the Redis-backed nonce allocator.
func NewRedisAllocator(client *redis.Client, chain usecase.ChainClient) *RedisAllocator {
	return &RedisAllocator{client: client, chain: chain}
}

var _ usecase.NonceAllocator = (*RedisAllocator)(nil)

func walletKey(kind string, chainID uint64, wallet common.Address) string {
	return fmt.Sprintf("treb:nonce:%s:%d:%s", kind, chainID, strings.ToLower(wallet.Hex()))
}

// ensureSeeded initializes the counter from the chain's pending transaction
// count exactly once per wallet. SETNX makes concurrent first uses safe.
func (a *RedisAllocator) ensureSeeded(ctx context.Context, chainID uint64, wallet common.Address) error {
	counterKey := walletKey("counter", chainID, wallet)
	n, err := a.client.Exists(ctx, counterKey).Result()
	if err != nil {
		return fmt.Errorf("checking nonce counter: %w", err)
	}
	if n > 0 {
		return nil
	}
	count, err := a.chain.TransactionCount(ctx, chainID, wallet)
	if err != nil {
		return fmt.Errorf("reading chain nonce for %s: %w", wallet.Hex(), err)
	}
	if _, err := a.client.SetNX(ctx, counterKey, count, 0).Result(); err != nil {
		return fmt.Errorf("seeding nonce counter: %w", err)
	}
	return nil
}

func (a *RedisAllocator) Acquire(ctx context.Context, chainID uint64, wallet common.Address, queueID string) (uint64, bool, error) {
	if err := a.ensureSeeded(ctx, chainID, wallet); err != nil {
		return 0, false, err
	}
	keys := []string{
		walletKey("counter", chainID, wallet),
		walletKey("recycled", chainID, wallet),
		walletKey("inflight", chainID, wallet),
		walletKey("audit", chainID, wallet),
	}
	res, err := acquireScript.Run(ctx, a.client, keys, queueID, time.Now().UnixMilli()).Result()
	if err != nil {
		return 0, false, fmt.Errorf("acquiring nonce for %s: %w", wallet.Hex(), err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("unexpected acquire result %v", res)
	}
	nonce, recycledFlag := vals[0].(int64), vals[1].(int64)
	return uint64(nonce), recycledFlag == 1, nil
}

func (a *RedisAllocator) MarkInFlight(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error {
	return a.client.SAdd(ctx, walletKey("inflight", chainID, wallet), nonce).Err()
}

func (a *RedisAllocator) ClearInFlight(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error {
	return a.client.SRem(ctx, walletKey("inflight", chainID, wallet), nonce).Err()
}

func (a *RedisAllocator) Recycle(ctx context.Context, chainID uint64, wallet common.Address, nonce uint64) error {
	// Scored by the nonce itself, so the pool always yields lowest first.
	return a.client.ZAdd(ctx, walletKey("recycled", chainID, wallet), &redis.Z{
		Score:  float64(nonce),
		Member: nonce,
	}).Err()
}

func (a *RedisAllocator) SyncFromChain(ctx context.Context, chainID uint64, wallet common.Address) error {
	count, err := a.chain.TransactionCount(ctx, chainID, wallet)
	if err != nil {
		return fmt.Errorf("reading chain nonce for %s: %w", wallet.Hex(), err)
	}
	keys := []string{
		walletKey("counter", chainID, wallet),
		walletKey("recycled", chainID, wallet),
	}
	if err := syncScript.Run(ctx, a.client, keys, count).Err(); err != nil {
		return fmt.Errorf("syncing nonce for %s: %w", wallet.Hex(), err)
	}
	return nil
}

// Reset drops all local state and reseeds the counter from the chain.
func (a *RedisAllocator) Reset(ctx context.Context, chainID uint64, wallet common.Address) error {
	keys := []string{
		walletKey("counter", chainID, wallet),
		walletKey("recycled", chainID, wallet),
		walletKey("inflight", chainID, wallet),
		walletKey("audit", chainID, wallet),
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("resetting nonce state for %s: %w", wallet.Hex(), err)
	}
	return a.ensureSeeded(ctx, chainID, wallet)
}

func (a *RedisAllocator) Inspect(ctx context.Context, chainID uint64, wallet common.Address) (*models.NonceSnapshot, error) {
	next, err := a.client.Get(ctx, walletKey("counter", chainID, wallet)).Uint64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading nonce counter: %w", err)
	}

	recycledRaw, err := a.client.ZRange(ctx, walletKey("recycled", chainID, wallet), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recycled pool: %w", err)
	}
	inflightRaw, err := a.client.SMembers(ctx, walletKey("inflight", chainID, wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading in-flight set: %w", err)
	}

	parse := func(raw string, _ int) uint64 {
		n, _ := strconv.ParseUint(raw, 10, 64)
		return n
	}
	return &models.NonceSnapshot{
		ChainID:  chainID,
		Wallet:   wallet,
		Next:     next,
		Recycled: lo.Map(recycledRaw, parse),
		InFlight: lo.Map(inflightRaw, parse),
	}, nil
}

func (a *RedisAllocator) Audit(ctx context.Context, chainID uint64, wallet common.Address, limit int64) ([]models.NonceAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := a.client.ZRevRange(ctx, walletKey("audit", chainID, wallet), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading nonce audit: %w", err)
	}
	entries := make([]models.NonceAuditEntry, 0, len(raw))
	for _, member := range raw {
		nonceStr, queueID, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		nonce, parseErr := strconv.ParseUint(nonceStr, 10, 64)
		if parseErr != nil {
			continue
		}
		entries = append(entries, models.NonceAuditEntry{Nonce: nonce, QueueID: queueID})
	}
	return entries, nil
}

// PruneAudit trims every wallet's audit map to the retention bound.
func (a *RedisAllocator) PruneAudit(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, "treb:nonce:audit:*", 100).Result()
		if err != nil {
			return fmt.Errorf("scanning audit keys: %w", err)
		}
		for _, key := range keys {
			if err := a.client.ZRemRangeByRank(ctx, key, 0, -(auditRetention + 1)).Err(); err != nil {
				return fmt.Errorf("pruning audit key %s: %w", key, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
