package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/samber/lo"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

const (
	txKeyPrefix    = "treb:tx:"
	statusIndexKey = "treb:txs:"

	// Records expire after the retention window; the status indexes are
	// pruned lazily when a listed member's record is gone.
	recordTTL = 48 * time.Hour
)

// RedisStore persists transaction records in Redis, one JSON envelope per
// queue id plus a per-status sorted-set index scored by write time.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed transaction store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ usecase.TransactionStore = (*RedisStore)(nil)

func txKey(queueID string) string {
	return txKeyPrefix + queueID
}

func indexKey(status models.TransactionStatus) string {
	return statusIndexKey + string(status)
}

// Set overwrites the record and moves it between status indexes. Last writer
// wins; every write refreshes the TTL.
func (s *RedisStore) Set(ctx context.Context, tx models.Transaction) error {
	payload, err := models.EncodeTransaction(tx)
	if err != nil {
		return fmt.Errorf("encoding transaction %s: %w", tx.GetQueueID(), err)
	}

	// The previous status decides which index to drop the id from.
	prev, err := s.Get(ctx, tx.GetQueueID())
	if err != nil && err != domain.ErrTransactionNotFound {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, txKey(tx.GetQueueID()), payload, recordTTL)
		if prev != nil && prev.GetStatus() != tx.GetStatus() {
			pipe.ZRem(ctx, indexKey(prev.GetStatus()), tx.GetQueueID())
		}
		pipe.ZAdd(ctx, indexKey(tx.GetStatus()), &redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: tx.GetQueueID(),
		})
		pipe.Expire(ctx, indexKey(tx.GetStatus()), recordTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing transaction %s: %w", tx.GetQueueID(), err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, queueID string) (models.Transaction, error) {
	raw, err := s.client.Get(ctx, txKey(queueID)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading transaction %s: %w", queueID, err)
	}
	return models.DecodeTransaction(raw)
}

func (s *RedisStore) Exists(ctx context.Context, queueID string) (bool, error) {
	n, err := s.client.Exists(ctx, txKey(queueID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking transaction %s: %w", queueID, err)
	}
	return n > 0, nil
}

// BulkGet fetches many records in one round trip, skipping missing ids.
func (s *RedisStore) BulkGet(ctx context.Context, queueIDs []string) ([]models.Transaction, error) {
	if len(queueIDs) == 0 {
		return nil, nil
	}
	keys := lo.Map(queueIDs, func(id string, _ int) string { return txKey(id) })
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("bulk reading transactions: %w", err)
	}

	txs := make([]models.Transaction, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // expired or never written
		}
		tx, decErr := models.DecodeTransaction([]byte(str))
		if decErr != nil {
			return nil, fmt.Errorf("decoding transaction %s: %w", queueIDs[i], decErr)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// ListByStatus pages through a status index newest first. The cursor is the
// offset into the index; expired members are pruned as they are discovered.
func (s *RedisStore) ListByStatus(ctx context.Context, status models.TransactionStatus, cursor string, limit int) ([]models.Transaction, string, error) {
	offset := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || parsed < 0 {
			return nil, "", fmt.Errorf("%w: bad cursor %q", domain.ErrInvalidInput, cursor)
		}
		offset = parsed
	}

	ids, err := s.client.ZRevRange(ctx, indexKey(status), offset, offset+int64(limit)-1).Result()
	if err != nil {
		return nil, "", fmt.Errorf("listing %s transactions: %w", status, err)
	}
	if len(ids) == 0 {
		return nil, "", nil
	}

	txs, err := s.BulkGet(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	// Index members whose record has expired get dropped from the index.
	if len(txs) < len(ids) {
		live := lo.SliceToMap(txs, func(tx models.Transaction) (string, struct{}) {
			return tx.GetQueueID(), struct{}{}
		})
		stale := lo.Filter(ids, func(id string, _ int) bool {
			_, ok := live[id]
			return !ok
		})
		if len(stale) > 0 {
			members := lo.Map(stale, func(id string, _ int) interface{} { return interface{}(id) })
			s.client.ZRem(ctx, indexKey(status), members...)
		}
	}

	next := ""
	if len(ids) == limit {
		next = strconv.FormatInt(offset+int64(limit), 10)
	}
	return txs, next, nil
}
