package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Store is an in-memory TransactionStore for tests and local development.
// Records are kept as encoded envelopes so decode/encode round-trips get the
// same exercise as against Redis.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte
	order   []string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{records: make(map[string][]byte)}
}

var _ usecase.TransactionStore = (*Store)(nil)

func (s *Store) Set(ctx context.Context, tx models.Transaction) error {
	payload, err := models.EncodeTransaction(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[tx.GetQueueID()]; !exists {
		s.order = append(s.order, tx.GetQueueID())
	}
	s.records[tx.GetQueueID()] = payload
	return nil
}

func (s *Store) Get(ctx context.Context, queueID string) (models.Transaction, error) {
	s.mu.RLock()
	payload, ok := s.records[queueID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return models.DecodeTransaction(payload)
}

func (s *Store) Exists(ctx context.Context, queueID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[queueID]
	return ok, nil
}

func (s *Store) BulkGet(ctx context.Context, queueIDs []string) ([]models.Transaction, error) {
	out := make([]models.Transaction, 0, len(queueIDs))
	for _, id := range queueIDs {
		tx, err := s.Get(ctx, id)
		if err == domain.ErrTransactionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.TransactionStatus, cursor string, limit int) ([]models.Transaction, string, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, "", domain.ErrInvalidInput
		}
		offset = parsed
	}

	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()
	// Newest first, matching the production index ordering.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	var matched []models.Transaction
	skipped := 0
	for _, id := range ids {
		tx, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if tx.GetStatus() != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		matched = append(matched, tx)
		if len(matched) == limit {
			return matched, strconv.Itoa(offset + limit), nil
		}
	}
	return matched, "", nil
}
