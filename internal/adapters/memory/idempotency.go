package memory

import (
	"context"
	"sync"

	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Idempotency is an in-memory IdempotencyStore.
type Idempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewIdempotency creates an empty in-memory idempotency store.
func NewIdempotency() *Idempotency {
	return &Idempotency{keys: make(map[string]string)}
}

var _ usecase.IdempotencyStore = (*Idempotency)(nil)

func (s *Idempotency) Reserve(ctx context.Context, key, queueID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if canonical, ok := s.keys[key]; ok {
		return canonical, false, nil
	}
	s.keys[key] = queueID
	return queueID, true, nil
}

func (s *Idempotency) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}
