package legacy

import (
	"context"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// NoopStore stands in when no legacy database is configured. The sweep sees
// an always-empty backlog.
type NoopStore struct{}

var _ usecase.LegacyStore = (*NoopStore)(nil)

func (NoopStore) ClaimBatch(ctx context.Context, limit int) ([]*models.LegacyTransaction, error) {
	return nil, nil
}

func (NoopStore) MarkCancelled(ctx context.Context, ids []string) error {
	return nil
}
