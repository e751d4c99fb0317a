package usecase

import (
	"context"
	"fmt"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
)

// Status serves read paths for the API and CLI.
type Status struct {
	store TransactionStore
}

// NewStatus creates a new Status use case
func NewStatus(store TransactionStore) *Status {
	return &Status{store: store}
}

// Get returns a single transaction by queue id.
func (uc *Status) Get(ctx context.Context, queueID string) (models.Transaction, error) {
	return uc.store.Get(ctx, queueID)
}

// ListParams selects a status page.
type ListParams struct {
	Status models.TransactionStatus
	Cursor string
	Limit  int
}

// ListResult is one page plus the cursor for the next.
type ListResult struct {
	Transactions []models.Transaction
	NextCursor   string
}

// List returns a page of transactions in the given status, newest first.
func (uc *Status) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Limit <= 0 || params.Limit > 500 {
		params.Limit = 50
	}
	switch params.Status {
	case models.TransactionStatusQueued, models.TransactionStatusSent,
		models.TransactionStatusMined, models.TransactionStatusConfirmed,
		models.TransactionStatusErrored, models.TransactionStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, params.Status)
	}

	txs, next, err := uc.store.ListByStatus(ctx, params.Status, params.Cursor, params.Limit)
	if err != nil {
		return nil, err
	}
	return &ListResult{Transactions: txs, NextCursor: next}, nil
}
