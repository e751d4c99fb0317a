package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// RecoverConfig tunes the legacy migration sweep.
type RecoverConfig struct {
	BatchSize int
}

// Recover migrates queued and sent rows out of the legacy Postgres store
// into the current store and job queue, marking each claimed row cancelled
// in the legacy store so a second sweep never double-submits.
type Recover struct {
	legacy LegacyStore
	store  TransactionStore
	nonces NonceAllocator
	queue  JobQueue
	cfg    RecoverConfig
	log    *slog.Logger
}

// NewRecover creates a new Recover use case
func NewRecover(legacy LegacyStore, store TransactionStore, nonces NonceAllocator, queue JobQueue, cfg RecoverConfig, log *slog.Logger) *Recover {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Recover{
		legacy: legacy,
		store:  store,
		nonces: nonces,
		queue:  queue,
		cfg:    cfg,
		log:    log,
	}
}

// Run sweeps the legacy store until it is drained, returning how many rows
// were migrated. Rows that fail to convert are logged and skipped rather
// than blocking the sweep; they stay claimable for the next run.
func (uc *Recover) Run(ctx context.Context) (int, error) {
	total := 0
	for {
		rows, err := uc.legacy.ClaimBatch(ctx, uc.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("claiming legacy batch: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		migrated := make([]string, 0, len(rows))
		for _, row := range rows {
			if err := uc.migrate(ctx, row); err != nil {
				uc.log.Error("legacy row migration failed",
					"queueId", row.QueueID, "status", row.Status, "error", err)
				continue
			}
			migrated = append(migrated, row.ID)
			metrics.LegacyMigrated.Inc()
			total++
		}
		if len(migrated) > 0 {
			if err := uc.legacy.MarkCancelled(ctx, migrated); err != nil {
				return total, fmt.Errorf("marking legacy rows cancelled: %w", err)
			}
		}
	}
}

func (uc *Recover) migrate(ctx context.Context, row *models.LegacyTransaction) error {
	// A row already migrated in a crashed earlier sweep is skipped, the
	// legacy mark is all that is still missing.
	exists, err := uc.store.Exists(ctx, row.QueueID)
	if err != nil {
		return fmt.Errorf("checking current store: %w", err)
	}
	if exists {
		return nil
	}

	base := legacyBase(row)
	switch row.Status {
	case models.LegacyStatusQueued:
		if err := uc.store.Set(ctx, &models.QueuedTransaction{TxBase: base}); err != nil {
			return fmt.Errorf("writing queued record: %w", err)
		}
		return uc.queue.EnqueueSend(ctx, models.SendJob{QueueID: row.QueueID}, 0)

	case models.LegacyStatusSent:
		if row.Nonce == nil || row.Hash == nil {
			return fmt.Errorf("sent row missing nonce or hash")
		}
		sent := &models.SentTransaction{
			TxBase:      base,
			Nonce:       *row.Nonce,
			Hashes:      []common.Hash{*row.Hash},
			SentAt:      row.SentAt,
			SentAtBlock: row.SentAtBlock,
			Gas: models.GasFees{
				GasLimit:    row.GasLimit,
				GasPrice:    row.GasPrice,
				MaxFee:      row.MaxFee,
				MaxPriority: row.MaxPriority,
			},
		}
		if err := uc.store.Set(ctx, sent); err != nil {
			return fmt.Errorf("writing sent record: %w", err)
		}
		// The nonce is still live on chain, the allocator must know about
		// it before any fresh acquisition for the same wallet.
		if err := uc.nonces.MarkInFlight(ctx, row.ChainID, row.From, *row.Nonce); err != nil {
			return fmt.Errorf("marking nonce in flight: %w", err)
		}
		return uc.queue.EnqueueMine(ctx, models.MineJob{QueueID: row.QueueID})

	default:
		return fmt.Errorf("unexpected legacy status %q", row.Status)
	}
}

func legacyBase(row *models.LegacyTransaction) models.TxBase {
	queuedAt := row.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}
	return models.TxBase{
		QueueID:             row.QueueID,
		ChainID:             row.ChainID,
		From:                row.From,
		To:                  row.To,
		Data:                row.Data,
		Value:               row.Value,
		GasLimitOverride:    row.GasLimitOverride,
		GasPriceOverride:    row.GasPriceOverride,
		MaxFeeOverride:      row.MaxFeeOverride,
		MaxPriorityOverride: row.MaxPriorityOverride,
		TimeoutSeconds:      row.TimeoutSeconds,
		FunctionName:        row.FunctionName,
		IdempotencyKey:      row.IdempotencyKey,
		QueuedAt:            queuedAt,
	}
}
