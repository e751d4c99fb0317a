package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// PostgresStore reads abandoned rows out of the previous execution backend's
// transactions table. ClaimBatch uses FOR UPDATE SKIP LOCKED so several
// service instances can sweep concurrently without double-claiming.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the legacy database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening legacy database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &PostgresStore{db: db}, nil
}

var _ usecase.LegacyStore = (*PostgresStore)(nil)

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const claimQuery = `
SELECT id, queue_id, chain_id, from_address, to_address, data, value,
       gas_limit_override, gas_price_override, max_fee_override, max_priority_override,
       timeout_seconds, function_name, idempotency_key,
       nonce, tx_hash, gas_limit, gas_price, max_fee, max_priority,
       sent_at, sent_at_block, status, created_at
FROM transactions
WHERE status IN ('queued', 'sent')
  AND (claimed_at IS NULL OR claimed_at < now() - interval '10 minutes')
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`

// ClaimBatch locks and returns up to limit migratable rows. Rows stay locked
// for the transaction's duration, so callers must MarkCancelled promptly.
func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int) ([]*models.LegacyTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, claimQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("querying legacy rows: %w", err)
	}
	defer rows.Close()

	var out []*models.LegacyTransaction
	for rows.Next() {
		row, scanErr := scanRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating legacy rows: %w", err)
	}

	// Stamp the claim so the rows stop matching the sweep predicate. The
	// stamp expires, so a crashed sweep's rows become claimable again.
	if len(out) > 0 {
		ids := make([]string, len(out))
		for i, row := range out {
			ids[i] = row.ID
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET claimed_at = now() WHERE id = ANY($1)`,
			pq.Array(ids))
		if err != nil {
			return nil, fmt.Errorf("stamping claimed rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return out, nil
}

// MarkCancelled finalizes migrated rows so they never match a sweep again.
func (s *PostgresStore) MarkCancelled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = 'cancelled' WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("marking legacy rows cancelled: %w", err)
	}
	return nil
}

func scanRow(rows *sql.Rows) (*models.LegacyTransaction, error) {
	var (
		row                                    models.LegacyTransaction
		fromHex                                string
		toHex, data, hashHex                   sql.NullString
		value, gasPrice, maxFee, maxPriority   sql.NullString
		gasPriceOvr, maxFeeOvr, maxPriorityOvr sql.NullString
		gasLimitOvr, nonce, gasLimit           sql.NullInt64
		timeoutSeconds, sentAtBlock            sql.NullInt64
		functionName, idemKey                  sql.NullString
		sentAt                                 sql.NullTime
	)
	err := rows.Scan(
		&row.ID, &row.QueueID, &row.ChainID, &fromHex, &toHex, &data, &value,
		&gasLimitOvr, &gasPriceOvr, &maxFeeOvr, &maxPriorityOvr,
		&timeoutSeconds, &functionName, &idemKey,
		&nonce, &hashHex, &gasLimit, &gasPrice, &maxFee, &maxPriority,
		&sentAt, &sentAtBlock, &row.Status, &row.QueuedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning legacy row: %w", err)
	}

	row.From = common.HexToAddress(fromHex)
	if toHex.Valid {
		to := common.HexToAddress(toHex.String)
		row.To = &to
	}
	if data.Valid {
		row.Data = common.FromHex(data.String)
	}
	row.Value = parseBig(value)
	row.GasPriceOverride = parseBig(gasPriceOvr)
	row.MaxFeeOverride = parseBig(maxFeeOvr)
	row.MaxPriorityOverride = parseBig(maxPriorityOvr)
	row.GasPrice = parseBig(gasPrice)
	row.MaxFee = parseBig(maxFee)
	row.MaxPriority = parseBig(maxPriority)

	if gasLimitOvr.Valid {
		v := uint64(gasLimitOvr.Int64)
		row.GasLimitOverride = &v
	}
	if timeoutSeconds.Valid {
		row.TimeoutSeconds = uint64(timeoutSeconds.Int64)
	}
	if functionName.Valid {
		row.FunctionName = functionName.String
	}
	if idemKey.Valid {
		row.IdempotencyKey = idemKey.String
	}
	if nonce.Valid {
		v := uint64(nonce.Int64)
		row.Nonce = &v
	}
	if hashHex.Valid {
		h := common.HexToHash(hashHex.String)
		row.Hash = &h
	}
	if gasLimit.Valid {
		row.GasLimit = uint64(gasLimit.Int64)
	}
	if sentAt.Valid {
		row.SentAt = sentAt.Time
	}
	if sentAtBlock.Valid {
		row.SentAtBlock = uint64(sentAtBlock.Int64)
	}
	return &row, nil
}

func parseBig(v sql.NullString) *big.Int {
	if !v.Valid || v.String == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil
	}
	return n
}
