package minting

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository journals mint attempts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const attemptColumns = `id, batch_id, ledger_batch_number, manufacturer_address, tx_hash, status,
	token_id, block_number, error, created_at, updated_at`

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		a       Attempt
		tokenID *int64
		block   *int64
	)
	err := row.Scan(&a.ID, &a.BatchID, &a.LedgerBatchNumber, &a.Manufacturer, &a.TxHash, &a.Status,
		&tokenID, &block, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attempt{}, ErrAttemptNotFound
		}
		return Attempt{}, err
	}
	if tokenID != nil {
		a.TokenID = uint64(*tokenID)
	}
	if block != nil {
		a.BlockNumber = uint64(*block)
	}
	return a, nil
}

func nullable(v uint64) *int64 {
	if v == 0 {
		return nil
	}
	n := int64(v)
	return &n
}

// Insert stores a new attempt.
func (r *Repository) Insert(ctx context.Context, a Attempt) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO mint_attempts (id, batch_id, ledger_batch_number, manufacturer_address,
		tx_hash, status, token_id, block_number, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.BatchID, a.LedgerBatchNumber, a.Manufacturer, a.TxHash, a.Status,
		nullable(a.TokenID), nullable(a.BlockNumber), a.Error)
	return err
}

// Update moves an attempt to status, recording the token and error when given.
func (r *Repository) Update(ctx context.Context, id string, status AttemptStatus, tokenID, block uint64, errText string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE mint_attempts SET status = $2,
		token_id = COALESCE($3, token_id), block_number = COALESCE($4, block_number),
		error = $5, updated_at = NOW() WHERE id = $1`,
		id, status, nullable(tokenID), nullable(block), errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// Latest returns the newest attempt of a batch.
func (r *Repository) Latest(ctx context.Context, batchID string) (Attempt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM mint_attempts
		WHERE batch_id = $1 ORDER BY created_at DESC LIMIT 1`, batchID)
	return scanAttempt(row)
}

// OpenBatchIDs lists unanchored batches with an open attempt, oldest first.
func (r *Repository) OpenBatchIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.batch_id FROM mint_attempts a
		JOIN product_batches b ON b.id = a.batch_id
		WHERE a.status IN ('submitted', 'confirmed') AND b.token_id IS NULL
		GROUP BY a.batch_id ORDER BY MIN(a.created_at) LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailStale closes submitted attempts older than cutoff that never produced a token.
func (r *Repository) FailStale(ctx context.Context, batchID string, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE mint_attempts SET status = 'failed', error = 'receipt never observed',
		updated_at = NOW() WHERE batch_id = $1 AND status = 'submitted' AND created_at < $2`, batchID, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
