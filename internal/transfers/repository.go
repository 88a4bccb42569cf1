package transfers

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbontrack/carbontrack/internal/platform/db"
)

// Repository persists transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const transferColumns = `id, token_id, COALESCE(batch_id::text, ''), from_address, to_address, quantity, transfer_type,
	transfer_reason, carbon_footprint, tx_hash, block_number, gas_used, from_location, to_location,
	transport_method, estimated_delivery, actual_delivery, created_at`

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t     Transfer
		block *int64
		gas   *int64
	)
	err := row.Scan(&t.ID, &t.TokenID, &t.BatchID, &t.From, &t.To, &t.Quantity, &t.Type, &t.Reason,
		&t.CarbonFootprint, &t.TxHash, &block, &gas, &t.FromLocation, &t.ToLocation, &t.TransportMethod,
		&t.EstimatedDelivery, &t.ActualDelivery, &t.CreatedAt)
	if err != nil {
		return Transfer{}, err
	}
	if block != nil {
		v := uint64(*block)
		t.BlockNumber = &v
	}
	if gas != nil {
		v := uint64(*gas)
		t.GasUsed = &v
	}
	return t, nil
}

// Insert appends a transfer.
func (r *Repository) Insert(ctx context.Context, t Transfer) (Transfer, error) {
	var batchID *string
	if t.BatchID != "" {
		batchID = &t.BatchID
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO token_transfers (id, token_id, batch_id, from_address, to_address,
		quantity, transfer_type, transfer_reason, carbon_footprint, tx_hash, block_number, gas_used,
		from_location, to_location, transport_method, estimated_delivery, actual_delivery)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING `+transferColumns,
		t.ID, t.TokenID, batchID, t.From, t.To, t.Quantity, t.Type, t.Reason, t.CarbonFootprint, t.TxHash,
		t.BlockNumber, t.GasUsed, t.FromLocation, t.ToLocation, t.TransportMethod, t.EstimatedDelivery, t.ActualDelivery)
	stored, err := scanTransfer(row)
	if err != nil {
		if db.IsUniqueViolation(err, "token_transfers_tx_key") {
			return Transfer{}, ErrDuplicateTransfer
		}
		return Transfer{}, err
	}
	return stored, nil
}

// List returns matching transfers, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Transfer, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Address != "" {
		args = append(args, f.Address)
		where = append(where, fmt.Sprintf("(from_address = $%[1]d OR to_address = $%[1]d)", len(args)))
	}
	if f.From != "" {
		add("from_address = $%d", f.From)
	}
	if f.To != "" {
		add("to_address = $%d", f.To)
	}
	if f.TokenID > 0 {
		add("token_id = $%d", f.TokenID)
	}
	query := `SELECT ` + transferColumns + ` FROM token_transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
