package batches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbontrack/carbontrack/internal/platform/db"
)

// Repository persists batches in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const batchColumns = `id, batch_number, template_id, quantity, production_date, expiry_date, carbon_footprint,
	footprint_overridden, manufacturer_address, plant_id, status, components, quality_control,
	token_id, contract_address, tx_hash, block_number, anchored_at, created_at, updated_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		b          Batch
		components []byte
		qc         []byte
		tokenID    *int64
		contract   *string
		txHash     *string
		block      *int64
		anchoredAt *time.Time
	)
	err := row.Scan(&b.ID, &b.BatchNumber, &b.TemplateID, &b.Quantity, &b.ProductionDate, &b.ExpiryDate,
		&b.CarbonFootprint, &b.FootprintOverridden, &b.Manufacturer, &b.PlantID, &b.Status, &components, &qc,
		&tokenID, &contract, &txHash, &block, &anchoredAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &b.Components); err != nil {
			return Batch{}, fmt.Errorf("decode components: %w", err)
		}
	}
	if b.Components == nil {
		b.Components = []Component{}
	}
	if len(qc) > 0 && string(qc) != "null" {
		b.QualityControl = new(QualityControl)
		if err := json.Unmarshal(qc, b.QualityControl); err != nil {
			return Batch{}, fmt.Errorf("decode quality control: %w", err)
		}
	}
	if tokenID != nil {
		b.Anchor = &Anchor{TokenID: uint64(*tokenID)}
		if contract != nil {
			b.Anchor.ContractAddress = *contract
		}
		if txHash != nil {
			b.Anchor.TxHash = *txHash
		}
		if block != nil {
			n := uint64(*block)
			b.Anchor.BlockNumber = &n
		}
		if anchoredAt != nil {
			b.Anchor.AnchoredAt = *anchoredAt
		}
	}
	return b, nil
}

func encodeDetails(b Batch) (components, qc []byte, err error) {
	list := b.Components
	if list == nil {
		list = []Component{}
	}
	if components, err = json.Marshal(list); err != nil {
		return nil, nil, err
	}
	if b.QualityControl != nil {
		if qc, err = json.Marshal(b.QualityControl); err != nil {
			return nil, nil, err
		}
	}
	return components, qc, nil
}

// Insert stores a new batch. The (manufacturer, batch number) unique index rejects duplicates.
func (r *Repository) Insert(ctx context.Context, b Batch) (Batch, error) {
	components, qc, err := encodeDetails(b)
	if err != nil {
		return Batch{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO product_batches (id, batch_number, template_id, quantity,
		production_date, expiry_date, carbon_footprint, footprint_overridden, manufacturer_address, plant_id,
		status, components, quality_control)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING `+batchColumns,
		b.ID, b.BatchNumber, b.TemplateID, b.Quantity, b.ProductionDate, b.ExpiryDate, b.CarbonFootprint,
		b.FootprintOverridden, b.Manufacturer, b.PlantID, b.Status, components, qc)
	created, err := scanBatch(row)
	if err != nil {
		if db.IsUniqueViolation(err, "product_batches_manufacturer_number_key") {
			return Batch{}, ErrDuplicateBatchNumber
		}
		return Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return created, nil
}

// Get loads a batch by id.
func (r *Repository) Get(ctx context.Context, id string) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches WHERE id = $1`, id))
}

// GetByTokenID loads the batch anchored to tokenID.
func (r *Repository) GetByTokenID(ctx context.Context, tokenID uint64) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches WHERE token_id = $1`, int64(tokenID)))
}

// GetByNumber loads a batch by manufacturer and batch number.
func (r *Repository) GetByNumber(ctx context.Context, manufacturer, number string) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM product_batches
		WHERE manufacturer_address = $1 AND batch_number = $2`, manufacturer, number))
}

// Update writes mutable fields. Once a token anchor exists, or while a mint
// attempt is open, the finalized columns must match the stored values or no
// row is touched.
func (r *Repository) Update(ctx context.Context, b Batch) (Batch, error) {
	components, qc, err := encodeDetails(b)
	if err != nil {
		return Batch{}, err
	}
	row := r.pool.QueryRow(ctx, `UPDATE product_batches SET batch_number = $2, quantity = $3, carbon_footprint = $4,
		footprint_overridden = $5, plant_id = $6, production_date = $7, expiry_date = $8, status = $9,
		components = $10, quality_control = $11, updated_at = NOW()
		WHERE id = $1
		  AND ((batch_number = $2 AND quantity = $3 AND carbon_footprint = $4 AND plant_id = $6)
		    OR (token_id IS NULL AND NOT EXISTS (SELECT 1 FROM mint_attempts
		        WHERE batch_id = $1 AND status IN ('submitted', 'confirmed'))))
		RETURNING `+batchColumns,
		b.ID, b.BatchNumber, b.Quantity, b.CarbonFootprint, b.FootprintOverridden, b.PlantID, b.ProductionDate,
		b.ExpiryDate, b.Status, components, qc)
	updated, err := scanBatch(row)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, ErrBatchNotFound):
		cur, getErr := r.Get(ctx, b.ID)
		switch {
		case getErr != nil:
			return Batch{}, ErrBatchNotFound
		case cur.IsAnchored():
			return Batch{}, ErrFinalized
		default:
			return Batch{}, ErrMintInFlight
		}
	case db.IsUniqueViolation(err, "product_batches_manufacturer_number_key"):
		return Batch{}, ErrDuplicateBatchNumber
	default:
		return Batch{}, fmt.Errorf("update batch: %w", err)
	}
}

// Delete removes an unanchored batch with no mint awaiting confirmation.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM product_batches
		WHERE id = $1 AND token_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM mint_attempts WHERE batch_id = $1 AND status IN ('submitted', 'confirmed'))`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	b, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.IsAnchored() {
		return ErrAnchoredDelete
	}
	return ErrMintInFlight
}

// HasOpenAttempt reports whether a mint of the batch is submitted or confirmed
// but not yet anchored.
func (r *Repository) HasOpenAttempt(ctx context.Context, batchID string) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mint_attempts
		WHERE batch_id = $1 AND status IN ('submitted', 'confirmed'))`, batchID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check mint attempts: %w", err)
	}
	return open, nil
}

// AttachAnchor sets the token anchor if none exists yet.
func (r *Repository) AttachAnchor(ctx context.Context, id string, a Anchor) (Batch, error) {
	var block *int64
	if a.BlockNumber != nil {
		n := int64(*a.BlockNumber)
		block = &n
	}
	row := r.pool.QueryRow(ctx, `UPDATE product_batches
		SET token_id = $2, contract_address = $3, tx_hash = $4, block_number = $5, anchored_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND token_id IS NULL
		RETURNING `+batchColumns, id, int64(a.TokenID), a.ContractAddress, a.TxHash, block)
	anchored, err := scanBatch(row)
	switch {
	case err == nil:
		return anchored, nil
	case errors.Is(err, ErrBatchNotFound):
		if _, getErr := r.Get(ctx, id); getErr == nil {
			return Batch{}, ErrAlreadyAnchored
		}
		return Batch{}, ErrBatchNotFound
	case db.IsUniqueViolation(err, "product_batches_token_id_key"):
		return Batch{}, ErrTokenAnchored
	default:
		return Batch{}, fmt.Errorf("attach anchor: %w", err)
	}
}

// List returns batches matching filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Batch, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Manufacturer != "" {
		add("manufacturer_address = $%d", f.Manufacturer)
	}
	if f.TemplateID != "" {
		add("template_id = $%d", f.TemplateID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Anchored != nil {
		if *f.Anchored {
			where = append(where, "token_id IS NOT NULL")
		} else {
			where = append(where, "token_id IS NULL")
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM product_batches WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		batchColumns, strings.Join(where, " AND "), len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
