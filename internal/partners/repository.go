package partners

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbontrack/carbontrack/internal/platform/db"
)

// Repository persists partner edges in PostgreSQL. Pair writes run in one
// RepeatableRead transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const partnerColumns = `id, self_address, partner_address, partner_name, contact_email, contact_phone,
	relationship_type, status, notes, created_at, updated_at`

const pairConstraint = "partner_relationships_pair_key"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanPartner(row pgx.Row) (Partner, error) {
	var p Partner
	err := row.Scan(&p.ID, &p.Self, &p.Address, &p.Name, &p.ContactEmail, &p.ContactPhone,
		&p.Kind, &p.Status, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Partner{}, ErrPartnerNotFound
	}
	return p, err
}

func insertEdge(ctx context.Context, q execer, p Partner) error {
	_, err := q.Exec(ctx, `INSERT INTO partner_relationships (id, self_address, partner_address, partner_name,
		contact_email, contact_phone, relationship_type, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Self, p.Address, p.Name, p.ContactEmail, p.ContactPhone, p.Kind, p.Status, p.Notes)
	if db.IsUniqueViolation(err, pairConstraint) {
		return ErrPartnerExists
	}
	return err
}

// InsertPair stores both edges or neither.
func (r *Repository) InsertPair(ctx context.Context, forward, inverse Partner) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertEdge(ctx, tx, forward); err != nil {
			return err
		}
		return insertEdge(ctx, tx, inverse)
	})
	if db.IsSerializationFailure(err) {
		return ErrPartnerExists
	}
	return err
}

// InsertEdge stores a single edge. Used to complete half pairs.
func (r *Repository) InsertEdge(ctx context.Context, p Partner) error {
	return insertEdge(ctx, r.pool, p)
}

// Get loads the edge self -> other.
func (r *Repository) Get(ctx context.Context, self, other string) (Partner, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partner_relationships
		WHERE self_address = $1 AND partner_address = $2`, self, other)
	return scanPartner(row)
}

// List returns edges owned by f.Self, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Partner, error) {
	where := []string{"self_address = $1"}
	args := []any{f.Self}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, fmt.Sprintf("relationship_type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	rows, err := r.pool.Query(ctx, `SELECT `+partnerColumns+` FROM partner_relationships WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Partner, error) {
	defer rows.Close()
	var out []Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePair removes both edges of a pair.
func (r *Repository) DeletePair(ctx context.Context, a, b string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM partner_relationships
			WHERE (self_address = $1 AND partner_address = $2) OR (self_address = $2 AND partner_address = $1)`, a, b)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrPartnerNotFound
		}
		return nil
	})
}

// SetPairStatus updates both edges of a pair.
func (r *Repository) SetPairStatus(ctx context.Context, a, b string, status Status) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE partner_relationships SET status = $3, updated_at = NOW()
			WHERE (self_address = $1 AND partner_address = $2) OR (self_address = $2 AND partner_address = $1)`, a, b, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrPartnerNotFound
		}
		return nil
	})
}

// HalfPairs returns edges whose inverse is missing.
func (r *Repository) HalfPairs(ctx context.Context, limit int) ([]Partner, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.self_address, p.partner_address, p.partner_name, p.contact_email,
		p.contact_phone, p.relationship_type, p.status, p.notes, p.created_at, p.updated_at
		FROM partner_relationships p
		LEFT JOIN partner_relationships q ON q.self_address = p.partner_address AND q.partner_address = p.self_address
		WHERE q.id IS NULL ORDER BY p.created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}
