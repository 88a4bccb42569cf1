package companies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbontrack/carbontrack/internal/platform/db"
)

// Repository persists companies in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const companyColumns = `wallet_address, company_name, company_address, company_type, company_scale,
	zip, website, email, phone, logo, product_templates, created_at, updated_at`

func scanCompany(row pgx.Row) (Company, error) {
	var c Company
	err := row.Scan(&c.WalletAddress, &c.Name, &c.Address, &c.Category, &c.Scale,
		&c.Zip, &c.Website, &c.Email, &c.Phone, &c.Logo, &c.ProductTemplates, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, ErrCompanyNotFound
		}
		return Company{}, err
	}
	if c.ProductTemplates == nil {
		c.ProductTemplates = []string{}
	}
	return c, nil
}

// Insert stores a new company. The primary key rejects a second record per wallet.
func (r *Repository) Insert(ctx context.Context, c Company) (Company, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO companies (wallet_address, company_name, company_address, company_type,
		company_scale, zip, website, email, phone, logo)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+companyColumns,
		c.WalletAddress, c.Name, c.Address, c.Category, c.Scale, c.Zip, c.Website, c.Email, c.Phone, c.Logo)
	created, err := scanCompany(row)
	if err != nil {
		if db.IsUniqueViolation(err, "companies_pkey") {
			return Company{}, ErrCompanyExists
		}
		return Company{}, fmt.Errorf("insert company: %w", err)
	}
	return created, nil
}

// Get loads a company by wallet address.
func (r *Repository) Get(ctx context.Context, address string) (Company, error) {
	return scanCompany(r.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE wallet_address = $1`, address))
}

// Save overwrites the mutable profile fields.
func (r *Repository) Save(ctx context.Context, c Company) (Company, error) {
	row := r.pool.QueryRow(ctx, `UPDATE companies SET company_name = $2, company_address = $3, company_type = $4,
		company_scale = $5, zip = $6, website = $7, email = $8, phone = $9, logo = $10, updated_at = NOW()
		WHERE wallet_address = $1
		RETURNING `+companyColumns,
		c.WalletAddress, c.Name, c.Address, c.Category, c.Scale, c.Zip, c.Website, c.Email, c.Phone, c.Logo)
	return scanCompany(row)
}

// AppendProduct adds productID to the owned templates unless already present.
func (r *Repository) AppendProduct(ctx context.Context, address, productID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE companies
		SET product_templates = array_append(product_templates, $2), updated_at = NOW()
		WHERE wallet_address = $1 AND NOT ($2 = ANY(product_templates))`, address, productID)
	if err != nil {
		return fmt.Errorf("append product: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE wallet_address = $1)`, address).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrCompanyNotFound
	}
	return nil
}

// List returns a page of companies and the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Company, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("company_type = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		where = append(where, fmt.Sprintf("(LOWER(company_name) LIKE $%d OR wallet_address LIKE $%d)", len(args), len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM companies WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM companies WHERE %s ORDER BY company_name LIMIT $%d OFFSET $%d`,
		companyColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// Search matches name or wallet address case-insensitively, skipping excluded wallets.
func (r *Repository) Search(ctx context.Context, excluding []string, term string, limit int) ([]Company, error) {
	if excluding == nil {
		excluding = []string{}
	}
	rows, err := r.pool.Query(ctx, `SELECT `+companyColumns+` FROM companies
		WHERE (LOWER(company_name) LIKE $1 OR wallet_address LIKE $1)
		  AND NOT (wallet_address = ANY($2))
		ORDER BY company_name
		LIMIT $3`, "%"+strings.ToLower(term)+"%", excluding, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
