package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carbontrack/carbontrack/internal/platform/db"
)

// Repository persists templates and plants in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const templateColumns = `id, manufacturer_address, name, description, category, weight, dimensions, materials,
	carbon_footprint_per_unit, is_raw_material, is_active, created_at, updated_at`

func scanTemplate(row pgx.Row) (ProductTemplate, error) {
	var (
		t    ProductTemplate
		dims []byte
	)
	err := row.Scan(&t.ID, &t.Manufacturer, &t.Name, &t.Description, &t.Category, &t.Specification.Weight,
		&dims, &t.Specification.Materials, &t.Specification.CarbonFootprintPerUnit,
		&t.IsRawMaterial, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductTemplate{}, ErrTemplateNotFound
		}
		return ProductTemplate{}, err
	}
	if len(dims) > 0 && string(dims) != "null" {
		var d Dimensions
		if err := json.Unmarshal(dims, &d); err != nil {
			return ProductTemplate{}, fmt.Errorf("decode dimensions: %w", err)
		}
		t.Specification.Dimensions = &d
	}
	return t, nil
}

// InsertTemplate stores a template.
func (r *Repository) InsertTemplate(ctx context.Context, t ProductTemplate) (ProductTemplate, error) {
	var dims []byte
	if t.Specification.Dimensions != nil {
		var err error
		if dims, err = json.Marshal(t.Specification.Dimensions); err != nil {
			return ProductTemplate{}, err
		}
	}
	materials := t.Specification.Materials
	if materials == nil {
		materials = []string{}
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO product_templates (id, manufacturer_address, name, description, category,
		weight, dimensions, materials, carbon_footprint_per_unit, is_raw_material, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)
		RETURNING `+templateColumns,
		t.ID, t.Manufacturer, t.Name, t.Description, t.Category, t.Specification.Weight, dims, materials,
		t.Specification.CarbonFootprintPerUnit, t.IsRawMaterial)
	return scanTemplate(row)
}

// GetTemplate loads a template by id.
func (r *Repository) GetTemplate(ctx context.Context, id string) (ProductTemplate, error) {
	return scanTemplate(r.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM product_templates WHERE id = $1`, id))
}

// ListTemplates returns templates of a manufacturer, newest first.
func (r *Repository) ListTemplates(ctx context.Context, manufacturer string, activeOnly bool) ([]ProductTemplate, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+templateColumns+` FROM product_templates
		WHERE ($1 = '' OR manufacturer_address = $1) AND (NOT $2 OR is_active)
		ORDER BY created_at DESC`, manufacturer, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProductTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTemplateActive toggles the active flag.
func (r *Repository) SetTemplateActive(ctx context.Context, id string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE product_templates SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

const plantColumns = `id, company_address, plant_name, plant_code, description, street_address, city, state,
	country, postal_code, latitude, longitude, is_active, created_at, updated_at`

func scanPlant(row pgx.Row) (Plant, error) {
	var (
		p        Plant
		lat, lng *float64
	)
	err := row.Scan(&p.ID, &p.CompanyAddress, &p.Name, &p.Code, &p.Description, &p.Location.Address,
		&p.Location.City, &p.Location.State, &p.Location.Country, &p.Location.PostalCode, &lat, &lng,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plant{}, ErrPlantNotFound
		}
		return Plant{}, err
	}
	if lat != nil && lng != nil {
		p.Location.Coordinates = &Coordinates{Lat: *lat, Lng: *lng}
	}
	return p, nil
}

// InsertPlant stores a plant. Plant codes are unique per company.
func (r *Repository) InsertPlant(ctx context.Context, p Plant) (Plant, error) {
	var lat, lng *float64
	if c := p.Location.Coordinates; c != nil {
		lat, lng = &c.Lat, &c.Lng
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO plants (id, company_address, plant_name, plant_code, description,
		street_address, city, state, country, postal_code, latitude, longitude, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,TRUE)
		RETURNING `+plantColumns,
		p.ID, p.CompanyAddress, p.Name, p.Code, p.Description, p.Location.Address, p.Location.City,
		p.Location.State, p.Location.Country, p.Location.PostalCode, lat, lng)
	created, err := scanPlant(row)
	if err != nil {
		if db.IsUniqueViolation(err, "plants_company_code_key") {
			return Plant{}, ErrPlantCodeTaken
		}
		return Plant{}, err
	}
	return created, nil
}

// GetPlant loads a plant by id.
func (r *Repository) GetPlant(ctx context.Context, id string) (Plant, error) {
	return scanPlant(r.pool.QueryRow(ctx, `SELECT `+plantColumns+` FROM plants WHERE id = $1`, id))
}

// ListPlants returns the plants of a company.
func (r *Repository) ListPlants(ctx context.Context, company string) ([]Plant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+plantColumns+` FROM plants
		WHERE ($1 = '' OR company_address = $1) ORDER BY plant_name`, company)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Plant
	for rows.Next() {
		p, err := scanPlant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
