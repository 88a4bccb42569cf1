// Package catalog holds the product templates and production plants that
// batches reference.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/shared"
)

var (
	ErrTemplateNotFound = fmt.Errorf("%w: product template", shared.ErrNotFound)
	ErrPlantNotFound    = fmt.Errorf("%w: plant", shared.ErrNotFound)
	ErrPlantCodeTaken   = fmt.Errorf("%w: plant code already used by this company", shared.ErrConflict)
	ErrNotOwner         = fmt.Errorf("%w: record belongs to another company", shared.ErrInvalidOperation)
)

// Dimensions are optional physical measurements of one unit.
type Dimensions struct {
	Length decimal.Decimal `json:"length"`
	Width  decimal.Decimal `json:"width"`
	Height decimal.Decimal `json:"height"`
	Unit   string          `json:"unit"`
}

// Specification describes one unit of a product. CarbonFootprintPerUnit is kgCO2e.
type Specification struct {
	Weight                 decimal.Decimal `json:"weight"`
	Dimensions             *Dimensions     `json:"dimensions,omitempty"`
	Materials              []string        `json:"materials"`
	CarbonFootprintPerUnit decimal.Decimal `json:"carbon_footprint_per_unit"`
}

// ProductTemplate is a reusable product specification owned by a manufacturer.
type ProductTemplate struct {
	ID            string        `json:"id"`
	Manufacturer  string        `json:"manufacturer_address"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Category      string        `json:"category,omitempty"`
	Specification Specification `json:"specification"`
	IsRawMaterial bool          `json:"is_raw_material"`
	IsActive      bool          `json:"is_active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CreateTemplateInput carries a new template.
type CreateTemplateInput struct {
	Manufacturer  string        `json:"manufacturer_address"`
	Name          string        `json:"name" validate:"required,max=200"`
	Description   string        `json:"description"`
	Category      string        `json:"category"`
	Specification Specification `json:"specification"`
	IsRawMaterial bool          `json:"is_raw_material"`
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Location is the postal location of a plant.
type Location struct {
	Address     string       `json:"address"`
	City        string       `json:"city"`
	State       string       `json:"state,omitempty"`
	Country     string       `json:"country"`
	PostalCode  string       `json:"postal_code,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Display renders "city, country", skipping empty parts.
func (l Location) Display() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{l.City, l.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Plant is a production site.
type Plant struct {
	ID             string    `json:"id"`
	CompanyAddress string    `json:"company_address"`
	Name           string    `json:"plant_name"`
	Code           string    `json:"plant_code"`
	Description    string    `json:"description,omitempty"`
	Location       Location  `json:"location"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreatePlantInput carries a new plant.
type CreatePlantInput struct {
	CompanyAddress string   `json:"company_address"`
	Name           string   `json:"plant_name" validate:"required,max=200"`
	Code           string   `json:"plant_code" validate:"required,max=50"`
	Description    string   `json:"description"`
	Location       Location `json:"location"`
}
