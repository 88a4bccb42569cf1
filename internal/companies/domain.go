package companies

import (
	"errors"
	"fmt"
	"time"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// Category classifies a company's role in the supply chain.
type Category string

const (
	CategoryManufacturer Category = "Manufacturer"
	CategoryRetailer     Category = "Retailer"
	CategoryLogistics    Category = "Logistics"
)

// Valid reports whether the category is known.
func (c Category) Valid() bool {
	switch c {
	case CategoryManufacturer, CategoryRetailer, CategoryLogistics:
		return true
	}
	return false
}

var (
	ErrCompanyExists   = fmt.Errorf("%w: a company is already registered for this wallet", shared.ErrConflict)
	ErrCompanyNotFound = fmt.Errorf("%w: company not registered", shared.ErrNotFound)
	ErrInvalidCategory = errors.New("company type must be Manufacturer, Retailer or Logistics")
)

// Company is an identity record keyed by normalised wallet address.
type Company struct {
	WalletAddress    string    `json:"wallet_address"`
	Name             string    `json:"company_name"`
	Address          string    `json:"company_address"`
	Category         Category  `json:"company_type"`
	Scale            string    `json:"company_scale,omitempty"`
	Zip              string    `json:"zip,omitempty"`
	Website          string    `json:"website,omitempty"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	Logo             string    `json:"logo,omitempty"`
	ProductTemplates []string  `json:"product_templates"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsManufacturer reports whether the company may register templates and batches.
func (c Company) IsManufacturer() bool {
	return c.Category == CategoryManufacturer
}

// RegisterInput carries a new company profile.
type RegisterInput struct {
	WalletAddress string   `json:"wallet_address"`
	Name          string   `json:"company_name" validate:"required,max=200"`
	Address       string   `json:"company_address" validate:"max=500"`
	Category      Category `json:"company_type" validate:"required"`
	Scale         string   `json:"company_scale"`
	Zip           string   `json:"zip"`
	Website       string   `json:"website" validate:"omitempty,url"`
	Email         string   `json:"email" validate:"omitempty,email"`
	Phone         string   `json:"phone"`
	Logo          string   `json:"logo"`
}

// UpdateInput carries the profile fields to change. Nil fields are left alone.
type UpdateInput struct {
	Name     *string   `json:"company_name" validate:"omitempty,max=200"`
	Address  *string   `json:"company_address" validate:"omitempty,max=500"`
	Category *Category `json:"company_type"`
	Scale    *string   `json:"company_scale"`
	Zip      *string   `json:"zip"`
	Website  *string   `json:"website" validate:"omitempty,url"`
	Email    *string   `json:"email" validate:"omitempty,email"`
	Phone    *string   `json:"phone"`
	Logo     *string   `json:"logo"`
}

// Apply copies the set fields onto c.
func (in UpdateInput) Apply(c *Company) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.Name, in.Name)
	set(&c.Address, in.Address)
	set(&c.Scale, in.Scale)
	set(&c.Zip, in.Zip)
	set(&c.Website, in.Website)
	set(&c.Email, in.Email)
	set(&c.Phone, in.Phone)
	set(&c.Logo, in.Logo)
	if in.Category != nil {
		c.Category = *in.Category
	}
}

// ListFilter narrows company listings.
type ListFilter struct {
	Category Category
	Search   string
	Page     int
	PerPage  int
}
