// Package partners keeps symmetric supplier/customer relationships between companies.
package partners

import (
	"fmt"
	"time"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// Kind is the role the partner plays for the owning company.
type Kind string

const (
	KindSupplier Kind = "supplier"
	KindCustomer Kind = "customer"
)

// Valid reports whether k is known.
func (k Kind) Valid() bool {
	return k == KindSupplier || k == KindCustomer
}

// Inverse returns the kind seen from the other side of the pair.
func (k Kind) Inverse() Kind {
	if k == KindSupplier {
		return KindCustomer
	}
	return KindSupplier
}

// Status marks whether an edge is in use.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is known.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

var (
	ErrSelfPartner     = fmt.Errorf("%w: cannot add yourself as a partner", shared.ErrInvalidOperation)
	ErrPartnerExists   = fmt.Errorf("%w: partner relationship already exists", shared.ErrConflict)
	ErrPartnerNotFound = fmt.Errorf("%w: partner relationship", shared.ErrNotFound)
)

// Partner is one directed edge self -> partner. Edges always exist in pairs.
type Partner struct {
	ID           string    `json:"id"`
	Self         string    `json:"self_address"`
	Address      string    `json:"company_address"`
	Name         string    `json:"company_name,omitempty"`
	ContactEmail string    `json:"contact_email,omitempty"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	Kind         Kind      `json:"relationship"`
	Status       Status    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProposeInput creates a relationship from Self's point of view.
type ProposeInput struct {
	Self         string `json:"self_address"`
	Address      string `json:"company_address" validate:"required"`
	Kind         Kind   `json:"relationship" validate:"required,oneof=supplier customer"`
	Name         string `json:"company_name" validate:"max=200"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email"`
	ContactPhone string `json:"contact_phone" validate:"max=50"`
	Notes        string `json:"notes" validate:"max=1000"`
}

// ListFilter narrows ListPartners. Empty fields match everything.
type ListFilter struct {
	Self   string
	Kind   Kind
	Status Status
}
