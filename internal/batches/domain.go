// Package batches owns production batch records and their token anchors.
package batches

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// Status is the advisory lifecycle state of a batch.
type Status string

const (
	StatusProduction Status = "production"
	StatusCompleted  Status = "completed"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
)

var statusOrder = map[Status]int{
	StatusProduction: 0,
	StatusCompleted:  1,
	StatusShipped:    2,
	StatusDelivered:  3,
}

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanAdvanceTo reports whether next is the same or a later state.
func (s Status) CanAdvanceTo(next Status) bool {
	return statusOrder[next] >= statusOrder[s]
}

var (
	ErrBatchNotFound        = fmt.Errorf("%w: batch", shared.ErrNotFound)
	ErrDuplicateBatchNumber = fmt.Errorf("%w: a batch with this number already exists for your address", shared.ErrConflict)
	ErrAlreadyAnchored      = fmt.Errorf("%w: batch already carries a token anchor", shared.ErrConflict)
	ErrTokenAnchored        = fmt.Errorf("%w: token is anchored to another batch", shared.ErrConflict)
	ErrFinalized            = fmt.Errorf("%w: quantity, carbon footprint, batch number and plant are final once minted", shared.ErrInvalidOperation)
	ErrAnchoredDelete       = fmt.Errorf("%w: minted batches cannot be deleted", shared.ErrInvalidOperation)
	ErrMintInFlight         = fmt.Errorf("%w: batch has a mint awaiting confirmation", shared.ErrInvalidOperation)
	ErrStatusRegression     = fmt.Errorf("%w: batch status only moves forward", shared.ErrInvalidOperation)
)

// Anchor links a batch to its ledger token. Written once.
type Anchor struct {
	TokenID         uint64    `json:"token_id"`
	ContractAddress string    `json:"contract_address"`
	TxHash          string    `json:"tx_hash"`
	BlockNumber     *uint64   `json:"block_number,omitempty"`
	AnchoredAt      time.Time `json:"anchored_at"`
}

// Component is a token consumed to produce the batch.
type Component struct {
	TokenID         uint64          `json:"token_id" validate:"required"`
	TokenName       string          `json:"token_name,omitempty"`
	Quantity        int64           `json:"quantity" validate:"gt=0"`
	CarbonFootprint decimal.Decimal `json:"carbon_footprint"`
	Consumed        bool            `json:"consumed"`
	BurnTxHash      string          `json:"burn_tx_hash,omitempty"`
}

// QualityControl records the inspection outcome of a batch.
type QualityControl struct {
	Passed    bool       `json:"passed"`
	Inspector string     `json:"inspector,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	TestedAt  *time.Time `json:"tested_at,omitempty"`
}

// Batch is one production run of a template. CarbonFootprint is kgCO2e.
type Batch struct {
	ID                  string          `json:"id"`
	BatchNumber         string          `json:"batch_number"`
	TemplateID          string          `json:"template_id"`
	Quantity            int64           `json:"quantity"`
	ProductionDate      time.Time       `json:"production_date"`
	ExpiryDate          *time.Time      `json:"expiry_date,omitempty"`
	CarbonFootprint     decimal.Decimal `json:"carbon_footprint"`
	FootprintOverridden bool            `json:"footprint_overridden"`
	Manufacturer        string          `json:"manufacturer_address"`
	PlantID             string          `json:"plant_id"`
	Status              Status          `json:"status"`
	Components          []Component     `json:"components"`
	QualityControl      *QualityControl `json:"quality_control,omitempty"`
	Anchor              *Anchor         `json:"anchor,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsAnchored reports whether the batch has been minted.
func (b Batch) IsAnchored() bool {
	return b.Anchor != nil
}

// CreateInput carries a new batch.
type CreateInput struct {
	BatchNumber     string           `json:"batch_number" validate:"required,max=100"`
	TemplateID      string           `json:"template_id" validate:"required"`
	Quantity        int64            `json:"quantity" validate:"gte=0"`
	Manufacturer    string           `json:"manufacturer_address"`
	PlantID         string           `json:"plant_id" validate:"required"`
	ProductionDate  time.Time        `json:"production_date"`
	ExpiryDate      *time.Time       `json:"expiry_date"`
	CarbonFootprint *decimal.Decimal `json:"carbon_footprint"`
	Components      []Component      `json:"components" validate:"dive"`
	QualityControl  *QualityControl  `json:"quality_control"`
}

// UpdateInput carries the fields to change. Nil fields are left alone.
type UpdateInput struct {
	BatchNumber     *string          `json:"batch_number" validate:"omitempty,max=100"`
	Quantity        *int64           `json:"quantity" validate:"omitempty,gte=0"`
	CarbonFootprint *decimal.Decimal `json:"carbon_footprint"`
	PlantID         *string          `json:"plant_id"`
	ProductionDate  *time.Time       `json:"production_date"`
	ExpiryDate      *time.Time       `json:"expiry_date"`
	Status          *Status          `json:"status"`
	Components      *[]Component     `json:"components"`
	QualityControl  *QualityControl  `json:"quality_control"`
}

// touchesFinalized reports whether the input changes a field fixed at minting.
func (in UpdateInput) touchesFinalized(b Batch) bool {
	if in.BatchNumber != nil && *in.BatchNumber != b.BatchNumber {
		return true
	}
	if in.Quantity != nil && *in.Quantity != b.Quantity {
		return true
	}
	if in.CarbonFootprint != nil && !in.CarbonFootprint.Equal(b.CarbonFootprint) {
		return true
	}
	if in.PlantID != nil && *in.PlantID != b.PlantID {
		return true
	}
	return false
}

// Filter narrows batch listings.
type Filter struct {
	Manufacturer string
	TemplateID   string
	Status       Status
	Anchored     *bool
	Limit        int
}
