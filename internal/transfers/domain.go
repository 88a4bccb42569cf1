// Package transfers records confirmed token movements and submits new ones.
package transfers

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// Type classifies a movement. It is supplied by the caller, never derived.
type Type string

const (
	TypeManufacturing Type = "manufacturing"
	TypeLogistics     Type = "logistics"
	TypeRetail        Type = "retail"
	TypeConsumer      Type = "consumer"
)

// Valid reports whether t is a known classification.
func (t Type) Valid() bool {
	switch t {
	case TypeManufacturing, TypeLogistics, TypeRetail, TypeConsumer:
		return true
	}
	return false
}

var (
	ErrDuplicateTransfer = fmt.Errorf("%w: transfer already recorded", shared.ErrConflict)
	ErrSelfTransfer      = fmt.Errorf("%w: sender and recipient are the same address", shared.ErrValidation)
)

// Logistics is the off-chain context of a movement.
type Logistics struct {
	FromLocation      string     `json:"from_location,omitempty"`
	ToLocation        string     `json:"to_location,omitempty"`
	TransportMethod   string     `json:"transport_method,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time `json:"actual_delivery,omitempty"`
}

// Transfer is one confirmed movement. Never mutated once stored.
type Transfer struct {
	ID              string          `json:"id"`
	TokenID         uint64          `json:"token_id"`
	BatchID         string          `json:"batch_id,omitempty"`
	From            string          `json:"from_address"`
	To              string          `json:"to_address"`
	Quantity        int64           `json:"quantity"`
	Type            Type            `json:"transfer_type"`
	Reason          string          `json:"transfer_reason"`
	CarbonFootprint decimal.Decimal `json:"carbon_footprint"`
	TxHash          string          `json:"tx_hash"`
	BlockNumber     *uint64         `json:"block_number,omitempty"`
	GasUsed         *uint64         `json:"gas_used,omitempty"`
	Logistics
	CreatedAt time.Time `json:"created_at"`
}

// RecordInput registers a movement already confirmed on the ledger.
type RecordInput struct {
	From            string           `json:"from_address" validate:"required"`
	To              string           `json:"to_address" validate:"required"`
	TokenID         uint64           `json:"token_id" validate:"required"`
	Quantity        int64            `json:"quantity" validate:"gt=0"`
	Type            Type             `json:"transfer_type"`
	Reason          string           `json:"transfer_reason" validate:"max=500"`
	CarbonFootprint *decimal.Decimal `json:"carbon_footprint"`
	TxHash          string           `json:"tx_hash" validate:"required"`
	BlockNumber     *uint64          `json:"block_number"`
	GasUsed         *uint64          `json:"gas_used"`
	Logistics
}

// TransferInput asks for a new movement from the caller's account.
type TransferInput struct {
	From            string           `json:"from_address"`
	To              string           `json:"to_address" validate:"required"`
	TokenID         uint64           `json:"token_id" validate:"required"`
	Quantity        int64            `json:"quantity" validate:"gt=0"`
	Type            Type             `json:"transfer_type"`
	Reason          string           `json:"transfer_reason" validate:"max=500"`
	Metadata        string           `json:"metadata" validate:"max=2000"`
	CarbonFootprint *decimal.Decimal `json:"carbon_footprint"`
	Logistics
}

// PendingTransfer is a submitted movement awaiting its receipt.
type PendingTransfer struct {
	TxHash string        `json:"tx_hash"`
	Input  TransferInput `json:"input"`
}

// OutcomeStatus reports whether a ledger transfer was recorded.
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomePending   OutcomeStatus = "pending"
)

// Outcome is the result of TransferOnLedger.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	TxHash   string        `json:"tx_hash"`
	Transfer *Transfer     `json:"transfer,omitempty"`
}

// Filter narrows listings. Address matches either side.
type Filter struct {
	Address string
	From    string
	To      string
	TokenID uint64
	Limit   int
}
