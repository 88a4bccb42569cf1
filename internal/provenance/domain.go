// Package provenance assembles the bill-of-materials tree behind a token.
package provenance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/shared"
)

const (
	DefaultDepth    = 8
	MaxDepth        = 32
	DefaultMaxNodes = 2000
)

var ErrTokenNotFound = fmt.Errorf("%w: no batch is anchored to this token", shared.ErrNotFound)

// NodeType classifies a node for rendering.
type NodeType string

const (
	TypeProduct     NodeType = "product"
	TypeComponent   NodeType = "component"
	TypeRawMaterial NodeType = "raw-material"
	TypeUnresolved  NodeType = "unresolved"
)

// Truncation explains why a branch stops early.
type Truncation string

const (
	TruncatedCycle Truncation = "cycle"
	TruncatedDepth Truncation = "depth"
	// TruncatedBudget marks a node whose children would exceed the tree's node budget.
	TruncatedBudget Truncation = "budget"
)

// Usage is how much of a component token the parent batch consumed.
type Usage struct {
	TokenName       string          `json:"token_name,omitempty"`
	Quantity        int64           `json:"quantity"`
	CarbonFootprint decimal.Decimal `json:"carbon_footprint"`
	Consumed        bool            `json:"consumed"`
	BurnTxHash      string          `json:"burn_tx_hash,omitempty"`
}

// Node is one batch in the tree with everything needed to render it.
type Node struct {
	Type             NodeType         `json:"type"`
	Name             string           `json:"name"`
	TokenID          uint64           `json:"token_id"`
	BatchID          string           `json:"batch_id,omitempty"`
	BatchNumber      string           `json:"batch_number,omitempty"`
	Manufacturer     string           `json:"manufacturer_address,omitempty"`
	Status           string           `json:"status,omitempty"`
	Quantity         int64            `json:"quantity,omitempty"`
	CarbonFootprint  decimal.Decimal  `json:"carbon_footprint"`
	FootprintPerUnit *decimal.Decimal `json:"carbon_footprint_per_unit,omitempty"`
	Weight           *decimal.Decimal `json:"weight,omitempty"`
	Materials        []string         `json:"materials,omitempty"`
	Description      string           `json:"description,omitempty"`
	IsRawMaterial    bool             `json:"is_raw_material"`
	PlantName        string           `json:"plant_name,omitempty"`
	Location         string           `json:"location,omitempty"`
	ProductionDate   *time.Time       `json:"production_date,omitempty"`
	TxHash           string           `json:"tx_hash,omitempty"`
	Usage            *Usage           `json:"usage,omitempty"`
	Truncated        Truncation       `json:"truncated,omitempty"`
	Children         []Node           `json:"children"`
}

// Walk visits n and its descendants depth first.
func (n Node) Walk(fn func(Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}
