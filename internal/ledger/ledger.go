// Package ledger defines the token contract surface the service consumes.
//
// Sessions are opened explicitly per caller through a Provider; there is no
// process-wide signer. Adapters live in the evm and simulated subpackages.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// ErrNoSigner is returned when a session is requested for an account the
// provider cannot sign for.
var ErrNoSigner = fmt.Errorf("%w: no signing key for caller", shared.ErrInvalidOperation)

// ErrNetworkMismatch is returned when the backend serves another chain.
var ErrNetworkMismatch = fmt.Errorf("%w: connected to the wrong network", shared.ErrChain)

// MintRequest is the argument list of mintBatch. CarbonFootprint is whole kgCO2e.
type MintRequest struct {
	BatchNumber     uint64
	TemplateID      string
	Quantity        uint64
	ProductionDate  time.Time
	ExpiryDate      time.Time
	CarbonFootprint uint64
	PlantID         string
	MetadataURI     string
	Data            []byte
	GasLimit        uint64
}

// TransferRequest is the argument list of transferToPartner.
type TransferRequest struct {
	To       string
	TokenID  uint64
	Quantity uint64
	Reason   string
	Metadata string
	GasLimit uint64
}

// PendingTx is a submitted, not yet confirmed, transaction.
type PendingTx struct {
	Hash     string
	From     string
	GasLimit uint64
}

// MintEvent is a decoded BatchMinted log.
type MintEvent struct {
	TokenID      uint64
	Manufacturer string
	BatchNumber  uint64
	TxHash       string
	BlockNumber  uint64
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Succeeded   bool
	MintEvents  []MintEvent
}

// MintEventFor returns the BatchMinted event for batchNumber, if present.
func (r Receipt) MintEventFor(batchNumber uint64) (MintEvent, bool) {
	for _, ev := range r.MintEvents {
		if ev.BatchNumber == batchNumber {
			return ev, true
		}
	}
	return MintEvent{}, false
}

// BatchInfo mirrors getBatchInfo.
type BatchInfo struct {
	TokenID         uint64    `json:"token_id"`
	BatchNumber     uint64    `json:"batch_number"`
	Manufacturer    string    `json:"manufacturer"`
	TemplateID      string    `json:"template_id"`
	Quantity        uint64    `json:"quantity"`
	ProductionDate  time.Time `json:"production_date"`
	ExpiryDate      time.Time `json:"expiry_date"`
	CarbonFootprint uint64    `json:"carbon_footprint"`
	PlantID         string    `json:"plant_id"`
	MetadataURI     string    `json:"metadata_uri"`
	IsActive        bool      `json:"is_active"`
}

// Reader covers the view functions of the contract.
type Reader interface {
	BatchInfo(ctx context.Context, tokenID uint64) (BatchInfo, error)
	BalanceOf(ctx context.Context, owner string, tokenID uint64) (uint64, error)
	// CurrentTokenID is the exclusive upper bound of assigned token ids.
	CurrentTokenID(ctx context.Context) (uint64, error)
	// TokenIDByBatch returns 0 when no token exists for the pair.
	TokenIDByBatch(ctx context.Context, batchNumber uint64, manufacturer string) (uint64, error)
	// FindMintEvent locates the BatchMinted log of tokenID.
	FindMintEvent(ctx context.Context, tokenID uint64) (MintEvent, error)
}

// Ledger is a session bound to one signing account.
type Ledger interface {
	Reader
	Caller() string
	EstimateMint(ctx context.Context, req MintRequest) (uint64, error)
	Mint(ctx context.Context, req MintRequest) (PendingTx, error)
	EstimateTransfer(ctx context.Context, req TransferRequest) (uint64, error)
	Transfer(ctx context.Context, req TransferRequest) (PendingTx, error)
	// WaitReceipt blocks until txHash is mined or ctx is done.
	WaitReceipt(ctx context.Context, txHash string) (Receipt, error)
}

// Provider opens ledger sessions.
type Provider interface {
	Open(ctx context.Context, caller string) (Ledger, error)
	Reader() Reader
	ChainID() uint64
	ContractAddress() string
}
