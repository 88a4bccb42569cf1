// Package minting mints batches on the ledger and folds the result back into
// the batch record. Every submission is journaled so a crash between mint and
// anchor can be reconciled without minting twice.
package minting

import (
	"errors"
	"fmt"
	"time"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// AttemptStatus tracks a journaled mint submission.
type AttemptStatus string

const (
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptAnchored  AttemptStatus = "anchored"
	AttemptFailed    AttemptStatus = "failed"
)

// Open reports whether the attempt may still produce a token.
func (s AttemptStatus) Open() bool {
	return s == AttemptSubmitted || s == AttemptConfirmed
}

// Attempt is one mintBatch submission.
type Attempt struct {
	ID                string
	BatchID           string
	LedgerBatchNumber uint64
	Manufacturer      string
	TxHash            string
	Status            AttemptStatus
	TokenID           uint64
	BlockNumber       uint64
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OutcomeStatus summarises a mint or reconcile call.
type OutcomeStatus string

const (
	OutcomeAnchored  OutcomeStatus = "anchored"
	OutcomePending   OutcomeStatus = "pending"
	OutcomeNotMinted OutcomeStatus = "not_minted"
)

// Outcome is returned by MintAndAnchor and Reconcile, also alongside pending errors.
type Outcome struct {
	BatchID     string         `json:"batch_id"`
	Status      OutcomeStatus  `json:"status"`
	TokenID     uint64         `json:"token_id,omitempty"`
	TxHash      string         `json:"tx_hash,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	Batch       *batches.Batch `json:"batch,omitempty"`
}

// SweepReport counts what one ReconcilePending pass did.
type SweepReport struct {
	Checked   int `json:"checked"`
	Anchored  int `json:"anchored"`
	Pending   int `json:"pending"`
	NotMinted int `json:"not_minted"`
	Failed    int `json:"failed"`
}

var (
	ErrBatchMinted      = fmt.Errorf("%w: batch already minted", shared.ErrInvalidOperation)
	ErrInvalidQuantity  = fmt.Errorf("%w: batch quantity must be greater than 0", shared.ErrValidation)
	ErrMissingMintEvent = fmt.Errorf("%w: receipt carries no BatchMinted event for the batch", shared.ErrMintConfirmation)
	ErrMintReverted     = fmt.Errorf("%w: mint transaction reverted", shared.ErrChain)
	ErrAttemptNotFound  = fmt.Errorf("%w: mint attempt", shared.ErrNotFound)
	ErrLedgerMismatch   = fmt.Errorf("%w: ledger token does not describe this batch", shared.ErrConflict)
)

// ReconciliationError reports a token that exists on the ledger but could not
// be anchored locally. It is retried by the reconcile task.
type ReconciliationError struct {
	BatchID      string
	BatchNumber  string
	Manufacturer string
	TxHash       string
	TokenID      uint64
	Err          error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile batch %s (%s, %s): token %d from %s not anchored: %v",
		e.BatchID, e.BatchNumber, e.Manufacturer, e.TokenID, e.TxHash, e.Err)
}

// Unwrap places the error in the reconciliation class only; the cause is kept
// in Err so a storage conflict is not reported as a client conflict.
func (e *ReconciliationError) Unwrap() error { return shared.ErrReconciliation }

// Permanent reports whether retrying cannot help: the token is claimed by
// another batch or describes different data.
func (e *ReconciliationError) Permanent() bool { return errors.Is(e.Err, shared.ErrConflict) }
