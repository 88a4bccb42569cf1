package shared

import "errors"

// Error classes shared by every component. Domain packages wrap these with
// fmt.Errorf("%w: ...") so callers can branch with errors.Is.
var (
	// ErrValidation marks malformed or missing input. Never retried automatically.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks duplicates: batch numbers, partner edges, existing anchors.
	ErrConflict = errors.New("conflict")
	// ErrInvalidOperation marks requests that are well formed but not allowed in the current state.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrChain wraps translated ledger provider failures.
	ErrChain = errors.New("ledger error")
	// ErrMintConfirmation marks a confirmed mint whose receipt lacks the expected event.
	ErrMintConfirmation = errors.New("mint confirmation error")
	// ErrReconciliation marks a mint that exists on-chain but is not yet anchored locally.
	ErrReconciliation = errors.New("reconciliation pending")
	// ErrPendingConfirmation marks a submitted transaction whose receipt has not arrived yet.
	ErrPendingConfirmation = errors.New("pending confirmation")
)

// Stable error codes returned to API callers.
const (
	CodeValidation          = "validation_error"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeInvalidOperation    = "invalid_operation"
	CodeChain               = "chain_error"
	CodeMintConfirmation    = "mint_confirmation_error"
	CodeReconciliation      = "reconciliation_pending"
	CodePendingConfirmation = "pending_confirmation"
	CodeInternal            = "internal_error"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrNotFound, CodeNotFound},
	{ErrConflict, CodeConflict},
	{ErrInvalidOperation, CodeInvalidOperation},
	{ErrMintConfirmation, CodeMintConfirmation},
	{ErrReconciliation, CodeReconciliation},
	{ErrPendingConfirmation, CodePendingConfirmation},
	{ErrChain, CodeChain},
}

// ErrorCode returns the stable code for err, or CodeInternal when err does not
// belong to the taxonomy.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
