// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/carbontrack/carbontrack/internal/shared"
)

type errorClass struct {
	err    error
	status int
	title  string
}

// Order matters: pending outcomes are checked before the chain class they may wrap.
var errorClasses = []errorClass{
	{shared.ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{shared.ErrNotFound, http.StatusNotFound, "Not Found"},
	{shared.ErrConflict, http.StatusConflict, "Conflict"},
	{shared.ErrInvalidOperation, http.StatusUnprocessableEntity, "Invalid Operation"},
	{shared.ErrPendingConfirmation, http.StatusAccepted, "Pending Confirmation"},
	{shared.ErrReconciliation, http.StatusAccepted, "Reconciliation Pending"},
	{shared.ErrMintConfirmation, http.StatusBadGateway, "Mint Confirmation Failed"},
	{shared.ErrChain, http.StatusBadGateway, "Ledger Error"},
}

// StatusFor returns the HTTP status used for err.
func StatusFor(err error) int {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var fieldErrs *FieldErrors
	if errors.As(err, &fieldErrs) {
		RespondValidation(w, fieldErrs)
		return
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			Problem(w, c.status, c.title, shared.ErrorCode(err), userMessage(err))
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", shared.CodeInternal, "")
}

// userMessage prefers a fixed presentable message when the error carries one.
func userMessage(err error) string {
	var presentable interface{ UserMessage() string }
	if errors.As(err, &presentable) {
		return presentable.UserMessage()
	}
	return err.Error()
}
