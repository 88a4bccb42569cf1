package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/shared"
)

type presentableErr struct{}

func (presentableErr) Error() string       { return "raw provider text" }
func (presentableErr) UserMessage() string { return "Transaction was rejected by user." }
func (presentableErr) Unwrap() error       { return shared.ErrChain }

func TestRespondErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: qty", shared.ErrValidation), http.StatusBadRequest, shared.CodeValidation},
		{fmt.Errorf("%w: batch", shared.ErrNotFound), http.StatusNotFound, shared.CodeNotFound},
		{fmt.Errorf("%w: dup", shared.ErrConflict), http.StatusConflict, shared.CodeConflict},
		{fmt.Errorf("%w: anchored", shared.ErrInvalidOperation), http.StatusUnprocessableEntity, shared.CodeInvalidOperation},
		{fmt.Errorf("%w: tx 0x1", shared.ErrPendingConfirmation), http.StatusAccepted, shared.CodePendingConfirmation},
		{presentableErr{}, http.StatusBadGateway, shared.CodeChain},
		{fmt.Errorf("boom"), http.StatusInternalServerError, shared.CodeInternal},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Equal(t, tc.code, body.Code)
	}
}

func TestRespondErrorUsesUserMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, presentableErr{})

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "Transaction was rejected by user.", body.Detail)
}

func TestValidateCollectsFields(t *testing.T) {
	type req struct {
		Name string `json:"name" validate:"required"`
		Qty  int64  `json:"qty" validate:"gt=0"`
	}
	err := Validate(validator.New(), &req{})
	require.ErrorIs(t, err, shared.ErrValidation)

	rr := httptest.NewRecorder()
	RespondError(rr, err)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "required", body.Fields["Name"])
	require.Equal(t, "gt=0", body.Fields["Qty"])
}
