package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/ledger/simulated"
)

const maker = "0x1111111111111111111111111111111111111111"

func TestHandlerReadsContractViews(t *testing.T) {
	chain := simulated.New(simulated.Options{ChainID: 43113, ContractAddress: "0xC0FFEE0000000000000000000000000000000000"})
	ctx := context.Background()
	l, err := chain.Open(ctx, maker)
	require.NoError(t, err)
	tx, err := l.Mint(ctx, ledger.MintRequest{BatchNumber: 42, TemplateID: "tpl", Quantity: 100, CarbonFootprint: 250, PlantID: "p"})
	require.NoError(t, err)
	_, err = l.WaitReceipt(ctx, tx.Hash)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/ledger", ledger.NewHandler(nil, chain).MountRoutes)
	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	rr := get("/ledger/")
	require.Equal(t, http.StatusOK, rr.Code)
	var status struct {
		ChainID  uint64 `json:"chain_id"`
		Contract string `json:"contract_address"`
		Next     uint64 `json:"current_token_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, uint64(43113), status.ChainID)
	require.Equal(t, "0xc0ffee0000000000000000000000000000000000", status.Contract)
	require.Equal(t, uint64(2), status.Next)

	rr = get("/ledger/balance?owner=" + maker + "&token_id=1")
	require.Equal(t, http.StatusOK, rr.Code)
	var balance struct {
		Balance uint64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &balance))
	require.Equal(t, uint64(100), balance.Balance)

	rr = get("/ledger/batch/1")
	require.Equal(t, http.StatusOK, rr.Code)
	var info ledger.BatchInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	require.Equal(t, uint64(42), info.BatchNumber)
	require.Equal(t, maker, info.Manufacturer)

	require.Equal(t, http.StatusNotFound, get("/ledger/batch/2").Code)
	require.Equal(t, http.StatusBadRequest, get("/ledger/batch/zero").Code)
	require.Equal(t, http.StatusBadRequest, get("/ledger/balance?owner=0xnope&token_id=1").Code)
	require.Equal(t, http.StatusBadRequest, get("/ledger/balance?owner="+maker).Code)
}
