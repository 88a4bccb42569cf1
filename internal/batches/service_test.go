package batches_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/batches/batchestest"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/catalog/catalogtest"
	"github.com/carbontrack/carbontrack/internal/shared"
)

const contract = "0xd6b231a6605490e83863d3b71c1c01e4e5b1212d"

func newFixture(t *testing.T) (*batches.Service, *batchestest.Memory) {
	t.Helper()
	cat := catalogtest.NewMemory()
	cat.AddTemplate(catalog.ProductTemplate{
		ID:            "tpl-1",
		Manufacturer:  "0xaa",
		Name:          "Steel Beam",
		Specification: catalog.Specification{CarbonFootprintPerUnit: decimal.RequireFromString("2.5")},
		IsActive:      true,
	})
	cat.AddPlant(catalog.Plant{ID: "plant-1", CompanyAddress: "0xaa", Name: "North Works"})
	cat.AddPlant(catalog.Plant{ID: "plant-2", CompanyAddress: "0xaa", Name: "South Works"})
	repo := batchestest.NewMemory()
	return batches.NewService(repo, cat, nil, nil, batches.ServiceConfig{ContractAddress: contract}), repo
}

func createInput() batches.CreateInput {
	return batches.CreateInput{
		BatchNumber:    "BATCH-1",
		TemplateID:     "tpl-1",
		Quantity:       100,
		Manufacturer:   "0xAA",
		PlantID:        "plant-1",
		ProductionDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateBatchComputesFootprintAndRejectsDuplicate(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)
	require.True(t, b.CarbonFootprint.Equal(decimal.NewFromInt(250)), b.CarbonFootprint.String())
	require.Equal(t, batches.StatusProduction, b.Status)
	require.Equal(t, "0xaa", b.Manufacturer)
	require.False(t, b.FootprintOverridden)

	_, err = svc.CreateBatch(ctx, createInput())
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateBatchOverrideAndMissingRefs(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	in := createInput()
	override := decimal.NewFromInt(999)
	in.CarbonFootprint = &override
	b, err := svc.CreateBatch(ctx, in)
	require.NoError(t, err)
	require.True(t, b.CarbonFootprint.Equal(override))
	require.True(t, b.FootprintOverridden)

	in = createInput()
	in.BatchNumber = "BATCH-2"
	in.TemplateID = "nope"
	_, err = svc.CreateBatch(ctx, in)
	require.ErrorIs(t, err, shared.ErrNotFound)

	in = createInput()
	in.BatchNumber = "BATCH-3"
	in.PlantID = "nope"
	_, err = svc.CreateBatch(ctx, in)
	require.ErrorIs(t, err, shared.ErrNotFound)

	in = createInput()
	in.BatchNumber = "BATCH-4"
	in.Quantity = -1
	_, err = svc.CreateBatch(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSameBatchNumberAllowedAcrossManufacturers(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	_, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)

	in := createInput()
	in.Manufacturer = "0xbb"
	_, err = svc.CreateBatch(ctx, in)
	require.NoError(t, err)
}

func TestAnchorIsWriteOnceAndBlocksDelete(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)

	block := uint64(12345)
	anchored, err := svc.AttachTokenAnchor(ctx, b.ID, batches.Anchor{TokenID: 7, TxHash: "0xabc", BlockNumber: &block})
	require.NoError(t, err)
	require.Equal(t, uint64(7), anchored.Anchor.TokenID)
	require.Equal(t, contract, anchored.Anchor.ContractAddress)

	_, err = svc.AttachTokenAnchor(ctx, b.ID, batches.Anchor{TokenID: 8, TxHash: "0xdef"})
	require.ErrorIs(t, err, shared.ErrConflict)

	stored, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(7), stored.Anchor.TokenID)
	require.Equal(t, "0xabc", stored.Anchor.TxHash)

	err = svc.DeleteBatch(ctx, b.ID)
	require.ErrorIs(t, err, shared.ErrInvalidOperation)

	byToken, err := svc.GetByTokenID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, b.ID, byToken.ID)
}

func TestAttachTokenAnchorMissingBatch(t *testing.T) {
	svc, _ := newFixture(t)
	_, err := svc.AttachTokenAnchor(context.Background(), "missing", batches.Anchor{TokenID: 1, TxHash: "0x1"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateRecomputesFootprintOnQuantityChange(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)

	qty := int64(40)
	updated, err := svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{Quantity: &qty})
	require.NoError(t, err)
	require.True(t, updated.CarbonFootprint.Equal(decimal.NewFromInt(100)), updated.CarbonFootprint.String())

	qty = 50
	explicit := decimal.NewFromInt(7)
	updated, err = svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{Quantity: &qty, CarbonFootprint: &explicit})
	require.NoError(t, err)
	require.True(t, updated.CarbonFootprint.Equal(explicit))
}

func TestUpdateRevalidatesBatchNumber(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	first, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)
	in := createInput()
	in.BatchNumber = "BATCH-2"
	_, err = svc.CreateBatch(ctx, in)
	require.NoError(t, err)

	taken := "BATCH-2"
	_, err = svc.UpdateBatch(ctx, first.ID, batches.UpdateInput{BatchNumber: &taken})
	require.ErrorIs(t, err, shared.ErrConflict)

	same := "BATCH-1"
	_, err = svc.UpdateBatch(ctx, first.ID, batches.UpdateInput{BatchNumber: &same})
	require.NoError(t, err)
}

func TestAnchoredBatchRejectsFinalizedFields(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)
	_, err = svc.AttachTokenAnchor(ctx, b.ID, batches.Anchor{TokenID: 3, TxHash: "0x3"})
	require.NoError(t, err)

	qty := int64(5)
	_, err = svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{Quantity: &qty})
	require.ErrorIs(t, err, batches.ErrFinalized)

	plant := "plant-2"
	_, err = svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{PlantID: &plant})
	require.ErrorIs(t, err, shared.ErrInvalidOperation)

	status := batches.StatusShipped
	updated, err := svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{Status: &status})
	require.NoError(t, err)
	require.Equal(t, batches.StatusShipped, updated.Status)
	require.NotNil(t, updated.Anchor)

	back := batches.StatusProduction
	_, err = svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{Status: &back})
	require.ErrorIs(t, err, batches.ErrStatusRegression)
}

func TestDeleteBatch(t *testing.T) {
	svc, repo := newFixture(t)
	ctx := context.Background()
	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)

	repo.SetMintInFlight(b.ID, true)
	require.ErrorIs(t, svc.DeleteBatch(ctx, b.ID), batches.ErrMintInFlight)

	repo.SetMintInFlight(b.ID, false)
	require.NoError(t, svc.DeleteBatch(ctx, b.ID))
	_, err = svc.Get(ctx, b.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestResolveFallsBackToBatchNumber(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)

	got, err := svc.Resolve(shared.ContextWithActor(ctx, "0xAA"), "BATCH-1")
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	_, err = svc.Resolve(ctx, "BATCH-1")
	require.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestHandlerAnchorConflict(t *testing.T) {
	svc, _ := newFixture(t)
	b, err := svc.CreateBatch(context.Background(), createInput())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/batches", batches.NewHandler(nil, svc).MountRoutes)

	put := func(tokenID int) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]any{"token_id": tokenID, "tx_hash": "0xabc", "block_number": 12345})
		req := httptest.NewRequest(http.MethodPut, "/batches/"+b.ID+"/anchor", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}
	require.Equal(t, http.StatusOK, put(7).Code)
	require.Equal(t, http.StatusConflict, put(8).Code)

	req := httptest.NewRequest(http.MethodDelete, "/batches/"+b.ID, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestPendingMintFreezesFinalizedFields(t *testing.T) {
	svc, repo := newFixture(t)
	ctx := context.Background()
	b, err := svc.CreateBatch(ctx, createInput())
	require.NoError(t, err)
	repo.SetMintInFlight(b.ID, true)

	// repository guard alone
	qty := int64(50)
	_, err = svc.UpdateBatch(ctx, b.ID, batches.UpdateInput{Quantity: &qty})
	require.ErrorIs(t, err, batches.ErrMintInFlight)

	cat := catalogtest.NewMemory()
	cat.AddTemplate(catalog.ProductTemplate{ID: "tpl-1", Manufacturer: "0xaa", IsActive: true})
	cat.AddPlant(catalog.Plant{ID: "plant-1", CompanyAddress: "0xaa"})
	cat.AddPlant(catalog.Plant{ID: "plant-2", CompanyAddress: "0xaa"})
	tracked := batches.NewService(repo, cat, nil, nil, batches.ServiceConfig{ContractAddress: contract, Mints: repo})

	number := "BATCH-9"
	_, err = tracked.UpdateBatch(ctx, b.ID, batches.UpdateInput{BatchNumber: &number})
	require.ErrorIs(t, err, batches.ErrMintInFlight)
	plant := "plant-2"
	_, err = tracked.UpdateBatch(ctx, b.ID, batches.UpdateInput{PlantID: &plant})
	require.ErrorIs(t, err, batches.ErrMintInFlight)
	footprint := decimal.NewFromInt(1)
	_, err = tracked.UpdateBatch(ctx, b.ID, batches.UpdateInput{CarbonFootprint: &footprint})
	require.ErrorIs(t, err, shared.ErrInvalidOperation)

	status := batches.StatusCompleted
	updated, err := tracked.UpdateBatch(ctx, b.ID, batches.UpdateInput{Status: &status})
	require.NoError(t, err)
	require.Equal(t, batches.StatusCompleted, updated.Status)
	require.EqualValues(t, 100, updated.Quantity)

	repo.SetMintInFlight(b.ID, false)
	updated, err = tracked.UpdateBatch(ctx, b.ID, batches.UpdateInput{Quantity: &qty})
	require.NoError(t, err)
	require.EqualValues(t, 50, updated.Quantity)
}
