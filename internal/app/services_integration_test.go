//go:build integration

package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/ledger/simulated"
	"github.com/carbontrack/carbontrack/internal/minting"
	"github.com/carbontrack/carbontrack/internal/partners"
	"github.com/carbontrack/carbontrack/internal/platform/db/dbtest"
	"github.com/carbontrack/carbontrack/internal/provenance"
	"github.com/carbontrack/carbontrack/internal/shared"
	"github.com/carbontrack/carbontrack/internal/transfers"
)

const (
	steelMill = "0x1111111111111111111111111111111111111111"
	frameCo   = "0x2222222222222222222222222222222222222222"
	retailer  = "0x3333333333333333333333333333333333333333"
)

func TestServicesAgainstPostgres(t *testing.T) {
	pool := dbtest.Start(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{
		MetadataBaseURL:    "https://carbontrack.example/metadata",
		MintGasLimit:       500_000,
		MintGasStrategy:    "fixed",
		TransferGasLimit:   300_000,
		MintConfirmTimeout: 5 * time.Second,
		MintStaleAfter:     time.Hour,
		TreeCacheTTL:       time.Minute,
		TreeMaxDepth:       8,
		LookupTTL:          time.Minute,
		LookupEntries:      64,
	}
	chain := simulated.New(simulated.Options{ChainID: 43113, ContractAddress: simulatedContract})
	svc := NewServices(cfg, Deps{Pool: pool, Redis: client, Ledger: chain})
	ctx := context.Background()

	for addr, cat := range map[string]companies.Category{
		steelMill: companies.CategoryManufacturer,
		frameCo:   companies.CategoryManufacturer,
		retailer:  companies.CategoryRetailer,
	} {
		_, err := svc.Companies.Register(ctx, companies.RegisterInput{WalletAddress: addr, Name: "Company " + addr[2:6], Category: cat})
		require.NoError(t, err)
	}
	_, err := svc.Companies.Register(ctx, companies.RegisterInput{WalletAddress: retailer, Name: "again", Category: companies.CategoryRetailer})
	require.ErrorIs(t, err, shared.ErrConflict)

	steel, err := svc.Catalog.CreateTemplate(ctx, catalog.CreateTemplateInput{
		Manufacturer:  steelMill,
		Name:          "Hot Rolled Coil",
		IsRawMaterial: true,
		Specification: catalog.Specification{CarbonFootprintPerUnit: decimal.RequireFromString("1.85"), Weight: decimal.NewFromInt(25)},
	})
	require.NoError(t, err)
	frame, err := svc.Catalog.CreateTemplate(ctx, catalog.CreateTemplateInput{
		Manufacturer:  frameCo,
		Name:          "Bicycle Frame",
		Specification: catalog.Specification{CarbonFootprintPerUnit: decimal.NewFromInt(12)},
	})
	require.NoError(t, err)
	millPlant, err := svc.Catalog.CreatePlant(ctx, catalog.CreatePlantInput{CompanyAddress: steelMill, Name: "Cilegon Mill", Code: "CLG-1"})
	require.NoError(t, err)
	framePlant, err := svc.Catalog.CreatePlant(ctx, catalog.CreatePlantInput{CompanyAddress: frameCo, Name: "Bekasi Works", Code: "BKS-1"})
	require.NoError(t, err)

	coil, err := svc.Batches.CreateBatch(ctx, batches.CreateInput{
		BatchNumber: "COIL-001", TemplateID: steel.ID, Quantity: 100, Manufacturer: steelMill,
		PlantID: millPlant.ID, ProductionDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, coil.CarbonFootprint.Equal(decimal.NewFromInt(185)), coil.CarbonFootprint.String())

	minted, err := svc.Minting.MintAndAnchor(ctx, coil.ID)
	require.NoError(t, err)
	require.Equal(t, minting.OutcomeAnchored, minted.Status)
	coilToken := minted.TokenID

	again, err := svc.Minting.MintAndAnchor(ctx, coil.ID)
	require.ErrorIs(t, err, minting.ErrBatchMinted)
	require.Zero(t, again.TokenID)

	moved, err := svc.Transfers.TransferOnLedger(ctx, transfers.TransferInput{
		From: steelMill, To: frameCo, TokenID: coilToken, Quantity: 40, Type: transfers.TypeLogistics,
	})
	require.NoError(t, err)
	require.Equal(t, transfers.OutcomeConfirmed, moved.Status)

	history, err := svc.Transfers.TransfersFor(ctx, frameCo)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, coil.ID, history[0].BatchID)

	var sheet bytes.Buffer
	require.NoError(t, svc.Transfers.ExportXLSX(ctx, frameCo, &sheet))
	require.NotZero(t, sheet.Len())

	bike, err := svc.Batches.CreateBatch(ctx, batches.CreateInput{
		BatchNumber: "FRM-001", TemplateID: frame.ID, Quantity: 10, Manufacturer: frameCo,
		PlantID: framePlant.ID, ProductionDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Components: []batches.Component{{TokenID: coilToken, TokenName: "COIL-001", Quantity: 40}},
	})
	require.NoError(t, err)
	bikeMint, err := svc.Minting.MintAndAnchor(ctx, bike.ID)
	require.NoError(t, err)

	tree, err := svc.Provenance.BuildTree(ctx, bikeMint.TokenID, 0)
	require.NoError(t, err)
	require.Equal(t, provenance.TypeProduct, tree.Type)
	require.Len(t, tree.Children, 1)
	require.Equal(t, provenance.TypeRawMaterial, tree.Children[0].Type)
	require.Equal(t, "Cilegon Mill", tree.Children[0].PlantName)

	_, err = svc.Partners.Propose(ctx, partners.ProposeInput{Self: frameCo, Address: retailer, Kind: partners.KindCustomer})
	require.NoError(t, err)
	_, err = svc.Partners.Propose(ctx, partners.ProposeInput{Self: retailer, Address: frameCo, Kind: partners.KindSupplier})
	require.ErrorIs(t, err, shared.ErrConflict)
	inverse, err := svc.Partners.ListPartners(ctx, partners.ListFilter{Self: retailer})
	require.NoError(t, err)
	require.Len(t, inverse, 1)
	require.Equal(t, partners.KindSupplier, inverse[0].Kind)

	require.ErrorIs(t, svc.Batches.DeleteBatch(ctx, coil.ID), shared.ErrInvalidOperation)
	report, err := svc.Minting.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Failed)
}
