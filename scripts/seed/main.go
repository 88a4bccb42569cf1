package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/app"
	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/partners"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Demo wallets. Keys for these are never used; the seed only writes off-chain records.
const (
	steelMill = "0x1111111111111111111111111111111111111111"
	frameWork = "0x2222222222222222222222222222222222222222"
	haulier   = "0x3333333333333333333333333333333333333333"
	bikeShop  = "0x4444444444444444444444444444444444444444"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	pool, redisClient, err := app.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	defer redisClient.Close()

	provider, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	svc := app.NewServices(cfg, app.Deps{Pool: pool, Redis: redisClient, Ledger: provider})

	fmt.Println("→ Seeding companies...")
	if err := seedCompanies(ctx, svc); err != nil {
		log.Fatalf("seed companies: %v", err)
	}
	fmt.Println("→ Seeding catalog...")
	templates, plants, err := seedCatalog(ctx, svc)
	if err != nil {
		log.Fatalf("seed catalog: %v", err)
	}
	fmt.Println("→ Seeding batches...")
	if err := seedBatches(ctx, svc, templates, plants); err != nil {
		log.Fatalf("seed batches: %v", err)
	}
	fmt.Println("→ Seeding partnerships...")
	if err := seedPartners(ctx, svc); err != nil {
		log.Fatalf("seed partners: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func ignoreConflict(err error) error {
	if errors.Is(err, shared.ErrConflict) {
		return nil
	}
	return err
}

func seedCompanies(ctx context.Context, svc *app.Services) error {
	entries := []companies.RegisterInput{
		{WalletAddress: steelMill, Name: "Krakatau Hot Strip", Category: companies.CategoryManufacturer, Address: "Cilegon, Banten"},
		{WalletAddress: frameWork, Name: "Bekasi Frame Works", Category: companies.CategoryManufacturer, Address: "Bekasi, Jawa Barat"},
		{WalletAddress: haulier, Name: "Nusantara Freight", Category: companies.CategoryLogistics},
		{WalletAddress: bikeShop, Name: "Sepeda Kota", Category: companies.CategoryRetailer, Address: "Jakarta"},
	}
	for _, in := range entries {
		if _, err := svc.Companies.Register(ctx, in); ignoreConflict(err) != nil {
			return fmt.Errorf("%s: %w", in.Name, err)
		}
	}
	return nil
}

func seedCatalog(ctx context.Context, svc *app.Services) (map[string]string, map[string]string, error) {
	templates := map[string]string{}
	plants := map[string]string{}

	existing, err := svc.Catalog.ListTemplates(ctx, "", false)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range existing {
		templates[t.Name] = t.ID
	}
	for _, in := range []catalog.CreateTemplateInput{
		{Manufacturer: steelMill, Name: "Hot Rolled Coil", IsRawMaterial: true, Category: "steel",
			Specification: catalog.Specification{CarbonFootprintPerUnit: decimal.RequireFromString("1.85"), Weight: decimal.NewFromInt(25), Materials: []string{"iron ore", "coke"}}},
		{Manufacturer: frameWork, Name: "Bicycle Frame", Category: "frames",
			Specification: catalog.Specification{CarbonFootprintPerUnit: decimal.NewFromInt(12), Weight: decimal.RequireFromString("2.1"), Materials: []string{"steel"}}},
	} {
		if _, ok := templates[in.Name]; ok {
			continue
		}
		t, err := svc.Catalog.CreateTemplate(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("template %s: %w", in.Name, err)
		}
		templates[t.Name] = t.ID
	}

	for _, in := range []catalog.CreatePlantInput{
		{CompanyAddress: steelMill, Name: "Cilegon Mill", Code: "CLG-1", Location: catalog.Location{City: "Cilegon", Country: "Indonesia"}},
		{CompanyAddress: frameWork, Name: "Bekasi Works", Code: "BKS-1", Location: catalog.Location{City: "Bekasi", Country: "Indonesia"}},
	} {
		current, err := svc.Catalog.ListPlants(ctx, in.CompanyAddress)
		if err != nil {
			return nil, nil, err
		}
		found := false
		for _, p := range current {
			if p.Code == in.Code {
				plants[in.Code] = p.ID
				found = true
			}
		}
		if found {
			continue
		}
		p, err := svc.Catalog.CreatePlant(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("plant %s: %w", in.Code, err)
		}
		plants[in.Code] = p.ID
	}
	return templates, plants, nil
}

func seedBatches(ctx context.Context, svc *app.Services, templates, plants map[string]string) error {
	entries := []batches.CreateInput{
		{BatchNumber: "COIL-2025-001", TemplateID: templates["Hot Rolled Coil"], Quantity: 500, Manufacturer: steelMill,
			PlantID: plants["CLG-1"], ProductionDate: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)},
		{BatchNumber: "FRM-2025-001", TemplateID: templates["Bicycle Frame"], Quantity: 120, Manufacturer: frameWork,
			PlantID: plants["BKS-1"], ProductionDate: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, in := range entries {
		if _, err := svc.Batches.CreateBatch(ctx, in); ignoreConflict(err) != nil {
			return fmt.Errorf("%s: %w", in.BatchNumber, err)
		}
	}
	return nil
}

func seedPartners(ctx context.Context, svc *app.Services) error {
	pairs := []partners.ProposeInput{
		{Self: frameWork, Address: steelMill, Kind: partners.KindSupplier},
		{Self: frameWork, Address: bikeShop, Kind: partners.KindCustomer},
	}
	for _, in := range pairs {
		if _, err := svc.Partners.Propose(ctx, in); ignoreConflict(err) != nil {
			return fmt.Errorf("%s -> %s: %w", in.Self, in.Address, err)
		}
	}
	return nil
}
