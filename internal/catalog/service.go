package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	InsertTemplate(ctx context.Context, t ProductTemplate) (ProductTemplate, error)
	GetTemplate(ctx context.Context, id string) (ProductTemplate, error)
	ListTemplates(ctx context.Context, manufacturer string, activeOnly bool) ([]ProductTemplate, error)
	SetTemplateActive(ctx context.Context, id string, active bool) error
	InsertPlant(ctx context.Context, p Plant) (Plant, error)
	GetPlant(ctx context.Context, id string) (Plant, error)
	ListPlants(ctx context.Context, company string) ([]Plant, error)
}

// CompanyPort is the slice of the company registry the catalog needs.
type CompanyPort interface {
	Lookup(ctx context.Context, address string) (companies.Company, error)
	RequireManufacturer(ctx context.Context, address string) (companies.Company, error)
	AttachProduct(ctx context.Context, address, productID string) error
}

// ChangeListener is told after a template or plant is created or changed.
type ChangeListener interface {
	CatalogChanged(ctx context.Context)
}

// Service manages templates and plants.
type Service struct {
	repo      RepositoryPort
	companies CompanyPort
	logger    *slog.Logger
	listeners []ChangeListener
}

// NewService builds Service.
func NewService(repo RepositoryPort, companies CompanyPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, companies: companies, logger: logger}
}

// Subscribe registers l for change notifications. Call it before serving.
func (s *Service) Subscribe(l ChangeListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) changed(ctx context.Context) {
	for _, l := range s.listeners {
		l.CatalogChanged(ctx)
	}
}

// CreateTemplate registers a template for a manufacturer and records ownership on the company.
func (s *Service) CreateTemplate(ctx context.Context, input CreateTemplateInput) (ProductTemplate, error) {
	manufacturer, err := shared.RequireAddress("manufacturer_address", input.Manufacturer)
	if err != nil {
		return ProductTemplate{}, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return ProductTemplate{}, fmt.Errorf("%w: template name required", shared.ErrValidation)
	}
	spec := input.Specification
	if spec.CarbonFootprintPerUnit.IsNegative() {
		return ProductTemplate{}, fmt.Errorf("%w: carbon footprint per unit must not be negative", shared.ErrValidation)
	}
	if spec.Weight.IsNegative() {
		return ProductTemplate{}, fmt.Errorf("%w: weight must not be negative", shared.ErrValidation)
	}
	if _, err := s.companies.RequireManufacturer(ctx, manufacturer); err != nil {
		return ProductTemplate{}, err
	}

	created, err := s.repo.InsertTemplate(ctx, ProductTemplate{
		ID:            uuid.NewString(),
		Manufacturer:  manufacturer,
		Name:          strings.TrimSpace(input.Name),
		Description:   input.Description,
		Category:      input.Category,
		Specification: spec,
		IsRawMaterial: input.IsRawMaterial,
		IsActive:      true,
	})
	if err != nil {
		return ProductTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	// ownership list is denormalised; listing templates reads manufacturer_address
	if err := s.companies.AttachProduct(ctx, manufacturer, created.ID); err != nil {
		s.logger.Warn("attach template to company",
			slog.String("template_id", created.ID),
			slog.String("manufacturer", manufacturer),
			slog.Any("error", err))
	}
	s.changed(ctx)
	return created, nil
}

// GetTemplate loads a template.
func (s *Service) GetTemplate(ctx context.Context, id string) (ProductTemplate, error) {
	if strings.TrimSpace(id) == "" {
		return ProductTemplate{}, fmt.Errorf("%w: template id required", shared.ErrValidation)
	}
	return s.repo.GetTemplate(ctx, id)
}

// ListTemplates returns a manufacturer's templates.
func (s *Service) ListTemplates(ctx context.Context, manufacturer string, activeOnly bool) ([]ProductTemplate, error) {
	return s.repo.ListTemplates(ctx, shared.NormalizeAddress(manufacturer), activeOnly)
}

// DeactivateTemplate soft-deactivates a template. Batches keep referencing it.
func (s *Service) DeactivateTemplate(ctx context.Context, id string) (ProductTemplate, error) {
	t, err := s.GetTemplate(ctx, id)
	if err != nil {
		return ProductTemplate{}, err
	}
	if actor := shared.ActorFromContext(ctx); actor != "" && actor != t.Manufacturer {
		return ProductTemplate{}, ErrNotOwner
	}
	if !t.IsActive {
		return t, nil
	}
	if err := s.repo.SetTemplateActive(ctx, id, false); err != nil {
		return ProductTemplate{}, err
	}
	t.IsActive = false
	s.changed(ctx)
	return t, nil
}

// CreatePlant registers a production site for a company.
func (s *Service) CreatePlant(ctx context.Context, input CreatePlantInput) (Plant, error) {
	company, err := shared.RequireAddress("company_address", input.CompanyAddress)
	if err != nil {
		return Plant{}, err
	}
	if strings.TrimSpace(input.Name) == "" || strings.TrimSpace(input.Code) == "" {
		return Plant{}, fmt.Errorf("%w: plant name and code required", shared.ErrValidation)
	}
	if _, err := s.companies.Lookup(ctx, company); err != nil {
		return Plant{}, err
	}
	p, err := s.repo.InsertPlant(ctx, Plant{
		ID:             uuid.NewString(),
		CompanyAddress: company,
		Name:           strings.TrimSpace(input.Name),
		Code:           strings.TrimSpace(input.Code),
		Description:    input.Description,
		Location:       input.Location,
		IsActive:       true,
	})
	if err != nil {
		return Plant{}, err
	}
	s.changed(ctx)
	return p, nil
}

// GetPlant loads a plant.
func (s *Service) GetPlant(ctx context.Context, id string) (Plant, error) {
	if strings.TrimSpace(id) == "" {
		return Plant{}, fmt.Errorf("%w: plant id required", shared.ErrValidation)
	}
	return s.repo.GetPlant(ctx, id)
}

// ListPlants returns a company's plants.
func (s *Service) ListPlants(ctx context.Context, company string) ([]Plant, error) {
	return s.repo.ListPlants(ctx, shared.NormalizeAddress(company))
}
