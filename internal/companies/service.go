package companies

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	Insert(ctx context.Context, c Company) (Company, error)
	Get(ctx context.Context, address string) (Company, error)
	Save(ctx context.Context, c Company) (Company, error)
	AppendProduct(ctx context.Context, address, productID string) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Company, int, error)
	Search(ctx context.Context, excluding []string, term string, limit int) ([]Company, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MaxSearchResults bounds Search.
const MaxSearchResults = 20

// Service is the company registry.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Register creates the identity record for a wallet.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Company, error) {
	addr, err := shared.RequireAddress("wallet_address", input.WalletAddress)
	if err != nil {
		return Company{}, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return Company{}, fmt.Errorf("%w: company name required", shared.ErrValidation)
	}
	if !input.Category.Valid() {
		return Company{}, fmt.Errorf("%w: %v", shared.ErrValidation, ErrInvalidCategory)
	}
	if _, err := s.repo.Get(ctx, addr); err == nil {
		return Company{}, ErrCompanyExists
	}
	created, err := s.repo.Insert(ctx, Company{
		WalletAddress: addr,
		Name:          strings.TrimSpace(input.Name),
		Address:       input.Address,
		Category:      input.Category,
		Scale:         input.Scale,
		Zip:           input.Zip,
		Website:       input.Website,
		Email:         input.Email,
		Phone:         input.Phone,
		Logo:          input.Logo,
	})
	if err != nil {
		return Company{}, err
	}
	s.record(ctx, "company.register", created.WalletAddress, map[string]any{"type": string(created.Category)})
	return created, nil
}

// Lookup returns the company registered for address.
func (s *Service) Lookup(ctx context.Context, address string) (Company, error) {
	addr, err := shared.RequireAddress("address", address)
	if err != nil {
		return Company{}, err
	}
	return s.repo.Get(ctx, addr)
}

// RequireManufacturer loads the company and checks it may produce goods.
func (s *Service) RequireManufacturer(ctx context.Context, address string) (Company, error) {
	c, err := s.Lookup(ctx, address)
	if err != nil {
		return Company{}, err
	}
	if !c.IsManufacturer() {
		return Company{}, fmt.Errorf("%w: only manufacturers can register products", shared.ErrInvalidOperation)
	}
	return c, nil
}

// AttachProduct records productID as owned by address. Retrying is harmless.
func (s *Service) AttachProduct(ctx context.Context, address, productID string) error {
	addr, err := shared.RequireAddress("address", address)
	if err != nil {
		return err
	}
	if strings.TrimSpace(productID) == "" {
		return fmt.Errorf("%w: product id required", shared.ErrValidation)
	}
	return s.repo.AppendProduct(ctx, addr, productID)
}

// Update changes profile fields in place. The wallet address never changes.
func (s *Service) Update(ctx context.Context, address string, input UpdateInput) (Company, error) {
	c, err := s.Lookup(ctx, address)
	if err != nil {
		return Company{}, err
	}
	if input.Category != nil && !input.Category.Valid() {
		return Company{}, fmt.Errorf("%w: %v", shared.ErrValidation, ErrInvalidCategory)
	}
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return Company{}, fmt.Errorf("%w: company name required", shared.ErrValidation)
	}
	input.Apply(&c)
	updated, err := s.repo.Save(ctx, c)
	if err != nil {
		return Company{}, err
	}
	s.record(ctx, "company.update", updated.WalletAddress, nil)
	return updated, nil
}

// List returns a page of companies.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Company, shared.Pagination, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: %v", shared.ErrValidation, ErrInvalidCategory)
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	items, total, err := s.repo.List(ctx, filter, page.PerPage, page.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// Search finds companies by case-insensitive substring of name or address.
func (s *Service) Search(ctx context.Context, excluding []string, term string, limit int) ([]Company, error) {
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return []Company{}, nil
	}
	norm := make([]string, 0, len(excluding))
	for _, e := range excluding {
		norm = append(norm, shared.NormalizeAddress(e))
	}
	return s.repo.Search(ctx, norm, term, limit)
}

func (s *Service) record(ctx context.Context, action, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "company",
		EntityID: id,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
