package partners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carbontrack/carbontrack/internal/companies"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// RepositoryPort stores partner edges.
type RepositoryPort interface {
	InsertPair(ctx context.Context, forward, inverse Partner) error
	InsertEdge(ctx context.Context, p Partner) error
	Get(ctx context.Context, self, other string) (Partner, error)
	List(ctx context.Context, f ListFilter) ([]Partner, error)
	DeletePair(ctx context.Context, a, b string) error
	SetPairStatus(ctx context.Context, a, b string, status Status) error
	HalfPairs(ctx context.Context, limit int) ([]Partner, error)
}

// CompanyPort resolves company names and candidate partners.
type CompanyPort interface {
	Lookup(ctx context.Context, address string) (companies.Company, error)
	Search(ctx context.Context, excluding []string, term string, limit int) ([]companies.Company, error)
}

// AuditPort records partner changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages partner pairs.
type Service struct {
	repo      RepositoryPort
	companies CompanyPort
	locker    shared.Locker
	audit     AuditPort
	logger    *slog.Logger
}

// NewService constructs the service. locker and audit may be nil.
func NewService(repo RepositoryPort, companySvc CompanyPort, locker shared.Locker, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, companies: companySvc, locker: locker, audit: audit, logger: logger}
}

// Propose creates both edges of a relationship: self -> other with kind and
// other -> self with the inverse kind.
func (s *Service) Propose(ctx context.Context, in ProposeInput) (Partner, error) {
	self, err := shared.RequireAddress("self_address", in.Self)
	if err != nil {
		return Partner{}, err
	}
	other, err := shared.RequireAddress("company_address", in.Address)
	if err != nil {
		return Partner{}, err
	}
	if self == other {
		return Partner{}, ErrSelfPartner
	}
	if !in.Kind.Valid() {
		return Partner{}, fmt.Errorf("%w: relationship must be either 'supplier' or 'customer'", shared.ErrValidation)
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.PartnerPairLockKey(self, other), 10*time.Second)
		if err != nil {
			return Partner{}, err
		}
		defer release()
	}
	if _, err := s.repo.Get(ctx, self, other); err == nil {
		return Partner{}, ErrPartnerExists
	} else if !errors.Is(err, ErrPartnerNotFound) {
		return Partner{}, err
	}

	forward := Partner{
		ID:           uuid.NewString(),
		Self:         self,
		Address:      other,
		Name:         strings.TrimSpace(in.Name),
		ContactEmail: strings.TrimSpace(in.ContactEmail),
		ContactPhone: strings.TrimSpace(in.ContactPhone),
		Kind:         in.Kind,
		Status:       StatusActive,
		Notes:        strings.TrimSpace(in.Notes),
	}
	if forward.Name == "" {
		forward.Name = s.companyName(ctx, other)
	}
	inverse := Partner{
		ID:      uuid.NewString(),
		Self:    other,
		Address: self,
		Name:    s.companyName(ctx, self),
		Kind:    in.Kind.Inverse(),
		Status:  StatusActive,
	}
	if err := s.repo.InsertPair(ctx, forward, inverse); err != nil {
		return Partner{}, err
	}
	s.record(ctx, "partner.propose", self, other, map[string]any{"relationship": string(in.Kind)})
	stored, err := s.repo.Get(ctx, self, other)
	if err != nil {
		return forward, nil
	}
	return stored, nil
}

// ListPartners returns the edges owned by f.Self, newest first.
func (s *Service) ListPartners(ctx context.Context, f ListFilter) ([]Partner, error) {
	self, err := shared.RequireAddress("self_address", f.Self)
	if err != nil {
		return nil, err
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown relationship %q", shared.ErrValidation, f.Kind)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, f.Status)
	}
	f.Self = self
	return s.repo.List(ctx, f)
}

// Search finds companies that could become partners of self: name or address
// matches term, self and existing partners are excluded.
func (s *Service) Search(ctx context.Context, self, term string) ([]companies.Company, error) {
	addr, err := shared.RequireAddress("self_address", self)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.List(ctx, ListFilter{Self: addr})
	if err != nil {
		return nil, err
	}
	excluding := make([]string, 0, len(existing)+1)
	excluding = append(excluding, addr)
	for _, p := range existing {
		excluding = append(excluding, p.Address)
	}
	return s.companies.Search(ctx, excluding, term, companies.MaxSearchResults)
}

// Remove deletes both edges of the pair.
func (s *Service) Remove(ctx context.Context, self, other string) error {
	a, b, err := pair(self, other)
	if err != nil {
		return err
	}
	if err := s.repo.DeletePair(ctx, a, b); err != nil {
		return err
	}
	s.record(ctx, "partner.remove", a, b, nil)
	return nil
}

// SetStatus activates or deactivates both edges of the pair.
func (s *Service) SetStatus(ctx context.Context, self, other string, status Status) (Partner, error) {
	a, b, err := pair(self, other)
	if err != nil {
		return Partner{}, err
	}
	if !status.Valid() {
		return Partner{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	if err := s.repo.SetPairStatus(ctx, a, b, status); err != nil {
		return Partner{}, err
	}
	s.record(ctx, "partner.status", a, b, map[string]any{"status": string(status)})
	return s.repo.Get(ctx, a, b)
}

// RepairPairs inserts the missing inverse of every half pair and returns how
// many edges were added.
func (s *Service) RepairPairs(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	halves, err := s.repo.HalfPairs(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, h := range halves {
		inverse := Partner{
			ID:      uuid.NewString(),
			Self:    h.Address,
			Address: h.Self,
			Name:    s.companyName(ctx, h.Self),
			Kind:    h.Kind.Inverse(),
			Status:  h.Status,
		}
		if err := s.repo.InsertEdge(ctx, inverse); err != nil {
			if errors.Is(err, ErrPartnerExists) {
				continue
			}
			return repaired, err
		}
		repaired++
		s.logger.Info("partner pair repaired", slog.String("self", inverse.Self), slog.String("partner", inverse.Address))
	}
	return repaired, nil
}

func pair(self, other string) (string, string, error) {
	a, err := shared.RequireAddress("self_address", self)
	if err != nil {
		return "", "", err
	}
	b, err := shared.RequireAddress("company_address", other)
	if err != nil {
		return "", "", err
	}
	if a == b {
		return "", "", ErrSelfPartner
	}
	return a, b, nil
}

func (s *Service) companyName(ctx context.Context, address string) string {
	if s.companies == nil {
		return ""
	}
	c, err := s.companies.Lookup(ctx, address)
	if err != nil {
		return ""
	}
	return c.Name
}

func (s *Service) record(ctx context.Context, action, self, other string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["partner"] = other
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "partner_relationship",
		EntityID: self,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
