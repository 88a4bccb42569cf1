package batches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/carbon"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	Insert(ctx context.Context, b Batch) (Batch, error)
	Get(ctx context.Context, id string) (Batch, error)
	GetByTokenID(ctx context.Context, tokenID uint64) (Batch, error)
	GetByNumber(ctx context.Context, manufacturer, number string) (Batch, error)
	Update(ctx context.Context, b Batch) (Batch, error)
	Delete(ctx context.Context, id string) error
	AttachAnchor(ctx context.Context, id string, a Anchor) (Batch, error)
	List(ctx context.Context, f Filter) ([]Batch, error)
}

// CatalogPort resolves the template and plant a batch references.
type CatalogPort interface {
	GetTemplate(ctx context.Context, id string) (catalog.ProductTemplate, error)
	GetPlant(ctx context.Context, id string) (catalog.Plant, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ChangeListener is told after a batch is created, updated, anchored or deleted.
type ChangeListener interface {
	BatchChanged(ctx context.Context, b Batch)
}

const editLockTTL = 30 * time.Second

// MintTracker reports whether a batch has a mint submitted but not yet anchored.
type MintTracker interface {
	HasOpenAttempt(ctx context.Context, batchID string) (bool, error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// ContractAddress is stored on anchors that do not name one.
	ContractAddress string
	Listener        ChangeListener
	Mints           MintTracker
	// Locker serialises edits of minted fields with the mint of the same batch.
	Locker shared.Locker
}

// Service is the batch lifecycle manager.
type Service struct {
	repo     RepositoryPort
	catalog  CatalogPort
	audit    AuditPort
	listener ChangeListener
	mints    MintTracker
	locker   shared.Locker
	logger   *slog.Logger
	contract string
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog CatalogPort, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		audit:    audit,
		listener: cfg.Listener,
		mints:    cfg.Mints,
		locker:   cfg.Locker,
		logger:   logger,
		contract: shared.NormalizeAddress(cfg.ContractAddress),
		now:      time.Now,
	}
}

// CreateBatch registers a production run. Without an override the carbon
// footprint is the template's per-unit footprint times quantity.
func (s *Service) CreateBatch(ctx context.Context, input CreateInput) (Batch, error) {
	manufacturer, err := shared.RequireAddress("manufacturer_address", input.Manufacturer)
	if err != nil {
		return Batch{}, err
	}
	number := strings.TrimSpace(input.BatchNumber)
	if number == "" {
		return Batch{}, fmt.Errorf("%w: batch number required", shared.ErrValidation)
	}
	if input.Quantity < 0 {
		return Batch{}, fmt.Errorf("%w: quantity must not be negative", shared.ErrValidation)
	}
	if err := validateComponents(input.Components); err != nil {
		return Batch{}, err
	}
	tpl, err := s.catalog.GetTemplate(ctx, input.TemplateID)
	if err != nil {
		return Batch{}, err
	}
	if _, err := s.catalog.GetPlant(ctx, input.PlantID); err != nil {
		return Batch{}, err
	}
	if _, err := s.repo.GetByNumber(ctx, manufacturer, number); err == nil {
		return Batch{}, ErrDuplicateBatchNumber
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Batch{}, err
	}

	footprint, err := carbon.Calculate(tpl.Specification.CarbonFootprintPerUnit, input.Quantity, input.CarbonFootprint)
	if err != nil {
		return Batch{}, err
	}
	produced := input.ProductionDate
	if produced.IsZero() {
		produced = s.now().UTC()
	}
	if input.ExpiryDate != nil && input.ExpiryDate.Before(produced) {
		return Batch{}, fmt.Errorf("%w: expiry date precedes production date", shared.ErrValidation)
	}
	components := input.Components
	if components == nil {
		components = []Component{}
	}

	created, err := s.repo.Insert(ctx, Batch{
		ID:                  uuid.NewString(),
		BatchNumber:         number,
		TemplateID:          tpl.ID,
		Quantity:            input.Quantity,
		ProductionDate:      produced,
		ExpiryDate:          input.ExpiryDate,
		CarbonFootprint:     footprint,
		FootprintOverridden: input.CarbonFootprint != nil,
		Manufacturer:        manufacturer,
		PlantID:             input.PlantID,
		Status:              StatusProduction,
		Components:          components,
		QualityControl:      input.QualityControl,
	})
	if err != nil {
		return Batch{}, err
	}
	s.record(ctx, "batch.create", created, map[string]any{
		"batch_number":     created.BatchNumber,
		"carbon_footprint": created.CarbonFootprint.String(),
	})
	return created, nil
}

// UpdateBatch applies partial changes. Fields fixed at minting are rejected
// once the batch is anchored or while a mint of it awaits confirmation.
func (s *Service) UpdateBatch(ctx context.Context, id string, input UpdateInput) (Batch, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	if input.touchesFinalized(b) {
		if b.IsAnchored() {
			return Batch{}, ErrFinalized
		}
		if s.locker != nil {
			release, err := s.locker.Acquire(ctx, shared.BatchMintLockKey(id), editLockTTL)
			if err != nil {
				if errors.Is(err, shared.ErrLockBusy) {
					return Batch{}, ErrMintInFlight
				}
				return Batch{}, err
			}
			defer release()
		}
		if s.mints != nil {
			open, err := s.mints.HasOpenAttempt(ctx, id)
			if err != nil {
				return Batch{}, err
			}
			if open {
				return Batch{}, ErrMintInFlight
			}
		}
	}

	if input.BatchNumber != nil {
		number := strings.TrimSpace(*input.BatchNumber)
		if number == "" {
			return Batch{}, fmt.Errorf("%w: batch number required", shared.ErrValidation)
		}
		if number != b.BatchNumber {
			if other, err := s.repo.GetByNumber(ctx, b.Manufacturer, number); err == nil && other.ID != b.ID {
				return Batch{}, ErrDuplicateBatchNumber
			} else if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return Batch{}, err
			}
			b.BatchNumber = number
		}
	}
	if input.PlantID != nil && *input.PlantID != b.PlantID {
		if _, err := s.catalog.GetPlant(ctx, *input.PlantID); err != nil {
			return Batch{}, err
		}
		b.PlantID = *input.PlantID
	}

	quantityChanged := input.Quantity != nil && *input.Quantity != b.Quantity
	if input.Quantity != nil {
		if *input.Quantity < 0 {
			return Batch{}, fmt.Errorf("%w: quantity must not be negative", shared.ErrValidation)
		}
		b.Quantity = *input.Quantity
	}
	switch {
	case input.CarbonFootprint != nil:
		footprint, err := carbon.Calculate(decimal.Zero, b.Quantity, input.CarbonFootprint)
		if err != nil {
			return Batch{}, err
		}
		b.CarbonFootprint = footprint
		b.FootprintOverridden = true
	case quantityChanged:
		tpl, err := s.catalog.GetTemplate(ctx, b.TemplateID)
		if err != nil {
			return Batch{}, err
		}
		footprint, err := carbon.Calculate(tpl.Specification.CarbonFootprintPerUnit, b.Quantity, nil)
		if err != nil {
			return Batch{}, err
		}
		b.CarbonFootprint = footprint
		b.FootprintOverridden = false
	}

	if input.Status != nil {
		if !input.Status.Valid() {
			return Batch{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, *input.Status)
		}
		if !b.Status.CanAdvanceTo(*input.Status) {
			return Batch{}, ErrStatusRegression
		}
		b.Status = *input.Status
	}
	if input.ProductionDate != nil {
		b.ProductionDate = *input.ProductionDate
	}
	if input.ExpiryDate != nil {
		b.ExpiryDate = input.ExpiryDate
	}
	if b.ExpiryDate != nil && b.ExpiryDate.Before(b.ProductionDate) {
		return Batch{}, fmt.Errorf("%w: expiry date precedes production date", shared.ErrValidation)
	}
	if input.Components != nil {
		if err := validateComponents(*input.Components); err != nil {
			return Batch{}, err
		}
		b.Components = *input.Components
	}
	if input.QualityControl != nil {
		b.QualityControl = input.QualityControl
	}

	updated, err := s.repo.Update(ctx, b)
	if err != nil {
		return Batch{}, err
	}
	s.record(ctx, "batch.update", updated, nil)
	return updated, nil
}

// DeleteBatch hard-deletes a batch that was never minted.
func (s *Service) DeleteBatch(ctx context.Context, id string) error {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.IsAnchored() {
		return ErrAnchoredDelete
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "batch.delete", b, nil)
	return nil
}

// AttachTokenAnchor folds a mint result into the batch. Anchors are write-once:
// a second call fails with ErrAlreadyAnchored and leaves the stored anchor unchanged.
func (s *Service) AttachTokenAnchor(ctx context.Context, id string, anchor Anchor) (Batch, error) {
	if anchor.TokenID == 0 {
		return Batch{}, fmt.Errorf("%w: token id required", shared.ErrValidation)
	}
	if strings.TrimSpace(anchor.TxHash) == "" {
		return Batch{}, fmt.Errorf("%w: transaction hash required", shared.ErrValidation)
	}
	anchor.TxHash = shared.NormalizeAddress(anchor.TxHash)
	anchor.ContractAddress = shared.NormalizeAddress(anchor.ContractAddress)
	if anchor.ContractAddress == "" {
		anchor.ContractAddress = s.contract
	}
	anchored, err := s.repo.AttachAnchor(ctx, id, anchor)
	if err != nil {
		return Batch{}, err
	}
	s.record(ctx, "batch.anchor", anchored, map[string]any{
		"token_id": anchor.TokenID,
		"tx_hash":  anchor.TxHash,
	})
	return anchored, nil
}

// Get loads a batch by id.
func (s *Service) Get(ctx context.Context, id string) (Batch, error) {
	return s.repo.Get(ctx, id)
}

// GetByTokenID loads the batch anchored to tokenID.
func (s *Service) GetByTokenID(ctx context.Context, tokenID uint64) (Batch, error) {
	if tokenID == 0 {
		return Batch{}, fmt.Errorf("%w: token id required", shared.ErrValidation)
	}
	return s.repo.GetByTokenID(ctx, tokenID)
}

// GetByNumber loads a batch by its manufacturer-scoped number.
func (s *Service) GetByNumber(ctx context.Context, manufacturer, number string) (Batch, error) {
	addr, err := shared.RequireAddress("manufacturer_address", manufacturer)
	if err != nil {
		return Batch{}, err
	}
	return s.repo.GetByNumber(ctx, addr, strings.TrimSpace(number))
}

// Resolve loads a batch by id, falling back to the caller's batch number.
func (s *Service) Resolve(ctx context.Context, ref string) (Batch, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return s.repo.Get(ctx, ref)
	}
	actor := shared.ActorFromContext(ctx)
	if actor == "" {
		return Batch{}, ErrBatchNotFound
	}
	return s.repo.GetByNumber(ctx, actor, strings.TrimSpace(ref))
}

// List returns batches newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Batch, error) {
	f.Manufacturer = shared.NormalizeAddress(f.Manufacturer)
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, f.Status)
	}
	return s.repo.List(ctx, f)
}

func validateComponents(list []Component) error {
	seen := make(map[uint64]struct{}, len(list))
	for _, c := range list {
		if c.TokenID == 0 {
			return fmt.Errorf("%w: component token id required", shared.ErrValidation)
		}
		if c.Quantity <= 0 {
			return fmt.Errorf("%w: component quantity must be positive", shared.ErrValidation)
		}
		if c.CarbonFootprint.IsNegative() {
			return fmt.Errorf("%w: component carbon footprint must not be negative", shared.ErrValidation)
		}
		if _, dup := seen[c.TokenID]; dup {
			return fmt.Errorf("%w: component token %d listed twice", shared.ErrValidation, c.TokenID)
		}
		seen[c.TokenID] = struct{}{}
	}
	return nil
}

func (s *Service) record(ctx context.Context, action string, b Batch, meta map[string]any) {
	if s.listener != nil {
		s.listener.BatchChanged(ctx, b)
	}
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["manufacturer"] = b.Manufacturer
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "product_batch",
		EntityID: b.ID,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
