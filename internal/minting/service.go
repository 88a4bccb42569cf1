package minting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/carbon"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// RepositoryPort journals mint attempts.
type RepositoryPort interface {
	Insert(ctx context.Context, a Attempt) error
	Update(ctx context.Context, id string, status AttemptStatus, tokenID, block uint64, errText string) error
	Latest(ctx context.Context, batchID string) (Attempt, error)
	OpenBatchIDs(ctx context.Context, limit int) ([]string, error)
	FailStale(ctx context.Context, batchID string, cutoff time.Time) (int64, error)
}

// BatchPort loads batches and writes anchors.
type BatchPort interface {
	Get(ctx context.Context, id string) (batches.Batch, error)
	AttachTokenAnchor(ctx context.Context, id string, anchor batches.Anchor) (batches.Batch, error)
}

// CatalogPort resolves the template and plant a batch refers to.
type CatalogPort interface {
	GetTemplate(ctx context.Context, id string) (catalog.ProductTemplate, error)
	GetPlant(ctx context.Context, id string) (catalog.Plant, error)
}

// Scheduler enqueues a delayed reconcile of one batch.
type Scheduler interface {
	EnqueueReconcile(ctx context.Context, batchID string, delay time.Duration) error
}

// MetricsPort counts mint outcomes.
type MetricsPort interface {
	MintOutcome(status string)
}

// ServiceConfig tunes minting.
type ServiceConfig struct {
	MetadataBaseURL string
	Gas             ledger.GasPolicy
	ConfirmTimeout  time.Duration
	ReconcileDelay  time.Duration
	LockTTL         time.Duration
	// StaleAfter closes submitted attempts whose transaction never produced a token.
	StaleAfter time.Duration
}

// Service mints batches and reconciles partial failures.
type Service struct {
	repo      RepositoryPort
	batches   BatchPort
	catalog   CatalogPort
	ledger    ledger.Provider
	locker    shared.Locker
	scheduler Scheduler
	metrics   MetricsPort
	logger    *slog.Logger
	cfg       ServiceConfig
	now       func() time.Time
}

// NewService constructs the service. scheduler and metrics may be nil.
func NewService(repo RepositoryPort, batchSvc BatchPort, cat CatalogPort, provider ledger.Provider, locker shared.Locker,
	scheduler Scheduler, metrics MetricsPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gas.Ceiling == 0 {
		cfg.Gas.Ceiling = ledger.DefaultMintGasLimit
	}
	if cfg.Gas.Strategy == "" {
		cfg.Gas.Strategy = ledger.GasFixed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.ConfirmTimeout + time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 6 * time.Hour
	}
	return &Service{
		repo:      repo,
		batches:   batchSvc,
		catalog:   cat,
		ledger:    provider,
		locker:    locker,
		scheduler: scheduler,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// MintAndAnchor mints the batch as the manufacturer and anchors the token.
// A batch that already carries an anchor is never minted again. When the
// receipt does not arrive in time the outcome is pending and a reconcile is
// scheduled.
func (s *Service) MintAndAnchor(ctx context.Context, batchID string) (Outcome, error) {
	release, err := s.locker.Acquire(ctx, shared.BatchMintLockKey(batchID), s.cfg.LockTTL)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	b, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return Outcome{}, err
	}
	if b.IsAnchored() {
		return Outcome{}, ErrBatchMinted
	}
	if prev, err := s.repo.Latest(ctx, batchID); err == nil && prev.Status.Open() {
		// An earlier submission may still land; resolve it instead of minting again.
		return s.reconcile(ctx, b)
	} else if err != nil && !errors.Is(err, ErrAttemptNotFound) {
		return Outcome{}, err
	}

	req, err := s.mintRequest(ctx, b)
	if err != nil {
		return Outcome{}, err
	}
	session, err := s.ledger.Open(ctx, b.Manufacturer)
	if err != nil {
		return Outcome{}, err
	}
	req.GasLimit, err = s.cfg.Gas.Limit(ctx, ledger.OpMint, func(ctx context.Context) (uint64, error) {
		return session.EstimateMint(ctx, req)
	})
	if err != nil {
		s.countOutcome("rejected")
		return Outcome{}, err
	}

	tx, err := session.Mint(ctx, req)
	if err != nil {
		s.logger.Warn("mint submission failed", slog.String("batch_id", b.ID),
			slog.String("batch_number", b.BatchNumber), slog.Any("error", err))
		s.countOutcome("rejected")
		return Outcome{}, err
	}
	attempt := Attempt{
		ID:                uuid.NewString(),
		BatchID:           b.ID,
		LedgerBatchNumber: req.BatchNumber,
		Manufacturer:      b.Manufacturer,
		TxHash:            tx.Hash,
		Status:            AttemptSubmitted,
	}
	if err := s.repo.Insert(ctx, attempt); err != nil {
		// The transaction is already out; reconcile finds the token by batch number.
		s.logger.Error("journal mint attempt", slog.String("batch_id", b.ID),
			slog.String("tx_hash", tx.Hash), slog.Any("error", err))
		attempt.ID = ""
	}
	s.logger.Info("mint submitted", slog.String("batch_id", b.ID), slog.String("tx_hash", tx.Hash),
		slog.Uint64("gas_limit", req.GasLimit))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	receipt, err := session.WaitReceipt(waitCtx, tx.Hash)
	cancel()
	if err != nil {
		s.logger.Warn("mint receipt not observed", slog.String("batch_id", b.ID),
			slog.String("tx_hash", tx.Hash), slog.Any("error", err))
		s.scheduleReconcile(ctx, b.ID)
		s.countOutcome(string(OutcomePending))
		return Outcome{BatchID: b.ID, Status: OutcomePending, TxHash: tx.Hash},
			fmt.Errorf("%w: transaction %s", shared.ErrPendingConfirmation, tx.Hash)
	}

	if !receipt.Succeeded {
		s.updateAttempt(ctx, attempt.ID, AttemptFailed, 0, receipt.BlockNumber, "reverted")
		s.countOutcome("reverted")
		return Outcome{}, ledger.Translate(ledger.OpMint, ErrMintReverted)
	}
	event, ok := receipt.MintEventFor(req.BatchNumber)
	if !ok || event.Manufacturer != b.Manufacturer {
		s.updateAttempt(ctx, attempt.ID, AttemptFailed, 0, receipt.BlockNumber, "missing BatchMinted event")
		s.logger.Error("mint confirmation failed", slog.String("batch_id", b.ID),
			slog.String("tx_hash", tx.Hash), slog.Uint64("block", receipt.BlockNumber))
		s.countOutcome("unconfirmed")
		return Outcome{}, fmt.Errorf("%w (tx %s)", ErrMissingMintEvent, tx.Hash)
	}
	s.updateAttempt(ctx, attempt.ID, AttemptConfirmed, event.TokenID, receipt.BlockNumber, "")

	return s.anchor(ctx, b, attempt.ID, event.TokenID, tx.Hash, receipt.BlockNumber)
}

// Reconcile anchors a batch whose token exists on the ledger. It never mints.
func (s *Service) Reconcile(ctx context.Context, batchID string) (Outcome, error) {
	release, err := s.locker.Acquire(ctx, shared.BatchMintLockKey(batchID), s.cfg.LockTTL)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	b, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return Outcome{}, err
	}
	return s.reconcile(ctx, b)
}

func (s *Service) reconcile(ctx context.Context, b batches.Batch) (Outcome, error) {
	if b.IsAnchored() {
		return anchoredOutcome(b), nil
	}
	attempt, err := s.repo.Latest(ctx, b.ID)
	hasAttempt := err == nil
	if err != nil && !errors.Is(err, ErrAttemptNotFound) {
		return Outcome{}, err
	}
	// The journaled number is what was submitted, whatever the batch says now.
	var number uint64
	if hasAttempt && attempt.Status != AttemptFailed && attempt.LedgerBatchNumber != 0 {
		number = attempt.LedgerBatchNumber
	} else if number, err = ledger.BatchNumber(b.BatchNumber); err != nil {
		return Outcome{}, err
	}

	reader := s.ledger.Reader()
	tokenID, err := reader.TokenIDByBatch(ctx, number, b.Manufacturer)
	if err != nil {
		return Outcome{}, err
	}
	if tokenID == 0 {
		if hasAttempt && attempt.Status == AttemptSubmitted {
			if s.now().Sub(attempt.CreatedAt) > s.cfg.StaleAfter {
				if _, err := s.repo.FailStale(ctx, b.ID, s.now().Add(-s.cfg.StaleAfter)); err != nil {
					return Outcome{}, err
				}
				s.logger.Warn("mint attempt abandoned", slog.String("batch_id", b.ID), slog.String("tx_hash", attempt.TxHash))
				return Outcome{BatchID: b.ID, Status: OutcomeNotMinted}, nil
			}
			return Outcome{BatchID: b.ID, Status: OutcomePending, TxHash: attempt.TxHash},
				fmt.Errorf("%w: transaction %s", shared.ErrPendingConfirmation, attempt.TxHash)
		}
		return Outcome{BatchID: b.ID, Status: OutcomeNotMinted}, nil
	}

	info, err := reader.BatchInfo(ctx, tokenID)
	if err != nil {
		return Outcome{}, err
	}
	if err := matchesBatch(info, b, number); err != nil {
		s.logger.Error("ledger token does not match batch", slog.String("batch_id", b.ID),
			slog.String("batch_number", b.BatchNumber), slog.Uint64("token_id", tokenID), slog.Any("error", err))
		s.countOutcome("mismatch")
		return Outcome{}, &ReconciliationError{
			BatchID: b.ID, BatchNumber: b.BatchNumber, Manufacturer: b.Manufacturer, TokenID: tokenID, Err: err,
		}
	}

	var txHash string
	var block uint64
	attemptID := ""
	if hasAttempt && attempt.TxHash != "" && attempt.Status != AttemptFailed {
		txHash, block, attemptID = attempt.TxHash, attempt.BlockNumber, attempt.ID
	}
	if txHash == "" || block == 0 {
		if ev, err := reader.FindMintEvent(ctx, tokenID); err == nil {
			if txHash == "" {
				txHash = ev.TxHash
			}
			if ev.TxHash == txHash {
				block = ev.BlockNumber
			}
		} else if txHash == "" {
			return Outcome{}, &ReconciliationError{
				BatchID: b.ID, BatchNumber: b.BatchNumber, Manufacturer: b.Manufacturer, TokenID: tokenID, Err: err,
			}
		}
	}
	return s.anchor(ctx, b, attemptID, tokenID, txHash, block)
}

func (s *Service) anchor(ctx context.Context, b batches.Batch, attemptID string, tokenID uint64, txHash string, block uint64) (Outcome, error) {
	a := batches.Anchor{TokenID: tokenID, ContractAddress: s.ledger.ContractAddress(), TxHash: txHash}
	if block > 0 {
		a.BlockNumber = &block
	}
	anchored, err := s.batches.AttachTokenAnchor(ctx, b.ID, a)
	if err != nil {
		if errors.Is(err, batches.ErrAlreadyAnchored) {
			if current, gerr := s.batches.Get(ctx, b.ID); gerr == nil && current.Anchor != nil && current.Anchor.TokenID == tokenID {
				s.updateAttempt(ctx, attemptID, AttemptAnchored, tokenID, block, "")
				return anchoredOutcome(current), nil
			}
		}
		s.logger.Error("token minted but not anchored",
			slog.String("batch_id", b.ID),
			slog.String("batch_number", b.BatchNumber),
			slog.String("manufacturer", b.Manufacturer),
			slog.String("tx_hash", txHash),
			slog.Uint64("token_id", tokenID),
			slog.Any("error", err))
		if !errors.Is(err, shared.ErrConflict) {
			s.scheduleReconcile(ctx, b.ID)
		}
		s.countOutcome("reconciliation")
		return Outcome{BatchID: b.ID, Status: OutcomePending, TokenID: tokenID, TxHash: txHash, BlockNumber: block},
			&ReconciliationError{
				BatchID: b.ID, BatchNumber: b.BatchNumber, Manufacturer: b.Manufacturer,
				TxHash: txHash, TokenID: tokenID, Err: err,
			}
	}
	s.updateAttempt(ctx, attemptID, AttemptAnchored, tokenID, block, "")
	s.logger.Info("batch anchored", slog.String("batch_id", b.ID), slog.Uint64("token_id", tokenID),
		slog.String("tx_hash", txHash))
	s.countOutcome(string(OutcomeAnchored))
	return anchoredOutcome(anchored), nil
}

// ReconcilePending sweeps batches with open attempts. Individual failures are
// logged and counted; only a failed listing aborts the sweep.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.OpenBatchIDs(ctx, limit)
	if err != nil {
		return SweepReport{}, err
	}
	var report SweepReport
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		out, err := s.Reconcile(ctx, id)
		switch {
		case err == nil && out.Status == OutcomeAnchored:
			report.Anchored++
		case err == nil && out.Status == OutcomeNotMinted:
			report.NotMinted++
		case errors.Is(err, shared.ErrPendingConfirmation), errors.Is(err, shared.ErrLockBusy):
			report.Pending++
		default:
			report.Failed++
			s.logger.Warn("reconcile batch", slog.String("batch_id", id), slog.Any("error", err))
		}
	}
	return report, nil
}

func (s *Service) mintRequest(ctx context.Context, b batches.Batch) (ledger.MintRequest, error) {
	number, err := ledger.BatchNumber(b.BatchNumber)
	if err != nil {
		return ledger.MintRequest{}, err
	}
	if b.Quantity <= 0 {
		return ledger.MintRequest{}, ErrInvalidQuantity
	}
	if _, err := s.catalog.GetTemplate(ctx, b.TemplateID); err != nil {
		return ledger.MintRequest{}, err
	}
	if _, err := s.catalog.GetPlant(ctx, b.PlantID); err != nil {
		return ledger.MintRequest{}, err
	}
	footprint, err := carbon.ToLedgerUnits(b.CarbonFootprint)
	if err != nil {
		return ledger.MintRequest{}, err
	}
	req := ledger.MintRequest{
		BatchNumber:     number,
		TemplateID:      b.TemplateID,
		Quantity:        uint64(b.Quantity),
		ProductionDate:  b.ProductionDate,
		CarbonFootprint: footprint,
		PlantID:         b.PlantID,
		MetadataURI:     ledger.MetadataURI(s.cfg.MetadataBaseURL, number),
	}
	if b.ExpiryDate != nil {
		req.ExpiryDate = *b.ExpiryDate
	}
	return req, nil
}

// matchesBatch checks that a token found by batch number carries the data the
// batch would have been minted with.
func matchesBatch(info ledger.BatchInfo, b batches.Batch, number uint64) error {
	var diffs []string
	if shared.NormalizeAddress(info.Manufacturer) != b.Manufacturer {
		diffs = append(diffs, "manufacturer "+info.Manufacturer)
	}
	if expected, err := ledger.BatchNumber(b.BatchNumber); err != nil || info.BatchNumber != number || info.BatchNumber != expected {
		diffs = append(diffs, fmt.Sprintf("batch number %d", info.BatchNumber))
	}
	if info.TemplateID != b.TemplateID {
		diffs = append(diffs, "template "+info.TemplateID)
	}
	if info.PlantID != b.PlantID {
		diffs = append(diffs, "plant "+info.PlantID)
	}
	if b.Quantity < 0 || info.Quantity != uint64(b.Quantity) {
		diffs = append(diffs, fmt.Sprintf("quantity %d", info.Quantity))
	}
	if footprint, err := carbon.ToLedgerUnits(b.CarbonFootprint); err != nil || footprint != info.CarbonFootprint {
		diffs = append(diffs, fmt.Sprintf("carbon footprint %d", info.CarbonFootprint))
	}
	if len(diffs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: ledger reports %s", ErrLedgerMismatch, strings.Join(diffs, ", "))
}

func (s *Service) updateAttempt(ctx context.Context, id string, status AttemptStatus, tokenID, block uint64, errText string) {
	if id == "" {
		return
	}
	if err := s.repo.Update(ctx, id, status, tokenID, block, errText); err != nil {
		s.logger.Warn("update mint attempt", slog.String("attempt_id", id), slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

func (s *Service) scheduleReconcile(ctx context.Context, batchID string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.EnqueueReconcile(context.WithoutCancel(ctx), batchID, s.cfg.ReconcileDelay); err != nil {
		s.logger.Error("schedule reconcile", slog.String("batch_id", batchID), slog.Any("error", err))
	}
}

func (s *Service) countOutcome(status string) {
	if s.metrics != nil {
		s.metrics.MintOutcome(status)
	}
}

func anchoredOutcome(b batches.Batch) Outcome {
	out := Outcome{BatchID: b.ID, Status: OutcomeAnchored, Batch: &b}
	if b.Anchor != nil {
		out.TokenID = b.Anchor.TokenID
		out.TxHash = b.Anchor.TxHash
		if b.Anchor.BlockNumber != nil {
			out.BlockNumber = *b.Anchor.BlockNumber
		}
	}
	return out
}
