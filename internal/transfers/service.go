package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// RepositoryPort stores transfers.
type RepositoryPort interface {
	Insert(ctx context.Context, t Transfer) (Transfer, error)
	List(ctx context.Context, f Filter) ([]Transfer, error)
}

// BatchPort resolves the batch behind a token id.
type BatchPort interface {
	GetByTokenID(ctx context.Context, tokenID uint64) (batches.Batch, error)
}

// Scheduler enqueues confirmation of a submitted transfer.
type Scheduler interface {
	EnqueueConfirm(ctx context.Context, pending PendingTransfer, delay time.Duration) error
}

// ServiceConfig tunes ledger transfers.
type ServiceConfig struct {
	Gas            ledger.GasPolicy
	ConfirmTimeout time.Duration
	ConfirmDelay   time.Duration
}

// Service records and submits token movements.
type Service struct {
	repo      RepositoryPort
	batches   BatchPort
	ledger    ledger.Provider
	scheduler Scheduler
	logger    *slog.Logger
	cfg       ServiceConfig
}

// NewService constructs the service. batchSvc, provider and scheduler may be
// nil when only recording is needed.
func NewService(repo RepositoryPort, batchSvc BatchPort, provider ledger.Provider, scheduler Scheduler, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gas.Ceiling == 0 {
		cfg.Gas.Ceiling = ledger.DefaultTransferGasLimit
	}
	if cfg.Gas.Strategy == "" {
		cfg.Gas.Strategy = ledger.GasFixed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = 30 * time.Second
	}
	return &Service{repo: repo, batches: batchSvc, ledger: provider, scheduler: scheduler, logger: logger, cfg: cfg}
}

// RecordTransfer appends a confirmed movement.
func (s *Service) RecordTransfer(ctx context.Context, in RecordInput) (Transfer, error) {
	from, err := shared.ValidateAddress(in.From)
	if err != nil {
		return Transfer{}, err
	}
	to, err := shared.ValidateAddress(in.To)
	if err != nil {
		return Transfer{}, err
	}
	if from == to {
		return Transfer{}, ErrSelfTransfer
	}
	if in.TokenID == 0 {
		return Transfer{}, fmt.Errorf("%w: token id required", shared.ErrValidation)
	}
	if in.Quantity <= 0 {
		return Transfer{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	txHash := shared.NormalizeAddress(in.TxHash)
	if txHash == "" {
		return Transfer{}, fmt.Errorf("%w: transaction hash required", shared.ErrValidation)
	}
	kind := in.Type
	if kind == "" {
		kind = TypeLogistics
	}
	if !kind.Valid() {
		return Transfer{}, fmt.Errorf("%w: unknown transfer type %q", shared.ErrValidation, in.Type)
	}
	footprint := decimal.Zero
	if in.CarbonFootprint != nil {
		if in.CarbonFootprint.IsNegative() {
			return Transfer{}, fmt.Errorf("%w: carbon footprint must not be negative", shared.ErrValidation)
		}
		footprint = *in.CarbonFootprint
	}

	t := Transfer{
		ID:              uuid.NewString(),
		TokenID:         in.TokenID,
		BatchID:         s.batchFor(ctx, in.TokenID),
		From:            from,
		To:              to,
		Quantity:        in.Quantity,
		Type:            kind,
		Reason:          strings.TrimSpace(in.Reason),
		CarbonFootprint: footprint,
		TxHash:          txHash,
		BlockNumber:     in.BlockNumber,
		GasUsed:         in.GasUsed,
		Logistics:       in.Logistics,
	}
	stored, err := s.repo.Insert(ctx, t)
	if err != nil {
		return Transfer{}, err
	}
	s.logger.Info("transfer recorded", slog.Uint64("token_id", stored.TokenID), slog.String("from", from),
		slog.String("to", to), slog.Int64("quantity", stored.Quantity), slog.String("tx_hash", txHash))
	return stored, nil
}

// TransfersFor lists movements where address is sender or receiver, newest first.
func (s *Service) TransfersFor(ctx context.Context, address string) ([]Transfer, error) {
	addr, err := shared.RequireAddress("address", address)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, Filter{Address: addr})
}

// List returns transfers matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Transfer, error) {
	f.Address = shared.NormalizeAddress(f.Address)
	f.From = shared.NormalizeAddress(f.From)
	f.To = shared.NormalizeAddress(f.To)
	return s.repo.List(ctx, f)
}

// TransferOnLedger moves tokens from the caller's account. The on-chain
// balance is checked before anything is submitted. The movement is recorded
// once the receipt confirms it. Once submitted, any failure short of a
// reverted receipt leaves the outcome pending and schedules confirmation.
func (s *Service) TransferOnLedger(ctx context.Context, in TransferInput) (Outcome, error) {
	if s.ledger == nil {
		return Outcome{}, fmt.Errorf("%w: ledger not configured", shared.ErrInvalidOperation)
	}
	from, err := shared.ValidateAddress(in.From)
	if err != nil {
		return Outcome{}, err
	}
	to, err := shared.ValidateAddress(in.To)
	if err != nil {
		return Outcome{}, err
	}
	if from == to {
		return Outcome{}, ErrSelfTransfer
	}
	if shared.IsZeroAddress(to) {
		return Outcome{}, fmt.Errorf("%w: recipient must not be the zero address", shared.ErrValidation)
	}
	if in.TokenID == 0 {
		return Outcome{}, fmt.Errorf("%w: token id required", shared.ErrValidation)
	}
	if in.Quantity <= 0 {
		return Outcome{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	if in.Type != "" && !in.Type.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown transfer type %q", shared.ErrValidation, in.Type)
	}
	in.From, in.To = from, to

	session, err := s.ledger.Open(ctx, from)
	if err != nil {
		return Outcome{}, err
	}
	balance, err := session.BalanceOf(ctx, from, in.TokenID)
	if err != nil {
		return Outcome{}, err
	}
	if balance < uint64(in.Quantity) {
		return Outcome{}, ledger.InsufficientBalance(balance, uint64(in.Quantity))
	}

	req := ledger.TransferRequest{
		To:       to,
		TokenID:  in.TokenID,
		Quantity: uint64(in.Quantity),
		Reason:   strings.TrimSpace(in.Reason),
		Metadata: in.Metadata,
	}
	req.GasLimit, err = s.cfg.Gas.Limit(ctx, ledger.OpTransfer, func(ctx context.Context) (uint64, error) {
		return session.EstimateTransfer(ctx, req)
	})
	if err != nil {
		return Outcome{}, err
	}
	tx, err := session.Transfer(ctx, req)
	if err != nil {
		s.logger.Warn("transfer submission failed", slog.Uint64("token_id", in.TokenID), slog.String("from", from),
			slog.Any("error", err))
		return Outcome{}, err
	}
	s.logger.Info("transfer submitted", slog.Uint64("token_id", in.TokenID), slog.String("tx_hash", tx.Hash))

	pending := PendingTransfer{TxHash: tx.Hash, Input: in}
	out, err := s.confirm(ctx, session, pending, s.cfg.ConfirmTimeout)
	if errors.Is(err, shared.ErrPendingConfirmation) && s.scheduler != nil {
		if qerr := s.scheduler.EnqueueConfirm(context.WithoutCancel(ctx), pending, s.cfg.ConfirmDelay); qerr != nil {
			s.logger.Error("schedule transfer confirmation", slog.String("tx_hash", tx.Hash), slog.Any("error", qerr))
		}
	}
	return out, err
}

// ConfirmPending waits for the receipt of a submitted transfer and records it.
// Already recorded transfers are reported as confirmed.
func (s *Service) ConfirmPending(ctx context.Context, pending PendingTransfer) (Outcome, error) {
	if s.ledger == nil {
		return Outcome{}, fmt.Errorf("%w: ledger not configured", shared.ErrInvalidOperation)
	}
	session, err := s.ledger.Open(ctx, pending.Input.From)
	if err != nil {
		return Outcome{}, err
	}
	return s.confirm(ctx, session, pending, s.cfg.ConfirmTimeout)
}

func (s *Service) confirm(ctx context.Context, session ledger.Ledger, pending PendingTransfer, timeout time.Duration) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	receipt, err := session.WaitReceipt(waitCtx, pending.TxHash)
	cancel()
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("transfer receipt unavailable", slog.String("tx_hash", pending.TxHash), slog.Any("error", err))
		}
		return stillPending(pending, err)
	}
	if !receipt.Succeeded {
		return Outcome{}, ledger.Translate(ledger.OpTransfer, fmt.Errorf("execution reverted in %s", pending.TxHash))
	}

	in := pending.Input
	block, gas := receipt.BlockNumber, receipt.GasUsed
	t, err := s.RecordTransfer(ctx, RecordInput{
		From:            in.From,
		To:              in.To,
		TokenID:         in.TokenID,
		Quantity:        in.Quantity,
		Type:            in.Type,
		Reason:          in.Reason,
		CarbonFootprint: in.CarbonFootprint,
		TxHash:          receipt.TxHash,
		BlockNumber:     &block,
		GasUsed:         &gas,
		Logistics:       in.Logistics,
	})
	switch {
	case errors.Is(err, ErrDuplicateTransfer):
		return Outcome{Status: OutcomeConfirmed, TxHash: receipt.TxHash}, nil
	case errors.Is(err, shared.ErrValidation):
		return Outcome{}, err
	case err != nil:
		// The tokens have moved; the row is written by the confirmation job.
		s.logger.Error("record confirmed transfer", slog.String("tx_hash", receipt.TxHash), slog.Any("error", err))
		return stillPending(pending, err)
	}
	return Outcome{Status: OutcomeConfirmed, TxHash: receipt.TxHash, Transfer: &t}, nil
}

// stillPending reports a submitted transfer whose outcome is not yet recorded.
func stillPending(pending PendingTransfer, cause error) (Outcome, error) {
	return Outcome{Status: OutcomePending, TxHash: pending.TxHash},
		fmt.Errorf("%w: transaction %s: %v", shared.ErrPendingConfirmation, pending.TxHash, cause)
}

func (s *Service) batchFor(ctx context.Context, tokenID uint64) string {
	if s.batches == nil {
		return ""
	}
	b, err := s.batches.GetByTokenID(ctx, tokenID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("resolve batch for transfer", slog.Uint64("token_id", tokenID), slog.Any("error", err))
		}
		return ""
	}
	return b.ID
}
