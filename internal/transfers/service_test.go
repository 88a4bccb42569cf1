package transfers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/ledger/simulated"
	"github.com/carbontrack/carbontrack/internal/shared"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
	carol = "0x00000000000000000000000000000000000000cc"
)

type memoryRepo struct {
	mu    sync.Mutex
	items []Transfer
	clock time.Time
}

func (m *memoryRepo) Insert(_ context.Context, t Transfer) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.TxHash == t.TxHash && existing.TokenID == t.TokenID && existing.From == t.From && existing.To == t.To {
			return Transfer{}, ErrDuplicateTransfer
		}
	}
	if m.clock.IsZero() {
		m.clock = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	m.clock = m.clock.Add(time.Minute)
	t.CreatedAt = m.clock
	m.items = append(m.items, t)
	return t, nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transfer
	for _, t := range m.items {
		if f.Address != "" && t.From != f.Address && t.To != f.Address {
			continue
		}
		if f.From != "" && t.From != f.From {
			continue
		}
		if f.To != "" && t.To != f.To {
			continue
		}
		if f.TokenID > 0 && t.TokenID != f.TokenID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type stubBatches map[uint64]string

func (s stubBatches) GetByTokenID(_ context.Context, tokenID uint64) (batches.Batch, error) {
	id, ok := s[tokenID]
	if !ok {
		return batches.Batch{}, batches.ErrBatchNotFound
	}
	return batches.Batch{ID: id}, nil
}

type recordingScheduler struct {
	mu      sync.Mutex
	pending []PendingTransfer
}

func (r *recordingScheduler) EnqueueConfirm(_ context.Context, p PendingTransfer, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, p)
	return nil
}

func newService(t *testing.T, cfg ServiceConfig) (*Service, *memoryRepo, *simulated.Chain, *recordingScheduler) {
	t.Helper()
	repo := &memoryRepo{}
	chain := simulated.New(simulated.Options{ChainID: 43113, ContractAddress: "0xd6b231a6605490e83863d3b71c1c01e4e5b1212d"})
	sched := &recordingScheduler{}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = time.Second
	}
	svc := NewService(repo, stubBatches{7: "batch-7"}, chain, sched, nil, cfg)
	return svc, repo, chain, sched
}

func TestRecordTransferNormalisesAndRejectsDuplicates(t *testing.T) {
	svc, _, _, _ := newService(t, ServiceConfig{})
	ctx := context.Background()
	in := RecordInput{
		From:     "0x00000000000000000000000000000000000000AA",
		To:       "0x00000000000000000000000000000000000000BB",
		TokenID:  7,
		Quantity: 10,
		Reason:   " restock ",
		TxHash:   "0xABC",
	}

	tr, err := svc.RecordTransfer(ctx, in)
	require.NoError(t, err)
	require.Equal(t, alice, tr.From)
	require.Equal(t, bob, tr.To)
	require.Equal(t, "0xabc", tr.TxHash)
	require.Equal(t, TypeLogistics, tr.Type)
	require.Equal(t, "restock", tr.Reason)
	require.Equal(t, "batch-7", tr.BatchID)

	_, err = svc.RecordTransfer(ctx, in)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestRecordTransferValidation(t *testing.T) {
	svc, _, _, _ := newService(t, ServiceConfig{})
	ctx := context.Background()
	base := RecordInput{From: alice, To: bob, TokenID: 1, Quantity: 1, TxHash: "0x1"}

	cases := map[string]func(*RecordInput){
		"self":     func(in *RecordInput) { in.To = alice },
		"no token": func(in *RecordInput) { in.TokenID = 0 },
		"zero qty": func(in *RecordInput) { in.Quantity = 0 },
		"no hash":  func(in *RecordInput) { in.TxHash = " " },
		"bad type": func(in *RecordInput) { in.Type = "teleport" },
		"bad addr": func(in *RecordInput) { in.From = "alice" },
		"negative": func(in *RecordInput) { v := decimal.NewFromInt(-1); in.CarbonFootprint = &v },
	}
	for name, mutate := range cases {
		in := base
		mutate(&in)
		_, err := svc.RecordTransfer(ctx, in)
		require.ErrorIs(t, err, shared.ErrValidation, name)
	}
}

func TestTransfersForReturnsBothDirectionsNewestFirst(t *testing.T) {
	svc, _, _, _ := newService(t, ServiceConfig{})
	ctx := context.Background()
	for i, pair := range [][2]string{{alice, bob}, {bob, carol}, {carol, alice}} {
		_, err := svc.RecordTransfer(ctx, RecordInput{From: pair[0], To: pair[1], TokenID: 1, Quantity: int64(i + 1), TxHash: "0x" + string(rune('a'+i))})
		require.NoError(t, err)
	}

	items, err := svc.TransfersFor(ctx, "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.EqualValues(t, 3, items[0].Quantity)
	require.EqualValues(t, 1, items[1].Quantity)

	_, err = svc.TransfersFor(ctx, "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransferOnLedgerChecksBalanceFirst(t *testing.T) {
	svc, repo, chain, _ := newService(t, ServiceConfig{})
	ctx := context.Background()
	chain.Credit(alice, 7, 3)

	_, err := svc.TransferOnLedger(ctx, TransferInput{From: alice, To: bob, TokenID: 7, Quantity: 10})
	require.ErrorIs(t, err, shared.ErrInvalidOperation)
	var chainErr *ledger.ChainError
	require.ErrorAs(t, err, &chainErr)
	require.Equal(t, "Insufficient balance. You have 3 tokens, trying to transfer 10", chainErr.UserMessage())

	bal, err := chain.Reader().BalanceOf(ctx, bob, 7)
	require.NoError(t, err)
	require.Zero(t, bal)
	require.Empty(t, repo.items)
}

func TestTransferOnLedgerRecordsConfirmedMovement(t *testing.T) {
	svc, _, chain, sched := newService(t, ServiceConfig{Gas: ledger.GasPolicy{Ceiling: 300_000, Strategy: ledger.GasEstimate}})
	ctx := context.Background()
	chain.Credit(alice, 7, 100)
	footprint := decimal.RequireFromString("12.5")

	out, err := svc.TransferOnLedger(ctx, TransferInput{
		From: alice, To: bob, TokenID: 7, Quantity: 40, Type: TypeRetail, Reason: "order 12",
		CarbonFootprint: &footprint,
		Logistics:       Logistics{FromLocation: "Jakarta", ToLocation: "Bandung", TransportMethod: "truck"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, out.Status)
	require.NotNil(t, out.Transfer)
	require.Equal(t, TypeRetail, out.Transfer.Type)
	require.Equal(t, "batch-7", out.Transfer.BatchID)
	require.NotNil(t, out.Transfer.BlockNumber)
	require.NotNil(t, out.Transfer.GasUsed)
	require.Equal(t, "truck", out.Transfer.TransportMethod)
	require.True(t, out.Transfer.CarbonFootprint.Equal(footprint))
	require.Empty(t, sched.pending)

	reader := chain.Reader()
	have, err := reader.BalanceOf(ctx, alice, 7)
	require.NoError(t, err)
	require.EqualValues(t, 60, have)
	have, err = reader.BalanceOf(ctx, bob, 7)
	require.NoError(t, err)
	require.EqualValues(t, 40, have)
}

func TestTransferOnLedgerPendingThenConfirmed(t *testing.T) {
	svc, repo, chain, sched := newService(t, ServiceConfig{ConfirmTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	chain.Credit(alice, 7, 10)
	chain.HoldReceipts()

	out, err := svc.TransferOnLedger(ctx, TransferInput{From: alice, To: bob, TokenID: 7, Quantity: 5})
	require.ErrorIs(t, err, shared.ErrPendingConfirmation)
	require.Equal(t, OutcomePending, out.Status)
	require.Len(t, sched.pending, 1)
	require.Equal(t, out.TxHash, sched.pending[0].TxHash)
	require.Empty(t, repo.items)

	chain.Release()
	done, err := svc.ConfirmPending(ctx, sched.pending[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, done.Status)
	require.Len(t, repo.items, 1)

	again, err := svc.ConfirmPending(ctx, sched.pending[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, again.Status)
	require.Len(t, repo.items, 1)
}

type flakyProvider struct {
	*simulated.Chain
	waitFailures int
}

func (p *flakyProvider) Open(ctx context.Context, caller string) (ledger.Ledger, error) {
	session, err := p.Chain.Open(ctx, caller)
	if err != nil {
		return nil, err
	}
	return &flakySession{Ledger: session, provider: p}, nil
}

type flakySession struct {
	ledger.Ledger
	provider *flakyProvider
}

func (s *flakySession) WaitReceipt(ctx context.Context, txHash string) (ledger.Receipt, error) {
	if s.provider.waitFailures > 0 {
		s.provider.waitFailures--
		return ledger.Receipt{}, errors.New("rpc: connection reset by peer")
	}
	return s.Ledger.WaitReceipt(ctx, txHash)
}

type flakyRepo struct {
	*memoryRepo
	insertFailures int
}

func (r *flakyRepo) Insert(ctx context.Context, t Transfer) (Transfer, error) {
	if r.insertFailures > 0 {
		r.insertFailures--
		return Transfer{}, errors.New("conn closed")
	}
	return r.memoryRepo.Insert(ctx, t)
}

func TestTransferOnLedgerReceiptErrorStaysPending(t *testing.T) {
	chain := simulated.New(simulated.Options{ChainID: 43113, ContractAddress: "0xd6b231a6605490e83863d3b71c1c01e4e5b1212d"})
	chain.Credit(alice, 7, 10)
	provider := &flakyProvider{Chain: chain, waitFailures: 1}
	repo, sched := &memoryRepo{}, &recordingScheduler{}
	svc := NewService(repo, stubBatches{7: "batch-7"}, provider, sched, nil, ServiceConfig{ConfirmTimeout: time.Second})
	ctx := context.Background()

	out, err := svc.TransferOnLedger(ctx, TransferInput{From: alice, To: bob, TokenID: 7, Quantity: 4})
	require.ErrorIs(t, err, shared.ErrPendingConfirmation)
	require.Equal(t, OutcomePending, out.Status)
	require.NotEmpty(t, out.TxHash)
	require.Len(t, sched.pending, 1)
	require.Empty(t, repo.items)

	have, err := chain.Reader().BalanceOf(ctx, bob, 7)
	require.NoError(t, err)
	require.EqualValues(t, 4, have)

	done, err := svc.ConfirmPending(ctx, sched.pending[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, done.Status)
	require.Len(t, repo.items, 1)
}

func TestTransferOnLedgerRecordErrorStaysPending(t *testing.T) {
	chain := simulated.New(simulated.Options{ChainID: 43113, ContractAddress: "0xd6b231a6605490e83863d3b71c1c01e4e5b1212d"})
	chain.Credit(alice, 7, 10)
	repo := &flakyRepo{memoryRepo: &memoryRepo{}, insertFailures: 1}
	sched := &recordingScheduler{}
	svc := NewService(repo, stubBatches{7: "batch-7"}, chain, sched, nil, ServiceConfig{ConfirmTimeout: time.Second})
	ctx := context.Background()

	out, err := svc.TransferOnLedger(ctx, TransferInput{From: alice, To: bob, TokenID: 7, Quantity: 4})
	require.ErrorIs(t, err, shared.ErrPendingConfirmation)
	require.Equal(t, OutcomePending, out.Status)
	require.Len(t, sched.pending, 1)
	require.Empty(t, repo.items)

	done, err := svc.ConfirmPending(ctx, sched.pending[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, done.Status)
	require.Len(t, repo.items, 1)
	require.Equal(t, out.TxHash, repo.items[0].TxHash)
}

func TestTransferOnLedgerRejectsZeroRecipient(t *testing.T) {
	svc, _, _, _ := newService(t, ServiceConfig{})
	_, err := svc.TransferOnLedger(context.Background(), TransferInput{
		From: alice, To: "0x0000000000000000000000000000000000000000", TokenID: 7, Quantity: 1,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestExportXLSX(t *testing.T) {
	svc, _, _, _ := newService(t, ServiceConfig{})
	ctx := context.Background()
	_, err := svc.RecordTransfer(ctx, RecordInput{From: alice, To: bob, TokenID: 7, Quantity: 10, TxHash: "0x1", Type: TypeManufacturing})
	require.NoError(t, err)
	_, err = svc.RecordTransfer(ctx, RecordInput{From: carol, To: alice, TokenID: 8, Quantity: 4, TxHash: "0x2"})
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, svc.ExportXLSX(ctx, alice, buf))

	f, err := excelize.OpenReader(buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Transfers")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "created_at", rows[0][0])
	require.Equal(t, "in", rows[1][3])
	require.Equal(t, "out", rows[2][3])
	require.Equal(t, "manufacturing", rows[2][7])
}

func TestHandlerRecordAndList(t *testing.T) {
	svc, _, _, _ := newService(t, ServiceConfig{})
	r := chi.NewRouter()
	r.Route("/transfers", NewHandler(nil, svc).MountRoutes)

	body, _ := json.Marshal(map[string]any{
		"from_address": alice, "to_address": bob, "token_id": 7, "quantity": 2, "tx_hash": "0xfeed",
		"transfer_type": "consumer", "to_location": "Surabaya",
	})
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transfers/", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/transfers/", bytes.NewReader(body)))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transfers/?address="+bob, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Items []Transfer `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "Surabaya", resp.Items[0].ToLocation)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/transfers/export.xlsx?address="+bob, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Disposition"), "transfers_"+bob)
}
