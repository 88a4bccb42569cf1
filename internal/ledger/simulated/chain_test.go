package simulated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/shared"
)

func mintReq(n uint64) ledger.MintRequest {
	return ledger.MintRequest{BatchNumber: n, TemplateID: "tpl", Quantity: 100, CarbonFootprint: 250, PlantID: "p", GasLimit: ledger.DefaultMintGasLimit}
}

func TestMintAssignsSequentialTokens(t *testing.T) {
	chain := New(Options{ChainID: 43113})
	ctx := context.Background()
	l, err := chain.Open(ctx, "0xAA")
	require.NoError(t, err)

	tx, err := l.Mint(ctx, mintReq(1))
	require.NoError(t, err)
	r, err := l.WaitReceipt(ctx, tx.Hash)
	require.NoError(t, err)
	require.True(t, r.Succeeded)
	ev, ok := r.MintEventFor(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), ev.TokenID)

	id, err := l.TokenIDByBatch(ctx, 1, "0xaa")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	bal, err := l.BalanceOf(ctx, "0xaa", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), bal)

	next, err := l.CurrentTokenID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	_, err = l.Mint(ctx, mintReq(1))
	var ce *ledger.ChainError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ledger.KindBatchExists, ce.Kind)
}

func TestHeldReceiptsTimeOutThenConfirm(t *testing.T) {
	chain := New(Options{ChainID: 43113})
	ctx := context.Background()
	l, err := chain.Open(ctx, "0xaa")
	require.NoError(t, err)

	chain.HoldReceipts()
	tx, err := l.Mint(ctx, mintReq(5))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.WaitReceipt(short, tx.Hash)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	id, err := l.TokenIDByBatch(ctx, 5, "0xaa")
	require.NoError(t, err)
	require.Zero(t, id)

	done := make(chan ledger.Receipt, 1)
	go func() {
		r, _ := l.WaitReceipt(ctx, tx.Hash)
		done <- r
	}()
	chain.Release()
	select {
	case r := <-done:
		require.True(t, r.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatal("receipt not delivered after release")
	}
}

func TestTransferMovesBalance(t *testing.T) {
	chain := New(Options{ChainID: 43113})
	ctx := context.Background()
	chain.Credit("0xaa", 3, 10)
	l, err := chain.Open(ctx, "0xaa")
	require.NoError(t, err)

	tx, err := l.Transfer(ctx, ledger.TransferRequest{To: "0xBB", TokenID: 3, Quantity: 4, GasLimit: ledger.DefaultTransferGasLimit})
	require.NoError(t, err)
	r, err := l.WaitReceipt(ctx, tx.Hash)
	require.NoError(t, err)
	require.True(t, r.Succeeded)

	bal, _ := l.BalanceOf(ctx, "0xbb", 3)
	require.Equal(t, uint64(4), bal)
	bal, _ = l.BalanceOf(ctx, "0xaa", 3)
	require.Equal(t, uint64(6), bal)
}

func TestOpenRestrictsAccounts(t *testing.T) {
	chain := New(Options{ChainID: 43113, Accounts: []string{"0xAA"}})
	_, err := chain.Open(context.Background(), "0xbb")
	require.ErrorIs(t, err, ledger.ErrNoSigner)
	require.ErrorIs(t, err, shared.ErrInvalidOperation)
	_, err = chain.Open(context.Background(), "0xaa")
	require.NoError(t, err)
}
