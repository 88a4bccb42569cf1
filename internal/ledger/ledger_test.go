package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/shared"
)

type rpcErr struct{ code int }

func (e rpcErr) Error() string  { return "rpc failure" }
func (e rpcErr) ErrorCode() int { return e.code }

func TestTranslateFixedMessages(t *testing.T) {
	cases := []struct {
		raw  error
		kind ErrorKind
		msg  string
	}{
		{errors.New("insufficient funds for gas * price + value"), KindInsufficientFunds, "Insufficient funds for gas. Please add AVAX to your wallet."},
		{rpcErr{code: 4001}, KindUserRejected, "Transaction was rejected by user."},
		{errors.New("replacement transaction underpriced"), KindUnderpriced, "Gas fee too low. Please try again - the network may be congested."},
		{errors.New("execution reverted: Batch already exists"), KindBatchExists, "A batch with this number already exists for your address."},
		{errors.New("execution reverted: Quantity must be greater than 0"), KindInvalidQuantity, "Batch quantity must be greater than 0."},
		{errors.New("execution reverted"), KindReverted, "Transaction failed. The contract rejected the transaction. Please check your parameters."},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, KindNetwork, "Network error. Please check your connection and try again."},
	}
	for _, tc := range cases {
		err := Translate(OpMint, tc.raw)
		var ce *ChainError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, tc.kind, ce.Kind, tc.raw.Error())
		require.Equal(t, tc.msg, ce.UserMessage())
		require.ErrorIs(t, err, shared.ErrChain)
		require.ErrorIs(t, err, tc.raw)
	}
}

func TestTranslateUnknownKeepsDetail(t *testing.T) {
	err := Translate(OpMint, errors.New("nonce too high"))
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindUnknown, ce.Kind)
	require.Equal(t, "Failed to mint tokens: nonce too high", ce.UserMessage())

	err = Translate(OpTransfer, errors.New("nonce too high"))
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "Failed to transfer tokens: nonce too high", ce.UserMessage())
}

func TestTranslatePassesContextErrors(t *testing.T) {
	wrapped := fmt.Errorf("wait: %w", context.DeadlineExceeded)
	require.Equal(t, wrapped, Translate(OpMint, wrapped))
	require.Nil(t, Translate(OpMint, nil))
}

func TestInsufficientBalanceMessage(t *testing.T) {
	err := InsufficientBalance(3, 10)
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "Insufficient balance. You have 3 tokens, trying to transfer 10", ce.UserMessage())
	require.ErrorIs(t, err, shared.ErrChain)
	require.Equal(t, shared.CodeInvalidOperation, shared.ErrorCode(err))
}

func TestBatchNumberDerivation(t *testing.T) {
	n, err := BatchNumber("1042")
	require.NoError(t, err)
	require.Equal(t, uint64(1042), n)

	a, err := BatchNumber("BATCH-1")
	require.NoError(t, err)
	b, err := BatchNumber("BATCH-1")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NotZero(t, a)
	require.Less(t, a, uint64(1)<<63)

	c, err := BatchNumber("BATCH-2")
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	padded, err := BatchNumber("007")
	require.NoError(t, err)
	require.NotEqual(t, uint64(7), padded)
	zeros, err := BatchNumber("00")
	require.NoError(t, err)
	require.NotZero(t, zeros)

	_, err = BatchNumber("0")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = BatchNumber("  ")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = BatchNumber("99999999999999999999999")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMetadataURI(t *testing.T) {
	require.Equal(t, "https://api.carbontrack.com/metadata/batch/7", MetadataURI("", 7))
	require.Equal(t, "http://localhost:8080/metadata/batch/7", MetadataURI("http://localhost:8080/", 7))
}

func TestGasPolicy(t *testing.T) {
	ctx := context.Background()
	fixed := GasPolicy{Ceiling: DefaultMintGasLimit, Strategy: GasFixed}
	limit, err := fixed.Limit(ctx, OpMint, func(context.Context) (uint64, error) { return 1, nil })
	require.NoError(t, err)
	require.Equal(t, DefaultMintGasLimit, limit)

	est := GasPolicy{Ceiling: DefaultMintGasLimit, Strategy: GasEstimate}
	limit, err = est.Limit(ctx, OpMint, func(context.Context) (uint64, error) { return 100_000, nil })
	require.NoError(t, err)
	require.Equal(t, uint64(120_000), limit)

	limit, err = est.Limit(ctx, OpMint, func(context.Context) (uint64, error) { return 450_000, nil })
	require.NoError(t, err)
	require.Equal(t, DefaultMintGasLimit, limit)

	_, err = est.Limit(ctx, OpMint, func(context.Context) (uint64, error) {
		return 0, errors.New("execution reverted: Batch already exists")
	})
	require.ErrorIs(t, err, shared.ErrChain)
}
