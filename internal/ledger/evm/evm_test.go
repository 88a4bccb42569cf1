package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/shared"
)

const testContract = "0xD6B231A6605490E83863D3B71c1C01e4E5B1212D"

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(nil, Config{ChainID: 43113, ContractAddress: testContract}, nil)
	require.NoError(t, err)
	return p
}

func TestContractABIParses(t *testing.T) {
	parsed, err := parseABI()
	require.NoError(t, err)
	for _, m := range []string{"mintBatch", "transferToPartner", "getBatchInfo", "balanceOf", "getCurrentTokenId", "getTokenIdByBatch"} {
		require.Contains(t, parsed.Methods, m)
	}
	require.Len(t, parsed.Methods["mintBatch"].Inputs, 9)
	require.Contains(t, parsed.Events, "BatchMinted")
}

func TestMintArgsPack(t *testing.T) {
	parsed, err := parseABI()
	require.NoError(t, err)
	_, err = parsed.Pack("mintBatch", mintArgs(ledger.MintRequest{BatchNumber: 42, TemplateID: "t", Quantity: 100, CarbonFootprint: 250})...)
	require.NoError(t, err)
	_, err = parsed.Pack("transferToPartner", transferArgs(ledger.TransferRequest{To: "0x00000000000000000000000000000000000000bb", TokenID: 7, Quantity: 10})...)
	require.NoError(t, err)
}

func mintLog(t *testing.T, p *Provider, tokenID, batchNumber uint64, manufacturer common.Address) *types.Log {
	t.Helper()
	event := p.abi.Events["BatchMinted"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(int64(batchNumber)), big.NewInt(100), big.NewInt(250))
	require.NoError(t, err)
	return &types.Log{
		Address:     p.contract,
		Topics:      []common.Hash{event.ID, common.BigToHash(big.NewInt(int64(tokenID))), common.BytesToHash(manufacturer.Bytes())},
		Data:        data,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: 12345,
	}
}

func TestReceiptDecodesBatchMinted(t *testing.T) {
	p := newTestProvider(t)
	maker := common.HexToAddress("0x00000000000000000000000000000000000000AA")

	foreign := mintLog(t, p, 9, 1, maker)
	foreign.Address = common.HexToAddress("0x0000000000000000000000000000000000000001")

	r := p.toReceipt(&types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: big.NewInt(12345),
		GasUsed:     180000,
		Logs:        []*types.Log{foreign, mintLog(t, p, 7, 42, maker)},
	})
	require.True(t, r.Succeeded)
	require.EqualValues(t, 12345, r.BlockNumber)
	require.Len(t, r.MintEvents, 1)

	ev, ok := r.MintEventFor(42)
	require.True(t, ok)
	require.EqualValues(t, 7, ev.TokenID)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", ev.Manufacturer)

	_, ok = r.MintEventFor(1)
	require.False(t, ok)
}

func TestFailedReceipt(t *testing.T) {
	p := newTestProvider(t)
	r := p.toReceipt(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(3)})
	require.False(t, r.Succeeded)
	require.Empty(t, r.MintEvents)
}

func TestNewProviderRejectsBadContract(t *testing.T) {
	_, err := NewProvider(nil, Config{ContractAddress: "nope"}, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestParseKeysChecksAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	keys, err := ParseKeys(map[string]string{addr: "0x" + hexKey})
	require.NoError(t, err)
	require.Contains(t, keys, shared.NormalizeAddress(addr))

	_, err = ParseKeys(map[string]string{"0x00000000000000000000000000000000000000aa": hexKey})
	require.Error(t, err)
}

func TestOpenWithoutKeyFails(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Open(t.Context(), "0x00000000000000000000000000000000000000aa")
	require.ErrorIs(t, err, ledger.ErrNoSigner)
}
