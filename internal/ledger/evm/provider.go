// Package evm implements the ledger port against an EVM JSON-RPC endpoint.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config selects the network and contract.
type Config struct {
	RPCURL          string
	ChainID         uint64
	ContractAddress string
	KeysFile        string
	// FromBlock bounds mint event log scans, normally the deployment block.
	FromBlock    uint64
	PollInterval time.Duration
}

// Provider opens signing sessions for the accounts it holds keys for.
type Provider struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	bound    *bind.BoundContract
	chainID  uint64
	keys     map[string]*ecdsa.PrivateKey
	from     uint64
	poll     time.Duration
}

var _ ledger.Provider = (*Provider)(nil)

// Dial connects to cfg.RPCURL and loads signing keys from cfg.KeysFile.
func Dial(ctx context.Context, cfg Config) (*Provider, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, ledger.Translate(ledger.OpRead, err)
	}
	keys := map[string]*ecdsa.PrivateKey{}
	if cfg.KeysFile != "" {
		if keys, err = LoadKeys(cfg.KeysFile); err != nil {
			client.Close()
			return nil, err
		}
	}
	return NewProvider(client, cfg, keys)
}

// NewProvider wraps an existing backend.
func NewProvider(backend Backend, cfg Config, keys map[string]*ecdsa.PrivateKey) (*Provider, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", shared.ErrValidation, cfg.ContractAddress)
	}
	parsed, err := parseABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	addr := common.HexToAddress(cfg.ContractAddress)
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Provider{
		backend:  backend,
		abi:      parsed,
		contract: addr,
		bound:    bind.NewBoundContract(addr, parsed, backend, backend, backend),
		chainID:  cfg.ChainID,
		keys:     keys,
		from:     cfg.FromBlock,
		poll:     poll,
	}, nil
}

// ChainID implements ledger.Provider.
func (p *Provider) ChainID() uint64 { return p.chainID }

// ContractAddress implements ledger.Provider.
func (p *Provider) ContractAddress() string {
	return shared.NormalizeAddress(p.contract.Hex())
}

// Open verifies the backend serves the configured chain and returns a session
// signing as caller.
func (p *Provider) Open(ctx context.Context, caller string) (ledger.Ledger, error) {
	addr, err := shared.ValidateAddress(caller)
	if err != nil {
		return nil, err
	}
	key, ok := p.keys[addr]
	if !ok {
		return nil, ledger.ErrNoSigner
	}
	if err := p.checkNetwork(ctx); err != nil {
		return nil, err
	}
	return &session{p: p, caller: common.HexToAddress(addr), key: key}, nil
}

// Reader implements ledger.Provider.
func (p *Provider) Reader() ledger.Reader {
	return &session{p: p}
}

func (p *Provider) checkNetwork(ctx context.Context) error {
	id, err := p.backend.ChainID(ctx)
	if err != nil {
		return ledger.Translate(ledger.OpRead, err)
	}
	if !id.IsUint64() || id.Uint64() != p.chainID {
		return fmt.Errorf("%w: expected chain %d, got %s", ledger.ErrNetworkMismatch, p.chainID, id)
	}
	return nil
}

type session struct {
	p      *Provider
	caller common.Address
	key    *ecdsa.PrivateKey
}

func (s *session) Caller() string {
	return shared.NormalizeAddress(s.caller.Hex())
}

func u256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

func toUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func fromUnix(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func (s *session) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := s.p.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, ledger.Translate(ledger.OpRead, err)
	}
	if len(out) == 0 {
		return nil, ledger.Translate(ledger.OpRead, fmt.Errorf("call exception: %s returned nothing", method))
	}
	return out, nil
}

func (s *session) callUint(ctx context.Context, method string, args ...any) (uint64, error) {
	out, err := s.call(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, ledger.Translate(ledger.OpRead, fmt.Errorf("call exception: %s returned %T", method, out[0]))
	}
	return toUint64(v), nil
}

func (s *session) BatchInfo(ctx context.Context, tokenID uint64) (ledger.BatchInfo, error) {
	out, err := s.call(ctx, "getBatchInfo", u256(tokenID))
	if err != nil {
		return ledger.BatchInfo{}, err
	}
	raw, ok := abi.ConvertType(out[0], new(batchInfoTuple)).(*batchInfoTuple)
	if !ok {
		return ledger.BatchInfo{}, ledger.Translate(ledger.OpRead, errors.New("call exception: unexpected getBatchInfo layout"))
	}
	return ledger.BatchInfo{
		TokenID:         tokenID,
		BatchNumber:     toUint64(raw.BatchNumber),
		Manufacturer:    shared.NormalizeAddress(raw.Manufacturer.Hex()),
		TemplateID:      raw.TemplateId,
		Quantity:        toUint64(raw.Quantity),
		ProductionDate:  fromUnix(raw.ProductionDate),
		ExpiryDate:      fromUnix(raw.ExpiryDate),
		CarbonFootprint: toUint64(raw.CarbonFootprint),
		PlantID:         raw.PlantId,
		MetadataURI:     raw.MetadataURI,
		IsActive:        raw.IsActive,
	}, nil
}

func (s *session) BalanceOf(ctx context.Context, owner string, tokenID uint64) (uint64, error) {
	addr, err := shared.ValidateAddress(owner)
	if err != nil {
		return 0, err
	}
	return s.callUint(ctx, "balanceOf", common.HexToAddress(addr), u256(tokenID))
}

func (s *session) CurrentTokenID(ctx context.Context) (uint64, error) {
	return s.callUint(ctx, "getCurrentTokenId")
}

func (s *session) TokenIDByBatch(ctx context.Context, batchNumber uint64, manufacturer string) (uint64, error) {
	addr, err := shared.ValidateAddress(manufacturer)
	if err != nil {
		return 0, err
	}
	return s.callUint(ctx, "getTokenIdByBatch", u256(batchNumber), common.HexToAddress(addr))
}

func (s *session) FindMintEvent(ctx context.Context, tokenID uint64) (ledger.MintEvent, error) {
	event := s.p.abi.Events["BatchMinted"]
	logs, err := s.p.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: u256(s.p.from),
		Addresses: []common.Address{s.p.contract},
		Topics:    [][]common.Hash{{event.ID}, {common.BigToHash(u256(tokenID))}},
	})
	if err != nil {
		return ledger.MintEvent{}, ledger.Translate(ledger.OpRead, err)
	}
	for _, l := range logs {
		if ev, ok := s.p.decodeMintLog(l); ok {
			return ev, nil
		}
	}
	return ledger.MintEvent{}, fmt.Errorf("%w: no mint event for token %d", shared.ErrNotFound, tokenID)
}

func (p *Provider) decodeMintLog(l types.Log) (ledger.MintEvent, bool) {
	event := p.abi.Events["BatchMinted"]
	if l.Address != p.contract || len(l.Topics) < 3 || l.Topics[0] != event.ID {
		return ledger.MintEvent{}, false
	}
	fields := map[string]any{}
	if err := p.abi.UnpackIntoMap(fields, "BatchMinted", l.Data); err != nil {
		return ledger.MintEvent{}, false
	}
	number, _ := fields["batchNumber"].(*big.Int)
	return ledger.MintEvent{
		TokenID:      toUint64(l.Topics[1].Big()),
		Manufacturer: shared.NormalizeAddress(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		BatchNumber:  toUint64(number),
		TxHash:       shared.NormalizeAddress(l.TxHash.Hex()),
		BlockNumber:  l.BlockNumber,
	}, true
}

func mintArgs(req ledger.MintRequest) []any {
	data := req.Data
	if data == nil {
		data = []byte{}
	}
	return []any{
		u256(req.BatchNumber), req.TemplateID, u256(req.Quantity), unix(req.ProductionDate),
		unix(req.ExpiryDate), u256(req.CarbonFootprint), req.PlantID, req.MetadataURI, data,
	}
}

func transferArgs(req ledger.TransferRequest) []any {
	return []any{common.HexToAddress(req.To), u256(req.TokenID), u256(req.Quantity), req.Reason, req.Metadata}
}

func (s *session) estimate(ctx context.Context, method string, args []any) (uint64, error) {
	data, err := s.p.abi.Pack(method, args...)
	if err != nil {
		return 0, err
	}
	to := s.p.contract
	return s.p.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.caller, To: &to, Data: data})
}

func (s *session) transact(ctx context.Context, op ledger.Op, gas uint64, method string, args []any) (ledger.PendingTx, error) {
	if s.key == nil {
		return ledger.PendingTx{}, ledger.ErrNoSigner
	}
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, u256(s.p.chainID))
	if err != nil {
		return ledger.PendingTx{}, ledger.Translate(op, err)
	}
	opts.Context = ctx
	opts.GasLimit = gas
	tx, err := s.p.bound.Transact(opts, method, args...)
	if err != nil {
		return ledger.PendingTx{}, ledger.Translate(op, err)
	}
	return ledger.PendingTx{Hash: shared.NormalizeAddress(tx.Hash().Hex()), From: s.Caller(), GasLimit: tx.Gas()}, nil
}

func (s *session) EstimateMint(ctx context.Context, req ledger.MintRequest) (uint64, error) {
	return s.estimate(ctx, "mintBatch", mintArgs(req))
}

func (s *session) Mint(ctx context.Context, req ledger.MintRequest) (ledger.PendingTx, error) {
	return s.transact(ctx, ledger.OpMint, req.GasLimit, "mintBatch", mintArgs(req))
}

func (s *session) EstimateTransfer(ctx context.Context, req ledger.TransferRequest) (uint64, error) {
	return s.estimate(ctx, "transferToPartner", transferArgs(req))
}

func (s *session) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.PendingTx, error) {
	return s.transact(ctx, ledger.OpTransfer, req.GasLimit, "transferToPartner", transferArgs(req))
}

func (s *session) WaitReceipt(ctx context.Context, txHash string) (ledger.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.p.poll)
	defer ticker.Stop()
	for {
		r, err := s.p.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return s.p.toReceipt(r), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return ledger.Receipt{}, ctx.Err()
			}
			return ledger.Receipt{}, ledger.Translate(ledger.OpRead, err)
		}
		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) toReceipt(r *types.Receipt) ledger.Receipt {
	out := ledger.Receipt{
		TxHash:    shared.NormalizeAddress(r.TxHash.Hex()),
		GasUsed:   r.GasUsed,
		Succeeded: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		if ev, ok := p.decodeMintLog(*l); ok {
			if ev.BlockNumber == 0 {
				ev.BlockNumber = out.BlockNumber
			}
			out.MintEvents = append(out.MintEvents, ev)
		}
	}
	return out
}
