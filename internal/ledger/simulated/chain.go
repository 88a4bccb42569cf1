// Package simulated is an in-process ledger with the contract's semantics.
// It backs LEDGER_MODE=simulated and the service tests, and can inject the
// partial failures the reconciler has to survive.
package simulated

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/carbontrack/carbontrack/internal/ledger"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// Options configures a Chain.
type Options struct {
	ChainID         uint64
	ContractAddress string
	// Accounts restricts which callers may sign. Empty allows everyone.
	Accounts []string
}

type batchKey struct {
	number       uint64
	manufacturer string
}

type txKind int

const (
	txMint txKind = iota
	txTransfer
)

type transaction struct {
	hash     string
	from     string
	kind     txKind
	mint     ledger.MintRequest
	transfer ledger.TransferRequest
	receipt  *ledger.Receipt
}

// Chain is a single-contract ledger.
type Chain struct {
	mu       sync.Mutex
	chainID  uint64
	contract string
	accounts map[string]bool

	nextToken uint64
	block     uint64
	nonce     uint64
	batches   map[uint64]ledger.BatchInfo
	byBatch   map[batchKey]uint64
	mintLogs  map[uint64]ledger.MintEvent
	balances  map[string]map[uint64]uint64
	txs       map[string]*transaction
	queue     []*transaction
	changed   chan struct{}

	hold          bool
	dropMintEvent bool
	failNext      error
}

var _ ledger.Provider = (*Chain)(nil)

// New returns an empty chain. Token ids start at 1.
func New(opts Options) *Chain {
	c := &Chain{
		chainID:   opts.ChainID,
		contract:  shared.NormalizeAddress(opts.ContractAddress),
		accounts:  map[string]bool{},
		nextToken: 1,
		batches:   map[uint64]ledger.BatchInfo{},
		byBatch:   map[batchKey]uint64{},
		mintLogs:  map[uint64]ledger.MintEvent{},
		balances:  map[string]map[uint64]uint64{},
		txs:       map[string]*transaction{},
		changed:   make(chan struct{}),
	}
	for _, a := range opts.Accounts {
		c.accounts[shared.NormalizeAddress(a)] = true
	}
	return c
}

// ChainID implements ledger.Provider.
func (c *Chain) ChainID() uint64 { return c.chainID }

// ContractAddress implements ledger.Provider.
func (c *Chain) ContractAddress() string { return c.contract }

// Open implements ledger.Provider.
func (c *Chain) Open(_ context.Context, caller string) (ledger.Ledger, error) {
	addr := shared.NormalizeAddress(caller)
	if addr == "" {
		return nil, ledger.ErrNoSigner
	}
	if len(c.accounts) > 0 && !c.accounts[addr] {
		return nil, ledger.ErrNoSigner
	}
	return &session{chain: c, caller: addr}, nil
}

// Reader implements ledger.Provider.
func (c *Chain) Reader() ledger.Reader {
	return &session{chain: c}
}

// HoldReceipts keeps submitted transactions unmined until Release.
func (c *Chain) HoldReceipts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = true
}

// Release mines every held transaction and resumes immediate mining.
func (c *Chain) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = false
	for _, tx := range c.queue {
		c.mineLocked(tx)
	}
	c.queue = nil
	c.notifyLocked()
}

// DropMintEvents makes later mint receipts omit the BatchMinted log.
func (c *Chain) DropMintEvents(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropMintEvent = v
}

// FailNextSubmit makes the next Mint or Transfer return err.
func (c *Chain) FailNextSubmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Credit adds balance without a transaction.
func (c *Chain) Credit(owner string, tokenID, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditLocked(shared.NormalizeAddress(owner), tokenID, amount)
}

func (c *Chain) creditLocked(owner string, tokenID, amount uint64) {
	if c.balances[owner] == nil {
		c.balances[owner] = map[uint64]uint64{}
	}
	c.balances[owner][tokenID] += amount
}

func (c *Chain) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Chain) txHashLocked(from string) string {
	c.nonce++
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(from))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], c.chainID)
	binary.BigEndian.PutUint64(buf[8:], c.nonce)
	_, _ = h.Write(buf[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func (c *Chain) submitLocked(tx *transaction) {
	c.txs[tx.hash] = tx
	if c.hold {
		c.queue = append(c.queue, tx)
		return
	}
	c.mineLocked(tx)
	c.notifyLocked()
}

func (c *Chain) mineLocked(tx *transaction) {
	c.block++
	receipt := &ledger.Receipt{TxHash: tx.hash, BlockNumber: c.block}
	switch tx.kind {
	case txMint:
		receipt.GasUsed = 180_000
		key := batchKey{tx.mint.BatchNumber, tx.from}
		if _, exists := c.byBatch[key]; exists || tx.mint.Quantity == 0 {
			break
		}
		id := c.nextToken
		c.nextToken++
		c.byBatch[key] = id
		c.batches[id] = ledger.BatchInfo{
			TokenID:         id,
			BatchNumber:     tx.mint.BatchNumber,
			Manufacturer:    tx.from,
			TemplateID:      tx.mint.TemplateID,
			Quantity:        tx.mint.Quantity,
			ProductionDate:  tx.mint.ProductionDate,
			ExpiryDate:      tx.mint.ExpiryDate,
			CarbonFootprint: tx.mint.CarbonFootprint,
			PlantID:         tx.mint.PlantID,
			MetadataURI:     tx.mint.MetadataURI,
			IsActive:        true,
		}
		c.creditLocked(tx.from, id, tx.mint.Quantity)
		ev := ledger.MintEvent{TokenID: id, Manufacturer: tx.from, BatchNumber: tx.mint.BatchNumber, TxHash: tx.hash, BlockNumber: c.block}
		c.mintLogs[id] = ev
		receipt.Succeeded = true
		if !c.dropMintEvent {
			receipt.MintEvents = []ledger.MintEvent{ev}
		}
	case txTransfer:
		receipt.GasUsed = 65_000
		req := tx.transfer
		if c.balances[tx.from][req.TokenID] < req.Quantity {
			break
		}
		c.balances[tx.from][req.TokenID] -= req.Quantity
		c.creditLocked(req.To, req.TokenID, req.Quantity)
		receipt.Succeeded = true
	}
	tx.receipt = receipt
}

type session struct {
	chain  *Chain
	caller string
}

func (s *session) Caller() string { return s.caller }

func (s *session) BatchInfo(_ context.Context, tokenID uint64) (ledger.BatchInfo, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.batches[tokenID]
	if !ok {
		return ledger.BatchInfo{}, ledger.Translate(ledger.OpRead, errors.New("execution reverted: Token does not exist"))
	}
	return info, nil
}

func (s *session) BalanceOf(_ context.Context, owner string, tokenID uint64) (uint64, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[shared.NormalizeAddress(owner)][tokenID], nil
}

func (s *session) CurrentTokenID(context.Context) (uint64, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextToken, nil
}

func (s *session) TokenIDByBatch(_ context.Context, batchNumber uint64, manufacturer string) (uint64, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byBatch[batchKey{batchNumber, shared.NormalizeAddress(manufacturer)}], nil
}

func (s *session) FindMintEvent(_ context.Context, tokenID uint64) (ledger.MintEvent, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.mintLogs[tokenID]
	if !ok {
		return ledger.MintEvent{}, fmt.Errorf("%w: no mint event for token %d", shared.ErrNotFound, tokenID)
	}
	return ev, nil
}

func (s *session) checkMint(req ledger.MintRequest) error {
	if req.Quantity == 0 {
		return errors.New("execution reverted: Quantity must be greater than 0")
	}
	if _, exists := s.chain.byBatch[batchKey{req.BatchNumber, s.caller}]; exists {
		return errors.New("execution reverted: Batch already exists")
	}
	return nil
}

func (s *session) EstimateMint(_ context.Context, req ledger.MintRequest) (uint64, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.checkMint(req); err != nil {
		return 0, err
	}
	return 180_000, nil
}

func (s *session) Mint(_ context.Context, req ledger.MintRequest) (ledger.PendingTx, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return ledger.PendingTx{}, ledger.Translate(ledger.OpMint, err)
	}
	if req.GasLimit == 0 {
		return ledger.PendingTx{}, ledger.Translate(ledger.OpMint, errors.New("intrinsic gas too low"))
	}
	if err := s.checkMint(req); err != nil {
		return ledger.PendingTx{}, ledger.Translate(ledger.OpMint, err)
	}
	tx := &transaction{hash: c.txHashLocked(s.caller), from: s.caller, kind: txMint, mint: req}
	c.submitLocked(tx)
	return ledger.PendingTx{Hash: tx.hash, From: s.caller, GasLimit: req.GasLimit}, nil
}

func (s *session) EstimateTransfer(_ context.Context, req ledger.TransferRequest) (uint64, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[s.caller][req.TokenID] < req.Quantity {
		return 0, errors.New("execution reverted: Insufficient balance")
	}
	return 65_000, nil
}

func (s *session) Transfer(_ context.Context, req ledger.TransferRequest) (ledger.PendingTx, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		return ledger.PendingTx{}, ledger.Translate(ledger.OpTransfer, err)
	}
	req.To = shared.NormalizeAddress(req.To)
	tx := &transaction{hash: c.txHashLocked(s.caller), from: s.caller, kind: txTransfer, transfer: req}
	c.submitLocked(tx)
	return ledger.PendingTx{Hash: tx.hash, From: s.caller, GasLimit: req.GasLimit}, nil
}

func (s *session) WaitReceipt(ctx context.Context, txHash string) (ledger.Receipt, error) {
	c := s.chain
	for {
		c.mu.Lock()
		tx, ok := c.txs[shared.NormalizeAddress(txHash)]
		if !ok {
			c.mu.Unlock()
			return ledger.Receipt{}, fmt.Errorf("%w: transaction %s", shared.ErrNotFound, txHash)
		}
		if tx.receipt != nil {
			r := *tx.receipt
			c.mu.Unlock()
			return r, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		case <-changed:
		case <-time.After(time.Second):
		}
	}
}
