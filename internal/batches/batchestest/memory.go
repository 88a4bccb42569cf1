// Package batchestest provides an in-memory batch repository for tests.
package batchestest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carbontrack/carbontrack/internal/batches"
)

// Memory implements batches.RepositoryPort with the same guards as the
// PostgreSQL repository.
type Memory struct {
	mu       sync.Mutex
	items    map[string]batches.Batch
	inFlight map[string]bool
	seq      int

	// AttachErr, when set, is returned by the next AttachAnchor call.
	AttachErr error
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{items: map[string]batches.Batch{}, inFlight: map[string]bool{}}
}

// SetMintInFlight marks a batch as having an unconfirmed mint.
func (m *Memory) SetMintInFlight(id string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[id] = v
}

// HasOpenAttempt reports the flag set by SetMintInFlight.
func (m *Memory) HasOpenAttempt(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[id], nil
}

// Put stores b verbatim, bypassing every guard.
func (m *Memory) Put(b batches.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		m.seq++
		b.CreatedAt = time.Unix(int64(m.seq), 0)
	}
	m.items[b.ID] = b
}

func clone(b batches.Batch) batches.Batch {
	if b.Anchor != nil {
		a := *b.Anchor
		b.Anchor = &a
	}
	b.Components = append([]batches.Component{}, b.Components...)
	return b
}

func (m *Memory) Insert(_ context.Context, b batches.Batch) (batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.Manufacturer == b.Manufacturer && existing.BatchNumber == b.BatchNumber {
			return batches.Batch{}, batches.ErrDuplicateBatchNumber
		}
	}
	m.seq++
	b.CreatedAt = time.Unix(int64(m.seq), 0)
	b.UpdatedAt = b.CreatedAt
	m.items[b.ID] = clone(b)
	return clone(b), nil
}

func (m *Memory) Get(_ context.Context, id string) (batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return batches.Batch{}, batches.ErrBatchNotFound
	}
	return clone(b), nil
}

func (m *Memory) GetByTokenID(_ context.Context, tokenID uint64) (batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.items {
		if b.Anchor != nil && b.Anchor.TokenID == tokenID {
			return clone(b), nil
		}
	}
	return batches.Batch{}, batches.ErrBatchNotFound
}

func (m *Memory) GetByNumber(_ context.Context, manufacturer, number string) (batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.items {
		if b.Manufacturer == manufacturer && b.BatchNumber == number {
			return clone(b), nil
		}
	}
	return batches.Batch{}, batches.ErrBatchNotFound
}

func (m *Memory) Update(_ context.Context, b batches.Batch) (batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[b.ID]
	if !ok {
		return batches.Batch{}, batches.ErrBatchNotFound
	}
	finalChanged := cur.BatchNumber != b.BatchNumber || cur.Quantity != b.Quantity ||
		!cur.CarbonFootprint.Equal(b.CarbonFootprint) || cur.PlantID != b.PlantID
	if finalChanged && cur.Anchor != nil {
		return batches.Batch{}, batches.ErrFinalized
	}
	if finalChanged && m.inFlight[b.ID] {
		return batches.Batch{}, batches.ErrMintInFlight
	}
	for id, other := range m.items {
		if id != b.ID && other.Manufacturer == b.Manufacturer && other.BatchNumber == b.BatchNumber {
			return batches.Batch{}, batches.ErrDuplicateBatchNumber
		}
	}
	b.Anchor = cur.Anchor
	b.CreatedAt = cur.CreatedAt
	b.UpdatedAt = time.Now()
	m.items[b.ID] = clone(b)
	return clone(b), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return batches.ErrBatchNotFound
	}
	if b.Anchor != nil {
		return batches.ErrAnchoredDelete
	}
	if m.inFlight[id] {
		return batches.ErrMintInFlight
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) AttachAnchor(_ context.Context, id string, a batches.Anchor) (batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.AttachErr; err != nil {
		m.AttachErr = nil
		return batches.Batch{}, err
	}
	b, ok := m.items[id]
	if !ok {
		return batches.Batch{}, batches.ErrBatchNotFound
	}
	if b.Anchor != nil {
		return batches.Batch{}, batches.ErrAlreadyAnchored
	}
	for _, other := range m.items {
		if other.Anchor != nil && other.Anchor.TokenID == a.TokenID {
			return batches.Batch{}, batches.ErrTokenAnchored
		}
	}
	a.AnchoredAt = time.Now()
	b.Anchor = &a
	m.items[id] = b
	return clone(b), nil
}

func (m *Memory) List(_ context.Context, f batches.Filter) ([]batches.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []batches.Batch
	for _, b := range m.items {
		if f.Manufacturer != "" && b.Manufacturer != f.Manufacturer {
			continue
		}
		if f.TemplateID != "" && b.TemplateID != f.TemplateID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.Anchored != nil && *f.Anchored != (b.Anchor != nil) {
			continue
		}
		out = append(out, clone(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
