// Package catalogtest provides in-memory template and plant lookups for tests.
package catalogtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/carbontrack/carbontrack/internal/catalog"
)

// Memory resolves templates and plants from maps.
type Memory struct {
	mu        sync.RWMutex
	templates map[string]catalog.ProductTemplate
	plants    map[string]catalog.Plant

	// Lookups counts every Get call.
	Lookups atomic.Int64
}

// NewMemory returns an empty catalog.
func NewMemory() *Memory {
	return &Memory{templates: map[string]catalog.ProductTemplate{}, plants: map[string]catalog.Plant{}}
}

// AddTemplate stores t.
func (m *Memory) AddTemplate(t catalog.ProductTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

// AddPlant stores p.
func (m *Memory) AddPlant(p catalog.Plant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plants[p.ID] = p
}

func (m *Memory) GetTemplate(_ context.Context, id string) (catalog.ProductTemplate, error) {
	m.Lookups.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return catalog.ProductTemplate{}, catalog.ErrTemplateNotFound
	}
	return t, nil
}

func (m *Memory) GetPlant(_ context.Context, id string) (catalog.Plant, error) {
	m.Lookups.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plants[id]
	if !ok {
		return catalog.Plant{}, catalog.ErrPlantNotFound
	}
	return p, nil
}
