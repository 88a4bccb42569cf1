package provenance

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/carbontrack/carbontrack/internal/catalog"
)

// CatalogPort resolves templates and plants.
type CatalogPort interface {
	GetTemplate(ctx context.Context, id string) (catalog.ProductTemplate, error)
	GetPlant(ctx context.Context, id string) (catalog.Plant, error)
}

// CachedCatalog keeps recently used templates and plants in memory. Misses
// and errors are not cached.
type CachedCatalog struct {
	next      CatalogPort
	templates *expirable.LRU[string, catalog.ProductTemplate]
	plants    *expirable.LRU[string, catalog.Plant]
}

// NewCachedCatalog wraps next with LRUs of size entries that expire after ttl.
func NewCachedCatalog(next CatalogPort, size int, ttl time.Duration) *CachedCatalog {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		next:      next,
		templates: expirable.NewLRU[string, catalog.ProductTemplate](size, nil, ttl),
		plants:    expirable.NewLRU[string, catalog.Plant](size, nil, ttl),
	}
}

func (c *CachedCatalog) GetTemplate(ctx context.Context, id string) (catalog.ProductTemplate, error) {
	if t, ok := c.templates.Get(id); ok {
		return t, nil
	}
	t, err := c.next.GetTemplate(ctx, id)
	if err != nil {
		return catalog.ProductTemplate{}, err
	}
	c.templates.Add(id, t)
	return t, nil
}

func (c *CachedCatalog) GetPlant(ctx context.Context, id string) (catalog.Plant, error) {
	if p, ok := c.plants.Get(id); ok {
		return p, nil
	}
	p, err := c.next.GetPlant(ctx, id)
	if err != nil {
		return catalog.Plant{}, err
	}
	c.plants.Add(id, p)
	return p, nil
}

// Purge drops every cached entry.
func (c *CachedCatalog) Purge() {
	c.templates.Purge()
	c.plants.Purge()
}

// CatalogChanged implements catalog.ChangeListener.
func (c *CachedCatalog) CatalogChanged(context.Context) {
	c.Purge()
}
