package provenance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/batches/batchestest"
	"github.com/carbontrack/carbontrack/internal/catalog"
	"github.com/carbontrack/carbontrack/internal/catalog/catalogtest"
	"github.com/carbontrack/carbontrack/internal/shared"
)

type fixture struct {
	catalog *catalogtest.Memory
	batches *batchestest.Memory
}

func newFixture() fixture {
	cat := catalogtest.NewMemory()
	cat.AddTemplate(catalog.ProductTemplate{
		ID:   "tpl-steel",
		Name: "Steel Coil",
		Specification: catalog.Specification{
			Weight:                 decimal.NewFromInt(20),
			Materials:              []string{"iron", "carbon"},
			CarbonFootprintPerUnit: decimal.RequireFromString("1.8"),
		},
		IsRawMaterial: true,
	})
	cat.AddTemplate(catalog.ProductTemplate{
		ID:   "tpl-frame",
		Name: "Bicycle Frame",
		Specification: catalog.Specification{
			Materials:              []string{"steel"},
			CarbonFootprintPerUnit: decimal.NewFromInt(12),
		},
	})
	cat.AddPlant(catalog.Plant{
		ID:       "plant-1",
		Name:     "Cilegon Mill",
		Location: catalog.Location{City: "Cilegon", Country: "Indonesia"},
	})
	return fixture{catalog: cat, batches: batchestest.NewMemory()}
}

func (f fixture) put(tokenID uint64, template string, components ...uint64) {
	b := batches.Batch{
		ID:              "batch-" + strconv.FormatUint(tokenID, 10),
		BatchNumber:     "B-" + strconv.FormatUint(tokenID, 10),
		TemplateID:      template,
		Quantity:        10,
		ProductionDate:  time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		CarbonFootprint: decimal.NewFromInt(100),
		Manufacturer:    "0xaa",
		PlantID:         "plant-1",
		Status:          batches.StatusProduction,
		Anchor:          &batches.Anchor{TokenID: tokenID, TxHash: "0xtx"},
	}
	for _, c := range components {
		b.Components = append(b.Components, batches.Component{
			TokenID:         c,
			TokenName:       "component",
			Quantity:        2,
			CarbonFootprint: decimal.NewFromInt(36),
		})
	}
	f.batches.Put(b)
}

func (f fixture) service(cache *Cache) *Service {
	return NewService(f.batches, f.catalog, cache, nil, ServiceConfig{})
}

func TestBuildTreeResolvesComponents(t *testing.T) {
	f := newFixture()
	f.put(1, "tpl-steel")
	f.put(3, "tpl-frame", 1, 99)

	root, err := f.service(nil).BuildTree(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Equal(t, TypeProduct, root.Type)
	require.Equal(t, "Bicycle Frame", root.Name)
	require.Equal(t, "B-3", root.BatchNumber)
	require.Equal(t, "Cilegon Mill", root.PlantName)
	require.Equal(t, "Cilegon, Indonesia", root.Location)
	require.Equal(t, "0xtx", root.TxHash)
	require.True(t, root.FootprintPerUnit.Equal(decimal.NewFromInt(12)))
	require.Nil(t, root.Weight)
	require.Empty(t, root.Truncated)
	require.Len(t, root.Children, 2)

	steel := root.Children[0]
	require.Equal(t, TypeRawMaterial, steel.Type)
	require.Equal(t, uint64(1), steel.TokenID)
	require.Equal(t, []string{"iron", "carbon"}, steel.Materials)
	require.True(t, steel.Weight.Equal(decimal.NewFromInt(20)))
	require.Equal(t, int64(2), steel.Usage.Quantity)
	require.Empty(t, steel.Children)

	unknown := root.Children[1]
	require.Equal(t, TypeUnresolved, unknown.Type)
	require.Equal(t, uint64(99), unknown.TokenID)
	require.Equal(t, int64(2), unknown.Quantity)
	require.True(t, unknown.CarbonFootprint.Equal(decimal.NewFromInt(36)))
}

func TestBuildTreeSelfCycleIsTruncated(t *testing.T) {
	f := newFixture()
	f.put(5, "tpl-frame", 5)

	root, err := f.service(nil).BuildTree(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), root.TokenID)
	require.Len(t, root.Children, 1)
	require.Equal(t, TruncatedCycle, root.Children[0].Truncated)
	require.Empty(t, root.Children[0].Children)
}

func TestBuildTreeNeverRepeatsTokenOnPath(t *testing.T) {
	f := newFixture()
	f.put(10, "tpl-frame", 11)
	f.put(11, "tpl-frame", 12)
	f.put(12, "tpl-frame", 10, 11)

	root, err := f.service(nil).BuildTree(context.Background(), 10, MaxDepth)
	require.NoError(t, err)

	var walk func(n Node, path map[uint64]bool)
	walk = func(n Node, path map[uint64]bool) {
		if n.Truncated == TruncatedCycle {
			require.True(t, path[n.TokenID])
			return
		}
		require.False(t, path[n.TokenID], "token %d repeated", n.TokenID)
		next := map[uint64]bool{n.TokenID: true}
		for id := range path {
			next[id] = true
		}
		for _, c := range n.Children {
			walk(c, next)
		}
	}
	walk(root, map[uint64]bool{})

	leaf := root.Children[0].Children[0]
	require.Equal(t, uint64(12), leaf.TokenID)
	require.Len(t, leaf.Children, 2)
	for _, c := range leaf.Children {
		require.Equal(t, TruncatedCycle, c.Truncated)
	}
}

func TestBuildTreeSharedComponentIsNotACycle(t *testing.T) {
	f := newFixture()
	f.put(33, "tpl-steel")
	f.put(31, "tpl-frame", 33)
	f.put(32, "tpl-frame", 33)
	f.put(30, "tpl-frame", 31, 32)

	root, err := f.service(nil).BuildTree(context.Background(), 30, 0)
	require.NoError(t, err)
	for _, c := range root.Children {
		require.Len(t, c.Children, 1)
		require.Equal(t, uint64(33), c.Children[0].TokenID)
		require.Empty(t, c.Children[0].Truncated)
	}
}

func TestBuildTreeDepthBound(t *testing.T) {
	f := newFixture()
	f.put(23, "tpl-steel")
	f.put(22, "tpl-frame", 23)
	f.put(21, "tpl-frame", 22)
	f.put(20, "tpl-frame", 21)
	svc := f.service(nil)

	root, err := svc.BuildTree(context.Background(), 20, 2)
	require.NoError(t, err)
	cut := root.Children[0].Children[0]
	require.Equal(t, uint64(22), cut.TokenID)
	require.Equal(t, TruncatedDepth, cut.Truncated)
	require.Empty(t, cut.Children)

	full, err := svc.BuildTree(context.Background(), 20, 100)
	require.NoError(t, err)
	count := 0
	full.Walk(func(n Node) {
		count++
		require.Empty(t, n.Truncated)
	})
	require.Equal(t, 4, count)

	_, err = svc.BuildTree(context.Background(), 20, -1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

type countingBatches struct {
	BatchPort
	calls atomic.Int64
}

func (c *countingBatches) GetByTokenID(ctx context.Context, tokenID uint64) (batches.Batch, error) {
	c.calls.Add(1)
	return c.BatchPort.GetByTokenID(ctx, tokenID)
}

func TestBuildTreeDenseGraphStaysWithinNodeBudget(t *testing.T) {
	f := newFixture()
	const n = 8
	for id := uint64(1); id <= n; id++ {
		var others []uint64
		for other := uint64(1); other <= n; other++ {
			if other != id {
				others = append(others, other)
			}
		}
		f.put(id, "tpl-frame", others...)
	}
	counted := &countingBatches{BatchPort: f.batches}
	svc := NewService(counted, f.catalog, nil, nil, ServiceConfig{Parallelism: 1, MaxNodes: 60})

	root, err := svc.BuildTree(context.Background(), 1, MaxDepth)
	require.NoError(t, err)

	nodes, budgetCuts := 0, 0
	root.Walk(func(node Node) {
		nodes++
		if node.Truncated == TruncatedBudget {
			budgetCuts++
			require.Empty(t, node.Children)
		}
	})
	require.LessOrEqual(t, nodes, 60)
	require.Positive(t, budgetCuts)
	require.Len(t, root.Children, n-1)

	// Each batch is loaded and described once however often it recurs.
	require.Equal(t, int64(n), counted.calls.Load())
	require.Equal(t, int64(2*n), f.catalog.Lookups.Load())
}

func TestBuildTreeBudgetLeavesSmallTreesWhole(t *testing.T) {
	f := newFixture()
	f.put(1, "tpl-steel")
	f.put(3, "tpl-frame", 1, 1)
	svc := NewService(f.batches, f.catalog, nil, nil, ServiceConfig{MaxNodes: 3})

	root, err := svc.BuildTree(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Empty(t, root.Truncated)
	require.Len(t, root.Children, 2)

	tight := NewService(f.batches, f.catalog, nil, nil, ServiceConfig{MaxNodes: 2})
	root, err = tight.BuildTree(context.Background(), 3, 0)
	require.NoError(t, err)
	require.Equal(t, TruncatedBudget, root.Truncated)
	require.Empty(t, root.Children)
}

func TestBuildTreeUnknownRoot(t *testing.T) {
	_, err := newFixture().service(nil).BuildTree(context.Background(), 404, 0)
	require.ErrorIs(t, err, ErrTokenNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBuildTreeUsesRedisCacheUntilBatchChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture()
	f.put(1, "tpl-steel")
	f.put(3, "tpl-frame", 1)
	cache := NewCache(client, time.Minute, nil)
	svc := f.service(cache)
	ctx := context.Background()

	first, err := svc.BuildTree(ctx, 3, 0)
	require.NoError(t, err)
	lookups := f.catalog.Lookups.Load()
	require.Equal(t, int64(4), lookups)

	second, err := svc.BuildTree(ctx, 3, 0)
	require.NoError(t, err)
	require.Equal(t, lookups, f.catalog.Lookups.Load())
	require.Equal(t, first.Name, second.Name)
	require.True(t, first.CarbonFootprint.Equal(second.CarbonFootprint))
	require.Len(t, second.Children, 1)

	cache.BatchChanged(ctx, batches.Batch{ID: "batch-3"})
	_, err = svc.BuildTree(ctx, 3, 0)
	require.NoError(t, err)
	require.Equal(t, 2*lookups, f.catalog.Lookups.Load())

	_, err = svc.BuildTree(ctx, 404, 0)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.BuildTree(ctx, 404, 0)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBuildTreeWithoutRedisBuildsUncached(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture()
	f.put(1, "tpl-steel")
	f.put(3, "tpl-frame", 1)
	ctx := context.Background()

	failing := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.SetError("ERR cache offline")
	root, err := f.service(NewCache(failing, time.Minute, nil)).BuildTree(ctx, 3, 0)
	require.NoError(t, err)
	require.Equal(t, "Bicycle Frame", root.Name)
	require.Len(t, root.Children, 1)
	_ = failing.Close()
	mr.SetError("")

	closed := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, closed.Close())
	root, err = f.service(NewCache(closed, time.Minute, nil)).BuildTree(ctx, 3, 0)
	require.NoError(t, err)
	require.Equal(t, "Bicycle Frame", root.Name)

	_, err = f.service(NewCache(closed, time.Minute, nil)).BuildTree(ctx, 404, 0)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCatalogEditRetiresCachedTrees(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture()
	f.put(7, "tpl-wheel")
	cache := NewCache(client, time.Minute, nil)
	lookups := NewCachedCatalog(f.catalog, 16, time.Minute)
	svc := NewService(f.batches, lookups, cache, nil, ServiceConfig{})
	ctx := context.Background()

	before, err := svc.BuildTree(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, "B-7", before.Name)

	f.catalog.AddTemplate(catalog.ProductTemplate{ID: "tpl-wheel", Name: "Wheel"})
	stale, err := svc.BuildTree(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, "B-7", stale.Name)

	cache.CatalogChanged(ctx)
	lookups.CatalogChanged(ctx)
	after, err := svc.BuildTree(ctx, 7, 0)
	require.NoError(t, err)
	require.Equal(t, "Wheel", after.Name)
}

func TestConcurrentBuildsAgree(t *testing.T) {
	f := newFixture()
	f.put(1, "tpl-steel")
	f.put(3, "tpl-frame", 1)
	svc := f.service(nil)

	var wg sync.WaitGroup
	results := make([]Node, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.BuildTree(context.Background(), 3, 0)
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "Bicycle Frame", results[i].Name)
		require.Len(t, results[i].Children, 1)
	}
}

func TestCachedCatalogSkipsRepeatLookups(t *testing.T) {
	f := newFixture()
	cached := NewCachedCatalog(f.catalog, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cached.GetTemplate(ctx, "tpl-steel")
		require.NoError(t, err)
		_, err = cached.GetPlant(ctx, "plant-1")
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), f.catalog.Lookups.Load())

	_, err := cached.GetTemplate(ctx, "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = cached.GetTemplate(ctx, "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, int64(4), f.catalog.Lookups.Load())

	cached.Purge()
	_, err = cached.GetPlant(ctx, "plant-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), f.catalog.Lookups.Load())
}

func TestHandlerTree(t *testing.T) {
	f := newFixture()
	f.put(5, "tpl-frame", 5)
	r := chi.NewRouter()
	r.Route("/provenance", NewHandler(nil, f.service(nil)).MountRoutes)

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	rr := get("/provenance/5?depth=4")
	require.Equal(t, http.StatusOK, rr.Code)
	var node Node
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &node))
	require.Equal(t, uint64(5), node.TokenID)
	require.Equal(t, TruncatedCycle, node.Children[0].Truncated)

	require.Equal(t, http.StatusBadRequest, get("/provenance/abc").Code)
	require.Equal(t, http.StatusNotFound, get("/provenance/6").Code)
}
