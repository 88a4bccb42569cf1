package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/carbontrack/carbontrack/internal/batches"
	"github.com/carbontrack/carbontrack/internal/shared"
)

// BatchPort resolves the batch anchored to a token.
type BatchPort interface {
	GetByTokenID(ctx context.Context, tokenID uint64) (batches.Batch, error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// DefaultDepth applies when BuildTree is called with maxDepth 0.
	DefaultDepth int
	// Parallelism bounds concurrent child lookups per node.
	Parallelism int
	// MaxNodes caps the nodes of one tree. Defaults to DefaultMaxNodes.
	MaxNodes int
}

// Service builds provenance trees. It never writes.
type Service struct {
	batches     BatchPort
	catalog     CatalogPort
	cache       *Cache
	logger      *slog.Logger
	group       singleflight.Group
	depth       int
	parallelism int
	maxNodes    int
}

// NewService constructs the service. cache may be nil.
func NewService(batchSvc BatchPort, cat CatalogPort, cache *Cache, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultDepth <= 0 || cfg.DefaultDepth > MaxDepth {
		cfg.DefaultDepth = DefaultDepth
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	return &Service{
		batches:     batchSvc,
		catalog:     cat,
		cache:       cache,
		logger:      logger,
		depth:       cfg.DefaultDepth,
		parallelism: cfg.Parallelism,
		maxNodes:    cfg.MaxNodes,
	}
}

// BuildTree returns the tree rooted at the batch anchored to rootTokenID.
// Cycles and branches deeper than maxDepth are cut and flagged, never fatal.
func (s *Service) BuildTree(ctx context.Context, rootTokenID uint64, maxDepth int) (Node, error) {
	if rootTokenID == 0 {
		return Node{}, fmt.Errorf("%w: token id required", shared.ErrValidation)
	}
	switch {
	case maxDepth < 0:
		return Node{}, fmt.Errorf("%w: depth must not be negative", shared.ErrValidation)
	case maxDepth == 0:
		maxDepth = s.depth
	case maxDepth > MaxDepth:
		maxDepth = MaxDepth
	}

	cached := true
	key, err := s.cache.BuildKey(ctx, "tree", strconv.FormatUint(rootTokenID, 10), strconv.Itoa(maxDepth))
	if err != nil {
		s.logger.Warn("provenance cache unavailable, building uncached",
			slog.Uint64("token_id", rootTokenID), slog.Any("error", err))
		cached = false
		key = fmt.Sprintf("uncached:%d:%d", rootTokenID, maxDepth)
	}
	res := s.group.DoChan(key, func() (any, error) {
		// Shared by every caller waiting on key, so it must outlive any one of them.
		buildCtx := context.WithoutCancel(ctx)
		if !cached {
			return s.build(buildCtx, rootTokenID, maxDepth)
		}
		var root Node
		err := s.cache.FetchJSON(buildCtx, key, &root, func(ctx context.Context) (any, error) {
			return s.build(ctx, rootTokenID, maxDepth)
		})
		return root, err
	})
	select {
	case <-ctx.Done():
		return Node{}, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return Node{}, r.Err
		}
		return r.Val.(Node), nil
	}
}

// walk is the state shared by every branch of one build.
type walk struct {
	remaining atomic.Int64

	mu     sync.Mutex
	nodes  map[uint64]resolved
	parent *Service
}

type resolved struct {
	batch batches.Batch
	node  Node
	found bool
}

// reserve claims n nodes from the budget, or none when fewer remain.
func (w *walk) reserve(n int64) bool {
	for {
		left := w.remaining.Load()
		if left < n {
			return false
		}
		if w.remaining.CompareAndSwap(left, left-n) {
			return true
		}
	}
}

// resolve loads and describes the batch behind tokenID once per build.
func (w *walk) resolve(ctx context.Context, tokenID uint64, typ NodeType) (resolved, error) {
	w.mu.Lock()
	r, ok := w.nodes[tokenID]
	w.mu.Unlock()
	if !ok {
		b, err := w.parent.batches.GetByTokenID(ctx, tokenID)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			r = resolved{}
		case err != nil:
			return resolved{}, err
		default:
			node, err := w.parent.describe(ctx, b, TypeComponent)
			if err != nil {
				return resolved{}, err
			}
			r = resolved{batch: b, node: node, found: true}
		}
		w.mu.Lock()
		w.nodes[tokenID] = r
		w.mu.Unlock()
	}
	if r.found && typ == TypeProduct && r.node.Type == TypeComponent {
		r.node.Type = TypeProduct
	}
	return r, nil
}

func (s *Service) build(ctx context.Context, rootTokenID uint64, maxDepth int) (Node, error) {
	w := &walk{nodes: make(map[uint64]resolved), parent: s}
	w.remaining.Store(int64(s.maxNodes) - 1)

	root, err := w.resolve(ctx, rootTokenID, TypeProduct)
	if err != nil {
		return Node{}, err
	}
	if !root.found {
		return Node{}, ErrTokenNotFound
	}
	node := root.node
	if err := s.expand(ctx, w, &node, root.batch, map[uint64]struct{}{rootTokenID: {}}, 0, maxDepth); err != nil {
		return Node{}, err
	}
	s.logger.Debug("provenance tree built",
		slog.Uint64("token_id", rootTokenID),
		slog.Int("max_depth", maxDepth),
		slog.Int64("nodes", int64(s.maxNodes)-w.remaining.Load()),
		slog.Int("distinct_batches", len(w.nodes)),
	)
	return node, nil
}

// expand attaches the components of b to node. path holds the token ids from
// the root down to b.
func (s *Service) expand(ctx context.Context, w *walk, node *Node, b batches.Batch, path map[uint64]struct{}, depth, maxDepth int) error {
	node.Children = []Node{}
	if len(b.Components) == 0 {
		return nil
	}
	if depth >= maxDepth {
		node.Truncated = TruncatedDepth
		return nil
	}
	if !w.reserve(int64(len(b.Components))) {
		node.Truncated = TruncatedBudget
		return nil
	}
	children := make([]Node, len(b.Components))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, comp := range b.Components {
		usage := &Usage{
			TokenName:       comp.TokenName,
			Quantity:        comp.Quantity,
			CarbonFootprint: comp.CarbonFootprint,
			Consumed:        comp.Consumed,
			BurnTxHash:      comp.BurnTxHash,
		}
		if _, seen := path[comp.TokenID]; seen {
			children[i] = Node{
				Type:      TypeComponent,
				Name:      comp.TokenName,
				TokenID:   comp.TokenID,
				Usage:     usage,
				Truncated: TruncatedCycle,
				Children:  []Node{},
			}
			continue
		}
		g.Go(func() error {
			child, err := s.component(ctx, w, comp.TokenID, usage, path, depth+1, maxDepth)
			if err != nil {
				return err
			}
			children[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	node.Children = children
	return nil
}

func (s *Service) component(ctx context.Context, w *walk, tokenID uint64, usage *Usage, path map[uint64]struct{}, depth, maxDepth int) (Node, error) {
	r, err := w.resolve(ctx, tokenID, TypeComponent)
	if err != nil {
		return Node{}, err
	}
	if !r.found {
		return Node{
			Type:            TypeUnresolved,
			Name:            usage.TokenName,
			TokenID:         tokenID,
			Quantity:        usage.Quantity,
			CarbonFootprint: usage.CarbonFootprint,
			Usage:           usage,
			Children:        []Node{},
		}, nil
	}
	node := r.node
	node.Usage = usage

	next := make(map[uint64]struct{}, len(path)+1)
	for id := range path {
		next[id] = struct{}{}
	}
	next[tokenID] = struct{}{}
	if err := s.expand(ctx, w, &node, r.batch, next, depth, maxDepth); err != nil {
		return Node{}, err
	}
	return node, nil
}

// describe fills the display attributes of b. A missing template or plant
// leaves the matching attributes empty.
func (s *Service) describe(ctx context.Context, b batches.Batch, typ NodeType) (Node, error) {
	production := b.ProductionDate
	node := Node{
		Type:            typ,
		Name:            b.BatchNumber,
		BatchID:         b.ID,
		BatchNumber:     b.BatchNumber,
		Manufacturer:    b.Manufacturer,
		Status:          string(b.Status),
		Quantity:        b.Quantity,
		CarbonFootprint: b.CarbonFootprint,
	}
	if !production.IsZero() {
		node.ProductionDate = &production
	}
	if b.Anchor != nil {
		node.TokenID = b.Anchor.TokenID
		node.TxHash = b.Anchor.TxHash
	}

	tpl, err := s.catalog.GetTemplate(ctx, b.TemplateID)
	switch {
	case err == nil:
		spec := tpl.Specification
		node.Name = tpl.Name
		node.Description = tpl.Description
		node.IsRawMaterial = tpl.IsRawMaterial
		node.FootprintPerUnit = &spec.CarbonFootprintPerUnit
		if !spec.Weight.IsZero() {
			node.Weight = &spec.Weight
		}
		node.Materials = append([]string(nil), spec.Materials...)
		if tpl.IsRawMaterial {
			node.Type = TypeRawMaterial
		}
	case errors.Is(err, shared.ErrNotFound):
		s.logger.Warn("provenance template missing", slog.String("batch_id", b.ID), slog.String("template_id", b.TemplateID))
	default:
		return Node{}, err
	}

	plant, err := s.catalog.GetPlant(ctx, b.PlantID)
	switch {
	case err == nil:
		node.PlantName = plant.Name
		node.Location = plant.Location.Display()
	case errors.Is(err, shared.ErrNotFound):
		s.logger.Warn("provenance plant missing", slog.String("batch_id", b.ID), slog.String("plant_id", b.PlantID))
	default:
		return Node{}, err
	}
	return node, nil
}

// Invalidate drops every cached tree.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}
