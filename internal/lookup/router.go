package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crossdock/pricing-engine/internal/cache"
	"github.com/crossdock/pricing-engine/internal/observability"
	"github.com/crossdock/pricing-engine/internal/progress"
)

// Warehouse is the price-warehouse query surface the router depends on. Both
// query paths are parameterized identically: brands are pre-expanded alias
// spellings, already lowercased, and both paths exclude non-positive
// quantities at the query boundary.
type Warehouse interface {
	// SupplierIDsForGroup resolves the supplier-group selector to supplier ids.
	SupplierIDsForGroup(ctx context.Context, group string) ([]int64, error)
	// ProjectedOffers queries the periodically refreshed pre-aggregated
	// projection (the fast path).
	ProjectedOffers(ctx context.Context, brands []string, article, group string) ([]Offer, error)
	// RawOffers queries raw warehouse events within the lookback window
	// (the general path).
	RawOffers(ctx context.Context, brands []string, article string, supplierIDs []int64, lookbackDays int) ([]Offer, error)
}

// RouterConfig holds query-router configuration.
type RouterConfig struct {
	// FastPath toggles the projection query. Disabled routes everything
	// through the general path.
	FastPath bool
	// LookbackDays bounds the general path's retention window.
	LookbackDays int
	// BrandAliases lists spellings that must match each other.
	BrandAliases [][]string
	// CacheResults enables short-lived caching of lookups.
	CacheResults bool
	// CacheTTL is the lookup cache lifetime.
	CacheTTL time.Duration
}

// Router resolves offers for a single (brand, article, group) lookup. It
// attempts the fast path first and transparently retries through the general
// path on any fast-path error; ErrLookupFailed is returned only when both
// paths fail.
type Router struct {
	logger    *observability.Logger
	warehouse Warehouse
	cache     cache.Client
	reporter  progress.Reporter
	aliases   *BrandAliases
	config    RouterConfig
}

// NewRouter creates a new query router.
func NewRouter(
	logger *observability.Logger,
	warehouse Warehouse,
	cacheClient cache.Client,
	reporter progress.Reporter,
	cfg RouterConfig,
) *Router {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 2
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if reporter == nil {
		reporter = progress.NopReporter{}
	}

	return &Router{
		logger:    logger,
		warehouse: warehouse,
		cache:     cacheClient,
		reporter:  reporter,
		aliases:   NewBrandAliases(cfg.BrandAliases),
		config:    cfg,
	}
}

// GetOffers returns every in-stock offer for the item from suppliers in the
// given group. The result is unordered; ranking is the caller's concern.
func (r *Router) GetOffers(ctx context.Context, brand, article, group string) ([]Offer, error) {
	brands := r.aliases.Expand(brand)
	article = strings.ToLower(strings.TrimSpace(article))

	cacheKey := cache.Key("lookup", group, strings.Join(brands, ","), article)
	if cached, ok := r.checkCache(ctx, cacheKey); ok {
		return cached, nil
	}

	var fastErr error
	if r.config.FastPath {
		offers, err := r.warehouse.ProjectedOffers(ctx, brands, article, group)
		if err == nil {
			offers = dropOutOfStock(offers)
			r.cacheResult(ctx, cacheKey, offers)
			return offers, nil
		}

		fastErr = err
		r.logger.Warn().
			Err(err).
			Str("brand", brand).
			Str("article", article).
			Str("group", group).
			Msg("Fast path failed, falling back to general query")
		r.notifyFallback(ctx, brand, article)
	}

	offers, err := r.generalPath(ctx, brands, article, group)
	if err != nil {
		if fastErr != nil {
			return nil, fmt.Errorf("%w: fast path: %v; general path: %v", ErrLookupFailed, fastErr, err)
		}
		return nil, fmt.Errorf("%w: general path: %v", ErrLookupFailed, err)
	}

	offers = dropOutOfStock(offers)
	r.cacheResult(ctx, cacheKey, offers)
	return offers, nil
}

// generalPath runs the raw-join lookup: resolve the supplier group, then query
// raw events. An empty supplier group yields zero offers, not an error.
func (r *Router) generalPath(ctx context.Context, brands []string, article, group string) ([]Offer, error) {
	supplierIDs, err := r.warehouse.SupplierIDsForGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("resolve supplier group: %w", err)
	}
	if len(supplierIDs) == 0 {
		r.logger.Warn().Str("group", group).Msg("No suppliers found for group")
		return nil, nil
	}

	offers, err := r.warehouse.RawOffers(ctx, brands, article, supplierIDs, r.config.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("raw offer query: %w", err)
	}
	return offers, nil
}

// notifyFallback pushes a fallback warning to the task's progress channel when
// the lookup is running inside a task.
func (r *Router) notifyFallback(ctx context.Context, brand, article string) {
	taskID, ok := progress.TaskIDFromContext(ctx)
	if !ok {
		return
	}
	r.reporter.Publish(ctx, taskID, progress.Update{
		Stage:   progress.StageFallback,
		Message: fmt.Sprintf("fast path unavailable for %s/%s, using general query", brand, article),
	})
}

func (r *Router) checkCache(ctx context.Context, key string) ([]Offer, bool) {
	if !r.config.CacheResults || r.cache == nil {
		return nil, false
	}

	payload, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	var offers []Offer
	if err := json.Unmarshal(payload, &offers); err != nil {
		return nil, false
	}
	r.logger.Debug().Str("key", key).Msg("Lookup cache hit")
	return offers, true
}

func (r *Router) cacheResult(ctx context.Context, key string, offers []Offer) {
	if !r.config.CacheResults || r.cache == nil {
		return
	}

	payload, err := json.Marshal(offers)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, payload, r.config.CacheTTL); err != nil {
		r.logger.Debug().Err(err).Str("key", key).Msg("Lookup cache write failed")
	}
}

// dropOutOfStock guards the query-boundary invariant: offers with
// non-positive quantity are never surfaced.
func dropOutOfStock(offers []Offer) []Offer {
	kept := offers[:0]
	for _, o := range offers {
		if o.Quantity > 0 && o.Price >= 0 {
			kept = append(kept, o)
		}
	}
	return kept
}
