package refcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"vaultwatch/internal/metrics"
	"vaultwatch/internal/vault"
)

// Fetcher is the part of the indexer the cache reads through to.
type Fetcher interface {
	FetchCollateralReference(ctx context.Context, collateralID string) (vault.CollateralReference, error)
	FetchCollateralParams(ctx context.Context, collateralID string) (vault.CollateralParams, error)
}

// Options control entry lifetimes. A zero TTL keeps entries for the life of the process.
type Options struct {
	// PriceTTL bounds how long a reference carrying a price is served before refetching.
	PriceTTL time.Duration
	// ParamsTTL bounds liquidation params and price-less references.
	ParamsTTL time.Duration
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
	ttl       time.Duration
}

func (e entry[T]) fresh(now time.Time) bool {
	return e.ttl <= 0 || now.Sub(e.fetchedAt) < e.ttl
}

type table[T any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]entry[T]
	// generation is bumped by drop; a fetch started under an older generation is not stored.
	generation map[string]uint64
	group      singleflight.Group
}

func newTable[T any](kind string) *table[T] {
	return &table[T]{
		kind:       kind,
		entries:    make(map[string]entry[T]),
		generation: make(map[string]uint64),
	}
}

func (t *table[T]) lookup(key string, now time.Time) (T, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok || !e.fresh(now) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (t *table[T]) load(ctx context.Context, key string, now func() time.Time, fetch func(context.Context) (T, time.Duration, error)) (T, error) {
	if v, ok := t.lookup(key, now()); ok {
		return v, nil
	}

	res, err, _ := t.group.Do(key, func() (any, error) {
		// another caller may have filled the entry while we waited on the group
		if v, ok := t.lookup(key, now()); ok {
			return v, nil
		}
		t.mu.RLock()
		gen := t.generation[key]
		t.mu.RUnlock()

		v, ttl, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		if t.generation[key] == gen {
			t.entries[key] = entry[T]{value: v, fetchedAt: now(), ttl: ttl}
			t.report()
		}
		t.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func (t *table[T]) drop(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.generation[key]++
	t.report()
	t.mu.Unlock()
	t.group.Forget(key)
}

// report must be called with mu held.
func (t *table[T]) report() {
	metrics.CacheEntries.WithLabelValues(t.kind).Set(float64(len(t.entries)))
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Cache memoises collateral reference data and liquidation params by collateral id.
// Failed lookups are never stored, so a later call retries the fetch.
type Cache struct {
	fetcher Fetcher
	opts    Options
	now     func() time.Time

	refs   *table[vault.CollateralReference]
	params *table[vault.CollateralParams]
}

// New builds a cache reading through to fetcher.
func New(fetcher Fetcher, opts Options) *Cache {
	return &Cache{
		fetcher: fetcher,
		opts:    opts,
		now:     time.Now,
		refs:    newTable[vault.CollateralReference]("reference"),
		params:  newTable[vault.CollateralParams]("params"),
	}
}

// Reference returns the collateral reference for collateralID.
func (c *Cache) Reference(ctx context.Context, collateralID string) (vault.CollateralReference, error) {
	return c.refs.load(ctx, collateralID, c.now, func(ctx context.Context) (vault.CollateralReference, time.Duration, error) {
		metrics.CacheFetches.WithLabelValues(c.refs.kind).Inc()
		ref, err := c.fetcher.FetchCollateralReference(ctx, collateralID)
		if err != nil {
			return vault.CollateralReference{}, 0, err
		}
		ttl := c.opts.ParamsTTL
		if ref.HasPrice() {
			ttl = c.opts.PriceTTL
		}
		return ref, ttl, nil
	})
}

// Params returns the liquidation params for collateralID.
func (c *Cache) Params(ctx context.Context, collateralID string) (vault.CollateralParams, error) {
	return c.params.load(ctx, collateralID, c.now, func(ctx context.Context) (vault.CollateralParams, time.Duration, error) {
		metrics.CacheFetches.WithLabelValues(c.params.kind).Inc()
		p, err := c.fetcher.FetchCollateralParams(ctx, collateralID)
		if err != nil {
			return vault.CollateralParams{}, 0, err
		}
		return p, c.opts.ParamsTTL, nil
	})
}

// Invalidate drops everything cached for collateralID. A fetch already in flight still answers its
// callers but its result is not kept.
func (c *Cache) Invalidate(collateralID string) {
	c.refs.drop(collateralID)
	c.params.drop(collateralID)
}

// Len reports the number of cached references and params.
func (c *Cache) Len() (references, params int) {
	return c.refs.len(), c.params.len()
}
