package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CacheConfig tunes the caching decorator.
type CacheConfig struct {
	QuoteTTL      time.Duration
	ScheduleTTL   time.Duration
	StaleGrace    time.Duration // serve stale entries this long after an upstream error
	MaxEntries    int
	SweepInterval time.Duration
}

// DefaultCacheConfig returns the production cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		QuoteTTL:      60 * time.Second,
		ScheduleTTL:   60 * time.Second,
		StaleGrace:    5 * time.Minute,
		MaxEntries:    4096,
		SweepInterval: time.Minute,
	}
}

type cacheEntry struct {
	value     any
	fetchedAt time.Time
}

// CachedProvider decorates a Provider with TTL caching and request
// coalescing: concurrent fetches of the same key share one upstream call,
// and on upstream failure a stale entry within the grace window is served.
type CachedProvider struct {
	logger   *zap.Logger
	config   CacheConfig
	upstream Provider

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group

	lastSweep time.Time
}

// NewCachedProvider wraps upstream with the cache.
func NewCachedProvider(logger *zap.Logger, config CacheConfig, upstream Provider) *CachedProvider {
	return &CachedProvider{
		logger:    logger.Named("marketdata-cache"),
		config:    config,
		upstream:  upstream,
		entries:   make(map[string]cacheEntry),
		lastSweep: time.Now(),
	}
}

func (c *CachedProvider) Name() string { return c.upstream.Name() }

func (c *CachedProvider) get(key string, ttl time.Duration) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.fetchedAt) > ttl {
		return nil, false
	}
	return e.value, true
}

func (c *CachedProvider) getStale(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.fetchedAt) > c.config.StaleGrace {
		return nil, false
	}
	return e.value, true
}

func (c *CachedProvider) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: time.Now()}
	if time.Since(c.lastSweep) > c.config.SweepInterval || len(c.entries) > c.config.MaxEntries {
		c.sweepLocked()
	}
}

func (c *CachedProvider) sweepLocked() {
	cutoff := time.Now().Add(-c.config.StaleGrace)
	for k, e := range c.entries {
		if e.fetchedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	c.lastSweep = time.Now()
}

// fetch performs a coalesced lookup: cache hit, else one shared upstream
// call per key, else stale-with-warning, else the upstream error.
func (c *CachedProvider) fetch(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.get(key, ttl); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have just filled it.
		if v, ok := c.get(key, ttl); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, v)
		return v, nil
	})
	if err == nil {
		return v, nil
	}

	if stale, ok := c.getStale(key); ok {
		c.logger.Warn("serving stale market data after upstream error",
			zap.String("key", key),
			zap.Error(err),
		)
		return stale, nil
	}
	return nil, fmt.Errorf("marketdata: fetch %s: %w", key, err)
}

func (c *CachedProvider) GetStockQuote(ctx context.Context, symbol string) (*StockQuote, error) {
	v, err := c.fetch(ctx, "stock:"+symbol, c.config.QuoteTTL, func(ctx context.Context) (any, error) {
		return c.upstream.GetStockQuote(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StockQuote), nil
}

func (c *CachedProvider) GetOptionQuote(ctx context.Context, occSymbol string) (*OptionQuote, error) {
	v, err := c.fetch(ctx, "option:"+occSymbol, c.config.QuoteTTL, func(ctx context.Context) (any, error) {
		return c.upstream.GetOptionQuote(ctx, occSymbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*OptionQuote), nil
}

func (c *CachedProvider) GetVIX(ctx context.Context) (float64, error) {
	v, err := c.fetch(ctx, "vix", c.config.QuoteTTL, func(ctx context.Context) (any, error) {
		return c.upstream.GetVIX(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *CachedProvider) GetGEXBundle(ctx context.Context, ticker string) (*GEXBundle, error) {
	v, err := c.fetch(ctx, "gex:"+ticker, c.config.QuoteTTL, func(ctx context.Context) (any, error) {
		return c.upstream.GetGEXBundle(ctx, ticker)
	})
	if err != nil {
		return nil, err
	}
	return v.(*GEXBundle), nil
}

func (c *CachedProvider) GetMarketSchedule(ctx context.Context) (*MarketSchedule, error) {
	v, err := c.fetch(ctx, "schedule", c.config.ScheduleTTL, func(ctx context.Context) (any, error) {
		return c.upstream.GetMarketSchedule(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*MarketSchedule), nil
}
