package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// countingProvider wraps StaticProvider and counts upstream calls.
type countingProvider struct {
	*StaticProvider
	calls atomic.Int64
}

func (c *countingProvider) GetStockQuote(ctx context.Context, symbol string) (*StockQuote, error) {
	c.calls.Add(1)
	return c.StaticProvider.GetStockQuote(ctx, symbol)
}

func newCached(t *testing.T) (*CachedProvider, *countingProvider) {
	t.Helper()
	upstream := &countingProvider{StaticProvider: NewStaticProvider()}
	upstream.SetStockQuote(StockQuote{
		Symbol: "SPY",
		Bid:    decimal.NewFromFloat(599.90),
		Ask:    decimal.NewFromFloat(600.10),
		Last:   decimal.NewFromInt(600),
	})
	return NewCachedProvider(zap.NewNop(), DefaultCacheConfig(), upstream), upstream
}

func TestCacheHitAvoidsUpstream(t *testing.T) {
	cached, upstream := newCached(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q, err := cached.GetStockQuote(ctx, "SPY")
		if err != nil {
			t.Fatalf("GetStockQuote: %v", err)
		}
		if !q.Mid().Equal(decimal.NewFromInt(600)) {
			t.Errorf("mid = %s, want 600", q.Mid())
		}
	}

	if n := upstream.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestCacheCoalescesConcurrentFetches(t *testing.T) {
	cached, upstream := newCached(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cached.GetStockQuote(ctx, "SPY"); err != nil {
				t.Errorf("GetStockQuote: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := upstream.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 (coalesced)", n)
	}
}

func TestCacheServesStaleOnUpstreamError(t *testing.T) {
	upstream := &countingProvider{StaticProvider: NewStaticProvider()}
	upstream.SetStockQuote(StockQuote{Symbol: "SPY", Last: decimal.NewFromInt(600)})

	cfg := DefaultCacheConfig()
	cfg.QuoteTTL = time.Millisecond
	cached := NewCachedProvider(zap.NewNop(), cfg, upstream)
	ctx := context.Background()

	if _, err := cached.GetStockQuote(ctx, "SPY"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // expire the TTL, stay inside the grace window
	upstream.SetQuoteError(errors.New("vendor down"))

	q, err := cached.GetStockQuote(ctx, "SPY")
	if err != nil {
		t.Fatalf("expected stale value, got error: %v", err)
	}
	if !q.Last.Equal(decimal.NewFromInt(600)) {
		t.Errorf("stale last = %s, want 600", q.Last)
	}
}

func TestCacheErrorWithoutStaleValue(t *testing.T) {
	upstream := &countingProvider{StaticProvider: NewStaticProvider()}
	upstream.SetQuoteError(errors.New("vendor down"))
	cached := NewCachedProvider(zap.NewNop(), DefaultCacheConfig(), upstream)

	if _, err := cached.GetStockQuote(context.Background(), "SPY"); err == nil {
		t.Fatal("expected error when no cached value exists")
	}
}
