package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/pkg/types"
)

// StaticProvider serves deterministic quotes from an in-memory table. It
// backs paper mode without vendor keys and every test that needs market
// data.
type StaticProvider struct {
	mu sync.RWMutex

	stocks   map[string]StockQuote
	options  map[string]OptionQuote
	gex      map[string]GEXBundle
	vix      float64
	schedule *MarketSchedule

	// Errors to inject for fail-open tests.
	quoteErr    error
	vixErr      error
	gexErr      error
	scheduleErr error
}

// NewStaticProvider creates an empty provider with VIX 16 and the market
// open in the MORNING session.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		stocks:  make(map[string]StockQuote),
		options: make(map[string]OptionQuote),
		gex:     make(map[string]GEXBundle),
		vix:     16.0,
		schedule: &MarketSchedule{
			IsOpen:  true,
			Session: types.SessionMorning,
			AsOf:    time.Now(),
		},
	}
}

func (p *StaticProvider) Name() string { return "static" }

// SetStockQuote installs or replaces a stock quote.
func (p *StaticProvider) SetStockQuote(q StockQuote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stocks[q.Symbol] = q
}

// SetOptionQuote installs or replaces an option quote.
func (p *StaticProvider) SetOptionQuote(q OptionQuote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.options[q.Symbol] = q
}

// SetGEXBundle installs or replaces a dealer-positioning snapshot.
func (p *StaticProvider) SetGEXBundle(b GEXBundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gex[b.Ticker] = b
}

// SetVIX sets the VIX reading.
func (p *StaticProvider) SetVIX(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vix = v
}

// SetSchedule sets the market schedule.
func (p *StaticProvider) SetSchedule(s MarketSchedule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedule = &s
}

// SetQuoteError injects an error for subsequent quote calls.
func (p *StaticProvider) SetQuoteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteErr = err
}

// SetVIXError injects an error for subsequent VIX calls.
func (p *StaticProvider) SetVIXError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vixErr = err
}

// SetGEXError injects an error for subsequent dealer-positioning calls.
func (p *StaticProvider) SetGEXError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gexErr = err
}

// SetScheduleError injects an error for subsequent schedule calls.
func (p *StaticProvider) SetScheduleError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduleErr = err
}

func (p *StaticProvider) GetStockQuote(_ context.Context, symbol string) (*StockQuote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.quoteErr != nil {
		return nil, p.quoteErr
	}
	q, ok := p.stocks[symbol]
	if !ok {
		// Synthesize a stable quote so paper runs work for any ticker.
		q = StockQuote{
			Symbol:    symbol,
			Bid:       decimal.NewFromFloat(99.95),
			Ask:       decimal.NewFromFloat(100.05),
			Last:      decimal.NewFromInt(100),
			Timestamp: time.Now(),
		}
	}
	cp := q
	return &cp, nil
}

func (p *StaticProvider) GetOptionQuote(_ context.Context, occSymbol string) (*OptionQuote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.quoteErr != nil {
		return nil, p.quoteErr
	}
	q, ok := p.options[occSymbol]
	if !ok {
		if _, _, _, _, err := types.DecodeOCC(occSymbol); err != nil {
			return nil, fmt.Errorf("marketdata: unknown option %q: %w", occSymbol, err)
		}
		q = OptionQuote{
			Symbol:    occSymbol,
			Bid:       decimal.NewFromFloat(2.95),
			Ask:       decimal.NewFromFloat(3.05),
			Last:      decimal.NewFromInt(3),
			Greeks:    types.Greeks{Delta: 0.5, Gamma: 0.02, Theta: -0.05, Vega: 0.1, IV: 0.3},
			Timestamp: time.Now(),
		}
	}
	cp := q
	return &cp, nil
}

func (p *StaticProvider) GetVIX(_ context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.vixErr != nil {
		return 0, p.vixErr
	}
	return p.vix, nil
}

func (p *StaticProvider) GetGEXBundle(_ context.Context, ticker string) (*GEXBundle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gexErr != nil {
		return nil, p.gexErr
	}
	b, ok := p.gex[ticker]
	if !ok {
		b = GEXBundle{
			Ticker:           ticker,
			Regime:           types.RegimeUnknown,
			RegimeConfidence: 0,
			DealerPosition:   types.DealerNeutral,
			CapturedAt:       time.Now(),
		}
	}
	cp := b
	return &cp, nil
}

func (p *StaticProvider) GetMarketSchedule(_ context.Context) (*MarketSchedule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scheduleErr != nil {
		return nil, p.scheduleErr
	}
	cp := *p.schedule
	return &cp, nil
}
