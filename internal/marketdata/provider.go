// Package marketdata abstracts upstream quote, volatility and positioning
// vendors behind a single provider capability.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/pkg/types"
)

// StockQuote is a snapshot quote for an underlying.
type StockQuote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is
// missing.
func (q StockQuote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// OptionQuote is a snapshot quote plus Greeks for a single contract.
type OptionQuote struct {
	Symbol       string          `json:"symbol"` // OCC
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Last         decimal.Decimal `json:"last"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"openInterest"`
	Greeks       types.Greeks    `json:"greeks"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to last.
func (q OptionQuote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// GEXBundle is the dealer-positioning snapshot per underlying.
type GEXBundle struct {
	Ticker           string               `json:"ticker"`
	Regime           types.Regime         `json:"regime"`
	RegimeConfidence float64              `json:"regimeConfidence"`
	DealerPosition   types.DealerPosition `json:"dealerPosition"`
	NetGEX           float64              `json:"netGex"`
	ZeroGammaLevel   decimal.Decimal      `json:"zeroGammaLevel"`
	MaxPain          decimal.Decimal      `json:"maxPain"`
	CapturedAt       time.Time            `json:"capturedAt"`
}

// MarketSchedule reports whether the market is open and which intraday
// session is active.
type MarketSchedule struct {
	IsOpen  bool                `json:"isOpen"`
	Session types.MarketSession `json:"session"`
	AsOf    time.Time           `json:"asOf"`
}

// Provider is the market-data capability the engine depends on. Every call
// may block on network I/O and honors context cancellation.
type Provider interface {
	GetStockQuote(ctx context.Context, symbol string) (*StockQuote, error)
	GetOptionQuote(ctx context.Context, occSymbol string) (*OptionQuote, error)
	GetVIX(ctx context.Context) (float64, error)
	GetGEXBundle(ctx context.Context, ticker string) (*GEXBundle, error)
	GetMarketSchedule(ctx context.Context) (*MarketSchedule, error)
	Name() string
}
