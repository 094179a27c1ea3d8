package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

const polygonBaseURL = "https://api.polygon.io"

// PolygonConfig configures the Polygon.io provider.
type PolygonConfig struct {
	APIKey  string
	Timeout time.Duration
}

// PolygonProvider serves quotes, volatility, and dealer positioning from
// Polygon.io. Calls run through a circuit breaker so a vendor outage fails
// fast instead of stalling the refresh cycle.
type PolygonProvider struct {
	logger  *zap.Logger
	config  PolygonConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewPolygonProvider creates the Polygon provider.
func NewPolygonProvider(logger *zap.Logger, config PolygonConfig) *PolygonProvider {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &PolygonProvider{
		logger: logger.Named("polygon"),
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "polygon",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (p *PolygonProvider) Name() string { return "polygon" }

func (p *PolygonProvider) get(ctx context.Context, path string, query url.Values, out any) error {
	_, err := p.breaker.Execute(func() (any, error) {
		if query == nil {
			query = url.Values{}
		}
		query.Set("apiKey", p.config.APIKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, polygonBaseURL+path+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("polygon: %s returned %d: %s", path, resp.StatusCode, truncate(body, 256))
		}
		return nil, json.Unmarshal(body, out)
	})
	return err
}

type polygonPrevEnvelope struct {
	Results []struct {
		Close  float64 `json:"c"`
		Volume float64 `json:"v"`
	} `json:"results"`
}

func (p *PolygonProvider) GetStockQuote(ctx context.Context, symbol string) (*StockQuote, error) {
	var env struct {
		Results struct {
			Ask       float64 `json:"P"`
			Bid       float64 `json:"p"`
			Timestamp int64   `json:"t"`
		} `json:"results"`
	}
	if err := p.get(ctx, "/v2/last/nbbo/"+url.PathEscape(symbol), nil, &env); err != nil {
		return nil, err
	}
	q := &StockQuote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(env.Results.Bid),
		Ask:       decimal.NewFromFloat(env.Results.Ask),
		Timestamp: time.Unix(0, env.Results.Timestamp),
	}
	q.Last = q.Mid()
	return q, nil
}

type polygonOptionSnapshot struct {
	Results struct {
		Day struct {
			Volume float64 `json:"volume"`
		} `json:"day"`
		Greeks struct {
			Delta float64 `json:"delta"`
			Gamma float64 `json:"gamma"`
			Theta float64 `json:"theta"`
			Vega  float64 `json:"vega"`
		} `json:"greeks"`
		ImpliedVolatility float64 `json:"implied_volatility"`
		OpenInterest      float64 `json:"open_interest"`
		LastQuote         struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
		} `json:"last_quote"`
		LastTrade struct {
			Price float64 `json:"price"`
		} `json:"last_trade"`
	} `json:"results"`
}

func (p *PolygonProvider) GetOptionQuote(ctx context.Context, occSymbol string) (*OptionQuote, error) {
	underlying, _, _, _, err := types.DecodeOCC(occSymbol)
	if err != nil {
		return nil, err
	}
	// Polygon addresses contracts as O:<compact OCC>.
	contract := "O:" + strings.ReplaceAll(occSymbol, " ", "")

	var snap polygonOptionSnapshot
	path := fmt.Sprintf("/v3/snapshot/options/%s/%s", url.PathEscape(underlying), url.PathEscape(contract))
	if err := p.get(ctx, path, nil, &snap); err != nil {
		return nil, err
	}
	r := snap.Results
	return &OptionQuote{
		Symbol:       occSymbol,
		Bid:          decimal.NewFromFloat(r.LastQuote.Bid),
		Ask:          decimal.NewFromFloat(r.LastQuote.Ask),
		Last:         decimal.NewFromFloat(r.LastTrade.Price),
		Volume:       int64(r.Day.Volume),
		OpenInterest: int64(r.OpenInterest),
		Greeks: types.Greeks{
			Delta: r.Greeks.Delta,
			Gamma: r.Greeks.Gamma,
			Theta: r.Greeks.Theta,
			Vega:  r.Greeks.Vega,
			IV:    r.ImpliedVolatility,
		},
		Timestamp: time.Now(),
	}, nil
}

func (p *PolygonProvider) GetVIX(ctx context.Context) (float64, error) {
	var env polygonPrevEnvelope
	if err := p.get(ctx, "/v2/aggs/ticker/I:VIX/prev", nil, &env); err != nil {
		return 0, err
	}
	if len(env.Results) == 0 {
		return 0, fmt.Errorf("polygon: no VIX data")
	}
	return env.Results[0].Close, nil
}

type polygonChainSnapshot struct {
	Results []struct {
		Details struct {
			ContractType string  `json:"contract_type"` // call or put
			StrikePrice  float64 `json:"strike_price"`
		} `json:"details"`
		Greeks struct {
			Gamma float64 `json:"gamma"`
		} `json:"greeks"`
		OpenInterest     float64 `json:"open_interest"`
		UnderlyingAsset  struct {
			Price float64 `json:"price"`
		} `json:"underlying_asset"`
		DayChangePercent float64 `json:"day_change_percent"`
	} `json:"results"`
}

// GetGEXBundle estimates net dealer gamma exposure from the near-dated
// option chain: call gamma is dealer-long, put gamma dealer-short, each
// weighted by open interest and the 100-share multiplier.
func (p *PolygonProvider) GetGEXBundle(ctx context.Context, ticker string) (*GEXBundle, error) {
	query := url.Values{}
	query.Set("limit", "250")
	query.Set("expiration_date.lte", time.Now().AddDate(0, 0, 45).Format("2006-01-02"))

	var chain polygonChainSnapshot
	if err := p.get(ctx, "/v3/snapshot/options/"+url.PathEscape(ticker), query, &chain); err != nil {
		return nil, err
	}
	if len(chain.Results) == 0 {
		return nil, fmt.Errorf("polygon: empty chain for %s", ticker)
	}

	var netGEX, spot, dayChange float64
	var callWeight, totalWeight float64
	for _, c := range chain.Results {
		if c.UnderlyingAsset.Price > 0 {
			spot = c.UnderlyingAsset.Price
			dayChange = c.DayChangePercent
		}
		exposure := c.Greeks.Gamma * c.OpenInterest * 100 * spot
		totalWeight += c.Greeks.Gamma * c.OpenInterest
		if c.Details.ContractType == "call" {
			netGEX += exposure
			callWeight += c.Greeks.Gamma * c.OpenInterest
		} else {
			netGEX -= exposure
		}
	}

	bundle := &GEXBundle{
		Ticker:     ticker,
		NetGEX:     netGEX,
		CapturedAt: time.Now(),
	}
	bundle.DealerPosition = classifyDealer(netGEX, totalWeight)
	bundle.Regime, bundle.RegimeConfidence = classifyRegime(bundle.DealerPosition, dayChange)
	bundle.MaxPain = maxPain(chain)
	if totalWeight > 0 && spot > 0 {
		// Zero-gamma proxy: spot scaled by the call share of gamma weight.
		ratio := callWeight / totalWeight
		bundle.ZeroGammaLevel = decimal.NewFromFloat(spot * (0.9 + 0.2*ratio)).Round(2)
	}
	return bundle, nil
}

// maxPain finds the expiry price that minimizes the total intrinsic payout
// to option holders across the chain, weighted by open interest.
func maxPain(chain polygonChainSnapshot) decimal.Decimal {
	strikes := make(map[float64]bool)
	for _, c := range chain.Results {
		if c.Details.StrikePrice > 0 {
			strikes[c.Details.StrikePrice] = true
		}
	}
	best, bestPayout := 0.0, math.MaxFloat64
	for settle := range strikes {
		payout := 0.0
		for _, c := range chain.Results {
			k := c.Details.StrikePrice
			if c.Details.ContractType == "call" {
				payout += math.Max(0, settle-k) * c.OpenInterest
			} else {
				payout += math.Max(0, k-settle) * c.OpenInterest
			}
		}
		if payout < bestPayout {
			best, bestPayout = settle, payout
		}
	}
	if best == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(best)
}

func classifyDealer(netGEX, totalWeight float64) types.DealerPosition {
	if totalWeight <= 0 {
		return types.DealerNeutral
	}
	switch {
	case netGEX > 0:
		return types.DealerLongGamma
	case netGEX < 0:
		return types.DealerShortGamma
	}
	return types.DealerNeutral
}

// classifyRegime maps dealer posture and the day's tape into a regime.
// Long-gamma dealers dampen moves; short-gamma dealers amplify them.
func classifyRegime(dealer types.DealerPosition, dayChangePercent float64) (types.Regime, float64) {
	const trendThreshold = 0.75 // percent move that counts as a trend day
	switch dealer {
	case types.DealerLongGamma:
		if dayChangePercent >= trendThreshold {
			return types.RegimeTrendingUp, 0.7
		}
		if dayChangePercent <= -trendThreshold {
			return types.RegimeTrendingDown, 0.7
		}
		return types.RegimeRangeBound, 0.8
	case types.DealerShortGamma:
		if dayChangePercent >= trendThreshold {
			return types.RegimeTrendingUp, 0.8
		}
		if dayChangePercent <= -trendThreshold {
			return types.RegimeTrendingDown, 0.8
		}
		return types.RegimeBreakoutImminent, 0.6
	}
	return types.RegimeUnknown, 0.3
}

func (p *PolygonProvider) GetMarketSchedule(ctx context.Context) (*MarketSchedule, error) {
	var status struct {
		Market     string `json:"market"` // open, closed, extended-hours
		ServerTime string `json:"serverTime"`
	}
	if err := p.get(ctx, "/v1/marketstatus/now", nil, &status); err != nil {
		return nil, err
	}

	now := time.Now()
	if t, err := time.Parse(time.RFC3339, status.ServerTime); err == nil {
		now = t
	}
	sched := &MarketSchedule{AsOf: now}
	switch status.Market {
	case "open":
		sched.IsOpen = true
		sched.Session = SessionAt(now)
	case "extended-hours":
		sched.Session = SessionAt(now)
	default:
		sched.Session = types.SessionClosed
	}
	return sched, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
