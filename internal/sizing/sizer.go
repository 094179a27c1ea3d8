// Package sizing converts an approved entry into a contract quantity. The
// signal's requested size is the base; Kelly history, volatility, regime,
// dealer posture, and confluence scale it, with a hard per-trade risk cap
// on top.
package sizing

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// maxKellyFraction caps the half-Kelly bet fraction; beyond this the edge
// estimate is not trusted.
const maxKellyFraction = 0.25

// Request carries everything the sizer needs for one entry.
type Request struct {
	Signal          *types.Signal
	OptionPrice     decimal.Decimal
	VIX             float64
	Regime          types.Regime
	DealerPosition  types.DealerPosition
	ConfluenceScore float64 // confidence points added by confluence, 0..100
}

// Adjustment records one sizing step for the audit trail.
type Adjustment struct {
	Stage  string  `json:"stage"`
	Factor float64 `json:"factor"`
	Detail string  `json:"detail"`
}

// Result is the sized quantity with its derivation.
type Result struct {
	Quantity         int          `json:"quantity"`
	BaseQuantity     int          `json:"baseQuantity"`
	WasLimitedByRisk bool         `json:"wasLimitedByRisk"`
	Adjustments      []Adjustment `json:"adjustments"`
}

// regimeFactors scale size by how tradeable the regime historically is.
var regimeFactors = map[types.Regime]float64{
	types.RegimeTrendingUp:       1.0,
	types.RegimeTrendingDown:     1.0,
	types.RegimeBreakoutImminent: 0.9,
	types.RegimeRangeBound:       0.75,
	types.RegimeReversalUp:       0.8,
	types.RegimeReversalDown:     0.8,
	types.RegimeUnknown:          0.5,
}

// dealerFactors scale size by dealer gamma posture: short-gamma tape moves
// violently, so positions shrink.
var dealerFactors = map[types.DealerPosition]float64{
	types.DealerLongGamma:  1.0,
	types.DealerNeutral:    0.9,
	types.DealerShortGamma: 0.7,
}

// Sizer computes contract quantities.
type Sizer struct {
	logger *zap.Logger
	store  store.Store
}

// NewSizer creates the position sizer.
func NewSizer(logger *zap.Logger, st store.Store) *Sizer {
	return &Sizer{logger: logger.Named("sizer"), store: st}
}

// Size derives the quantity for req. The result is always at least one
// contract; callers reject the trade outright instead of sizing to zero.
func (s *Sizer) Size(ctx context.Context, req Request) (*Result, error) {
	if !req.OptionPrice.IsPositive() {
		return nil, fmt.Errorf("sizing: option price must be positive, got %s", req.OptionPrice)
	}
	limits, err := s.store.GetRiskLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing: risk limits unavailable: %w", err)
	}

	contractCost, _ := req.OptionPrice.Mul(decimal.NewFromInt(100)).Float64()
	result := &Result{}

	// The signal's requested quantity is the base; every factor scales it.
	base := float64(req.Signal.Quantity)
	if base < 1 {
		base = 1
	}
	result.BaseQuantity = int(base)
	qty := base

	// Kelly factor from the regime's trade history, normalized so a full
	// half-Kelly bet keeps the base size. No history means half size.
	kellyFactor := 0.5
	kellyDetail := "no regime history, half size"
	perf, err := s.store.RegimePerformance(ctx, req.Regime, req.DealerPosition)
	if err == nil && perf.TotalTrades > 0 && perf.HalfKelly > 0 {
		kelly := perf.HalfKelly
		if kelly > maxKellyFraction {
			kelly = maxKellyFraction
		}
		kellyFactor = kelly / maxKellyFraction
		kellyDetail = fmt.Sprintf("half-Kelly %.3f from %d trades in %s/%s", kelly, perf.TotalTrades, req.Regime, req.DealerPosition)
	}
	qty = s.apply(result, qty, "kelly", kellyFactor, kellyDetail)

	qty = s.apply(result, qty, "vix", s.vixFactor(ctx, req.VIX),
		fmt.Sprintf("VIX %.1f", req.VIX))
	qty = s.apply(result, qty, "regime", factorOr(regimeFactors, req.Regime, 0.5),
		string(req.Regime))
	qty = s.apply(result, qty, "dealer_gamma", factorOr(dealerFactors, req.DealerPosition, 0.9),
		string(req.DealerPosition))
	qty = s.apply(result, qty, "confluence", 0.5+req.ConfluenceScore/100,
		fmt.Sprintf("boost %.1f", req.ConfluenceScore))

	quantity := int(math.Floor(qty))
	if quantity < 1 {
		quantity = 1
	}

	// Hard cap: a single trade may never risk more than the per-trade budget.
	riskCap := int(math.Floor(limits.PortfolioValue * limits.RiskPerTradePercent / 100 / contractCost))
	if riskCap < 1 {
		riskCap = 1
	}
	if quantity > riskCap {
		result.Adjustments = append(result.Adjustments, Adjustment{
			Stage:  "risk_cap",
			Factor: float64(riskCap) / float64(quantity),
			Detail: fmt.Sprintf("capped %d to %d by %.1f%% per-trade risk", quantity, riskCap, limits.RiskPerTradePercent),
		})
		quantity = riskCap
		result.WasLimitedByRisk = true
	}
	if limits.MaxQuantityPerTrade > 0 && quantity > limits.MaxQuantityPerTrade {
		result.Adjustments = append(result.Adjustments, Adjustment{
			Stage:  "max_quantity",
			Factor: float64(limits.MaxQuantityPerTrade) / float64(quantity),
			Detail: fmt.Sprintf("capped %d to account max %d", quantity, limits.MaxQuantityPerTrade),
		})
		quantity = limits.MaxQuantityPerTrade
		result.WasLimitedByRisk = true
	}

	result.Quantity = quantity
	s.logger.Info("position sized",
		zap.String("signalId", req.Signal.ID),
		zap.String("symbol", req.Signal.Symbol),
		zap.Int("base", result.BaseQuantity),
		zap.Int("quantity", quantity),
		zap.Bool("riskLimited", result.WasLimitedByRisk),
	)
	return result, nil
}

func (s *Sizer) apply(result *Result, qty float64, stage string, factor float64, detail string) float64 {
	result.Adjustments = append(result.Adjustments, Adjustment{Stage: stage, Factor: factor, Detail: detail})
	return qty * factor
}

// vixFactor resolves the bucket multiplier from the sizing rules table,
// defaulting to half size when the table is unavailable.
func (s *Sizer) vixFactor(ctx context.Context, vix float64) float64 {
	rules, err := s.store.VIXSizingRules(ctx)
	if err != nil || len(rules) == 0 {
		s.logger.Warn("vix sizing rules unavailable, halving size", zap.Error(err))
		return 0.5
	}
	for _, r := range rules {
		if vix >= r.VIXMin && vix < r.VIXMax {
			return r.SizeMultiplier
		}
	}
	// VIX beyond every bucket means extreme volatility.
	return 0.5
}

func factorOr[K comparable](table map[K]float64, key K, fallback float64) float64 {
	if f, ok := table[key]; ok {
		return f
	}
	return fallback
}
