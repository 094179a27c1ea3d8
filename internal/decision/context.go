// Package decision orchestrates entry, hold, and exit decisions: it fuses
// confluence, regime stability, conflict resolution, market context, and
// sizing into a single auditable verdict per signal.
package decision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// MarketContext is the market snapshot an entry is judged against.
type MarketContext struct {
	MarketOpen      bool
	VIX             float64
	Session         types.MarketSession
	Regime          types.Regime
	DealerPosition  types.DealerPosition
	SignalDirection types.Direction
	MarketBias      types.Direction // broad-market lean, NEUTRAL when unknown
	ATRPercentile   float64         // 0..100
	MTFAlignment    float64         // 0..100, cross-timeframe agreement
	MTFConflict     bool            // higher timeframe disagrees with the signal
	ORBreakout      types.Direction // opening-range breakout, NEUTRAL when none
	NearKeyLevel    bool            // inside a support/resistance band
	BBExtreme       bool            // price outside its Bollinger band
	CandlePattern   bool            // confirming candle pattern present
	CandleStrength  float64         // 0..100 pattern strength
	StaleSources    int             // advisory feeds past their freshness window
	OpenPositions   int
}

// ContextAdjustment is the context evaluator's verdict: either a hard
// reject, or a size multiplier and confidence delta to fold into the
// decision.
type ContextAdjustment struct {
	Allowed         bool     `json:"allowed"`
	RejectCode      string   `json:"rejectCode,omitempty"`
	RejectReason    string   `json:"rejectReason,omitempty"`
	SizeMultiplier  float64  `json:"sizeMultiplier"`
	ConfidenceDelta float64  `json:"confidenceDelta"`
	Notes           []string `json:"notes,omitempty"`
}

// Context reject codes.
const (
	RejectVIXLimit      = "VIX_LIMIT"
	RejectPositionLimit = "POSITION_LIMIT"
	RejectMarketClosed  = "MARKET_CLOSED"
	RejectFirst30Min    = "FIRST_30_MIN"
	RejectMarketBias    = "MARKET_BIAS_CONFLICT"
	RejectORBConflict   = "ORB_CONFLICT"
	RejectMTFConflict   = "MTF_CONFLICT"
)

const (
	highVolVIX        = 25.0
	stretchedATRPct   = 80.0
	mtfAlignedPct     = 80.0
	strongCandlePct   = 70.0
	minSizeMultiplier = 0.25
	maxSizeMultiplier = 1.5
)

// ContextConfig selects which context rules are hard gates and which only
// shade the score.
type ContextConfig struct {
	RequireMarketOpen      bool // reject when the market is closed
	AllowFirst30Min        bool // entries during the opening half hour
	RequireMarketAlignment bool // market bias conflicts reject instead of shading
	RequireORBConfirmation bool // opening-range conflicts reject instead of shading
	MTFStrict              bool // higher-timeframe conflicts reject instead of shading
}

// DefaultContextConfig returns the production context gates.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		RequireMarketOpen: true,
		AllowFirst30Min:   true,
	}
}

// ContextEvaluator applies the market-context gates and adjusters.
type ContextEvaluator struct {
	logger *zap.Logger
	config ContextConfig
	store  store.Store
}

// NewContextEvaluator creates the context stage.
func NewContextEvaluator(logger *zap.Logger, config ContextConfig, st store.Store) *ContextEvaluator {
	return &ContextEvaluator{logger: logger.Named("market-context"), config: config, store: st}
}

// Evaluate checks hard limits and derives the context multiplier. Risk
// limits being unreadable is a hard stop: trading without limits is worse
// than not trading.
func (e *ContextEvaluator) Evaluate(ctx context.Context, mc MarketContext) (*ContextAdjustment, error) {
	limits, err := e.store.GetRiskLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("context: risk limits unavailable: %w", err)
	}

	if e.config.RequireMarketOpen && !mc.MarketOpen {
		return &ContextAdjustment{
			RejectCode:   RejectMarketClosed,
			RejectReason: fmt.Sprintf("market closed in session %s", mc.Session),
		}, nil
	}
	if limits.MaxVixForNewPositions > 0 && mc.VIX > limits.MaxVixForNewPositions {
		return &ContextAdjustment{
			RejectCode:   RejectVIXLimit,
			RejectReason: fmt.Sprintf("VIX %.1f above limit %.1f", mc.VIX, limits.MaxVixForNewPositions),
		}, nil
	}
	if limits.MaxOpenPositions > 0 && mc.OpenPositions >= limits.MaxOpenPositions {
		return &ContextAdjustment{
			RejectCode:   RejectPositionLimit,
			RejectReason: fmt.Sprintf("%d open positions at limit %d", mc.OpenPositions, limits.MaxOpenPositions),
		}, nil
	}

	first30 := mc.Session == types.SessionOpening
	if first30 && !e.config.AllowFirst30Min {
		return &ContextAdjustment{
			RejectCode:   RejectFirst30Min,
			RejectReason: "entries disabled during the opening half hour",
		}, nil
	}

	biasConflict := directed(mc.MarketBias) && directed(mc.SignalDirection) && mc.MarketBias != mc.SignalDirection
	if biasConflict && e.config.RequireMarketAlignment {
		return &ContextAdjustment{
			RejectCode:   RejectMarketBias,
			RejectReason: fmt.Sprintf("signal %s against market bias %s", mc.SignalDirection, mc.MarketBias),
		}, nil
	}

	orbConflict := directed(mc.ORBreakout) && directed(mc.SignalDirection) && mc.ORBreakout != mc.SignalDirection
	if orbConflict && e.config.RequireORBConfirmation {
		return &ContextAdjustment{
			RejectCode:   RejectORBConflict,
			RejectReason: fmt.Sprintf("signal %s against opening-range breakout %s", mc.SignalDirection, mc.ORBreakout),
		}, nil
	}

	if mc.MTFConflict && e.config.MTFStrict {
		return &ContextAdjustment{
			RejectCode:   RejectMTFConflict,
			RejectReason: "higher timeframe disagrees",
		}, nil
	}

	adj := &ContextAdjustment{Allowed: true, SizeMultiplier: 1.0}
	note := func(factor, confDelta float64, detail string) {
		adj.SizeMultiplier *= factor
		adj.ConfidenceDelta += confDelta
		adj.Notes = append(adj.Notes, detail)
	}

	if mc.VIX >= highVolVIX {
		note(0.5, 0, fmt.Sprintf("high volatility: VIX %.1f", mc.VIX))
	}
	if mc.ATRPercentile > stretchedATRPct {
		note(0.75, 0, fmt.Sprintf("stretched tape: ATR percentile %.0f", mc.ATRPercentile))
	}
	if mc.MTFConflict {
		note(0.75, 0, "higher timeframe disagrees")
	} else if mc.MTFAlignment >= mtfAlignedPct {
		note(1.25, 0, fmt.Sprintf("timeframes aligned at %.0f", mc.MTFAlignment))
	}
	if first30 {
		note(1, -10, "opening half hour")
	}
	if biasConflict {
		note(1, -15, fmt.Sprintf("market bias %s diverges", mc.MarketBias))
	}
	if directed(mc.ORBreakout) && mc.ORBreakout == mc.SignalDirection {
		note(1, 10, fmt.Sprintf("opening-range breakout confirms %s", mc.ORBreakout))
	}
	if mc.NearKeyLevel {
		note(1, -10, "near a key support/resistance level")
	}
	if mc.BBExtreme {
		note(1, -10, "price stretched outside its Bollinger band")
	}
	if mc.CandlePattern {
		note(1, 5, "confirming candle pattern")
		if mc.CandleStrength >= strongCandlePct {
			note(1, 3, fmt.Sprintf("pattern strength %.0f", mc.CandleStrength))
		}
	}
	if mc.StaleSources > 0 {
		note(1, -10*float64(mc.StaleSources), fmt.Sprintf("%d advisory feeds stale", mc.StaleSources))
	}
	if mc.Session == types.SessionClosing {
		note(0.75, 0, "closing session, reduced size")
	}

	if adj.SizeMultiplier < minSizeMultiplier {
		adj.SizeMultiplier = minSizeMultiplier
	}
	if adj.SizeMultiplier > maxSizeMultiplier {
		adj.SizeMultiplier = maxSizeMultiplier
	}
	return adj, nil
}

func directed(d types.Direction) bool {
	return d == types.DirectionBullish || d == types.DirectionBearish
}
