package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/broker"
	"github.com/tradeforge/options-engine/internal/marketdata"
	"github.com/tradeforge/options-engine/internal/metrics"
	"github.com/tradeforge/options-engine/internal/positions"
	"github.com/tradeforge/options-engine/internal/regime"
	"github.com/tradeforge/options-engine/internal/signals"
	"github.com/tradeforge/options-engine/internal/sizing"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// Verdict is the orchestrator's final answer for a signal.
type Verdict string

const (
	VerdictExecuted Verdict = "EXECUTED"
	VerdictRejected Verdict = "REJECTED"
	VerdictClosed   Verdict = "CLOSED"
	VerdictNoOp     Verdict = "NO_OP"
)

// Reject codes specific to the orchestrator. The context evaluator adds
// RejectVIXLimit and RejectPositionLimit.
const (
	RejectConfluence     = "CONFLUENCE_REJECTED"
	RejectRegimeUnstable = "REGIME_UNSTABLE"
	RejectConflict       = "UNRESOLVED_CONFLICT"
	RejectLowConfidence  = "LOW_CONFIDENCE"
	RejectMarketData     = "MARKET_DATA_UNAVAILABLE"
	RejectExecution      = "EXECUTION_FAILED"
)

// Result is the full audit record of one decision.
type Result struct {
	Verdict      Verdict                   `json:"verdict"`
	RejectCode   string                    `json:"rejectCode,omitempty"`
	RejectReason string                    `json:"rejectReason,omitempty"`
	Confidence   float64                   `json:"confidence"`
	Breakdown    []ConfidenceComponent     `json:"breakdown,omitempty"`
	Confluence   *signals.ConfluenceResult `json:"confluence,omitempty"`
	Regime       *types.RegimeObservation  `json:"regime,omitempty"`
	Conflict     *signals.ConflictResult   `json:"conflict,omitempty"`
	Context      *ContextAdjustment        `json:"context,omitempty"`
	Sizing       *sizing.Result            `json:"sizing,omitempty"`
	OrderID      string                    `json:"orderId,omitempty"`
	Quantity     int                       `json:"quantity,omitempty"`
}

// ConfidenceComponent is one additive term of the final confidence score.
type ConfidenceComponent struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// OrchestratorConfig tunes the decision thresholds.
type OrchestratorConfig struct {
	MinConfidence  float64 // final score floor for execution
	BaseConfidence float64 // starting score before components
}

// DefaultOrchestratorConfig returns the production thresholds.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MinConfidence:  60,
		BaseConfidence: 50,
	}
}

// Orchestrator runs the entry decision chain and executes approved trades.
type Orchestrator struct {
	logger    *zap.Logger
	config    OrchestratorConfig
	store     store.Store
	provider  marketdata.Provider
	adapter   broker.Adapter
	scorer    *signals.Scorer
	tracker   *regime.Tracker
	resolver  *signals.Resolver
	evaluator *ContextEvaluator
	sizer     *sizing.Sizer
	positions *positions.Manager
	metrics   *metrics.Metrics
	mode      types.TradingMode

	now func() time.Time
}

// NewOrchestrator wires the decision chain.
func NewOrchestrator(
	logger *zap.Logger,
	config OrchestratorConfig,
	st store.Store,
	provider marketdata.Provider,
	adapter broker.Adapter,
	scorer *signals.Scorer,
	tracker *regime.Tracker,
	resolver *signals.Resolver,
	evaluator *ContextEvaluator,
	sizer *sizing.Sizer,
	posManager *positions.Manager,
	m *metrics.Metrics,
	mode types.TradingMode,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger.Named("orchestrator"),
		config:    config,
		store:     st,
		provider:  provider,
		adapter:   adapter,
		scorer:    scorer,
		tracker:   tracker,
		resolver:  resolver,
		evaluator: evaluator,
		sizer:     sizer,
		positions: posManager,
		metrics:   m,
		mode:      mode,
		now:       time.Now,
	}
}

// Decide routes the signal: CLOSE actions unwind positions on the
// underlying, everything else runs the entry chain.
func (o *Orchestrator) Decide(ctx context.Context, sig *types.Signal) (*Result, error) {
	if sig.Action == types.ActionClose {
		return o.decideExit(ctx, sig)
	}
	return o.decideEntry(ctx, sig)
}

func (o *Orchestrator) decideEntry(ctx context.Context, sig *types.Signal) (*Result, error) {
	result := &Result{}

	snap, err := o.snapshot(ctx, sig)
	if err != nil {
		return o.reject(ctx, sig, result, RejectMarketData, err.Error()), nil
	}

	// Stage 1: confluence against recent same-symbol signals.
	conf := o.scorer.Score(ctx, sig)
	result.Confluence = &conf
	if !conf.Approved {
		return o.reject(ctx, sig, result, RejectConfluence, conf.Reason), nil
	}

	// Stage 2: the regime must have persisted past the flip cooldown.
	// Positioning data is the stability gate's only input, so losing it
	// blocks entries instead of shading them.
	if snap.gex == nil {
		return o.reject(ctx, sig, result, RejectRegimeUnstable, "dealer positioning unavailable"), nil
	}
	obs := o.tracker.Observe(ctx, sig.Symbol, snap.gex.Regime, snap.gex.RegimeConfidence)
	result.Regime = &obs
	if !obs.CanTrade {
		return o.reject(ctx, sig, result, RejectRegimeUnstable, obs.BlockReason), nil
	}

	// Stage 3: weighted conflict resolution against opposing sources.
	conflict := o.resolver.Resolve(ctx, sig)
	result.Conflict = &conflict
	if !conflict.Accepted() {
		return o.reject(ctx, sig, result, RejectConflict, conflict.Reason), nil
	}

	// Stage 4: market-context gates and the size multiplier.
	adj, err := o.evaluator.Evaluate(ctx, MarketContext{
		MarketOpen:      snap.marketOpen,
		VIX:             snap.vix,
		Session:         snap.session,
		Regime:          snap.gex.Regime,
		DealerPosition:  snap.gex.DealerPosition,
		SignalDirection: sig.Direction,
		MarketBias:      snap.gex.Regime.Bias(),
		ATRPercentile:   metadataFloat(sig, "atrPercentile"),
		MTFAlignment:    metadataFloat(sig, "mtfAlignment"),
		MTFConflict:     metadataBool(sig, "mtfConflict"),
		ORBreakout:      metadataDirection(sig, "orbBreakout", "orb_direction"),
		NearKeyLevel:    metadataBool(sig, "nearKeyLevel") || metadataBool(sig, "near_support_resistance"),
		BBExtreme:       metadataBool(sig, "bbExtreme") || metadataBool(sig, "bb_extreme"),
		CandlePattern:   metadataBool(sig, "candlePattern") || metadataBool(sig, "candle_pattern"),
		CandleStrength:  metadataFloat(sig, "candleStrength"),
		StaleSources:    len(snap.degraded),
		OpenPositions:   snap.openPositions,
	})
	if err != nil {
		return nil, err
	}
	result.Context = adj
	if !adj.Allowed {
		return o.reject(ctx, sig, result, adj.RejectCode, adj.RejectReason), nil
	}

	// Stage 5: signal-based sizing scaled by the context multiplier.
	size, err := o.sizer.Size(ctx, sizing.Request{
		Signal:          sig,
		OptionPrice:     snap.entryPrice,
		VIX:             snap.vix,
		Regime:          snap.gex.Regime,
		DealerPosition:  snap.gex.DealerPosition,
		ConfluenceScore: conf.ConfidenceBoost,
	})
	if err != nil {
		return nil, err
	}
	result.Sizing = size
	quantity := int(float64(size.Quantity) * adj.SizeMultiplier)
	if quantity < 1 {
		quantity = 1
	}
	result.Quantity = quantity

	// Stage 6: fold every stage into one confidence score.
	result.Confidence, result.Breakdown = o.confidence(sig, &conf, &obs, adj)
	if result.Confidence < o.config.MinConfidence {
		return o.reject(ctx, sig, result, RejectLowConfidence,
			fmt.Sprintf("confidence %.1f below threshold %.1f", result.Confidence, o.config.MinConfidence)), nil
	}

	// Stage 7: execute.
	if err := o.execute(ctx, sig, snap, quantity, result); err != nil {
		o.logger.Error("execution failed",
			zap.String("signalId", sig.ID),
			zap.Error(err),
		)
		o.markSignal(ctx, sig, types.SignalStatusFailed, err.Error())
		result.Verdict = VerdictRejected
		result.RejectCode = RejectExecution
		result.RejectReason = err.Error()
		return result, nil
	}

	result.Verdict = VerdictExecuted
	o.markSignal(ctx, sig, types.SignalStatusCompleted, "")
	o.logger.Info("signal executed",
		zap.String("signalId", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("orderId", result.OrderID),
		zap.Int("quantity", quantity),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// decideExit closes open positions on the signal's underlying.
func (o *Orchestrator) decideExit(ctx context.Context, sig *types.Signal) (*Result, error) {
	open, err := o.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("decision: listing positions: %w", err)
	}

	closed := 0
	for i := range open {
		pos := &open[i]
		if pos.Underlying != sig.Symbol {
			continue
		}
		if err := o.positions.ClosePosition(ctx, pos, 0, types.OrderMarket, decimal.Zero, "signal:"+string(sig.Source)); err != nil {
			o.logger.Error("signal-driven close failed",
				zap.String("signalId", sig.ID),
				zap.String("positionId", pos.ID),
				zap.Error(err),
			)
			continue
		}
		closed++
	}

	if closed == 0 {
		o.markSignal(ctx, sig, types.SignalStatusCompleted, "no open positions to close")
		return &Result{Verdict: VerdictNoOp}, nil
	}
	o.markSignal(ctx, sig, types.SignalStatusCompleted, "")
	o.logger.Info("close signal executed",
		zap.String("signalId", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.Int("positionsClosed", closed),
	)
	return &Result{Verdict: VerdictClosed, Quantity: closed}, nil
}

// marketSnapshot is everything the chain reads from vendors, captured once.
// Advisory feeds degrade instead of failing: each outage lands in degraded
// and shades the score. The option quote and the position count stay hard
// requirements.
type marketSnapshot struct {
	vix           float64
	session       types.MarketSession
	marketOpen    bool
	gex           *marketdata.GEXBundle // nil when positioning is unavailable
	occSymbol     string
	optionMid     decimal.Decimal
	entryPrice    decimal.Decimal // payload price hint when present, mid otherwise
	openPositions int
	degraded      []string
}

func (o *Orchestrator) snapshot(ctx context.Context, sig *types.Signal) (*marketSnapshot, error) {
	snap := &marketSnapshot{}

	if vix, err := o.provider.GetVIX(ctx); err != nil {
		o.logger.Warn("VIX unavailable, continuing without it", zap.Error(err))
		snap.degraded = append(snap.degraded, "vix")
	} else {
		snap.vix = vix
	}

	if sched, err := o.provider.GetMarketSchedule(ctx); err != nil {
		o.logger.Warn("market schedule unavailable, assuming open", zap.Error(err))
		snap.degraded = append(snap.degraded, "schedule")
		snap.marketOpen = true
	} else {
		snap.session = sched.Session
		snap.marketOpen = sched.IsOpen
	}

	if gex, err := o.provider.GetGEXBundle(ctx, sig.Symbol); err != nil {
		o.logger.Warn("dealer positioning unavailable", zap.Error(err))
	} else {
		snap.gex = gex
	}

	occ, err := types.EncodeOCC(sig.Symbol, sig.Expiration, sig.OptionType, sig.Strike)
	if err != nil {
		return nil, fmt.Errorf("building contract symbol: %w", err)
	}
	snap.occSymbol = occ

	quote, err := o.provider.GetOptionQuote(ctx, occ)
	if err != nil {
		return nil, fmt.Errorf("option quote unavailable: %w", err)
	}
	snap.optionMid = quote.Mid()
	if !snap.optionMid.IsPositive() {
		return nil, fmt.Errorf("option %s has no tradeable price", occ)
	}
	snap.entryPrice = snap.optionMid
	if hint := metadataFloat(sig, "entryPriceHint"); hint > 0 {
		snap.entryPrice = decimal.NewFromFloat(hint)
	}

	open, err := o.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("open positions unavailable: %w", err)
	}
	snap.openPositions = len(open)
	return snap, nil
}

// confidence folds the stage outputs into a 0..100 score.
func (o *Orchestrator) confidence(sig *types.Signal, conf *signals.ConfluenceResult, obs *types.RegimeObservation, adj *ContextAdjustment) (float64, []ConfidenceComponent) {
	var breakdown []ConfidenceComponent
	score := o.config.BaseConfidence
	add := func(name string, v float64) {
		score += v
		breakdown = append(breakdown, ConfidenceComponent{Name: name, Value: v})
	}

	// Signal confidence above the validation floor earns up to 15 points.
	add("signal_strength", (sig.Confidence-70)/2)
	add("confluence", conf.ConfidenceBoost*0.3)
	add("regime_stability", (obs.StabilityScore-50)/5)
	add("market_context", adj.ConfidenceDelta)

	// The score never drops below 30: rejects come from gates, not from
	// stacked shading alone.
	if score < 30 {
		score = 30
	}
	if score > 100 {
		score = 100
	}
	return score, breakdown
}

func (o *Orchestrator) execute(ctx context.Context, sig *types.Signal, snap *marketSnapshot, quantity int, result *Result) error {
	now := o.now()
	side := types.SideBuyToOpen
	if sig.Action == types.ActionSell {
		side = types.SideSellToOpen
	}
	order := &types.Order{
		ID:          uuid.New().String(),
		SignalID:    sig.ID,
		Mode:        o.mode,
		Underlying:  sig.Symbol,
		Symbol:      snap.occSymbol,
		Strike:      sig.Strike,
		Expiration:  sig.Expiration,
		OptionType:  sig.OptionType,
		Side:        side,
		Quantity:    quantity,
		OrderType:   types.OrderMarket,
		TimeInForce: types.TIFDay,
		Status:      types.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// A payload price hint turns the entry into a limit at that price.
	if !snap.entryPrice.Equal(snap.optionMid) {
		order.OrderType = types.OrderLimit
		order.LimitPrice = snap.entryPrice
	}
	if err := o.store.InsertOrder(ctx, order); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	result.OrderID = order.ID

	o.metrics.OrdersSubmitted.WithLabelValues(o.adapter.Capabilities().Name).Inc()
	res, fill, err := o.adapter.SubmitOrder(ctx, broker.OrderRequest{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		OrderType:   order.OrderType,
		LimitPrice:  order.LimitPrice,
		TimeInForce: order.TimeInForce,
	}, snap.optionMid)
	o.audit(ctx, order, res, err)
	if err != nil {
		o.metrics.OrdersRejected.Inc()
		o.failOrder(ctx, order, err.Error())
		return fmt.Errorf("submitting order: %w", err)
	}
	if !res.Success {
		o.metrics.OrdersRejected.Inc()
		o.failOrder(ctx, order, res.Reason)
		return fmt.Errorf("broker rejected order: %s", res.Reason)
	}

	update := *order
	update.BrokerOrderID = res.BrokerOrderID
	update.Status = res.Status
	update.FilledQuantity = res.FilledQuantity
	update.AvgFillPrice = res.AvgFillPrice
	update.SubmittedAt = &now
	if res.Status == types.OrderStatusFilled {
		update.FilledAt = &now
		o.metrics.OrdersFilled.Inc()
	}
	if err := o.store.UpdateOrderStatus(ctx, order.ID, []types.OrderStatus{types.OrderStatusPending}, &update); err != nil {
		return fmt.Errorf("recording submission: %w", err)
	}

	// Paper fills are immediate; live fills arrive through the poller.
	if fill != nil {
		trade := types.Trade{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			BrokerTradeID:  fill.BrokerTradeID,
			ExecutionPrice: fill.Price,
			Quantity:       fill.Quantity,
			Commission:     fill.Commission,
			Fees:           fill.Fees,
			TotalCost:      fill.TotalCost(),
			ExecutedAt:     fill.ExecutedAt,
		}
		if err := o.store.InsertTrade(ctx, &trade); err != nil {
			return fmt.Errorf("inserting trade: %w", err)
		}
		if err := o.positions.ApplyFill(ctx, &update, []types.Trade{trade}); err != nil {
			return fmt.Errorf("applying fill: %w", err)
		}
	}
	return nil
}

// reject finalizes a rejected decision and records the risk violation.
func (o *Orchestrator) reject(ctx context.Context, sig *types.Signal, result *Result, code, reason string) *Result {
	result.Verdict = VerdictRejected
	result.RejectCode = code
	result.RejectReason = reason

	o.markSignal(ctx, sig, types.SignalStatusRejected, code+": "+reason)
	violation := &types.RiskViolation{
		ID:         uuid.New().String(),
		RuleName:   code,
		Detail:     reason,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		OccurredAt: o.now(),
	}
	if err := o.store.InsertRiskViolation(ctx, violation); err != nil {
		o.logger.Warn("recording risk violation", zap.Error(err))
	}
	o.logger.Info("signal rejected",
		zap.String("signalId", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("code", code),
		zap.String("reason", reason),
	)
	return result
}

func (o *Orchestrator) markSignal(ctx context.Context, sig *types.Signal, status types.SignalStatus, detail string) {
	sig.Status = status
	if err := o.store.UpdateSignalStatus(ctx, sig.ID, status, detail); err != nil {
		o.logger.Warn("updating signal status",
			zap.String("signalId", sig.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) failOrder(ctx context.Context, order *types.Order, reason string) {
	update := *order
	update.Status = types.OrderStatusRejected
	update.RejectionReason = reason
	if err := o.store.UpdateOrderStatus(ctx, order.ID, []types.OrderStatus{types.OrderStatusPending}, &update); err != nil {
		o.logger.Error("marking order rejected", zap.String("orderId", order.ID), zap.Error(err))
	}
}

func (o *Orchestrator) audit(ctx context.Context, order *types.Order, res *broker.OrderResult, submitErr error) {
	log := &types.AdapterLog{
		ID:            uuid.New().String(),
		AdapterName:   o.adapter.Capabilities().Name,
		Operation:     "submit_open",
		CorrelationID: order.SignalID,
		OrderID:       order.ID,
		CreatedAt:     o.now(),
	}
	if payload, err := json.Marshal(order); err == nil {
		log.RequestPayload = payload
	}
	switch {
	case submitErr != nil:
		log.Status = "error"
		log.ErrorMessage = submitErr.Error()
	case res != nil:
		log.Status = string(res.Status)
		if payload, err := json.Marshal(res); err == nil {
			log.ResponsePayload = payload
		}
	}
	if err := o.store.InsertAdapterLog(ctx, log); err != nil {
		o.logger.Warn("writing adapter log", zap.Error(err))
	}
}

func metadataFloat(sig *types.Signal, key string) float64 {
	if sig.Metadata == nil {
		return 0
	}
	switch v := sig.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func metadataBool(sig *types.Signal, key string) bool {
	if sig.Metadata == nil {
		return false
	}
	b, _ := sig.Metadata[key].(bool)
	return b
}

// metadataDirection reads the first present key as a direction. Vendors
// send "bullish"/"bearish" or "up"/"down".
func metadataDirection(sig *types.Signal, keys ...string) types.Direction {
	if sig.Metadata == nil {
		return types.DirectionNeutral
	}
	for _, key := range keys {
		s, _ := sig.Metadata[key].(string)
		switch strings.ToLower(s) {
		case "bullish", "bull", "up", "long":
			return types.DirectionBullish
		case "bearish", "bear", "down", "short":
			return types.DirectionBearish
		}
	}
	return types.DirectionNeutral
}
