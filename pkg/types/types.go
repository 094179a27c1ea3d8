// Package types provides shared type definitions for the options trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingMode selects paper or live execution.
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeLive  TradingMode = "LIVE"
)

// SignalSource identifies the external indicator that produced a signal.
type SignalSource string

const (
	SourceTradingView     SignalSource = "tradingview"
	SourceUltimateOption  SignalSource = "ultimate-option"
	SourceMTFTrendDots    SignalSource = "mtf-trend-dots"
	SourceStratEngineV6   SignalSource = "strat_engine_v6"
	SourceORBStretch      SignalSource = "orb_bhch_stretch"
	SourceORBOrb          SignalSource = "orb_bhch_orb"
	SourceORBEma          SignalSource = "orb_bhch_ema"
	SourceORBBhch         SignalSource = "orb_bhch_bhch"
	SourceSatyPhase       SignalSource = "saty-phase"
	SourceTwelveTechnical SignalSource = "twelvedata-technical"
)

// SignalAction is the requested trade action.
type SignalAction string

const (
	ActionBuy   SignalAction = "BUY"
	ActionSell  SignalAction = "SELL"
	ActionClose SignalAction = "CLOSE"
)

// Direction is the market direction a signal expresses.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// OptionType is the option right.
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// SignalStatus tracks a signal through the pipeline.
type SignalStatus string

const (
	SignalStatusPending    SignalStatus = "PENDING"
	SignalStatusValidated  SignalStatus = "VALIDATED"
	SignalStatusProcessing SignalStatus = "PROCESSING"
	SignalStatusCompleted  SignalStatus = "COMPLETED"
	SignalStatusRejected   SignalStatus = "REJECTED"
	SignalStatusFailed     SignalStatus = "FAILED"
)

// IsTerminal reports whether the status ends the signal lifecycle.
func (s SignalStatus) IsTerminal() bool {
	return s == SignalStatusCompleted || s == SignalStatusRejected || s == SignalStatusFailed
}

// Signal is the canonical normalized trading signal.
type Signal struct {
	ID                string          `json:"id" db:"id"`
	Source            SignalSource    `json:"source" db:"source"`
	Fingerprint       string          `json:"fingerprint" db:"signal_hash"`
	Symbol            string          `json:"symbol" db:"underlying"`
	Direction         Direction       `json:"direction" db:"direction"`
	Action            SignalAction    `json:"action" db:"action"`
	Strike            decimal.Decimal `json:"strike" db:"strike"`
	Expiration        string          `json:"expiration" db:"expiration"` // YYYY-MM-DD
	OptionType        OptionType      `json:"optionType" db:"option_type"`
	Timeframe         string          `json:"timeframe" db:"timeframe"`
	Quantity          int             `json:"quantity" db:"quantity"`
	Confidence        float64         `json:"confidence" db:"confidence"`
	StrategyType      string          `json:"strategyType" db:"strategy_type"`
	RawPayload        []byte          `json:"-" db:"raw_payload"`
	Metadata          map[string]any  `json:"metadata,omitempty" db:"-"`
	SignatureVerified bool            `json:"signatureVerified" db:"signature_verified"`
	Status            SignalStatus    `json:"status" db:"status"`
	ValidationResult  string          `json:"validationResult,omitempty" db:"validation_result"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// OrderSide is the option order side.
type OrderSide string

const (
	SideBuyToOpen   OrderSide = "BUY_TO_OPEN"
	SideSellToOpen  OrderSide = "SELL_TO_OPEN"
	SideBuyToClose  OrderSide = "BUY_TO_CLOSE"
	SideSellToClose OrderSide = "SELL_TO_CLOSE"
)

// IsOpening reports whether the side opens exposure.
func (s OrderSide) IsOpening() bool {
	return s == SideBuyToOpen || s == SideSellToOpen
}

// IsBuy reports whether the side pays the premium.
func (s OrderSide) IsBuy() bool {
	return s == SideBuyToOpen || s == SideBuyToClose
}

// OrderType is the execution instruction for an order.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce is the order duration instruction.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus tracks broker order state.
type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "PENDING"
	OrderStatusSubmitted   OrderStatus = "SUBMITTED"
	OrderStatusAccepted    OrderStatus = "ACCEPTED"
	OrderStatusPartialFill OrderStatus = "PARTIAL_FILL"
	OrderStatusFilled      OrderStatus = "FILLED"
	OrderStatusCancelled   OrderStatus = "CANCELLED"
	OrderStatusRejected    OrderStatus = "REJECTED"
	OrderStatusExpired     OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order status is final. Terminal orders are
// immutable.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a broker order, paper or live.
type Order struct {
	ID              string          `json:"id" db:"id"`
	SignalID        string          `json:"signalId,omitempty" db:"signal_id"`
	BrokerOrderID   string          `json:"brokerOrderId,omitempty" db:"broker_order_id"`
	Mode            TradingMode     `json:"mode" db:"mode"`
	Underlying      string          `json:"underlying" db:"underlying"`
	Symbol          string          `json:"symbol" db:"symbol"` // OCC
	Strike          decimal.Decimal `json:"strike" db:"strike"`
	Expiration      string          `json:"expiration" db:"expiration"`
	OptionType      OptionType      `json:"optionType" db:"option_type"`
	Side            OrderSide       `json:"side" db:"side"`
	Quantity        int             `json:"quantity" db:"quantity"`
	OrderType       OrderType       `json:"orderType" db:"order_type"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty" db:"limit_price"`
	StopPrice       decimal.Decimal `json:"stopPrice,omitempty" db:"stop_price"`
	TimeInForce     TimeInForce     `json:"tif" db:"tif"`
	Status          OrderStatus     `json:"status" db:"status"`
	FilledQuantity  int             `json:"filledQuantity" db:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice" db:"avg_fill_price"`
	RejectionReason string          `json:"rejectionReason,omitempty" db:"rejection_reason"`
	SubmittedAt     *time.Time      `json:"submittedAt,omitempty" db:"submitted_at"`
	FilledAt        *time.Time      `json:"filledAt,omitempty" db:"filled_at"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// Trade is a single fill against an order.
type Trade struct {
	ID             string          `json:"id" db:"id"`
	OrderID        string          `json:"orderId" db:"order_id"`
	BrokerTradeID  string          `json:"brokerTradeId,omitempty" db:"broker_trade_id"`
	ExecutionPrice decimal.Decimal `json:"executionPrice" db:"execution_price"`
	Quantity       int             `json:"quantity" db:"quantity"`
	Commission     decimal.Decimal `json:"commission" db:"commission"`
	Fees           decimal.Decimal `json:"fees" db:"fees"`
	TotalCost      decimal.Decimal `json:"totalCost" db:"total_cost"`
	ExecutedAt     time.Time       `json:"executedAt" db:"executed_at"`
}

// Greeks are the option sensitivities tracked per position.
type Greeks struct {
	Delta float64 `json:"delta" db:"delta"`
	Gamma float64 `json:"gamma" db:"gamma"`
	Theta float64 `json:"theta" db:"theta"`
	Vega  float64 `json:"vega" db:"vega"`
	IV    float64 `json:"iv" db:"iv"`
}

// Position is an open or closed options position. Quantity is signed:
// positive long, negative short.
type Position struct {
	ID                   string          `json:"id" db:"id"`
	Symbol               string          `json:"symbol" db:"symbol"` // OCC
	Underlying           string          `json:"underlying" db:"underlying"`
	Strike               decimal.Decimal `json:"strike" db:"strike"`
	Expiration           string          `json:"expiration" db:"expiration"`
	OptionType           OptionType      `json:"optionType" db:"option_type"`
	Quantity             int             `json:"quantity" db:"quantity"`
	AvgOpenPrice         decimal.Decimal `json:"avgOpenPrice" db:"avg_open_price"`
	TotalCost            decimal.Decimal `json:"totalCost" db:"total_cost"`
	CurrentPrice         decimal.Decimal `json:"currentPrice" db:"current_price"`
	MarketValue          decimal.Decimal `json:"marketValue" db:"market_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnl" db:"unrealized_pnl"`
	UnrealizedPnLPercent float64         `json:"unrealizedPnlPercent" db:"unrealized_pnl_percent"`
	RealizedPnL          decimal.Decimal `json:"realizedPnl" db:"realized_pnl"`
	Greeks               Greeks          `json:"greeks"`
	EntryIV              float64         `json:"entryIv" db:"entry_iv"`
	HighWaterMark        decimal.Decimal `json:"highWaterMark" db:"high_water_mark"` // peak unrealized P&L
	PartialExitsTaken    int             `json:"partialExitsTaken" db:"partial_exits_taken"`
	EntryMarketRegime    Regime          `json:"entryMarketRegime" db:"entry_market_regime"`
	IsClosed             bool            `json:"isClosed" db:"is_closed"`
	OpenedAt             time.Time       `json:"openedAt" db:"opened_at"`
	ClosedAt             *time.Time      `json:"closedAt,omitempty" db:"closed_at"`
	UpdatedAt            time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsLong reports whether the position is net long.
func (p *Position) IsLong() bool { return p.Quantity > 0 }

// DTE returns calendar days to expiration as of now; -1 if the expiration
// cannot be parsed.
func (p *Position) DTE(now time.Time) int {
	exp, err := time.Parse("2006-01-02", p.Expiration)
	if err != nil {
		return -1
	}
	days := int(exp.Sub(now.Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Regime is the detected market regime for a ticker.
type Regime string

const (
	RegimeTrendingUp       Regime = "TRENDING_UP"
	RegimeTrendingDown     Regime = "TRENDING_DOWN"
	RegimeRangeBound       Regime = "RANGE_BOUND"
	RegimeBreakoutImminent Regime = "BREAKOUT_IMMINENT"
	RegimeReversalUp       Regime = "REVERSAL_UP"
	RegimeReversalDown     Regime = "REVERSAL_DOWN"
	RegimeUnknown          Regime = "UNKNOWN"
)

// Bias returns the directional bias implied by the regime.
func (r Regime) Bias() Direction {
	switch r {
	case RegimeTrendingUp, RegimeReversalUp:
		return DirectionBullish
	case RegimeTrendingDown, RegimeReversalDown:
		return DirectionBearish
	default:
		return DirectionNeutral
	}
}

// DealerPosition is the aggregate dealer gamma posture.
type DealerPosition string

const (
	DealerLongGamma  DealerPosition = "LONG_GAMMA"
	DealerShortGamma DealerPosition = "SHORT_GAMMA"
	DealerNeutral    DealerPosition = "NEUTRAL"
)

// MarketSession segments the trading day.
type MarketSession string

const (
	SessionPreMarket  MarketSession = "PRE_MARKET"
	SessionOpening    MarketSession = "OPENING"
	SessionMorning    MarketSession = "MORNING"
	SessionMidday     MarketSession = "MIDDAY"
	SessionAfternoon  MarketSession = "AFTERNOON"
	SessionClosing    MarketSession = "CLOSING"
	SessionAfterHours MarketSession = "AFTER_HOURS"
	SessionClosed     MarketSession = "CLOSED"
)

// RegimeObservation is one regime-stability sample for a ticker.
type RegimeObservation struct {
	Ticker                string    `json:"ticker" db:"ticker"`
	Regime                Regime    `json:"regime" db:"regime"`
	Confidence            float64   `json:"regimeConfidence" db:"regime_confidence"`
	ConsecutiveSameRegime int       `json:"consecutiveSameRegime" db:"consecutive_same_regime"`
	TimeInRegimeSeconds   int64     `json:"timeInRegimeSeconds" db:"time_in_regime_seconds"`
	LastFlipTimestamp     time.Time `json:"lastFlipTimestamp" db:"last_flip_timestamp"`
	StabilityScore        float64   `json:"stabilityScore" db:"stability_score"`
	IsStable              bool      `json:"isStable" db:"is_stable"`
	CanTrade              bool      `json:"canTrade" db:"can_trade"`
	BlockReason           string    `json:"blockReason,omitempty" db:"block_reason"`
	CheckedAt             time.Time `json:"checkedAt" db:"checked_at"`
}

// RegimePerformance is a historical win/loss summary keyed by regime and
// dealer posture, feeding Kelly sizing.
type RegimePerformance struct {
	Regime         Regime         `json:"regime" db:"regime"`
	DealerPosition DealerPosition `json:"dealerPosition" db:"dealer_position"`
	TotalTrades    int            `json:"totalTrades" db:"total_trades"`
	WinningTrades  int            `json:"winningTrades" db:"winning_trades"`
	LosingTrades   int            `json:"losingTrades" db:"losing_trades"`
	AverageWin     float64        `json:"averageWin" db:"average_win"`
	AverageLoss    float64        `json:"averageLoss" db:"average_loss"`
	KellyFraction  float64        `json:"kellyFraction" db:"kelly_fraction"`
	HalfKelly      float64        `json:"halfKelly" db:"half_kelly"`
}

// VIXSizingRule scales position size by VIX bucket.
type VIXSizingRule struct {
	VIXMin         float64 `json:"vixMin" db:"vix_min"`
	VIXMax         float64 `json:"vixMax" db:"vix_max"`
	SizeMultiplier float64 `json:"sizeMultiplier" db:"size_multiplier"`
	MaxPositions   int     `json:"maxPositions" db:"max_positions"`
}

// RiskViolation records a rejected action for the risk audit trail.
type RiskViolation struct {
	ID         string    `json:"id" db:"id"`
	RuleName   string    `json:"ruleName" db:"rule_name"`
	Detail     string    `json:"detail" db:"detail"`
	SignalID   string    `json:"signalId,omitempty" db:"signal_id"`
	Symbol     string    `json:"symbol,omitempty" db:"symbol"`
	OccurredAt time.Time `json:"occurredAt" db:"occurred_at"`
}

// AdapterLog records one broker adapter operation for auditing.
type AdapterLog struct {
	ID              string    `json:"id" db:"id"`
	AdapterName     string    `json:"adapterName" db:"adapter_name"`
	Operation       string    `json:"operation" db:"operation"`
	CorrelationID   string    `json:"correlationId" db:"correlation_id"`
	OrderID         string    `json:"orderId,omitempty" db:"order_id"`
	Status          string    `json:"status" db:"status"`
	RequestPayload  []byte    `json:"-" db:"request_payload"`
	ResponsePayload []byte    `json:"-" db:"response_payload"`
	ErrorMessage    string    `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// DeriveDirection maps action + option type to a market direction.
func DeriveDirection(action SignalAction, opt OptionType) Direction {
	switch {
	case action == ActionBuy && opt == OptionCall,
		action == ActionSell && opt == OptionPut:
		return DirectionBullish
	case action == ActionBuy && opt == OptionPut,
		action == ActionSell && opt == OptionCall:
		return DirectionBearish
	default:
		return DirectionNeutral
	}
}
