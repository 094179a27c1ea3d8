// Package exits evaluates open positions against the exit rule ladder.
// Rules are checked in priority order; the first match wins. Capital
// protection outranks profit taking, which outranks housekeeping.
package exits

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

// Action is what the engine wants done with the position.
type Action string

const (
	ActionHold         Action = "HOLD"
	ActionClosePartial Action = "CLOSE_PARTIAL"
	ActionCloseFull    Action = "CLOSE_FULL"
	ActionTightenStop  Action = "TIGHTEN_STOP"
)

// Urgency orders execution of exit decisions.
type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE" // market order, now
	UrgencySoon      Urgency = "SOON"      // next refresh cycle
	UrgencyOptional  Urgency = "OPTIONAL"  // advisory
)

// Exit triggers, recorded on orders and in the audit trail.
const (
	TriggerStopLoss      = "STOP_LOSS"
	TriggerDTELimit      = "DTE_LIMIT"
	TriggerDTEWarning    = "DTE_WARNING"
	TriggerTrailingStop  = "TRAILING_STOP"
	TriggerDeltaLimit    = "DELTA_LIMIT"
	TriggerThetaBurn     = "THETA_BURN"
	TriggerIVCrush       = "IV_CRUSH"
	TriggerProfitTarget1 = "PROFIT_TARGET_1"
	TriggerProfitTarget2 = "PROFIT_TARGET_2"
	TriggerGEXFlip       = "GEX_FLIP"
	TriggerRegimeShift   = "REGIME_SHIFT"
	TriggerMaxHold       = "MAX_HOLD"
	TriggerATRStop       = "ATR_STOP"
)

// Evaluation is the engine's verdict for one position.
type Evaluation struct {
	Action      Action          `json:"action"`
	Urgency     Urgency         `json:"urgency,omitempty"`
	Trigger     string          `json:"trigger,omitempty"`
	Quantity    int             `json:"quantity,omitempty"` // contracts to close for partials
	OrderType   types.OrderType `json:"orderType,omitempty"`
	NewStopLoss decimal.Decimal `json:"newStopLoss,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Context carries the market state for one evaluation.
type Context struct {
	Position       *types.Position
	CurrentPrice   decimal.Decimal // option mid
	Greeks         types.Greeks
	ATR            decimal.Decimal // underlying ATR, absolute
	ATRPercentile  float64         // 0..100
	Regime         types.Regime
	DealerPosition types.DealerPosition
	GEXFlipped     bool // dealer posture flipped since entry
	Now            time.Time
}

// EngineConfig tunes the exit ladder.
type EngineConfig struct {
	StopLossPercent      float64 // loss of entry premium that forces a full exit
	Target1Percent       float64 // first profit target
	Target1ClosePortion  float64 // fraction closed at target 1
	Target2Percent       float64 // second profit target
	Target2ClosePortion  float64 // fraction closed at target 2
	TrailingArmPercent   float64 // runup that arms the trailing stop
	TrailingGivebackPct  float64 // giveback from the high-water mark that fires it
	MaxDeltaAbs          float64 // deep-ITM delta that forces harvesting
	ThetaBurnPctPerDay   float64 // daily decay as a fraction of position value
	IVCrushPercent       float64 // IV drop from entry that forces an exit
	GEXFlipMinProfitPct  float64 // profit required before a GEX flip closes
	MaxHoldDays          int
	DTEForceExit         int // at or below, losing positions exit at market
	DTEWarn              int // at or below, positions exit via limit by end of day
	Enhanced             bool // scale profit targets by realized volatility
}

// DefaultEngineConfig returns the production exit ladder settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StopLossPercent:     75,
		Target1Percent:      30,
		Target1ClosePortion: 0.25,
		Target2Percent:      60,
		Target2ClosePortion: 0.50,
		TrailingArmPercent:  25,
		TrailingGivebackPct: 20,
		MaxDeltaAbs:         0.82,
		ThetaBurnPctPerDay:  4,
		IVCrushPercent:      20,
		GEXFlipMinProfitPct: 10,
		MaxHoldDays:         14,
		DTEForceExit:        1,
		DTEWarn:             5,
	}
}

// Engine walks the exit ladder for open positions.
type Engine struct {
	logger *zap.Logger
	config EngineConfig
}

// NewEngine creates the exit engine.
func NewEngine(logger *zap.Logger, config EngineConfig) *Engine {
	return &Engine{logger: logger.Named("exit-engine"), config: config}
}

// Evaluate returns the highest-priority exit action for the position, or
// HOLD when nothing fires.
func (e *Engine) Evaluate(ec Context) Evaluation {
	pos := ec.Position
	pnlPct := pnlPercent(pos, ec.CurrentPrice)
	dte := pos.DTE(ec.Now)

	rules := []func(Context, float64, int) *Evaluation{
		e.stopLoss,
		e.expiryForce,
		e.trailingStop,
		e.deltaLimit,
		e.thetaBurn,
		e.ivCrush,
		e.profitTarget2,
		e.profitTarget1,
		e.gexFlip,
		e.expiryWarn,
		e.maxHold,
		e.regimeShift,
		e.atrStop,
	}
	for _, rule := range rules {
		if ev := rule(ec, pnlPct, dte); ev != nil {
			e.logger.Info("exit rule fired",
				zap.String("positionId", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.String("trigger", ev.Trigger),
				zap.String("action", string(ev.Action)),
				zap.Float64("pnlPercent", pnlPct),
				zap.Int("dte", dte),
			)
			return *ev
		}
	}
	return Evaluation{Action: ActionHold}
}

func (e *Engine) stopLoss(ec Context, pnlPct float64, _ int) *Evaluation {
	if pnlPct > -e.config.StopLossPercent {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencyImmediate,
		Trigger:   TriggerStopLoss,
		OrderType: types.OrderMarket,
		Reason:    fmt.Sprintf("down %.1f%%, stop at %.0f%% of entry premium", -pnlPct, e.config.StopLossPercent),
	}
}

// expiryForce closes losing positions at market when expiration is on top
// of them. A losing contract held into expiry week loses to theta anyway.
func (e *Engine) expiryForce(ec Context, pnlPct float64, dte int) *Evaluation {
	if dte < 0 || dte > e.config.DTEForceExit || pnlPct >= 0 {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencyImmediate,
		Trigger:   TriggerDTELimit,
		OrderType: types.OrderMarket,
		Reason:    fmt.Sprintf("%d DTE and down %.1f%%", dte, -pnlPct),
	}
}

// trailingStop arms once peak unrealized P&L clears the runup threshold
// and fires when the position gives back enough of that peak. Working in
// P&L keeps the rule correct for short positions.
func (e *Engine) trailingStop(ec Context, _ float64, _ int) *Evaluation {
	pos := ec.Position
	if !pos.HighWaterMark.IsPositive() || !pos.AvgOpenPrice.IsPositive() {
		return nil
	}
	basis := entryBasis(pos)
	if !basis.IsPositive() {
		return nil
	}
	runupPct, _ := pos.HighWaterMark.Div(basis).Mul(decimal.NewFromInt(100)).Float64()
	if runupPct < e.config.TrailingArmPercent {
		return nil
	}
	pnl := unrealized(pos, ec.CurrentPrice)
	givebackPct, _ := pos.HighWaterMark.Sub(pnl).
		Div(pos.HighWaterMark).Mul(decimal.NewFromInt(100)).Float64()
	if givebackPct < e.config.TrailingGivebackPct {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerTrailingStop,
		OrderType: types.OrderMarket,
		Reason: fmt.Sprintf("gave back %.1f%% of peak profit %s after a %.1f%% runup",
			givebackPct, pos.HighWaterMark, runupPct),
	}
}

func (e *Engine) deltaLimit(ec Context, _ float64, _ int) *Evaluation {
	if math.Abs(ec.Greeks.Delta) < e.config.MaxDeltaAbs {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerDeltaLimit,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("delta %.2f is deep in the money, harvest", ec.Greeks.Delta),
	}
}

func (e *Engine) thetaBurn(ec Context, _ float64, _ int) *Evaluation {
	if !ec.CurrentPrice.IsPositive() || ec.Greeks.Theta >= 0 {
		return nil
	}
	price, _ := ec.CurrentPrice.Float64()
	burnPct := -ec.Greeks.Theta / price * 100
	if burnPct < e.config.ThetaBurnPctPerDay {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerThetaBurn,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("theta burning %.1f%% of value per day", burnPct),
	}
}

func (e *Engine) ivCrush(ec Context, _ float64, _ int) *Evaluation {
	pos := ec.Position
	if pos.EntryIV <= 0 || ec.Greeks.IV <= 0 {
		return nil
	}
	dropPct := (pos.EntryIV - ec.Greeks.IV) / pos.EntryIV * 100
	if dropPct < e.config.IVCrushPercent {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerIVCrush,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("IV fell %.1f%% from entry %.2f", dropPct, pos.EntryIV),
	}
}

func (e *Engine) profitTarget2(ec Context, pnlPct float64, _ int) *Evaluation {
	pos := ec.Position
	if pos.PartialExitsTaken >= 2 || pnlPct < e.scaledTarget(e.config.Target2Percent, ec) {
		return nil
	}
	qty := closePortion(pos.Quantity, e.config.Target2ClosePortion)
	return &Evaluation{
		Action:    ActionClosePartial,
		Urgency:   UrgencySoon,
		Trigger:   TriggerProfitTarget2,
		Quantity:  qty,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("up %.1f%%, taking half off", pnlPct),
	}
}

// profitTarget1 takes a quarter off and moves the stop to entry, so the
// remainder rides risk free.
func (e *Engine) profitTarget1(ec Context, pnlPct float64, _ int) *Evaluation {
	pos := ec.Position
	if pos.PartialExitsTaken >= 1 || pnlPct < e.scaledTarget(e.config.Target1Percent, ec) {
		return nil
	}
	qty := closePortion(pos.Quantity, e.config.Target1ClosePortion)
	return &Evaluation{
		Action:      ActionClosePartial,
		Urgency:     UrgencySoon,
		Trigger:     TriggerProfitTarget1,
		Quantity:    qty,
		OrderType:   types.OrderLimit,
		NewStopLoss: pos.AvgOpenPrice,
		Reason:      fmt.Sprintf("up %.1f%%, taking a quarter off and stopping at entry", pnlPct),
	}
}

func (e *Engine) gexFlip(ec Context, pnlPct float64, _ int) *Evaluation {
	if !ec.GEXFlipped || pnlPct < e.config.GEXFlipMinProfitPct {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerGEXFlip,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("dealer posture flipped with %.1f%% profit on the table", pnlPct),
	}
}

func (e *Engine) expiryWarn(ec Context, _ float64, dte int) *Evaluation {
	if dte < 0 || dte > e.config.DTEWarn {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerDTEWarning,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("%d DTE, exit by end of day", dte),
	}
}

func (e *Engine) maxHold(ec Context, _ float64, _ int) *Evaluation {
	held := ec.Now.Sub(ec.Position.OpenedAt)
	maxHold := time.Duration(e.config.MaxHoldDays) * 24 * time.Hour
	if held < maxHold {
		return nil
	}
	return &Evaluation{
		Action:    ActionCloseFull,
		Urgency:   UrgencySoon,
		Trigger:   TriggerMaxHold,
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("held %d days, max %d", int(held.Hours()/24), e.config.MaxHoldDays),
	}
}

// regimeShift trims winners when the regime turns against the position's
// direction. Losers hold; selling weakness into a shift compounds it.
func (e *Engine) regimeShift(ec Context, pnlPct float64, _ int) *Evaluation {
	pos := ec.Position
	if pnlPct <= 0 {
		return nil
	}
	bias := ec.Regime.Bias()
	var against bool
	if pos.OptionType == types.OptionCall && pos.IsLong() || pos.OptionType == types.OptionPut && !pos.IsLong() {
		against = bias == types.DirectionBearish
	} else {
		against = bias == types.DirectionBullish
	}
	if !against || pos.PartialExitsTaken >= 2 {
		return nil
	}
	return &Evaluation{
		Action:    ActionClosePartial,
		Urgency:   UrgencyOptional,
		Trigger:   TriggerRegimeShift,
		Quantity:  closePortion(pos.Quantity, 0.5),
		OrderType: types.OrderLimit,
		Reason:    fmt.Sprintf("regime %s turned against the position with %.1f%% profit", ec.Regime, pnlPct),
	}
}

// atrStop tightens the stop to entry minus a volatility-scaled buffer. The
// multiplier shrinks as the ATR percentile rises: stretched tape gets a
// tighter leash.
func (e *Engine) atrStop(ec Context, _ float64, _ int) *Evaluation {
	pos := ec.Position
	if !ec.ATR.IsPositive() || !pos.AvgOpenPrice.IsPositive() {
		return nil
	}
	k := 2.0 - ec.ATRPercentile/100 // 2.0 at calm, 1.0 at extreme
	buffer := ec.ATR.Mul(decimal.NewFromFloat(k))
	stop := pos.AvgOpenPrice.Sub(buffer)
	if !stop.IsPositive() || ec.CurrentPrice.GreaterThan(stop) {
		return nil
	}
	return &Evaluation{
		Action:      ActionTightenStop,
		Urgency:     UrgencyOptional,
		Trigger:     TriggerATRStop,
		NewStopLoss: stop,
		Reason:      fmt.Sprintf("price %s at or under ATR stop %s (k=%.2f)", ec.CurrentPrice, stop, k),
	}
}

// scaledTarget widens profit targets in fast tape when enhanced mode is on.
func (e *Engine) scaledTarget(target float64, ec Context) float64 {
	if !e.config.Enhanced {
		return target
	}
	return target * (0.75 + ec.ATRPercentile/200)
}

// entryBasis is the premium paid or collected for the remaining contracts.
func entryBasis(pos *types.Position) decimal.Decimal {
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}
	return pos.AvgOpenPrice.Mul(decimal.NewFromInt(int64(qty) * 100))
}

// unrealized computes dollar P&L at the given mark, signed for direction.
func unrealized(pos *types.Position, current decimal.Decimal) decimal.Decimal {
	diff := current.Sub(pos.AvgOpenPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}
	return diff.Mul(decimal.NewFromInt(int64(qty) * 100))
}

// pnlPercent computes unrealized P&L as a percent of entry premium.
func pnlPercent(pos *types.Position, current decimal.Decimal) float64 {
	if !pos.AvgOpenPrice.IsPositive() || !current.IsPositive() {
		return 0
	}
	diff := current.Sub(pos.AvgOpenPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	pct, _ := diff.Div(pos.AvgOpenPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// closePortion converts a fraction into a contract count, rounding up so a
// partial on a small position still closes at least one contract.
func closePortion(quantity int, portion float64) int {
	abs := quantity
	if abs < 0 {
		abs = -abs
	}
	qty := int(math.Ceil(float64(abs) * portion))
	if qty < 1 {
		qty = 1
	}
	if qty > abs {
		qty = abs
	}
	return qty
}
