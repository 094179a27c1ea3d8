// Package positions owns the position lifecycle: opening from fills,
// mark-to-market refresh, exit evaluation, and automated closes.
package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/broker"
	"github.com/tradeforge/options-engine/internal/exits"
	"github.com/tradeforge/options-engine/internal/marketdata"
	"github.com/tradeforge/options-engine/internal/metrics"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/internal/workers"
	"github.com/tradeforge/options-engine/pkg/types"
)

// RegimeFn reports the last observed regime for a ticker, for stamping
// entries. nil is allowed.
type RegimeFn func(ticker string) (types.Regime, bool)

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	RefreshInterval time.Duration
	CloseSpacing    time.Duration // pause between automated close submissions
}

// DefaultManagerConfig returns the production lifecycle settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RefreshInterval: 30 * time.Second,
		CloseSpacing:    500 * time.Millisecond,
	}
}

// Manager maintains open positions. One refresh runs at a time; an
// overlapping tick is skipped rather than queued.
type Manager struct {
	logger     *zap.Logger
	config     ManagerConfig
	store      store.Store
	provider   marketdata.Provider
	adapter    broker.Adapter
	exitEngine *exits.Engine
	pool       *workers.Pool
	regimeFn   RegimeFn
	metrics    *metrics.Metrics
	mode       types.TradingMode

	refreshMu sync.Mutex

	// Soft stops set by TIGHTEN_STOP evaluations, enforced on refresh.
	stopMu    sync.Mutex
	softStops map[string]decimal.Decimal

	now    func() time.Time
	sleep  func(time.Duration)
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates the lifecycle manager. regimeFn may be nil.
func NewManager(
	logger *zap.Logger,
	config ManagerConfig,
	st store.Store,
	provider marketdata.Provider,
	adapter broker.Adapter,
	exitEngine *exits.Engine,
	pool *workers.Pool,
	regimeFn RegimeFn,
	m *metrics.Metrics,
	mode types.TradingMode,
) *Manager {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 30 * time.Second
	}
	return &Manager{
		logger:     logger.Named("positions"),
		config:     config,
		store:      st,
		provider:   provider,
		adapter:    adapter,
		exitEngine: exitEngine,
		pool:       pool,
		regimeFn:   regimeFn,
		metrics:    m,
		mode:       mode,
		softStops:  make(map[string]decimal.Decimal),
		now:        time.Now,
		sleep:      time.Sleep,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the refresh loop until Stop or context cancellation.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.config.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if _, err := m.Refresh(ctx); err != nil {
					m.logger.Error("position refresh", zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the refresh loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// ApplyFill folds a filled order into the position book: opening sides
// create or extend a position, closing sides reduce it and realize P&L.
func (m *Manager) ApplyFill(ctx context.Context, order *types.Order, trades []types.Trade) error {
	if len(trades) == 0 {
		return fmt.Errorf("positions: order %s filled with no trades", order.ID)
	}
	if order.Side.IsOpening() {
		return m.applyOpen(ctx, order, trades)
	}
	return m.applyClose(ctx, order, trades)
}

func (m *Manager) applyOpen(ctx context.Context, order *types.Order, trades []types.Trade) error {
	var qty int64
	cost := decimal.Zero
	for _, t := range trades {
		qty += int64(t.Quantity)
		cost = cost.Add(t.TotalCost)
	}
	if qty == 0 {
		return fmt.Errorf("positions: zero filled quantity on order %s", order.ID)
	}
	avg := cost.Div(decimal.NewFromInt(qty * 100))

	// Short opens carry negative quantity.
	signed := qty
	if !order.Side.IsBuy() {
		signed = -qty
	}

	if existing := m.findOpen(ctx, order.Symbol); existing != nil {
		newQty := int64(existing.Quantity) + signed
		existing.TotalCost = existing.TotalCost.Add(cost)
		existing.AvgOpenPrice = existing.TotalCost.Div(decimal.NewFromInt(absInt64(newQty) * 100))
		existing.Quantity = int(newQty)
		existing.UpdatedAt = m.now()
		m.logger.Info("position extended",
			zap.String("positionId", existing.ID),
			zap.String("symbol", existing.Symbol),
			zap.Int64("added", signed),
		)
		return m.store.UpdatePosition(ctx, existing)
	}

	pos := &types.Position{
		ID:           uuid.New().String(),
		Symbol:       order.Symbol,
		Underlying:   order.Underlying,
		Strike:       order.Strike,
		Expiration:   order.Expiration,
		OptionType:   order.OptionType,
		Quantity:     int(signed),
		AvgOpenPrice: avg,
		TotalCost:    cost,
		CurrentPrice: avg,
		// Peak unrealized P&L; zero at open.
		HighWaterMark: decimal.Zero,
		OpenedAt:      m.now(),
		UpdatedAt:     m.now(),
	}
	if quote, err := m.provider.GetOptionQuote(ctx, order.Symbol); err == nil {
		pos.Greeks = quote.Greeks
		pos.EntryIV = quote.Greeks.IV
	}
	if m.regimeFn != nil {
		if regime, ok := m.regimeFn(order.Underlying); ok {
			pos.EntryMarketRegime = regime
		}
	}
	if pos.EntryMarketRegime == "" {
		pos.EntryMarketRegime = types.RegimeUnknown
	}

	m.logger.Info("position opened",
		zap.String("positionId", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Int("quantity", pos.Quantity),
		zap.String("avgOpenPrice", pos.AvgOpenPrice.String()),
	)
	return m.store.InsertPosition(ctx, pos)
}

func (m *Manager) applyClose(ctx context.Context, order *types.Order, trades []types.Trade) error {
	pos := m.findOpen(ctx, order.Symbol)
	if pos == nil {
		return fmt.Errorf("positions: close fill for %s with no open position", order.Symbol)
	}

	var qty int64
	var frictions decimal.Decimal
	proceeds := decimal.Zero
	for _, t := range trades {
		qty += int64(t.Quantity)
		proceeds = proceeds.Add(t.ExecutionPrice.Mul(decimal.NewFromInt(int64(t.Quantity) * 100)))
		frictions = frictions.Add(t.Commission).Add(t.Fees)
	}
	if qty > int64(abs(pos.Quantity)) {
		qty = int64(abs(pos.Quantity))
	}

	basis := pos.AvgOpenPrice.Mul(decimal.NewFromInt(qty * 100))
	// Shorts profit when the buyback costs less than the opening credit;
	// frictions always subtract.
	gross := proceeds.Sub(basis)
	if !pos.IsLong() {
		gross = basis.Sub(proceeds)
	}
	realized := gross.Sub(frictions)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.TotalCost = pos.TotalCost.Sub(basis)

	if pos.IsLong() {
		pos.Quantity -= int(qty)
	} else {
		pos.Quantity += int(qty)
	}
	pos.UpdatedAt = m.now()
	if pos.Quantity == 0 {
		now := m.now()
		pos.IsClosed = true
		pos.ClosedAt = &now
		pos.UnrealizedPnL = decimal.Zero
		pos.UnrealizedPnLPercent = 0
		pos.MarketValue = decimal.Zero
		m.clearSoftStop(pos.ID)
	} else {
		pos.PartialExitsTaken++
	}

	m.logger.Info("position reduced",
		zap.String("positionId", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Int64("closedQuantity", qty),
		zap.String("realized", realized.String()),
		zap.Bool("closed", pos.IsClosed),
	)
	return m.store.UpdatePosition(ctx, pos)
}

func (m *Manager) findOpen(ctx context.Context, occSymbol string) *types.Position {
	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		m.logger.Error("listing open positions", zap.Error(err))
		return nil
	}
	for i := range open {
		if open[i].Symbol == occSymbol {
			return &open[i]
		}
	}
	return nil
}

// Refresh marks every open position to market, evaluates the exit ladder,
// and executes automated closes. It returns how many exit actions fired.
// Overlapping refreshes are skipped.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	if !m.refreshMu.TryLock() {
		m.logger.Warn("refresh already running, skipping tick")
		return 0, nil
	}
	defer m.refreshMu.Unlock()

	open, err := m.store.OpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("positions: listing open: %w", err)
	}
	m.metrics.PositionsOpen.Set(float64(len(open)))
	if len(open) == 0 {
		return 0, nil
	}

	gex := m.fetchDealerPositioning(ctx, open)

	type pendingClose struct {
		position   *types.Position
		evaluation exits.Evaluation
	}
	var closes []pendingClose

	for i := range open {
		pos := &open[i]
		quote, err := m.provider.GetOptionQuote(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn("quote unavailable, skipping position",
				zap.String("positionId", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
			continue
		}
		m.markToMarket(pos, quote)
		if err := m.store.UpdatePosition(ctx, pos); err != nil {
			m.logger.Error("updating position",
				zap.String("positionId", pos.ID),
				zap.Error(err),
			)
			continue
		}

		if ev, ok := m.checkSoftStop(pos); ok {
			closes = append(closes, pendingClose{position: pos, evaluation: ev})
			continue
		}

		bundle := gex[pos.Underlying]
		ev := m.exitEngine.Evaluate(exits.Context{
			Position:       pos,
			CurrentPrice:   pos.CurrentPrice,
			Greeks:         quote.Greeks,
			Regime:         bundleRegime(bundle),
			DealerPosition: bundleDealer(bundle),
			GEXFlipped:     regimeFlipped(pos, bundle),
			Now:            m.now(),
		})
		switch ev.Action {
		case exits.ActionCloseFull, exits.ActionClosePartial:
			closes = append(closes, pendingClose{position: pos, evaluation: ev})
		case exits.ActionTightenStop:
			m.setSoftStop(pos.ID, ev.NewStopLoss)
			m.logger.Info("stop tightened",
				zap.String("positionId", pos.ID),
				zap.String("stop", ev.NewStopLoss.String()),
				zap.String("trigger", ev.Trigger),
			)
		}
	}

	// Closes run one at a time with spacing so a burst of exits does not
	// hammer the broker.
	executed := 0
	for i, pc := range closes {
		if i > 0 && m.config.CloseSpacing > 0 {
			m.sleep(m.config.CloseSpacing)
		}
		if err := m.executeClose(ctx, pc.position, pc.evaluation); err != nil {
			m.logger.Error("automated close failed",
				zap.String("positionId", pc.position.ID),
				zap.String("trigger", pc.evaluation.Trigger),
				zap.Error(err),
			)
			continue
		}
		executed++
	}

	if remaining, err := m.store.OpenPositions(ctx); err == nil {
		m.metrics.PositionsOpen.Set(float64(len(remaining)))
	}
	return executed, nil
}

func (m *Manager) markToMarket(pos *types.Position, quote *marketdata.OptionQuote) {
	mid := quote.Mid()
	if !mid.IsPositive() {
		return
	}
	absQty := decimal.NewFromInt(int64(abs(pos.Quantity)))
	contract := decimal.NewFromInt(100)

	pos.CurrentPrice = mid
	pos.MarketValue = mid.Mul(absQty).Mul(contract)
	diff := mid.Sub(pos.AvgOpenPrice)
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	pos.UnrealizedPnL = diff.Mul(absQty).Mul(contract)
	if pos.AvgOpenPrice.IsPositive() {
		pct, _ := diff.Div(pos.AvgOpenPrice).Mul(contract).Float64()
		pos.UnrealizedPnLPercent = pct
	}
	pos.Greeks = quote.Greeks

	// The high-water mark tracks peak unrealized P&L and never regresses,
	// so it stays valid for shorts where a falling mid is a gain.
	if pos.UnrealizedPnL.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = pos.UnrealizedPnL
	}
	pos.UpdatedAt = m.now()
}

// fetchDealerPositioning loads one GEX bundle per distinct underlying
// through the worker pool.
func (m *Manager) fetchDealerPositioning(ctx context.Context, open []types.Position) map[string]*marketdata.GEXBundle {
	distinct := map[string]bool{}
	for i := range open {
		distinct[open[i].Underlying] = true
	}

	var mu sync.Mutex
	out := make(map[string]*marketdata.GEXBundle, len(distinct))
	var tasks []workers.Task
	for underlying := range distinct {
		underlying := underlying
		tasks = append(tasks, func(ctx context.Context) error {
			bundle, err := m.provider.GetGEXBundle(ctx, underlying)
			if err != nil {
				return fmt.Errorf("gex %s: %w", underlying, err)
			}
			mu.Lock()
			out[underlying] = bundle
			mu.Unlock()
			return nil
		})
	}
	if err := m.pool.RunAll(ctx, tasks); err != nil {
		m.logger.Warn("dealer positioning partially unavailable", zap.Error(err))
	}
	return out
}

// ClosePosition submits a closing order for quantity contracts (0 means
// all) and applies any immediate fill.
func (m *Manager) ClosePosition(ctx context.Context, pos *types.Position, quantity int, orderType types.OrderType, limitPrice decimal.Decimal, trigger string) error {
	total := abs(pos.Quantity)
	if quantity <= 0 || quantity > total {
		quantity = total
	}
	side := types.SideSellToClose
	if !pos.IsLong() {
		side = types.SideBuyToClose
	}

	order := &types.Order{
		ID:          uuid.New().String(),
		Mode:        m.mode,
		Underlying:  pos.Underlying,
		Symbol:      pos.Symbol,
		Strike:      pos.Strike,
		Expiration:  pos.Expiration,
		OptionType:  pos.OptionType,
		Side:        side,
		Quantity:    quantity,
		OrderType:   orderType,
		LimitPrice:  limitPrice,
		TimeInForce: types.TIFDay,
		Status:      types.OrderStatusPending,
		CreatedAt:   m.now(),
		UpdatedAt:   m.now(),
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		return fmt.Errorf("positions: inserting close order: %w", err)
	}

	m.metrics.OrdersSubmitted.WithLabelValues(m.adapter.Capabilities().Name).Inc()
	result, fill, err := m.adapter.SubmitOrder(ctx, broker.OrderRequest{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		OrderType:   order.OrderType,
		LimitPrice:  order.LimitPrice,
		TimeInForce: order.TimeInForce,
	}, pos.CurrentPrice)
	m.audit(ctx, order, trigger, result, err)
	if err != nil {
		m.metrics.OrdersRejected.Inc()
		m.failOrder(ctx, order, err.Error())
		return fmt.Errorf("positions: submitting close: %w", err)
	}
	if !result.Success {
		m.metrics.OrdersRejected.Inc()
		m.failOrder(ctx, order, result.Reason)
		return fmt.Errorf("positions: close rejected: %s", result.Reason)
	}

	now := m.now()
	update := *order
	update.BrokerOrderID = result.BrokerOrderID
	update.Status = result.Status
	update.FilledQuantity = result.FilledQuantity
	update.AvgFillPrice = result.AvgFillPrice
	update.SubmittedAt = &now
	if result.Status == types.OrderStatusFilled {
		update.FilledAt = &now
		m.metrics.OrdersFilled.Inc()
	}
	if err := m.store.UpdateOrderStatus(ctx, order.ID, []types.OrderStatus{types.OrderStatusPending}, &update); err != nil {
		return fmt.Errorf("positions: recording close submission: %w", err)
	}

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
		if err := m.store.InsertTrade(ctx, &trade); err != nil {
			return fmt.Errorf("positions: inserting close trade: %w", err)
		}
		return m.ApplyFill(ctx, &update, []types.Trade{trade})
	}
	return nil
}

func (m *Manager) executeClose(ctx context.Context, pos *types.Position, ev exits.Evaluation) error {
	limit := decimal.Zero
	if ev.OrderType == types.OrderLimit {
		limit = pos.CurrentPrice
	}
	quantity := 0
	if ev.Action == exits.ActionClosePartial {
		quantity = ev.Quantity
	}
	m.logger.Info("automated close",
		zap.String("positionId", pos.ID),
		zap.String("trigger", ev.Trigger),
		zap.String("action", string(ev.Action)),
		zap.String("urgency", string(ev.Urgency)),
		zap.String("reason", ev.Reason),
	)
	if err := m.ClosePosition(ctx, pos, quantity, ev.OrderType, limit, ev.Trigger); err != nil {
		return err
	}
	m.metrics.PositionsAutoClose.WithLabelValues(ev.Trigger).Inc()
	if ev.NewStopLoss.IsPositive() {
		m.setSoftStop(pos.ID, ev.NewStopLoss)
	}
	return nil
}

func (m *Manager) failOrder(ctx context.Context, order *types.Order, reason string) {
	update := *order
	update.Status = types.OrderStatusRejected
	update.RejectionReason = reason
	if err := m.store.UpdateOrderStatus(ctx, order.ID, []types.OrderStatus{types.OrderStatusPending}, &update); err != nil {
		m.logger.Error("marking order rejected", zap.String("orderId", order.ID), zap.Error(err))
	}
}

func (m *Manager) audit(ctx context.Context, order *types.Order, trigger string, result *broker.OrderResult, submitErr error) {
	log := &types.AdapterLog{
		ID:            uuid.New().String(),
		AdapterName:   m.adapter.Capabilities().Name,
		Operation:     "submit_close",
		CorrelationID: trigger,
		OrderID:       order.ID,
		CreatedAt:     m.now(),
	}
	if payload, err := json.Marshal(order); err == nil {
		log.RequestPayload = payload
	}
	switch {
	case submitErr != nil:
		log.Status = "error"
		log.ErrorMessage = submitErr.Error()
	case result != nil:
		log.Status = string(result.Status)
		if payload, err := json.Marshal(result); err == nil {
			log.ResponsePayload = payload
		}
	}
	if err := m.store.InsertAdapterLog(ctx, log); err != nil {
		m.logger.Warn("writing adapter log", zap.Error(err))
	}
}

func (m *Manager) setSoftStop(positionID string, stop decimal.Decimal) {
	if !stop.IsPositive() {
		return
	}
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	// Stops only tighten.
	if held, ok := m.softStops[positionID]; ok && held.GreaterThanOrEqual(stop) {
		return
	}
	m.softStops[positionID] = stop
}

func (m *Manager) clearSoftStop(positionID string) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	delete(m.softStops, positionID)
}

// checkSoftStop fires a full market exit when the mark is at or under a
// tightened stop.
func (m *Manager) checkSoftStop(pos *types.Position) (exits.Evaluation, bool) {
	m.stopMu.Lock()
	stop, ok := m.softStops[pos.ID]
	m.stopMu.Unlock()
	if !ok || pos.CurrentPrice.GreaterThan(stop) {
		return exits.Evaluation{}, false
	}
	return exits.Evaluation{
		Action:    exits.ActionCloseFull,
		Urgency:   exits.UrgencyImmediate,
		Trigger:   exits.TriggerStopLoss,
		OrderType: types.OrderMarket,
		Reason:    fmt.Sprintf("mark %s at or under tightened stop %s", pos.CurrentPrice, stop),
	}, true
}

func bundleRegime(b *marketdata.GEXBundle) types.Regime {
	if b == nil {
		return types.RegimeUnknown
	}
	return b.Regime
}

func bundleDealer(b *marketdata.GEXBundle) types.DealerPosition {
	if b == nil {
		return types.DealerNeutral
	}
	return b.DealerPosition
}

// regimeFlipped reports whether the market's directional bias has turned
// against the bias the position was opened under.
func regimeFlipped(pos *types.Position, b *marketdata.GEXBundle) bool {
	if b == nil || pos.EntryMarketRegime == types.RegimeUnknown {
		return false
	}
	entryBias := pos.EntryMarketRegime.Bias()
	nowBias := b.Regime.Bias()
	return entryBias != types.DirectionNeutral &&
		nowBias != types.DirectionNeutral &&
		entryBias != nowBias
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
