package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// FillHandler is invoked once when an order reaches FILLED, with the trades
// recorded for it. Implementations must tolerate replays after a crash.
type FillHandler func(ctx context.Context, order *types.Order, trades []types.Trade)

// PollerConfig tunes the fill poller.
type PollerConfig struct {
	Interval    time.Duration // base cadence
	MinInterval time.Duration // floor when fills are imminent
	MaxFailures int           // consecutive status failures before giving up on an order
}

// DefaultPollerConfig returns the production poller settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:    15 * time.Second,
		MinInterval: 2 * time.Second,
		MaxFailures: 5,
	}
}

// Poller reconciles outstanding orders against the broker. Brokers that fill
// asynchronously report status through this loop; terminal transitions are
// applied with the store's guarded update so a replayed poll cannot regress
// an order.
type Poller struct {
	logger  *zap.Logger
	config  PollerConfig
	store   store.Store
	adapter Adapter
	onFill  FillHandler

	mu       sync.Mutex
	failures map[string]int // orderID -> consecutive status errors

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPoller creates the fill poller. onFill may be nil.
func NewPoller(logger *zap.Logger, config PollerConfig, st store.Store, adapter Adapter, onFill FillHandler) *Poller {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.MinInterval <= 0 {
		config.MinInterval = 2 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	return &Poller{
		logger:   logger.Named("fill-poller"),
		config:   config,
		store:    st,
		adapter:  adapter,
		onFill:   onFill,
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the polling loop until Stop or context cancellation.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop terminates the loop and waits for the in-flight sweep to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	interval := p.config.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
		}

		interval = p.sweep(ctx)
		timer.Reset(interval)
	}
}

// Sweep polls every outstanding order once, outside the regular cadence,
// and returns the number of orders whose status advanced.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	orders, err := p.store.OutstandingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("broker: listing outstanding orders: %w", err)
	}
	advanced := 0
	for i := range orders {
		if _, moved := p.pollOne(ctx, &orders[i]); moved {
			advanced++
		}
	}
	return advanced, nil
}

// sweep polls every outstanding order once and returns the next interval:
// the base cadence, tightened toward the floor when a broker estimate says
// a fill is imminent.
func (p *Poller) sweep(ctx context.Context) time.Duration {
	orders, err := p.store.OutstandingOrders(ctx)
	if err != nil {
		p.logger.Error("listing outstanding orders", zap.Error(err))
		return p.config.Interval
	}

	next := p.config.Interval
	for i := range orders {
		est, _ := p.pollOne(ctx, &orders[i])
		if est > 0 {
			if candidate := time.Duration(est) * time.Millisecond / 4; candidate < next {
				next = candidate
			}
		}
	}
	if next < p.config.MinInterval {
		next = p.config.MinInterval
	}
	return next
}

// pollOne reconciles a single order. It returns the broker's fill estimate
// in milliseconds (0 when none) and whether the order's status advanced.
func (p *Poller) pollOne(ctx context.Context, order *types.Order) (int64, bool) {
	status, err := p.adapter.GetOrderStatus(ctx, order.ID, order.BrokerOrderID)
	if err != nil {
		p.recordFailure(ctx, order, err)
		return 0, false
	}
	p.clearFailure(order.ID)

	if status.Status == order.Status && status.FilledQuantity == order.FilledQuantity {
		return status.EstimatedFillTimeMs, false
	}

	update := *order
	update.Status = status.Status
	update.FilledQuantity = status.FilledQuantity
	if status.AvgFillPrice.IsPositive() {
		update.AvgFillPrice = status.AvgFillPrice
	}
	if status.Status == types.OrderStatusFilled {
		now := time.Now()
		update.FilledAt = &now
	}

	expect := []types.OrderStatus{
		types.OrderStatusPending,
		types.OrderStatusSubmitted,
		types.OrderStatusAccepted,
		types.OrderStatusPartialFill,
	}
	if err := p.store.UpdateOrderStatus(ctx, order.ID, expect, &update); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// Another writer already advanced it past us.
			return 0, false
		}
		p.logger.Error("updating order status",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
		return 0, false
	}

	p.logger.Info("order status advanced",
		zap.String("orderId", order.ID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(status.Status)),
		zap.Int("filledQuantity", status.FilledQuantity),
	)

	if status.Status == types.OrderStatusFilled || status.Status == types.OrderStatusPartialFill {
		p.recordFills(ctx, &update)
	}
	return status.EstimatedFillTimeMs, true
}

// recordFills fetches the broker's executions and inserts the ones the
// trades table does not have yet.
func (p *Poller) recordFills(ctx context.Context, order *types.Order) {
	fills, err := p.adapter.GetOrderFills(ctx, order.ID, order.BrokerOrderID)
	if err != nil {
		p.logger.Error("fetching order fills",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
		return
	}

	existing, err := p.store.TradesForOrder(ctx, order.ID)
	if err != nil {
		p.logger.Error("listing trades for order",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
		return
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t.BrokerTradeID] = true
	}

	var inserted []types.Trade
	for _, f := range fills {
		if f.BrokerTradeID != "" && seen[f.BrokerTradeID] {
			continue
		}
		trade := types.Trade{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			BrokerTradeID:  f.BrokerTradeID,
			ExecutionPrice: f.Price,
			Quantity:       f.Quantity,
			Commission:     f.Commission,
			Fees:           f.Fees,
			TotalCost:      f.TotalCost(),
			ExecutedAt:     f.ExecutedAt,
		}
		if err := p.store.InsertTrade(ctx, &trade); err != nil {
			p.logger.Error("inserting trade",
				zap.String("orderId", order.ID),
				zap.Error(err),
			)
			continue
		}
		inserted = append(inserted, trade)
	}

	if order.Status == types.OrderStatusFilled && p.onFill != nil {
		all := append(existing, inserted...)
		p.onFill(ctx, order, all)
	}
}

func (p *Poller) recordFailure(ctx context.Context, order *types.Order, cause error) {
	p.mu.Lock()
	p.failures[order.ID]++
	n := p.failures[order.ID]
	p.mu.Unlock()

	p.logger.Warn("order status poll failed",
		zap.String("orderId", order.ID),
		zap.Int("consecutive", n),
		zap.Error(cause),
	)
	if n < p.config.MaxFailures {
		return
	}

	update := *order
	update.Status = types.OrderStatusRejected
	update.RejectionReason = "status polling failed repeatedly: " + cause.Error()
	expect := []types.OrderStatus{
		types.OrderStatusPending,
		types.OrderStatusSubmitted,
		types.OrderStatusAccepted,
		types.OrderStatusPartialFill,
	}
	if err := p.store.UpdateOrderStatus(ctx, order.ID, expect, &update); err != nil && !errors.Is(err, store.ErrStaleStatus) {
		p.logger.Error("marking order rejected after poll failures",
			zap.String("orderId", order.ID),
			zap.Error(err),
		)
		return
	}
	p.clearFailure(order.ID)
	p.logger.Error("order abandoned after repeated poll failures",
		zap.String("orderId", order.ID),
		zap.Int("failures", n),
	)
}

func (p *Poller) clearFailure(orderID string) {
	p.mu.Lock()
	delete(p.failures, orderID)
	p.mu.Unlock()
}
