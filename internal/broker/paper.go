package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

// QuoteFunc resolves the current mid price for an OCC symbol. The paper
// adapter uses it to evaluate resting limit orders on status polls.
type QuoteFunc func(ctx context.Context, occSymbol string) (decimal.Decimal, error)

// PaperConfig tunes the simulator.
type PaperConfig struct {
	SlippagePercent       float64         // max adverse slippage, percent of price
	CommissionPerContract decimal.Decimal // per contract, both sides
	FeesPerContract       decimal.Decimal // regulatory fees per contract
	Seed                  int64           // 0 means time-seeded
}

// DefaultPaperConfig returns the production simulator settings.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippagePercent:       0.1,
		CommissionPerContract: decimal.NewFromFloat(0.65),
		FeesPerContract:       decimal.NewFromFloat(0.02),
	}
}

type restingOrder struct {
	req       OrderRequest
	createdAt time.Time
}

type filledOrder struct {
	status OrderStatusResponse
	fills  []TradeFill
}

// PaperAdapter simulates executions in memory. Marketable orders fill
// immediately with adverse slippage; limit orders away from the market rest
// until a status poll observes a crossing quote. A fixed seed makes the
// whole fill sequence reproducible.
type PaperAdapter struct {
	logger *zap.Logger
	config PaperConfig
	quote  QuoteFunc

	mu      sync.Mutex
	rng     *rand.Rand
	resting map[string]restingOrder // keyed by engine order ID
	filled  map[string]filledOrder
	done    map[string]OrderStatusResponse // cancelled or rejected
}

// NewPaperAdapter creates the simulator. quote may be nil when the caller
// always passes a market price to SubmitOrder.
func NewPaperAdapter(logger *zap.Logger, config PaperConfig, quote QuoteFunc) *PaperAdapter {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperAdapter{
		logger:  logger.Named("paper-adapter"),
		config:  config,
		quote:   quote,
		rng:     rand.New(rand.NewSource(seed)),
		resting: make(map[string]restingOrder),
		filled:  make(map[string]filledOrder),
		done:    make(map[string]OrderStatusResponse),
	}
}

func (p *PaperAdapter) IsConfigured() bool { return true }

func (p *PaperAdapter) Capabilities() Capabilities {
	return Capabilities{
		Name:            "paper",
		Mode:            types.ModePaper,
		RequiresPolling: true, // resting limits fill on later polls
		SupportsLimit:   true,
		SupportsStop:    true,
		SupportsCancel:  true,
	}
}

func (p *PaperAdapter) SubmitOrder(ctx context.Context, req OrderRequest, marketPrice decimal.Decimal) (*OrderResult, *TradeFill, error) {
	if req.Quantity <= 0 {
		return &OrderResult{Status: types.OrderStatusRejected, Reason: "quantity must be positive"}, nil, nil
	}
	if _, _, _, _, err := types.DecodeOCC(req.Symbol); err != nil {
		return &OrderResult{Status: types.OrderStatusRejected, Reason: fmt.Sprintf("invalid option symbol: %v", err)}, nil, nil
	}

	ref, err := p.referencePrice(ctx, req, marketPrice)
	if err != nil {
		return nil, nil, fmt.Errorf("paper: no reference price for %s: %w", req.Symbol, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	brokerID := "paper-" + uuid.New().String()
	if !p.marketableLocked(req, ref) {
		p.resting[req.OrderID] = restingOrder{req: req, createdAt: time.Now()}
		p.logger.Info("paper order resting",
			zap.String("orderId", req.OrderID),
			zap.String("symbol", req.Symbol),
			zap.String("limit", req.LimitPrice.String()),
			zap.String("market", ref.String()),
		)
		return &OrderResult{
			Success:             true,
			BrokerOrderID:       brokerID,
			Status:              types.OrderStatusSubmitted,
			EstimatedFillTimeMs: 30_000,
		}, nil, nil
	}

	fill := p.fillLocked(req, ref)
	p.filled[req.OrderID] = filledOrder{
		status: OrderStatusResponse{
			BrokerOrderID:  brokerID,
			Status:         types.OrderStatusFilled,
			FilledQuantity: req.Quantity,
			AvgFillPrice:   fill.Price,
		},
		fills: []TradeFill{fill},
	}
	p.logger.Info("paper order filled",
		zap.String("orderId", req.OrderID),
		zap.String("symbol", req.Symbol),
		zap.Int("quantity", req.Quantity),
		zap.String("price", fill.Price.String()),
	)
	return &OrderResult{
		Success:        true,
		BrokerOrderID:  brokerID,
		Status:         types.OrderStatusFilled,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   fill.Price,
	}, &fill, nil
}

// referencePrice picks the price the simulator fills against: the caller's
// market price, then a live quote, then the limit price itself.
func (p *PaperAdapter) referencePrice(ctx context.Context, req OrderRequest, marketPrice decimal.Decimal) (decimal.Decimal, error) {
	if marketPrice.IsPositive() {
		return marketPrice, nil
	}
	if p.quote != nil {
		mid, err := p.quote(ctx, req.Symbol)
		if err == nil && mid.IsPositive() {
			return mid, nil
		}
	}
	if req.OrderType == types.OrderLimit && req.LimitPrice.IsPositive() {
		return req.LimitPrice, nil
	}
	return decimal.Zero, fmt.Errorf("no market price and no usable limit")
}

// marketableLocked reports whether the order would execute against ref now.
func (p *PaperAdapter) marketableLocked(req OrderRequest, ref decimal.Decimal) bool {
	switch req.OrderType {
	case types.OrderMarket:
		return true
	case types.OrderLimit:
		if req.Side.IsBuy() {
			return req.LimitPrice.GreaterThanOrEqual(ref)
		}
		return req.LimitPrice.LessThanOrEqual(ref)
	case types.OrderStop:
		if req.Side.IsBuy() {
			return ref.GreaterThanOrEqual(req.StopPrice)
		}
		return ref.LessThanOrEqual(req.StopPrice)
	}
	return true
}

// fillLocked produces an execution at ref with adverse slippage, capped at
// the limit price for limit orders.
func (p *PaperAdapter) fillLocked(req OrderRequest, ref decimal.Decimal) TradeFill {
	frac := p.rng.Float64() * p.config.SlippagePercent / 100
	slip := decimal.NewFromFloat(frac)

	var price decimal.Decimal
	if req.Side.IsBuy() {
		price = ref.Mul(decimal.NewFromInt(1).Add(slip))
		if req.OrderType == types.OrderLimit && price.GreaterThan(req.LimitPrice) {
			price = req.LimitPrice
		}
	} else {
		price = ref.Mul(decimal.NewFromInt(1).Sub(slip))
		if req.OrderType == types.OrderLimit && price.LessThan(req.LimitPrice) {
			price = req.LimitPrice
		}
	}
	price = price.Round(4)

	qty := decimal.NewFromInt(int64(req.Quantity))
	return TradeFill{
		BrokerTradeID: "paper-fill-" + uuid.New().String(),
		Price:         price,
		Quantity:      req.Quantity,
		Commission:    p.config.CommissionPerContract.Mul(qty),
		Fees:          p.config.FeesPerContract.Mul(qty),
		ExecutedAt:    time.Now(),
	}
}

func (p *PaperAdapter) CancelOrder(_ context.Context, orderID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.filled[orderID]; ok {
		return fmt.Errorf("paper: order %s already filled", orderID)
	}
	r, ok := p.resting[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	delete(p.resting, orderID)
	p.done[orderID] = OrderStatusResponse{Status: types.OrderStatusCancelled}
	p.logger.Info("paper order cancelled",
		zap.String("orderId", orderID),
		zap.String("symbol", r.req.Symbol),
	)
	return nil
}

// GetOrderStatus re-evaluates a resting order against the current quote and
// fills it when the market has crossed the limit.
func (p *PaperAdapter) GetOrderStatus(ctx context.Context, orderID, brokerOrderID string) (*OrderStatusResponse, error) {
	p.mu.Lock()
	if f, ok := p.filled[orderID]; ok {
		st := f.status
		p.mu.Unlock()
		return &st, nil
	}
	if st, ok := p.done[orderID]; ok {
		p.mu.Unlock()
		cp := st
		return &cp, nil
	}
	r, ok := p.resting[orderID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", orderID)
	}

	if p.quote != nil {
		mid, err := p.quote(ctx, r.req.Symbol)
		if err == nil && mid.IsPositive() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, still := p.resting[orderID]; still && p.marketableLocked(r.req, mid) {
				fill := p.fillLocked(r.req, mid)
				delete(p.resting, orderID)
				p.filled[orderID] = filledOrder{
					status: OrderStatusResponse{
						BrokerOrderID:  brokerOrderID,
						Status:         types.OrderStatusFilled,
						FilledQuantity: r.req.Quantity,
						AvgFillPrice:   fill.Price,
					},
					fills: []TradeFill{fill},
				}
				st := p.filled[orderID].status
				return &st, nil
			}
		}
	}

	return &OrderStatusResponse{
		BrokerOrderID:       brokerOrderID,
		Status:              types.OrderStatusSubmitted,
		EstimatedFillTimeMs: 30_000,
	}, nil
}

func (p *PaperAdapter) GetOrderFills(_ context.Context, orderID, _ string) ([]TradeFill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.filled[orderID]
	if !ok {
		return nil, nil
	}
	out := make([]TradeFill, len(f.fills))
	copy(out, f.fills)
	return out, nil
}
