package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

const testOCC = "SPY   250117C00480000"

func seededPaper(seed int64, quote QuoteFunc) *PaperAdapter {
	cfg := DefaultPaperConfig()
	cfg.Seed = seed
	return NewPaperAdapter(zap.NewNop(), cfg, quote)
}

func marketBuy(qty int) OrderRequest {
	return OrderRequest{
		OrderID:     "ord-1",
		Symbol:      testOCC,
		Side:        types.SideBuyToOpen,
		Quantity:    qty,
		OrderType:   types.OrderMarket,
		TimeInForce: types.TIFDay,
	}
}

func TestPaperMarketBuyFillsWithBoundedSlippage(t *testing.T) {
	adapter := seededPaper(42, nil)
	market := decimal.NewFromInt(3)

	result, fill, err := adapter.SubmitOrder(context.Background(), marketBuy(2), market)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if result.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want FILLED", result.Status)
	}
	if fill == nil {
		t.Fatal("expected an immediate fill")
	}

	lo := decimal.NewFromInt(3)
	hi := decimal.NewFromFloat(3.003)
	if fill.Price.LessThan(lo) || fill.Price.GreaterThan(hi) {
		t.Errorf("fill price = %s, want within [3.00, 3.003]", fill.Price)
	}
	if want := decimal.NewFromFloat(1.30); !fill.Commission.Equal(want) {
		t.Errorf("commission = %s, want %s", fill.Commission, want)
	}
	if want := decimal.NewFromFloat(0.04); !fill.Fees.Equal(want) {
		t.Errorf("fees = %s, want %s", fill.Fees, want)
	}

	wantCost := fill.Price.Mul(decimal.NewFromInt(200)).Add(fill.Commission).Add(fill.Fees)
	if !fill.TotalCost().Equal(wantCost) {
		t.Errorf("total cost = %s, want %s", fill.TotalCost(), wantCost)
	}
}

func TestPaperFillsAreDeterministicForSeed(t *testing.T) {
	market := decimal.NewFromInt(3)

	_, first, err := seededPaper(42, nil).SubmitOrder(context.Background(), marketBuy(2), market)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, second, err := seededPaper(42, nil).SubmitOrder(context.Background(), marketBuy(2), market)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !first.Price.Equal(second.Price) {
		t.Errorf("same seed produced %s then %s", first.Price, second.Price)
	}
}

func TestPaperSellSlippageIsAdverse(t *testing.T) {
	adapter := seededPaper(7, nil)
	req := marketBuy(1)
	req.Side = types.SideSellToClose
	market := decimal.NewFromInt(3)

	_, fill, err := adapter.SubmitOrder(context.Background(), req, market)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if fill.Price.GreaterThan(market) {
		t.Errorf("sell filled above market: %s", fill.Price)
	}
}

func TestPaperLimitBelowMarketRests(t *testing.T) {
	adapter := seededPaper(42, nil)
	req := marketBuy(2)
	req.OrderType = types.OrderLimit
	req.LimitPrice = decimal.NewFromFloat(2.90)

	result, fill, err := adapter.SubmitOrder(context.Background(), req, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if result.Status != types.OrderStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", result.Status)
	}
	if fill != nil {
		t.Fatal("resting limit should not fill")
	}
	if fills, _ := adapter.GetOrderFills(context.Background(), req.OrderID, result.BrokerOrderID); len(fills) != 0 {
		t.Errorf("expected no fills, got %d", len(fills))
	}
}

func TestPaperRestingLimitFillsWhenMarketCrosses(t *testing.T) {
	mid := decimal.NewFromInt(3)
	quote := func(context.Context, string) (decimal.Decimal, error) { return mid, nil }
	adapter := seededPaper(42, quote)

	req := marketBuy(1)
	req.OrderType = types.OrderLimit
	req.LimitPrice = decimal.NewFromFloat(2.90)

	result, _, err := adapter.SubmitOrder(context.Background(), req, mid)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	status, err := adapter.GetOrderStatus(context.Background(), req.OrderID, result.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.Status != types.OrderStatusSubmitted {
		t.Fatalf("still above limit, status = %s, want SUBMITTED", status.Status)
	}

	mid = decimal.NewFromFloat(2.85)
	status, err = adapter.GetOrderStatus(context.Background(), req.OrderID, result.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus after cross: %v", err)
	}
	if status.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want FILLED after market crossed the limit", status.Status)
	}
	if status.AvgFillPrice.GreaterThan(req.LimitPrice) {
		t.Errorf("fill %s violates limit %s", status.AvgFillPrice, req.LimitPrice)
	}
}

func TestPaperCancelRestingOrder(t *testing.T) {
	adapter := seededPaper(42, nil)
	req := marketBuy(1)
	req.OrderType = types.OrderLimit
	req.LimitPrice = decimal.NewFromFloat(2.50)

	result, _, err := adapter.SubmitOrder(context.Background(), req, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if err := adapter.CancelOrder(context.Background(), req.OrderID, result.BrokerOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	status, err := adapter.GetOrderStatus(context.Background(), req.OrderID, result.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.Status != types.OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", status.Status)
	}
}

func TestPaperRejectsMalformedSymbol(t *testing.T) {
	adapter := seededPaper(42, nil)
	req := marketBuy(1)
	req.Symbol = "NOT-AN-OCC"

	result, fill, err := adapter.SubmitOrder(context.Background(), req, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if result.Status != types.OrderStatusRejected {
		t.Errorf("status = %s, want REJECTED", result.Status)
	}
	if fill != nil {
		t.Error("rejected order must not fill")
	}
}
