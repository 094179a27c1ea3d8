package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// stubAdapter serves scripted statuses for the poller tests.
type stubAdapter struct {
	status *OrderStatusResponse
	fills  []TradeFill
	err    error
}

func (s *stubAdapter) SubmitOrder(context.Context, OrderRequest, decimal.Decimal) (*OrderResult, *TradeFill, error) {
	return nil, nil, errors.New("not used")
}
func (s *stubAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (s *stubAdapter) GetOrderStatus(context.Context, string, string) (*OrderStatusResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.status
	return &cp, nil
}
func (s *stubAdapter) GetOrderFills(context.Context, string, string) ([]TradeFill, error) {
	return s.fills, nil
}
func (s *stubAdapter) IsConfigured() bool { return true }
func (s *stubAdapter) Capabilities() Capabilities {
	return Capabilities{Name: "stub", Mode: types.ModePaper, RequiresPolling: true}
}

func submittedOrder(t *testing.T, st store.Store) *types.Order {
	t.Helper()
	order := &types.Order{
		ID:            "ord-1",
		BrokerOrderID: "brk-1",
		Mode:          types.ModePaper,
		Underlying:    "SPY",
		Symbol:        testOCC,
		Side:          types.SideBuyToOpen,
		Quantity:      2,
		OrderType:     types.OrderLimit,
		LimitPrice:    decimal.NewFromFloat(2.90),
		TimeInForce:   types.TIFDay,
		Status:        types.OrderStatusSubmitted,
	}
	if err := st.InsertOrder(context.Background(), order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	return order
}

func TestPollerRecordsFillAndTrades(t *testing.T) {
	st := store.NewMemoryStore()
	submittedOrder(t, st)

	adapter := &stubAdapter{
		status: &OrderStatusResponse{
			BrokerOrderID:  "brk-1",
			Status:         types.OrderStatusFilled,
			FilledQuantity: 2,
			AvgFillPrice:   decimal.NewFromFloat(2.88),
		},
		fills: []TradeFill{{
			BrokerTradeID: "fill-1",
			Price:         decimal.NewFromFloat(2.88),
			Quantity:      2,
			Commission:    decimal.NewFromFloat(1.30),
			Fees:          decimal.NewFromFloat(0.04),
			ExecutedAt:    time.Now(),
		}},
	}

	var notified int
	poller := NewPoller(zap.NewNop(), DefaultPollerConfig(), st, adapter,
		func(_ context.Context, order *types.Order, trades []types.Trade) {
			notified++
			if order.Status != types.OrderStatusFilled {
				t.Errorf("handler order status = %s", order.Status)
			}
			if len(trades) != 1 {
				t.Errorf("handler trades = %d, want 1", len(trades))
			}
		})

	poller.sweep(context.Background())

	got, err := st.GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if got.FilledAt == nil {
		t.Error("FilledAt not set")
	}

	trades, err := st.TradesForOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("TradesForOrder: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if notified != 1 {
		t.Errorf("fill handler called %d times, want 1", notified)
	}

	// A replayed sweep must not duplicate the trade or re-notify.
	poller.sweep(context.Background())
	trades, _ = st.TradesForOrder(context.Background(), "ord-1")
	if len(trades) != 1 {
		t.Errorf("trades after replay = %d, want 1", len(trades))
	}
	if notified != 1 {
		t.Errorf("fill handler after replay called %d times, want 1", notified)
	}
}

func TestSweepReportsAdvancedOrderCount(t *testing.T) {
	st := store.NewMemoryStore()
	submittedOrder(t, st)

	adapter := &stubAdapter{
		status: &OrderStatusResponse{
			BrokerOrderID:  "brk-1",
			Status:         types.OrderStatusFilled,
			FilledQuantity: 2,
			AvgFillPrice:   decimal.NewFromFloat(2.88),
		},
		fills: []TradeFill{{
			BrokerTradeID: "fill-1",
			Price:         decimal.NewFromFloat(2.88),
			Quantity:      2,
			ExecutedAt:    time.Now(),
		}},
	}
	poller := NewPoller(zap.NewNop(), DefaultPollerConfig(), st, adapter, nil)

	executed, err := poller.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if executed != 1 {
		t.Errorf("executed = %d, want 1", executed)
	}

	// Nothing left outstanding, so a second sweep advances nothing.
	executed, err = poller.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if executed != 0 {
		t.Errorf("executed after settle = %d, want 0", executed)
	}
}

func TestPollerAbandonsOrderAfterRepeatedFailures(t *testing.T) {
	st := store.NewMemoryStore()
	submittedOrder(t, st)

	adapter := &stubAdapter{err: errors.New("broker unreachable")}
	cfg := DefaultPollerConfig()
	cfg.MaxFailures = 3
	poller := NewPoller(zap.NewNop(), cfg, st, adapter, nil)

	for i := 0; i < 3; i++ {
		poller.sweep(context.Background())
	}

	got, err := st.GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.OrderStatusRejected {
		t.Errorf("status = %s, want REJECTED after repeated failures", got.Status)
	}
	if got.RejectionReason == "" {
		t.Error("rejection reason not recorded")
	}
}

func TestPollerTightensIntervalOnImminentFill(t *testing.T) {
	st := store.NewMemoryStore()
	submittedOrder(t, st)

	adapter := &stubAdapter{
		status: &OrderStatusResponse{
			BrokerOrderID:       "brk-1",
			Status:              types.OrderStatusSubmitted,
			EstimatedFillTimeMs: 4000,
		},
	}
	poller := NewPoller(zap.NewNop(), DefaultPollerConfig(), st, adapter, nil)

	next := poller.sweep(context.Background())
	if next != time.Second {
		t.Errorf("next interval = %s, want 1s (estimate/4)", next)
	}
}

func TestPollerRespectsMinInterval(t *testing.T) {
	st := store.NewMemoryStore()
	submittedOrder(t, st)

	adapter := &stubAdapter{
		status: &OrderStatusResponse{
			BrokerOrderID:       "brk-1",
			Status:              types.OrderStatusSubmitted,
			EstimatedFillTimeMs: 100,
		},
	}
	poller := NewPoller(zap.NewNop(), DefaultPollerConfig(), st, adapter, nil)

	next := poller.sweep(context.Background())
	if next != poller.config.MinInterval {
		t.Errorf("next interval = %s, want floor %s", next, poller.config.MinInterval)
	}
}
