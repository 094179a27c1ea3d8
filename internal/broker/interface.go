// Package broker provides the broker adapter abstraction: a deterministic
// paper simulator and live Tradier/Alpaca clients behind one interface,
// selected by a factory that enforces the dual-flag safety gate.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/pkg/types"
)

// OrderRequest is the adapter-facing order submission.
type OrderRequest struct {
	OrderID     string          `json:"orderId"`
	Symbol      string          `json:"symbol"` // OCC
	Side        types.OrderSide `json:"side"`
	Quantity    int             `json:"quantity"`
	OrderType   types.OrderType `json:"orderType"`
	LimitPrice  decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice   decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce types.TimeInForce `json:"tif"`
}

// OrderResult is the adapter's answer to a submission.
type OrderResult struct {
	Success             bool              `json:"success"`
	BrokerOrderID       string            `json:"brokerOrderId,omitempty"`
	Status              types.OrderStatus `json:"status"`
	FilledQuantity      int               `json:"filledQuantity"`
	AvgFillPrice        decimal.Decimal   `json:"avgFillPrice"`
	EstimatedFillTimeMs int64             `json:"estimatedFillTimeMs,omitempty"`
	Reason              string            `json:"reason,omitempty"`
}

// OrderStatusResponse reports broker-side order state for polling.
type OrderStatusResponse struct {
	BrokerOrderID       string            `json:"brokerOrderId"`
	Status              types.OrderStatus `json:"status"`
	FilledQuantity      int               `json:"filledQuantity"`
	AvgFillPrice        decimal.Decimal   `json:"avgFillPrice"`
	EstimatedFillTimeMs int64             `json:"estimatedFillTimeMs,omitempty"`
}

// TradeFill is a single execution reported by an adapter.
type TradeFill struct {
	BrokerTradeID string          `json:"brokerTradeId"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int             `json:"quantity"`
	Commission    decimal.Decimal `json:"commission"`
	Fees          decimal.Decimal `json:"fees"`
	ExecutedAt    time.Time       `json:"executedAt"`
}

// TotalCost is the signed cash impact of the fill for a buy: premium plus
// commission and fees. Options carry a 100 multiplier.
func (f TradeFill) TotalCost() decimal.Decimal {
	premium := f.Price.Mul(decimal.NewFromInt(int64(f.Quantity))).Mul(decimal.NewFromInt(100))
	return premium.Add(f.Commission).Add(f.Fees)
}

// Capabilities describes what an adapter supports.
type Capabilities struct {
	Name            string            `json:"name"`
	Mode            types.TradingMode `json:"mode"`
	RequiresPolling bool              `json:"requiresPolling"`
	SupportsLimit   bool              `json:"supportsLimit"`
	SupportsStop    bool              `json:"supportsStop"`
	SupportsCancel  bool              `json:"supportsCancel"`
}

// Adapter is the broker capability set. Implementations must be safe for
// concurrent use; all network calls honor context cancellation.
type Adapter interface {
	// SubmitOrder places the order. marketPrice is advisory (paper fills and
	// live sanity checks); pass zero when unknown. An immediate fill is
	// returned alongside the result; brokers that fill asynchronously return
	// a nil fill and RequiresPolling capabilities.
	SubmitOrder(ctx context.Context, req OrderRequest, marketPrice decimal.Decimal) (*OrderResult, *TradeFill, error)
	CancelOrder(ctx context.Context, orderID, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, orderID, brokerOrderID string) (*OrderStatusResponse, error)
	GetOrderFills(ctx context.Context, orderID, brokerOrderID string) ([]TradeFill, error)
	IsConfigured() bool
	Capabilities() Capabilities
}

// APIError carries the HTTP status and body of a failed broker call.
type APIError struct {
	Adapter string
	Status  int
	Body    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Adapter, e.Status, e.Body)
}
