package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

const (
	alpacaLiveURL  = "https://api.alpaca.markets"
	alpacaPaperURL = "https://paper-api.alpaca.markets"
)

// AlpacaConfig carries the Alpaca credentials and endpoint selection.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	Paper     bool
	Timeout   time.Duration
}

// AlpacaAdapter places option orders through the Alpaca trading API. The
// wire format is JSON; the circuit breaker mirrors the Tradier adapter.
type AlpacaAdapter struct {
	logger     *zap.Logger
	config     AlpacaConfig
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewAlpacaAdapter creates the adapter. Paper selects the paper endpoint.
func NewAlpacaAdapter(logger *zap.Logger, config AlpacaConfig) *AlpacaAdapter {
	base := alpacaLiveURL
	if config.Paper {
		base = alpacaPaperURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AlpacaAdapter{
		logger:     logger.Named("alpaca-adapter"),
		config:     config,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alpaca",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (a *AlpacaAdapter) IsConfigured() bool {
	return a.config.APIKey != "" && a.config.APISecret != ""
}

func (a *AlpacaAdapter) Capabilities() Capabilities {
	mode := types.ModeLive
	if a.config.Paper {
		mode = types.ModePaper
	}
	return Capabilities{
		Name:            "alpaca",
		Mode:            mode,
		RequiresPolling: true,
		SupportsLimit:   true,
		SupportsStop:    false, // stop orders on options are not supported
		SupportsCancel:  true,
	}
}

type alpacaOrder struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

func (a *AlpacaAdapter) SubmitOrder(ctx context.Context, req OrderRequest, _ decimal.Decimal) (*OrderResult, *TradeFill, error) {
	if _, _, _, _, err := types.DecodeOCC(req.Symbol); err != nil {
		return &OrderResult{Status: types.OrderStatusRejected, Reason: err.Error()}, nil, nil
	}

	side := "sell"
	if req.Side.IsBuy() {
		side = "buy"
	}
	payload := map[string]any{
		"symbol":        strings.ReplaceAll(req.Symbol, " ", ""),
		"qty":           fmt.Sprintf("%d", req.Quantity),
		"side":          side,
		"type":          strings.ToLower(string(req.OrderType)),
		"time_in_force": strings.ToLower(string(req.TimeInForce)),
	}
	if req.OrderType == types.OrderLimit || req.OrderType == types.OrderStopLimit {
		payload["limit_price"] = req.LimitPrice.StringFixed(2)
	}

	body, err := a.do(ctx, http.MethodPost, "/v2/orders", payload)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusUnprocessableEntity {
			return &OrderResult{Status: types.OrderStatusRejected, Reason: apiErr.Body}, nil, nil
		}
		return nil, nil, err
	}

	var order alpacaOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, nil, fmt.Errorf("alpaca: decode order response: %w", err)
	}

	a.logger.Info("alpaca order submitted",
		zap.String("orderId", req.OrderID),
		zap.String("brokerOrderId", order.ID),
		zap.String("symbol", req.Symbol),
	)
	return &OrderResult{
		Success:       true,
		BrokerOrderID: order.ID,
		Status:        alpacaStatus(order.Status),
	}, nil, nil
}

func (a *AlpacaAdapter) CancelOrder(ctx context.Context, _, brokerOrderID string) error {
	_, err := a.do(ctx, http.MethodDelete, "/v2/orders/"+brokerOrderID, nil)
	return err
}

func (a *AlpacaAdapter) GetOrderStatus(ctx context.Context, _, brokerOrderID string) (*OrderStatusResponse, error) {
	body, err := a.do(ctx, http.MethodGet, "/v2/orders/"+brokerOrderID, nil)
	if err != nil {
		return nil, err
	}

	var order alpacaOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("alpaca: decode status response: %w", err)
	}

	filled, _ := decimal.NewFromString(order.FilledQty)
	avg := decimal.Zero
	if order.FilledAvgPrice != "" {
		avg, _ = decimal.NewFromString(order.FilledAvgPrice)
	}
	return &OrderStatusResponse{
		BrokerOrderID:  brokerOrderID,
		Status:         alpacaStatus(order.Status),
		FilledQuantity: int(filled.IntPart()),
		AvgFillPrice:   avg,
	}, nil
}

func (a *AlpacaAdapter) GetOrderFills(ctx context.Context, orderID, brokerOrderID string) ([]TradeFill, error) {
	status, err := a.GetOrderStatus(ctx, orderID, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if status.FilledQuantity == 0 {
		return nil, nil
	}
	return []TradeFill{{
		BrokerTradeID: brokerOrderID,
		Price:         status.AvgFillPrice,
		Quantity:      status.FilledQuantity,
		Commission:    decimal.Zero,
		Fees:          decimal.Zero,
		ExecutedAt:    time.Now(),
	}}, nil
}

func alpacaStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return types.OrderStatusSubmitted
	case "partially_filled":
		return types.OrderStatusPartialFill
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "pending_cancel":
		return types.OrderStatusCancelled
	case "rejected", "stopped", "suspended":
		return types.OrderStatusRejected
	case "expired":
		return types.OrderStatusExpired
	}
	return types.OrderStatusSubmitted
}

func (a *AlpacaAdapter) do(ctx context.Context, method, path string, payload map[string]any) ([]byte, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if payload != nil {
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("APCA-API-KEY-ID", a.config.APIKey)
		req.Header.Set("APCA-API-SECRET-KEY", a.config.APISecret)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, &APIError{Adapter: "alpaca", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
