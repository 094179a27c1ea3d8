package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

const (
	tradierLiveURL    = "https://api.tradier.com"
	tradierSandboxURL = "https://sandbox.tradier.com"
)

// TradierConfig carries the Tradier credentials and endpoint selection.
type TradierConfig struct {
	APIKey    string
	AccountID string
	Sandbox   bool
	Timeout   time.Duration
}

// TradierAdapter places option orders through the Tradier brokerage API.
// Requests are form encoded; all calls run through a circuit breaker so a
// flapping vendor cannot stall the decision path.
type TradierAdapter struct {
	logger     *zap.Logger
	config     TradierConfig
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewTradierAdapter creates the adapter. Sandbox selects the paper endpoint.
func NewTradierAdapter(logger *zap.Logger, config TradierConfig) *TradierAdapter {
	base := tradierLiveURL
	if config.Sandbox {
		base = tradierSandboxURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TradierAdapter{
		logger:     logger.Named("tradier-adapter"),
		config:     config,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tradier",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (t *TradierAdapter) IsConfigured() bool {
	return t.config.APIKey != "" && t.config.AccountID != ""
}

func (t *TradierAdapter) Capabilities() Capabilities {
	mode := types.ModeLive
	if t.config.Sandbox {
		mode = types.ModePaper
	}
	return Capabilities{
		Name:            "tradier",
		Mode:            mode,
		RequiresPolling: true,
		SupportsLimit:   true,
		SupportsStop:    true,
		SupportsCancel:  true,
	}
}

type tradierOrderEnvelope struct {
	Order struct {
		ID           json.Number `json:"id"`
		Status       string      `json:"status"`
		AvgFillPrice float64     `json:"avg_fill_price"`
		ExecQuantity float64     `json:"exec_quantity"`
		ReasonDesc   string      `json:"reason_description"`
	} `json:"order"`
}

func (t *TradierAdapter) SubmitOrder(ctx context.Context, req OrderRequest, _ decimal.Decimal) (*OrderResult, *TradeFill, error) {
	underlying, _, _, _, err := types.DecodeOCC(req.Symbol)
	if err != nil {
		return &OrderResult{Status: types.OrderStatusRejected, Reason: err.Error()}, nil, nil
	}

	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", underlying)
	// Tradier takes the OCC symbol without the pad spaces.
	form.Set("option_symbol", strings.ReplaceAll(req.Symbol, " ", ""))
	form.Set("side", strings.ToLower(string(req.Side)))
	form.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	form.Set("type", strings.ToLower(string(req.OrderType)))
	form.Set("duration", strings.ToLower(string(req.TimeInForce)))
	if req.OrderType == types.OrderLimit || req.OrderType == types.OrderStopLimit {
		form.Set("price", req.LimitPrice.StringFixed(2))
	}
	if req.OrderType == types.OrderStop || req.OrderType == types.OrderStopLimit {
		form.Set("stop", req.StopPrice.StringFixed(2))
	}

	path := fmt.Sprintf("/v1/accounts/%s/orders", t.config.AccountID)
	body, err := t.do(ctx, http.MethodPost, path, form)
	if err != nil {
		return nil, nil, err
	}

	var env tradierOrderEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("tradier: decode order response: %w", err)
	}
	if env.Order.ID.String() == "" {
		return &OrderResult{Status: types.OrderStatusRejected, Reason: env.Order.ReasonDesc}, nil, nil
	}

	t.logger.Info("tradier order submitted",
		zap.String("orderId", req.OrderID),
		zap.String("brokerOrderId", env.Order.ID.String()),
		zap.String("symbol", req.Symbol),
	)
	return &OrderResult{
		Success:       true,
		BrokerOrderID: env.Order.ID.String(),
		Status:        types.OrderStatusSubmitted,
	}, nil, nil
}

func (t *TradierAdapter) CancelOrder(ctx context.Context, _, brokerOrderID string) error {
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", t.config.AccountID, brokerOrderID)
	_, err := t.do(ctx, http.MethodDelete, path, nil)
	return err
}

func (t *TradierAdapter) GetOrderStatus(ctx context.Context, _, brokerOrderID string) (*OrderStatusResponse, error) {
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", t.config.AccountID, brokerOrderID)
	body, err := t.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var env tradierOrderEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("tradier: decode status response: %w", err)
	}
	return &OrderStatusResponse{
		BrokerOrderID:  brokerOrderID,
		Status:         tradierStatus(env.Order.Status),
		FilledQuantity: int(env.Order.ExecQuantity),
		AvgFillPrice:   decimal.NewFromFloat(env.Order.AvgFillPrice),
	}, nil
}

// GetOrderFills synthesizes one fill from the aggregate execution report.
// Tradier does not expose per-execution detail on this endpoint.
func (t *TradierAdapter) GetOrderFills(ctx context.Context, orderID, brokerOrderID string) ([]TradeFill, error) {
	status, err := t.GetOrderStatus(ctx, orderID, brokerOrderID)
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

func tradierStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "pending", "open", "ok":
		return types.OrderStatusSubmitted
	case "partially_filled":
		return types.OrderStatusPartialFill
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "cancelled":
		return types.OrderStatusCancelled
	case "rejected", "error":
		return types.OrderStatusRejected
	case "expired":
		return types.OrderStatusExpired
	}
	return types.OrderStatusSubmitted
}

func (t *TradierAdapter) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if form != nil {
			reqBody = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
		req.Header.Set("Accept", "application/json")
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, &APIError{Adapter: "tradier", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
