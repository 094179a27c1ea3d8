// Package store provides the persistence layer. Postgres is the owner of
// record; components hold transient in-memory copies only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradeforge/options-engine/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleStatus is returned when a guarded order-status transition loses
	// its precondition, e.g. the order already reached a terminal state.
	ErrStaleStatus = errors.New("store: stale status precondition")
)

// RiskLimits are the account-level risk settings read from the risk_limits
// table.
type RiskLimits struct {
	PortfolioValue        float64 `json:"portfolioValue" db:"portfolio_value"`
	RiskPerTradePercent   float64 `json:"riskPerTradePercent" db:"risk_per_trade_percent"`
	MaxVixForNewPositions float64 `json:"maxVixForNewPositions" db:"max_vix_for_new_positions"`
	MaxOpenPositions      int     `json:"maxOpenPositions" db:"max_open_positions"`
	MaxQuantityPerTrade   int     `json:"maxQuantityPerTrade" db:"max_quantity_per_trade"`
}

// Stats is the aggregate snapshot served by /stats.
type Stats struct {
	SignalsTotal     int     `json:"signals_total"`
	SignalsCompleted int     `json:"signals_completed"`
	SignalsRejected  int     `json:"signals_rejected"`
	OrdersTotal      int     `json:"orders_total"`
	OrdersFilled     int     `json:"orders_filled"`
	OpenPositions    int     `json:"open_positions"`
	RealizedPnL      float64 `json:"realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}

// Store is the persistence contract used by the engine. All methods take a
// context so shutdown cancels in-flight queries.
type Store interface {
	// Signals.
	InsertSignal(ctx context.Context, s *types.Signal) error
	UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus, validationResult string) error
	GetSignal(ctx context.Context, id string) (*types.Signal, error)
	FindSignalByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*types.Signal, error)
	RecentCompletedSignals(ctx context.Context, symbol string, since time.Time) ([]types.Signal, error)
	ListSignals(ctx context.Context, limit int) ([]types.Signal, error)

	// Orders. UpdateOrderStatus is a conditional update: it only applies when
	// the current status matches one of the expected statuses, keeping the
	// status graph monotone and terminal states immutable.
	InsertOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, expect []types.OrderStatus, update *types.Order) error
	OutstandingOrders(ctx context.Context) ([]types.Order, error)
	ListOrders(ctx context.Context, limit int) ([]types.Order, error)

	// Trades.
	InsertTrade(ctx context.Context, t *types.Trade) error
	ListTrades(ctx context.Context, limit int) ([]types.Trade, error)
	TradesForOrder(ctx context.Context, orderID string) ([]types.Trade, error)

	// Positions.
	InsertPosition(ctx context.Context, p *types.Position) error
	GetPosition(ctx context.Context, id string) (*types.Position, error)
	OpenPositions(ctx context.Context) ([]types.Position, error)
	UpdatePosition(ctx context.Context, p *types.Position) error
	ListPositions(ctx context.Context, limit int) ([]types.Position, error)

	// Regime history is append-only.
	AppendRegimeObservation(ctx context.Context, obs *types.RegimeObservation) error
	RegimePerformance(ctx context.Context, regime types.Regime, dealer types.DealerPosition) (*types.RegimePerformance, error)
	VIXSizingRules(ctx context.Context) ([]types.VIXSizingRule, error)

	// Risk.
	GetRiskLimits(ctx context.Context) (*RiskLimits, error)
	InsertRiskViolation(ctx context.Context, v *types.RiskViolation) error
	ListRiskViolations(ctx context.Context, limit int) ([]types.RiskViolation, error)

	// Adapter audit log.
	InsertAdapterLog(ctx context.Context, l *types.AdapterLog) error

	// Aggregates.
	GetStats(ctx context.Context) (*Stats, error)

	// Health.
	Ping(ctx context.Context) error
	Close() error
}
