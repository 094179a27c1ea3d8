package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

// PostgresStore implements Store on top of Postgres via sqlx.
type PostgresStore struct {
	logger *zap.Logger
	db     *sqlx.DB
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(logger *zap.Logger, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresStore{logger: logger.Named("store"), db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			signal_hash TEXT NOT NULL,
			raw_payload JSONB,
			action TEXT NOT NULL,
			direction TEXT NOT NULL,
			underlying TEXT NOT NULL,
			strike NUMERIC,
			expiration TEXT,
			option_type TEXT,
			timeframe TEXT,
			quantity INT NOT NULL DEFAULT 1,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			strategy_type TEXT,
			signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			validation_result TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_hash ON signals(signal_hash, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_underlying ON signals(underlying, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			signal_id TEXT,
			broker_order_id TEXT,
			mode TEXT NOT NULL,
			underlying TEXT NOT NULL,
			symbol TEXT NOT NULL,
			strike NUMERIC,
			expiration TEXT,
			option_type TEXT,
			side TEXT NOT NULL,
			quantity INT NOT NULL,
			order_type TEXT NOT NULL,
			limit_price NUMERIC,
			stop_price NUMERIC,
			tif TEXT NOT NULL DEFAULT 'DAY',
			status TEXT NOT NULL,
			filled_quantity INT NOT NULL DEFAULT 0,
			avg_fill_price NUMERIC NOT NULL DEFAULT 0,
			rejection_reason TEXT,
			submitted_at TIMESTAMPTZ,
			filled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			broker_trade_id TEXT,
			execution_price NUMERIC NOT NULL,
			quantity INT NOT NULL,
			commission NUMERIC NOT NULL DEFAULT 0,
			fees NUMERIC NOT NULL DEFAULT 0,
			total_cost NUMERIC NOT NULL DEFAULT 0,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			underlying TEXT NOT NULL,
			strike NUMERIC,
			expiration TEXT,
			option_type TEXT,
			quantity INT NOT NULL,
			avg_open_price NUMERIC NOT NULL,
			total_cost NUMERIC NOT NULL,
			current_price NUMERIC NOT NULL DEFAULT 0,
			market_value NUMERIC NOT NULL DEFAULT 0,
			unrealized_pnl NUMERIC NOT NULL DEFAULT 0,
			unrealized_pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl NUMERIC NOT NULL DEFAULT 0,
			delta DOUBLE PRECISION NOT NULL DEFAULT 0,
			gamma DOUBLE PRECISION NOT NULL DEFAULT 0,
			theta DOUBLE PRECISION NOT NULL DEFAULT 0,
			vega DOUBLE PRECISION NOT NULL DEFAULT 0,
			iv DOUBLE PRECISION NOT NULL DEFAULT 0,
			entry_iv DOUBLE PRECISION NOT NULL DEFAULT 0,
			high_water_mark NUMERIC NOT NULL DEFAULT 0,
			partial_exits_taken INT NOT NULL DEFAULT 0,
			entry_market_regime TEXT NOT NULL DEFAULT 'UNKNOWN',
			is_closed BOOLEAN NOT NULL DEFAULT FALSE,
			opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(is_closed)`,
		`CREATE TABLE IF NOT EXISTS regime_history (
			id BIGSERIAL PRIMARY KEY,
			ticker TEXT NOT NULL,
			regime TEXT NOT NULL,
			regime_confidence DOUBLE PRECISION NOT NULL,
			consecutive_same_regime INT NOT NULL,
			time_in_regime_seconds BIGINT NOT NULL,
			last_flip_timestamp TIMESTAMPTZ,
			stability_score DOUBLE PRECISION NOT NULL,
			is_stable BOOLEAN NOT NULL,
			can_trade BOOLEAN NOT NULL,
			block_reason TEXT,
			checked_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS regime_performance (
			regime TEXT NOT NULL,
			dealer_position TEXT NOT NULL,
			total_trades INT NOT NULL DEFAULT 0,
			winning_trades INT NOT NULL DEFAULT 0,
			losing_trades INT NOT NULL DEFAULT 0,
			average_win DOUBLE PRECISION NOT NULL DEFAULT 0,
			average_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
			kelly_fraction DOUBLE PRECISION NOT NULL DEFAULT 0,
			half_kelly DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (regime, dealer_position)
		)`,
		`CREATE TABLE IF NOT EXISTS vix_sizing_rules (
			vix_min DOUBLE PRECISION NOT NULL,
			vix_max DOUBLE PRECISION NOT NULL,
			size_multiplier DOUBLE PRECISION NOT NULL,
			max_positions INT NOT NULL,
			PRIMARY KEY (vix_min, vix_max)
		)`,
		`CREATE TABLE IF NOT EXISTS risk_limits (
			id INT PRIMARY KEY DEFAULT 1,
			portfolio_value DOUBLE PRECISION NOT NULL DEFAULT 25000,
			risk_per_trade_percent DOUBLE PRECISION NOT NULL DEFAULT 2.0,
			max_vix_for_new_positions DOUBLE PRECISION NOT NULL DEFAULT 35,
			max_open_positions INT NOT NULL DEFAULT 10,
			max_quantity_per_trade INT NOT NULL DEFAULT 10
		)`,
		`INSERT INTO risk_limits (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS risk_violations (
			id TEXT PRIMARY KEY,
			rule_name TEXT NOT NULL,
			detail TEXT,
			signal_id TEXT,
			symbol TEXT,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS market_context (
			id BIGSERIAL PRIMARY KEY,
			ticker TEXT NOT NULL,
			payload JSONB NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS adapter_logs (
			id TEXT PRIMARY KEY,
			adapter_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			correlation_id TEXT,
			order_id TEXT,
			status TEXT NOT NULL,
			request_payload JSONB,
			response_payload JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}
	return nil
}

// --- signals ---

func (s *PostgresStore) InsertSignal(ctx context.Context, sig *types.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, source, signal_hash, raw_payload, action, direction,
			underlying, strike, expiration, option_type, timeframe, quantity, confidence,
			strategy_type, signature_verified, status, validation_result, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)`,
		sig.ID, sig.Source, sig.Fingerprint, nullJSON(sig.RawPayload), sig.Action, sig.Direction,
		sig.Symbol, sig.Strike, sig.Expiration, sig.OptionType, sig.Timeframe, sig.Quantity,
		sig.Confidence, sig.StrategyType, sig.SignatureVerified, sig.Status, sig.ValidationResult,
		sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus, validationResult string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET status=$2, validation_result=COALESCE(NULLIF($3,''), validation_result), updated_at=now()
		WHERE id=$1`, id, status, validationResult)
	if err != nil {
		return fmt.Errorf("store: update signal status: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*types.Signal, error) {
	var sig types.Signal
	err := s.db.GetContext(ctx, &sig, `SELECT `+signalCols+` FROM signals WHERE id=$1`, id)
	if err != nil {
		return nil, wrapGetErr("signal", err)
	}
	return &sig, nil
}

func (s *PostgresStore) FindSignalByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*types.Signal, error) {
	var sig types.Signal
	err := s.db.GetContext(ctx, &sig, `
		SELECT `+signalCols+` FROM signals
		WHERE signal_hash=$1 AND created_at >= $2
		ORDER BY created_at ASC LIMIT 1`, fingerprint, since)
	if err != nil {
		return nil, wrapGetErr("signal", err)
	}
	return &sig, nil
}

func (s *PostgresStore) RecentCompletedSignals(ctx context.Context, symbol string, since time.Time) ([]types.Signal, error) {
	var sigs []types.Signal
	err := s.db.SelectContext(ctx, &sigs, `
		SELECT `+signalCols+` FROM signals
		WHERE underlying=$1 AND status=$2 AND created_at >= $3
		ORDER BY created_at DESC`, symbol, types.SignalStatusCompleted, since)
	if err != nil {
		return nil, fmt.Errorf("store: recent signals: %w", err)
	}
	return sigs, nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, limit int) ([]types.Signal, error) {
	var sigs []types.Signal
	err := s.db.SelectContext(ctx, &sigs,
		`SELECT `+signalCols+` FROM signals ORDER BY created_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list signals: %w", err)
	}
	return sigs, nil
}

const signalCols = `id, source, signal_hash, COALESCE(raw_payload::text,'')::bytea AS raw_payload,
	action, direction, underlying, COALESCE(strike,0) AS strike, COALESCE(expiration,'') AS expiration,
	COALESCE(option_type,'') AS option_type, COALESCE(timeframe,'') AS timeframe, quantity, confidence,
	COALESCE(strategy_type,'') AS strategy_type, signature_verified, status,
	COALESCE(validation_result,'') AS validation_result, created_at, updated_at`

// --- orders ---

func (s *PostgresStore) InsertOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, broker_order_id, mode, underlying, symbol, strike,
			expiration, option_type, side, quantity, order_type, limit_price, stop_price, tif,
			status, filled_quantity, avg_fill_price, rejection_reason, submitted_at, filled_at,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$22)`,
		o.ID, nullStr(o.SignalID), nullStr(o.BrokerOrderID), o.Mode, o.Underlying, o.Symbol,
		o.Strike, o.Expiration, o.OptionType, o.Side, o.Quantity, o.OrderType, o.LimitPrice,
		o.StopPrice, o.TimeInForce, o.Status, o.FilledQuantity, o.AvgFillPrice,
		nullStr(o.RejectionReason), o.SubmittedAt, o.FilledAt, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	var o types.Order
	err := s.db.GetContext(ctx, &o, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
	if err != nil {
		return nil, wrapGetErr("order", err)
	}
	return &o, nil
}

// UpdateOrderStatus applies the update only when the current status is one of
// the expected statuses. This is the guard that keeps terminal orders
// immutable under concurrent pollers.
func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, expect []types.OrderStatus, update *types.Order) error {
	expected := make([]string, len(expect))
	for i, st := range expect {
		expected[i] = string(st)
	}

	query, args, err := sqlx.In(`
		UPDATE orders SET status=?, broker_order_id=COALESCE(NULLIF(?,''), broker_order_id),
			filled_quantity=?, avg_fill_price=?, rejection_reason=COALESCE(NULLIF(?,''), rejection_reason),
			submitted_at=COALESCE(?, submitted_at), filled_at=COALESCE(?, filled_at), updated_at=now()
		WHERE id=? AND status IN (?)`,
		update.Status, update.BrokerOrderID, update.FilledQuantity, update.AvgFillPrice,
		update.RejectionReason, update.SubmittedAt, update.FilledAt, id, expected)
	if err != nil {
		return fmt.Errorf("store: build order update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("store: update order status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (s *PostgresStore) OutstandingOrders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderCols+` FROM orders
		WHERE status IN ($1,$2,$3) AND broker_order_id IS NOT NULL
		ORDER BY created_at`,
		types.OrderStatusSubmitted, types.OrderStatusAccepted, types.OrderStatusPartialFill)
	if err != nil {
		return nil, fmt.Errorf("store: outstanding orders: %w", err)
	}
	return orders, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.SelectContext(ctx, &orders,
		`SELECT `+orderCols+` FROM orders ORDER BY created_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	return orders, nil
}

const orderCols = `id, COALESCE(signal_id,'') AS signal_id, COALESCE(broker_order_id,'') AS broker_order_id,
	mode, underlying, symbol, COALESCE(strike,0) AS strike, COALESCE(expiration,'') AS expiration,
	COALESCE(option_type,'') AS option_type, side, quantity, order_type,
	COALESCE(limit_price,0) AS limit_price, COALESCE(stop_price,0) AS stop_price, tif, status,
	filled_quantity, avg_fill_price, COALESCE(rejection_reason,'') AS rejection_reason,
	submitted_at, filled_at, created_at, updated_at`

// --- trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *types.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, broker_trade_id, execution_price, quantity,
			commission, fees, total_cost, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.OrderID, nullStr(t.BrokerTradeID), t.ExecutionPrice, t.Quantity,
		t.Commission, t.Fees, t.TotalCost, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("store: insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := s.db.SelectContext(ctx, &trades,
		`SELECT `+tradeCols+` FROM trades ORDER BY executed_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list trades: %w", err)
	}
	return trades, nil
}

func (s *PostgresStore) TradesForOrder(ctx context.Context, orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := s.db.SelectContext(ctx, &trades,
		`SELECT `+tradeCols+` FROM trades WHERE order_id=$1 ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("store: trades for order: %w", err)
	}
	return trades, nil
}

const tradeCols = `id, order_id, COALESCE(broker_trade_id,'') AS broker_trade_id,
	execution_price, quantity, commission, fees, total_cost, executed_at`

// --- positions ---

func (s *PostgresStore) InsertPosition(ctx context.Context, p *types.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, underlying, strike, expiration, option_type, quantity,
			avg_open_price, total_cost, current_price, market_value, unrealized_pnl,
			unrealized_pnl_percent, realized_pnl, delta, gamma, theta, vega, iv, entry_iv,
			high_water_mark, partial_exits_taken, entry_market_regime, is_closed, opened_at,
			closed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$26)`,
		p.ID, p.Symbol, p.Underlying, p.Strike, p.Expiration, p.OptionType, p.Quantity,
		p.AvgOpenPrice, p.TotalCost, p.CurrentPrice, p.MarketValue, p.UnrealizedPnL,
		p.UnrealizedPnLPercent, p.RealizedPnL, p.Greeks.Delta, p.Greeks.Gamma, p.Greeks.Theta,
		p.Greeks.Vega, p.Greeks.IV, p.EntryIV, p.HighWaterMark, p.PartialExitsTaken,
		p.EntryMarketRegime, p.IsClosed, p.OpenedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("store: insert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id=$1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, wrapGetErr("position", err)
	}
	return p, nil
}

func (s *PostgresStore) OpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE is_closed=FALSE ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("store: open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *types.Position) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET quantity=$2, avg_open_price=$3, total_cost=$4, current_price=$5,
			market_value=$6, unrealized_pnl=$7, unrealized_pnl_percent=$8, realized_pnl=$9,
			delta=$10, gamma=$11, theta=$12, vega=$13, iv=$14, high_water_mark=$15,
			partial_exits_taken=$16, is_closed=$17, closed_at=$18, updated_at=now()
		WHERE id=$1`,
		p.ID, p.Quantity, p.AvgOpenPrice, p.TotalCost, p.CurrentPrice, p.MarketValue,
		p.UnrealizedPnL, p.UnrealizedPnLPercent, p.RealizedPnL, p.Greeks.Delta, p.Greeks.Gamma,
		p.Greeks.Theta, p.Greeks.Vega, p.Greeks.IV, p.HighWaterMark, p.PartialExitsTaken,
		p.IsClosed, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("store: update position: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) ListPositions(ctx context.Context, limit int) ([]types.Position, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+positionCols+` FROM positions ORDER BY opened_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

const positionCols = `id, symbol, underlying, COALESCE(strike,0) AS strike,
	COALESCE(expiration,'') AS expiration, COALESCE(option_type,'') AS option_type, quantity,
	avg_open_price, total_cost, current_price, market_value, unrealized_pnl,
	unrealized_pnl_percent, realized_pnl, delta, gamma, theta, vega, iv, entry_iv,
	high_water_mark, partial_exits_taken, entry_market_regime, is_closed, opened_at,
	closed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (*types.Position, error) {
	var p types.Position
	err := r.Scan(&p.ID, &p.Symbol, &p.Underlying, &p.Strike, &p.Expiration, &p.OptionType,
		&p.Quantity, &p.AvgOpenPrice, &p.TotalCost, &p.CurrentPrice, &p.MarketValue,
		&p.UnrealizedPnL, &p.UnrealizedPnLPercent, &p.RealizedPnL, &p.Greeks.Delta,
		&p.Greeks.Gamma, &p.Greeks.Theta, &p.Greeks.Vega, &p.Greeks.IV, &p.EntryIV,
		&p.HighWaterMark, &p.PartialExitsTaken, &p.EntryMarketRegime, &p.IsClosed,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPositions(rows *sqlx.Rows) ([]types.Position, error) {
	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- regime ---

func (s *PostgresStore) AppendRegimeObservation(ctx context.Context, obs *types.RegimeObservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regime_history (ticker, regime, regime_confidence, consecutive_same_regime,
			time_in_regime_seconds, last_flip_timestamp, stability_score, is_stable, can_trade,
			block_reason, checked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		obs.Ticker, obs.Regime, obs.Confidence, obs.ConsecutiveSameRegime,
		obs.TimeInRegimeSeconds, obs.LastFlipTimestamp, obs.StabilityScore, obs.IsStable,
		obs.CanTrade, nullStr(obs.BlockReason), obs.CheckedAt)
	if err != nil {
		return fmt.Errorf("store: append regime observation: %w", err)
	}
	return nil
}

func (s *PostgresStore) RegimePerformance(ctx context.Context, regime types.Regime, dealer types.DealerPosition) (*types.RegimePerformance, error) {
	var perf types.RegimePerformance
	err := s.db.GetContext(ctx, &perf, `
		SELECT regime, dealer_position, total_trades, winning_trades, losing_trades,
			average_win, average_loss, kelly_fraction, half_kelly
		FROM regime_performance WHERE regime=$1 AND dealer_position=$2`, regime, dealer)
	if err != nil {
		return nil, wrapGetErr("regime performance", err)
	}
	return &perf, nil
}

func (s *PostgresStore) VIXSizingRules(ctx context.Context) ([]types.VIXSizingRule, error) {
	var rules []types.VIXSizingRule
	err := s.db.SelectContext(ctx, &rules, `
		SELECT vix_min, vix_max, size_multiplier, max_positions
		FROM vix_sizing_rules ORDER BY vix_min`)
	if err != nil {
		return nil, fmt.Errorf("store: vix sizing rules: %w", err)
	}
	return rules, nil
}

// --- risk ---

func (s *PostgresStore) GetRiskLimits(ctx context.Context) (*RiskLimits, error) {
	var rl RiskLimits
	err := s.db.GetContext(ctx, &rl, `
		SELECT portfolio_value, risk_per_trade_percent, max_vix_for_new_positions,
			max_open_positions, max_quantity_per_trade
		FROM risk_limits WHERE id=1`)
	if err != nil {
		return nil, wrapGetErr("risk limits", err)
	}
	return &rl, nil
}

func (s *PostgresStore) InsertRiskViolation(ctx context.Context, v *types.RiskViolation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_violations (id, rule_name, detail, signal_id, symbol, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.RuleName, v.Detail, nullStr(v.SignalID), nullStr(v.Symbol), v.OccurredAt)
	if err != nil {
		return fmt.Errorf("store: insert risk violation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRiskViolations(ctx context.Context, limit int) ([]types.RiskViolation, error) {
	var out []types.RiskViolation
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, rule_name, COALESCE(detail,'') AS detail, COALESCE(signal_id,'') AS signal_id,
			COALESCE(symbol,'') AS symbol, occurred_at
		FROM risk_violations ORDER BY occurred_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list risk violations: %w", err)
	}
	return out, nil
}

// --- adapter logs ---

func (s *PostgresStore) InsertAdapterLog(ctx context.Context, l *types.AdapterLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adapter_logs (id, adapter_name, operation, correlation_id, order_id, status,
			request_payload, response_payload, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.AdapterName, l.Operation, nullStr(l.CorrelationID), nullStr(l.OrderID), l.Status,
		nullJSON(l.RequestPayload), nullJSON(l.ResponsePayload), nullStr(l.ErrorMessage), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert adapter log: %w", err)
	}
	return nil
}

// --- aggregates ---

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM signals) AS signalstotal,
			(SELECT COUNT(*) FROM signals WHERE status='COMPLETED') AS signalscompleted,
			(SELECT COUNT(*) FROM signals WHERE status='REJECTED') AS signalsrejected,
			(SELECT COUNT(*) FROM orders) AS orderstotal,
			(SELECT COUNT(*) FROM orders WHERE status='FILLED') AS ordersfilled,
			(SELECT COUNT(*) FROM positions WHERE is_closed=FALSE) AS openpositions,
			(SELECT COALESCE(SUM(realized_pnl),0) FROM positions) AS realizedpnl,
			(SELECT COALESCE(SUM(unrealized_pnl),0) FROM positions WHERE is_closed=FALSE) AS unrealizedpnl`)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapGetErr(entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("store: get %s: %w", entity, err)
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
