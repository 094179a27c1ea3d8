package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/pkg/types"
)

// MemoryStore is an in-memory Store used by tests and by development runs
// without a database. It honors the same guarded-update semantics as the
// Postgres implementation.
type MemoryStore struct {
	mu sync.RWMutex

	signals        map[string]*types.Signal
	orders         map[string]*types.Order
	trades         map[string][]types.Trade
	positions      map[string]*types.Position
	regimeHistory  []types.RegimeObservation
	regimePerf     map[string]*types.RegimePerformance
	vixRules       []types.VIXSizingRule
	riskLimits     RiskLimits
	riskViolations []types.RiskViolation
	adapterLogs    []types.AdapterLog

	// FailReads simulates a data-store outage for fail-open paths.
	FailReads bool
}

// NewMemoryStore creates an empty in-memory store with default risk limits
// and VIX sizing buckets.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:   make(map[string]*types.Signal),
		orders:    make(map[string]*types.Order),
		trades:    make(map[string][]types.Trade),
		positions: make(map[string]*types.Position),
		regimePerf: map[string]*types.RegimePerformance{
			perfKey(types.RegimeTrendingUp, types.DealerLongGamma): {
				Regime: types.RegimeTrendingUp, DealerPosition: types.DealerLongGamma,
				TotalTrades: 60, WinningTrades: 36, LosingTrades: 24,
				AverageWin: 180, AverageLoss: 110, KellyFraction: 0.22, HalfKelly: 0.11,
			},
		},
		vixRules: []types.VIXSizingRule{
			{VIXMin: 0, VIXMax: 15, SizeMultiplier: 1.2, MaxPositions: 12},
			{VIXMin: 15, VIXMax: 20, SizeMultiplier: 1.0, MaxPositions: 10},
			{VIXMin: 20, VIXMax: 28, SizeMultiplier: 0.75, MaxPositions: 6},
			{VIXMin: 28, VIXMax: 100, SizeMultiplier: 0.5, MaxPositions: 3},
		},
		riskLimits: RiskLimits{
			PortfolioValue:        25000,
			RiskPerTradePercent:   2.0,
			MaxVixForNewPositions: 35,
			MaxOpenPositions:      10,
			MaxQuantityPerTrade:   10,
		},
	}
}

func perfKey(r types.Regime, d types.DealerPosition) string {
	return string(r) + "|" + string(d)
}

func (m *MemoryStore) failing() error {
	if m.FailReads {
		return ErrNotFound
	}
	return nil
}

func (m *MemoryStore) InsertSignal(_ context.Context, s *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.signals[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSignalStatus(_ context.Context, id string, status types.SignalStatus, validationResult string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if validationResult != "" {
		s.ValidationResult = validationResult
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetSignal(_ context.Context, id string) (*types.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindSignalByFingerprint(_ context.Context, fingerprint string, since time.Time) (*types.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Oldest match wins so replays resolve to the original signal.
	var best *types.Signal
	for _, s := range m.signals {
		if s.Fingerprint == fingerprint && !s.CreatedAt.Before(since) {
			if best == nil || s.CreatedAt.Before(best.CreatedAt) {
				best = s
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) RecentCompletedSignals(_ context.Context, symbol string, since time.Time) ([]types.Signal, error) {
	if m.FailReads {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Signal
	for _, s := range m.signals {
		if s.Symbol == symbol && s.Status == types.SignalStatusCompleted && !s.CreatedAt.Before(since) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListSignals(_ context.Context, limit int) ([]types.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > clampLimit(limit) {
		out = out[:clampLimit(limit)]
	}
	return out, nil
}

func (m *MemoryStore) InsertOrder(_ context.Context, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id string, expect []types.OrderStatus, update *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	matched := false
	for _, st := range expect {
		if o.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return ErrStaleStatus
	}
	o.Status = update.Status
	if update.BrokerOrderID != "" {
		o.BrokerOrderID = update.BrokerOrderID
	}
	o.FilledQuantity = update.FilledQuantity
	o.AvgFillPrice = update.AvgFillPrice
	if update.RejectionReason != "" {
		o.RejectionReason = update.RejectionReason
	}
	if update.SubmittedAt != nil {
		o.SubmittedAt = update.SubmittedAt
	}
	if update.FilledAt != nil {
		o.FilledAt = update.FilledAt
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) OutstandingOrders(_ context.Context) ([]types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, o := range m.orders {
		switch o.Status {
		case types.OrderStatusSubmitted, types.OrderStatusAccepted, types.OrderStatusPartialFill:
			if o.BrokerOrderID != "" {
				out = append(out, *o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListOrders(_ context.Context, limit int) ([]types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > clampLimit(limit) {
		out = out[:clampLimit(limit)]
	}
	return out, nil
}

func (m *MemoryStore) InsertTrade(_ context.Context, t *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.OrderID] = append(m.trades[t.OrderID], *t)
	return nil
}

func (m *MemoryStore) ListTrades(_ context.Context, limit int) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	for _, ts := range m.trades {
		out = append(out, ts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if len(out) > clampLimit(limit) {
		out = out[:clampLimit(limit)]
	}
	return out, nil
}

func (m *MemoryStore) TradesForOrder(_ context.Context, orderID string) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Trade, len(m.trades[orderID]))
	copy(out, m.trades[orderID])
	return out, nil
}

func (m *MemoryStore) InsertPosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPosition(_ context.Context, id string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) OpenPositions(_ context.Context) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Position
	for _, p := range m.positions {
		if !p.IsClosed {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) UpdatePosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	m.positions[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPositions(_ context.Context, limit int) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if len(out) > clampLimit(limit) {
		out = out[:clampLimit(limit)]
	}
	return out, nil
}

func (m *MemoryStore) AppendRegimeObservation(_ context.Context, obs *types.RegimeObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimeHistory = append(m.regimeHistory, *obs)
	return nil
}

// RegimeHistory returns appended observations, oldest first. Test helper.
func (m *MemoryStore) RegimeHistory() []types.RegimeObservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RegimeObservation, len(m.regimeHistory))
	copy(out, m.regimeHistory)
	return out
}

func (m *MemoryStore) RegimePerformance(_ context.Context, regime types.Regime, dealer types.DealerPosition) (*types.RegimePerformance, error) {
	if err := m.failing(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	perf, ok := m.regimePerf[perfKey(regime, dealer)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *perf
	return &cp, nil
}

// SetRegimePerformance seeds Kelly inputs. Test helper.
func (m *MemoryStore) SetRegimePerformance(perf types.RegimePerformance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimePerf[perfKey(perf.Regime, perf.DealerPosition)] = &perf
}

func (m *MemoryStore) VIXSizingRules(_ context.Context) ([]types.VIXSizingRule, error) {
	if err := m.failing(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.VIXSizingRule, len(m.vixRules))
	copy(out, m.vixRules)
	return out, nil
}

func (m *MemoryStore) GetRiskLimits(_ context.Context) (*RiskLimits, error) {
	if err := m.failing(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rl := m.riskLimits
	return &rl, nil
}

// SetRiskLimits overrides the account limits. Test helper.
func (m *MemoryStore) SetRiskLimits(rl RiskLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskLimits = rl
}

func (m *MemoryStore) InsertRiskViolation(_ context.Context, v *types.RiskViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskViolations = append(m.riskViolations, *v)
	return nil
}

func (m *MemoryStore) ListRiskViolations(_ context.Context, limit int) ([]types.RiskViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RiskViolation, len(m.riskViolations))
	copy(out, m.riskViolations)
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if len(out) > clampLimit(limit) {
		out = out[:clampLimit(limit)]
	}
	return out, nil
}

func (m *MemoryStore) InsertAdapterLog(_ context.Context, l *types.AdapterLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapterLogs = append(m.adapterLogs, *l)
	return nil
}

// AdapterLogs returns recorded adapter operations. Test helper.
func (m *MemoryStore) AdapterLogs() []types.AdapterLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.AdapterLog, len(m.adapterLogs))
	copy(out, m.adapterLogs)
	return out
}

func (m *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &Stats{}
	for _, s := range m.signals {
		st.SignalsTotal++
		switch s.Status {
		case types.SignalStatusCompleted:
			st.SignalsCompleted++
		case types.SignalStatusRejected:
			st.SignalsRejected++
		}
	}
	for _, o := range m.orders {
		st.OrdersTotal++
		if o.Status == types.OrderStatusFilled {
			st.OrdersFilled++
		}
	}
	for _, p := range m.positions {
		realized, _ := p.RealizedPnL.Float64()
		st.RealizedPnL += realized
		if !p.IsClosed {
			st.OpenPositions++
			unrealized, _ := p.UnrealizedPnL.Float64()
			st.UnrealizedPnL += unrealized
		}
	}
	return st, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }
func (m *MemoryStore) Close() error                 { return nil }
