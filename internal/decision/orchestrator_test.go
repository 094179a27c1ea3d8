package decision

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/broker"
	"github.com/tradeforge/options-engine/internal/exits"
	"github.com/tradeforge/options-engine/internal/marketdata"
	"github.com/tradeforge/options-engine/internal/metrics"
	"github.com/tradeforge/options-engine/internal/positions"
	"github.com/tradeforge/options-engine/internal/regime"
	"github.com/tradeforge/options-engine/internal/signals"
	"github.com/tradeforge/options-engine/internal/sizing"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/internal/workers"
	"github.com/tradeforge/options-engine/pkg/types"
)

type chainFixture struct {
	orch     *Orchestrator
	store    *store.MemoryStore
	provider *marketdata.StaticProvider
	manager  *positions.Manager
	metrics  *metrics.Metrics
}

// newChain builds the full decision chain over the in-memory store and a
// deterministic paper broker. The regime tracker is configured permissive;
// the cooldown path gets its own fixture.
func newChain(t *testing.T, trackerCfg regime.TrackerConfig) *chainFixture {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	provider := marketdata.NewStaticProvider()

	adapter := broker.NewPaperAdapter(logger, broker.DefaultPaperConfig(), func(ctx context.Context, occ string) (decimal.Decimal, error) {
		q, err := provider.GetOptionQuote(ctx, occ)
		if err != nil {
			return decimal.Zero, err
		}
		return q.Mid(), nil
	})

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("test"))
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	m := metrics.New(prometheus.NewRegistry())

	mgrCfg := positions.DefaultManagerConfig()
	mgrCfg.CloseSpacing = 0
	manager := positions.NewManager(logger, mgrCfg, st, provider, adapter,
		exits.NewEngine(logger, exits.DefaultEngineConfig()), pool, nil, m, types.ModePaper)

	orch := NewOrchestrator(logger, DefaultOrchestratorConfig(), st, provider, adapter,
		signals.NewScorer(logger, signals.DefaultScorerConfig(), st),
		regime.NewTracker(logger, trackerCfg, st),
		signals.NewResolver(logger, signals.DefaultResolverConfig(), st),
		NewContextEvaluator(logger, DefaultContextConfig(), st),
		sizing.NewSizer(logger, st),
		manager, m, types.ModePaper)

	return &chainFixture{orch: orch, store: st, provider: provider, manager: manager, metrics: m}
}

// permissiveTracker skips the flip cooldown so single-observation tests can
// trade immediately.
func permissiveTracker() regime.TrackerConfig {
	cfg := regime.DefaultTrackerConfig()
	cfg.FlipCooldown = 0
	cfg.MinConsecutive = 1
	cfg.MinConfidence = 0.5
	return cfg
}

func (f *chainFixture) setMarket(vix float64, session types.MarketSession, rg types.Regime) {
	f.provider.SetVIX(vix)
	f.provider.SetSchedule(marketdata.MarketSchedule{IsOpen: true, Session: session, AsOf: time.Now()})
	f.provider.SetGEXBundle(marketdata.GEXBundle{
		Ticker:           "SPY",
		Regime:           rg,
		RegimeConfidence: 0.9,
		DealerPosition:   types.DealerLongGamma,
	})
	mid := decimal.NewFromFloat(3.00)
	occ, _ := types.EncodeOCC("SPY", "2026-10-16", types.OptionCall, decimal.NewFromInt(480))
	f.provider.SetOptionQuote(marketdata.OptionQuote{
		Symbol: occ,
		Bid:    mid.Sub(decimal.NewFromFloat(0.02)),
		Ask:    mid.Add(decimal.NewFromFloat(0.02)),
		Last:   mid,
		Greeks: types.Greeks{Delta: 0.45, IV: 0.25},
	})
}

func entrySignal(id string, source types.SignalSource) *types.Signal {
	return &types.Signal{
		ID:         id,
		Source:     source,
		Symbol:     "SPY",
		Direction:  types.DirectionBullish,
		Action:     types.ActionBuy,
		Strike:     decimal.NewFromInt(480),
		Expiration: "2026-10-16",
		OptionType: types.OptionCall,
		Confidence: 85,
		Status:     types.SignalStatusProcessing,
		CreatedAt:  time.Now(),
	}
}

// seedAgreement inserts a completed bullish signal from a primary source so
// confluence clears its two-source floor.
func (f *chainFixture) seedAgreement(t *testing.T) {
	t.Helper()
	prior := entrySignal("prior-1", types.SourceUltimateOption)
	prior.Status = types.SignalStatusCompleted
	if err := f.store.InsertSignal(context.Background(), prior); err != nil {
		t.Fatalf("seeding: %v", err)
	}
}

func (f *chainFixture) decide(t *testing.T, sig *types.Signal) *Result {
	t.Helper()
	if err := f.store.InsertSignal(context.Background(), sig); err != nil {
		t.Fatalf("inserting signal: %v", err)
	}
	res, err := f.orch.Decide(context.Background(), sig)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	return res
}

func TestEntryExecutesThroughFullChain(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictExecuted {
		t.Fatalf("verdict = %s (%s: %s)", res.Verdict, res.RejectCode, res.RejectReason)
	}
	if res.OrderID == "" || res.Quantity < 1 {
		t.Errorf("result = %+v", res)
	}

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != types.OrderStatusFilled {
		t.Errorf("order status = %s, want FILLED", order.Status)
	}
	if order.Side != types.SideBuyToOpen {
		t.Errorf("side = %s", order.Side)
	}

	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	if open[0].Quantity != res.Quantity {
		t.Errorf("position quantity = %d, want %d", open[0].Quantity, res.Quantity)
	}
	if len(f.store.AdapterLogs()) == 0 {
		t.Error("execution left no adapter log")
	}
}

func TestExecutionMovesOrderCounters(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictExecuted {
		t.Fatalf("verdict = %s (%s)", res.Verdict, res.RejectReason)
	}
	if got := testutil.ToFloat64(f.metrics.OrdersSubmitted.WithLabelValues("paper")); got != 1 {
		t.Errorf("orders submitted = %.0f, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.OrdersFilled); got != 1 {
		t.Errorf("orders filled = %.0f, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.OrdersRejected); got != 0 {
		t.Errorf("orders rejected = %.0f, want 0", got)
	}
	if _, err := f.manager.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.PositionsOpen); got != 1 {
		t.Errorf("open positions gauge = %.0f, want 1", got)
	}
}

func TestSellSignalOpensShortPosition(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingDown)

	prior := entrySignal("prior-1", types.SourceUltimateOption)
	prior.Direction = types.DirectionBearish
	prior.Action = types.ActionSell
	prior.Status = types.SignalStatusCompleted
	if err := f.store.InsertSignal(context.Background(), prior); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	sig := entrySignal("sig-1", types.SourceStratEngineV6)
	sig.Direction = types.DirectionBearish
	sig.Action = types.ActionSell
	res := f.decide(t, sig)
	if res.Verdict != VerdictExecuted {
		t.Fatalf("verdict = %s (%s: %s)", res.Verdict, res.RejectCode, res.RejectReason)
	}

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Side != types.SideSellToOpen {
		t.Errorf("side = %s, want SELL_TO_OPEN", order.Side)
	}
	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	if open[0].Quantity != -res.Quantity {
		t.Errorf("position quantity = %d, want short %d", open[0].Quantity, -res.Quantity)
	}
}

func TestVIXOutageShadesInsteadOfRejecting(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)
	f.provider.SetVIXError(context.DeadlineExceeded)

	sig := entrySignal("sig-1", types.SourceStratEngineV6)
	sig.Confidence = 95
	res := f.decide(t, sig)
	if res.Verdict != VerdictExecuted {
		t.Fatalf("verdict = %s (%s: %s), want executed on a degraded feed", res.Verdict, res.RejectCode, res.RejectReason)
	}
	if res.Context == nil || res.Context.ConfidenceDelta != -10 {
		t.Errorf("context = %+v, want a -10 stale-feed shade", res.Context)
	}
}

func TestScheduleOutageAssumesOpen(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)
	f.provider.SetScheduleError(context.DeadlineExceeded)

	sig := entrySignal("sig-1", types.SourceStratEngineV6)
	sig.Confidence = 95
	res := f.decide(t, sig)
	if res.Verdict != VerdictExecuted {
		t.Fatalf("verdict = %s (%s: %s), want executed when the calendar is down", res.Verdict, res.RejectCode, res.RejectReason)
	}
}

func TestPositioningOutageBlocksEntry(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)
	f.provider.SetGEXError(context.DeadlineExceeded)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected || res.RejectCode != RejectRegimeUnstable {
		t.Fatalf("result = %+v, want REGIME_UNSTABLE without positioning", res)
	}
	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 0 {
		t.Error("position opened without dealer positioning")
	}
}

func TestPayloadPriceHintBecomesLimitOrder(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)

	sig := entrySignal("sig-1", types.SourceStratEngineV6)
	sig.Metadata = map[string]any{"entryPriceHint": 2.90}
	res := f.decide(t, sig)
	if res.Verdict != VerdictExecuted {
		t.Fatalf("verdict = %s (%s: %s)", res.Verdict, res.RejectCode, res.RejectReason)
	}

	order, err := f.store.GetOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.OrderType != types.OrderLimit {
		t.Fatalf("order type = %s, want LIMIT from the price hint", order.OrderType)
	}
	if !order.LimitPrice.Equal(decimal.NewFromFloat(2.90)) {
		t.Errorf("limit = %s, want 2.90", order.LimitPrice)
	}
	// A buy limit below the mid rests instead of filling.
	if order.Status != types.OrderStatusSubmitted {
		t.Errorf("status = %s, want SUBMITTED while resting", order.Status)
	}
}

func TestLoneSignalRejectedByConfluence(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected || res.RejectCode != RejectConfluence {
		t.Fatalf("result = %+v", res)
	}
	violations, _ := f.store.ListRiskViolations(context.Background(), 10)
	if len(violations) != 1 || violations[0].RuleName != RejectConfluence {
		t.Errorf("violations = %+v", violations)
	}
}

func TestFreshRegimeFlipBlocksEntry(t *testing.T) {
	f := newChain(t, regime.DefaultTrackerConfig()) // 15 minute cooldown
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected || res.RejectCode != RejectRegimeUnstable {
		t.Fatalf("result = %+v", res)
	}
	if res.Regime == nil || res.Regime.CanTrade {
		t.Errorf("regime observation = %+v", res.Regime)
	}
}

func TestOpposingPrimariesRejectedAsConflict(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)

	// Two bearish primaries outweigh the bullish candidate and its one ally:
	// against 1.5 + 1.4 = 2.9, for 1.4 + 1.6 = 3.0 keeps it alive, so pile
	// on a third dissenter to flip the balance.
	for i, src := range []types.SignalSource{types.SourceMTFTrendDots, types.SourceTwelveTechnical, types.SourceORBStretch} {
		bear := entrySignal("bear-"+string(rune('a'+i)), src)
		bear.Direction = types.DirectionBearish
		bear.Status = types.SignalStatusCompleted
		if err := f.store.InsertSignal(context.Background(), bear); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected {
		t.Fatalf("verdict = %s", res.Verdict)
	}
	// Either stage may catch it depending on weights; both are conflicts.
	if res.RejectCode != RejectConflict && res.RejectCode != RejectConfluence {
		t.Errorf("code = %s", res.RejectCode)
	}
}

func TestVIXLimitHardRejects(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(40, types.SessionMorning, types.RegimeTrendingUp) // above the seeded 35 cap
	f.seedAgreement(t)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected || res.RejectCode != RejectVIXLimit {
		t.Fatalf("result = %+v", res)
	}
}

func TestPositionLimitHardRejects(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)

	limits, _ := f.store.GetRiskLimits(context.Background())
	limits.MaxOpenPositions = 1
	f.store.SetRiskLimits(*limits)
	seedOpenPosition(t, f.store, "held-1")

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected || res.RejectCode != RejectPositionLimit {
		t.Fatalf("result = %+v", res)
	}
}

func TestMarketDataOutageRejectsWithoutExecuting(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)
	f.seedAgreement(t)
	f.provider.SetQuoteError(context.DeadlineExceeded)

	res := f.decide(t, entrySignal("sig-1", types.SourceStratEngineV6))
	if res.Verdict != VerdictRejected || res.RejectCode != RejectMarketData {
		t.Fatalf("result = %+v", res)
	}
	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 0 {
		t.Error("position opened during a data outage")
	}
}

func TestCloseSignalUnwindsPositionsOnUnderlying(t *testing.T) {
	f := newChain(t, permissiveTracker())
	f.setMarket(18, types.SessionMorning, types.RegimeTrendingUp)

	occ, _ := types.EncodeOCC("SPY", "2026-10-16", types.OptionCall, decimal.NewFromInt(480))
	seedOpenPositionWithSymbol(t, f.store, "held-1", occ, "SPY")

	sig := entrySignal("sig-close", types.SourceStratEngineV6)
	sig.Action = types.ActionClose
	res := f.decide(t, sig)
	if res.Verdict != VerdictClosed || res.Quantity != 1 {
		t.Fatalf("result = %+v", res)
	}
	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 0 {
		t.Errorf("positions left open = %d", len(open))
	}
}

func TestCloseSignalWithNothingOpenIsNoOp(t *testing.T) {
	f := newChain(t, permissiveTracker())
	sig := entrySignal("sig-close", types.SourceStratEngineV6)
	sig.Action = types.ActionClose
	res := f.decide(t, sig)
	if res.Verdict != VerdictNoOp {
		t.Fatalf("verdict = %s", res.Verdict)
	}
}

func seedOpenPosition(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	seedOpenPositionWithSymbol(t, st, id, "QQQ   261016C00420000", "QQQ")
}

func seedOpenPositionWithSymbol(t *testing.T, st *store.MemoryStore, id, occ, underlying string) {
	t.Helper()
	entry := decimal.NewFromFloat(3.00)
	err := st.InsertPosition(context.Background(), &types.Position{
		ID:            id,
		Symbol:        occ,
		Underlying:    underlying,
		OptionType:    types.OptionCall,
		Quantity:      1,
		AvgOpenPrice:  entry,
		TotalCost:     entry.Mul(decimal.NewFromInt(100)),
		CurrentPrice:  entry,
		HighWaterMark: decimal.Zero,
		OpenedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding position: %v", err)
	}
}
