package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/broker"
	"github.com/tradeforge/options-engine/internal/decision"
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

const goodPayload = `{
	"source": "strat_engine_v6",
	"symbol": "SPY",
	"action": "BUY",
	"optionType": "CALL",
	"strike": 480,
	"expiration": "2026-10-16",
	"quantity": 1,
	"confidence": 85,
	"timestamp": "2026-08-24T14:30:00Z",
	"price": 3.00
}`

type pipelineFixture struct {
	pipeline *Pipeline
	store    *store.MemoryStore
	provider *marketdata.StaticProvider
}

func newPipeline(t *testing.T) *pipelineFixture {
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

	trackerCfg := regime.DefaultTrackerConfig()
	trackerCfg.FlipCooldown = 0
	trackerCfg.MinConsecutive = 1
	trackerCfg.MinConfidence = 0.5

	orch := decision.NewOrchestrator(logger, decision.DefaultOrchestratorConfig(), st, provider, adapter,
		signals.NewScorer(logger, signals.DefaultScorerConfig(), st),
		regime.NewTracker(logger, trackerCfg, st),
		signals.NewResolver(logger, signals.DefaultResolverConfig(), st),
		decision.NewContextEvaluator(logger, decision.DefaultContextConfig(), st),
		sizing.NewSizer(logger, st),
		manager, m, types.ModePaper)

	cfg := DefaultConfig()
	cfg.Async = false // decisions complete before Submit returns

	p := New(logger, cfg, st, provider,
		signals.NewNormalizer(logger),
		signals.NewValidator(logger, signals.DefaultValidatorConfig()),
		signals.NewDeduper(logger, signals.NewMemoryDedup(time.Hour), st, 60*time.Second),
		signals.NewQueue(logger, signals.DefaultQueueConfig()),
		orch, m)
	return &pipelineFixture{pipeline: p, store: st, provider: provider}
}

func (f *pipelineFixture) setMarket(session types.MarketSession) {
	f.provider.SetVIX(18)
	f.provider.SetSchedule(marketdata.MarketSchedule{IsOpen: true, Session: session, AsOf: time.Now()})
	f.provider.SetGEXBundle(marketdata.GEXBundle{
		Ticker:           "SPY",
		Regime:           types.RegimeTrendingUp,
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

// seedAgreement lets the lone test payload clear confluence.
func (f *pipelineFixture) seedAgreement(t *testing.T) {
	t.Helper()
	err := f.store.InsertSignal(context.Background(), &types.Signal{
		ID:         "prior-1",
		Source:     types.SourceUltimateOption,
		Symbol:     "SPY",
		Direction:  types.DirectionBullish,
		Action:     types.ActionBuy,
		Confidence: 90,
		Status:     types.SignalStatusCompleted,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
}

func (f *pipelineFixture) signalStatus(t *testing.T, id string) types.SignalStatus {
	t.Helper()
	sig, err := f.store.GetSignal(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	return sig.Status
}

func TestGoodSignalRunsToExecution(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionMorning)
	f.seedAgreement(t)

	receipt := f.pipeline.Submit(context.Background(), []byte(goodPayload))
	if receipt.Disposition != DispositionAccepted {
		t.Fatalf("disposition = %s (%s)", receipt.Disposition, receipt.Detail)
	}
	if got := f.signalStatus(t, receipt.SignalID); got != types.SignalStatusCompleted {
		t.Errorf("signal status = %s, want COMPLETED", got)
	}
	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Errorf("open positions = %d, want 1", len(open))
	}
}

func TestLoneSignalAcceptedThenRejectedByDecision(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionMorning)

	receipt := f.pipeline.Submit(context.Background(), []byte(goodPayload))
	if receipt.Disposition != DispositionAccepted {
		t.Fatalf("disposition = %s", receipt.Disposition)
	}
	if got := f.signalStatus(t, receipt.SignalID); got != types.SignalStatusRejected {
		t.Errorf("signal status = %s, want REJECTED", got)
	}
}

func TestMalformedPayloadRejectedUpFront(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionMorning)

	receipt := f.pipeline.Submit(context.Background(), []byte(`{"source": "strat_engine_v6"`))
	if receipt.Disposition != DispositionMalformed {
		t.Fatalf("disposition = %s", receipt.Disposition)
	}
	if receipt.SignalID != "" {
		t.Error("malformed payload produced a signal row")
	}
}

func TestLowConfidenceAcceptedInSession(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionMorning)

	payload := `{"source":"strat_engine_v6","symbol":"SPY","action":"BUY","optionType":"CALL",
		"strike":480,"expiration":"2026-10-16","confidence":40,"timestamp":"2026-08-24T14:30:00Z"}`
	receipt := f.pipeline.Submit(context.Background(), []byte(payload))
	if receipt.Disposition != DispositionAccepted {
		t.Fatalf("disposition = %s (%s), want ACCEPTED", receipt.Disposition, receipt.Detail)
	}
}

func TestLowConfidenceRejectedFromQueue(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionPreMarket)

	payload := `{"source":"strat_engine_v6","symbol":"SPY","action":"BUY","optionType":"CALL",
		"strike":480,"expiration":"2026-10-16","confidence":40,"timestamp":"2026-08-24T14:30:00Z"}`
	receipt := f.pipeline.Submit(context.Background(), []byte(payload))
	if receipt.Disposition != DispositionRejected {
		t.Fatalf("disposition = %s, want REJECTED out of session", receipt.Disposition)
	}
	if got := f.signalStatus(t, receipt.SignalID); got != types.SignalStatusRejected {
		t.Errorf("signal status = %s", got)
	}
}

func TestReplayedPayloadReportsDuplicate(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionMorning)
	f.seedAgreement(t)

	first := f.pipeline.Submit(context.Background(), []byte(goodPayload))
	if first.Disposition != DispositionAccepted {
		t.Fatalf("first disposition = %s", first.Disposition)
	}
	second := f.pipeline.Submit(context.Background(), []byte(goodPayload))
	if second.Disposition != DispositionDuplicate {
		t.Fatalf("second disposition = %s", second.Disposition)
	}
	if second.SignalID != first.SignalID {
		t.Errorf("duplicate signal id = %s, want the original %s", second.SignalID, first.SignalID)
	}
	open, _ := f.store.OpenPositions(context.Background())
	if len(open) != 1 {
		t.Errorf("duplicate opened a second position: %d", len(open))
	}
}

func TestOutOfSessionSignalQueuedThenDrained(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionPreMarket)
	f.seedAgreement(t)

	receipt := f.pipeline.Submit(context.Background(), []byte(goodPayload))
	if receipt.Disposition != DispositionQueued {
		t.Fatalf("disposition = %s (%s)", receipt.Disposition, receipt.Detail)
	}
	if got := f.signalStatus(t, receipt.SignalID); got != types.SignalStatusValidated {
		t.Errorf("queued signal status = %s, want VALIDATED", got)
	}

	// Nothing drains while the market is shut.
	if n := f.pipeline.DrainQueue(context.Background()); n != 0 {
		t.Fatalf("drained %d signals pre-market", n)
	}

	f.setMarket(types.SessionMorning)
	if n := f.pipeline.DrainQueue(context.Background()); n != 1 {
		t.Fatalf("drained %d signals at the open, want 1", n)
	}
	if got := f.signalStatus(t, receipt.SignalID); got != types.SignalStatusCompleted {
		t.Errorf("drained signal status = %s, want COMPLETED", got)
	}
}

func TestOneBadSignalDoesNotBlockTheNext(t *testing.T) {
	f := newPipeline(t)
	f.setMarket(types.SessionMorning)
	f.seedAgreement(t)

	if r := f.pipeline.Submit(context.Background(), []byte(`not json`)); r.Disposition != DispositionMalformed {
		t.Fatalf("bad payload disposition = %s", r.Disposition)
	}
	if r := f.pipeline.Submit(context.Background(), []byte(goodPayload)); r.Disposition != DispositionAccepted {
		t.Fatalf("good payload disposition = %s (%s)", r.Disposition, r.Detail)
	}
}
