package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/tradeforge/options-engine/internal/pipeline"
	"github.com/tradeforge/options-engine/internal/positions"
	"github.com/tradeforge/options-engine/internal/regime"
	"github.com/tradeforge/options-engine/internal/signals"
	"github.com/tradeforge/options-engine/internal/sizing"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/internal/workers"
	"github.com/tradeforge/options-engine/pkg/types"
)

const (
	testHMACSecret = "webhook-secret"
	testAPIToken   = "reader-token"
)

const webhookPayload = `{
	"source": "strat_engine_v6",
	"symbol": "SPY",
	"action": "BUY",
	"optionType": "CALL",
	"strike": 480,
	"expiration": "2026-10-16",
	"confidence": 85,
	"timestamp": "2026-08-24T14:30:00Z"
}`

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	provider := marketdata.NewStaticProvider()

	provider.SetVIX(18)
	provider.SetSchedule(marketdata.MarketSchedule{IsOpen: true, Session: types.SessionMorning, AsOf: time.Now()})
	provider.SetGEXBundle(marketdata.GEXBundle{
		Ticker: "SPY", Regime: types.RegimeTrendingUp, RegimeConfidence: 0.9,
		DealerPosition: types.DealerLongGamma,
	})
	mid := decimal.NewFromFloat(3.00)
	occ, _ := types.EncodeOCC("SPY", "2026-10-16", types.OptionCall, decimal.NewFromInt(480))
	provider.SetOptionQuote(marketdata.OptionQuote{Symbol: occ, Bid: mid, Ask: mid, Last: mid})

	adapter := broker.NewPaperAdapter(logger, broker.DefaultPaperConfig(), func(ctx context.Context, sym string) (decimal.Decimal, error) {
		q, err := provider.GetOptionQuote(ctx, sym)
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

	orch := decision.NewOrchestrator(logger, decision.DefaultOrchestratorConfig(), st, provider, adapter,
		signals.NewScorer(logger, signals.DefaultScorerConfig(), st),
		regime.NewTracker(logger, trackerCfg, st),
		signals.NewResolver(logger, signals.DefaultResolverConfig(), st),
		decision.NewContextEvaluator(logger, decision.DefaultContextConfig(), st),
		sizing.NewSizer(logger, st),
		manager, m, types.ModePaper)

	plCfg := pipeline.DefaultConfig()
	plCfg.Async = false
	pl := pipeline.New(logger, plCfg, st, provider,
		signals.NewNormalizer(logger),
		signals.NewValidator(logger, signals.DefaultValidatorConfig()),
		signals.NewDeduper(logger, signals.NewMemoryDedup(time.Hour), st, 60*time.Second),
		signals.NewQueue(logger, signals.DefaultQueueConfig()),
		orch, m)

	hub := NewHub(logger)
	done := make(chan struct{})
	go hub.Run(done)
	t.Cleanup(func() { close(done) })

	poller := broker.NewPoller(logger, broker.DefaultPollerConfig(), st, adapter,
		func(ctx context.Context, order *types.Order, trades []types.Trade) {
			if err := manager.ApplyFill(ctx, order, trades); err != nil {
				t.Errorf("ApplyFill: %v", err)
			}
		})

	selection := broker.Selection{Adapter: adapter, Mode: types.ModePaper, FellBackPaper: true}
	srv := NewServer(logger, DefaultServerConfig(), st, pl, manager, poller, selection, m, hub,
		testHMACSecret, "jwt-secret", testAPIToken)
	return srv, st
}

func sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(testHMACSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAcceptsSignedPayload(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookPayload))
	req.Header.Set("X-Webhook-Signature", "sha256="+sign(webhookPayload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var receipt pipeline.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decoding receipt: %v", err)
	}
	if receipt.Disposition != pipeline.DispositionAccepted || receipt.TrackingID == "" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestWebhookAcceptsLegacySignatureHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, header := range []string{"X-Signature", "X-Hub-Signature-256"} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookPayload))
		req.Header.Set(header, sign(webhookPayload))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, body = %s", header, rec.Code, rec.Body.String())
		}
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, st := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookPayload))
	req.Header.Set("X-Webhook-Signature", sign(webhookPayload+"tampered"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	sigs, _ := st.ListSignals(context.Background(), 10)
	if len(sigs) != 0 {
		t.Error("unauthenticated payload reached the store")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookPayload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"source": "strat`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Signature", sign(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookReportsDuplicatesWithOriginalID(t *testing.T) {
	srv, _ := newTestServer(t)
	var receipts []pipeline.Receipt
	for i, want := range []pipeline.Disposition{pipeline.DispositionAccepted, pipeline.DispositionDuplicate} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookPayload))
		req.Header.Set("X-Webhook-Signature", sign(webhookPayload))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		var receipt pipeline.Receipt
		if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
			t.Fatalf("decoding receipt %d: %v", i, err)
		}
		if receipt.Disposition != want {
			t.Errorf("submit %d disposition = %s, want %s", i, receipt.Disposition, want)
		}
		receipts = append(receipts, receipt)
	}
	if receipts[1].SignalID != receipts[0].SignalID {
		t.Errorf("duplicate signal id = %s, want the original %s", receipts[1].SignalID, receipts[0].SignalID)
	}
}

func TestPaperTradingSweepEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/paper-trading", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	if _, ok := body["executed"].(float64); !ok {
		t.Errorf("executed missing from %v", body)
	}
	if _, ok := body["message"].(string); !ok {
		t.Errorf("message missing from %v", body)
	}
}

func TestReadEndpointsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/positions", "/orders", "/trades", "/signals", "/risk-limits", "/risk-violations", "/stats"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, rec.Code)
		}
	}
}

func TestReadEndpointsAcceptAPIToken(t *testing.T) {
	srv, st := newTestServer(t)
	seedPosition(t, st)

	req := httptest.NewRequest(http.MethodGet, "/positions?open=true", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list []types.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(list) != 1 || list[0].Underlying != "SPY" {
		t.Errorf("positions = %+v", list)
	}
}

func TestHealthReportsStatusShape(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["status"] != "healthy" || body["mode"] != string(types.ModePaper) {
		t.Errorf("health = %v", body)
	}
	if body["version"] != Version {
		t.Errorf("version = %v, want %s", body["version"], Version)
	}
	if _, ok := body["uptime_ms"].(float64); !ok {
		t.Errorf("uptime_ms missing from %v", body)
	}
	db, ok := body["database"].(map[string]any)
	if !ok || db["connected"] != true {
		t.Errorf("database = %v, want connected true", body["database"])
	}
	if _, ok := body["last_activity"]; !ok {
		t.Errorf("last_activity missing from %v", body)
	}
}

func TestRefreshPositionsReportsExitCount(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/refresh-positions", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["status"] != "refreshed" {
		t.Errorf("status = %v", body["status"])
	}
	if _, ok := body["exit_signals_count"].(float64); !ok {
		t.Errorf("exit_signals_count missing from %v", body)
	}
}

func seedPosition(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	entry := decimal.NewFromFloat(3.00)
	err := st.InsertPosition(context.Background(), &types.Position{
		ID:            "p1",
		Symbol:        "SPY   261016C00480000",
		Underlying:    "SPY",
		OptionType:    types.OptionCall,
		Quantity:      1,
		AvgOpenPrice:  entry,
		CurrentPrice:  entry,
		HighWaterMark: decimal.Zero,
		OpenedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
}
