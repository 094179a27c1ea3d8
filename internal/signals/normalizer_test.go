package signals

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

func normalize(t *testing.T, payload string) *types.Signal {
	t.Helper()
	sig, err := NewNormalizer(zap.NewNop()).Normalize([]byte(payload), time.Now())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return sig
}

func TestNormalizeCanonicalPayload(t *testing.T) {
	sig := normalize(t, `{
		"source": "ultimate-option",
		"symbol": "AAPL",
		"action": "BUY",
		"optionType": "CALL",
		"strike": 200,
		"expiration": "2026-03-20",
		"timeframe": "5m",
		"confidence": 85,
		"timestamp": "2026-03-02T14:30:00Z"
	}`)

	if sig.Source != types.SourceUltimateOption {
		t.Errorf("source = %s", sig.Source)
	}
	if sig.Symbol != "AAPL" {
		t.Errorf("symbol = %s", sig.Symbol)
	}
	if sig.Action != types.ActionBuy {
		t.Errorf("action = %s", sig.Action)
	}
	if sig.Direction != types.DirectionBullish {
		t.Errorf("direction = %s", sig.Direction)
	}
	if !sig.Strike.Equal(decimal.NewFromInt(200)) {
		t.Errorf("strike = %s", sig.Strike)
	}
	if sig.Expiration != "2026-03-20" {
		t.Errorf("expiration = %s", sig.Expiration)
	}
	if sig.Confidence != 85 {
		t.Errorf("confidence = %v", sig.Confidence)
	}
	if sig.Quantity != 1 {
		t.Errorf("quantity = %d, want default 1", sig.Quantity)
	}
	if sig.Fingerprint == "" {
		t.Error("fingerprint not set")
	}
	if sig.Status != types.SignalStatusPending {
		t.Errorf("status = %s", sig.Status)
	}
}

func TestNormalizeVendorAliases(t *testing.T) {
	sig := normalize(t, `{
		"indicator": "mtf-trend-dots",
		"ticker": "NASDAQ:TSLA",
		"signal": "LONG",
		"sentiment": "bullish",
		"strike_price": "430.5",
		"expiry": "03/20/2026",
		"contracts": 2,
		"score": 0.9
	}`)

	if sig.Source != types.SourceMTFTrendDots {
		t.Errorf("source = %s", sig.Source)
	}
	if sig.Symbol != "TSLA" {
		t.Errorf("exchange prefix not stripped: %s", sig.Symbol)
	}
	if sig.Action != types.ActionBuy {
		t.Errorf("LONG not mapped to BUY: %s", sig.Action)
	}
	if sig.OptionType != types.OptionCall {
		t.Errorf("bullish sentiment should infer CALL: %s", sig.OptionType)
	}
	if sig.Expiration != "2026-03-20" {
		t.Errorf("US date not normalized: %s", sig.Expiration)
	}
	if sig.Quantity != 2 {
		t.Errorf("quantity = %d", sig.Quantity)
	}
	if sig.Confidence != 90 {
		t.Errorf("ratio confidence not rescaled: %v", sig.Confidence)
	}
}

func TestNormalizeActionSynonyms(t *testing.T) {
	cases := map[string]types.SignalAction{
		"LONG":    types.ActionBuy,
		"SHORT":   types.ActionSell,
		"EXIT":    types.ActionClose,
		"FLATTEN": types.ActionClose,
		"close":   types.ActionClose,
	}
	for raw, want := range cases {
		got, err := normalizeAction(raw)
		if err != nil {
			t.Errorf("normalizeAction(%q): %v", raw, err)
			continue
		}
		if got != want {
			t.Errorf("normalizeAction(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNormalizeCompactExpiration(t *testing.T) {
	sig := normalize(t, `{
		"source": "strat_engine_v6",
		"symbol": "SPY",
		"action": "SELL",
		"optionType": "PUT",
		"strike": 480,
		"expiration": "260320"
	}`)
	if sig.Expiration != "2026-03-20" {
		t.Errorf("compact date = %s, want 2026-03-20", sig.Expiration)
	}
	if sig.Direction != types.DirectionBullish {
		t.Errorf("SELL PUT direction = %s, want BULLISH", sig.Direction)
	}
}

func TestNormalizeCollectsAllFieldErrors(t *testing.T) {
	_, err := NewNormalizer(zap.NewNop()).Normalize([]byte(`{
		"source": "tradingview",
		"action": "HOLD",
		"strike": "not-a-number"
	}`), time.Now())
	if err == nil {
		t.Fatal("expected normalization failure")
	}
	var nerr *NormalizeError
	if !errors.As(err, &nerr) {
		t.Fatalf("error type = %T", err)
	}
	fields := map[string]bool{}
	for _, f := range nerr.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"symbol", "action", "strike"} {
		if !fields[want] {
			t.Errorf("missing field error for %q (got %v)", want, nerr.Fields)
		}
	}
}

func TestNormalizeCloseNeedsNoContractFields(t *testing.T) {
	sig := normalize(t, `{"source": "saty-phase", "symbol": "SPY", "action": "EXIT"}`)
	if sig.Action != types.ActionClose {
		t.Errorf("action = %s", sig.Action)
	}
}

func TestNormalizeRejectsInvalidJSON(t *testing.T) {
	if _, err := NewNormalizer(zap.NewNop()).Normalize([]byte(`{broken`), time.Now()); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestUnixTimestampVariants(t *testing.T) {
	secs, err := normalizeTimestamp(float64(1767355800))
	if err != nil {
		t.Fatalf("seconds: %v", err)
	}
	millis, err := normalizeTimestamp(float64(1767355800000))
	if err != nil {
		t.Fatalf("millis: %v", err)
	}
	if !secs.Equal(millis) {
		t.Errorf("seconds %s != millis %s", secs, millis)
	}
}
