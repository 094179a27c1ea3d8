// Package signals implements the inbound signal pipeline stages: payload
// normalization, fingerprint deduplication, validation, the out-of-session
// queue, confluence scoring, and conflict resolution.
package signals

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

// FieldError is a single field-level normalization failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NormalizeError aggregates every field failure so the caller can report
// them all at once instead of one per retry.
type NormalizeError struct {
	Fields []FieldError
}

func (e *NormalizeError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "normalize: " + strings.Join(parts, "; ")
}

// Normalizer converts raw webhook payloads from any supported vendor shape
// into the canonical signal.
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger.Named("normalizer")}
}

// Normalize parses raw into a canonical signal. receivedAt anchors the
// fingerprint when the payload has no timestamp of its own.
func (n *Normalizer) Normalize(raw []byte, receivedAt time.Time) (*types.Signal, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &NormalizeError{Fields: []FieldError{{Field: "body", Message: "invalid JSON: " + err.Error()}}}
	}

	var errs []FieldError

	source := types.SignalSource(strings.ToLower(firstString(payload, "source", "indicator", "alert_source")))
	if source == "" {
		source = types.SourceTradingView
	}

	symbol := normalizeSymbol(firstString(payload, "symbol", "ticker", "underlying"))
	if symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "missing"})
	}

	action, err := normalizeAction(firstString(payload, "action", "side", "signal"))
	if err != nil {
		errs = append(errs, FieldError{Field: "action", Message: err.Error()})
	}

	optType, err := normalizeOptionType(
		firstString(payload, "optionType", "option_type", "right", "contract_type"),
		firstString(payload, "sentiment", "bias"),
		action,
	)
	if err != nil && action != types.ActionClose {
		errs = append(errs, FieldError{Field: "optionType", Message: err.Error()})
	}

	var strike decimal.Decimal
	if raw, ok := firstValue(payload, "strike", "strike_price"); ok {
		strike, err = toDecimal(raw)
		if err != nil {
			errs = append(errs, FieldError{Field: "strike", Message: err.Error()})
		}
	} else if action != types.ActionClose {
		errs = append(errs, FieldError{Field: "strike", Message: "missing"})
	}

	expiration := ""
	if s := firstString(payload, "expiration", "expiry", "exp"); s != "" {
		expiration, err = normalizeExpiration(s)
		if err != nil {
			errs = append(errs, FieldError{Field: "expiration", Message: err.Error()})
		}
	} else if action != types.ActionClose {
		errs = append(errs, FieldError{Field: "expiration", Message: "missing"})
	}

	quantity := 1
	if raw, ok := firstValue(payload, "quantity", "contracts", "qty"); ok {
		q, err := toInt(raw)
		if err != nil || q <= 0 {
			errs = append(errs, FieldError{Field: "quantity", Message: "must be a positive integer"})
		} else {
			quantity = q
		}
	}

	confidence := 50.0
	if raw, ok := firstValue(payload, "confidence", "score", "strength"); ok {
		c, err := toFloat(raw)
		if err != nil {
			errs = append(errs, FieldError{Field: "confidence", Message: err.Error()})
		} else {
			// Vendors disagree on scale; treat values at or below 1 as a ratio.
			if c > 0 && c <= 1 {
				c *= 100
			}
			if c < 0 || c > 100 {
				errs = append(errs, FieldError{Field: "confidence", Message: fmt.Sprintf("out of range: %v", c)})
			} else {
				confidence = c
			}
		}
	}

	ts := receivedAt
	if raw, ok := firstValue(payload, "timestamp", "time", "bar_time"); ok {
		parsed, err := normalizeTimestamp(raw)
		if err != nil {
			errs = append(errs, FieldError{Field: "timestamp", Message: err.Error()})
		} else {
			ts = parsed
		}
	}

	if len(errs) > 0 {
		n.logger.Warn("signal normalization failed",
			zap.String("source", string(source)),
			zap.String("symbol", symbol),
			zap.Int("fieldErrors", len(errs)),
		)
		return nil, &NormalizeError{Fields: errs}
	}

	direction := types.DeriveDirection(action, optType)

	sig := &types.Signal{
		ID:           uuid.New().String(),
		Source:       source,
		Symbol:       symbol,
		Direction:    direction,
		Action:       action,
		Strike:       strike,
		Expiration:   expiration,
		OptionType:   optType,
		Timeframe:    firstString(payload, "timeframe", "interval"),
		Quantity:     quantity,
		Confidence:   confidence,
		StrategyType: firstString(payload, "strategy", "strategy_type"),
		RawPayload:   raw,
		Metadata:     payload,
		Status:       types.SignalStatusPending,
		CreatedAt:    receivedAt,
		UpdatedAt:    receivedAt,
	}
	sig.Fingerprint = Fingerprint(source, symbol, ts, direction)
	return sig, nil
}

// normalizeSymbol strips exchange prefixes ("NASDAQ:AAPL") and continuous
// futures suffixes ("ES1!") and uppercases the result.
func normalizeSymbol(s string) string {
	s = strings.TrimSpace(strings.ToUpper(s))
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, "1!")
	s = strings.TrimSuffix(s, "!")
	return s
}

func normalizeAction(s string) (types.SignalAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return types.ActionBuy, nil
	case "SELL", "SHORT":
		return types.ActionSell, nil
	case "CLOSE", "EXIT", "FLATTEN":
		return types.ActionClose, nil
	case "":
		return "", fmt.Errorf("missing")
	}
	return "", fmt.Errorf("unrecognized action %q", s)
}

// normalizeOptionType resolves the contract right, falling back to the
// payload's sentiment when the right is not explicit.
func normalizeOptionType(right, sentiment string, action types.SignalAction) (types.OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(right)) {
	case "CALL", "C":
		return types.OptionCall, nil
	case "PUT", "P":
		return types.OptionPut, nil
	case "":
	default:
		return "", fmt.Errorf("unrecognized option type %q", right)
	}

	bullish := strings.EqualFold(sentiment, "bullish") || strings.EqualFold(sentiment, "bull")
	bearish := strings.EqualFold(sentiment, "bearish") || strings.EqualFold(sentiment, "bear")
	switch {
	case bullish && action == types.ActionBuy, bearish && action == types.ActionSell:
		return types.OptionCall, nil
	case bearish && action == types.ActionBuy, bullish && action == types.ActionSell:
		return types.OptionPut, nil
	}
	return "", fmt.Errorf("missing")
}

// normalizeExpiration accepts YYYY-MM-DD, MM/DD/YYYY, and YYMMDD and
// returns the canonical YYYY-MM-DD form. Two-digit years at or below 50
// resolve to 20xx.
func normalizeExpiration(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	if len(s) == 6 {
		if _, err := time.Parse("060102", s); err == nil {
			yy, _ := strconv.Atoi(s[:2])
			century := 2000
			if yy > 50 {
				century = 1900
			}
			return fmt.Sprintf("%d-%s-%s", century+yy, s[2:4], s[4:6]), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

func normalizeTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return unixTime(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
	case float64:
		return unixTime(int64(v)), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return unixTime(n), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp type %T", raw)
}

// unixTime treats values above 1e12 as milliseconds.
func unixTime(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func firstString(payload map[string]any, keys ...string) string {
	if v, ok := firstValue(payload, keys...); ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstValue(payload map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case json.Number:
		return decimal.NewFromString(v.String())
	}
	return decimal.Zero, fmt.Errorf("unrecognized number type %T", raw)
}

func toFloat(raw any) (float64, error) {
	d, err := toDecimal(raw)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

func toInt(raw any) (int, error) {
	d, err := toDecimal(raw)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("not an integer: %s", d)
	}
	return int(d.IntPart()), nil
}
