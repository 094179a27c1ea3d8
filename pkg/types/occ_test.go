package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEncodeOCC(t *testing.T) {
	cases := []struct {
		underlying string
		expiration string
		opt        OptionType
		strike     string
		want       string
	}{
		{"AAPL", "2026-03-20", OptionCall, "200", "AAPL  260320C00200000"},
		{"SPY", "2025-01-17", OptionPut, "480.5", "SPY   250117P00480500"},
		{"F", "2025-06-20", OptionCall, "12.5", "F     250620C00012500"},
		{"GOOGL", "2025-12-19", OptionPut, "150.125", "GOOGL 251219P00150125"},
	}

	for _, tc := range cases {
		strike, _ := decimal.NewFromString(tc.strike)
		got, err := EncodeOCC(tc.underlying, tc.expiration, tc.opt, strike)
		if err != nil {
			t.Fatalf("EncodeOCC(%s): %v", tc.underlying, err)
		}
		if got != tc.want {
			t.Errorf("EncodeOCC(%s) = %q, want %q", tc.underlying, got, tc.want)
		}
	}
}

func TestOCCRoundTrip(t *testing.T) {
	cases := []struct {
		underlying string
		expiration string
		opt        OptionType
		strike     string
	}{
		{"AAPL", "2026-03-20", OptionCall, "200"},
		{"SPY", "2025-01-10", OptionPut, "595.5"},
		{"TSLA", "2027-01-15", OptionCall, "1000.375"},
		{"X", "2025-02-21", OptionPut, "0.5"},
	}

	for _, tc := range cases {
		strike, _ := decimal.NewFromString(tc.strike)
		sym, err := EncodeOCC(tc.underlying, tc.expiration, tc.opt, strike)
		if err != nil {
			t.Fatalf("encode %s: %v", tc.underlying, err)
		}

		u, exp, opt, s, err := DecodeOCC(sym)
		if err != nil {
			t.Fatalf("decode %q: %v", sym, err)
		}
		if u != tc.underlying || exp != tc.expiration || opt != tc.opt {
			t.Errorf("round trip %q: got (%s, %s, %s)", sym, u, exp, opt)
		}
		if !s.Equal(strike) {
			t.Errorf("round trip %q: strike %s, want %s", sym, s, strike)
		}
	}
}

func TestDecodeOCCRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"AAPL260320C00200000",    // not padded
		"AAPL  260320X00200000",  // bad right
		"AAPL  269920C00200000",  // bad date
		"AAPL  260320C0020000",   // short strike
		"AAPL  260320C002000001", // too long
	}
	for _, sym := range bad {
		if _, _, _, _, err := DecodeOCC(sym); err == nil {
			t.Errorf("DecodeOCC(%q) should fail", sym)
		}
	}
}

func TestDeriveDirection(t *testing.T) {
	cases := []struct {
		action SignalAction
		opt    OptionType
		want   Direction
	}{
		{ActionBuy, OptionCall, DirectionBullish},
		{ActionSell, OptionPut, DirectionBullish},
		{ActionBuy, OptionPut, DirectionBearish},
		{ActionSell, OptionCall, DirectionBearish},
		{ActionClose, OptionCall, DirectionNeutral},
	}
	for _, tc := range cases {
		if got := DeriveDirection(tc.action, tc.opt); got != tc.want {
			t.Errorf("DeriveDirection(%s, %s) = %s, want %s", tc.action, tc.opt, got, tc.want)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderStatusPending, OrderStatusSubmitted, OrderStatusAccepted, OrderStatusPartialFill}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
