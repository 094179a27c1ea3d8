package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OCC symbol layout: 6-char space-padded underlying, YYMMDD expiration,
// C or P, 8-digit strike in thousandths of a dollar.
const occSymbolLen = 21

// EncodeOCC builds the canonical OCC option symbol.
func EncodeOCC(underlying, expiration string, opt OptionType, strike decimal.Decimal) (string, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" || len(underlying) > 6 {
		return "", fmt.Errorf("occ: invalid underlying %q", underlying)
	}

	exp, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return "", fmt.Errorf("occ: invalid expiration %q: %w", expiration, err)
	}

	right := "C"
	if opt == OptionPut {
		right = "P"
	}

	// Strike in thousandths, rounded to the nearest mill.
	mills := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	if mills <= 0 || mills > 99999999 {
		return "", fmt.Errorf("occ: strike %s out of range", strike)
	}

	return fmt.Sprintf("%-6s%s%s%08d", underlying, exp.Format("060102"), right, mills), nil
}

// DecodeOCC parses a canonical OCC option symbol back into its parts.
func DecodeOCC(symbol string) (underlying, expiration string, opt OptionType, strike decimal.Decimal, err error) {
	if len(symbol) != occSymbolLen {
		err = fmt.Errorf("occ: symbol %q must be %d characters", symbol, occSymbolLen)
		return
	}

	underlying = strings.TrimSpace(symbol[:6])
	if underlying == "" {
		err = fmt.Errorf("occ: empty underlying in %q", symbol)
		return
	}

	exp, perr := time.Parse("060102", symbol[6:12])
	if perr != nil {
		err = fmt.Errorf("occ: invalid expiration in %q: %w", symbol, perr)
		return
	}
	expiration = exp.Format("2006-01-02")

	switch symbol[12] {
	case 'C':
		opt = OptionCall
	case 'P':
		opt = OptionPut
	default:
		err = fmt.Errorf("occ: invalid right %q in %q", symbol[12], symbol)
		return
	}

	mills, perr := decimal.NewFromString(symbol[13:])
	if perr != nil {
		err = fmt.Errorf("occ: invalid strike in %q: %w", symbol, perr)
		return
	}
	strike = mills.Div(decimal.NewFromInt(1000))
	return
}
