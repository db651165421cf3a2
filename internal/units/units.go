// Package units converts between human decimal token amounts and the
// integer smallest-unit amounts the token contract works with.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyAmount     = errors.New("amount is required")
	ErrInvalidAmount   = errors.New("amount is not a decimal number")
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrTooManyDecimals = errors.New("amount has more fraction digits than the token supports")
)

// ParseUnits converts a decimal string such as "12.5" into the token's
// smallest unit. Exponent notation and excess fraction digits are rejected.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, ErrEmptyAmount
	}
	if !plainDecimal(amount) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	if frac := fractionDigits(amount); frac > int(decimals) {
		return nil, fmt.Errorf("%w (%d > %d)", ErrTooManyDecimals, frac, decimals)
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// FormatUnits renders a smallest-unit amount as a decimal string without
// trailing zeros: 12500000 with 6 decimals is "12.5".
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

// FormatFixed renders a smallest-unit amount with exactly places fraction
// digits, rounding half away from zero.
func FormatFixed(value *big.Int, decimals uint8, places int32) string {
	if value == nil {
		value = new(big.Int)
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).StringFixed(places)
}

// Fraction returns pct percent of value as a decimal string with two
// fraction digits. The result is truncated, never rounded up, so a 100%
// preset never exceeds the balance it came from.
func Fraction(value *big.Int, decimals uint8, pct int64) string {
	if value == nil {
		value = new(big.Int)
	}
	d := decimal.NewFromBigInt(value, -int32(decimals)).
		Mul(decimal.NewFromInt(pct)).
		Div(decimal.NewFromInt(100))
	return d.Truncate(2).StringFixed(2)
}

func plainDecimal(s string) bool {
	dots := 0
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
		case r == '-' && i == 0:
		default:
			return false
		}
	}
	return dots <= 1 && digits > 0
}

func fractionDigits(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}
