package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Credit amounts are fixed-point decimals with four fractional digits.
// Every arithmetic result is truncated back to scale before it is stored
// or compared, so thousands of small consumptions cannot drift.
const Scale = 4

var Zero = decimal.Zero

// Quantize truncates d to the ledger scale (round-down, never up).
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Mul multiplies two amounts and truncates the result to scale.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Quantize(a.Mul(b))
}

// FromInt builds an amount from whole credits.
func FromInt(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

// Parse parses a decimal string and truncates it to scale.
// Returns an error for non-numeric input.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Quantize(d), nil
}

// MustParse is Parse for constants in tests and seed data.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsPositive reports whether d > 0 at ledger scale.
func IsPositive(d decimal.Decimal) bool {
	return Quantize(d).IsPositive()
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
