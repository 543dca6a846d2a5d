package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bizgrid/credits-api/internal/pkg/money"
)

func TestQuantizeTruncatesDown(t *testing.T) {
	d := money.MustParse("1.23456789")
	require.True(t, d.Equal(decimal.RequireFromString("1.2345")), "got %s", d)

	neg := money.Quantize(decimal.RequireFromString("-0.00009"))
	require.True(t, neg.Equal(decimal.Zero), "negative dust should truncate toward zero, got %s", neg)
}

func TestMulTruncates(t *testing.T) {
	// 3 * 0.3333 = 0.9999, 7 * 0.0003 = 0.0021; no half-up surprises
	got := money.Mul(money.FromInt(3), money.MustParse("0.3333"))
	require.Equal(t, "0.9999", got.String())

	got = money.Mul(money.MustParse("1.0001"), money.MustParse("1.0001"))
	require.Equal(t, "1.0002", got.String()) // 1.00020001 truncated
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := money.Parse("12,5")
	require.Error(t, err)

	d, err := money.Parse("120")
	require.NoError(t, err)
	require.True(t, d.Equal(money.FromInt(120)))
}

func TestMin(t *testing.T) {
	a := money.MustParse("2.5")
	b := money.MustParse("2.4999")
	require.True(t, money.Min(a, b).Equal(b))
	require.True(t, money.Min(b, a).Equal(b))
}
