package ledger

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func batch(remaining string, expiresAt *time.Time, createdAt time.Time) Batch {
	b := Batch{
		ID:        uuid.New(),
		Amount:    decimal.RequireFromString(remaining),
		Remaining: decimal.RequireFromString(remaining),
		Source:    SourcePurchase,
		CreatedAt: createdAt,
	}
	if expiresAt != nil {
		b.ExpiresAt = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	return b
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestPlanDrainsSoonestExpiryFirst(t *testing.T) {
	now := *ts("2024-11-01T00:00:00Z")
	first := batch("100", ts("2025-01-01T00:00:00Z"), now)
	second := batch("50", ts("2025-06-01T00:00:00Z"), now)

	// deliberately out of order
	draws, shortfall := planConsumption([]Batch{second, first}, decimal.RequireFromString("120"), now)

	require.True(t, shortfall.IsZero())
	require.Len(t, draws, 2)
	require.Equal(t, first.ID, draws[0].BatchID)
	require.Equal(t, "100", draws[0].Amount.String())
	require.Equal(t, second.ID, draws[1].BatchID)
	require.Equal(t, "20", draws[1].Amount.String())
}

func TestPlanNoExpiryBatchesLast(t *testing.T) {
	now := *ts("2024-11-01T00:00:00Z")
	forever := batch("100", nil, now.Add(-time.Hour))
	dated := batch("30", ts("2025-01-01T00:00:00Z"), now)

	draws, shortfall := planConsumption([]Batch{forever, dated}, decimal.RequireFromString("40"), now)

	require.True(t, shortfall.IsZero())
	require.Len(t, draws, 2)
	require.Equal(t, dated.ID, draws[0].BatchID)
	require.Equal(t, "30", draws[0].Amount.String())
	require.Equal(t, forever.ID, draws[1].BatchID)
	require.Equal(t, "10", draws[1].Amount.String())
}

func TestPlanSkipsExpiredBatches(t *testing.T) {
	now := *ts("2025-02-01T00:00:00Z")
	gone := batch("100", ts("2025-01-01T00:00:00Z"), now.Add(-time.Hour))
	live := batch("50", ts("2025-06-01T00:00:00Z"), now)

	draws, shortfall := planConsumption([]Batch{gone, live}, decimal.RequireFromString("40"), now)

	require.True(t, shortfall.IsZero())
	require.Len(t, draws, 1)
	require.Equal(t, live.ID, draws[0].BatchID)
}

func TestPlanExpiryBoundaryIsExclusive(t *testing.T) {
	// a batch expiring exactly now is no longer spendable
	now := *ts("2025-01-01T00:00:00Z")
	boundary := batch("100", &now, now.Add(-time.Hour))

	draws, shortfall := planConsumption([]Batch{boundary}, decimal.RequireFromString("10"), now)

	require.Empty(t, draws)
	require.Equal(t, "10", shortfall.String())
}

func TestPlanTiesBreakOnCreation(t *testing.T) {
	now := *ts("2024-11-01T00:00:00Z")
	expiry := ts("2025-01-01T00:00:00Z")
	older := batch("10", expiry, now.Add(-2*time.Hour))
	newer := batch("10", expiry, now.Add(-time.Hour))

	draws, _ := planConsumption([]Batch{newer, older}, decimal.RequireFromString("5"), now)

	require.Len(t, draws, 1)
	require.Equal(t, older.ID, draws[0].BatchID)
}

func TestPlanReportsShortfall(t *testing.T) {
	now := *ts("2024-11-01T00:00:00Z")
	only := batch("30", ts("2025-01-01T00:00:00Z"), now)

	draws, shortfall := planConsumption([]Batch{only}, decimal.RequireFromString("100"), now)

	require.Len(t, draws, 1)
	require.Equal(t, "30", draws[0].Amount.String())
	require.Equal(t, "70", shortfall.String())
}

func TestPeriodStart(t *testing.T) {
	got := periodStart(*ts("2025-03-17T15:04:05Z"))
	require.Equal(t, *ts("2025-03-01T00:00:00Z"), got)

	// already at the boundary
	got = periodStart(*ts("2025-03-01T00:00:00Z"))
	require.Equal(t, *ts("2025-03-01T00:00:00Z"), got)
}
