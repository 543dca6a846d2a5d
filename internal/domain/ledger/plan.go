package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// batchDraw is one planned decrement against a batch
type batchDraw struct {
	BatchID uuid.UUID
	Amount  decimal.Decimal
}

// planConsumption selects batches in ascending expiry order (soonest first,
// no-expiry batches last, creation order breaking ties) until amount is
// satisfied. Expired and empty batches are skipped. Returns the draws and the
// uncovered shortfall; the caller decides whether overage policy permits it.
// Pure function over the snapshot it is given.
func planConsumption(batches []Batch, amount decimal.Decimal, now time.Time) ([]batchDraw, decimal.Decimal) {
	pool := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.Expired(now) || !b.Remaining.IsPositive() {
			continue
		}
		pool = append(pool, b)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		bi, bj := pool[i], pool[j]
		switch {
		case bi.ExpiresAt.Valid && !bj.ExpiresAt.Valid:
			return true
		case !bi.ExpiresAt.Valid && bj.ExpiresAt.Valid:
			return false
		case bi.ExpiresAt.Valid && bj.ExpiresAt.Valid && !bi.ExpiresAt.Time.Equal(bj.ExpiresAt.Time):
			return bi.ExpiresAt.Time.Before(bj.ExpiresAt.Time)
		default:
			return bi.CreatedAt.Before(bj.CreatedAt)
		}
	})

	draws := make([]batchDraw, 0, 2)
	remaining := amount
	for _, b := range pool {
		if !remaining.IsPositive() {
			break
		}
		take := b.Remaining
		if take.GreaterThan(remaining) {
			take = remaining
		}
		draws = append(draws, batchDraw{BatchID: b.ID, Amount: take})
		remaining = remaining.Sub(take)
	}

	return draws, remaining
}

// periodStart truncates t to the first instant of its calendar month (UTC)
func periodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
