package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	queryTimeout = 3 * time.Second

	publishChannel = "credits:alerts"

	// the sweeper subscribes here; a message asks for an immediate pass
	sweepChannel = "credits:sweep"
)

// Gateway persists alerts and fans them out over a redis channel. With a nil
// redis client, alerts are still persisted and only the fan-out is skipped.
// Publishing never fails the business operation that triggered it.
type Gateway struct {
	db  *sqlx.DB
	rdb *redis.Client
}

func NewGateway(db *sqlx.DB, rdb *redis.Client) *Gateway {
	return &Gateway{db: db, rdb: rdb}
}

func (g *Gateway) publish(ctx context.Context, tenantID uuid.UUID, accountID uuid.NullUUID,
	kind Kind, severity Severity, payload interface{}) {

	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("alert payload marshal failed")
		return
	}

	a := Alert{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AccountID: accountID,
		Kind:      kind,
		Severity:  severity,
		Payload:   raw,
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := g.db.ExecContext(ctx2, `
		INSERT INTO alerts (id, tenant_id, account_id, kind, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, a.ID, a.TenantID, a.AccountID, a.Kind, a.Severity, a.Payload); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("alert persist failed")
		return
	}

	if g.rdb == nil {
		return
	}
	wire, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := g.rdb.Publish(ctx2, publishChannel, wire).Err(); err != nil {
		log.Warn().Err(err).Msg("alert publish failed, persisted only")
	}
}

// LowBalance implements the ledger notifier
func (g *Gateway) LowBalance(ctx context.Context, tenantID, accountID uuid.UUID, balance, threshold decimal.Decimal) {
	g.publish(ctx, tenantID, uuid.NullUUID{UUID: accountID, Valid: true}, KindLowBalance, SeverityWarning,
		LowBalancePayload{Balance: balance.String(), Threshold: threshold.String()})
}

// OverageTriggered implements the ledger notifier
func (g *Gateway) OverageTriggered(ctx context.Context, tenantID, accountID uuid.UUID, operationCode string, overage decimal.Decimal) {
	g.publish(ctx, tenantID, uuid.NullUUID{UUID: accountID, Valid: true}, KindOverage, SeverityCritical,
		OveragePayload{OperationCode: operationCode, Overage: overage.String()})
}

// ExpiryWarning implements the ledger notifier
func (g *Gateway) ExpiryWarning(ctx context.Context, tenantID, accountID, batchID uuid.UUID, remaining decimal.Decimal, expiresAt time.Time) {
	g.publish(ctx, tenantID, uuid.NullUUID{UUID: accountID, Valid: true}, KindExpiryWarning, SeverityInfo,
		ExpiryWarningPayload{BatchID: batchID, Remaining: remaining.String(), ExpiresAt: expiresAt})
}

// TransferStateChanged records a transfer workflow transition
func (g *Gateway) TransferStateChanged(ctx context.Context, tenantID, transferID uuid.UUID, from, to, amount string) {
	g.publish(ctx, tenantID, uuid.NullUUID{}, KindTransferState, SeverityInfo,
		TransferStatePayload{TransferID: transferID, From: from, To: to, Amount: amount})
}

// RequestSweep wakes the sweeper for an immediate expiry/reap pass. Without
// redis there is nobody to wake; the next scheduled pass will pick it up.
func (g *Gateway) RequestSweep(ctx context.Context) error {
	if g.rdb == nil {
		return nil
	}
	return g.rdb.Publish(ctx, sweepChannel, "sweep").Err()
}

// ListByTenant returns a tenant's most recent alerts
func (g *Gateway) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]Alert, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	alerts := make([]Alert, 0, limit)
	err := g.db.SelectContext(ctx2, &alerts, `
		SELECT * FROM alerts
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}
