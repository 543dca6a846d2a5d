package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, t *Transfer) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO transfers (
			id, tenant_id, source_account_id, dest_account_id, amount, fee,
			status, requested_by, reason, is_temporary, recall_deadline,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, t.ID, t.TenantID, t.SourceAccountID, t.DestAccountID, t.Amount, t.Fee,
		t.Status, t.RequestedBy, t.Reason, t.IsTemporary, t.RecallDeadline, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: create transfer", ErrInternal)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t Transfer
	err := r.db.GetContext(ctx2, &t, `SELECT * FROM transfers WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("%w: get transfer", ErrInternal)
	}
	return &t, nil
}

// Transition moves a transfer from one status to another. The status guard
// in the WHERE clause makes concurrent decisions race-safe: the loser gets
// zero rows and ErrTransferStateInvalid.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to Status,
	decidedBy uuid.NullUUID, note string) error {

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE transfers
		SET status = $3,
		    decided_by = COALESCE($4, decided_by),
		    failure_note = COALESCE(NULLIF($5, ''), failure_note),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, decidedBy, note)
	if err != nil {
		return fmt.Errorf("%w: transition transfer", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrTransferStateInvalid
	}
	return nil
}

// MarkExecuted records that the ledger movement happened. The null guard
// keeps a second execution attempt from touching the row.
func (r *Repository) MarkExecuted(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE transfers
		SET executed_at = $2, updated_at = NOW()
		WHERE id = $1 AND executed_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("%w: mark transfer executed", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrTransferStateInvalid
	}
	return nil
}

// DueForCompletion returns executed temporary transfers whose recall window
// has closed; the sweeper finalizes them to completed
func (r *Repository) DueForCompletion(ctx context.Context, now time.Time) ([]Transfer, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	transfers := make([]Transfer, 0, 16)
	err := r.db.SelectContext(ctx2, &transfers, `
		SELECT * FROM transfers
		WHERE status = 'approved'
		  AND is_temporary = TRUE
		  AND executed_at IS NOT NULL
		  AND recall_deadline <= $1
		ORDER BY recall_deadline ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: list due transfers", ErrInternal)
	}
	return transfers, nil
}

// ListByTenant returns a tenant's transfers, newest first, optionally
// filtered by status
func (r *Repository) ListByTenant(ctx context.Context, tenantID uuid.UUID, status *Status, limit, offset int) ([]Transfer, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM transfers WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	transfers := make([]Transfer, 0, limit)
	if err := r.db.SelectContext(ctx2, &transfers, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list transfers", ErrInternal)
	}
	return transfers, nil
}

// LoadRules returns the active approval rules applying to the tenant:
// its own plus the global ones
func (r *Repository) LoadRules(ctx context.Context, tenantID uuid.UUID) ([]ApprovalRule, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rules := make([]ApprovalRule, 0, 4)
	err := r.db.SelectContext(ctx2, &rules, `
		SELECT * FROM transfer_approval_rules
		WHERE active = TRUE AND (tenant_id = $1 OR tenant_id IS NULL)
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: load approval rules", ErrInternal)
	}
	return rules, nil
}

func (r *Repository) UpsertRule(ctx context.Context, rule *ApprovalRule) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO transfer_approval_rules (
			id, tenant_id, auto_approve_below, auto_approve_roles, required_role,
			max_amount, fee_rate, priority, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			auto_approve_below = EXCLUDED.auto_approve_below,
			auto_approve_roles = EXCLUDED.auto_approve_roles,
			required_role = EXCLUDED.required_role,
			max_amount = EXCLUDED.max_amount,
			fee_rate = EXCLUDED.fee_rate,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, rule.ID, rule.TenantID, rule.AutoApproveBelow, rule.AutoApproveRoles,
		rule.RequiredRole, rule.MaxAmount, rule.FeeRate, rule.Priority, rule.Active)
	if err != nil {
		return fmt.Errorf("%w: upsert approval rule", ErrInternal)
	}
	return nil
}
