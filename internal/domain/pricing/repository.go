package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository defines configuration data access
type Repository interface {
	// LoadSnapshot returns every active rule visible to the tenant: its own
	// rows (tenant-wide and entity-specific) plus the global defaults.
	LoadSnapshot(ctx context.Context, tenantID uuid.UUID) ([]Configuration, error)
	Upsert(ctx context.Context, cfg *Configuration) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates configuration repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) LoadSnapshot(ctx context.Context, tenantID uuid.UUID) ([]Configuration, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	configs := make([]Configuration, 0, 16)
	err := r.db.SelectContext(ctx2, &configs, `
		SELECT * FROM credit_configurations
		WHERE active AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY updated_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: load configuration snapshot", ErrInternal)
	}
	return configs, nil
}

func (r *repository) Upsert(ctx context.Context, cfg *Configuration) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO credit_configurations (
			id, tenant_id, entity_id, operation_code,
			credit_cost, unit, free_allowance,
			allow_overage, overage_limit, priority, active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			credit_cost = EXCLUDED.credit_cost,
			unit = EXCLUDED.unit,
			free_allowance = EXCLUDED.free_allowance,
			allow_overage = EXCLUDED.allow_overage,
			overage_limit = EXCLUDED.overage_limit,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, cfg.ID, cfg.TenantID, cfg.EntityID, cfg.OperationCode,
		cfg.CreditCost, cfg.Unit, cfg.FreeAllowance,
		cfg.AllowOverage, cfg.OverageLimit, cfg.Priority, cfg.Active)
	if err != nil {
		return fmt.Errorf("%w: upsert configuration", ErrInternal)
	}
	return nil
}

func (r *repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE credit_configurations SET active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("%w: deactivate configuration", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrConfigurationNotFound
	}
	return nil
}
