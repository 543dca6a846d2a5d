package hierarchy

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

// maxDepth bounds the recursive ancestor walk; real trees are 3-4 levels deep,
// anything past this indicates corrupted parent links
const maxDepth = 32

// Repository defines entity tree data access
type Repository interface {
	Create(ctx context.Context, e *Entity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entity, error)
	GetTenantRoot(ctx context.Context, tenantID uuid.UUID) (*Entity, error)
	AncestorChain(ctx context.Context, id uuid.UUID) ([]Entity, error)
	UpdateParent(ctx context.Context, id uuid.UUID, parentID uuid.UUID) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates entity tree repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, e *Entity) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO entities (
			id, tenant_id, parent_id, kind, name,
			inherit_settings, inherit_branding, inherit_credits,
			active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.TenantID, e.ParentID, e.Kind, e.Name,
		e.InheritSettings, e.InheritBranding, e.InheritCredits,
		e.Active, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: create entity", ErrInternal)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Entity, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e Entity
	err := r.db.GetContext(ctx2, &e, `SELECT * FROM entities WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("%w: get entity", ErrInternal)
	}
	return &e, nil
}

func (r *repository) GetTenantRoot(ctx context.Context, tenantID uuid.UUID) (*Entity, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e Entity
	err := r.db.GetContext(ctx2, &e, `
		SELECT * FROM entities
		WHERE tenant_id = $1 AND parent_id IS NULL AND kind = 'tenant'
	`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("%w: get tenant root", ErrInternal)
	}
	return &e, nil
}

// AncestorChain returns the ancestors of id, nearest first, ending at the
// tenant root. The entity itself is not included.
func (r *repository) AncestorChain(ctx context.Context, id uuid.UUID) ([]Entity, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	chain := make([]Entity, 0, 4)
	err := r.db.SelectContext(ctx2, &chain, `
		WITH RECURSIVE ancestors AS (
			SELECT e.*, 1 AS depth
			FROM entities e
			JOIN entities child ON child.parent_id = e.id
			WHERE child.id = $1
			UNION ALL
			SELECT e.*, a.depth + 1
			FROM entities e
			JOIN ancestors a ON a.parent_id = e.id
			WHERE a.depth < $2
		)
		SELECT id, tenant_id, parent_id, kind, name,
		       inherit_settings, inherit_branding, inherit_credits,
		       active, created_at, updated_at
		FROM ancestors
		ORDER BY depth ASC
	`, id, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("%w: ancestor chain", ErrInternal)
	}
	return chain, nil
}

func (r *repository) UpdateParent(ctx context.Context, id uuid.UUID, parentID uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE entities SET parent_id = $2, updated_at = NOW() WHERE id = $1
	`, id, parentID)
	if err != nil {
		return fmt.Errorf("%w: update parent", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrEntityNotFound
	}
	return nil
}
