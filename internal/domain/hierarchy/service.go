package hierarchy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service exposes read access to the entity tree plus the one guarded
// mutation (parent reassignment). Entity create/delete is owned by the
// platform's entity-management service.
type Service struct {
	repo Repository
}

// NewService creates hierarchy service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetTenantRoot(ctx context.Context, tenantID uuid.UUID) (*Entity, error) {
	return s.repo.GetTenantRoot(ctx, tenantID)
}

// AncestorChain returns the ancestors of id, nearest first, ending at the
// tenant root.
func (s *Service) AncestorChain(ctx context.Context, id uuid.UUID) ([]Entity, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.AncestorChain(ctx, id)
}

// SetParent reassigns an entity's parent. The assignment is rejected with
// ErrInvalidHierarchy before any write if it would create a cycle, a
// cross-tenant link, or re-parent a tenant root.
func (s *Service) SetParent(ctx context.Context, id, parentID uuid.UUID) error {
	if id == parentID {
		return fmt.Errorf("%w: entity cannot be its own parent", ErrInvalidHierarchy)
	}

	entity, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if entity.Kind == KindTenant {
		return fmt.Errorf("%w: tenant root cannot have a parent", ErrInvalidHierarchy)
	}

	parent, err := s.repo.GetByID(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.TenantID != entity.TenantID {
		return fmt.Errorf("%w: parent belongs to a different tenant", ErrInvalidHierarchy)
	}

	// Walk the proposed parent's chain: if the entity appears there, the
	// assignment closes a loop
	chain, err := s.repo.AncestorChain(ctx, parentID)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if ancestor.ID == id {
			return fmt.Errorf("%w: assignment would create a cycle", ErrInvalidHierarchy)
		}
	}

	if err := s.repo.UpdateParent(ctx, id, parentID); err != nil {
		return err
	}

	log.Info().
		Str("entity_id", id.String()).
		Str("parent_id", parentID.String()).
		Msg("entity re-parented")
	return nil
}

// CreditHolder resolves the entity whose credit account the given entity
// bills against: itself when it owns its pool, otherwise the nearest
// ancestor that does. Tenant roots always hold their own pool.
func (s *Service) CreditHolder(ctx context.Context, id uuid.UUID) (*Entity, error) {
	entity, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entity.InheritCredits || entity.IsRoot() {
		return entity, nil
	}

	chain, err := s.repo.AncestorChain(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range chain {
		if !chain[i].InheritCredits || chain[i].IsRoot() {
			return &chain[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no credit holder found for entity %s", ErrInvalidHierarchy, id)
}
