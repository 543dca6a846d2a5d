package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bizgrid/credits-api/internal/pkg/money"
)

// Service resolves effective operation prices and owns configuration admin.
// Resolution is a read over a snapshot (cached per tenant); it never blocks
// on ledger locks.
type Service struct {
	repo  Repository
	cache *Cache
}

// NewService creates pricing service
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// ResolveCost returns the effective price and policy for an operation.
// entityChain is the billed entity followed by its ancestors, nearest first.
// A missing configuration is a hard ErrConfigurationNotFound: the operation
// is not chargeable, not free.
func (s *Service) ResolveCost(ctx context.Context, tenantID uuid.UUID, entityChain []uuid.UUID, operationCode string) (*Resolved, error) {
	snapshot, err := s.snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return Resolve(snapshot, tenantID, entityChain, operationCode)
}

func (s *Service) snapshot(ctx context.Context, tenantID uuid.UUID) ([]Configuration, error) {
	if snapshot, ok := s.cache.Get(ctx, tenantID); ok {
		return snapshot, nil
	}

	snapshot, err := s.repo.LoadSnapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, tenantID, snapshot)
	return snapshot, nil
}

// Upsert validates and stores a rule, then invalidates the affected tenant's
// snapshot
func (s *Service) Upsert(ctx context.Context, cfg *Configuration) error {
	if err := validate(cfg); err != nil {
		return err
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	cfg.CreditCost = money.Quantize(cfg.CreditCost)
	cfg.FreeAllowance = money.Quantize(cfg.FreeAllowance)
	cfg.OverageLimit = money.Quantize(cfg.OverageLimit)

	if err := s.repo.Upsert(ctx, cfg); err != nil {
		return err
	}
	if cfg.TenantID.Valid {
		s.cache.Invalidate(ctx, cfg.TenantID.UUID)
	}

	log.Info().
		Str("configuration_id", cfg.ID.String()).
		Str("operation_code", cfg.OperationCode).
		Str("tier", string(cfg.Tier())).
		Str("credit_cost", cfg.CreditCost.String()).
		Msg("credit configuration upserted")
	return nil
}

// Deactivate retires a rule and invalidates the tenant snapshot
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, tenantID uuid.NullUUID) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	if tenantID.Valid {
		s.cache.Invalidate(ctx, tenantID.UUID)
	}
	return nil
}

func validate(cfg *Configuration) error {
	if cfg.OperationCode == "" {
		return fmt.Errorf("%w: operation code required", ErrInvalidConfiguration)
	}
	if cfg.EntityID.Valid && !cfg.TenantID.Valid {
		return fmt.Errorf("%w: entity-specific rule requires a tenant", ErrInvalidConfiguration)
	}
	if cfg.CreditCost.IsNegative() || cfg.FreeAllowance.IsNegative() || cfg.OverageLimit.IsNegative() {
		return fmt.Errorf("%w: negative amounts", ErrInvalidConfiguration)
	}
	if cfg.AllowOverage && !cfg.OverageLimit.IsPositive() {
		return fmt.Errorf("%w: overage requires a positive limit", ErrInvalidConfiguration)
	}
	if strings.Contains(strings.TrimSuffix(cfg.OperationCode, ".*"), "*") && cfg.OperationCode != "*" {
		return fmt.Errorf("%w: wildcard only allowed as trailing .*", ErrInvalidConfiguration)
	}
	return nil
}
