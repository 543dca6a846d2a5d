package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/bizgrid/credits-api/internal/domain/hierarchy"
	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/domain/pricing"
)

// Service is the billing facade: it resolves which account an entity bills
// against, what an operation costs there, and drives the ledger accordingly.
type Service struct {
	hierarchy *hierarchy.Service
	pricing   *pricing.Service
	ledger    *ledger.Service
}

func NewService(h *hierarchy.Service, p *pricing.Service, l *ledger.Service) *Service {
	return &Service{hierarchy: h, pricing: p, ledger: l}
}

// ChargeResult reports a completed charge with its pricing provenance
type ChargeResult struct {
	AccountID      uuid.UUID             `json:"account_id"`
	HolderEntityID uuid.UUID             `json:"holder_entity_id"`
	UnitCost       decimal.Decimal       `json:"unit_cost"`
	SourceTier     pricing.Tier          `json:"source_tier"`
	Charge         *ledger.ConsumeResult `json:"charge"`
}

// billedAccount resolves the account an entity's operations bill against:
// the entity's credit holder, then that holder's account (the tenant-level
// account when the holder is the tenant root)
func (s *Service) billedAccount(ctx context.Context, tenantID, entityID uuid.UUID) (*hierarchy.Entity, *ledger.Account, error) {
	holder, err := s.hierarchy.CreditHolder(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}
	if holder.TenantID != tenantID {
		return nil, nil, hierarchy.ErrEntityNotFound
	}

	key := uuid.NullUUID{}
	if !holder.IsRoot() {
		key = uuid.NullUUID{UUID: holder.ID, Valid: true}
	}
	acct, err := s.ledger.EnsureAccount(ctx, tenantID, key)
	if err != nil {
		return nil, nil, err
	}
	return holder, acct, nil
}

// ChargeOperation prices and charges one billable operation performed by an
// entity. Pricing is resolved against the credit holder and its ancestor
// chain; the charge lands on the holder's account.
func (s *Service) ChargeOperation(ctx context.Context, tenantID, entityID uuid.UUID,
	operationCode string, quantity decimal.Decimal, description string) (*ChargeResult, error) {

	holder, acct, err := s.billedAccount(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}

	resolved, err := s.resolveFor(ctx, tenantID, holder, operationCode)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.Consume(ctx, ledger.ConsumeParams{
		AccountID:     acct.ID,
		OperationCode: operationCode,
		Quantity:      quantity,
		UnitCost:      resolved.UnitCost,
		FreeAllowance: resolved.FreeAllowance,
		AllowOverage:  resolved.Overage.Allow,
		OverageLimit:  resolved.Overage.Limit,
		Description:   description,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant_id", tenantID.String()).
		Str("entity_id", entityID.String()).
		Str("operation_code", operationCode).
		Str("amount", result.Amount.String()).
		Str("source_tier", string(resolved.SourceTier)).
		Msg("operation charged")

	return &ChargeResult{
		AccountID:      acct.ID,
		HolderEntityID: holder.ID,
		UnitCost:       resolved.UnitCost,
		SourceTier:     resolved.SourceTier,
		Charge:         result,
	}, nil
}

// PreviewCost resolves the effective price without charging
func (s *Service) PreviewCost(ctx context.Context, tenantID, entityID uuid.UUID, operationCode string) (*pricing.Resolved, error) {
	holder, err := s.hierarchy.CreditHolder(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if holder.TenantID != tenantID {
		return nil, hierarchy.ErrEntityNotFound
	}
	return s.resolveFor(ctx, tenantID, holder, operationCode)
}

func (s *Service) resolveFor(ctx context.Context, tenantID uuid.UUID, holder *hierarchy.Entity, operationCode string) (*pricing.Resolved, error) {
	chain := []uuid.UUID{holder.ID}
	ancestors, err := s.hierarchy.AncestorChain(ctx, holder.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		chain = append(chain, a.ID)
	}
	return s.pricing.ResolveCost(ctx, tenantID, chain, operationCode)
}

// Balance is an account snapshot with its live batches
type Balance struct {
	Account *ledger.Account `json:"account"`
	Batches []ledger.Batch  `json:"batches"`
}

// GetBalance returns the balance of the account the entity bills against
func (s *Service) GetBalance(ctx context.Context, tenantID, entityID uuid.UUID) (*Balance, error) {
	_, acct, err := s.billedAccount(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	batches, err := s.ledger.ListBatches(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &Balance{Account: acct, Batches: batches}, nil
}

// PaymentEvent is the payload the payment provider posts when a credit
// purchase settles. Reference is the provider's id and doubles as the
// idempotency key: replayed deliveries credit at most once.
type PaymentEvent struct {
	TenantID  uuid.UUID  `json:"tenant_id"`
	EntityID  *uuid.UUID `json:"entity_id,omitempty"`
	Credits   string     `json:"credits"`
	Reference string     `json:"reference"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HandlePayment applies a settled purchase to the target account. Events
// with a non-completed status are acknowledged and dropped.
func (s *Service) HandlePayment(ctx context.Context, event PaymentEvent) (*ledger.CreditResult, error) {
	if event.Status != "completed" {
		log.Info().
			Str("reference", event.Reference).
			Str("status", event.Status).
			Msg("payment event ignored, not completed")
		return nil, nil
	}
	if event.Reference == "" {
		return nil, fmt.Errorf("%w: payment reference required", ledger.ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(event.Credits)
	if err != nil {
		return nil, fmt.Errorf("%w: credits %q", ledger.ErrInvalidAmount, event.Credits)
	}

	key := uuid.NullUUID{}
	if event.EntityID != nil {
		holder, err := s.hierarchy.CreditHolder(ctx, *event.EntityID)
		if err != nil {
			return nil, err
		}
		if holder.TenantID != event.TenantID {
			return nil, hierarchy.ErrEntityNotFound
		}
		if !holder.IsRoot() {
			key = uuid.NullUUID{UUID: holder.ID, Valid: true}
		}
	}
	acct, err := s.ledger.EnsureAccount(ctx, event.TenantID, key)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.Credit(ctx, ledger.CreditParams{
		AccountID:   acct.ID,
		Amount:      amount,
		Source:      ledger.SourcePurchase,
		ExpiresAt:   event.ExpiresAt,
		TxType:      ledger.TxTypePurchase,
		Ref:         event.Reference,
		Description: "credit purchase",
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("tenant_id", event.TenantID.String()).
		Str("reference", event.Reference).
		Str("amount", amount.String()).
		Bool("replayed", result.Replayed).
		Msg("purchase applied")
	return result, nil
}

// Grant credits an account outside the payment flow (promotions, seasonal
// campaigns, manual adjustments). Admin only.
func (s *Service) Grant(ctx context.Context, tenantID, entityID uuid.UUID, amount decimal.Decimal,
	source ledger.Source, expiresAt *time.Time, ref, description string) (*ledger.CreditResult, error) {

	_, acct, err := s.billedAccount(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	txType := ledger.TxTypeAdjustment
	return s.ledger.Credit(ctx, ledger.CreditParams{
		AccountID:   acct.ID,
		Amount:      amount,
		Source:      source,
		ExpiresAt:   expiresAt,
		TxType:      txType,
		Ref:         ref,
		Description: description,
	})
}

// Reserve places a hold on the entity's billed account
func (s *Service) Reserve(ctx context.Context, tenantID, entityID uuid.UUID, amount decimal.Decimal, ttl time.Duration) (uuid.UUID, *ledger.Account, error) {
	_, acct, err := s.billedAccount(ctx, tenantID, entityID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	id, err := s.ledger.Reserve(ctx, acct.ID, amount, time.Now().UTC().Add(ttl))
	if err != nil {
		return uuid.Nil, nil, err
	}
	return id, acct, nil
}

func (s *Service) CommitReservation(ctx context.Context, id uuid.UUID, operationCode, description string) (*ledger.ConsumeResult, error) {
	return s.ledger.CommitReservation(ctx, id, operationCode, description)
}

func (s *Service) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	return s.ledger.ReleaseReservation(ctx, id)
}

// ListTransactions returns the ledger history of the entity's billed account
func (s *Service) ListTransactions(ctx context.Context, tenantID, entityID uuid.UUID, f ledger.TxFilter) ([]ledger.Transaction, error) {
	_, acct, err := s.billedAccount(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListTransactions(ctx, acct.ID, f)
}

// Audit replays an account's ledger from zero and compares against the
// stored balance
func (s *Service) Audit(ctx context.Context, accountID uuid.UUID) (map[string]interface{}, error) {
	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	replayed, err := s.ledger.ReplayBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account_id":       acct.ID,
		"stored_total":     acct.Total(),
		"replayed_balance": replayed,
		"consistent":       replayed.Equal(acct.Total()),
	}, nil
}
