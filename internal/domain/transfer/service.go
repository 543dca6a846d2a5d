package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/pkg/money"
)

// Store is the persistence surface the workflow needs
type Store interface {
	Create(ctx context.Context, t *Transfer) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transfer, error)
	Transition(ctx context.Context, id uuid.UUID, from, to Status, decidedBy uuid.NullUUID, note string) error
	MarkExecuted(ctx context.Context, id uuid.UUID, at time.Time) error
	DueForCompletion(ctx context.Context, now time.Time) ([]Transfer, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, status *Status, limit, offset int) ([]Transfer, error)
	LoadRules(ctx context.Context, tenantID uuid.UUID) ([]ApprovalRule, error)
	UpsertRule(ctx context.Context, rule *ApprovalRule) error
}

// Ledger is the slice of the credit ledger the workflow needs
type Ledger interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error)
	ExecuteTransfer(ctx context.Context, transferID, sourceID, destID uuid.UUID,
		amount, fee decimal.Decimal, expiresAt *time.Time) (*ledger.TransferResult, error)
}

// Notifier receives workflow transitions. Nil disables notifications.
type Notifier interface {
	TransferStateChanged(ctx context.Context, tenantID, transferID uuid.UUID, from, to, amount string)
}

type Service struct {
	store    Store
	ledger   Ledger
	notifier Notifier
}

func NewService(store Store, l Ledger, notifier Notifier) *Service {
	return &Service{store: store, ledger: l, notifier: notifier}
}

// RequestParams describes a new transfer. A temporary transfer needs a
// future RecallDeadline and may be recalled until it passes.
type RequestParams struct {
	TenantID        uuid.UUID
	RequestedBy     uuid.UUID
	RequesterRoles  []string
	SourceAccountID uuid.UUID
	DestAccountID   uuid.UUID
	Amount          decimal.Decimal
	IsTemporary     bool
	RecallDeadline  *time.Time
	ExpiresAt       *time.Time
	Reason          string
}

// Request creates a transfer. The matching approval rule decides the fee and
// whether the transfer auto-approves; auto-approved transfers execute
// immediately.
func (s *Service) Request(ctx context.Context, p RequestParams) (*Transfer, error) {
	if !money.IsPositive(p.Amount) {
		return nil, ledger.ErrInvalidAmount
	}
	if p.SourceAccountID == p.DestAccountID {
		return nil, ErrSameAccount
	}
	if p.IsTemporary && (p.RecallDeadline == nil || !p.RecallDeadline.After(time.Now().UTC())) {
		return nil, fmt.Errorf("%w: temporary transfer needs a future recall deadline", ledger.ErrInvalidAmount)
	}

	for _, id := range []uuid.UUID{p.SourceAccountID, p.DestAccountID} {
		acct, err := s.ledger.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if acct.TenantID != p.TenantID {
			return nil, ledger.ErrAccountNotFound
		}
	}

	rules, err := s.store.LoadRules(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	decision, err := Evaluate(rules, p.TenantID, p.RequesterRoles, p.Amount)
	if err != nil {
		return nil, err
	}

	t := &Transfer{
		ID:              uuid.New(),
		TenantID:        p.TenantID,
		SourceAccountID: p.SourceAccountID,
		DestAccountID:   p.DestAccountID,
		Amount:          money.Quantize(p.Amount),
		Fee:             decision.Fee,
		Status:          StatusPending,
		RequestedBy:     p.RequestedBy,
		IsTemporary:     p.IsTemporary,
	}
	if p.Reason != "" {
		t.Reason = sql.NullString{String: p.Reason, Valid: true}
	}
	if p.RecallDeadline != nil {
		t.RecallDeadline = sql.NullTime{Time: p.RecallDeadline.UTC(), Valid: true}
	}
	if p.ExpiresAt != nil {
		t.ExpiresAt = sql.NullTime{Time: p.ExpiresAt.UTC(), Valid: true}
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.notify(ctx, t, "", StatusPending)

	if decision.AutoApproved {
		if err := s.approve(ctx, t, p.RequestedBy); err != nil {
			return nil, err
		}
	}
	return s.store.GetByID(ctx, t.ID)
}

// Approve moves a pending transfer to approved and executes it. The actor
// must hold the rule's required role and cannot decide their own request.
func (s *Service) Approve(ctx context.Context, id, actorID uuid.UUID, actorRoles []string) (*Transfer, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, ErrTransferStateInvalid
	}
	if err := s.authorizeDecision(ctx, t, actorID, actorRoles); err != nil {
		return nil, err
	}
	if err := s.approve(ctx, t, actorID); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, id)
}

func (s *Service) approve(ctx context.Context, t *Transfer, decidedBy uuid.UUID) error {
	decided := uuid.NullUUID{UUID: decidedBy, Valid: true}
	if err := s.store.Transition(ctx, t.ID, StatusPending, StatusApproved, decided, ""); err != nil {
		return err
	}
	s.notify(ctx, t, StatusPending, StatusApproved)
	return s.execute(ctx, t)
}

// execute moves the credits. Business failures (insufficient credits, frozen
// account) permanently fail the transfer; transient errors leave it approved
// and unexecuted so a later attempt can re-run it. Permanent transfers
// complete on success; temporary ones stay approved until the recall window
// closes.
func (s *Service) execute(ctx context.Context, t *Transfer) error {
	var expiresAt *time.Time
	if t.ExpiresAt.Valid {
		exp := t.ExpiresAt.Time
		expiresAt = &exp
	}

	_, err := s.ledger.ExecuteTransfer(ctx, t.ID, t.SourceAccountID, t.DestAccountID, t.Amount, t.Fee, expiresAt)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) || errors.Is(err, ledger.ErrAccountFrozen) {
			if trErr := s.store.Transition(ctx, t.ID, StatusApproved, StatusFailed, uuid.NullUUID{}, err.Error()); trErr != nil {
				return trErr
			}
			s.notify(ctx, t, StatusApproved, StatusFailed)
			return err
		}
		log.Error().Err(err).Str("transfer_id", t.ID.String()).Msg("transfer execution failed, left approved")
		return err
	}
	if err := s.store.MarkExecuted(ctx, t.ID, time.Now().UTC()); err != nil {
		return err
	}

	if t.IsTemporary {
		return nil
	}
	if err := s.store.Transition(ctx, t.ID, StatusApproved, StatusCompleted, uuid.NullUUID{}, ""); err != nil {
		return err
	}
	s.notify(ctx, t, StatusApproved, StatusCompleted)
	return nil
}

// Reject moves a pending transfer to rejected without touching balances
func (s *Service) Reject(ctx context.Context, id, actorID uuid.UUID, actorRoles []string, reason string) (*Transfer, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, ErrTransferStateInvalid
	}
	if err := s.authorizeDecision(ctx, t, actorID, actorRoles); err != nil {
		return nil, err
	}
	decided := uuid.NullUUID{UUID: actorID, Valid: true}
	if err := s.store.Transition(ctx, id, StatusPending, StatusRejected, decided, reason); err != nil {
		return nil, err
	}
	s.notify(ctx, t, StatusPending, StatusRejected)
	return s.store.GetByID(ctx, id)
}

// Recall reverses an executed temporary transfer before its deadline: the
// net amount (the fee is not refunded) moves back from the destination to
// the source.
func (s *Service) Recall(ctx context.Context, id, actorID uuid.UUID, actorRoles []string) (*Transfer, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusApproved || !t.IsTemporary || !t.ExecutedAt.Valid {
		return nil, ErrTransferStateInvalid
	}
	if !t.RecallDeadline.Valid || !time.Now().UTC().Before(t.RecallDeadline.Time) {
		return nil, fmt.Errorf("%w: recall window closed", ErrTransferStateInvalid)
	}
	if err := s.authorizeDecision(ctx, t, actorID, actorRoles); err != nil {
		return nil, err
	}

	net := money.Quantize(t.Amount.Sub(t.Fee))
	if _, err := s.ledger.ExecuteTransfer(ctx, t.ID, t.DestAccountID, t.SourceAccountID, net, decimal.Zero, nil); err != nil {
		return nil, fmt.Errorf("recall transfer %s: %w", t.ID, err)
	}

	decided := uuid.NullUUID{UUID: actorID, Valid: true}
	if err := s.store.Transition(ctx, id, StatusApproved, StatusRecalled, decided, ""); err != nil {
		return nil, err
	}
	s.notify(ctx, t, StatusApproved, StatusRecalled)
	return s.store.GetByID(ctx, id)
}

// FinalizeDue completes executed temporary transfers whose recall window has
// closed. Called by the sweeper; a transfer recalled concurrently just loses
// the status-guarded update and is skipped.
func (s *Service) FinalizeDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueForCompletion(ctx, now)
	if err != nil {
		return 0, err
	}
	finalized := 0
	for i := range due {
		t := &due[i]
		if err := s.store.Transition(ctx, t.ID, StatusApproved, StatusCompleted, uuid.NullUUID{}, ""); err != nil {
			if errors.Is(err, ErrTransferStateInvalid) {
				continue
			}
			return finalized, err
		}
		s.notify(ctx, t, StatusApproved, StatusCompleted)
		finalized++
	}
	return finalized, nil
}

// authorizeDecision enforces the rule's required role and forbids deciding
// one's own request
func (s *Service) authorizeDecision(ctx context.Context, t *Transfer, actorID uuid.UUID, actorRoles []string) error {
	if actorID == t.RequestedBy {
		return fmt.Errorf("%w: requester cannot decide own transfer", ErrApprovalNotAuthorized)
	}

	rules, err := s.store.LoadRules(ctx, t.TenantID)
	if err != nil {
		return err
	}
	decision, err := Evaluate(rules, t.TenantID, nil, t.Amount)
	if err != nil {
		return err
	}
	if decision.Rule.RequiredRole == "" {
		return nil
	}
	for _, role := range actorRoles {
		if role == decision.Rule.RequiredRole {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q required", ErrApprovalNotAuthorized, decision.Rule.RequiredRole)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status *Status, limit, offset int) ([]Transfer, error) {
	return s.store.ListByTenant(ctx, tenantID, status, limit, offset)
}

// UpsertRule validates and stores an approval rule
func (s *Service) UpsertRule(ctx context.Context, rule *ApprovalRule) error {
	if rule.AutoApproveBelow.IsNegative() || rule.MaxAmount.IsNegative() {
		return ErrInvalidRule
	}
	if rule.FeeRate.IsNegative() || rule.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: fee rate must be in [0, 1)", ErrInvalidRule)
	}
	return s.store.UpsertRule(ctx, rule)
}

func (s *Service) notify(ctx context.Context, t *Transfer, from, to Status) {
	log.Info().
		Str("transfer_id", t.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("amount", t.Amount.String()).
		Msg("transfer state changed")
	if s.notifier != nil {
		s.notifier.TransferStateChanged(ctx, t.TenantID, t.ID, string(from), string(to), t.Amount.String())
	}
}
