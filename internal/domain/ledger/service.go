package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notifier receives balance events worth alerting on. A nil Notifier
// disables alerting.
type Notifier interface {
	LowBalance(ctx context.Context, tenantID, accountID uuid.UUID, balance, threshold decimal.Decimal)
	OverageTriggered(ctx context.Context, tenantID, accountID uuid.UUID, operationCode string, overage decimal.Decimal)
	ExpiryWarning(ctx context.Context, tenantID, accountID, batchID uuid.UUID, remaining decimal.Decimal, expiresAt time.Time)
}

// Service wraps the ledger repository with retry semantics and alerting.
// Transient failures (lock timeout, a batch expiring mid-plan) are retried a
// bounded number of times; everything else surfaces to the caller.
type Service struct {
	repo     *Repository
	notifier Notifier
	retries  int
}

func NewService(repo *Repository, notifier Notifier, retries int) *Service {
	if retries < 0 {
		retries = 0
	}
	return &Service{repo: repo, notifier: notifier, retries: retries}
}

func retryable(err error) bool {
	return errors.Is(err, ErrExpiredBatchReferenced) || errors.Is(err, ErrLockTimeout)
}

func (s *Service) EnsureAccount(ctx context.Context, tenantID uuid.UUID, entityID uuid.NullUUID) (*Account, error) {
	return s.repo.EnsureAccount(ctx, tenantID, entityID)
}

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.repo.GetAccount(ctx, id)
}

func (s *Service) GetAccountByEntity(ctx context.Context, tenantID uuid.UUID, entityID uuid.NullUUID) (*Account, error) {
	return s.repo.GetAccountByEntity(ctx, tenantID, entityID)
}

func (s *Service) UpdateAccountControls(ctx context.Context, id uuid.UUID, frozen bool, threshold decimal.Decimal) error {
	return s.repo.UpdateAccountControls(ctx, id, frozen, threshold)
}

// Consume charges the account, retrying when a planned batch expired
// mid-flight or the account lock timed out
func (s *Service) Consume(ctx context.Context, p ConsumeParams) (*ConsumeResult, error) {
	var result *ConsumeResult
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		result, err = s.repo.Consume(ctx, p)
		if err == nil || !retryable(err) {
			break
		}
		log.Warn().Err(err).
			Str("account_id", p.AccountID.String()).
			Str("operation_code", p.OperationCode).
			Int("attempt", attempt+1).
			Msg("consume retry")
	}
	if err != nil {
		return nil, err
	}

	acct, accErr := s.repo.GetAccount(ctx, p.AccountID)
	if accErr == nil && s.notifier != nil {
		if result.CrossedLowBalance {
			s.notifier.LowBalance(ctx, acct.TenantID, acct.ID, result.NewBalance, acct.LowBalanceThreshold)
		}
		if result.OverageUsed.IsPositive() {
			s.notifier.OverageTriggered(ctx, acct.TenantID, acct.ID, p.OperationCode, result.OverageUsed)
		}
	}
	return result, nil
}

func (s *Service) Credit(ctx context.Context, p CreditParams) (*CreditResult, error) {
	var result *CreditResult
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		result, err = s.repo.Credit(ctx, p)
		if err == nil || !retryable(err) {
			break
		}
		log.Warn().Err(err).
			Str("account_id", p.AccountID.String()).
			Int("attempt", attempt+1).
			Msg("credit retry")
	}
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		log.Info().
			Str("account_id", p.AccountID.String()).
			Str("ref", p.Ref).
			Msg("credit replayed, no balance change")
	}
	return result, nil
}

func (s *Service) ExecuteTransfer(ctx context.Context, transferID, sourceID, destID uuid.UUID,
	amount, fee decimal.Decimal, expiresAt *time.Time) (*TransferResult, error) {

	var result *TransferResult
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		result, err = s.repo.ExecuteTransfer(ctx, transferID, sourceID, destID, amount, fee, expiresAt)
		if err == nil || !retryable(err) {
			break
		}
		log.Warn().Err(err).
			Str("transfer_id", transferID.String()).
			Int("attempt", attempt+1).
			Msg("transfer retry")
	}
	return result, err
}

func (s *Service) Reserve(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, deadline time.Time) (uuid.UUID, error) {
	return s.repo.Reserve(ctx, accountID, amount, deadline)
}

func (s *Service) CommitReservation(ctx context.Context, id uuid.UUID, operationCode, description string) (*ConsumeResult, error) {
	var result *ConsumeResult
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		result, err = s.repo.CommitReservation(ctx, id, operationCode, description)
		if err == nil || !retryable(err) {
			break
		}
		log.Warn().Err(err).
			Str("reservation_id", id.String()).
			Int("attempt", attempt+1).
			Msg("reservation commit retry")
	}
	return result, err
}

func (s *Service) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	return s.repo.ReleaseReservation(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, f TxFilter) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, accountID, f)
}

func (s *Service) ListBatches(ctx context.Context, accountID uuid.UUID) ([]Batch, error) {
	return s.repo.ListBatches(ctx, accountID)
}

func (s *Service) ReplayBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.ReplayBalance(ctx, accountID)
}

// SweepExpired zeroes expired batches across all accounts and alerts on
// threshold crossings. Called by the sweeper on a schedule.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	results, err := s.repo.ExpireBatches(ctx, now)
	if err != nil {
		return len(results), err
	}
	for _, res := range results {
		log.Info().
			Str("account_id", res.AccountID.String()).
			Str("batch_id", res.BatchID.String()).
			Str("expired", res.Expired.String()).
			Msg("credit batch expired")
		if s.notifier != nil && res.CrossedLowBalance {
			acct, accErr := s.repo.GetAccount(ctx, res.AccountID)
			if accErr == nil {
				s.notifier.LowBalance(ctx, res.TenantID, res.AccountID, res.NewBalance, acct.LowBalanceThreshold)
			}
		}
	}
	return len(results), nil
}

// ReapReservations force-releases holds past their deadline
func (s *Service) ReapReservations(ctx context.Context, now time.Time) (int, error) {
	return s.repo.ReapReservations(ctx, now)
}

// WarnExpiring emits one expiry warning per batch expiring within the window
func (s *Service) WarnExpiring(ctx context.Context, now time.Time, within time.Duration) (int, error) {
	if s.notifier == nil {
		return 0, nil
	}
	batches, err := s.repo.ExpiringBatches(ctx, now, within)
	if err != nil {
		return 0, err
	}
	for _, b := range batches {
		s.notifier.ExpiryWarning(ctx, b.TenantID, b.AccountID, b.ID, b.Remaining, b.ExpiresAt.Time)
	}
	return len(batches), nil
}
