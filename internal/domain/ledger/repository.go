package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/bizgrid/credits-api/internal/pkg/money"
)

const queryTimeout = 3 * time.Second

// Postgres error codes
const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
)

// Repository owns balances, batches, reservations and the transaction log.
// Every mutation runs in one SQL transaction under a FOR UPDATE lock on the
// account row, so operations on the same account never interleave; a transfer
// locks both accounts in ascending id order to stay deadlock-free.
type Repository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewRepository creates the ledger repository. lockTimeout bounds how long a
// mutation may wait for an account lock before failing with ErrLockTimeout.
func NewRepository(db *sqlx.DB, lockTimeout time.Duration) *Repository {
	return &Repository{db: db, lockTimeout: lockTimeout}
}

func (r *Repository) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	// lock_timeout only accepts a literal, not a bind parameter
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", r.lockTimeout.Milliseconds())); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("%w: set lock timeout", ErrInternal)
	}
	return tx, nil
}

func mapPQError(err error, fallback error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable:
			return ErrLockTimeout
		case pqUniqueViolation:
			return ErrDuplicateReference
		}
	}
	return fallback
}

// EnsureAccount lazily creates the (tenant, entity) account on first use
func (r *Repository) EnsureAccount(ctx context.Context, tenantID uuid.UUID, entityID uuid.NullUUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO credit_accounts (id, tenant_id, entity_id, period_start)
		VALUES ($1, $2, $3, date_trunc('month', NOW() AT TIME ZONE 'utc'))
		ON CONFLICT (tenant_id, COALESCE(entity_id, '00000000-0000-0000-0000-000000000000')) DO NOTHING
	`, uuid.New(), tenantID, entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: ensure account", ErrInternal)
	}
	return r.GetAccountByEntity(ctx, tenantID, entityID)
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acct Account
	err := r.db.GetContext(ctx2, &acct, `SELECT * FROM credit_accounts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account", ErrInternal)
	}
	return &acct, nil
}

func (r *Repository) GetAccountByEntity(ctx context.Context, tenantID uuid.UUID, entityID uuid.NullUUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acct Account
	err := r.db.GetContext(ctx2, &acct, `
		SELECT * FROM credit_accounts
		WHERE tenant_id = $1
		  AND COALESCE(entity_id, '00000000-0000-0000-0000-000000000000') =
		      COALESCE($2, '00000000-0000-0000-0000-000000000000')
	`, tenantID, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account by entity", ErrInternal)
	}
	return &acct, nil
}

// UpdateAccountControls sets the frozen flag and low-balance threshold
func (r *Repository) UpdateAccountControls(ctx context.Context, id uuid.UUID, frozen bool, lowBalanceThreshold decimal.Decimal) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET frozen = $2, low_balance_threshold = $3, updated_at = NOW()
		WHERE id = $1
	`, id, frozen, lowBalanceThreshold)
	if err != nil {
		return fmt.Errorf("%w: update account controls", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// lockAccount takes the per-account mutation lock and rolls the period
// counters forward if a new calendar month has started
func (r *Repository) lockAccount(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, now time.Time) (*Account, error) {
	var acct Account
	err := tx.GetContext(ctx, &acct, `SELECT * FROM credit_accounts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, mapPQError(err, fmt.Errorf("%w: lock account", ErrInternal))
	}

	if start := periodStart(now); start.After(acct.PeriodStart) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts
			SET period_consumed = 0, period_overage = 0, period_start = $2, updated_at = NOW()
			WHERE id = $1
		`, id, start); err != nil {
			return nil, fmt.Errorf("%w: roll period", ErrInternal)
		}
		acct.PeriodConsumed = decimal.Zero
		acct.PeriodOverage = decimal.Zero
		acct.PeriodStart = start
	}
	return &acct, nil
}

func (r *Repository) lockBatches(ctx context.Context, tx *sqlx.Tx, accountID uuid.UUID) ([]Batch, error) {
	batches := make([]Batch, 0, 8)
	err := tx.SelectContext(ctx, &batches, `
		SELECT * FROM credit_batches
		WHERE account_id = $1 AND remaining > 0
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
		FOR UPDATE
	`, accountID)
	if err != nil {
		return nil, mapPQError(err, fmt.Errorf("%w: lock batches", ErrInternal))
	}
	return batches, nil
}

// insertTransaction appends a ledger row. prev must be the account total
// before the mutation; the per-account seq continues the chain.
func (r *Repository) insertTransaction(ctx context.Context, tx *sqlx.Tx, accountID uuid.UUID, typ TxType,
	amount, prev, next decimal.Decimal, opCode string, batchID, transferID uuid.NullUUID, ref, description string) (uuid.UUID, error) {

	if strings.TrimSpace(description) == "" {
		description = "credit balance change"
	}

	id := uuid.New()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, account_id, seq, tx_type, amount, previous_balance, new_balance,
			operation_code, batch_id, transfer_id, ref, description, processed_at
		)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, NOW()
		FROM credit_transactions WHERE account_id = $2
	`, id, accountID, typ, amount, prev, next, opCode, batchID, transferID, ref, description)
	if err != nil {
		return uuid.Nil, mapPQError(err, fmt.Errorf("%w: insert transaction", ErrInternal))
	}
	return id, nil
}

// applyDraws decrements planned batches. A zero rows-affected update means
// the batch was expired or drained since planning; the caller retries.
func (r *Repository) applyDraws(ctx context.Context, tx *sqlx.Tx, draws []batchDraw, now time.Time) error {
	for _, d := range draws {
		result, err := tx.ExecContext(ctx, `
			UPDATE credit_batches
			SET remaining = remaining - $2
			WHERE id = $1 AND remaining >= $2 AND (expires_at IS NULL OR expires_at > $3)
		`, d.BatchID, d.Amount, now)
		if err != nil {
			return fmt.Errorf("%w: draw batch", ErrInternal)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: rows affected", ErrInternal)
		}
		if rows == 0 {
			return ErrExpiredBatchReferenced
		}
	}
	return nil
}

// chargeUsage records period usage for an operation and returns the billable
// quantity after netting the free allowance
func (r *Repository) chargeUsage(ctx context.Context, tx *sqlx.Tx, acct *Account, opCode string,
	quantity, freeAllowance decimal.Decimal) (decimal.Decimal, error) {

	if !freeAllowance.IsPositive() {
		return quantity, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO operation_usage (account_id, operation_code, period_start, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (account_id, operation_code, period_start) DO NOTHING
	`, acct.ID, opCode, acct.PeriodStart); err != nil {
		return decimal.Zero, fmt.Errorf("%w: ensure usage row", ErrInternal)
	}

	var used decimal.Decimal
	if err := tx.GetContext(ctx, &used, `
		SELECT used FROM operation_usage
		WHERE account_id = $1 AND operation_code = $2 AND period_start = $3
		FOR UPDATE
	`, acct.ID, opCode, acct.PeriodStart); err != nil {
		return decimal.Zero, mapPQError(err, fmt.Errorf("%w: read usage", ErrInternal))
	}

	remainingFree := freeAllowance.Sub(used)
	if remainingFree.IsNegative() {
		remainingFree = decimal.Zero
	}
	billable := quantity.Sub(money.Min(quantity, remainingFree))

	if _, err := tx.ExecContext(ctx, `
		UPDATE operation_usage SET used = used + $4
		WHERE account_id = $1 AND operation_code = $2 AND period_start = $3
	`, acct.ID, opCode, acct.PeriodStart, quantity); err != nil {
		return decimal.Zero, fmt.Errorf("%w: bump usage", ErrInternal)
	}
	return billable, nil
}

// Consume atomically charges an account: free-allowance netting, FIFO batch
// drain by expiry, overage check, account update and one ledger row.
// All-or-nothing: any failure rolls the whole thing back.
func (r *Repository) Consume(ctx context.Context, p ConsumeParams) (*ConsumeResult, error) {
	if !money.IsPositive(p.Quantity) || p.UnitCost.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if p.TxType == "" {
		p.TxType = TxTypeConsumption
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	acct, err := r.lockAccount(ctx2, tx, p.AccountID, now)
	if err != nil {
		return nil, err
	}
	if acct.Frozen {
		return nil, ErrAccountFrozen
	}

	billable, err := r.chargeUsage(ctx2, tx, acct, p.OperationCode, p.Quantity, p.FreeAllowance)
	if err != nil {
		return nil, err
	}

	amount := money.Mul(billable, p.UnitCost)
	if !amount.IsPositive() {
		// fully covered by the free allowance: usage recorded, no balance change
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: commit tx", ErrInternal)
		}
		return &ConsumeResult{Amount: decimal.Zero, NewBalance: acct.Available, FullyCovered: true}, nil
	}

	batches, err := r.lockBatches(ctx2, tx, acct.ID)
	if err != nil {
		return nil, err
	}

	draws, shortfall := planConsumption(batches, amount, now)
	overageUsed := decimal.Zero
	if shortfall.IsPositive() {
		if !p.AllowOverage || acct.PeriodOverage.Add(shortfall).GreaterThan(p.OverageLimit) {
			return nil, fmt.Errorf("%w: account %s short %s credits for %s",
				ErrInsufficientCredits, acct.ID, shortfall, p.OperationCode)
		}
		overageUsed = shortfall
	}

	if err := r.applyDraws(ctx2, tx, draws, now); err != nil {
		return nil, err
	}

	prev := acct.Total()
	next := prev.Sub(amount)
	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET available_credits = available_credits - $2,
		    total_consumed = total_consumed + $2,
		    period_consumed = period_consumed + $2,
		    period_overage = period_overage + $3,
		    updated_at = NOW()
		WHERE id = $1
	`, acct.ID, amount, overageUsed); err != nil {
		return nil, fmt.Errorf("%w: update account balance", ErrInternal)
	}

	txID, err := r.insertTransaction(ctx2, tx, acct.ID, p.TxType, amount, prev, next,
		p.OperationCode, uuid.NullUUID{}, p.TransferID, "", p.Description)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	newAvailable := acct.Available.Sub(amount)
	return &ConsumeResult{
		TransactionID: txID,
		Amount:        amount,
		NewBalance:    newAvailable,
		OverageUsed:   overageUsed,
		CrossedLowBalance: acct.LowBalanceThreshold.IsPositive() &&
			acct.Available.GreaterThanOrEqual(acct.LowBalanceThreshold) &&
			newAvailable.LessThan(acct.LowBalanceThreshold),
	}, nil
}

// Credit creates a new batch and one ledger row. A non-empty Ref makes the
// call idempotent: replaying the same ref with the same amount is a no-op,
// a different amount is a conflict.
func (r *Repository) Credit(ctx context.Context, p CreditParams) (*CreditResult, error) {
	if !money.IsPositive(p.Amount) {
		return nil, ErrInvalidAmount
	}
	if p.TxType == "" {
		p.TxType = TxTypePurchase
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	acct, err := r.lockAccount(ctx2, tx, p.AccountID, now)
	if err != nil {
		return nil, err
	}

	if p.Ref != "" {
		var existing Transaction
		err := tx.GetContext(ctx2, &existing, `
			SELECT * FROM credit_transactions
			WHERE account_id = $1 AND tx_type = $2 AND ref = $3
			LIMIT 1
		`, acct.ID, p.TxType, p.Ref)
		if err == nil {
			if !existing.Amount.Equal(p.Amount) {
				return nil, ErrReferenceConflict
			}
			return &CreditResult{
				BatchID:       existing.BatchID.UUID,
				TransactionID: existing.ID,
				NewBalance:    acct.Available,
				Replayed:      true,
			}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: check reference", ErrInternal)
		}
	}

	batchID := uuid.New()
	var expiresAt interface{}
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UTC()
	}
	if _, err := tx.ExecContext(ctx2, `
		INSERT INTO credit_batches (id, account_id, amount, remaining, source, expires_at, created_at)
		VALUES ($1, $2, $3, $3, $4, $5, NOW())
	`, batchID, acct.ID, p.Amount, p.Source, expiresAt); err != nil {
		return nil, fmt.Errorf("%w: create batch", ErrInternal)
	}

	prev := acct.Total()
	next := prev.Add(p.Amount)
	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET available_credits = available_credits + $2, updated_at = NOW()
		WHERE id = $1
	`, acct.ID, p.Amount); err != nil {
		return nil, fmt.Errorf("%w: update account balance", ErrInternal)
	}

	txID, err := r.insertTransaction(ctx2, tx, acct.ID, p.TxType, p.Amount, prev, next,
		"", uuid.NullUUID{UUID: batchID, Valid: true}, p.TransferID, p.Ref, p.Description)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return &CreditResult{
		BatchID:       batchID,
		TransactionID: txID,
		NewBalance:    acct.Available.Add(p.Amount),
	}, nil
}

// ExecuteTransfer moves amount out of the source pool and credits the
// destination with amount minus fee, atomically in one SQL transaction.
// Both account locks are taken in ascending id order to avoid deadlock.
// Transfers never use overage.
func (r *Repository) ExecuteTransfer(ctx context.Context, transferID, sourceID, destID uuid.UUID,
	amount, fee decimal.Decimal, expiresAt *time.Time) (*TransferResult, error) {

	if !money.IsPositive(amount) || fee.IsNegative() || fee.GreaterThanOrEqual(amount) {
		return nil, ErrInvalidAmount
	}
	if sourceID == destID {
		return nil, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	first, second := sourceID, destID
	if strings.Compare(destID.String(), sourceID.String()) < 0 {
		first, second = destID, sourceID
	}
	locked := map[uuid.UUID]*Account{}
	for _, id := range []uuid.UUID{first, second} {
		acct, err := r.lockAccount(ctx2, tx, id, now)
		if err != nil {
			return nil, err
		}
		locked[id] = acct
	}
	source, dest := locked[sourceID], locked[destID]
	if source.Frozen || dest.Frozen {
		return nil, ErrAccountFrozen
	}

	batches, err := r.lockBatches(ctx2, tx, source.ID)
	if err != nil {
		return nil, err
	}
	draws, shortfall := planConsumption(batches, amount, now)
	if shortfall.IsPositive() {
		return nil, fmt.Errorf("%w: account %s short %s credits for transfer %s",
			ErrInsufficientCredits, source.ID, shortfall, transferID)
	}
	if err := r.applyDraws(ctx2, tx, draws, now); err != nil {
		return nil, err
	}

	transferRef := uuid.NullUUID{UUID: transferID, Valid: true}

	sourcePrev := source.Total()
	sourceNext := sourcePrev.Sub(amount)
	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET available_credits = available_credits - $2, updated_at = NOW()
		WHERE id = $1
	`, source.ID, amount); err != nil {
		return nil, fmt.Errorf("%w: debit source account", ErrInternal)
	}
	sourceTxID, err := r.insertTransaction(ctx2, tx, source.ID, TxTypeTransferOut, amount,
		sourcePrev, sourceNext, "", uuid.NullUUID{}, transferRef, "", "credit transfer out")
	if err != nil {
		return nil, err
	}

	// fee is absorbed by the source side; the destination receives the net,
	// already truncated to ledger scale
	net := money.Quantize(amount.Sub(fee))
	batchID := uuid.New()
	var destExpiry interface{}
	if expiresAt != nil {
		destExpiry = expiresAt.UTC()
	}
	if _, err := tx.ExecContext(ctx2, `
		INSERT INTO credit_batches (id, account_id, amount, remaining, source, expires_at, created_at)
		VALUES ($1, $2, $3, $3, $4, $5, NOW())
	`, batchID, dest.ID, net, SourceTransfer, destExpiry); err != nil {
		return nil, fmt.Errorf("%w: create destination batch", ErrInternal)
	}

	destPrev := dest.Total()
	destNext := destPrev.Add(net)
	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET available_credits = available_credits + $2, updated_at = NOW()
		WHERE id = $1
	`, dest.ID, net); err != nil {
		return nil, fmt.Errorf("%w: credit destination account", ErrInternal)
	}
	destTxID, err := r.insertTransaction(ctx2, tx, dest.ID, TxTypeTransferIn, net,
		destPrev, destNext, "", uuid.NullUUID{UUID: batchID, Valid: true}, transferRef, "", "credit transfer in")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return &TransferResult{
		SourceTransactionID: sourceTxID,
		DestTransactionID:   destTxID,
		DestBatchID:         batchID,
		SourceNewBalance:    source.Available.Sub(amount),
		DestNewBalance:      dest.Available.Add(net),
	}, nil
}

// Reserve holds amount out of available credits until deadline. Holds never
// use overage and never touch batches.
func (r *Repository) Reserve(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, deadline time.Time) (uuid.UUID, error) {
	if !money.IsPositive(amount) {
		return uuid.Nil, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	acct, err := r.lockAccount(ctx2, tx, accountID, now)
	if err != nil {
		return uuid.Nil, err
	}
	if acct.Frozen {
		return uuid.Nil, ErrAccountFrozen
	}
	if acct.Available.LessThan(amount) {
		return uuid.Nil, fmt.Errorf("%w: account %s short %s credits for hold",
			ErrInsufficientCredits, acct.ID, amount.Sub(acct.Available))
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET available_credits = available_credits - $2,
		    reserved_credits = reserved_credits + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, acct.ID, amount); err != nil {
		return uuid.Nil, fmt.Errorf("%w: move credits to hold", ErrInternal)
	}

	id := uuid.New()
	if _, err := tx.ExecContext(ctx2, `
		INSERT INTO credit_reservations (id, account_id, amount, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, NOW(), NOW())
	`, id, acct.ID, amount, deadline.UTC()); err != nil {
		return uuid.Nil, fmt.Errorf("%w: create reservation", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return id, nil
}

func (r *Repository) lockReservation(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Reservation, error) {
	var res Reservation
	err := tx.GetContext(ctx, &res, `SELECT * FROM credit_reservations WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, mapPQError(err, fmt.Errorf("%w: lock reservation", ErrInternal))
	}
	return &res, nil
}

// releaseReservation returns a pending hold to available credits, marking it
// with the given terminal status (released by the caller, expired by the
// reaper)
func (r *Repository) releaseReservation(ctx context.Context, id uuid.UUID, status ReservationStatus) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := r.lockReservation(ctx2, tx, id)
	if err != nil {
		return err
	}
	if res.Status != ReservationPending {
		return ErrReservationClosed
	}

	now := time.Now().UTC()
	if _, err := r.lockAccount(ctx2, tx, res.AccountID, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET available_credits = available_credits + $2,
		    reserved_credits = reserved_credits - $2,
		    updated_at = NOW()
		WHERE id = $1
	`, res.AccountID, res.Amount); err != nil {
		return fmt.Errorf("%w: return hold to available", ErrInternal)
	}
	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_reservations SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status); err != nil {
		return fmt.Errorf("%w: close reservation", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return nil
}

// ReleaseReservation returns an uncommitted hold to available credits
func (r *Repository) ReleaseReservation(ctx context.Context, id uuid.UUID) error {
	return r.releaseReservation(ctx, id, ReservationReleased)
}

// CommitReservation converts a pending hold into a real consumption: the
// held amount is drained from batches and leaves the reserved pool.
func (r *Repository) CommitReservation(ctx context.Context, id uuid.UUID, operationCode, description string) (*ConsumeResult, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := r.lockReservation(ctx2, tx, id)
	if err != nil {
		return nil, err
	}
	if res.Status != ReservationPending {
		return nil, ErrReservationClosed
	}

	now := time.Now().UTC()
	acct, err := r.lockAccount(ctx2, tx, res.AccountID, now)
	if err != nil {
		return nil, err
	}

	batches, err := r.lockBatches(ctx2, tx, acct.ID)
	if err != nil {
		return nil, err
	}
	draws, shortfall := planConsumption(batches, res.Amount, now)
	if shortfall.IsPositive() {
		// held credits expired out from under the hold; the pool can no
		// longer cover it
		return nil, fmt.Errorf("%w: account %s short %s credits committing hold %s",
			ErrInsufficientCredits, acct.ID, shortfall, id)
	}
	if err := r.applyDraws(ctx2, tx, draws, now); err != nil {
		return nil, err
	}

	prev := acct.Total()
	next := prev.Sub(res.Amount)
	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET reserved_credits = reserved_credits - $2,
		    total_consumed = total_consumed + $2,
		    period_consumed = period_consumed + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, acct.ID, res.Amount); err != nil {
		return nil, fmt.Errorf("%w: consume held credits", ErrInternal)
	}

	txID, err := r.insertTransaction(ctx2, tx, acct.ID, TxTypeConsumption, res.Amount, prev, next,
		operationCode, uuid.NullUUID{}, uuid.NullUUID{}, "", description)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_reservations SET status = 'committed', updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return nil, fmt.Errorf("%w: close reservation", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	// committing a hold spends reserved credits; available is untouched, so
	// the low-balance threshold (tracked on available) cannot be crossed here
	return &ConsumeResult{
		TransactionID: txID,
		Amount:        res.Amount,
		NewBalance:    acct.Available,
	}, nil
}

// ExpireBatches zeroes every batch past expiry, one account at a time under
// that account's lock, appending one expiry transaction per batch
func (r *Repository) ExpireBatches(ctx context.Context, now time.Time) ([]ExpiryResult, error) {
	accountIDs := make([]uuid.UUID, 0, 16)
	if err := r.db.SelectContext(ctx, &accountIDs, `
		SELECT DISTINCT account_id FROM credit_batches
		WHERE remaining > 0 AND expires_at IS NOT NULL AND expires_at <= $1
	`, now.UTC()); err != nil {
		return nil, fmt.Errorf("%w: find expired batches", ErrInternal)
	}

	results := make([]ExpiryResult, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		accountResults, err := r.expireAccountBatches(ctx, accountID, now)
		if err != nil {
			return results, err
		}
		results = append(results, accountResults...)
	}
	return results, nil
}

func (r *Repository) expireAccountBatches(ctx context.Context, accountID uuid.UUID, now time.Time) ([]ExpiryResult, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.begin(ctx2)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acct, err := r.lockAccount(ctx2, tx, accountID, now)
	if err != nil {
		return nil, err
	}

	expired := make([]Batch, 0, 4)
	if err := tx.SelectContext(ctx2, &expired, `
		SELECT * FROM credit_batches
		WHERE account_id = $1 AND remaining > 0 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC
		FOR UPDATE
	`, accountID, now.UTC()); err != nil {
		return nil, mapPQError(err, fmt.Errorf("%w: lock expired batches", ErrInternal))
	}

	results := make([]ExpiryResult, 0, len(expired))
	running := acct.Total()
	availableBefore := acct.Available
	for _, b := range expired {
		if _, err := tx.ExecContext(ctx2, `
			UPDATE credit_batches SET remaining = 0 WHERE id = $1
		`, b.ID); err != nil {
			return nil, fmt.Errorf("%w: zero expired batch", ErrInternal)
		}
		if _, err := tx.ExecContext(ctx2, `
			UPDATE credit_accounts
			SET available_credits = available_credits - $2,
			    total_expired = total_expired + $2,
			    updated_at = NOW()
			WHERE id = $1
		`, accountID, b.Remaining); err != nil {
			return nil, fmt.Errorf("%w: apply expiry to balance", ErrInternal)
		}

		prev := running
		running = running.Sub(b.Remaining)
		if _, err := r.insertTransaction(ctx2, tx, accountID, TxTypeExpiry, b.Remaining, prev, running,
			"", uuid.NullUUID{UUID: b.ID, Valid: true}, uuid.NullUUID{}, "", "batch expired"); err != nil {
			return nil, err
		}

		availableAfter := availableBefore.Sub(b.Remaining)
		results = append(results, ExpiryResult{
			AccountID:  accountID,
			TenantID:   acct.TenantID,
			BatchID:    b.ID,
			Expired:    b.Remaining,
			NewBalance: availableAfter,
			CrossedLowBalance: acct.LowBalanceThreshold.IsPositive() &&
				availableBefore.GreaterThanOrEqual(acct.LowBalanceThreshold) &&
				availableAfter.LessThan(acct.LowBalanceThreshold),
		})
		availableBefore = availableAfter
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return results, nil
}

// ReapReservations force-releases pending holds past their deadline and
// returns how many were reaped
func (r *Repository) ReapReservations(ctx context.Context, now time.Time) (int, error) {
	ids := make([]uuid.UUID, 0, 16)
	if err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM credit_reservations
		WHERE status = 'pending' AND expires_at <= $1
	`, now.UTC()); err != nil {
		return 0, fmt.Errorf("%w: find stale reservations", ErrInternal)
	}

	reaped := 0
	for _, id := range ids {
		err := r.releaseReservation(ctx, id, ReservationExpired)
		if err != nil {
			if errors.Is(err, ErrReservationClosed) {
				continue // raced with a commit or release; fine
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// ExpiringBatches lists batches that still hold credits and expire within
// the window; used for expiry-warning alerts
func (r *Repository) ExpiringBatches(ctx context.Context, now time.Time, within time.Duration) ([]ExpiringBatch, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	batches := make([]ExpiringBatch, 0, 16)
	err := r.db.SelectContext(ctx2, &batches, `
		SELECT b.*, a.tenant_id
		FROM credit_batches b
		JOIN credit_accounts a ON a.id = b.account_id
		WHERE b.remaining > 0
		  AND b.expires_at IS NOT NULL
		  AND b.expires_at > $1 AND b.expires_at <= $2
		ORDER BY b.expires_at ASC
	`, now.UTC(), now.UTC().Add(within))
	if err != nil {
		return nil, fmt.Errorf("%w: list expiring batches", ErrInternal)
	}
	return batches, nil
}

// ListBatches returns the account's batches that still hold credits
func (r *Repository) ListBatches(ctx context.Context, accountID uuid.UUID) ([]Batch, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	batches := make([]Batch, 0, 8)
	err := r.db.SelectContext(ctx2, &batches, `
		SELECT * FROM credit_batches
		WHERE account_id = $1 AND remaining > 0
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: list batches", ErrInternal)
	}
	return batches, nil
}

// ListTransactions returns the account's ledger rows, newest first
func (r *Repository) ListTransactions(ctx context.Context, accountID uuid.UUID, f TxFilter) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	base := `SELECT * FROM credit_transactions WHERE account_id = $1`
	args := []interface{}{accountID}
	idx := 2

	if f.Type != nil {
		base += fmt.Sprintf(" AND tx_type = $%d", idx)
		args = append(args, *f.Type)
		idx++
	}
	if f.From != nil {
		base += fmt.Sprintf(" AND processed_at >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		base += fmt.Sprintf(" AND processed_at <= $%d", idx)
		args = append(args, *f.To)
		idx++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	base += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	transactions := make([]Transaction, 0, limit)
	if err := r.db.SelectContext(ctx2, &transactions, base, args...); err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}
	return transactions, nil
}

// ReplayBalance folds the account's full ledger from zero and verifies the
// chain previous(n+1) == new(n). Audit helper: the result must equal the
// account's current total.
func (r *Repository) ReplayBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	transactions := make([]Transaction, 0, 64)
	if err := r.db.SelectContext(ctx2, &transactions, `
		SELECT * FROM credit_transactions WHERE account_id = $1 ORDER BY seq ASC
	`, accountID); err != nil {
		return decimal.Zero, fmt.Errorf("%w: load ledger", ErrInternal)
	}

	balance := decimal.Zero
	for _, t := range transactions {
		if !t.PreviousBalance.Equal(balance) {
			return decimal.Zero, fmt.Errorf("%w: ledger discontinuity at seq %d for account %s",
				ErrInternal, t.Seq, accountID)
		}
		if t.Type.IsCredit() {
			balance = balance.Add(t.Amount)
		} else {
			balance = balance.Sub(t.Amount)
		}
		if !t.NewBalance.Equal(balance) {
			return decimal.Zero, fmt.Errorf("%w: ledger amount mismatch at seq %d for account %s",
				ErrInternal, t.Seq, accountID)
		}
	}
	return balance, nil
}
