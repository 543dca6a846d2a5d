package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source describes where a batch's credits came from
type Source string

const (
	SourcePurchase    Source = "purchase"
	SourceTransfer    Source = "transfer"
	SourcePromotional Source = "promotional"
	SourceSeasonal    Source = "seasonal"
)

// TxType defines supported credit transaction types. Amounts are always
// positive; the type carries the direction.
type TxType string

const (
	TxTypePurchase    TxType = "purchase"
	TxTypeConsumption TxType = "consumption"
	TxTypeExpiry      TxType = "expiry"
	TxTypeTransferIn  TxType = "transfer_in"
	TxTypeTransferOut TxType = "transfer_out"
	TxTypeRefund      TxType = "refund"
	TxTypeAdjustment  TxType = "adjustment"
)

// IsCredit reports whether the type increases the balance
func (t TxType) IsCredit() bool {
	switch t {
	case TxTypePurchase, TxTypeTransferIn, TxTypeRefund, TxTypeAdjustment:
		return true
	}
	return false
}

// Account is the per-(tenant, entity) credit balance. EntityID is null for
// the tenant-level account. Accounts are created lazily on first use.
type Account struct {
	ID       uuid.UUID     `db:"id" json:"id"`
	TenantID uuid.UUID     `db:"tenant_id" json:"tenant_id"`
	EntityID uuid.NullUUID `db:"entity_id" json:"entity_id,omitempty"`

	Available decimal.Decimal `db:"available_credits" json:"available_credits"`
	Reserved  decimal.Decimal `db:"reserved_credits" json:"reserved_credits"`

	TotalConsumed decimal.Decimal `db:"total_consumed" json:"total_consumed"`
	TotalExpired  decimal.Decimal `db:"total_expired" json:"total_expired"`

	// Period counters reset at each calendar-month boundary
	PeriodConsumed decimal.Decimal `db:"period_consumed" json:"period_consumed"`
	PeriodOverage  decimal.Decimal `db:"period_overage" json:"period_overage"`
	PeriodStart    time.Time       `db:"period_start" json:"period_start"`

	LowBalanceThreshold decimal.Decimal `db:"low_balance_threshold" json:"low_balance_threshold"`
	Frozen              bool            `db:"frozen" json:"frozen"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Total returns available + reserved. Batches back the total: a reservation
// moves credits between the two pools without touching batches.
func (a *Account) Total() decimal.Decimal {
	return a.Available.Add(a.Reserved)
}

// Batch is a dated lot of credits. Consumption drains soonest-expiring
// batches first; batches without expiry are consumed last.
type Batch struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	AccountID uuid.UUID       `db:"account_id" json:"account_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Remaining decimal.Decimal `db:"remaining" json:"remaining"`
	Source    Source          `db:"source" json:"source"`
	ExpiresAt sql.NullTime    `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Expired reports whether the batch is past its expiry at the given instant
func (b *Batch) Expired(now time.Time) bool {
	return b.ExpiresAt.Valid && !b.ExpiresAt.Time.After(now)
}

// Transaction is an immutable ledger row. PreviousBalance/NewBalance track
// total credits (available + reserved): reservations shuffle credits between
// the two pools without a ledger entry, so the per-account chain
// previous(n+1) == new(n) always holds.
type Transaction struct {
	ID        uuid.UUID `db:"id" json:"id"`
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	Seq       int64     `db:"seq" json:"seq"`
	Type      TxType    `db:"tx_type" json:"tx_type"`

	Amount          decimal.Decimal `db:"amount" json:"amount"`
	PreviousBalance decimal.Decimal `db:"previous_balance" json:"previous_balance"`
	NewBalance      decimal.Decimal `db:"new_balance" json:"new_balance"`

	OperationCode sql.NullString `db:"operation_code" json:"operation_code,omitempty"`
	BatchID       uuid.NullUUID  `db:"batch_id" json:"batch_id,omitempty"`
	TransferID    uuid.NullUUID  `db:"transfer_id" json:"transfer_id,omitempty"`
	Ref           sql.NullString `db:"ref" json:"ref,omitempty"`
	Description   string         `db:"description" json:"description"`

	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// ReservationStatus tracks a hold's lifecycle
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a temporary hold against available credits. Uncommitted
// holds past ExpiresAt are force-released by the reaper.
type Reservation struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	AccountID uuid.UUID         `db:"account_id" json:"account_id"`
	Amount    decimal.Decimal   `db:"amount" json:"amount"`
	Status    ReservationStatus `db:"status" json:"status"`
	ExpiresAt time.Time         `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// ConsumeParams describes one charge against an account
type ConsumeParams struct {
	AccountID     uuid.UUID
	OperationCode string
	Quantity      decimal.Decimal
	UnitCost      decimal.Decimal

	// Free allowance in operation units per period; quantity is netted
	// against the unused remainder before costing
	FreeAllowance decimal.Decimal

	AllowOverage bool
	OverageLimit decimal.Decimal

	TxType      TxType // defaults to consumption
	TransferID  uuid.NullUUID
	Description string
}

// ConsumeResult reports the outcome of a charge
type ConsumeResult struct {
	TransactionID uuid.UUID       `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	OverageUsed   decimal.Decimal `json:"overage_used"`

	// FullyCovered is true when the free allowance absorbed the whole
	// quantity; no batches were touched and no transaction was appended
	FullyCovered bool `json:"fully_covered"`

	CrossedLowBalance bool `json:"-"`
}

// CreditParams describes one balance increase (new batch)
type CreditParams struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Source      Source
	ExpiresAt   *time.Time
	TxType      TxType // purchase, transfer_in, refund or adjustment
	TransferID  uuid.NullUUID
	Ref         string // idempotency key, e.g. payment reference
	Description string
}

// CreditResult reports the outcome of a credit
type CreditResult struct {
	BatchID       uuid.UUID       `json:"batch_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	NewBalance    decimal.Decimal `json:"new_balance"`

	// Replayed is true when the ref was already applied and nothing changed
	Replayed bool `json:"-"`
}

// TransferResult reports both sides of an executed transfer
type TransferResult struct {
	SourceTransactionID uuid.UUID       `json:"source_transaction_id"`
	DestTransactionID   uuid.UUID       `json:"dest_transaction_id"`
	DestBatchID         uuid.UUID       `json:"dest_batch_id"`
	SourceNewBalance    decimal.Decimal `json:"source_new_balance"`
	DestNewBalance      decimal.Decimal `json:"dest_new_balance"`
}

// ExpiryResult reports one expired batch
type ExpiryResult struct {
	AccountID         uuid.UUID
	TenantID          uuid.UUID
	BatchID           uuid.UUID
	Expired           decimal.Decimal
	NewBalance        decimal.Decimal
	CrossedLowBalance bool
}

// ExpiringBatch is a batch approaching expiry, reported for warnings
type ExpiringBatch struct {
	Batch
	TenantID uuid.UUID `db:"tenant_id"`
}

// TxFilter controls transaction listing
type TxFilter struct {
	Type   *TxType
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
