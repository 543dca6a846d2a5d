package transfer

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Status tracks a transfer through its workflow. Credits move when an
// approved transfer executes; a permanent transfer then completes
// immediately, while a temporary one stays approved until its recall
// deadline passes (or it is recalled).
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRecalled  Status = "recalled"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusCompleted, StatusFailed, StatusRecalled},
}

// CanTransition reports whether moving from s to next is legal
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Transfer moves credits between two accounts of the same tenant. Amount is
// the gross debit from the source; the destination receives amount minus fee.
type Transfer struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID uuid.UUID `db:"tenant_id" json:"tenant_id"`

	SourceAccountID uuid.UUID `db:"source_account_id" json:"source_account_id"`
	DestAccountID   uuid.UUID `db:"dest_account_id" json:"dest_account_id"`

	Amount decimal.Decimal `db:"amount" json:"amount"`
	Fee    decimal.Decimal `db:"fee" json:"fee"`

	Status Status `db:"status" json:"status"`

	RequestedBy uuid.UUID      `db:"requested_by" json:"requested_by"`
	DecidedBy   uuid.NullUUID  `db:"decided_by" json:"decided_by,omitempty"`
	Reason      sql.NullString `db:"reason" json:"reason,omitempty"`
	FailureNote sql.NullString `db:"failure_note" json:"failure_note,omitempty"`

	// Temporary transfers may be recalled until RecallDeadline; past the
	// deadline the sweeper finalizes them to completed
	IsTemporary    bool         `db:"is_temporary" json:"is_temporary"`
	RecallDeadline sql.NullTime `db:"recall_deadline" json:"recall_deadline,omitempty"`

	// ExecutedAt is set once credits have actually moved. An approved
	// transfer with a null ExecutedAt never reached the ledger.
	ExecutedAt sql.NullTime `db:"executed_at" json:"executed_at,omitempty"`

	// ExpiresAt, when set, becomes the expiry of the destination batch
	ExpiresAt sql.NullTime `db:"expires_at" json:"expires_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ApprovalRule governs transfers for a tenant (or globally when TenantID is
// null). The matching rule decides auto-approval, who may approve, the fee
// rate and the hard amount cap.
type ApprovalRule struct {
	ID       uuid.UUID     `db:"id" json:"id"`
	TenantID uuid.NullUUID `db:"tenant_id" json:"tenant_id,omitempty"`

	// AutoApproveBelow: transfers at or under this amount skip approval when
	// the requester also holds one of AutoApproveRoles; zero disables
	// auto-approval
	AutoApproveBelow decimal.Decimal `db:"auto_approve_below" json:"auto_approve_below"`

	AutoApproveRoles pq.StringArray `db:"auto_approve_roles" json:"auto_approve_roles"`

	// RequiredRole must be held by the approver of a pending transfer
	RequiredRole string `db:"required_role" json:"required_role"`

	// MaxAmount caps a single transfer; zero means no cap
	MaxAmount decimal.Decimal `db:"max_amount" json:"max_amount"`

	// FeeRate is the fraction of the amount absorbed by the source account
	FeeRate decimal.Decimal `db:"fee_rate" json:"fee_rate"`

	Priority  int       `db:"priority" json:"priority"`
	Active    bool      `db:"active" json:"active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
