package alert

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes an alert
type Kind string

const (
	KindLowBalance    Kind = "low_balance"
	KindExpiryWarning Kind = "expiry_warning"
	KindOverage       Kind = "overage"
	KindTransferState Kind = "transfer_state"
)

// Severity ranks how urgently an alert should be surfaced
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a persisted balance or workflow event. Payload carries
// kind-specific details as JSON.
type Alert struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	TenantID  uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	AccountID uuid.NullUUID   `db:"account_id" json:"account_id,omitempty"`
	Kind      Kind            `db:"kind" json:"kind"`
	Severity  Severity        `db:"severity" json:"severity"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// LowBalancePayload is the payload for low_balance alerts
type LowBalancePayload struct {
	Balance   string `json:"balance"`
	Threshold string `json:"threshold"`
}

// ExpiryWarningPayload is the payload for expiry_warning alerts
type ExpiryWarningPayload struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Remaining string    `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OveragePayload is the payload for overage alerts
type OveragePayload struct {
	OperationCode string `json:"operation_code"`
	Overage       string `json:"overage"`
}

// TransferStatePayload is the payload for transfer_state alerts
type TransferStatePayload struct {
	TransferID uuid.UUID `json:"transfer_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     string    `json:"amount"`
}
