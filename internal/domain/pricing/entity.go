package pricing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tier identifies which configuration scope a resolved price came from
type Tier string

const (
	TierGlobal Tier = "global"
	TierTenant Tier = "tenant"
	TierEntity Tier = "entity"
)

// OveragePolicy bounds consumption beyond the available balance. Limit is the
// maximum negative excursion permitted per calendar month.
type OveragePolicy struct {
	Allow bool            `json:"allow"`
	Limit decimal.Decimal `json:"limit"`
}

// Configuration is one priced-operation rule. Scope is encoded by the
// nullable keys: both null = global, tenant set = tenant-wide, both set =
// entity-specific. OperationCode may end in ".*" to match a code family.
type Configuration struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TenantID      uuid.NullUUID   `db:"tenant_id" json:"tenant_id,omitempty"`
	EntityID      uuid.NullUUID   `db:"entity_id" json:"entity_id,omitempty"`
	OperationCode string          `db:"operation_code" json:"operation_code"`
	CreditCost    decimal.Decimal `db:"credit_cost" json:"credit_cost"`
	Unit          string          `db:"unit" json:"unit"`
	FreeAllowance decimal.Decimal `db:"free_allowance" json:"free_allowance"`
	AllowOverage  bool            `db:"allow_overage" json:"allow_overage"`
	OverageLimit  decimal.Decimal `db:"overage_limit" json:"overage_limit"`
	Priority      int             `db:"priority" json:"priority"`
	Active        bool            `db:"active" json:"active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Overage returns the rule's overage policy
func (c *Configuration) Overage() OveragePolicy {
	return OveragePolicy{Allow: c.AllowOverage, Limit: c.OverageLimit}
}

// Tier returns the scope tier encoded by the rule's nullable keys
func (c *Configuration) Tier() Tier {
	switch {
	case c.EntityID.Valid:
		return TierEntity
	case c.TenantID.Valid:
		return TierTenant
	default:
		return TierGlobal
	}
}

// Resolved is the effective price and policy for one operation on one entity
type Resolved struct {
	ConfigurationID uuid.UUID       `json:"configuration_id"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	Unit            string          `json:"unit"`
	FreeAllowance   decimal.Decimal `json:"free_allowance"`
	Overage         OveragePolicy   `json:"overage"`
	SourceTier      Tier            `json:"source_tier"`
}
