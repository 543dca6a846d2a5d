package hierarchy

import (
	"time"

	"github.com/google/uuid"
)

// Kind represents the node type in the ownership tree
type Kind string

const (
	KindTenant       Kind = "tenant"
	KindOrganization Kind = "organization"
	KindLocation     Kind = "location"
)

// Entity is a node in the tenant ownership tree. Tenant roots have no parent;
// every other node has exactly one parent within the same tenant.
type Entity struct {
	ID       uuid.UUID     `db:"id" json:"id"`
	TenantID uuid.UUID     `db:"tenant_id" json:"tenant_id"`
	ParentID uuid.NullUUID `db:"parent_id" json:"parent_id,omitempty"`
	Kind     Kind          `db:"kind" json:"kind"`
	Name     string        `db:"name" json:"name"`

	// Inheritance flags: a true flag means the node delegates that concern
	// to its nearest ancestor instead of owning it
	InheritSettings bool `db:"inherit_settings" json:"inherit_settings"`
	InheritBranding bool `db:"inherit_branding" json:"inherit_branding"`
	InheritCredits  bool `db:"inherit_credits" json:"inherit_credits"`

	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsRoot returns true for tenant root nodes
func (e *Entity) IsRoot() bool {
	return !e.ParentID.Valid
}
