package transfer

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bizgrid/credits-api/internal/pkg/money"
)

// Decision is the outcome of evaluating approval rules for one request
type Decision struct {
	Rule         ApprovalRule
	AutoApproved bool
	Fee          decimal.Decimal
}

// Evaluate picks the governing rule for a tenant's transfer and decides
// whether it auto-approves. Tenant-scoped rules beat global ones; among
// rules of the same scope, higher priority wins, then most recent update.
// Pure function over the snapshot it is given.
func Evaluate(rules []ApprovalRule, tenantID uuid.UUID, requesterRoles []string, amount decimal.Decimal) (*Decision, error) {
	var best *ApprovalRule
	bestScope := -1
	for i := range rules {
		r := &rules[i]
		if !r.Active {
			continue
		}
		scope := 0
		if r.TenantID.Valid {
			if r.TenantID.UUID != tenantID {
				continue
			}
			scope = 1
		}
		switch {
		case best == nil, scope > bestScope:
		case scope < bestScope:
			continue
		case r.Priority != best.Priority:
			if r.Priority < best.Priority {
				continue
			}
		case !r.UpdatedAt.After(best.UpdatedAt):
			continue
		}
		best = r
		bestScope = scope
	}
	if best == nil {
		return nil, ErrNoRuleConfigured
	}

	if best.MaxAmount.IsPositive() && amount.GreaterThan(best.MaxAmount) {
		return nil, fmt.Errorf("%w: amount %s exceeds cap %s", ErrRuleViolation, amount, best.MaxAmount)
	}

	// auto-approval needs both: the amount at or under the threshold and the
	// requester holding one of the listed roles
	auto := false
	if best.AutoApproveBelow.IsPositive() && amount.LessThanOrEqual(best.AutoApproveBelow) {
	match:
		for _, role := range requesterRoles {
			for _, allowed := range best.AutoApproveRoles {
				if role == allowed {
					auto = true
					break match
				}
			}
		}
	}

	return &Decision{
		Rule:         *best,
		AutoApproved: auto,
		Fee:          money.Mul(amount, best.FeeRate),
	}, nil
}
