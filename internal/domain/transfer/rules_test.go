package transfer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTenantRuleBeatsGlobal(t *testing.T) {
	tenant := uuid.New()
	global := ApprovalRule{ID: uuid.New(), AutoApproveBelow: decimal.NewFromInt(10), Active: true, Priority: 100, UpdatedAt: time.Now()}
	scoped := ApprovalRule{
		ID:               uuid.New(),
		TenantID:         uuid.NullUUID{UUID: tenant, Valid: true},
		AutoApproveBelow: decimal.NewFromInt(500),
		AutoApproveRoles: []string{"owner"},
		Active:           true,
		UpdatedAt:        time.Now(),
	}

	decision, err := Evaluate([]ApprovalRule{global, scoped}, tenant, []string{"owner"}, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Equal(t, scoped.ID, decision.Rule.ID, "tenant scope wins regardless of priority")
	require.True(t, decision.AutoApproved)

	// another tenant only sees the global rule
	decision, err = Evaluate([]ApprovalRule{global, scoped}, uuid.New(), []string{"owner"}, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Equal(t, global.ID, decision.Rule.ID)
	require.False(t, decision.AutoApproved)
}

func TestEvaluateAutoApproveNeedsAmountAndRole(t *testing.T) {
	tenant := uuid.New()
	rule := ApprovalRule{
		ID:               uuid.New(),
		TenantID:         uuid.NullUUID{UUID: tenant, Valid: true},
		AutoApproveBelow: decimal.NewFromInt(100),
		AutoApproveRoles: []string{"owner"},
		Active:           true,
		UpdatedAt:        time.Now(),
	}

	decision, err := Evaluate([]ApprovalRule{rule}, tenant, []string{"owner"}, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, decision.AutoApproved, "threshold is inclusive")

	// amount over the threshold: the role alone is not enough
	decision, err = Evaluate([]ApprovalRule{rule}, tenant, []string{"owner"}, decimal.NewFromInt(101))
	require.NoError(t, err)
	require.False(t, decision.AutoApproved)

	// amount under the threshold but the wrong role
	decision, err = Evaluate([]ApprovalRule{rule}, tenant, []string{"member"}, decimal.NewFromInt(5))
	require.NoError(t, err)
	require.False(t, decision.AutoApproved)
}

func TestEvaluateFeeAndCap(t *testing.T) {
	tenant := uuid.New()
	rule := ApprovalRule{
		ID:        uuid.New(),
		TenantID:  uuid.NullUUID{UUID: tenant, Valid: true},
		MaxAmount: decimal.NewFromInt(1000),
		FeeRate:   decimal.RequireFromString("0.025"),
		Active:    true,
		UpdatedAt: time.Now(),
	}

	decision, err := Evaluate([]ApprovalRule{rule}, tenant, nil, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Equal(t, "2.5", decision.Fee.String())

	_, err = Evaluate([]ApprovalRule{rule}, tenant, nil, decimal.NewFromInt(1001))
	require.ErrorIs(t, err, ErrRuleViolation)
}

func TestEvaluateInactiveRulesIgnored(t *testing.T) {
	tenant := uuid.New()
	inactive := ApprovalRule{ID: uuid.New(), Active: false, UpdatedAt: time.Now()}

	_, err := Evaluate([]ApprovalRule{inactive}, tenant, nil, decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrNoRuleConfigured)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusApproved))
	require.True(t, StatusPending.CanTransition(StatusRejected))
	require.True(t, StatusApproved.CanTransition(StatusCompleted))
	require.True(t, StatusApproved.CanTransition(StatusFailed))
	require.True(t, StatusApproved.CanTransition(StatusRecalled))

	require.False(t, StatusPending.CanTransition(StatusCompleted))
	require.False(t, StatusRejected.CanTransition(StatusApproved))
	require.False(t, StatusCompleted.CanTransition(StatusRecalled))
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusRejected.Terminal())
	require.True(t, StatusRecalled.Terminal())
	require.True(t, StatusFailed.Terminal())
}
