package pricing_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bizgrid/credits-api/internal/domain/pricing"
	"github.com/bizgrid/credits-api/internal/pkg/money"
)

func rule(tenantID, entityID *uuid.UUID, code, cost string, priority int, updated time.Time) pricing.Configuration {
	cfg := pricing.Configuration{
		ID:            uuid.New(),
		OperationCode: code,
		CreditCost:    money.MustParse(cost),
		Unit:          "operation",
		Priority:      priority,
		Active:        true,
		UpdatedAt:     updated,
	}
	if tenantID != nil {
		cfg.TenantID = uuid.NullUUID{UUID: *tenantID, Valid: true}
	}
	if entityID != nil {
		cfg.EntityID = uuid.NullUUID{UUID: *entityID, Valid: true}
	}
	return cfg
}

func TestTierPrecedence(t *testing.T) {
	tenantA := uuid.New()
	branchX := uuid.New()
	otherEntity := uuid.New()
	now := time.Now()

	snapshot := []pricing.Configuration{
		rule(&tenantA, &branchX, "crm.leads.create", "3.75", 0, now),
		rule(&tenantA, nil, "crm.leads.create", "2.0", 0, now),
		rule(nil, nil, "crm.leads.create", "1.0", 0, now),
	}

	// entity-specific rule wins for branchX
	got, err := pricing.Resolve(snapshot, tenantA, []uuid.UUID{branchX}, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "3.75", got.UnitCost.String())
	require.Equal(t, pricing.TierEntity, got.SourceTier)

	// any other entity under tenantA falls to the tenant-wide rule
	got, err = pricing.Resolve(snapshot, tenantA, []uuid.UUID{otherEntity}, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "2", got.UnitCost.String())
	require.Equal(t, pricing.TierTenant, got.SourceTier)

	// a different tenant falls to the global default
	got, err = pricing.Resolve(snapshot, uuid.New(), []uuid.UUID{uuid.New()}, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "1", got.UnitCost.String())
	require.Equal(t, pricing.TierGlobal, got.SourceTier)
}

func TestAncestorEntityRuleApplies(t *testing.T) {
	tenant := uuid.New()
	org := uuid.New()
	location := uuid.New()
	now := time.Now()

	snapshot := []pricing.Configuration{
		rule(&tenant, &org, "crm.leads.create", "5", 0, now),
		rule(&tenant, nil, "crm.leads.create", "2", 0, now),
	}

	// the location has no rule of its own; its parent org's rule wins over
	// the tenant-wide default
	got, err := pricing.Resolve(snapshot, tenant, []uuid.UUID{location, org}, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "5", got.UnitCost.String())
	require.Equal(t, pricing.TierEntity, got.SourceTier)
}

func TestExactCodeBeatsWildcard(t *testing.T) {
	tenant := uuid.New()
	now := time.Now()

	snapshot := []pricing.Configuration{
		rule(&tenant, nil, "crm.leads.*", "9", 100, now),
		rule(&tenant, nil, "crm.leads.create", "2", 0, now),
	}

	got, err := pricing.Resolve(snapshot, tenant, nil, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "2", got.UnitCost.String(), "exact code wins regardless of priority")

	// sibling operation only matches the wildcard
	got, err = pricing.Resolve(snapshot, tenant, nil, "crm.leads.import")
	require.NoError(t, err)
	require.Equal(t, "9", got.UnitCost.String())
}

func TestLongerWildcardWins(t *testing.T) {
	tenant := uuid.New()
	now := time.Now()

	snapshot := []pricing.Configuration{
		rule(&tenant, nil, "crm.*", "1", 0, now),
		rule(&tenant, nil, "crm.leads.*", "4", 0, now),
	}

	got, err := pricing.Resolve(snapshot, tenant, nil, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "4", got.UnitCost.String())

	got, err = pricing.Resolve(snapshot, tenant, nil, "crm.deals.close")
	require.NoError(t, err)
	require.Equal(t, "1", got.UnitCost.String())
}

func TestTieBreakPriorityThenRecency(t *testing.T) {
	tenant := uuid.New()
	now := time.Now()

	older := rule(&tenant, nil, "crm.leads.*", "1", 5, now.Add(-time.Hour))
	higherPriority := rule(&tenant, nil, "crm.leads.*", "2", 10, now.Add(-2*time.Hour))
	snapshot := []pricing.Configuration{older, higherPriority}

	got, err := pricing.Resolve(snapshot, tenant, nil, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "2", got.UnitCost.String(), "higher priority wins the tie")

	newer := rule(&tenant, nil, "crm.leads.*", "3", 5, now)
	snapshot = []pricing.Configuration{older, newer}
	got, err = pricing.Resolve(snapshot, tenant, nil, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "3", got.UnitCost.String(), "equal priority: most recent update wins")
}

func TestNoMatchIsHardError(t *testing.T) {
	tenant := uuid.New()
	snapshot := []pricing.Configuration{
		rule(&tenant, nil, "crm.leads.create", "2", 0, time.Now()),
	}

	_, err := pricing.Resolve(snapshot, tenant, nil, "hr.payroll.run")
	require.ErrorIs(t, err, pricing.ErrConfigurationNotFound)
}

func TestInactiveRulesIgnored(t *testing.T) {
	tenant := uuid.New()
	inactive := rule(&tenant, nil, "crm.leads.create", "2", 0, time.Now())
	inactive.Active = false

	_, err := pricing.Resolve([]pricing.Configuration{inactive}, tenant, nil, "crm.leads.create")
	require.ErrorIs(t, err, pricing.ErrConfigurationNotFound)
}

func TestTiersAreNotMerged(t *testing.T) {
	tenant := uuid.New()
	entity := uuid.New()
	now := time.Now()

	// entity tier has only a wildcard; the tenant tier has an exact rule.
	// The entity tier still wins: tiers are evaluated independently.
	snapshot := []pricing.Configuration{
		rule(&tenant, &entity, "crm.*", "7", 0, now),
		rule(&tenant, nil, "crm.leads.create", "2", 0, now),
	}

	got, err := pricing.Resolve(snapshot, tenant, []uuid.UUID{entity}, "crm.leads.create")
	require.NoError(t, err)
	require.Equal(t, "7", got.UnitCost.String())
	require.Equal(t, pricing.TierEntity, got.SourceTier)
}

func TestResolveDeterminism(t *testing.T) {
	tenant := uuid.New()
	entity := uuid.New()
	now := time.Now()
	snapshot := []pricing.Configuration{
		rule(&tenant, &entity, "crm.leads.*", "3.75", 1, now),
		rule(&tenant, nil, "crm.leads.*", "2", 2, now),
		rule(nil, nil, "*", "1", 0, now),
	}

	first, err := pricing.Resolve(snapshot, tenant, []uuid.UUID{entity}, "crm.leads.create")
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := pricing.Resolve(snapshot, tenant, []uuid.UUID{entity}, "crm.leads.create")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
