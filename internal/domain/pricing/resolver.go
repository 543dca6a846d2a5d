package pricing

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Resolve picks the effective rule for an operation from a configuration
// snapshot. Pure function: same snapshot and inputs always yield the same
// result, so it is safe to call concurrently against a cached snapshot.
//
// Tier order: entity-specific (the entity itself, then each ancestor in
// entityChain order) -> tenant-wide -> global. The first tier with a match
// wins; tiers are never merged. Within a tier an exact code beats a wildcard,
// a longer wildcard prefix beats a shorter one, then highest priority, then
// most recent update.
func Resolve(snapshot []Configuration, tenantID uuid.UUID, entityChain []uuid.UUID, operationCode string) (*Resolved, error) {
	for _, entityID := range entityChain {
		if cfg := bestMatch(snapshot, operationCode, func(c *Configuration) bool {
			return c.TenantID.Valid && c.TenantID.UUID == tenantID &&
				c.EntityID.Valid && c.EntityID.UUID == entityID
		}); cfg != nil {
			return resolved(cfg), nil
		}
	}

	if cfg := bestMatch(snapshot, operationCode, func(c *Configuration) bool {
		return c.TenantID.Valid && c.TenantID.UUID == tenantID && !c.EntityID.Valid
	}); cfg != nil {
		return resolved(cfg), nil
	}

	if cfg := bestMatch(snapshot, operationCode, func(c *Configuration) bool {
		return !c.TenantID.Valid && !c.EntityID.Valid
	}); cfg != nil {
		return resolved(cfg), nil
	}

	return nil, fmt.Errorf("%w: operation %s", ErrConfigurationNotFound, operationCode)
}

func resolved(cfg *Configuration) *Resolved {
	return &Resolved{
		ConfigurationID: cfg.ID,
		UnitCost:        cfg.CreditCost,
		Unit:            cfg.Unit,
		FreeAllowance:   cfg.FreeAllowance,
		Overage:         cfg.Overage(),
		SourceTier:      cfg.Tier(),
	}
}

func bestMatch(snapshot []Configuration, operationCode string, inScope func(*Configuration) bool) *Configuration {
	var best *Configuration
	bestRank := -1

	for i := range snapshot {
		cfg := &snapshot[i]
		if !cfg.Active || !inScope(cfg) {
			continue
		}
		rank, ok := matchCode(cfg.OperationCode, operationCode)
		if !ok {
			continue
		}
		if best == nil || rank > bestRank ||
			(rank == bestRank && cfg.Priority > best.Priority) ||
			(rank == bestRank && cfg.Priority == best.Priority && cfg.UpdatedAt.After(best.UpdatedAt)) {
			best = cfg
			bestRank = rank
		}
	}
	return best
}

// matchCode reports whether a rule code matches an operation code and how
// specific the match is. Exact matches outrank every wildcard; among
// wildcards a longer prefix wins; a bare "*" matches everything last.
func matchCode(ruleCode, operationCode string) (specificity int, ok bool) {
	if ruleCode == operationCode {
		return 1 << 16, true
	}
	if ruleCode == "*" {
		return 0, true
	}
	if prefix, isWildcard := strings.CutSuffix(ruleCode, ".*"); isWildcard {
		if strings.HasPrefix(operationCode, prefix+".") {
			return len(prefix), true
		}
	}
	return 0, false
}
