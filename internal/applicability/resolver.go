// Package applicability decides which promotion rules are currently targeted
// at a shopper or catalog, with per-shopper caching of the result.
package applicability

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// Resolver evaluates selling-context targeting conditions to produce the
// list of rule IDs applicable "now". Results are cached per shopper; there
// is no caching across shoppers.
type Resolver struct {
	repo  domain.Repository
	cache domain.Cache
	clock domain.Clock
	ttl   time.Duration
}

// NewResolver creates an applicability resolver. The cache may be nil, in
// which case every call re-evaluates.
func NewResolver(repo domain.Repository, cache domain.Cache, clock domain.Clock, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{repo: repo, cache: cache, clock: clock, ttl: ttl}
}

// ResolveApplicableRuleIDs returns the IDs of rules targeted at the shopper
// for a scope and scenario. A rule with no selling context is always
// included; otherwise the selling context must be satisfied against the tag
// set using the shopper and time dictionaries. Result order is the insertion
// order of the rule lookup.
//
// The shopper ID keys the per-shopper cache; an empty shopper ID disables
// caching for the call. An absent rule lookup yields an empty list, not an
// error.
func (r *Resolver) ResolveApplicableRuleIDs(ctx context.Context, scope string, scenario domain.Scenario, shopperID string, tags domain.TagSet) ([]string, error) {
	cacheKey := r.cacheKey(scenario, shopperID)

	if r.cache != nil && shopperID != "" {
		ids, found, err := r.cache.GetRuleIDs(ctx, scope, cacheKey)
		if err != nil {
			slog.Debug("applicability cache read failed", "error", err)
		} else if found {
			return ids, nil
		}
	}

	defs, err := r.repo.ListRules(ctx, scope, scenario)
	if err != nil {
		return nil, err
	}

	tags = r.withSellingTime(tags)

	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if def.SellingContext == nil {
			ids = append(ids, def.ID)
			continue
		}
		if def.SellingContext.Satisfied(tags, domain.TagDictionaryShopper, domain.TagDictionaryTime) {
			ids = append(ids, def.ID)
		}
	}

	if r.cache != nil && shopperID != "" {
		if err := r.cache.SetRuleIDs(ctx, scope, cacheKey, ids, r.ttl); err != nil {
			slog.Debug("applicability cache write failed", "error", err)
		}
	}

	return ids, nil
}

// Invalidate drops the cached applicability result for a shopper. The
// surrounding session layer calls this when the shopper's targeting inputs
// change.
func (r *Resolver) Invalidate(ctx context.Context, scope string, shopperID string) error {
	if r.cache == nil || shopperID == "" {
		return nil
	}
	for _, scenario := range []domain.Scenario{domain.ScenarioCart, domain.ScenarioCatalog} {
		if err := r.cache.Delete(ctx, scope, r.cacheKey(scenario, shopperID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) cacheKey(scenario domain.Scenario, shopperID string) string {
	return "applicable:" + string(scenario) + ":" + shopperID
}

// withSellingTime stamps the tag set with the current time when the caller
// has not supplied one, so TIME dictionary conditions always have an
// instant to compare against.
func (r *Resolver) withSellingTime(tags domain.TagSet) domain.TagSet {
	if _, ok := tags[domain.TagSellingTime]; ok {
		return tags
	}
	stamped := make(domain.TagSet, len(tags)+1)
	for k, v := range tags {
		stamped[k] = v
	}
	stamped[domain.TagSellingTime] = r.clock.Now()
	return stamped
}
