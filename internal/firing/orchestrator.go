// Package firing runs compiled promotion rules against facts and applies the
// resulting discounts.
package firing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// ArtifactProvider yields the compiled rule base for a scope and scenario.
// Satisfied by the rulebase cache.
type ArtifactProvider interface {
	GetArtifact(ctx context.Context, scope string, scenario domain.Scenario) (domain.RuleBaseArtifact, error)
}

// FiredPromotion is one promotion granted by a firing pass, with the use
// count its action consumed.
type FiredPromotion struct {
	RuleCode string `json:"ruleCode"`
	UseCount int    `json:"useCount"`
}

// Orchestrator drives one firing pass: obtain the artifact, open a fresh
// session, assert facts, focus the priority group, fire, and apply the
// resulting discounts to the accumulator.
type Orchestrator struct {
	artifacts ArtifactProvider
}

// NewOrchestrator creates a firing orchestrator.
func NewOrchestrator(artifacts ArtifactProvider) *Orchestrator {
	return &Orchestrator{artifacts: artifacts}
}

// Fire runs the rules of one priority group against the facts and applies
// every resulting discount to the accumulator. The session is disposed on
// every path. An unavailable discount query means no rules matched; that is
// not an error.
func (o *Orchestrator) Fire(ctx context.Context, scope string, scenario domain.Scenario, facts []any, priorityGroup string, acc domain.DiscountAccumulator) ([]FiredPromotion, error) {
	artifact, err := o.artifacts.GetArtifact(ctx, scope, scenario)
	if err != nil {
		return nil, fmt.Errorf("loading rule base for %s/%s: %w", scope, scenario, err)
	}

	session := artifact.NewSession()
	defer session.Dispose()

	for _, fact := range facts {
		session.Assert(fact)
	}
	session.SetFocus(priorityGroup)

	if err := session.FireAllRules(); err != nil {
		return nil, fmt.Errorf("firing %s rules for %s/%s: %w", priorityGroup, scope, scenario, err)
	}

	results, ok := session.QueryResults(domain.DiscountQueryName)
	if !ok {
		slog.Debug("no discount results",
			"scope", scope,
			"scenario", scenario,
			"priority_group", priorityGroup,
		)
		return nil, nil
	}

	fired := make([]FiredPromotion, 0, len(results))
	for _, res := range results {
		discount, ok := res.Get(domain.DiscountBinding).(domain.Discount)
		if !ok {
			continue
		}
		discount.Apply(acc)

		promo := FiredPromotion{UseCount: 1}
		if code, ok := res.Get(domain.RuleCodeBinding).(string); ok {
			promo.RuleCode = code
		}
		if n, ok := res.Get(domain.UseCountBinding).(int); ok && n > 0 {
			promo.UseCount = n
		}
		fired = append(fired, promo)
	}

	return fired, nil
}
