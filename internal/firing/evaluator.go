package firing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// EvaluationSummary is the outcome of one cart or catalog evaluation.
type EvaluationSummary struct {
	ID       string          `json:"id"`
	Scope    string          `json:"scope"`
	Scenario domain.Scenario `json:"scenario"`

	Promotions []FiredPromotion        `json:"promotions"`
	Discounts  []domain.DiscountRecord `json:"discounts"`

	Subtotal           float64 `json:"subtotal"`
	DiscountedSubtotal float64 `json:"discountedSubtotal"`
	Shipping           float64 `json:"shipping"`
	DiscountedShipping float64 `json:"discountedShipping"`
	TotalDiscount      float64 `json:"totalDiscount"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// Evaluator runs full evaluations: both firing passes for a cart, the single
// pass for a catalog.
type Evaluator struct {
	orchestrator *Orchestrator
	clock        domain.Clock
}

// NewEvaluator creates an evaluator over a firing orchestrator.
func NewEvaluator(orchestrator *Orchestrator, clock domain.Clock) *Evaluator {
	return &Evaluator{orchestrator: orchestrator, clock: clock}
}

// EvaluateCart fires the default group, then the subtotal-dependent group
// with the first pass's discounted subtotal asserted as an extra fact.
func (e *Evaluator) EvaluateCart(ctx context.Context, cart *domain.CartFact, shopper *domain.ShopperFact) (*EvaluationSummary, error) {
	start := time.Now()
	acc := domain.NewDiscountContainer(cart.Subtotal, cart.Shipping)

	facts := []any{cart}
	if shopper != nil {
		facts = append(facts, shopper)
	}

	fired, err := e.orchestrator.Fire(ctx, cart.StoreCode, domain.ScenarioCart, facts, domain.PriorityGroupDefault, acc)
	if err != nil {
		return nil, err
	}

	subtotalFacts := append(facts, &domain.SubtotalFact{DiscountedSubtotal: acc.DiscountedSubtotal()})
	second, err := e.orchestrator.Fire(ctx, cart.StoreCode, domain.ScenarioCart, subtotalFacts, domain.PriorityGroupSubtotal, acc)
	if err != nil {
		return nil, err
	}
	fired = append(fired, second...)

	return e.summary(cart.StoreCode, domain.ScenarioCart, fired, acc, start), nil
}

// EvaluateCatalog fires the catalog group against a catalog fact. Catalog
// browsing has no cart, so the accumulator tracks a notional subtotal of the
// browsed item's price when given, else zero.
func (e *Evaluator) EvaluateCatalog(ctx context.Context, catalog *domain.CatalogFact, shopper *domain.ShopperFact, price float64) (*EvaluationSummary, error) {
	start := time.Now()
	acc := domain.NewDiscountContainer(price, 0)

	facts := []any{catalog}
	if shopper != nil {
		facts = append(facts, shopper)
	}

	fired, err := e.orchestrator.Fire(ctx, catalog.CatalogCode, domain.ScenarioCatalog, facts, domain.PriorityGroupCatalog, acc)
	if err != nil {
		return nil, err
	}

	return e.summary(catalog.CatalogCode, domain.ScenarioCatalog, fired, acc, start), nil
}

func (e *Evaluator) summary(scope string, scenario domain.Scenario, fired []FiredPromotion, acc *domain.DiscountContainer, start time.Time) *EvaluationSummary {
	if fired == nil {
		fired = []FiredPromotion{}
	}
	return &EvaluationSummary{
		ID:                 uuid.New().String(),
		Scope:              scope,
		Scenario:           scenario,
		Promotions:         fired,
		Discounts:          acc.Records(),
		Subtotal:           acc.Subtotal(),
		DiscountedSubtotal: acc.DiscountedSubtotal(),
		Shipping:           acc.ShippingCost(),
		DiscountedShipping: acc.DiscountedShipping(),
		TotalDiscount:      acc.TotalDiscount(),
		EvaluatedAt:        e.clock.Now(),
		DurationMs:         time.Since(start).Milliseconds(),
	}
}
