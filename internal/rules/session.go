package rules

import (
	"fmt"
	"log/slog"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// Session is a single-use evaluation session over a compiled artifact.
// Sessions are not safe for concurrent use and must be disposed after the
// fire call that created them.
type Session struct {
	artifact *Artifact
	facts    []any
	focus    string
	results  map[string][]domain.RuleQueryResult
	fired    bool
	disposed bool
}

// Assert adds a fact to the session.
func (s *Session) Assert(fact any) {
	if s.disposed {
		return
	}
	s.facts = append(s.facts, fact)
}

// SetFocus selects the priority group to fire.
func (s *Session) SetFocus(priorityGroup string) {
	s.focus = priorityGroup
}

// FireAllRules evaluates every rule in the focused priority group against
// the asserted facts and records discount results for matching rules.
func (s *Session) FireAllRules() error {
	if s.disposed {
		return fmt.Errorf("session is disposed")
	}

	focus := s.focus
	if focus == "" {
		focus = domain.PriorityGroupDefault
	}

	activation := s.buildActivation()
	couponCodes := assertedCouponCodes(s.facts)

	for _, rule := range s.artifact.groups[focus] {
		out, _, err := rule.condition.Eval(activation)
		if err != nil {
			// A condition that cannot evaluate against these facts simply
			// does not match.
			slog.Debug("rule condition evaluation error",
				"rule_code", rule.source.Code,
				"error", err,
			)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		s.fireRule(rule, couponCodes)
	}
	s.fired = true

	return nil
}

// fireRule turns the rule's actions into discount query results. Actions
// bound to a coupon code only fire when the cart applied that coupon.
func (s *Session) fireRule(rule *compiledRule, couponCodes map[string]bool) {
	for _, action := range rule.source.Actions {
		if action.CouponCode != "" && !couponCodes[action.CouponCode] {
			continue
		}

		useCount := action.UseCount
		if useCount <= 0 {
			useCount = 1
		}

		result := &queryResult{bindings: map[string]any{
			domain.DiscountBinding: buildDiscount(rule.source.Code, action),
			domain.RuleCodeBinding: rule.source.Code,
			domain.UseCountBinding: useCount,
		}}

		if s.results == nil {
			s.results = make(map[string][]domain.RuleQueryResult)
		}
		s.results[domain.DiscountQueryName] = append(s.results[domain.DiscountQueryName], result)
	}
}

// QueryResults returns the rows of a named query. The query is unavailable
// when no matching rules fired.
func (s *Session) QueryResults(queryName string) ([]domain.RuleQueryResult, bool) {
	if s.disposed {
		return nil, false
	}
	results, ok := s.results[queryName]
	if !ok || len(results) == 0 {
		return nil, false
	}
	return results, true
}

// Dispose releases the session. Safe to call more than once.
func (s *Session) Dispose() {
	s.disposed = true
	s.facts = nil
	s.results = nil
}

// buildActivation maps the asserted facts onto the CEL variables declared by
// the compiler. Later facts of the same type override earlier ones.
func (s *Session) buildActivation() map[string]any {
	activation := map[string]any{
		"cart":                map[string]any{},
		"shopper":             map[string]any{},
		"catalog":             map[string]any{},
		"subtotal":            0.0,
		"discounted_subtotal": 0.0,
		"shipping":            0.0,
		"currency":            "",
		"item_count":          int64(0),
		"coupon_codes":        []string{},
	}

	for _, fact := range s.facts {
		switch f := fact.(type) {
		case *domain.CartFact:
			activation["cart"] = map[string]any{
				"storeCode": f.StoreCode,
				"currency":  f.Currency,
				"subtotal":  f.Subtotal,
				"shipping":  f.Shipping,
			}
			activation["subtotal"] = f.Subtotal
			activation["discounted_subtotal"] = f.Subtotal
			activation["shipping"] = f.Shipping
			activation["currency"] = f.Currency
			activation["item_count"] = int64(f.ItemCount())
			activation["coupon_codes"] = f.CouponCodes
		case *domain.ShopperFact:
			shopper := map[string]any{
				"id":    f.ShopperID,
				"email": f.Email,
			}
			for k, v := range f.Tags {
				shopper[k] = v
			}
			activation["shopper"] = shopper
		case *domain.CatalogFact:
			activation["catalog"] = map[string]any{
				"code":     f.CatalogCode,
				"category": f.Category,
			}
		case *domain.SubtotalFact:
			activation["discounted_subtotal"] = f.DiscountedSubtotal
		}
	}

	return activation
}

func assertedCouponCodes(facts []any) map[string]bool {
	codes := make(map[string]bool)
	for _, fact := range facts {
		if cart, ok := fact.(*domain.CartFact); ok {
			for _, code := range cart.CouponCodes {
				codes[code] = true
			}
		}
	}
	return codes
}

func buildDiscount(ruleCode string, action domain.ActionSource) domain.Discount {
	switch action.Kind {
	case domain.DiscountCartPercent:
		return domain.PercentDiscount{Rule: ruleCode, Percent: action.Value}
	case domain.DiscountShippingFixed:
		return domain.ShippingFixedDiscount{Rule: ruleCode, Amount: action.Value}
	case domain.DiscountShippingPercent:
		return domain.ShippingPercentDiscount{Rule: ruleCode, Percent: action.Value}
	default:
		return domain.FixedAmountDiscount{Rule: ruleCode, Amount: action.Value}
	}
}

type queryResult struct {
	bindings map[string]any
}

func (r *queryResult) Get(binding string) any {
	return r.bindings[binding]
}
