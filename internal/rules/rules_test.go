package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-commerce/shrike/internal/domain"
)

func mustSource(t *testing.T, src domain.RuleSetSource) string {
	t.Helper()
	b, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("failed to marshal source: %v", err)
	}
	return string(b)
}

func TestCompileSimpleRuleSet(t *testing.T) {
	compiler, err := NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := mustSource(t, domain.RuleSetSource{
		Scope:        "US",
		Scenario:     domain.ScenarioCart,
		LastModified: modified,
		Rules: []domain.RuleSource{
			{
				Code:          "PROMO-10OFF",
				PriorityGroup: domain.PriorityGroupDefault,
				Condition:     "subtotal > 50.0",
				Actions: []domain.ActionSource{
					{Kind: domain.DiscountCartFixed, Value: 10},
				},
			},
		},
	})

	artifact, issues := compiler.Compile(source)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if artifact.RuleCount() != 1 {
		t.Errorf("expected 1 rule, got %d", artifact.RuleCount())
	}
	if !artifact.LastModifiedDate().Equal(modified) {
		t.Errorf("expected last modified %v, got %v", modified, artifact.LastModifiedDate())
	}
}

func TestCompileCollectsAllIssues(t *testing.T) {
	compiler, _ := NewCompiler()

	source := mustSource(t, domain.RuleSetSource{
		Scenario: domain.ScenarioCart,
		Rules: []domain.RuleSource{
			{
				Code:      "BAD-CEL",
				Condition: "this is not CEL !!!",
				Actions:   []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 5}},
			},
			{
				Code:      "NOT-BOOL",
				Condition: "subtotal",
				Actions:   []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 5}},
			},
			{
				Code:      "NO-ACTIONS",
				Condition: "true",
			},
		},
	})

	artifact, issues := compiler.Compile(source)
	if artifact != nil {
		t.Fatal("expected no artifact on compile failure")
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %d: %v", len(issues), issues)
	}
	for _, issue := range issues {
		if issue.RuleCode == "" {
			t.Errorf("issue missing rule code: %v", issue)
		}
	}
}

func TestCompileInvalidJSON(t *testing.T) {
	compiler, _ := NewCompiler()

	artifact, issues := compiler.Compile("{not json")
	if artifact != nil {
		t.Fatal("expected no artifact for invalid source")
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(issues))
	}
}

func TestSessionFiresMatchingRules(t *testing.T) {
	compiler, _ := NewCompiler()

	source := mustSource(t, domain.RuleSetSource{
		Scenario: domain.ScenarioCart,
		Rules: []domain.RuleSource{
			{
				Code:          "PROMO-10OFF",
				PriorityGroup: domain.PriorityGroupDefault,
				Condition:     "subtotal > 50.0",
				Actions:       []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 10}},
			},
			{
				Code:          "PROMO-NOMATCH",
				PriorityGroup: domain.PriorityGroupDefault,
				Condition:     "subtotal > 500.0",
				Actions:       []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 50}},
			},
		},
	})

	artifact, issues := compiler.Compile(source)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}

	session := artifact.NewSession()
	defer session.Dispose()

	session.Assert(&domain.CartFact{StoreCode: "US", Currency: "USD", Subtotal: 100})
	session.SetFocus(domain.PriorityGroupDefault)
	if err := session.FireAllRules(); err != nil {
		t.Fatalf("fire failed: %v", err)
	}

	results, ok := session.QueryResults(domain.DiscountQueryName)
	if !ok {
		t.Fatal("expected discount query to be available")
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	discount, ok := results[0].Get(domain.DiscountBinding).(domain.Discount)
	if !ok {
		t.Fatal("result does not bind a discount")
	}
	if discount.RuleCode() != "PROMO-10OFF" {
		t.Errorf("expected rule PROMO-10OFF, got %s", discount.RuleCode())
	}

	acc := domain.NewDiscountContainer(100, 0)
	discount.Apply(acc)
	if acc.TotalDiscount() != 10 {
		t.Errorf("expected discount 10, got %.2f", acc.TotalDiscount())
	}
}

func TestSessionQueryUnavailableWhenNothingFired(t *testing.T) {
	compiler, _ := NewCompiler()

	source := mustSource(t, domain.RuleSetSource{
		Scenario: domain.ScenarioCart,
		Rules: []domain.RuleSource{
			{
				Code:      "PROMO-BIG",
				Condition: "subtotal > 1000.0",
				Actions:   []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 100}},
			},
		},
	})

	artifact, _ := compiler.Compile(source)
	session := artifact.NewSession()
	defer session.Dispose()

	session.Assert(&domain.CartFact{Subtotal: 10})
	session.SetFocus(domain.PriorityGroupDefault)
	session.FireAllRules()

	if _, ok := session.QueryResults(domain.DiscountQueryName); ok {
		t.Error("expected discount query to be unavailable")
	}
}

func TestSessionFocusSelectsPriorityGroup(t *testing.T) {
	compiler, _ := NewCompiler()

	source := mustSource(t, domain.RuleSetSource{
		Scenario: domain.ScenarioCart,
		Rules: []domain.RuleSource{
			{
				Code:          "PROMO-DEFAULT",
				PriorityGroup: domain.PriorityGroupDefault,
				Condition:     "true",
				Actions:       []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 5}},
			},
			{
				Code:          "PROMO-SUBTOTAL",
				PriorityGroup: domain.PriorityGroupSubtotal,
				Condition:     "discounted_subtotal > 90.0",
				Actions:       []domain.ActionSource{{Kind: domain.DiscountCartPercent, Value: 10}},
			},
		},
	})

	artifact, issues := compiler.Compile(source)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}

	// Default group only fires the default rule.
	session := artifact.NewSession()
	session.Assert(&domain.CartFact{Subtotal: 100})
	session.SetFocus(domain.PriorityGroupDefault)
	session.FireAllRules()
	results, ok := session.QueryResults(domain.DiscountQueryName)
	if !ok || len(results) != 1 {
		t.Fatalf("expected 1 default-group result, got %v", results)
	}
	if code := results[0].Get(domain.RuleCodeBinding); code != "PROMO-DEFAULT" {
		t.Errorf("expected PROMO-DEFAULT, got %v", code)
	}
	session.Dispose()

	// Subtotal-dependent group sees the first pass's discounted subtotal.
	session = artifact.NewSession()
	session.Assert(&domain.CartFact{Subtotal: 100})
	session.Assert(&domain.SubtotalFact{DiscountedSubtotal: 95})
	session.SetFocus(domain.PriorityGroupSubtotal)
	session.FireAllRules()
	results, ok = session.QueryResults(domain.DiscountQueryName)
	if !ok || len(results) != 1 {
		t.Fatalf("expected 1 subtotal-group result, got %v", results)
	}
	if code := results[0].Get(domain.RuleCodeBinding); code != "PROMO-SUBTOTAL" {
		t.Errorf("expected PROMO-SUBTOTAL, got %v", code)
	}
	session.Dispose()
}

func TestCouponBoundActionNeedsAppliedCoupon(t *testing.T) {
	compiler, _ := NewCompiler()

	source := mustSource(t, domain.RuleSetSource{
		Scenario: domain.ScenarioCart,
		Rules: []domain.RuleSource{
			{
				Code:      "PROMO-COUPON",
				Condition: "true",
				Actions: []domain.ActionSource{
					{Kind: domain.DiscountCartFixed, Value: 15, CouponCode: "SAVE15"},
				},
			},
		},
	})

	artifact, _ := compiler.Compile(source)

	// Without the coupon applied the action stays silent.
	session := artifact.NewSession()
	session.Assert(&domain.CartFact{Subtotal: 100})
	session.SetFocus(domain.PriorityGroupDefault)
	session.FireAllRules()
	if _, ok := session.QueryResults(domain.DiscountQueryName); ok {
		t.Error("expected no discounts without the coupon applied")
	}
	session.Dispose()

	session = artifact.NewSession()
	session.Assert(&domain.CartFact{Subtotal: 100, CouponCodes: []string{"SAVE15"}})
	session.SetFocus(domain.PriorityGroupDefault)
	session.FireAllRules()
	results, ok := session.QueryResults(domain.DiscountQueryName)
	if !ok || len(results) != 1 {
		t.Fatalf("expected 1 result with coupon applied, got %v", results)
	}
	if n := results[0].Get(domain.UseCountBinding); n != 1 {
		t.Errorf("expected default use count 1, got %v", n)
	}
	session.Dispose()
}

func TestDisposedSessionRefusesFiring(t *testing.T) {
	artifact := EmptyArtifact()
	session := artifact.NewSession()
	session.Dispose()

	if err := session.FireAllRules(); err == nil {
		t.Error("expected error firing a disposed session")
	}
	if _, ok := session.QueryResults(domain.DiscountQueryName); ok {
		t.Error("expected no results from a disposed session")
	}
}

func TestSalienceOrdersResultsWithinGroup(t *testing.T) {
	compiler, _ := NewCompiler()

	source := mustSource(t, domain.RuleSetSource{
		Scenario: domain.ScenarioCart,
		Rules: []domain.RuleSource{
			{
				Code:     "PROMO-LOW",
				Salience: 1,
				Actions:  []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 1}},
			},
			{
				Code:     "PROMO-HIGH",
				Salience: 10,
				Actions:  []domain.ActionSource{{Kind: domain.DiscountCartFixed, Value: 2}},
			},
		},
	})

	artifact, _ := compiler.Compile(source)
	session := artifact.NewSession()
	defer session.Dispose()

	session.Assert(&domain.CartFact{Subtotal: 100})
	session.SetFocus(domain.PriorityGroupDefault)
	session.FireAllRules()

	results, _ := session.QueryResults(domain.DiscountQueryName)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if code := results[0].Get(domain.RuleCodeBinding); code != "PROMO-HIGH" {
		t.Errorf("expected high-salience rule first, got %v", code)
	}
}
