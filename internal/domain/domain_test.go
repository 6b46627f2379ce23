package domain

import (
	"testing"
	"time"
)

func TestSellingContextSatisfied(t *testing.T) {
	t.Run("EqualTo", func(t *testing.T) {
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryShopper, Tag: TagShopperSegment, Operator: "equalTo", Value: "vip"},
		}}

		if !sc.Satisfied(TagSet{TagShopperSegment: "vip"}, TagDictionaryShopper) {
			t.Error("expected matching segment to satisfy context")
		}
		if sc.Satisfied(TagSet{TagShopperSegment: "regular"}, TagDictionaryShopper) {
			t.Error("expected non-matching segment to fail")
		}
	})

	t.Run("MissingTagFails", func(t *testing.T) {
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryShopper, Tag: TagShopperSegment, Operator: "equalTo", Value: "vip"},
		}}

		if sc.Satisfied(TagSet{}, TagDictionaryShopper) {
			t.Error("expected missing tag to fail the condition")
		}
	})

	t.Run("UnlistedDictionaryFails", func(t *testing.T) {
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryTime, Tag: TagSellingTime, Operator: "lessThan", Value: time.Now()},
		}}

		// Only the SHOPPER dictionary is allowed, so the TIME condition
		// makes the whole context unsatisfied.
		if sc.Satisfied(TagSet{TagSellingTime: time.Now()}, TagDictionaryShopper) {
			t.Error("expected condition outside allowed dictionaries to fail")
		}
	})

	t.Run("AllConditionsMustHold", func(t *testing.T) {
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryShopper, Tag: TagShopperSegment, Operator: "equalTo", Value: "vip"},
			{Dictionary: TagDictionaryShopper, Tag: "COUNTRY", Operator: "equalTo", Value: "US"},
		}}

		tags := TagSet{TagShopperSegment: "vip", "COUNTRY": "DE"}
		if sc.Satisfied(tags, TagDictionaryShopper) {
			t.Error("expected one failing condition to fail the context")
		}

		tags["COUNTRY"] = "US"
		if !sc.Satisfied(tags, TagDictionaryShopper) {
			t.Error("expected both conditions holding to satisfy the context")
		}
	})

	t.Run("IncludesTokenList", func(t *testing.T) {
		cond := TagCondition{Dictionary: TagDictionaryShopper, Tag: "GROUPS", Operator: "includes", Value: "beta"}
		sc := &SellingContext{Conditions: []TagCondition{cond}}

		if !sc.Satisfied(TagSet{"GROUPS": "alpha,beta,gamma"}, TagDictionaryShopper) {
			t.Error("expected token in comma list to match")
		}
		if sc.Satisfied(TagSet{"GROUPS": "alphabet"}, TagDictionaryShopper) {
			t.Error("expected partial token not to match")
		}
	})

	t.Run("TimeOrdering", func(t *testing.T) {
		deadline := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryTime, Tag: TagSellingTime, Operator: "lessThan", Value: deadline},
		}}

		before := TagSet{TagSellingTime: deadline.Add(-time.Hour)}
		after := TagSet{TagSellingTime: deadline.Add(time.Hour)}

		if !sc.Satisfied(before, TagDictionaryTime) {
			t.Error("expected selling time before deadline to satisfy")
		}
		if sc.Satisfied(after, TagDictionaryTime) {
			t.Error("expected selling time past deadline to fail")
		}
	})

	t.Run("NumericComparison", func(t *testing.T) {
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryShopper, Tag: "ORDER_COUNT", Operator: "greaterThan", Value: 5},
		}}

		if !sc.Satisfied(TagSet{"ORDER_COUNT": 10}, TagDictionaryShopper) {
			t.Error("expected 10 > 5")
		}
		if sc.Satisfied(TagSet{"ORDER_COUNT": 3}, TagDictionaryShopper) {
			t.Error("expected 3 > 5 to fail")
		}

		// Mixed int/float values compare numerically.
		if !sc.Satisfied(TagSet{"ORDER_COUNT": 6.5}, TagDictionaryShopper) {
			t.Error("expected float tag to compare against int value")
		}
	})

	t.Run("UnknownOperatorFails", func(t *testing.T) {
		sc := &SellingContext{Conditions: []TagCondition{
			{Dictionary: TagDictionaryShopper, Tag: TagShopperSegment, Operator: "matches", Value: "vip"},
		}}

		if sc.Satisfied(TagSet{TagShopperSegment: "vip"}, TagDictionaryShopper) {
			t.Error("expected unknown operator to fail")
		}
	})
}

func TestRuleDefinitionScope(t *testing.T) {
	cartRule := &RuleDefinition{Scenario: ScenarioCart, StoreCode: "US", CatalogCode: "main"}
	if got := cartRule.Scope(); got != "US" {
		t.Errorf("cart rule scope = %q, want US", got)
	}

	catalogRule := &RuleDefinition{Scenario: ScenarioCatalog, StoreCode: "US", CatalogCode: "main"}
	if got := catalogRule.Scope(); got != "main" {
		t.Errorf("catalog rule scope = %q, want main", got)
	}
}

func TestDiscountContainer(t *testing.T) {
	t.Run("AppliesAndTotals", func(t *testing.T) {
		c := NewDiscountContainer(100, 10)

		FixedAmountDiscount{Rule: "flat10", Amount: 10}.Apply(c)
		PercentDiscount{Rule: "pct5", Percent: 5}.Apply(c)
		ShippingFixedDiscount{Rule: "ship2", Amount: 2}.Apply(c)

		if got := c.DiscountedSubtotal(); got != 85 {
			t.Errorf("discounted subtotal = %v, want 85", got)
		}
		if got := c.DiscountedShipping(); got != 8 {
			t.Errorf("discounted shipping = %v, want 8", got)
		}
		if got := c.TotalDiscount(); got != 17 {
			t.Errorf("total discount = %v, want 17", got)
		}
		if got := len(c.Records()); got != 3 {
			t.Errorf("record count = %d, want 3", got)
		}
	})

	t.Run("CartDiscountCappedAtSubtotal", func(t *testing.T) {
		c := NewDiscountContainer(20, 5)

		c.ApplyCartDiscount("big", 50)
		if got := c.DiscountedSubtotal(); got != 0 {
			t.Errorf("discounted subtotal = %v, want 0", got)
		}

		// Nothing left to discount, no record appended.
		c.ApplyCartDiscount("more", 10)
		if got := len(c.Records()); got != 1 {
			t.Errorf("record count = %d, want 1", got)
		}
	})

	t.Run("ShippingDiscountCappedAtShipping", func(t *testing.T) {
		c := NewDiscountContainer(100, 5)

		ShippingPercentDiscount{Rule: "freeship", Percent: 200}.Apply(c)
		if got := c.DiscountedShipping(); got != 0 {
			t.Errorf("discounted shipping = %v, want 0", got)
		}
		if got := c.Records()[0].Amount; got != 5 {
			t.Errorf("recorded amount = %v, want 5", got)
		}
	})

	t.Run("IgnoresNonPositiveAmounts", func(t *testing.T) {
		c := NewDiscountContainer(100, 10)

		c.ApplyCartDiscount("zero", 0)
		c.ApplyCartDiscount("negative", -5)
		c.ApplyShippingDiscount("negative", -1)

		if got := c.TotalDiscount(); got != 0 {
			t.Errorf("total discount = %v, want 0", got)
		}
		if got := len(c.Records()); got != 0 {
			t.Errorf("record count = %d, want 0", got)
		}
	})

	t.Run("PercentUsesOriginalSubtotal", func(t *testing.T) {
		c := NewDiscountContainer(100, 0)

		c.ApplyCartDiscount("flat", 50)
		PercentDiscount{Rule: "pct10", Percent: 10}.Apply(c)

		// Percent discounts compute from the pre-discount subtotal.
		if got := c.TotalDiscount(); got != 60 {
			t.Errorf("total discount = %v, want 60", got)
		}
	})
}
