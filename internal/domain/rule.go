// Package domain defines the core interfaces and types for Shrike.
package domain

import (
	"time"
)

// Scenario identifies the context a promotion rule applies to.
type Scenario string

const (
	// ScenarioCart rules fire during cart checkout, scoped by store code.
	ScenarioCart Scenario = "cart"

	// ScenarioCatalog rules fire during catalog browsing, scoped by catalog code.
	ScenarioCatalog Scenario = "catalog"
)

// Priority groups control firing order within one evaluation session.
// For the cart scenario the default group fires before the
// subtotal-dependent group.
const (
	PriorityGroupDefault  = "default"
	PriorityGroupSubtotal = "subtotal-dependent"
	PriorityGroupCatalog  = "catalog"
)

// RuleElementKind distinguishes the parts of a rule definition.
type RuleElementKind string

const (
	ElementCondition RuleElementKind = "condition"
	ElementAction    RuleElementKind = "action"
	ElementException RuleElementKind = "exception"
)

// RuleElement is one ordered condition, action, or exception of a rule.
// Conditions and exceptions carry a CEL expression over the session facts;
// actions carry a discount kind and value.
type RuleElement struct {
	Kind       RuleElementKind `json:"kind"`
	Expression string          `json:"expression,omitempty"`

	// Action fields
	DiscountKind  DiscountKind `json:"discountKind,omitempty"`
	DiscountValue float64      `json:"discountValue,omitempty"`

	// CouponCode restricts the action to carts that applied the coupon.
	CouponCode string `json:"couponCode,omitempty"`

	// UseCount is the number of coupon uses one firing of this action
	// consumes. Zero means the default of one.
	UseCount int `json:"useCount,omitempty"`
}

// RuleDefinition is an authored promotion rule.
type RuleDefinition struct {
	ID   string `json:"id"`
	Code string `json:"code"` // unique
	Name string `json:"name"` // unique

	Scenario    Scenario `json:"scenario"`
	StoreCode   string   `json:"storeCode,omitempty"`
	CatalogCode string   `json:"catalogCode,omitempty"`

	PriorityGroup string `json:"priorityGroup"`
	Salience      int    `json:"salience"`

	Enabled bool `json:"enabled"`

	// Either a date range or a selling context bounds applicability.
	// A nil selling context means the rule is always targeted.
	StartDate      *time.Time      `json:"startDate,omitempty"`
	EndDate        *time.Time      `json:"endDate,omitempty"`
	SellingContext *SellingContext `json:"sellingContext,omitempty"`

	Elements []RuleElement `json:"elements"`

	RuleSetID string `json:"ruleSetId"`

	// LastModified is bumped on every mutation and on owning rule set
	// changes. It drives rule base staleness detection.
	LastModified time.Time `json:"lastModified"`
}

// Scope returns the cache scope key for the rule: the store code for cart
// rules, the catalog code for catalog rules.
func (r *RuleDefinition) Scope() string {
	if r.Scenario == ScenarioCatalog {
		return r.CatalogCode
	}
	return r.StoreCode
}

// RuleSet groups rule definitions by scenario. Its LastModified timestamp is
// the staleness signal for compiled rule bases.
type RuleSet struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Scenario     Scenario  `json:"scenario"`
	LastModified time.Time `json:"lastModified"`
}

// TagDictionary names a group of targeting tags.
type TagDictionary string

const (
	TagDictionaryShopper TagDictionary = "SHOPPER"
	TagDictionaryTime    TagDictionary = "TIME"
)

// Well-known tag keys.
const (
	TagSellingTime    = "SELLING_TIME"
	TagShopperSegment = "SHOPPER_SEGMENT"
)

// TagSet holds the shopper and time tags a selling context is evaluated
// against.
type TagSet map[string]any

// TagCondition is one named condition of a selling context.
type TagCondition struct {
	Dictionary TagDictionary `json:"dictionary"`
	Tag        string        `json:"tag"`
	Operator   string        `json:"operator"` // equalTo, notEqualTo, includes, lessThan, greaterThan
	Value      any           `json:"value"`
}

// SellingContext is a set of tag conditions a rule must satisfy to be
// targeted. It is satisfied or unsatisfied as a whole, never partially.
type SellingContext struct {
	Name       string         `json:"name"`
	Conditions []TagCondition `json:"conditions"`
}

// Satisfied evaluates the selling context against a tag set. Only conditions
// belonging to the given dictionaries are evaluated; a condition in any other
// dictionary makes the context unsatisfied. Every evaluated condition must
// hold.
func (sc *SellingContext) Satisfied(tags TagSet, dictionaries ...TagDictionary) bool {
	allowed := make(map[TagDictionary]bool, len(dictionaries))
	for _, d := range dictionaries {
		allowed[d] = true
	}

	for _, cond := range sc.Conditions {
		if !allowed[cond.Dictionary] {
			return false
		}
		if !cond.holds(tags) {
			return false
		}
	}
	return true
}

func (c *TagCondition) holds(tags TagSet) bool {
	val, ok := tags[c.Tag]
	if !ok {
		return false
	}

	switch c.Operator {
	case "equalTo":
		return valuesEqual(val, c.Value)
	case "notEqualTo":
		return !valuesEqual(val, c.Value)
	case "includes":
		s, ok := val.(string)
		want, ok2 := c.Value.(string)
		if !ok || !ok2 {
			return false
		}
		return s == want || containsToken(s, want)
	case "lessThan":
		a, b, ok := numericPair(val, c.Value)
		return ok && a < b
	case "greaterThan":
		a, b, ok := numericPair(val, c.Value)
		return ok && a > b
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if x, y, ok := numericPair(a, b); ok {
		return x == y
	}
	return a == b
}

// numericPair coerces both values to float64. Time values compare by their
// Unix nanosecond instant so TIME dictionary conditions can use the ordering
// operators.
func numericPair(a, b any) (float64, float64, bool) {
	x, ok1 := toFloat(a)
	y, ok2 := toFloat(b)
	return x, y, ok1 && ok2
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Time:
		return float64(n.UnixNano()), true
	default:
		return 0, false
	}
}

func containsToken(haystack, needle string) bool {
	start := 0
	for i := 0; i <= len(haystack); i++ {
		if i == len(haystack) || haystack[i] == ',' {
			if haystack[start:i] == needle {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// ValidityStatus is the tri-state outcome of rule-level validity checks.
type ValidityStatus string

const (
	RuleValid       ValidityStatus = "SUCCESS"
	RuleExpired     ValidityStatus = "ERROR_EXPIRED"
	RuleUnspecified ValidityStatus = "ERROR_UNSPECIFIED"
)
