package domain

import (
	"time"
)

// The rule evaluation engine is an injected collaborator behind these narrow
// interfaces. The engine compiles rule source into an immutable artifact;
// sessions opened from the artifact evaluate asserted facts.

// Name of the discount-result query and its binding, as exposed by the rule
// engine after firing.
const (
	DiscountQueryName = "discounts"

	DiscountBinding = "discount"
	RuleCodeBinding = "ruleCode"
	UseCountBinding = "useCount"
)

// CompileIssue is one compiler error for a rule.
type CompileIssue struct {
	RuleCode string `json:"ruleCode"`
	Message  string `json:"message"`
}

// RuleCompiler compiles rule source text into an executable artifact. A
// non-empty issue list means compilation failed and no artifact is returned.
type RuleCompiler interface {
	Compile(source string) (RuleBaseArtifact, []CompileIssue)
}

// RuleBaseArtifact is the immutable compiled form of a rule set for one
// scope and scenario. A new artifact replaces a cache entry; artifacts are
// never mutated after creation.
type RuleBaseArtifact interface {
	// LastModifiedDate is copied from the source rule set at compile time
	// and drives staleness detection.
	LastModifiedDate() time.Time

	RuleCount() int

	// NewSession opens an independent evaluation session. Sessions are not
	// reused or pooled; the caller must dispose each one.
	NewSession() RuleSession
}

// RuleSession is a single-use evaluation session.
type RuleSession interface {
	Assert(fact any)
	SetFocus(priorityGroup string)
	FireAllRules() error

	// QueryResults returns the results of a named query. The second return
	// is false when the query is unavailable, e.g. because no matching
	// rules fired; that is not an error.
	QueryResults(queryName string) ([]RuleQueryResult, bool)

	Dispose()
}

// RuleQueryResult exposes the named bindings of one query row.
type RuleQueryResult interface {
	Get(binding string) any
}

// RuleSetSource is the wire form handed to the rule compiler: a serialized
// rule set for one scope and scenario.
type RuleSetSource struct {
	Scope        string       `json:"scope"`
	Scenario     Scenario     `json:"scenario"`
	LastModified time.Time    `json:"lastModified"`
	Rules        []RuleSource `json:"rules"`
}

// RuleSource is one rule in compiler source form.
type RuleSource struct {
	Code          string         `json:"code"`
	PriorityGroup string         `json:"priorityGroup"`
	Salience      int            `json:"salience"`
	Condition     string         `json:"condition"`
	Actions       []ActionSource `json:"actions"`
}

// ActionSource is one discount action in compiler source form.
type ActionSource struct {
	Kind       DiscountKind `json:"kind"`
	Value      float64      `json:"value"`
	CouponCode string       `json:"couponCode,omitempty"`
	UseCount   int          `json:"useCount,omitempty"`
}

// RuleBaseRecord is the persisted form of a compiled rule base: the source
// text plus the modification time it was built from. The read-and-refresh
// strategy compares a cached artifact against this record.
type RuleBaseRecord struct {
	Scope        string    `json:"scope"`
	Scenario     Scenario  `json:"scenario"`
	Source       string    `json:"source"`
	LastModified time.Time `json:"lastModified"`
}
