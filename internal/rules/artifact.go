package rules

import (
	"time"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// Artifact is the compiled form of one rule set. It is immutable after
// compilation; the rule base cache replaces whole artifacts, never mutates
// them.
type Artifact struct {
	lastModified time.Time
	groups       map[string][]*compiledRule
}

// EmptyArtifact returns an artifact with no rules. The rule base cache falls
// back to it when the persisted rule base record is absent.
func EmptyArtifact() *Artifact {
	return &Artifact{groups: map[string][]*compiledRule{}}
}

// LastModifiedDate returns the source rule set's modification time at
// compile time.
func (a *Artifact) LastModifiedDate() time.Time { return a.lastModified }

// RuleCount returns the number of compiled rules across all priority groups.
func (a *Artifact) RuleCount() int {
	n := 0
	for _, rules := range a.groups {
		n += len(rules)
	}
	return n
}

// NewSession opens an independent single-use evaluation session.
func (a *Artifact) NewSession() domain.RuleSession {
	return &Session{artifact: a}
}
