// Package rules provides the CEL-Go based promotion rule engine: a compiler
// from rule set source to an executable artifact, and single-use evaluation
// sessions over that artifact.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/opensource-commerce/shrike/internal/domain"
)

// Compiler compiles rule set source documents into artifacts. It implements
// domain.RuleCompiler. A compiler is safe for concurrent use; the CEL
// environment is built once.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler with the promotion fact variables declared.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("cart", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("shopper", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("catalog", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subtotal", cel.DoubleType),
		cel.Variable("discounted_subtotal", cel.DoubleType),
		cel.Variable("shipping", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("item_count", cel.IntType),
		cel.Variable("coupon_codes", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Compiler{env: env}, nil
}

// Compile parses a serialized rule set and compiles each rule's condition.
// All issues across the rule set are collected; any issue means no artifact.
func (c *Compiler) Compile(source string) (domain.RuleBaseArtifact, []domain.CompileIssue) {
	var src domain.RuleSetSource
	if err := json.Unmarshal([]byte(source), &src); err != nil {
		return nil, []domain.CompileIssue{{Message: fmt.Sprintf("invalid rule set source: %v", err)}}
	}

	var issues []domain.CompileIssue
	groups := make(map[string][]*compiledRule)

	for _, rs := range src.Rules {
		compiled, err := c.compileRule(&rs)
		if err != nil {
			issues = append(issues, domain.CompileIssue{RuleCode: rs.Code, Message: err.Error()})
			continue
		}
		group := rs.PriorityGroup
		if group == "" {
			group = domain.PriorityGroupDefault
		}
		groups[group] = append(groups[group], compiled)
	}

	if len(issues) > 0 {
		return nil, issues
	}

	// Higher salience fires first; insertion order breaks ties.
	for _, rules := range groups {
		sortBySalience(rules)
	}

	return &Artifact{
		lastModified: src.LastModified,
		groups:       groups,
	}, nil
}

func (c *Compiler) compileRule(rs *domain.RuleSource) (*compiledRule, error) {
	condition := rs.Condition
	if condition == "" {
		condition = "true"
	}

	ast, iss := c.env.Compile(condition)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("condition does not compile: %v", iss.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	if len(rs.Actions) == 0 {
		return nil, fmt.Errorf("rule has no actions")
	}
	for _, a := range rs.Actions {
		switch a.Kind {
		case domain.DiscountCartFixed, domain.DiscountCartPercent,
			domain.DiscountShippingFixed, domain.DiscountShippingPercent:
		default:
			return nil, fmt.Errorf("unknown discount kind %q", a.Kind)
		}
	}

	return &compiledRule{
		source:    rs,
		condition: program,
	}, nil
}

func sortBySalience(rules []*compiledRule) {
	// Stable insertion sort; rule groups are small.
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].source.Salience > rules[j-1].source.Salience; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

type compiledRule struct {
	source    *domain.RuleSource
	condition cel.Program
}
