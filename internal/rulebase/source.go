package rulebase

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// BuildSource serializes rule definitions into the compiler's source form.
// Condition elements are conjoined; exception elements are negated and
// conjoined. Disabled rules are skipped.
func BuildSource(scope string, scenario domain.Scenario, lastModified time.Time, defs []*domain.RuleDefinition) (string, error) {
	src := domain.RuleSetSource{
		Scope:        scope,
		Scenario:     scenario,
		LastModified: lastModified,
	}

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		src.Rules = append(src.Rules, toRuleSource(def))
	}

	b, err := json.Marshal(src)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toRuleSource(def *domain.RuleDefinition) domain.RuleSource {
	var conditions []string
	var actions []domain.ActionSource

	for _, el := range def.Elements {
		switch el.Kind {
		case domain.ElementCondition:
			if el.Expression != "" {
				conditions = append(conditions, "("+el.Expression+")")
			}
		case domain.ElementException:
			if el.Expression != "" {
				conditions = append(conditions, "!("+el.Expression+")")
			}
		case domain.ElementAction:
			actions = append(actions, domain.ActionSource{
				Kind:       el.DiscountKind,
				Value:      el.DiscountValue,
				CouponCode: el.CouponCode,
				UseCount:   el.UseCount,
			})
		}
	}

	group := def.PriorityGroup
	if group == "" {
		if def.Scenario == domain.ScenarioCatalog {
			group = domain.PriorityGroupCatalog
		} else {
			group = domain.PriorityGroupDefault
		}
	}

	return domain.RuleSource{
		Code:          def.Code,
		PriorityGroup: group,
		Salience:      def.Salience,
		Condition:     strings.Join(conditions, " && "),
		Actions:       actions,
	}
}

func latestModification(defs []*domain.RuleDefinition) time.Time {
	var latest time.Time
	for _, def := range defs {
		if def.LastModified.After(latest) {
			latest = def.LastModified
		}
	}
	return latest
}
