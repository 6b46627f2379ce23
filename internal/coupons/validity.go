// Package coupons implements coupon validity checking, use-count allocation,
// and the apply-coupon service.
package coupons

import (
	"errors"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// ValidityChecker evaluates whether a coupon may be applied and whether a
// promotion rule is currently valid. It is pure predicate logic over coupon,
// usage, and config state; the clock is injected.
type ValidityChecker struct {
	clock domain.Clock
}

// NewValidityChecker creates a validity checker.
func NewValidityChecker(clock domain.Clock) *ValidityChecker {
	return &ValidityChecker{clock: clock}
}

// CheckUsage reports whether the coupon has usable capacity for the customer,
// branching on the config's usage type:
//   - perAnyUser: an email must be present and either no usage record exists
//     yet or the use count is below the limit.
//   - perCoupon: either no usage record exists yet or the use count is below
//     the limit; the email is irrelevant.
//   - perSpecifiedUser: an email must be present, a usage record must have
//     been provisioned in advance, and the use count must be below the limit.
//
// A nil config is an input fault, not a negative result.
func (v *ValidityChecker) CheckUsage(cfg *domain.CouponConfig, usage *domain.CouponUsage, customerEmail string) (bool, error) {
	if cfg == nil {
		return false, errors.New("coupon config is required")
	}

	switch cfg.Usage {
	case domain.UsagePerAnyUser:
		return customerEmail != "" && (usage == nil || underLimit(cfg, usage.UseCount)), nil
	case domain.UsagePerCoupon:
		return usage == nil || underLimit(cfg, usage.UseCount), nil
	case domain.UsagePerSpecifiedUser:
		return customerEmail != "" && usage != nil && underLimit(cfg, usage.UseCount), nil
	default:
		return false, nil
	}
}

// CheckDate reports whether the coupon is still inside its limited-duration
// window. Only perSpecifiedUser coupons with limited duration can expire this
// way; the window opens at first use, so a record without an end date passes.
func (v *ValidityChecker) CheckDate(cfg *domain.CouponConfig, usage *domain.CouponUsage) (bool, error) {
	if cfg == nil {
		return false, errors.New("coupon config is required")
	}
	if !cfg.LimitedDuration || cfg.Usage != domain.UsagePerSpecifiedUser {
		return true, nil
	}
	if usage == nil || usage.LimitedDurationEnd == nil {
		return true, nil
	}
	return !v.clock.Now().After(*usage.LimitedDurationEnd), nil
}

// CheckSuspension reports whether the coupon is usable with respect to
// suspension flags. perSpecifiedUser coupons are suspended per usage record;
// every other type is suspended on the coupon itself.
func (v *ValidityChecker) CheckSuspension(cfg *domain.CouponConfig, coupon *domain.Coupon, usage *domain.CouponUsage) (bool, error) {
	if cfg == nil {
		return false, errors.New("coupon config is required")
	}
	if cfg.Usage == domain.UsagePerSpecifiedUser {
		return usage == nil || !usage.Suspended, nil
	}
	if coupon == nil {
		return false, errors.New("coupon is required")
	}
	return !coupon.Suspended, nil
}

// IsValid composes the usage, date, and suspension checks; all three must
// hold.
func (v *ValidityChecker) IsValid(cfg *domain.CouponConfig, coupon *domain.Coupon, usage *domain.CouponUsage, customerEmail string) (bool, error) {
	ok, err := v.CheckUsage(cfg, usage, customerEmail)
	if err != nil || !ok {
		return false, err
	}
	ok, err = v.CheckDate(cfg, usage)
	if err != nil || !ok {
		return false, err
	}
	return v.CheckSuspension(cfg, coupon, usage)
}

// IsRuleValid classifies a promotion rule for a store at the current instant:
// unspecified when the rule is nil, disabled, or scoped to another store;
// expired when it has no selling context and sits outside its date range;
// otherwise the selling context decides, evaluated against the time
// dictionary only.
func (v *ValidityChecker) IsRuleValid(rule *domain.RuleDefinition, storeCode string, tags domain.TagSet) domain.ValidityStatus {
	if rule == nil || !rule.Enabled {
		return domain.RuleUnspecified
	}
	if rule.StoreCode != "" && storeCode != "" && rule.StoreCode != storeCode {
		return domain.RuleUnspecified
	}

	now := v.clock.Now()

	if rule.SellingContext == nil {
		if rule.StartDate != nil && now.Before(*rule.StartDate) {
			return domain.RuleExpired
		}
		if rule.EndDate != nil && now.After(*rule.EndDate) {
			return domain.RuleExpired
		}
		return domain.RuleValid
	}

	stamped := tags
	if _, ok := stamped[domain.TagSellingTime]; !ok {
		stamped = make(domain.TagSet, len(tags)+1)
		for k, val := range tags {
			stamped[k] = val
		}
		stamped[domain.TagSellingTime] = now
	}
	if rule.SellingContext.Satisfied(stamped, domain.TagDictionaryTime) {
		return domain.RuleValid
	}
	return domain.RuleExpired
}

// underLimit treats a zero usage limit as unlimited.
func underLimit(cfg *domain.CouponConfig, useCount int) bool {
	return cfg.UsageLimit == 0 || useCount < cfg.UsageLimit
}
