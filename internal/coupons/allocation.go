package coupons

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/repository"
)

// AllocationEngine distributes a rule's required use count across the
// coupons applied to a cart and persists the resulting usage increments.
//
// The engine runs inside the caller's transactional boundary; it does not
// manage distributed locks. Contention for a shared coupon's capacity across
// concurrent checkouts is resolved by the persistence layer's isolation.
type AllocationEngine struct {
	repo  domain.Repository
	clock domain.Clock
}

// NewAllocationEngine creates an allocation engine.
func NewAllocationEngine(repo domain.Repository, clock domain.Clock) *AllocationEngine {
	return &AllocationEngine{repo: repo, clock: clock}
}

// Allocate distributes requiredUseCount across the applied coupons for one
// fired rule and appends ledger entries to the rule.
//
// Candidate selection per iteration, over usage records not already staged
// in this pass:
//  1. Prefer the record with the greatest use count strictly below its
//     limit, so nearly-exhausted coupons close out first.
//  2. With no record below the limit, create a fresh zero-count record for
//     the first unstaged applied coupon that has none, with the customer
//     email assigned only for perAnyUser and perSpecifiedUser usage types.
//  3. Only when every applied coupon has a record and all sit at or above
//     the limit does the record with the smallest use count absorb the
//     whole remainder, pushing it past the limit. A warning is logged when
//     this fallback triggers.
//
// Staged records are written back with save-or-update once at the end of the
// pass, not per increment. Finding no record to increment while a count
// remains is an AllocationInvariantError.
func (e *AllocationEngine) Allocate(ctx context.Context, rule *domain.AppliedRule, appliedCoupons []*domain.Coupon, requiredUseCount int, customerEmail string) error {
	if rule == nil {
		return errors.New("applied rule is required")
	}
	if requiredUseCount <= 0 {
		requiredUseCount = 1
	}

	cfg, err := e.repo.FindCouponConfigByRuleCode(ctx, rule.RuleCode)
	if err != nil {
		return fmt.Errorf("coupon config lookup for rule %s: %w", rule.RuleCode, err)
	}
	if cfg == nil {
		return fmt.Errorf("coupon config missing for rule %s", rule.RuleCode)
	}

	staged := make(map[string]*domain.CouponUsage)
	var stagedOrder []string
	var ledger []domain.CouponUsageRecord
	remaining := requiredUseCount

	for remaining > 0 {
		candidates, unrecorded, err := e.unstagedUsages(ctx, cfg, appliedCoupons, staged, customerEmail)
		if err != nil {
			return err
		}

		pick := belowLimitCandidate(cfg, candidates)
		if pick == nil && unrecorded != nil {
			pick, err = e.newUsage(cfg, unrecorded, customerEmail)
			if err != nil {
				return err
			}
		}
		if pick == nil {
			if len(candidates) == 0 {
				return &domain.AllocationInvariantError{RuleCode: rule.RuleCode, Remaining: remaining}
			}
			pick = leastUsed(candidates)
		}

		allocated := remaining
		if cfg.UsageLimit > 0 {
			if headroom := cfg.UsageLimit - pick.UseCount; headroom > 0 && headroom < remaining {
				allocated = headroom
			} else if headroom <= 0 {
				// Every unstaged record is at or above its limit; the
				// least-used one absorbs the full remainder.
				slog.Warn("coupon allocation exceeded usage limit",
					"rule", rule.RuleCode,
					"coupon", pick.CouponCode,
					"use_count", pick.UseCount,
					"usage_limit", cfg.UsageLimit,
					"allocated", remaining,
				)
			}
		}

		e.openDurationWindow(cfg, pick)

		pick.UseCount += allocated
		staged[pick.CouponCode] = pick
		stagedOrder = append(stagedOrder, pick.CouponCode)
		ledger = append(ledger, domain.CouponUsageRecord{CouponCode: pick.CouponCode, UseCount: allocated})
		remaining -= allocated
	}

	for _, code := range stagedOrder {
		if err := e.repo.SaveOrUpdateCouponUsage(ctx, staged[code]); err != nil {
			return fmt.Errorf("saving coupon usage %s: %w", code, err)
		}
	}
	for _, rec := range ledger {
		if err := e.repo.SaveCouponUsageLedger(ctx, rule.RuleCode, rec); err != nil {
			return fmt.Errorf("saving usage ledger for rule %s: %w", rule.RuleCode, err)
		}
	}

	rule.CouponUsages = append(rule.CouponUsages, ledger...)
	return nil
}

// unstagedUsages loads the existing usage records of the applied coupons not
// yet touched in this pass, and the first unstaged applied coupon that has
// no record at all. perCoupon records are keyed by code alone; the other
// types are keyed by code and customer email.
func (e *AllocationEngine) unstagedUsages(ctx context.Context, cfg *domain.CouponConfig, appliedCoupons []*domain.Coupon, staged map[string]*domain.CouponUsage, customerEmail string) ([]*domain.CouponUsage, *domain.Coupon, error) {
	var usages []*domain.CouponUsage
	var unrecorded *domain.Coupon
	for _, coupon := range appliedCoupons {
		if _, ok := staged[coupon.Code]; ok {
			continue
		}
		usage, err := e.repo.FindCouponUsage(ctx, coupon.Code, lookupEmail(cfg, customerEmail))
		if errors.Is(err, repository.ErrNotFound) {
			if unrecorded == nil {
				unrecorded = coupon
			}
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("finding usage for coupon %s: %w", coupon.Code, err)
		}
		usages = append(usages, usage)
	}
	return usages, unrecorded, nil
}

// newUsage creates a zero-count usage record for a coupon.
func (e *AllocationEngine) newUsage(cfg *domain.CouponConfig, coupon *domain.Coupon, customerEmail string) (*domain.CouponUsage, error) {
	usage := &domain.CouponUsage{
		ID:         uuid.New().String(),
		CouponCode: coupon.Code,
	}
	if cfg.Usage != domain.UsagePerCoupon {
		if customerEmail == "" {
			return nil, domain.NewCouponEmailRequiredError(coupon.Code)
		}
		usage.CustomerEmail = customerEmail
	}
	return usage, nil
}

// openDurationWindow starts the limited-duration window on a record's first
// use.
func (e *AllocationEngine) openDurationWindow(cfg *domain.CouponConfig, usage *domain.CouponUsage) {
	if !cfg.LimitedDuration || usage.LimitedDurationStart != nil {
		return
	}
	start := e.clock.Now()
	end := start.AddDate(0, 0, cfg.DurationDays)
	usage.LimitedDurationStart = &start
	usage.LimitedDurationEnd = &end
}

// belowLimitCandidate picks the fullest record still below the limit, or nil
// when none is. With no limit the fullest record wins outright.
func belowLimitCandidate(cfg *domain.CouponConfig, candidates []*domain.CouponUsage) *domain.CouponUsage {
	var below *domain.CouponUsage
	for _, c := range candidates {
		if underLimit(cfg, c.UseCount) && (below == nil || c.UseCount > below.UseCount) {
			below = c
		}
	}
	return below
}

func leastUsed(candidates []*domain.CouponUsage) *domain.CouponUsage {
	least := candidates[0]
	for _, c := range candidates[1:] {
		if c.UseCount < least.UseCount {
			least = c
		}
	}
	return least
}

func lookupEmail(cfg *domain.CouponConfig, customerEmail string) string {
	if cfg.Usage == domain.UsagePerCoupon {
		return ""
	}
	return customerEmail
}
