package coupons

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/repository"
)

// Service applies coupons to carts, mapping validity failures to the
// user-facing coupon error family.
type Service struct {
	repo     domain.Repository
	validity *ValidityChecker
}

// NewService creates a coupon service.
func NewService(repo domain.Repository, clock domain.Clock) *Service {
	return &Service{repo: repo, validity: NewValidityChecker(clock)}
}

// ApplyCoupon validates that a coupon code can be attached to a cart and
// returns the coupon on success. Failures are CouponValidationError values:
// an unknown or exhausted or suspended coupon is not valid, a coupon outside
// its duration window is no longer available, and an email-scoped coupon
// applied without an email requires one.
func (s *Service) ApplyCoupon(ctx context.Context, storeCode, code, customerEmail string) (*domain.Coupon, error) {
	coupon, err := s.repo.GetCouponByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewCouponNotValidError(code)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := s.repo.GetCouponConfig(ctx, coupon.ConfigID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NewCouponNotValidError(code)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Usage != domain.UsagePerCoupon && customerEmail == "" {
		return nil, domain.NewCouponEmailRequiredError(code)
	}

	usage, err := s.repo.FindCouponUsage(ctx, code, lookupEmail(cfg, customerEmail))
	if errors.Is(err, repository.ErrNotFound) {
		usage = nil
	} else if err != nil {
		return nil, err
	}

	if ok, err := s.validity.CheckSuspension(cfg, coupon, usage); err != nil {
		return nil, err
	} else if !ok {
		return nil, domain.NewCouponNotValidError(code)
	}

	if ok, err := s.validity.CheckDate(cfg, usage); err != nil {
		return nil, err
	} else if !ok {
		return nil, domain.NewCouponNoLongerAvailableError(code)
	}

	if ok, err := s.validity.CheckUsage(cfg, usage, customerEmail); err != nil {
		return nil, err
	} else if !ok {
		return nil, domain.NewCouponNotValidError(code)
	}

	slog.Debug("coupon applied",
		"store", storeCode,
		"coupon", code,
		"usage_type", cfg.Usage,
	)

	return coupon, nil
}
