package domain

import (
	"time"
)

// UsageType governs how a coupon's use count is scoped.
type UsageType string

const (
	// UsagePerCoupon counts uses globally per coupon code.
	UsagePerCoupon UsageType = "perCoupon"

	// UsagePerAnyUser counts uses per coupon code and customer email; any
	// customer may use the coupon up to the limit.
	UsagePerAnyUser UsageType = "perAnyUser"

	// UsagePerSpecifiedUser counts uses per coupon code and customer email;
	// a usage record must be provisioned for the customer in advance.
	UsagePerSpecifiedUser UsageType = "perSpecifiedUser"
)

// CouponConfig is the usage policy shared by all coupons of one rule.
type CouponConfig struct {
	ID       string    `json:"id"`
	RuleCode string    `json:"ruleCode"`
	Usage    UsageType `json:"usageType"`

	// UsageLimit caps the use count per the usage type scope. Zero means
	// unlimited.
	UsageLimit int `json:"usageLimit"`

	MultiUsePerOrder bool `json:"multiUsePerOrder"`

	// LimitedDuration bounds perSpecifiedUser coupons to a window starting
	// at first use.
	LimitedDuration bool `json:"limitedDuration"`
	DurationDays    int  `json:"durationDays,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Coupon is a redeemable code owned by a coupon config.
type Coupon struct {
	ID        string `json:"id"`
	Code      string `json:"code"` // unique per config
	ConfigID  string `json:"configId"`
	Suspended bool   `json:"suspended"`
}

// CouponUsage tracks consumption of a coupon, optionally scoped to a
// customer email. The use count increases monotonically until reset by an
// external process.
type CouponUsage struct {
	ID            string `json:"id"`
	CouponCode    string `json:"couponCode"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	UseCount      int    `json:"useCount"`
	Suspended     bool   `json:"suspended"`

	LimitedDurationStart *time.Time `json:"limitedDurationStart,omitempty"`
	LimitedDurationEnd   *time.Time `json:"limitedDurationEnd,omitempty"`
}

// CouponUsageRecord is one ledger entry recorded against an applied rule:
// which coupon was consumed and by how much.
type CouponUsageRecord struct {
	CouponCode string `json:"couponCode"`
	UseCount   int    `json:"useCount"`
}

// AppliedRule is a rule that fired for a cart, carrying the coupon-usage
// ledger built up during allocation for downstream reporting.
type AppliedRule struct {
	RuleID       string              `json:"ruleId"`
	RuleCode     string              `json:"ruleCode"`
	CouponUsages []CouponUsageRecord `json:"couponUsages,omitempty"`
}

// AppliedCoupon is a coupon attached to a shopper's cart.
type AppliedCoupon struct {
	Code          string `json:"code"`
	CustomerEmail string `json:"customerEmail,omitempty"`
}
