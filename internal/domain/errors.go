package domain

import (
	"fmt"
	"strings"
)

// RuleCompilationError reports that rule source failed to compile. It
// carries the joined compiler error messages. The previous cached artifact,
// if any, remains usable.
type RuleCompilationError struct {
	Scope    string
	Scenario Scenario
	Issues   []CompileIssue
}

func (e *RuleCompilationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		if issue.RuleCode != "" {
			msgs[i] = issue.RuleCode + ": " + issue.Message
		} else {
			msgs[i] = issue.Message
		}
	}
	return fmt.Sprintf("rule base compilation failed for %s/%s: %s",
		e.Scope, e.Scenario, strings.Join(msgs, "; "))
}

// AllocationInvariantError reports a broken coupon allocation invariant: no
// incrementable usage record was found while a use count remained to
// allocate. This is a data-integrity fault and must not be retried.
type AllocationInvariantError struct {
	RuleCode  string
	Remaining int
}

func (e *AllocationInvariantError) Error() string {
	return fmt.Sprintf("coupon allocation invariant broken for rule %s: no usage record to increment with %d uses remaining",
		e.RuleCode, e.Remaining)
}

// CouponErrorCode identifies a user-facing coupon validation failure.
type CouponErrorCode string

const (
	CouponErrNotValid          CouponErrorCode = "coupon.not.valid"
	CouponErrNoLongerAvailable CouponErrorCode = "coupon.no.longer.available"
	CouponErrEmailRequired     CouponErrorCode = "coupon.email.required"
)

// CouponValidationError is a user-facing business error raised when a coupon
// cannot be applied. The structured payload is keyed by coupon code.
type CouponValidationError struct {
	Code       CouponErrorCode
	Message    string
	CouponCode string
	Data       map[string]string
}

func (e *CouponValidationError) Error() string {
	return fmt.Sprintf("%s: coupon %s: %s", e.Code, e.CouponCode, e.Message)
}

// NewCouponNotValidError reports a coupon that cannot be applied at all:
// unknown code, suspended, or usage exhausted.
func NewCouponNotValidError(couponCode string) *CouponValidationError {
	return &CouponValidationError{
		Code:       CouponErrNotValid,
		Message:    "coupon is not valid",
		CouponCode: couponCode,
		Data:       map[string]string{"couponCode": couponCode},
	}
}

// NewCouponNoLongerAvailableError reports an expired coupon.
func NewCouponNoLongerAvailableError(couponCode string) *CouponValidationError {
	return &CouponValidationError{
		Code:       CouponErrNoLongerAvailable,
		Message:    "coupon is no longer available",
		CouponCode: couponCode,
		Data:       map[string]string{"couponCode": couponCode},
	}
}

// NewCouponEmailRequiredError reports a coupon whose usage type requires a
// customer email that was not supplied.
func NewCouponEmailRequiredError(couponCode string) *CouponValidationError {
	return &CouponValidationError{
		Code:       CouponErrEmailRequired,
		Message:    "coupon requires a customer email",
		CouponCode: couponCode,
		Data:       map[string]string{"couponCode": couponCode},
	}
}
