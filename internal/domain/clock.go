package domain

import (
	"time"
)

// Clock is the injected time source. Date-based coupon and rule checks read
// time through it so they stay testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
