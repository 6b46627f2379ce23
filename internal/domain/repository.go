package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. Rule and coupon
// state is scoped by store or catalog code where applicable.
type Repository interface {
	// Rule operations
	SaveRule(ctx context.Context, rule *RuleDefinition) error
	GetRuleByCode(ctx context.Context, code string) (*RuleDefinition, error)
	ListRules(ctx context.Context, scope string, scenario Scenario) ([]*RuleDefinition, error)
	ListScopes(ctx context.Context, scenario Scenario) ([]string, error)

	// Rule set operations
	SaveRuleSet(ctx context.Context, set *RuleSet) error
	GetRuleSet(ctx context.Context, id string) (*RuleSet, error)
	GetRuleSetByScenario(ctx context.Context, scenario Scenario) (*RuleSet, error)
	ListRuleSetsModifiedSince(ctx context.Context, since time.Time) ([]*RuleSet, error)

	// Compiled rule base records
	SaveRuleBaseRecord(ctx context.Context, rec *RuleBaseRecord) error
	GetRuleBaseRecord(ctx context.Context, scope string, scenario Scenario) (*RuleBaseRecord, error)

	// Global compilation watermark: the timestamp of the last fully
	// successful scheduled recompilation pass. The zero time means no pass
	// has completed yet.
	GetCompilationWatermark(ctx context.Context) (time.Time, error)
	SetCompilationWatermark(ctx context.Context, ts time.Time) error

	// Coupon operations
	SaveCouponConfig(ctx context.Context, cfg *CouponConfig) error
	GetCouponConfig(ctx context.Context, id string) (*CouponConfig, error)
	FindCouponConfigByRuleCode(ctx context.Context, ruleCode string) (*CouponConfig, error)
	SaveCoupon(ctx context.Context, coupon *Coupon) error
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	ListCouponsByConfig(ctx context.Context, configID string) ([]*Coupon, error)

	// Coupon usage operations. Usage records are unique per coupon code, or
	// per (coupon code, customer email) when email-scoped.
	FindCouponUsage(ctx context.Context, couponCode, customerEmail string) (*CouponUsage, error)
	SaveOrUpdateCouponUsage(ctx context.Context, usage *CouponUsage) error

	// Coupon usage ledger for downstream reporting
	SaveCouponUsageLedger(ctx context.Context, ruleCode string, rec CouponUsageRecord) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
