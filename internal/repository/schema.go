package repository

// Schema definitions for the Shrike database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    scenario TEXT NOT NULL,
    store_code TEXT NOT NULL DEFAULT '',
    catalog_code TEXT NOT NULL DEFAULT '',
    priority_group TEXT NOT NULL,
    salience INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    start_date TIMESTAMP,
    end_date TIMESTAMP,
    selling_context TEXT,
    elements TEXT NOT NULL,
    rule_set_id TEXT NOT NULL DEFAULT '',
    last_modified TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_store ON rules(scenario, store_code);
CREATE INDEX IF NOT EXISTS idx_rules_catalog ON rules(scenario, catalog_code);
CREATE INDEX IF NOT EXISTS idx_rules_rule_set ON rules(rule_set_id);
`

const schemaRuleSets = `
CREATE TABLE IF NOT EXISTS rule_sets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    scenario TEXT NOT NULL,
    last_modified TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_sets_scenario ON rule_sets(scenario);
CREATE INDEX IF NOT EXISTS idx_rule_sets_modified ON rule_sets(last_modified);
`

// schemaRuleBases persists compiled rule base records: the serialized source
// a scope's artifact was built from, plus its modification time.
const schemaRuleBases = `
CREATE TABLE IF NOT EXISTS rule_bases (
    scope TEXT NOT NULL,
    scenario TEXT NOT NULL,
    source TEXT NOT NULL,
    last_modified TIMESTAMP NOT NULL,
    PRIMARY KEY (scope, scenario)
);
`

const schemaCouponConfigs = `
CREATE TABLE IF NOT EXISTS coupon_configs (
    id TEXT PRIMARY KEY,
    rule_code TEXT NOT NULL,
    usage_type TEXT NOT NULL,
    usage_limit INTEGER NOT NULL DEFAULT 0,
    multi_use_per_order INTEGER NOT NULL DEFAULT 0,
    limited_duration INTEGER NOT NULL DEFAULT 0,
    duration_days INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_coupon_configs_rule ON coupon_configs(rule_code);
`

const schemaCoupons = `
CREATE TABLE IF NOT EXISTS coupons (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    config_id TEXT NOT NULL,
    suspended INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_coupons_config ON coupons(config_id);
`

// schemaCouponUsage keys usage records by coupon code plus customer email;
// the email is the empty string for perCoupon records. The unique constraint
// is what save-or-update relies on.
const schemaCouponUsage = `
CREATE TABLE IF NOT EXISTS coupon_usage (
    id TEXT PRIMARY KEY,
    coupon_code TEXT NOT NULL,
    customer_email TEXT NOT NULL DEFAULT '',
    use_count INTEGER NOT NULL DEFAULT 0,
    suspended INTEGER NOT NULL DEFAULT 0,
    limited_duration_start TIMESTAMP,
    limited_duration_end TIMESTAMP,
    UNIQUE (coupon_code, customer_email)
);
`

const schemaCouponUsageLedger = `
CREATE TABLE IF NOT EXISTS coupon_usage_ledger (
    id TEXT PRIMARY KEY,
    rule_code TEXT NOT NULL,
    coupon_code TEXT NOT NULL,
    use_count INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_ledger_rule ON coupon_usage_ledger(rule_code);
CREATE INDEX IF NOT EXISTS idx_usage_ledger_coupon ON coupon_usage_ledger(coupon_code);
`

// schemaCompilationState is a single-row table holding the global
// compilation watermark.
const schemaCompilationState = `
CREATE TABLE IF NOT EXISTS compilation_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    watermark TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaRuleSets,
		schemaRuleBases,
		schemaCouponConfigs,
		schemaCoupons,
		schemaCouponUsage,
		schemaCouponUsageLedger,
		schemaCompilationState,
	}
}
