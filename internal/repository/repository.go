// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-commerce/shrike/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule stores or updates a rule definition.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RuleDefinition) error {
	if rule.ID == "" || rule.Code == "" {
		return fmt.Errorf("%w: rule id and code are required", ErrInvalidInput)
	}

	elements, _ := json.Marshal(rule.Elements)

	var sellingContext sql.NullString
	if rule.SellingContext != nil {
		raw, err := json.Marshal(rule.SellingContext)
		if err != nil {
			return fmt.Errorf("serializing selling context: %w", err)
		}
		sellingContext = sql.NullString{String: string(raw), Valid: true}
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	query := `
		INSERT INTO rules (
			id, code, name, scenario, store_code, catalog_code,
			priority_group, salience, enabled, start_date, end_date,
			selling_context, elements, rule_set_id, last_modified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			scenario = excluded.scenario,
			store_code = excluded.store_code,
			catalog_code = excluded.catalog_code,
			priority_group = excluded.priority_group,
			salience = excluded.salience,
			enabled = excluded.enabled,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			selling_context = excluded.selling_context,
			elements = excluded.elements,
			rule_set_id = excluded.rule_set_id,
			last_modified = excluded.last_modified
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Code, rule.Name, rule.Scenario,
		rule.StoreCode, rule.CatalogCode,
		rule.PriorityGroup, rule.Salience, enabled,
		nullTime(rule.StartDate), nullTime(rule.EndDate),
		sellingContext, string(elements), rule.RuleSetID,
		rule.LastModified,
	)
	return err
}

// GetRuleByCode retrieves a rule definition by its unique code.
func (r *SQLRepository) GetRuleByCode(ctx context.Context, code string) (*domain.RuleDefinition, error) {
	query := `
		SELECT id, code, name, scenario, store_code, catalog_code,
			   priority_group, salience, enabled, start_date, end_date,
			   selling_context, elements, rule_set_id, last_modified
		FROM rules
		WHERE code = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves the rule definitions of a scope and scenario. Cart
// rules are scoped by store code, catalog rules by catalog code.
func (r *SQLRepository) ListRules(ctx context.Context, scope string, scenario domain.Scenario) ([]*domain.RuleDefinition, error) {
	query := fmt.Sprintf(`
		SELECT id, code, name, scenario, store_code, catalog_code,
			   priority_group, salience, enabled, start_date, end_date,
			   selling_context, elements, rule_set_id, last_modified
		FROM rules
		WHERE %s = ? AND scenario = ?
		ORDER BY salience DESC, code
	`, scopeColumn(scenario))

	rows, err := r.db.QueryContext(ctx, r.rebind(query), scope, scenario)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RuleDefinition
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// ListScopes returns every distinct scope that has rules for a scenario.
func (r *SQLRepository) ListScopes(ctx context.Context, scenario domain.Scenario) ([]string, error) {
	col := scopeColumn(scenario)
	query := fmt.Sprintf(`
		SELECT DISTINCT %s FROM rules
		WHERE scenario = ? AND %s != ''
		ORDER BY %s
	`, col, col, col)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), scenario)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}

	return scopes, rows.Err()
}

// SaveRuleSet stores or updates a rule set.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, set *domain.RuleSet) error {
	if set.ID == "" {
		return fmt.Errorf("%w: rule set id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rule_sets (id, name, scenario, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			scenario = excluded.scenario,
			last_modified = excluded.last_modified
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		set.ID, set.Name, set.Scenario, set.LastModified)
	return err
}

// GetRuleSet retrieves a rule set by ID.
func (r *SQLRepository) GetRuleSet(ctx context.Context, id string) (*domain.RuleSet, error) {
	query := `SELECT id, name, scenario, last_modified FROM rule_sets WHERE id = ?`

	var set domain.RuleSet
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&set.ID, &set.Name, &set.Scenario, &set.LastModified)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// GetRuleSetByScenario retrieves the most recently modified rule set of a
// scenario.
func (r *SQLRepository) GetRuleSetByScenario(ctx context.Context, scenario domain.Scenario) (*domain.RuleSet, error) {
	query := `
		SELECT id, name, scenario, last_modified FROM rule_sets
		WHERE scenario = ?
		ORDER BY last_modified DESC
		LIMIT 1
	`

	var set domain.RuleSet
	err := r.db.QueryRowContext(ctx, r.rebind(query), scenario).Scan(
		&set.ID, &set.Name, &set.Scenario, &set.LastModified)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// ListRuleSetsModifiedSince returns rule sets modified strictly after the
// given instant.
func (r *SQLRepository) ListRuleSetsModifiedSince(ctx context.Context, since time.Time) ([]*domain.RuleSet, error) {
	query := `
		SELECT id, name, scenario, last_modified FROM rule_sets
		WHERE last_modified > ?
		ORDER BY last_modified
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*domain.RuleSet
	for rows.Next() {
		var set domain.RuleSet
		if err := rows.Scan(&set.ID, &set.Name, &set.Scenario, &set.LastModified); err != nil {
			return nil, err
		}
		sets = append(sets, &set)
	}

	return sets, rows.Err()
}

// SaveRuleBaseRecord stores or replaces the persisted rule base record for a
// scope and scenario.
func (r *SQLRepository) SaveRuleBaseRecord(ctx context.Context, rec *domain.RuleBaseRecord) error {
	if rec.Scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO rule_bases (scope, scenario, source, last_modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, scenario) DO UPDATE SET
			source = excluded.source,
			last_modified = excluded.last_modified
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.Scope, rec.Scenario, rec.Source, rec.LastModified)
	return err
}

// GetRuleBaseRecord retrieves the persisted rule base record for a scope and
// scenario.
func (r *SQLRepository) GetRuleBaseRecord(ctx context.Context, scope string, scenario domain.Scenario) (*domain.RuleBaseRecord, error) {
	query := `
		SELECT scope, scenario, source, last_modified FROM rule_bases
		WHERE scope = ? AND scenario = ?
	`

	var rec domain.RuleBaseRecord
	err := r.db.QueryRowContext(ctx, r.rebind(query), scope, scenario).Scan(
		&rec.Scope, &rec.Scenario, &rec.Source, &rec.LastModified)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetCompilationWatermark returns the timestamp of the last fully successful
// scheduled recompilation pass, or the zero time when no pass has completed.
func (r *SQLRepository) GetCompilationWatermark(ctx context.Context) (time.Time, error) {
	query := `SELECT watermark FROM compilation_state WHERE id = 1`

	var watermark time.Time
	err := r.db.QueryRowContext(ctx, r.rebind(query)).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return watermark, nil
}

// SetCompilationWatermark records the timestamp of a fully successful
// recompilation pass.
func (r *SQLRepository) SetCompilationWatermark(ctx context.Context, ts time.Time) error {
	query := `
		INSERT INTO compilation_state (id, watermark) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET watermark = excluded.watermark
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), ts)
	return err
}

// SaveCouponConfig stores or updates a coupon config.
func (r *SQLRepository) SaveCouponConfig(ctx context.Context, cfg *domain.CouponConfig) error {
	if cfg.ID == "" || cfg.RuleCode == "" {
		return fmt.Errorf("%w: coupon config id and rule code are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO coupon_configs (
			id, rule_code, usage_type, usage_limit, multi_use_per_order,
			limited_duration, duration_days, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_code = excluded.rule_code,
			usage_type = excluded.usage_type,
			usage_limit = excluded.usage_limit,
			multi_use_per_order = excluded.multi_use_per_order,
			limited_duration = excluded.limited_duration,
			duration_days = excluded.duration_days,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.ID, cfg.RuleCode, cfg.Usage, cfg.UsageLimit,
		boolInt(cfg.MultiUsePerOrder), boolInt(cfg.LimitedDuration),
		cfg.DurationDays, createdAt, now,
	)
	return err
}

// GetCouponConfig retrieves a coupon config by ID.
func (r *SQLRepository) GetCouponConfig(ctx context.Context, id string) (*domain.CouponConfig, error) {
	query := couponConfigSelect + ` WHERE id = ?`
	cfg, err := scanCouponConfig(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// FindCouponConfigByRuleCode retrieves the coupon config attached to a rule.
func (r *SQLRepository) FindCouponConfigByRuleCode(ctx context.Context, ruleCode string) (*domain.CouponConfig, error) {
	query := couponConfigSelect + ` WHERE rule_code = ?`
	cfg, err := scanCouponConfig(r.db.QueryRowContext(ctx, r.rebind(query), ruleCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// SaveCoupon stores or updates a coupon.
func (r *SQLRepository) SaveCoupon(ctx context.Context, coupon *domain.Coupon) error {
	if coupon.ID == "" || coupon.Code == "" {
		return fmt.Errorf("%w: coupon id and code are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO coupons (id, code, config_id, suspended)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			config_id = excluded.config_id,
			suspended = excluded.suspended
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		coupon.ID, coupon.Code, coupon.ConfigID, boolInt(coupon.Suspended))
	return err
}

// GetCouponByCode retrieves a coupon by its unique code.
func (r *SQLRepository) GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	query := `SELECT id, code, config_id, suspended FROM coupons WHERE code = ?`

	var coupon domain.Coupon
	var suspended int
	err := r.db.QueryRowContext(ctx, r.rebind(query), code).Scan(
		&coupon.ID, &coupon.Code, &coupon.ConfigID, &suspended)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	coupon.Suspended = suspended == 1
	return &coupon, nil
}

// ListCouponsByConfig retrieves every coupon of a config.
func (r *SQLRepository) ListCouponsByConfig(ctx context.Context, configID string) ([]*domain.Coupon, error) {
	query := `SELECT id, code, config_id, suspended FROM coupons WHERE config_id = ? ORDER BY code`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coupons []*domain.Coupon
	for rows.Next() {
		var coupon domain.Coupon
		var suspended int
		if err := rows.Scan(&coupon.ID, &coupon.Code, &coupon.ConfigID, &suspended); err != nil {
			return nil, err
		}
		coupon.Suspended = suspended == 1
		coupons = append(coupons, &coupon)
	}

	return coupons, rows.Err()
}

// FindCouponUsage retrieves the usage record keyed by coupon code and
// customer email. The email is the empty string for perCoupon records.
func (r *SQLRepository) FindCouponUsage(ctx context.Context, couponCode, customerEmail string) (*domain.CouponUsage, error) {
	query := `
		SELECT id, coupon_code, customer_email, use_count, suspended,
			   limited_duration_start, limited_duration_end
		FROM coupon_usage
		WHERE coupon_code = ? AND customer_email = ?
	`

	var usage domain.CouponUsage
	var suspended int
	var start, end sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), couponCode, customerEmail).Scan(
		&usage.ID, &usage.CouponCode, &usage.CustomerEmail,
		&usage.UseCount, &suspended, &start, &end)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	usage.Suspended = suspended == 1
	if start.Valid {
		usage.LimitedDurationStart = &start.Time
	}
	if end.Valid {
		usage.LimitedDurationEnd = &end.Time
	}
	return &usage, nil
}

// SaveOrUpdateCouponUsage upserts a usage record on its (coupon code,
// customer email) key.
func (r *SQLRepository) SaveOrUpdateCouponUsage(ctx context.Context, usage *domain.CouponUsage) error {
	if usage.CouponCode == "" {
		return fmt.Errorf("%w: coupon code is required", ErrInvalidInput)
	}
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}

	query := `
		INSERT INTO coupon_usage (
			id, coupon_code, customer_email, use_count, suspended,
			limited_duration_start, limited_duration_end
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(coupon_code, customer_email) DO UPDATE SET
			use_count = excluded.use_count,
			suspended = excluded.suspended,
			limited_duration_start = excluded.limited_duration_start,
			limited_duration_end = excluded.limited_duration_end
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		usage.ID, usage.CouponCode, usage.CustomerEmail,
		usage.UseCount, boolInt(usage.Suspended),
		nullTime(usage.LimitedDurationStart), nullTime(usage.LimitedDurationEnd),
	)
	return err
}

// SaveCouponUsageLedger appends one allocation ledger entry for a rule.
func (r *SQLRepository) SaveCouponUsageLedger(ctx context.Context, ruleCode string, rec domain.CouponUsageRecord) error {
	if ruleCode == "" || rec.CouponCode == "" {
		return fmt.Errorf("%w: rule code and coupon code are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO coupon_usage_ledger (id, rule_code, coupon_code, use_count, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), ruleCode, rec.CouponCode, rec.UseCount, time.Now().UTC())
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const couponConfigSelect = `
	SELECT id, rule_code, usage_type, usage_limit, multi_use_per_order,
		   limited_duration, duration_days, created_at, updated_at
	FROM coupon_configs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RuleDefinition, error) {
	var rule domain.RuleDefinition
	var enabled int
	var start, end sql.NullTime
	var sellingContext sql.NullString
	var elements string

	err := row.Scan(
		&rule.ID, &rule.Code, &rule.Name, &rule.Scenario,
		&rule.StoreCode, &rule.CatalogCode,
		&rule.PriorityGroup, &rule.Salience, &enabled,
		&start, &end, &sellingContext, &elements,
		&rule.RuleSetID, &rule.LastModified,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	if start.Valid {
		rule.StartDate = &start.Time
	}
	if end.Valid {
		rule.EndDate = &end.Time
	}
	if sellingContext.Valid && sellingContext.String != "" {
		var sc domain.SellingContext
		if err := json.Unmarshal([]byte(sellingContext.String), &sc); err != nil {
			return nil, fmt.Errorf("parsing selling context for rule %s: %w", rule.Code, err)
		}
		rule.SellingContext = &sc
	}
	if err := json.Unmarshal([]byte(elements), &rule.Elements); err != nil {
		return nil, fmt.Errorf("parsing elements for rule %s: %w", rule.Code, err)
	}

	return &rule, nil
}

func scanCouponConfig(row rowScanner) (*domain.CouponConfig, error) {
	var cfg domain.CouponConfig
	var multiUse, limitedDuration int

	err := row.Scan(
		&cfg.ID, &cfg.RuleCode, &cfg.Usage, &cfg.UsageLimit,
		&multiUse, &limitedDuration, &cfg.DurationDays,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.MultiUsePerOrder = multiUse == 1
	cfg.LimitedDuration = limitedDuration == 1
	return &cfg, nil
}

func scopeColumn(scenario domain.Scenario) string {
	if scenario == domain.ScenarioCatalog {
		return "catalog_code"
	}
	return "store_code"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
