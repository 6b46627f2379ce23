package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-commerce/shrike/internal/applicability"
	"github.com/opensource-commerce/shrike/internal/coupons"
	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/firing"
	"github.com/opensource-commerce/shrike/internal/repository"
	"github.com/opensource-commerce/shrike/internal/rulebase"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	compiler  domain.RuleCompiler
	ruleBases *rulebase.Cache
	resolver  *applicability.Resolver
	evaluator *firing.Evaluator
	coupons   *coupons.Service
	allocator *coupons.AllocationEngine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, compiler domain.RuleCompiler, ruleBases *rulebase.Cache, resolver *applicability.Resolver, evaluator *firing.Evaluator, couponSvc *coupons.Service, allocator *coupons.AllocationEngine, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		compiler:  compiler,
		ruleBases: ruleBases,
		resolver:  resolver,
		evaluator: evaluator,
		coupons:   couponSvc,
		allocator: allocator,
		version:   version,
	}
}

// ShopperInfo identifies the shopper and carries targeting tags.
type ShopperInfo struct {
	ID    string         `json:"id"`
	Email string         `json:"email,omitempty"`
	Tags  map[string]any `json:"tags,omitempty"`
}

// CartEvaluateRequest is the request body for POST /cart/evaluate.
type CartEvaluateRequest struct {
	Currency    string            `json:"currency"`
	Subtotal    float64           `json:"subtotal"`
	Shipping    float64           `json:"shipping"`
	Items       []domain.CartItem `json:"items,omitempty"`
	CouponCodes []string          `json:"couponCodes,omitempty"`
	Shopper     *ShopperInfo      `json:"shopper,omitempty"`
}

// CatalogEvaluateRequest is the request body for POST /catalog/evaluate.
type CatalogEvaluateRequest struct {
	CatalogCode string       `json:"catalogCode"`
	Category    string       `json:"category,omitempty"`
	Price       float64      `json:"price,omitempty"`
	Shopper     *ShopperInfo `json:"shopper,omitempty"`
}

// EvaluateResponse is the response for the evaluation endpoints.
type EvaluateResponse struct {
	Evaluation   *firing.EvaluationSummary `json:"evaluation"`
	AppliedRules []*domain.AppliedRule     `json:"appliedRules,omitempty"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// EvaluateCart handles POST /cart/evaluate requests.
func (h *Handler) EvaluateCart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	storeCode := GetStoreCode(ctx)
	traceID := GetTraceID(ctx)

	var req CartEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Subtotal < 0 || req.Shipping < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subtotal and shipping must not be negative",
		})
		return
	}

	shopper, shopperFact := shopperFacts(req.Shopper)

	// Validate the applied coupons before any rules fire; an invalid coupon
	// rejects the whole evaluation.
	appliedCoupons := make([]*domain.Coupon, 0, len(req.CouponCodes))
	for _, code := range req.CouponCodes {
		coupon, err := h.coupons.ApplyCoupon(ctx, storeCode, code, shopper.Email)
		if err != nil {
			if writeCouponError(w, err) {
				return
			}
			slog.Error("coupon validation failed", "coupon", code, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "coupon validation failed",
			})
			return
		}
		appliedCoupons = append(appliedCoupons, coupon)
	}

	ids, err := h.resolver.ResolveApplicableRuleIDs(ctx, storeCode, domain.ScenarioCart, shopper.ID, shopper.Tags)
	if err != nil {
		slog.Error("applicability resolution failed", "store", storeCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "applicability resolution failed",
		})
		return
	}

	cart := &domain.CartFact{
		StoreCode:   storeCode,
		Currency:    req.Currency,
		Subtotal:    req.Subtotal,
		Shipping:    req.Shipping,
		Items:       req.Items,
		CouponCodes: req.CouponCodes,
	}

	var summary *firing.EvaluationSummary
	if len(ids) == 0 {
		// No rule targets this shopper right now; skip firing entirely.
		summary = emptySummary(storeCode, domain.ScenarioCart, req.Subtotal, req.Shipping, start)
	} else {
		summary, err = h.evaluator.EvaluateCart(ctx, cart, shopperFact)
		if err != nil {
			slog.Error("cart evaluation failed", "store", storeCode, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "cart evaluation failed",
			})
			return
		}
	}

	appliedRules, err := h.allocateUsages(ctx, storeCode, summary, appliedCoupons, shopper.Email)
	if err != nil {
		slog.Error("coupon usage allocation failed", "store", storeCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "coupon usage allocation failed",
		})
		return
	}

	h.publishPromotionApplied(ctx, storeCode, summary)

	resp := EvaluateResponse{
		Evaluation:   summary,
		AppliedRules: appliedRules,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// EvaluateCatalog handles POST /catalog/evaluate requests. Catalog browsing
// never consumes coupon usage.
func (h *Handler) EvaluateCatalog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	storeCode := GetStoreCode(ctx)
	traceID := GetTraceID(ctx)

	var req CatalogEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CatalogCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "catalogCode is required",
		})
		return
	}

	shopper, shopperFact := shopperFacts(req.Shopper)

	ids, err := h.resolver.ResolveApplicableRuleIDs(ctx, req.CatalogCode, domain.ScenarioCatalog, shopper.ID, shopper.Tags)
	if err != nil {
		slog.Error("applicability resolution failed", "catalog", req.CatalogCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "applicability resolution failed",
		})
		return
	}

	var summary *firing.EvaluationSummary
	if len(ids) == 0 {
		summary = emptySummary(req.CatalogCode, domain.ScenarioCatalog, req.Price, 0, start)
	} else {
		catalog := &domain.CatalogFact{CatalogCode: req.CatalogCode, Category: req.Category}
		summary, err = h.evaluator.EvaluateCatalog(ctx, catalog, shopperFact, req.Price)
		if err != nil {
			slog.Error("catalog evaluation failed", "catalog", req.CatalogCode, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "catalog evaluation failed",
			})
			return
		}
	}

	h.publishPromotionApplied(ctx, storeCode, summary)

	resp := EvaluateResponse{Evaluation: summary}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// ApplyCouponRequest is the request body for POST /coupons/apply.
type ApplyCouponRequest struct {
	CouponCode    string `json:"couponCode"`
	CustomerEmail string `json:"customerEmail,omitempty"`
}

// ApplyCoupon handles POST /coupons/apply requests: it validates that the
// coupon can be attached to the shopper's cart without consuming usage.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeCode := GetStoreCode(ctx)

	var req ApplyCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CouponCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "couponCode is required",
		})
		return
	}

	coupon, err := h.coupons.ApplyCoupon(ctx, storeCode, req.CouponCode, req.CustomerEmail)
	if err != nil {
		if writeCouponError(w, err) {
			return
		}
		slog.Error("coupon apply failed", "coupon", req.CouponCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "coupon apply failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"coupon": coupon,
	})
}

// ListRules returns the rule definitions for the store's scope.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scenario := requestScenario(r)

	scope := GetStoreCode(ctx)
	if scenario == domain.ScenarioCatalog {
		scope = r.URL.Query().Get("catalog")
		if scope == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "catalog query parameter is required for catalog rules",
			})
			return
		}
	}

	defs, err := h.repo.ListRules(ctx, scope, scenario)
	if err != nil {
		slog.Error("failed to list rules", "scope", scope, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": defs,
		"count": len(defs),
	})
}

// GetRule retrieves a rule definition by code.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule code is required",
		})
		return
	}

	def, err := h.repo.GetRuleByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "code", code, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, def)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	Code          string                 `json:"code"`
	Name          string                 `json:"name"`
	Scenario      domain.Scenario        `json:"scenario"`
	CatalogCode   string                 `json:"catalogCode,omitempty"`
	PriorityGroup string                 `json:"priorityGroup,omitempty"`
	Salience      int                    `json:"salience,omitempty"`
	Enabled       bool                   `json:"enabled"`
	StartDate     *time.Time             `json:"startDate,omitempty"`
	EndDate       *time.Time             `json:"endDate,omitempty"`
	SellingCtx    *domain.SellingContext `json:"sellingContext,omitempty"`
	Elements      []domain.RuleElement   `json:"elements"`
}

// CreateRule creates a new rule definition and announces the change so rule
// bases recompile.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeCode := GetStoreCode(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Code == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code and name are required",
		})
		return
	}
	scenario := req.Scenario
	if scenario == "" {
		scenario = domain.ScenarioCart
	}
	if scenario != domain.ScenarioCart && scenario != domain.ScenarioCatalog {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scenario must be cart or catalog",
		})
		return
	}
	if scenario == domain.ScenarioCatalog && req.CatalogCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "catalogCode is required for catalog rules",
		})
		return
	}
	if !hasAction(req.Elements) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one action element is required",
		})
		return
	}

	now := time.Now().UTC()
	def := &domain.RuleDefinition{
		ID:             uuid.New().String(),
		Code:           req.Code,
		Name:           req.Name,
		Scenario:       scenario,
		StoreCode:      storeCode,
		CatalogCode:    req.CatalogCode,
		PriorityGroup:  req.PriorityGroup,
		Salience:       req.Salience,
		Enabled:        req.Enabled,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		SellingContext: req.SellingCtx,
		Elements:       req.Elements,
		LastModified:   now,
	}
	if scenario == domain.ScenarioCatalog {
		def.StoreCode = ""
	}

	// Compile the rule in isolation so a bad expression is rejected here
	// rather than poisoning the next rule base build.
	source, err := rulebase.BuildSource(def.Scope(), scenario, now, []*domain.RuleDefinition{withEnabled(def)})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to serialize rule: " + err.Error(),
		})
		return
	}
	if _, issues := h.compiler.Compile(source); len(issues) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule does not compile: " + issues[0].Message,
		})
		return
	}

	set, err := h.ruleSetFor(ctx, scenario, now)
	if err != nil {
		slog.Error("failed to resolve rule set", "scenario", scenario, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve rule set",
		})
		return
	}
	def.RuleSetID = set.ID

	if err := h.repo.SaveRule(ctx, def); err != nil {
		slog.Error("failed to save rule", "code", def.Code, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	h.publishRuleSetChanged(ctx, storeCode, set, def.Scope())

	slog.Info("rule created", "code", def.Code, "scenario", scenario, "scope", def.Scope())
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": def,
	})
}

// ReloadRuleBase forces a fresh compile of the store's rule base.
func (h *Handler) ReloadRuleBase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scenario := requestScenario(r)

	scope := GetStoreCode(ctx)
	if s := r.URL.Query().Get("scope"); s != "" {
		scope = s
	}

	if err := h.ruleBases.Recompile(ctx, scope, scenario); err != nil {
		var compErr *domain.RuleCompilationError
		if errors.As(err, &compErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": compErr.Error(),
			})
			return
		}
		slog.Error("rule base reload failed", "scope", scope, "scenario", scenario, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "rule base reload failed",
		})
		return
	}

	slog.Info("rule base reloaded", "scope", scope, "scenario", scenario)
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":    scope,
		"scenario": scenario,
		"message":  "rule base reloaded",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// allocateUsages runs coupon usage allocation for every fired rule that is
// coupon backed. Rules without a coupon config pass through untouched.
func (h *Handler) allocateUsages(ctx context.Context, storeCode string, summary *firing.EvaluationSummary, appliedCoupons []*domain.Coupon, customerEmail string) ([]*domain.AppliedRule, error) {
	appliedRules := make([]*domain.AppliedRule, 0, len(summary.Promotions))

	for _, promo := range summary.Promotions {
		rule := &domain.AppliedRule{RuleCode: promo.RuleCode}
		appliedRules = append(appliedRules, rule)

		if len(appliedCoupons) == 0 {
			continue
		}

		_, err := h.repo.FindCouponConfigByRuleCode(ctx, promo.RuleCode)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := h.allocator.Allocate(ctx, rule, appliedCoupons, promo.UseCount, customerEmail); err != nil {
			return nil, err
		}

		h.publishEvent(ctx, storeCode, domain.TopicCouponRedeemed, domain.CouponRedeemedEvent{
			RuleCode: rule.RuleCode,
			Usages:   rule.CouponUsages,
		})
	}

	return appliedRules, nil
}

func (h *Handler) publishPromotionApplied(ctx context.Context, storeCode string, summary *firing.EvaluationSummary) {
	if len(summary.Promotions) == 0 {
		return
	}
	codes := make([]string, len(summary.Promotions))
	for i, p := range summary.Promotions {
		codes[i] = p.RuleCode
	}
	h.publishEvent(ctx, storeCode, domain.TopicPromotionApplied, domain.PromotionAppliedEvent{
		EvaluationID:  summary.ID,
		Scope:         summary.Scope,
		Scenario:      summary.Scenario,
		RuleCodes:     codes,
		TotalDiscount: summary.TotalDiscount,
	})
}

func (h *Handler) publishRuleSetChanged(ctx context.Context, storeCode string, set *domain.RuleSet, scope string) {
	h.publishEvent(ctx, storeCode, domain.TopicRuleSetChanged, domain.RuleSetChangedEvent{
		RuleSetID: set.ID,
		Scenario:  set.Scenario,
		Scope:     scope,
	})
}

// publishEvent is fire and forget; a dead bus never fails the request.
func (h *Handler) publishEvent(ctx context.Context, storeCode, topic string, event any) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := h.bus.Publish(ctx, storeCode, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// ruleSetFor returns the scenario's rule set, creating one on first use, and
// bumps its modification time.
func (h *Handler) ruleSetFor(ctx context.Context, scenario domain.Scenario, now time.Time) (*domain.RuleSet, error) {
	set, err := h.repo.GetRuleSetByScenario(ctx, scenario)
	if errors.Is(err, repository.ErrNotFound) {
		set = &domain.RuleSet{
			ID:       uuid.New().String(),
			Name:     string(scenario) + " promotions",
			Scenario: scenario,
		}
	} else if err != nil {
		return nil, err
	}

	set.LastModified = now
	if err := h.repo.SaveRuleSet(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

func requestScenario(r *http.Request) domain.Scenario {
	if r.URL.Query().Get("scenario") == string(domain.ScenarioCatalog) {
		return domain.ScenarioCatalog
	}
	return domain.ScenarioCart
}

func shopperFacts(info *ShopperInfo) (ShopperInfo, *domain.ShopperFact) {
	if info == nil {
		return ShopperInfo{}, nil
	}
	fact := &domain.ShopperFact{
		ShopperID: info.ID,
		Email:     info.Email,
		Tags:      domain.TagSet(info.Tags),
	}
	return *info, fact
}

// withEnabled returns a copy of the definition with Enabled set, so source
// building never skips the rule being validated.
func withEnabled(def *domain.RuleDefinition) *domain.RuleDefinition {
	cp := *def
	cp.Enabled = true
	return &cp
}

func hasAction(elements []domain.RuleElement) bool {
	for _, el := range elements {
		if el.Kind == domain.ElementAction {
			return true
		}
	}
	return false
}

func emptySummary(scope string, scenario domain.Scenario, subtotal, shipping float64, start time.Time) *firing.EvaluationSummary {
	return &firing.EvaluationSummary{
		ID:                 uuid.New().String(),
		Scope:              scope,
		Scenario:           scenario,
		Promotions:         []firing.FiredPromotion{},
		Discounts:          []domain.DiscountRecord{},
		Subtotal:           subtotal,
		DiscountedSubtotal: subtotal,
		Shipping:           shipping,
		DiscountedShipping: shipping,
		EvaluatedAt:        time.Now().UTC(),
		DurationMs:         time.Since(start).Milliseconds(),
	}
}

// writeCouponError maps a coupon validation failure to its user-facing JSON
// shape. Returns false when the error is not a coupon validation error.
func writeCouponError(w http.ResponseWriter, err error) bool {
	var vErr *domain.CouponValidationError
	if !errors.As(err, &vErr) {
		return false
	}

	status := http.StatusUnprocessableEntity
	if vErr.Code == domain.CouponErrEmailRequired {
		status = http.StatusBadRequest
	}

	writeJSON(w, status, map[string]any{
		"errorCode": vErr.Code,
		"message":   vErr.Message,
		"data":      vErr.Data,
	})
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
