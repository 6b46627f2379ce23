// Package integration provides end-to-end tests for the Shrike promotions
// engine.
//
// These tests exercise the COMPLETE evaluation pipeline over HTTP:
//
//	Cart → Applicability → Rule Base → Firing Passes → Discounts → Coupon Usage
//
// The server runs in-process against a temporary SQLite store, so the tests
// need no external services.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-commerce/shrike/internal/api"
	"github.com/opensource-commerce/shrike/internal/applicability"
	"github.com/opensource-commerce/shrike/internal/bus"
	"github.com/opensource-commerce/shrike/internal/cache"
	"github.com/opensource-commerce/shrike/internal/coupons"
	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/firing"
	"github.com/opensource-commerce/shrike/internal/repository"
	"github.com/opensource-commerce/shrike/internal/rulebase"
	"github.com/opensource-commerce/shrike/internal/rules"
)

type testEnv struct {
	server *httptest.Server
	repo   domain.Repository
}

// newTestEnv wires the full service over a temp SQLite database and seeds
// the promotion rules and coupons the scenarios rely on:
//
// | Rule Code    | Group              | Fires When                        |
// |--------------|--------------------|-----------------------------------|
// | flat10       | default            | subtotal >= 50                    |
// | loyalty5pct  | subtotal-dependent | discounted subtotal >= 80         |
// | coupon5      | default            | cart applied coupon SAVE5         |
//
// SAVE5 is perAnyUser with a usage limit of 2 per customer email.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "shrike.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	compiler, err := rules.NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	clock := domain.SystemClock{}
	ruleBases := rulebase.NewCache(repo, compiler, true)
	resolver := applicability.NewResolver(repo, c, clock, time.Minute)
	evaluator := firing.NewEvaluator(firing.NewOrchestrator(ruleBases), clock)
	couponSvc := coupons.NewService(repo, clock)
	allocator := coupons.NewAllocationEngine(repo, clock)

	now := time.Now().UTC()
	set := &domain.RuleSet{ID: "set-cart", Name: "cart promotions", Scenario: domain.ScenarioCart, LastModified: now}
	if err := repo.SaveRuleSet(ctx, set); err != nil {
		t.Fatalf("failed to save rule set: %v", err)
	}

	seed := []*domain.RuleDefinition{
		{
			ID:            "rule-flat10",
			Code:          "flat10",
			Name:          "Flat 10 Off",
			Scenario:      domain.ScenarioCart,
			StoreCode:     "US",
			PriorityGroup: domain.PriorityGroupDefault,
			Enabled:       true,
			Elements: []domain.RuleElement{
				{Kind: domain.ElementCondition, Expression: "subtotal >= 50.0"},
				{Kind: domain.ElementAction, DiscountKind: domain.DiscountCartFixed, DiscountValue: 10},
			},
			RuleSetID:    set.ID,
			LastModified: now,
		},
		{
			ID:            "rule-loyalty5pct",
			Code:          "loyalty5pct",
			Name:          "Loyalty 5 Percent",
			Scenario:      domain.ScenarioCart,
			StoreCode:     "US",
			PriorityGroup: domain.PriorityGroupSubtotal,
			Enabled:       true,
			Elements: []domain.RuleElement{
				{Kind: domain.ElementCondition, Expression: "discounted_subtotal >= 80.0"},
				{Kind: domain.ElementAction, DiscountKind: domain.DiscountCartPercent, DiscountValue: 5},
			},
			RuleSetID:    set.ID,
			LastModified: now,
		},
		{
			ID:            "rule-coupon5",
			Code:          "coupon5",
			Name:          "Coupon 5 Off",
			Scenario:      domain.ScenarioCart,
			StoreCode:     "US",
			PriorityGroup: domain.PriorityGroupDefault,
			Enabled:       true,
			Elements: []domain.RuleElement{
				{Kind: domain.ElementCondition, Expression: `"SAVE5" in coupon_codes`},
				{Kind: domain.ElementAction, DiscountKind: domain.DiscountCartFixed, DiscountValue: 5, CouponCode: "SAVE5"},
			},
			RuleSetID:    set.ID,
			LastModified: now,
		},
	}
	for _, def := range seed {
		if err := repo.SaveRule(ctx, def); err != nil {
			t.Fatalf("failed to save rule %s: %v", def.Code, err)
		}
	}

	couponCfg := &domain.CouponConfig{
		ID:         "cfg-save5",
		RuleCode:   "coupon5",
		Usage:      domain.UsagePerAnyUser,
		UsageLimit: 2,
	}
	if err := repo.SaveCouponConfig(ctx, couponCfg); err != nil {
		t.Fatalf("failed to save coupon config: %v", err)
	}
	if err := repo.SaveCoupon(ctx, &domain.Coupon{ID: "c-save5", Code: "SAVE5", ConfigID: couponCfg.ID}); err != nil {
		t.Fatalf("failed to save coupon: %v", err)
	}

	srv := api.NewServer(domain.ServerConfig{Host: "localhost", Port: 0}, repo, c, eventBus,
		compiler, ruleBases, resolver, evaluator, couponSvc, allocator, "integration-test")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, repo: repo}
}

func (env *testEnv) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, env.server.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Store-Code", "US")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func (env *testEnv) evaluate(t *testing.T, req api.CartEvaluateRequest) api.EvaluateResponse {
	t.Helper()

	status, body := env.post(t, "/cart/evaluate", req)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", status, string(body))
	}

	var result api.EvaluateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func TestTwoPassCartEvaluation(t *testing.T) {
	env := newTestEnv(t)

	// A 100 cart: flat10 takes it to 90 in the first pass, then the
	// subtotal-dependent loyalty rule sees 90 and grants 5% of 100.
	result := env.evaluate(t, api.CartEvaluateRequest{
		Currency: "USD",
		Subtotal: 100,
		Shipping: 8,
		Shopper:  &api.ShopperInfo{ID: "shopper-1"},
	})

	if result.Evaluation.DiscountedSubtotal != 85 {
		t.Errorf("expected discounted subtotal 85, got %v", result.Evaluation.DiscountedSubtotal)
	}
	if result.Evaluation.TotalDiscount != 15 {
		t.Errorf("expected total discount 15, got %v", result.Evaluation.TotalDiscount)
	}

	fired := map[string]bool{}
	for _, p := range result.Evaluation.Promotions {
		fired[p.RuleCode] = true
	}
	if !fired["flat10"] || !fired["loyalty5pct"] {
		t.Errorf("expected flat10 and loyalty5pct to fire, got %+v", result.Evaluation.Promotions)
	}
}

func TestSecondPassSeesFirstPassDiscount(t *testing.T) {
	env := newTestEnv(t)

	// An 85 cart drops to 75 after flat10, below the loyalty threshold of
	// 80, so only the first pass grants a discount.
	result := env.evaluate(t, api.CartEvaluateRequest{
		Currency: "USD",
		Subtotal: 85,
	})

	if result.Evaluation.TotalDiscount != 10 {
		t.Errorf("expected total discount 10, got %v", result.Evaluation.TotalDiscount)
	}
	if len(result.Evaluation.Promotions) != 1 || result.Evaluation.Promotions[0].RuleCode != "flat10" {
		t.Errorf("expected only flat10 to fire, got %+v", result.Evaluation.Promotions)
	}
}

func TestCouponLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cart := api.CartEvaluateRequest{
		Currency:    "USD",
		Subtotal:    100,
		CouponCodes: []string{"SAVE5"},
		Shopper:     &api.ShopperInfo{ID: "shopper-2", Email: "a@example.com"},
	}

	// Validating the coupon ahead of checkout consumes nothing.
	status, body := env.post(t, "/coupons/apply", api.ApplyCouponRequest{
		CouponCode:    "SAVE5",
		CustomerEmail: "a@example.com",
	})
	if status != http.StatusOK {
		t.Fatalf("expected coupon apply to succeed, got %d: %s", status, string(body))
	}

	// First checkout: coupon5 fires alongside the base rules and one use is
	// recorded for the shopper's email.
	result := env.evaluate(t, cart)
	if result.Evaluation.TotalDiscount != 20 {
		t.Errorf("expected total discount 20 (10 + 5 + 5%%), got %v", result.Evaluation.TotalDiscount)
	}

	usage, err := env.repo.FindCouponUsage(ctx, "SAVE5", "a@example.com")
	if err != nil {
		t.Fatalf("expected usage record after checkout: %v", err)
	}
	if usage.UseCount != 1 {
		t.Errorf("expected use count 1, got %d", usage.UseCount)
	}

	// Second checkout reaches the limit of 2.
	env.evaluate(t, cart)
	usage, err = env.repo.FindCouponUsage(ctx, "SAVE5", "a@example.com")
	if err != nil {
		t.Fatalf("expected usage record after second checkout: %v", err)
	}
	if usage.UseCount != 2 {
		t.Errorf("expected use count 2, got %d", usage.UseCount)
	}

	// Third checkout: the coupon is exhausted for this email and the whole
	// evaluation is rejected.
	status, body = env.post(t, "/cart/evaluate", cart)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for exhausted coupon, got %d: %s", status, string(body))
	}

	var errResp map[string]any
	json.Unmarshal(body, &errResp)
	if errResp["errorCode"] != string(domain.CouponErrNotValid) {
		t.Errorf("expected errorCode %s, got %v", domain.CouponErrNotValid, errResp["errorCode"])
	}

	// A different email starts its own count.
	other := cart
	other.Shopper = &api.ShopperInfo{ID: "shopper-3", Email: "b@example.com"}
	env.evaluate(t, other)

	usage, err = env.repo.FindCouponUsage(ctx, "SAVE5", "b@example.com")
	if err != nil {
		t.Fatalf("expected usage record for second email: %v", err)
	}
	if usage.UseCount != 1 {
		t.Errorf("expected use count 1 for second email, got %d", usage.UseCount)
	}
}

func TestAuthoringReloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	// Baseline: a 40 cart earns nothing.
	result := env.evaluate(t, api.CartEvaluateRequest{Currency: "USD", Subtotal: 40})
	if result.Evaluation.TotalDiscount != 0 {
		t.Fatalf("expected no discount before authoring, got %v", result.Evaluation.TotalDiscount)
	}

	// Author a new rule over the API.
	status, body := env.post(t, "/rules", api.CreateRuleRequest{
		Code:     "small-cart-2",
		Name:     "Small Cart 2 Off",
		Scenario: domain.ScenarioCart,
		Enabled:  true,
		Elements: []domain.RuleElement{
			{Kind: domain.ElementCondition, Expression: "subtotal >= 20.0 && subtotal < 50.0"},
			{Kind: domain.ElementAction, DiscountKind: domain.DiscountCartFixed, DiscountValue: 2},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", status, string(body))
	}

	// The compiled rule base serves the old artifact until reloaded.
	status, body = env.post(t, "/rulebase/reload", nil)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 from reload, got %d: %s", status, string(body))
	}

	result = env.evaluate(t, api.CartEvaluateRequest{Currency: "USD", Subtotal: 40})
	if result.Evaluation.TotalDiscount != 2 {
		t.Errorf("expected discount 2 after reload, got %v", result.Evaluation.TotalDiscount)
	}
	if len(result.Evaluation.Promotions) != 1 || result.Evaluation.Promotions[0].RuleCode != "small-cart-2" {
		t.Errorf("expected small-cart-2 to fire, got %+v", result.Evaluation.Promotions)
	}
}
