package rulebase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/repository"
	"github.com/opensource-commerce/shrike/internal/rules"
)

// fakeRepo implements the rule base slice of domain.Repository in memory.
// Unimplemented methods panic via the embedded nil interface.
type fakeRepo struct {
	domain.Repository

	mu        sync.Mutex
	rules     map[string][]*domain.RuleDefinition // scope|scenario
	ruleSets  map[domain.Scenario]*domain.RuleSet
	records   map[string]*domain.RuleBaseRecord
	scopes    map[domain.Scenario][]string
	watermark time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rules:    make(map[string][]*domain.RuleDefinition),
		ruleSets: make(map[domain.Scenario]*domain.RuleSet),
		records:  make(map[string]*domain.RuleBaseRecord),
		scopes:   make(map[domain.Scenario][]string),
	}
}

func key(scope string, scenario domain.Scenario) string {
	return scope + "|" + string(scenario)
}

func (r *fakeRepo) ListRules(ctx context.Context, scope string, scenario domain.Scenario) ([]*domain.RuleDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rules[key(scope, scenario)], nil
}

func (r *fakeRepo) GetRuleSetByScenario(ctx context.Context, scenario domain.Scenario) (*domain.RuleSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.ruleSets[scenario]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return set, nil
}

func (r *fakeRepo) SaveRuleBaseRecord(ctx context.Context, rec *domain.RuleBaseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key(rec.Scope, rec.Scenario)] = rec
	return nil
}

func (r *fakeRepo) GetRuleBaseRecord(ctx context.Context, scope string, scenario domain.Scenario) (*domain.RuleBaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(scope, scenario)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) ListRuleSetsModifiedSince(ctx context.Context, since time.Time) ([]*domain.RuleSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RuleSet
	for _, set := range r.ruleSets {
		if set.LastModified.After(since) {
			out = append(out, set)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListScopes(ctx context.Context, scenario domain.Scenario) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scopes[scenario], nil
}

func (r *fakeRepo) GetCompilationWatermark(ctx context.Context) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark, nil
}

func (r *fakeRepo) SetCompilationWatermark(ctx context.Context, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermark = ts
	return nil
}

func (r *fakeRepo) addRule(def *domain.RuleDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(def.Scope(), def.Scenario)
	r.rules[k] = append(r.rules[k], def)

	found := false
	for _, s := range r.scopes[def.Scenario] {
		if s == def.Scope() {
			found = true
		}
	}
	if !found {
		r.scopes[def.Scenario] = append(r.scopes[def.Scenario], def.Scope())
	}
}

// countingCompiler wraps the real compiler and counts compile calls.
type countingCompiler struct {
	inner    domain.RuleCompiler
	delay    time.Duration
	compiles atomic.Int64
}

func (c *countingCompiler) Compile(source string) (domain.RuleBaseArtifact, []domain.CompileIssue) {
	c.compiles.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.inner.Compile(source)
}

func testRule(code, store string, modified time.Time) *domain.RuleDefinition {
	return &domain.RuleDefinition{
		ID:        "id-" + code,
		Code:      code,
		Name:      "Rule " + code,
		Scenario:  domain.ScenarioCart,
		StoreCode: store,
		Enabled:   true,
		Elements: []domain.RuleElement{
			{Kind: domain.ElementCondition, Expression: "subtotal > 10.0"},
			{Kind: domain.ElementAction, DiscountKind: domain.DiscountCartFixed, DiscountValue: 5},
		},
		LastModified: modified,
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestGetArtifactCompilesOnMissAndCachesInstance(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	counting := &countingCompiler{inner: compiler}
	repo := newFakeRepo()

	modified := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	repo.addRule(testRule("PROMO-A", "US", modified))

	cache := NewCache(repo, counting, true)
	ctx := context.Background()

	first, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if first.RuleCount() != 1 {
		t.Errorf("expected 1 rule, got %d", first.RuleCount())
	}
	if !first.LastModifiedDate().Equal(modified) {
		t.Errorf("expected last modified %v, got %v", modified, first.LastModifiedDate())
	}

	// Repeated calls with no intervening modification return the same
	// artifact instance without recompiling.
	second, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if first != second {
		t.Error("expected the same artifact instance on repeated reads")
	}
	if n := counting.compiles.Load(); n != 1 {
		t.Errorf("expected 1 compile, got %d", n)
	}
}

func TestGetArtifactRefreshesWhenRecordAdvances(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	repo := newFakeRepo()

	modified := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	repo.addRule(testRule("PROMO-A", "US", modified))

	cache := NewCache(repo, compiler, true)
	ctx := context.Background()

	stale, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}

	// The rule set advances: persisted record gains a newer source.
	newModified := modified.Add(time.Hour)
	source, err := BuildSource("US", domain.ScenarioCart, newModified, []*domain.RuleDefinition{
		testRule("PROMO-A", "US", newModified),
		testRule("PROMO-B", "US", newModified),
	})
	if err != nil {
		t.Fatalf("BuildSource failed: %v", err)
	}
	repo.SaveRuleBaseRecord(ctx, &domain.RuleBaseRecord{
		Scope:        "US",
		Scenario:     domain.ScenarioCart,
		Source:       source,
		LastModified: newModified,
	})

	fresh, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact after change failed: %v", err)
	}
	if fresh == stale {
		t.Fatal("expected a new artifact after the record advanced")
	}
	if !fresh.LastModifiedDate().Equal(newModified) {
		t.Errorf("expected last modified %v, got %v", newModified, fresh.LastModifiedDate())
	}
	if fresh.RuleCount() != 2 {
		t.Errorf("expected 2 rules after refresh, got %d", fresh.RuleCount())
	}
}

func TestGetArtifactServesPreviousOnRefreshFailure(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	repo := newFakeRepo()

	modified := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	repo.addRule(testRule("PROMO-A", "US", modified))

	cache := NewCache(repo, compiler, true)
	ctx := context.Background()

	good, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}

	// The persisted record advances but its new source does not compile.
	newModified := modified.Add(time.Hour)
	bad := testRule("PROMO-BAD", "US", newModified)
	bad.Elements[0].Expression = "broken ((("
	source, err := BuildSource("US", domain.ScenarioCart, newModified, []*domain.RuleDefinition{bad})
	if err != nil {
		t.Fatalf("BuildSource failed: %v", err)
	}
	repo.SaveRuleBaseRecord(ctx, &domain.RuleBaseRecord{
		Scope:        "US",
		Scenario:     domain.ScenarioCart,
		Source:       source,
		LastModified: newModified,
	})

	served, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("expected previous artifact on refresh failure, got error: %v", err)
	}
	if served != good {
		t.Error("expected the previous artifact instance to keep serving reads")
	}
	if served.RuleCount() != 1 {
		t.Errorf("expected previous artifact with 1 rule, got %d", served.RuleCount())
	}
}

func TestGetArtifactFallsBackWhenRecordAbsent(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	repo := newFakeRepo()
	repo.addRule(testRule("PROMO-A", "US", time.Now().UTC()))

	cache := NewCache(repo, compiler, true)
	ctx := context.Background()

	if _, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart); err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}

	// Simulate a deleted rule base record.
	repo.mu.Lock()
	delete(repo.records, key("US", domain.ScenarioCart))
	repo.mu.Unlock()

	artifact, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if artifact.RuleCount() != 0 {
		t.Errorf("expected empty fallback artifact, got %d rules", artifact.RuleCount())
	}

	// The fallback is not cached: restoring the record restores the
	// compiled artifact on the very next call.
	source, _ := BuildSource("US", domain.ScenarioCart, time.Now().UTC(), []*domain.RuleDefinition{
		testRule("PROMO-A", "US", time.Now().UTC()),
	})
	repo.SaveRuleBaseRecord(ctx, &domain.RuleBaseRecord{
		Scope:        "US",
		Scenario:     domain.ScenarioCart,
		Source:       source,
		LastModified: time.Now().UTC(),
	})

	restored, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if restored.RuleCount() != 1 {
		t.Errorf("expected restored artifact with 1 rule, got %d", restored.RuleCount())
	}
}

func TestCompilationFailureLeavesNothingCached(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	repo := newFakeRepo()

	bad := testRule("PROMO-BAD", "US", time.Now().UTC())
	bad.Elements[0].Expression = "not valid CEL !!!"
	repo.addRule(bad)

	cache := NewCache(repo, compiler, true)
	ctx := context.Background()

	_, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	if err == nil {
		t.Fatal("expected compilation error")
	}
	var compErr *domain.RuleCompilationError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected RuleCompilationError, got %T: %v", err, err)
	}
	if len(compErr.Issues) == 0 {
		t.Error("expected issues in compilation error")
	}
	if cache.Size() != 0 {
		t.Errorf("expected empty cache after failure, got %d entries", cache.Size())
	}
}

func TestConcurrentMissesCompileOnce(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	counting := &countingCompiler{inner: compiler, delay: 20 * time.Millisecond}
	repo := newFakeRepo()
	repo.addRule(testRule("PROMO-A", "US", time.Now().UTC()))

	cache := NewCache(repo, counting, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetArtifact(ctx, "US", domain.ScenarioCart); err != nil {
				t.Errorf("GetArtifact failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := counting.compiles.Load(); n != 1 {
		t.Errorf("expected exactly 1 compile for concurrent misses, got %d", n)
	}
}

func TestInvalidateForcesRecompile(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	counting := &countingCompiler{inner: compiler}
	repo := newFakeRepo()
	repo.addRule(testRule("PROMO-A", "US", time.Now().UTC()))

	cache := NewCache(repo, counting, false)
	ctx := context.Background()

	cache.GetArtifact(ctx, "US", domain.ScenarioCart)
	cache.Invalidate("US", domain.ScenarioCart)
	cache.GetArtifact(ctx, "US", domain.ScenarioCart)

	if n := counting.compiles.Load(); n != 2 {
		t.Errorf("expected 2 compiles around invalidation, got %d", n)
	}
}

func TestRefreshPassAdvancesWatermarkOnlyOnFullSuccess(t *testing.T) {
	compiler, _ := rules.NewCompiler()
	repo := newFakeRepo()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.addRule(testRule("PROMO-A", "US", now))
	repo.addRule(testRule("PROMO-B", "CA", now))
	repo.ruleSets[domain.ScenarioCart] = &domain.RuleSet{
		ID:           "rs-cart",
		Scenario:     domain.ScenarioCart,
		LastModified: now,
	}

	cache := NewCache(repo, compiler, true)
	clock := fixedClock{t: now.Add(time.Minute)}
	monitor := NewMonitor(cache, repo, nil, clock, 0)

	ctx := context.Background()
	if err := monitor.RefreshPass(ctx); err != nil {
		t.Fatalf("RefreshPass failed: %v", err)
	}

	wm, _ := repo.GetCompilationWatermark(ctx)
	if !wm.Equal(clock.t) {
		t.Errorf("expected watermark %v, got %v", clock.t, wm)
	}
	if cache.Size() != 2 {
		t.Errorf("expected 2 cached artifacts after pass, got %d", cache.Size())
	}

	// A failing scope keeps the watermark where it was.
	bad := testRule("PROMO-BAD", "US", now.Add(2*time.Minute))
	bad.Elements[0].Expression = "broken ((("
	repo.addRule(bad)
	repo.ruleSets[domain.ScenarioCart].LastModified = now.Add(2 * time.Minute)

	later := fixedClock{t: now.Add(3 * time.Minute)}
	monitor = NewMonitor(cache, repo, nil, later, 0)
	if err := monitor.RefreshPass(ctx); err != nil {
		t.Fatalf("RefreshPass failed: %v", err)
	}

	wm2, _ := repo.GetCompilationWatermark(ctx)
	if !wm2.Equal(wm) {
		t.Errorf("expected watermark unchanged at %v, got %v", wm, wm2)
	}
}
