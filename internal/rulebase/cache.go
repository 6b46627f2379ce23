// Package rulebase manages compiled rule base artifacts: a per-scope,
// per-scenario cache with compile-on-miss and refresh-on-change semantics,
// and a monitor that recompiles changed rule sets on a schedule.
package rulebase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/repository"
	"github.com/opensource-commerce/shrike/internal/rules"
)

type cacheKey struct {
	scope    string
	scenario domain.Scenario
}

// Cache caches one compiled artifact per (scope, scenario) key. Reads never
// block on compilation of other keys; recompiling a given key is serialized
// so concurrent misses trigger exactly one compile, and concurrent readers
// keep using the previous artifact while a recompile is in flight.
//
// The cache is an explicit service object constructed once at process start;
// populate, invalidate, and clear are first-class operations.
type Cache struct {
	repo     domain.Repository
	compiler domain.RuleCompiler

	// refreshOnRead compares cache hits against the persisted rule base
	// record and recompiles when the store reports a newer version.
	refreshOnRead bool

	mu        sync.RWMutex
	artifacts map[cacheKey]domain.RuleBaseArtifact

	flightMu sync.Mutex
	inflight map[cacheKey]*sync.Mutex
}

// NewCache creates a rule base cache.
func NewCache(repo domain.Repository, compiler domain.RuleCompiler, refreshOnRead bool) *Cache {
	return &Cache{
		repo:          repo,
		compiler:      compiler,
		refreshOnRead: refreshOnRead,
		artifacts:     make(map[cacheKey]domain.RuleBaseArtifact),
		inflight:      make(map[cacheKey]*sync.Mutex),
	}
}

// GetArtifact returns the compiled artifact for a scope and scenario,
// compiling and persisting it on a miss. On a hit with refresh-on-read
// enabled, the cached artifact is compared against the persisted record and
// replaced if the store reports a newer version. A persisted record that is
// altogether absent yields an empty artifact that is never cached, so the
// lookup is re-attempted on every call.
func (c *Cache) GetArtifact(ctx context.Context, scope string, scenario domain.Scenario) (domain.RuleBaseArtifact, error) {
	key := cacheKey{scope: scope, scenario: scenario}

	c.mu.RLock()
	artifact, ok := c.artifacts[key]
	c.mu.RUnlock()

	if !ok {
		return c.compileAndStore(ctx, key)
	}

	if !c.refreshOnRead {
		return artifact, nil
	}

	rec, err := c.repo.GetRuleBaseRecord(ctx, scope, scenario)
	if errors.Is(err, repository.ErrNotFound) {
		slog.Debug("rule base record absent, serving empty artifact",
			"scope", scope,
			"scenario", scenario,
		)
		return rules.EmptyArtifact(), nil
	}
	if err != nil {
		return nil, err
	}

	if !rec.LastModified.After(artifact.LastModifiedDate()) {
		return artifact, nil
	}

	return c.recompileFromRecord(key, rec)
}

// compileAndStore builds the rule base from the current rule definitions,
// persists the record, and caches the artifact. Serialized per key.
func (c *Cache) compileAndStore(ctx context.Context, key cacheKey) (domain.RuleBaseArtifact, error) {
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Another miss may have compiled while we waited.
	c.mu.RLock()
	artifact, ok := c.artifacts[key]
	c.mu.RUnlock()
	if ok {
		return artifact, nil
	}

	rec, err := c.buildRecord(ctx, key.scope, key.scenario)
	if err != nil {
		return nil, err
	}

	artifact, issues := c.compiler.Compile(rec.Source)
	if len(issues) > 0 {
		return nil, &domain.RuleCompilationError{Scope: key.scope, Scenario: key.scenario, Issues: issues}
	}

	if err := c.repo.SaveRuleBaseRecord(ctx, rec); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.artifacts[key] = artifact
	c.mu.Unlock()

	slog.Info("rule base compiled",
		"scope", key.scope,
		"scenario", key.scenario,
		"rules", artifact.RuleCount(),
	)

	return artifact, nil
}

// recompileFromRecord replaces a stale cache entry from the persisted
// source. Serialized per key; a losing racer returns whatever artifact the
// winner installed. When the refreshed source fails to compile, the previous
// artifact keeps serving reads and the failure is logged.
func (c *Cache) recompileFromRecord(key cacheKey, rec *domain.RuleBaseRecord) (domain.RuleBaseArtifact, error) {
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.RLock()
	prev, ok := c.artifacts[key]
	c.mu.RUnlock()
	if ok && !rec.LastModified.After(prev.LastModifiedDate()) {
		return prev, nil
	}

	artifact, issues := c.compiler.Compile(rec.Source)
	if len(issues) > 0 {
		cerr := &domain.RuleCompilationError{Scope: key.scope, Scenario: key.scenario, Issues: issues}
		if ok {
			slog.Warn("rule base refresh failed, serving previous artifact",
				"scope", key.scope,
				"scenario", key.scenario,
				"error", cerr,
			)
			return prev, nil
		}
		return nil, cerr
	}

	c.mu.Lock()
	c.artifacts[key] = artifact
	c.mu.Unlock()

	slog.Info("rule base refreshed",
		"scope", key.scope,
		"scenario", key.scenario,
		"last_modified", rec.LastModified,
	)

	return artifact, nil
}

// Recompile forces a fresh compile of a key from the current rule
// definitions, replacing both the persisted record and the cache entry. The
// previous artifact stays usable until the replacement is installed.
func (c *Cache) Recompile(ctx context.Context, scope string, scenario domain.Scenario) error {
	key := cacheKey{scope: scope, scenario: scenario}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.buildRecord(ctx, scope, scenario)
	if err != nil {
		return err
	}

	artifact, issues := c.compiler.Compile(rec.Source)
	if len(issues) > 0 {
		return &domain.RuleCompilationError{Scope: scope, Scenario: scenario, Issues: issues}
	}

	if err := c.repo.SaveRuleBaseRecord(ctx, rec); err != nil {
		return err
	}

	c.mu.Lock()
	c.artifacts[key] = artifact
	c.mu.Unlock()

	return nil
}

// Invalidate drops the cached artifact for one key. The next read compiles
// afresh.
func (c *Cache) Invalidate(scope string, scenario domain.Scenario) {
	c.mu.Lock()
	delete(c.artifacts, cacheKey{scope: scope, scenario: scenario})
	c.mu.Unlock()
}

// Clear drops every cached artifact.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.artifacts = make(map[cacheKey]domain.RuleBaseArtifact)
	c.mu.Unlock()
}

// Size returns the number of cached artifacts.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.artifacts)
}

// buildRecord loads the current rule definitions for a key and serializes
// them into compiler source form, stamped with the owning rule set's
// modification time.
func (c *Cache) buildRecord(ctx context.Context, scope string, scenario domain.Scenario) (*domain.RuleBaseRecord, error) {
	defs, err := c.repo.ListRules(ctx, scope, scenario)
	if err != nil {
		return nil, err
	}

	lastModified := latestModification(defs)
	if set, err := c.repo.GetRuleSetByScenario(ctx, scenario); err == nil {
		if set.LastModified.After(lastModified) {
			lastModified = set.LastModified
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	source, err := BuildSource(scope, scenario, lastModified, defs)
	if err != nil {
		return nil, err
	}

	return &domain.RuleBaseRecord{
		Scope:        scope,
		Scenario:     scenario,
		Source:       source,
		LastModified: lastModified,
	}, nil
}

func (c *Cache) keyLock(key cacheKey) *sync.Mutex {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	lock, ok := c.inflight[key]
	if !ok {
		lock = &sync.Mutex{}
		c.inflight[key] = lock
	}
	return lock
}
