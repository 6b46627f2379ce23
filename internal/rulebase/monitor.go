package rulebase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-commerce/shrike/internal/domain"
)

// Monitor keeps compiled rule bases current. It runs a periodic pass that
// recompiles (scope, scenario) pairs whose rule sets changed since the last
// fully successful pass, and it reacts to rule-set-changed events on the bus
// by invalidating affected cache entries immediately.
type Monitor struct {
	cache *Cache
	repo  domain.Repository
	bus   domain.EventBus
	clock domain.Clock

	interval time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

// NewMonitor creates a rule base monitor. The bus may be nil, in which case
// only the scheduled pass runs.
func NewMonitor(cache *Cache, repo domain.Repository, bus domain.EventBus, clock domain.Clock, interval time.Duration) *Monitor {
	return &Monitor{
		cache:    cache,
		repo:     repo,
		bus:      bus,
		clock:    clock,
		interval: interval,
	}
}

// Start begins the scheduled refresh loop and the bus subscription.
func (m *Monitor) Start(ctx context.Context, storeCodes []string) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.bus != nil {
		for _, store := range storeCodes {
			sub, err := m.bus.Subscribe(ctx, store, domain.TopicRuleSetChanged, m.handleRuleSetChanged)
			if err != nil {
				slog.Error("failed to subscribe to rule set changes",
					"store_code", store,
					"error", err,
				)
				continue
			}
			m.subscriptions = append(m.subscriptions, sub)
		}
	}

	if m.interval > 0 {
		m.wg.Add(1)
		go m.run(ctx)
	}

	slog.Info("rule base monitor started",
		"interval", m.interval,
		"subscriptions", len(m.subscriptions),
	)

	return nil
}

// Stop halts the refresh loop and unsubscribes from the bus.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, sub := range m.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	m.subscriptions = nil
	m.wg.Wait()

	slog.Info("rule base monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshPass(ctx); err != nil {
				slog.Error("scheduled rule base refresh failed", "error", err)
			}
		}
	}
}

// RefreshPass scans rule sets modified since the stored compilation
// watermark and recompiles affected (scope, scenario) pairs for every known
// scope. The watermark advances only when every recompilation in the pass
// succeeds, so a failed pass is retried in full on the next tick.
func (m *Monitor) RefreshPass(ctx context.Context) error {
	passStart := m.clock.Now()

	watermark, err := m.repo.GetCompilationWatermark(ctx)
	if err != nil {
		return err
	}

	sets, err := m.repo.ListRuleSetsModifiedSince(ctx, watermark)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}

	allSucceeded := true
	recompiled := 0

	for _, set := range sets {
		scopes, err := m.repo.ListScopes(ctx, set.Scenario)
		if err != nil {
			return err
		}
		for _, scope := range scopes {
			if err := m.cache.Recompile(ctx, scope, set.Scenario); err != nil {
				slog.Error("rule base recompilation failed",
					"scope", scope,
					"scenario", set.Scenario,
					"error", err,
				)
				allSucceeded = false
				continue
			}
			recompiled++
		}
	}

	if !allSucceeded {
		slog.Warn("refresh pass incomplete, watermark not advanced",
			"recompiled", recompiled,
		)
		return nil
	}

	if err := m.repo.SetCompilationWatermark(ctx, passStart); err != nil {
		return err
	}

	slog.Info("rule base refresh pass complete",
		"rule_sets", len(sets),
		"recompiled", recompiled,
		"watermark", passStart,
	)

	return nil
}

// handleRuleSetChanged invalidates cache entries named by a rule set changed
// event so the next read recompiles.
func (m *Monitor) handleRuleSetChanged(ctx context.Context, msg *domain.Message) error {
	var event domain.RuleSetChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse rule set changed event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if event.Scope != "" {
		m.cache.Invalidate(event.Scope, event.Scenario)
	} else {
		scopes, err := m.repo.ListScopes(ctx, event.Scenario)
		if err != nil {
			return err
		}
		for _, scope := range scopes {
			m.cache.Invalidate(scope, event.Scenario)
		}
	}

	slog.Debug("rule base invalidated by event",
		"rule_set_id", event.RuleSetID,
		"scenario", event.Scenario,
		"scope", event.Scope,
	)

	return nil
}
