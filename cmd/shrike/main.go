// Shrike - Promotions that deploy in 60 seconds.
// Copyright (c) 2025 opensource.commerce
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
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

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("SHRIKE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting shrike",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("SHRIKE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	clock := domain.SystemClock{}

	// Initialize Rule Compiler and Rule Base Cache
	compiler, err := rules.NewCompiler()
	if err != nil {
		slog.Error("failed to initialize rule compiler", "error", err)
		os.Exit(1)
	}
	ruleBases := rulebase.NewCache(repo, compiler, cfg.RuleBase.RefreshOnRead)
	slog.Info("rule base cache initialized", "refresh_on_read", cfg.RuleBase.RefreshOnRead)

	// Initialize Rule Base Monitor
	monitor := rulebase.NewMonitor(ruleBases, repo, busImpl, clock,
		time.Duration(cfg.RuleBase.RefreshInterval)*time.Second)
	if err := monitor.Start(ctx, monitoredStores(ctx, repo)); err != nil {
		slog.Error("failed to start rule base monitor", "error", err)
		os.Exit(1)
	}
	defer monitor.Stop()

	// Initialize evaluation and coupon services
	resolver := applicability.NewResolver(repo, cacheImpl, clock,
		time.Duration(cfg.RuleBase.ShopperCacheTTL)*time.Second)
	evaluator := firing.NewEvaluator(firing.NewOrchestrator(ruleBases), clock)
	couponSvc := coupons.NewService(repo, clock)
	allocator := coupons.NewAllocationEngine(repo, clock)
	slog.Info("promotion services initialized")

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, compiler, ruleBases,
		resolver, evaluator, couponSvc, allocator, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shrike is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("shrike shutdown complete")
}

// monitoredStores returns the store codes whose rule set change events the
// monitor subscribes to: the SHRIKE_STORES list when set, else every store
// scope already present in the repository.
func monitoredStores(ctx context.Context, repo domain.Repository) []string {
	if env := os.Getenv("SHRIKE_STORES"); env != "" {
		return strings.Split(env, ",")
	}

	scopes, err := repo.ListScopes(ctx, domain.ScenarioCart)
	if err != nil {
		slog.Warn("failed to list store scopes", "error", err)
		return nil
	}
	return scopes
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               SHRIKE                      ║")
	fmt.Println("  ║        Promotions Rule Engine             ║")
	fmt.Println("  ║     Every cart earns its discount.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /cart/evaluate     - Evaluate a cart for promotions")
	fmt.Println("    POST /catalog/evaluate  - Evaluate catalog browsing promotions")
	fmt.Println("    POST /coupons/apply     - Validate a coupon for a cart")
	fmt.Println("    GET  /rules             - List promotion rules")
	fmt.Println("    GET  /rules/{code}      - Get a rule by code")
	fmt.Println("    POST /rules             - Create a new rule")
	fmt.Println("    POST /rulebase/reload   - Recompile the rule base")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
