// Kestrel - Real-time payment fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/geoip"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
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
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
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

	// Initialize IP resolver (optional; enables the network detector)
	resolver, err := loadResolver()
	if err != nil {
		slog.Error("failed to load IP intelligence config", "error", err)
		os.Exit(1)
	}
	if resolver != nil {
		slog.Info("IP resolver initialized")
	}

	// Initialize scoring engine
	registry, err := engine.DefaultRegistry(resolver)
	if err != nil {
		slog.Error("failed to build detector registry", "error", err)
		os.Exit(1)
	}
	eng, err := engine.NewEngine(cfg.Engine, registry, busImpl, logger)
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// Apply persisted rule overrides
	if err := loadRulesFromDatabase(ctx, repo, registry); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("engine initialized",
		"detectors", len(registry.All()),
		"global_threshold", eng.GlobalThreshold(),
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, eng)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Janitor for profile retention
	janitor := worker.NewJanitor(eng, cfg.Engine.ProfileRetention, cfg.Engine.CleanupInterval)
	janitor.Start()

	// Result cache sits in front of the scoring path
	results := cache.NewResultCache(cacheImpl, 15*time.Minute)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, results, busImpl, eng, Version, os.Getenv("KESTREL_API_KEY"))

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	janitor.Stop()

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadResolver builds the static IP resolver from the JSON file named
// by KESTREL_GEOIP_CONFIG. Returns nil when unset; the network detector
// is then not registered.
func loadResolver() (domain.IPResolver, error) {
	path := os.Getenv("KESTREL_GEOIP_CONFIG")
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg geoip.StaticConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return geoip.NewStatic(cfg)
}

// loadRulesFromDatabase applies persisted rule overrides to the
// registry. Detectors not present in the database run with defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, registry *engine.Registry) error {
	dbRules, err := repo.ListRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with defaults - rules can be applied via API
	}

	for _, rule := range dbRules {
		if err := registry.Apply(rule); err != nil {
			slog.Error("failed to apply persisted rule", "rule", rule.Name, "error", err)
			return err
		}
	}

	if len(dbRules) > 0 {
		slog.Info("rules loaded from database", "count", len(dbRules))
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Payment Fraud Scoring Engine         ║")
	fmt.Println("  ║      Sharp eyes, fast strikes.            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                  - Score a transaction")
	fmt.Println("    POST /score/async            - Queue a transaction for scoring")
	fmt.Println("    GET  /results/{id}           - Get scoring result")
	fmt.Println("    GET  /results?since=&limit=  - List flagged results")
	fmt.Println("    GET  /transactions/{id}      - Get transaction by ID")
	fmt.Println("    GET  /rules                  - List detector configuration")
	fmt.Println("    POST /rules                  - Configure a detector")
	fmt.Println("    PUT  /rules/{name}/threshold - Set a detector threshold")
	fmt.Println("    PUT  /threshold              - Set the global threshold")
	fmt.Println("    POST /feedback               - Record analyst feedback")
	fmt.Println("    GET  /stats                  - Engine statistics")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
