// Kestrel - Real-time transaction risk scoring.
// Copyright (c) 2025 opensource.finance
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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/reference"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/window"
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

	// Log startup
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
	if path := os.Getenv("KESTREL_COUNTRIES_FILE"); path != "" {
		cfg.Geo.TablePath = path
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

	// Initialize Reference Store
	store := reference.NewStore(repo)
	slog.Info("reference store initialized")

	// Initialize Window Aggregator and rehydrate it from persisted
	// transactions so restart does not zero the velocity features.
	agg := window.New(cfg.Windows.Short(), cfg.Windows.Long())
	rehydrateWindows(ctx, repo, store, agg, cfg.Windows.Long())

	// Country tables: built-in defaults unless a YAML file is
	// configured, in which case the file is watched and hot-reloaded.
	var tables *features.Tables
	var countryLoader *config.Loader
	if cfg.Geo.TablePath != "" {
		countryLoader, err = config.NewLoader(cfg.Geo.TablePath)
		if err != nil {
			slog.Error("failed to load country tables", "path", cfg.Geo.TablePath, "error", err)
			os.Exit(1)
		}
		tables = countryLoader.Tables()
		slog.Info("country tables loaded", "path", cfg.Geo.TablePath)
	}

	// Initialize Feature Computer
	computer := features.NewComputer(cfg, agg, tables)
	slog.Info("feature computer initialized", "features", features.FeatureCount)

	if countryLoader != nil {
		countryLoader.OnChange(func(t *features.Tables) {
			computer.ReloadTables(t)
			slog.Info("country tables reloaded", "path", cfg.Geo.TablePath)
		})
		stopWatch, err := countryLoader.Watch()
		if err != nil {
			slog.Error("failed to watch country tables", "error", err)
			os.Exit(1)
		}
		defer stopWatch()
	}

	// Initialize Rule Engine; seed the default catalogue on first boot
	// and load whatever the repository holds after that.
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	catalogue, err := rules.EnsureCatalogue(ctx, repo)
	if err != nil {
		slog.Error("failed to load rule catalogue", "error", err)
		os.Exit(1)
	}
	if err := engine.LoadRules(catalogue); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Model Ensemble and Score Combiner
	primary := model.NewGradientModel()
	secondary := model.NewBalancedModel()
	ensemble := model.NewEnsemble(primary, secondary, &cfg.Scoring)
	combiner := scoring.NewCombiner(&cfg.Scoring)
	slog.Info("model ensemble initialized",
		"primary", primary.ID(),
		"secondary", secondary.ID(),
	)

	// Initialize Pipeline Coordinator
	coordinator := pipeline.NewCoordinator(cfg.Pipeline, pipeline.Deps{
		Aggregator: agg,
		Computer:   computer,
		Engine:     engine,
		Ensemble:   ensemble,
		Combiner:   combiner,
		Reference:  store,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
	})

	// Subscribe the pipeline to the inbound topics. Tenant IDs come from
	// the environment; empty means the global tenant.
	if err := coordinator.Start(tenantsFromEnv()); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Cache:       cacheImpl,
		Coordinator: coordinator,
		Engine:      engine,
		Computer:    computer,
		Reference:   store,
		Aggregator:  agg,
		Windows:     cfg.Windows,
		Version:     Version,
	})

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

	// Stop the pipeline first so in-flight transactions reach a
	// terminal state before the backends close.
	if err := coordinator.Stop(); err != nil {
		slog.Error("failed to stop pipeline", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// rehydrateWindows replays persisted transactions within the long
// horizon into a fresh aggregator. Customer streams are resolved
// through the reference store; unresolvable accounts rebuild their
// account stream only.
func rehydrateWindows(ctx context.Context, repo domain.Repository, store *reference.Store, agg *window.Aggregator, horizon time.Duration) {
	since := time.Now().UTC().Add(-horizon)
	recent, err := repo.RecentTransactions(ctx, since)
	if err != nil {
		slog.Warn("failed to read transactions for window rehydration", "error", err)
		return
	}
	if len(recent) == 0 {
		return
	}

	recorded := agg.Rehydrate(recent, func(tenantID, accountID string) string {
		account, err := store.GetAccount(ctx, tenantID, accountID)
		if err != nil {
			return ""
		}
		return account.CustomerID
	})
	slog.Info("window state rehydrated",
		"transactions", len(recent),
		"recorded", recorded,
		"since", since.Format(time.RFC3339),
	)
}

func tenantsFromEnv() []string {
	raw := os.Getenv("KESTREL_TENANTS")
	if raw == "" {
		return nil
	}
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Transaction Risk Scoring Engine      ║")
	fmt.Println("  ║      Every transaction, scored live.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions            - Score a transaction")
	fmt.Println("    GET  /scores/{txnID}          - Get a score event")
	fmt.Println("    GET  /features/{txnID}        - Get a feature vector")
	fmt.Println("    GET  /windows/{accountID}     - Inspect window state")
	fmt.Println("    GET  /countries               - Country risk tables")
	fmt.Println("    GET  /rules                   - List scoring rules")
	fmt.Println("    POST /rules                   - Create a scoring rule")
	fmt.Println("    POST /rules/reload            - Hot-reload rules from database")
	fmt.Println("    POST /reference/customers     - Upsert a customer")
	fmt.Println("    POST /reference/accounts      - Upsert an account")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println("    GET  /metrics                 - Prometheus metrics")
	fmt.Println()
}
