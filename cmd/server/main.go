package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpuburst/gpuburst/internal/api"
	"github.com/gpuburst/gpuburst/internal/config"
	"github.com/gpuburst/gpuburst/internal/logging"
	"github.com/gpuburst/gpuburst/internal/metrics"
	"github.com/gpuburst/gpuburst/internal/pricing"
	"github.com/gpuburst/gpuburst/internal/provider"
	"github.com/gpuburst/gpuburst/internal/provider/runpod"
	"github.com/gpuburst/gpuburst/internal/provider/vastai"
	"github.com/gpuburst/gpuburst/internal/service/billing"
	"github.com/gpuburst/gpuburst/internal/service/orchestrator"
	"github.com/gpuburst/gpuburst/internal/service/reaper"
	"github.com/gpuburst/gpuburst/internal/storage"
	"github.com/gpuburst/gpuburst/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting gpuburst server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	sessionStore := storage.NewSessionStore(db)
	creditStore := storage.NewCreditStore(db)
	eventStore := storage.NewBillingEventStore(db)

	// Seed the status gauge from the database so it is accurate after restart
	if counts, err := sessionStore.CountByStatus(ctx); err == nil {
		for _, c := range counts {
			metrics.SessionsByStatus.WithLabelValues(c.Status).Set(float64(c.Count))
		}
	} else {
		logger.Warn("failed to seed session status metrics", slog.String("error", err.Error()))
	}
	if total, err := eventStore.TotalRevenue(ctx); err == nil {
		metrics.RecordRevenue(total)
	} else {
		logger.Warn("failed to seed revenue metric", slog.String("error", err.Error()))
	}

	// Initialize providers
	var providers []provider.Provider

	if cfg.Providers.RunPod.Enabled && cfg.Providers.RunPod.APIKey != "" {
		providers = append(providers, runpod.NewClient(cfg.Providers.RunPod.APIKey))
		logger.Info("initialized RunPod provider")
	}

	if cfg.Providers.VastAI.Enabled && cfg.Providers.VastAI.APIKey != "" {
		providers = append(providers, vastai.NewClient(cfg.Providers.VastAI.APIKey))
		logger.Info("initialized Vast.ai provider")
	}

	if len(providers) == 0 {
		logger.Warn("no providers configured, sessions cannot be provisioned")
	}

	registry := provider.NewRegistry(providers)
	tiers := pricing.DefaultTiers()
	for name, price := range cfg.Pricing {
		tier := models.Tier(name)
		tc, ok := tiers[tier]
		if !ok {
			logger.Warn("pricing override for unknown tier ignored", slog.String("tier", name))
			continue
		}
		tc.PricePerMinute = price
		tiers[tier] = tc
		logger.Info("tier price overridden",
			slog.String("tier", name),
			slog.Int64("price_per_minute_cents", price))
	}
	catalog := pricing.NewCatalog(tiers)

	// Initialize services
	orch := orchestrator.New(sessionStore, creditStore, eventStore, registry, catalog,
		orchestrator.WithLogger(logger),
		orchestrator.WithBillInterval(cfg.Billing.BillInterval),
		orchestrator.WithGraceFloor(cfg.Billing.GraceFloorCents))

	meter := billing.New(sessionStore, eventStore,
		billing.WithLogger(logger),
		billing.WithScanInterval(cfg.Billing.ScanInterval),
		billing.WithBillInterval(cfg.Billing.BillInterval))

	zombieReaper := reaper.New(sessionStore, orch,
		reaper.WithLogger(logger),
		reaper.WithCheckInterval(cfg.Reaper.CheckInterval),
		reaper.WithStaleThreshold(cfg.Reaper.StaleThreshold))

	// Initialize API server (not ready yet)
	server := api.New(orch, registry, catalog, creditStore, eventStore,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithMeter(meter),
		api.WithReaper(zombieReaper))

	// Start background services
	if err := meter.Start(ctx); err != nil {
		logger.Error("failed to start billing meter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := zombieReaper.Start(ctx); err != nil {
		logger.Error("failed to start zombie reaper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Mark server as ready
	server.SetReady(true)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		// Stop background services; sessions stay in the database and the
		// scan-based billing schedule picks them back up on restart
		zombieReaper.Stop()
		meter.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
