package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/labledger/labledger/internal"
	"github.com/labledger/labledger/internal/billing"
	"github.com/labledger/labledger/internal/events"
	"github.com/labledger/labledger/internal/handler/api"
	"github.com/labledger/labledger/internal/handler/webhook"
	"github.com/labledger/labledger/internal/middleware"
	"github.com/labledger/labledger/internal/plan"
	"github.com/labledger/labledger/internal/postgres"
	"github.com/labledger/labledger/internal/router"
	"github.com/labledger/labledger/internal/routes"
	"github.com/labledger/labledger/internal/service"
	"github.com/labledger/labledger/internal/telemetry"
	"github.com/labledger/labledger/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Initialize stores
	laboratoryStore := postgres.NewLaboratoryStore(pool)
	subscriptionStore := postgres.NewSubscriptionStore(pool)
	invoiceStore := postgres.NewInvoiceStore(pool)
	processorEventStore := postgres.NewProcessorEventStore(pool)
	usageStore := postgres.NewUsageStore(pool)

	// Initialize plan catalog
	catalog := plan.NewCatalog(cfg.PlanPriceIDs())

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	stripeConfig := cfg.BillingConfig()
	billingProvider, err := billing.NewStripeProvider(stripeConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized", "test_mode", stripeConfig.IsTestMode())

	// Initialize event publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATS.Enabled {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		publisher = natsPublisher
		logger.Info("NATS publisher connected", "url", cfg.NATS.URL)
	}
	defer publisher.Close()

	// Initialize metrics on one registry; /metrics serves the same registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	billingMetrics := telemetry.NewBillingMetrics(registry)
	httpMetrics := middleware.NewMetrics("labledger", registry)

	// Initialize services
	subscriptionService := service.NewSubscriptionService(service.SubscriptionServiceDeps{
		Laboratories:    laboratoryStore,
		Subscriptions:   subscriptionStore,
		Invoices:        invoiceStore,
		ProcessorEvents: processorEventStore,
		Catalog:         catalog,
		Provider:        billingProvider,
		Publisher:       publisher,
		Metrics:         billingMetrics,
		Logger:          logger,
		TrialDays:       int32(cfg.Trial.DefaultDays),
	})
	usageService := service.NewUsageService(laboratoryStore, subscriptionStore, usageStore, logger)

	// Initialize handlers
	billingHandler := api.NewBillingHandler(subscriptionService, usageService, catalog, logger)
	stripeWebhookHandler := webhook.NewStripeHandler(
		billingProvider,
		subscriptionService,
		cfg.Stripe.WebhookSecret,
		billingMetrics,
		logger,
	)

	// Configure security headers and rate limiting
	securityConfig := middleware.DefaultSecurityHeadersConfig()
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	// Create router and register routes
	r := router.New(
		router.Recovery(logger),
		middleware.RequestID,
		middleware.WithClientIP(),
		middleware.WithRequestLogger(logger),
		httpMetrics.Middleware,
		middleware.SecurityHeaders(securityConfig),
		middleware.MaxBodySize(middleware.SmallMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
		rateLimiter.Middleware,
		router.Logger(logger),
	)

	routes.RegisterBillingRoutes(r, routes.BillingDeps{Handler: billingHandler})
	routes.RegisterWebhookRoutes(r, routes.WebhookDeps{StripeHandler: stripeWebhookHandler.HandleWebhook})
	routes.RegisterSystemRoutes(r, routes.SystemDeps{
		HealthHandler: func(w http.ResponseWriter, req *http.Request) {
			if err := pool.Ping(req.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		},
		MetricsHandler: httpMetrics.Handler(),
	})

	// Start the reconciliation sweeper
	if cfg.Sweep.Enabled {
		sweeper := worker.NewSweeper(subscriptionStore, subscriptionService, worker.Config{
			Interval:    time.Duration(cfg.Sweep.IntervalMinutes) * time.Minute,
			GracePeriod: time.Duration(cfg.Sweep.GracePeriodMinutes) * time.Minute,
			BatchSize:   int32(cfg.Sweep.BatchSize),
		}, logger)
		go func() {
			if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweeper stopped", "error", err)
			}
		}()
	}

	// Start the server
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting billing server", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
