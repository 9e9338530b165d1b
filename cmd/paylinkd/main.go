package main

import (
	"context"

	"paylink/internal/activations"
	"paylink/internal/c2b"
	"paylink/internal/handlers"
	"paylink/internal/models"
	"paylink/internal/payments"
	"paylink/internal/pricing"
	"paylink/internal/quotes"
	"paylink/internal/rails"
	"paylink/internal/store"
	"paylink/internal/sweeper"
	"paylink/internal/webhooks"
	"paylink/pkg/auth"
	"paylink/pkg/config"
	"paylink/pkg/crypto"
	"paylink/pkg/database"
	"paylink/pkg/logging"
	"paylink/pkg/monitoring"
	"paylink/pkg/server"
	"paylink/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("paylinkd")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Paylinkd (Payment Link API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	encryptionSecret := config.RequireEnv("ENCRYPTION_SECRET")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("paylinkd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("paylinkd", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom payment-link metrics
	metrics := &handlers.PaylinkMetrics{
		PaymentsCreated:  metricsCollector.NewCounter("payments_created_total", "Payments created", []string{"mode", "currency"}),
		QuotesCreated:    metricsCollector.NewCounter("quotes_created_total", "Transfer quotes created", []string{"currency"}),
		Reservations:     metricsCollector.NewCounter("reservations_total", "Transfer reservations", []string{"rail", "asset"}),
		Settlements:      metricsCollector.NewCounter("settlements_total", "Settlement reports ingested", []string{"rail"}),
		ProviderWebhooks: metricsCollector.NewCounter("provider_webhooks_total", "Provider webhook notifications", []string{"status"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	fieldCrypt, err := crypto.DeriveFieldEncryptor([]byte(encryptionSecret), "link-webhook-secret")
	if err != nil {
		logger.WithError(err).Fatal("Failed to derive field encryptor")
	}

	st := store.New(db, logger)
	registry := rails.NewRegistry()

	// Rail gateways
	gateways := rails.NewGatewaySet(registry)

	lightningGw := rails.NewLightningGateway(rails.LightningConfig{
		BaseURL: config.GetEnv("LIGHTNING_API_URL", "http://localhost:5000"),
		APIKey:  config.GetEnv("LIGHTNING_API_KEY", ""),
		Logger:  logger,
	})
	gateways.Register(models.RailClassOffChain, lightningGw)

	evmGw, err := rails.NewEVMGateway(rails.EVMConfig{
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure EVM gateway")
	}
	gateways.Register(models.RailClassEvm, evmGw)

	// C2B custodial provider (optional)
	var (
		c2bVerifier *c2b.Verifier
		c2bEnroller *c2b.Enroller
	)
	if c2bURL := config.GetEnv("C2B_API_URL", ""); c2bURL != "" {
		c2bClient := c2b.NewClient(c2b.Config{
			BaseURL:   c2bURL,
			APIKey:    config.RequireEnv("C2B_API_KEY"),
			APISecret: config.RequireEnv("C2B_API_SECRET"),
			Logger:    logger,
		})
		gateways.Register(models.RailClassC2B, c2b.NewGateway(c2bClient, logger))
		c2bVerifier = c2b.NewVerifier(c2bClient)
		c2bEnroller = c2b.NewEnroller(c2bClient, st, config.RequireEnv("C2B_MERCHANT_ID"), logger)
	} else {
		logger.Info("C2B provider not configured, custodial rail disabled")
	}

	pricingClient := pricing.NewClient(pricing.Config{
		BaseURL: config.GetEnv("PRICING_API_URL", "http://localhost:8090"),
		APIKey:  config.GetEnv("PRICING_API_KEY", ""),
		Logger:  logger,
	})

	dispatcher := webhooks.NewDispatcher(fieldCrypt, logger)
	defer dispatcher.Close()

	coordinator := payments.NewCoordinator(st, dispatcher, nil, logger)
	quoteEngine := quotes.NewEngine(st, registry, pricingClient, logger)
	txVerifier := rails.NewTxVerifier(registry, logger)
	activationEngine := activations.NewEngine(st, quoteEngine, registry, gateways, txVerifier, coordinator, logger)

	// Initialize handlers
	handlers.Init(handlers.Deps{
		Store:       st,
		Coordinator: coordinator,
		QuoteEngine: quoteEngine,
		Activation:  activationEngine,
		Registry:    registry,
		Verifier:    c2bVerifier,
		Enroller:    c2bEnroller,
		Dispatcher:  dispatcher,
		FieldCrypt:  fieldCrypt,
		Logger:      logger,
		Metrics:     metrics,
	})

	// Start expiry sweeps
	scheduler := sweeper.NewScheduler(st, coordinator, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)
	defer scheduler.Stop()

	logger.Info("Sweep scheduler started - expiry sweeps active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "paylinkd", healthChecker, metricsCollector)

	// API routes
	{
		// Payer-facing endpoints (no auth)
		router.GET("/v1/pay/:ref", handlers.GetPayRequest)
		router.GET("/v1/pay/:ref/cb", handlers.GetPayCallback)
		router.GET("/v1/pay/:ref/wait", handlers.GetPayWait)

		// Provider webhook endpoints (signature-verified)
		router.POST("/v1/webhooks/c2b", handlers.HandleC2BWebhook)

		// Merchant endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/v1/links", handlers.CreateLink)
			protected.GET("/v1/links", handlers.ListLinks)
			protected.GET("/v1/links/:id", handlers.GetLink)
			protected.PATCH("/v1/links/:id", handlers.UpdateLink)
			protected.POST("/v1/links/:id/enroll", handlers.EnrollLink)
			protected.POST("/v1/links/:id/payments", handlers.CreatePayment)
			protected.GET("/v1/links/:id/payments", handlers.ListPayments)
			protected.GET("/v1/payments/:id", handlers.GetPayment)
			protected.POST("/v1/payments/:id/cancel", handlers.CancelPayment)
			protected.POST("/v1/payments/:id/confirm", handlers.ConfirmPayment)
		}

		// Settlement ingestion endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/v1/observations", handlers.HandleObservation)
			serviceAPI.POST("/v1/webhooks/lightning", handlers.HandleLightningCallback)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("paylinkd", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
