package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/internal/credential"
	"github.com/curaflow/consent-core/internal/dispense"
	"github.com/curaflow/consent-core/internal/grant"
	"github.com/curaflow/consent-core/internal/maintenance"
	"github.com/curaflow/consent-core/internal/notify"
	"github.com/curaflow/consent-core/pkg/config"
	"github.com/curaflow/consent-core/pkg/database"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/monitoring"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel)
	log.WithField("version", "1.0.0").Info("Starting Consent Service")

	// Initialize database connection
	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.CreateSchema(ctx); err != nil {
		log.WithError(err).Error("Failed to create database schema")
		os.Exit(1)
	}

	// Initialize monitoring
	metrics := monitoring.NewMetricsCollector("consent-service")
	health := monitoring.NewHealthManager("consent-service", "1.0.0")
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))

	// Initialize the audit sink; events are recorded asynchronously and
	// never block or fail the triggering operation
	auditSink := audit.NewAsyncSink(db.DB, log, metrics, cfg.Audit.BufferSize)
	defer auditSink.Close()

	auditTrail := audit.NewTrail(db.DB, log)
	auditHandlers := audit.NewHandlers(auditTrail, log)

	dispatcher := notify.NewLogDispatcher(log)
	clock := grant.SystemClock{}

	// Grant lifecycle components
	grantStore := grant.NewPostgresStore(db.DB, log)
	engine := grant.NewEngine(&cfg.Grants, log, grantStore, clock, grant.UUIDGenerator{}, auditSink, dispatcher, metrics)
	evaluator := grant.NewEvaluator(log, grantStore, auditSink, metrics)
	grantHandlers := grant.NewHandlers(engine, evaluator, clock, log)

	// Prescription credential issuance
	keys, err := credential.NewKeySetFromConfig(&cfg.Credentials)
	if err != nil {
		log.WithError(err).Error("Failed to load credential signing keys")
		os.Exit(1)
	}
	signer := credential.NewSigner(keys, cfg.Credentials.Issuer)
	ledger := credential.NewPostgresLedger(db.DB, log)
	prescriptionRepo := dispense.NewPostgresRepository(db.DB, log)
	credentialService := credential.NewService(&cfg.Credentials, log, signer, ledger, prescriptionRepo, clock, auditSink, metrics)
	credentialHandlers := credential.NewHandlers(credentialService, log, clock)
	prescriptionHandlers := dispense.NewHandlers(nil, prescriptionRepo, log, clock)

	// Background hygiene: expired grants and stale nonces
	sweeper := maintenance.NewSweeper(log, grantStore, ledger, time.Duration(cfg.Grants.SweepIntervalMin)*time.Minute)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Setup Gin router
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET(cfg.Monitoring.HealthPath, gin.WrapF(health.HTTPHandler()))
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	grantHandlers.RegisterRoutes(router)
	auditHandlers.RegisterRoutes(router)
	v1 := router.Group("/api/v1")
	credentialHandlers.RegisterIssueRoutes(v1)
	prescriptionHandlers.RegisterPrescriberRoutes(v1)

	// Setup HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Failed to start HTTP server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Consent Service...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	log.Info("Consent Service stopped")
}
