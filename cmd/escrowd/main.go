package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gigvault/audit"
	"gigvault/config"
	"gigvault/coordinator"
	"gigvault/gateway"
	"gigvault/gateway/middleware"
	"gigvault/ledger"
	"gigvault/observability"
	"gigvault/observability/logging"
	"gigvault/observability/otel"
	"gigvault/storage"
)

const serviceName = "escrowd"

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(serviceName, "", "info").Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(serviceName, cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracesOn {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Headers:     otel.ParseHeaders(cfg.OTLPHeaders),
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("database connection failed", "dsn", cfg.DatabaseDSN, "error", err)
		os.Exit(1)
	}
	if err := storage.AutoMigrate(db); err != nil {
		logger.Error("storage migration failed", "error", err)
		os.Exit(1)
	}
	if err := audit.AutoMigrate(db); err != nil {
		logger.Error("audit migration failed", "error", err)
		os.Exit(1)
	}

	store := storage.NewStore(db)
	recorder := audit.NewRecorder(db)
	ledgerClient := ledger.NewClient(ledger.ClientConfig{
		BaseURL:   cfg.LedgerURL,
		AuthToken: cfg.LedgerAuthToken,
		Timeout:   cfg.LedgerTimeout,
	})

	coord := coordinator.New(store, recorder, ledgerClient,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(observability.Coordinator()),
		coordinator.WithRetryBackoff(cfg.RetryBackoff),
	)

	srv := gateway.NewServer(coord, recorder, db, logger, gateway.ServerConfig{
		ServiceName: serviceName,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimitPerMinute),
			Burst:             cfg.RateLimitBurst,
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting escrowd", "addr", cfg.ListenAddress, "env", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if cfg.PostgresDSN() {
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
}
