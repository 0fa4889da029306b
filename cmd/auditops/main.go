// Package main provides the entry point for the smart-logs ops service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/smedrec/smart-logs-ops/internal/breaker"
	"github.com/smedrec/smart-logs-ops/internal/config"
	"github.com/smedrec/smart-logs-ops/internal/health"
	"github.com/smedrec/smart-logs-ops/internal/lock"
	"github.com/smedrec/smart-logs-ops/internal/metrics"
	"github.com/smedrec/smart-logs-ops/internal/server"
	"github.com/smedrec/smart-logs-ops/internal/service"
	"github.com/smedrec/smart-logs-ops/internal/store"
	"github.com/smedrec/smart-logs-ops/internal/util/requestqueue"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config.yaml"
	}

	bootstrap, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	cfg, err := config.Load(path)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}
	bootstrap.Sync()

	logger := buildLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting smart-logs ops service",
		zap.String("table", cfg.Partitions.Table),
		zap.Int("retention_days", cfg.Partitions.RetentionDays),
		zap.Int("port", cfg.Server.Port))

	m := metrics.NewMetrics()

	// Partition catalog (PostgreSQL)
	catalog, err := store.NewPostgresCatalog(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.ConnMaxLifetime,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize partition catalog", zap.Error(err))
	}
	defer catalog.Close()
	logger.Info("Partition catalog initialized")

	// KV store (Redis, or in-process when no host is configured)
	var kv store.KVStore
	if cfg.Redis.Host == "" {
		kv = store.NewMemoryStore(logger)
		logger.Info("Using in-process KV store")
	} else {
		kv, err = store.NewRedisStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.MinIdleConns,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize KV store", zap.Error(err))
		}
		logger.Info("KV store initialized", zap.String("host", cfg.Redis.Host))
	}
	defer kv.Close()

	locks := lock.NewManager(kv, "smartlogs:lock:", logger)

	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, logger, m)

	var archiver service.Archiver
	if cfg.Partitions.ArchiveDir != "" {
		archiver = service.NewFileArchiver(catalog, cfg.Partitions.ArchiveDir, logger)
		logger.Info("Partition archiver enabled", zap.String("dir", cfg.Partitions.ArchiveDir))
	}

	partitionService := service.NewPartitionService(catalog, kv, locks, archiver, cfg.Partitions, m, logger)
	maintenanceService := service.NewMaintenanceService(partitionService, registry, cfg.Maintenance, m, logger)

	// A cache read that takes seconds is already a failure
	cacheBreakerCfg := registry.DefaultConfig(5 * time.Second)
	cacheBreakerCfg.Name = "response-cache"
	responseCache := service.NewResponseCache(kv, registry.GetWithConfig(cacheBreakerCfg), cfg.Cache, m, logger)

	var queue *requestqueue.Queue
	if cfg.Queue.EnableRequestQueue {
		queue = requestqueue.NewQueue(&requestqueue.Config{
			Name:          "api",
			MaxConcurrent: cfg.Queue.MaxConcurrentRequests,
			QueueTimeout:  cfg.Queue.QueueTimeout,
			QueueSize:     cfg.Queue.QueueSize,
			Logger:        logger,
		})
	}
	admissionService := service.NewAdmissionService(responseCache, queue, cfg.Queue, m, logger)

	logger.Info("services wired")

	// Provision the partition layout before serving traffic
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Minute)
	report := maintenanceService.RunOnce(startupCtx)
	cancelStartup()
	if report.HasErrors() {
		logger.Warn("Startup maintenance finished with errors", zap.Strings("errors", report.Errors))
	}

	maintenanceService.Start()

	healthChecker := health.NewHealthChecker(kv, catalog, logger)
	httpServer := server.NewServer(cfg, partitionService, maintenanceService, admissionService, registry, healthChecker, logger)
	httpServer.SetupRoutes()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Run until a signal arrives or the listener fails
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server stopped unexpectedly", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}

	maintenanceService.Stop()

	if queue != nil {
		if err := queue.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Request queue did not drain", zap.Error(err))
		}
	}

	logger.Info("Ops service stopped")
}

// buildLogger builds the production logger from the logging configuration.
// A non-empty file path adds a rotating file sink alongside stdout.
func buildLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotating)
	}

	return zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller())
}
