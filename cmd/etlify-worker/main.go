package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CapSens/etlify"
	"github.com/CapSens/etlify/cache"
	"github.com/CapSens/etlify/config"
	"github.com/CapSens/etlify/crm"
	"github.com/CapSens/etlify/crm/airtable"
	"github.com/CapSens/etlify/crm/hubspot"
	"github.com/CapSens/etlify/database"
	"github.com/CapSens/etlify/logging"
	"github.com/CapSens/etlify/metrics"
	"github.com/CapSens/etlify/server"
	"github.com/CapSens/etlify/syncjob"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	logger.Info("database connected")

	// Run migrations
	logger.Info("running database migrations")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("migrations completed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick the cache: redis when configured, in-memory otherwise
	var cacheStore cache.Store
	if cfg.RedisURL != "" {
		redisCache, err := cache.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		cacheStore = redisCache
		logger.Info("redis cache connected")
	} else {
		cacheStore = cache.NewMemory()
		logger.Warn("REDIS_URL not set, enqueue deduplication is per-process only")
	}

	// Register CRMs from the environment
	crms := crm.NewRegistry()
	if cfg.HubspotToken != "" {
		if err := crms.Register("hubspot", hubspot.NewClient(cfg.HubspotToken), crm.Options{}); err != nil {
			return err
		}
	}
	if cfg.AirtableToken != "" && cfg.AirtableBaseID != "" {
		if err := crms.Register("airtable", airtable.NewClient(cfg.AirtableToken, cfg.AirtableBaseID), crm.Options{}); err != nil {
			return err
		}
	}

	bindings, err := registerBindings(crms)
	if err != nil {
		return err
	}

	queue := syncjob.NewDBQueue(db)
	mets := metrics.New(prometheus.DefaultRegisterer)

	engine, err := etlify.New(etlify.Config{
		DB:            db,
		CRMs:          crms,
		Bindings:      bindings,
		Cache:         cacheStore,
		Queue:         queue,
		QueueName:     cfg.QueueName,
		MaxSyncErrors: cfg.MaxSyncErrors,
		LockTTL:       cfg.LockTTL,
		Logger:        logger,
		Metrics:       mets,
	})
	if err != nil {
		return err
	}

	worker := syncjob.NewWorker(queue, cacheStore, syncjob.WorkerConfig{
		Queue:        cfg.QueueName,
		PollInterval: cfg.PollInterval,
		RetryDelay:   cfg.RetryDelay,
		LockTTL:      cfg.LockTTL,
	}, engine.JobHandler(), logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- worker.Start(ctx)
	}()

	// Optional admin surface: health, metrics, manual triggers
	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{Addr: cfg.HTTPAddr, Handler: server.New(engine, db, logger)}
		go func() {
			logger.Infow("admin server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("admin server failed", "error", err)
			}
		}()
	}

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}

		select {
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				logger.Errorw("worker error during shutdown", "error", err)
			}
		}

		logger.Info("application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
