package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/eraops/internal/config"
	"github.com/rewired-gh/eraops/internal/coordinator"
	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/metrics"
	"github.com/rewired-gh/eraops/internal/mlbstats"
	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/retention"
	"github.com/rewired-gh/eraops/internal/service"
	"github.com/rewired-gh/eraops/internal/storage"
	"github.com/rewired-gh/eraops/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	// Initialize storage
	store, err := storage.New(cfg.Storage.Path,
		storage.WithCacheSize(cfg.Storage.CacheSize),
		storage.WithBusyTimeout(cfg.Storage.BusyTimeout),
		storage.WithMaxOpenConns(cfg.Storage.MaxOpenConns),
	)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()
	if version, _, err := store.SchemaVersion(); err == nil {
		logger.Debug("Snapshot store at %s, schema version %d", store.Path(), version)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	mlbClient := mlbstats.NewClient(cfg.MLB.APIBaseURL, cfg.MLB.Timeout,
		mlbstats.WithRetries(cfg.MLB.MaxRetries, cfg.MLB.RetryDelay),
		mlbstats.WithUserAgent(cfg.MLB.UserAgent),
	)

	coord, err := coordinator.New(mlbClient, store, cfg.CoordinatorConfig(),
		coordinator.WithMetrics(m),
		coordinator.WithOnCommit(func(s *models.Snapshot) {
			logger.Info("Snapshot %d captured with %d teams (season %d)", s.ID, s.TeamCount, s.Season)
		}),
	)
	if err != nil {
		logger.Fatal("Failed to initialize update coordinator: %v", err)
	}

	oracle, err := cfg.Oracle()
	if err != nil {
		logger.Fatal("Failed to initialize freshness oracle: %v", err)
	}
	policy, err := cfg.RetentionPolicy()
	if err != nil {
		logger.Fatal("Failed to build retention policy: %v", err)
	}
	engine, err := retention.NewEngine(store, policy, retention.WithRecorder(m))
	if err != nil {
		logger.Fatal("Failed to initialize retention engine: %v", err)
	}

	svc := service.New(store, coord, oracle, policy)

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	var metricsServer *http.Server
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		logger.Info("Metrics server listening on %s", cfg.Metrics.ListenAddr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown failed: %v", err)
			}
		}()
	}

	d := &daemon{
		cfg:      cfg,
		store:    store,
		svc:      svc,
		engine:   engine,
		telegram: telegramClient,
	}

	logger.Info("Starting update service (poll: %v, batch: %d, maintenance: %v)",
		cfg.Update.PollInterval, cfg.Update.BatchSize, cfg.Retention.Interval)

	pollTicker := time.NewTicker(cfg.Update.PollInterval)
	defer pollTicker.Stop()

	var maintenance <-chan time.Time
	if cfg.Retention.Enabled {
		maintenanceTicker := time.NewTicker(cfg.Retention.Interval)
		defer maintenanceTicker.Stop()
		maintenance = maintenanceTicker.C
		d.runMaintenance(ctx)
	}

	// Run initial poll immediately
	d.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return

		case <-pollTicker.C:
			d.poll(ctx)

		case <-maintenance:
			d.runMaintenance(ctx)
		}
	}
}

type daemon struct {
	cfg      *config.Config
	store    *storage.Storage
	svc      *service.Service
	engine   *retention.Engine
	telegram *telegram.Client

	consecutiveFailures int
	failingSince        time.Time
	alerted             bool
}

// poll runs a full update pass when the newest snapshot is stale.
func (d *daemon) poll(ctx context.Context) {
	needs, err := d.svc.NeedsUpdate(ctx)
	if err != nil {
		logger.Error("Failed to check snapshot freshness: %v", err)
		return
	}
	if !needs {
		logger.Debug("Latest snapshot is fresh, skipping update")
		return
	}

	status := d.runPass(ctx)
	if ctx.Err() != nil {
		return
	}
	d.handlePassResult(ctx, status)

	if status.Phase == models.PhaseCompleted && d.cfg.Retention.Enabled {
		n, err := d.store.CountSnapshots(ctx, 0)
		if err != nil {
			logger.Warn("Failed to count snapshots: %v", err)
			return
		}
		if urgency := d.engine.Assess(n); urgency != retention.UrgencyNone {
			logger.Info("Store holds %d snapshots (%s), running maintenance early", n, urgency)
			d.runMaintenance(ctx)
		}
	}
}

// runPass drives the coordinator batch by batch until the pass ends.
func (d *daemon) runPass(ctx context.Context) models.UpdateStatus {
	start := time.Now()
	status := d.svc.TriggerUpdate(ctx, d.cfg.Update.BatchSize)
	for status.InProgress() {
		select {
		case <-ctx.Done():
			logger.Info("Update pass interrupted at %d/%d teams", status.TeamsProcessed, status.TeamsTotal)
			return status
		case <-time.After(d.cfg.Update.StepInterval):
		}
		status = d.svc.TriggerUpdate(ctx, d.cfg.Update.BatchSize)
		logger.Debug("Update progress: %d/%d teams", status.TeamsProcessed, status.TeamsTotal)
	}
	logger.Info("Update pass %s finished as %s in %v", status.RunID, status.Phase, time.Since(start).Round(time.Millisecond))
	return status
}

func (d *daemon) handlePassResult(ctx context.Context, status models.UpdateStatus) {
	if status.Phase == models.PhaseFailed {
		if d.consecutiveFailures == 0 {
			d.failingSince = time.Now()
		}
		d.consecutiveFailures++
		logger.Error("Update pass failed (%d in a row): %s", d.consecutiveFailures, status.LastError)
		if d.consecutiveFailures == d.cfg.Update.FailureAlertThreshold && d.telegram != nil {
			if err := d.telegram.SendUpdateFailure(status, d.consecutiveFailures); err != nil {
				logger.Warn("Failed to send failure notification to Telegram: %v", err)
			} else {
				d.alerted = true
			}
		}
		return
	}

	if d.alerted && d.telegram != nil {
		latest, err := d.svc.LatestSnapshot(ctx, 0)
		if err == nil {
			if err := d.telegram.SendRecovery(latest.Snapshot.SnapshotMeta, d.consecutiveFailures, time.Since(d.failingSince)); err != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", err)
			}
		}
	}
	d.consecutiveFailures = 0
	d.alerted = false
}

func (d *daemon) runMaintenance(ctx context.Context) {
	res, err := d.engine.Run(ctx, time.Now(), retention.RunOptions{Vacuum: d.cfg.Retention.Vacuum})
	if err != nil {
		logger.Error("Snapshot maintenance failed: %v", err)
		return
	}
	if d.cfg.Retention.Report && d.telegram != nil && res.TotalDeleted() > 0 {
		if err := d.telegram.SendMaintenanceReport(res); err != nil {
			logger.Warn("Failed to send maintenance report to Telegram: %v", err)
		}
	}
}
