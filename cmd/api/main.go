package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/sitecreator/internal/api"
	"github.com/timmy/sitecreator/internal/canvas"
	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/metrics"
	"github.com/timmy/sitecreator/internal/notify"
	"github.com/timmy/sitecreator/internal/repository"
	"github.com/timmy/sitecreator/internal/service"
	"github.com/timmy/sitecreator/internal/storage"
)

func main() {
	// Initialize logger first so config errors are logged in the same format
	appLogger := logger.New(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	if err := run(cfg); err != nil {
		appLogger.WithError(err).Error("Server exited with error")
		_ = logger.Sync()
		os.Exit(1)
	}
	appLogger.Info("Server exited")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.SetComponent(ctx, "main")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var rec metrics.Recorder = metrics.NopRecorder{}
	var promRec *metrics.PrometheusRecorder
	if cfg.Metrics.Enabled {
		promRec = metrics.NewPrometheusRecorder()
		rec = promRec
	}

	// Remote LMS
	lms := canvas.NewClient(canvas.Config{
		BaseURL:        cfg.Canvas.BaseURL,
		Token:          cfg.Canvas.Token,
		Timeout:        cfg.Canvas.Timeout,
		PerPage:        cfg.Canvas.PerPage,
		RequestsPerSec: cfg.Canvas.RequestsPerSec,
		Burst:          cfg.Canvas.Burst,
	})

	sender, err := notify.New(cfg.Notification)
	if err != nil {
		return fmt.Errorf("initialize notifier: %w", err)
	}
	defer sender.Close()

	// Report archive (S3, R2 or any S3-compatible store); optional
	reports, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if s3, ok := reports.(*storage.S3Storage); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure storage bucket: %w", err)
		}
	}

	jobRepo := repository.NewJobRepository(db)
	itemRepo := repository.NewItemRepository(db)

	retry := service.NewRetryPolicy(service.RetryConfig{
		MaxAttempts:            cfg.Retry.MaxAttempts,
		RateLimitedMaxAttempts: cfg.Retry.RateLimitedMaxAttempts,
		InitialInterval:        cfg.Retry.InitialInterval,
		MaxInterval:            cfg.Retry.MaxInterval,
		Multiplier:             cfg.Retry.Multiplier,
		RandomizationFactor:    service.DefaultRetryConfig().RandomizationFactor,
		RateLimitCooldown:      cfg.Retry.RateLimitCooldown,
		MaxRetryAfter:          cfg.Retry.MaxRetryAfter,
		CallTimeout:            cfg.Dispatcher.CallTimeout,
		CallSites:              cfg.Retry.CallSites,
	}, rec)
	budget := service.NewRateBudget(cfg.Dispatcher.RateTokens, cfg.Dispatcher.TokenAcquireTimeout, rec)
	tracker := service.NewTracker(jobRepo, itemRepo, rec)

	finalizerCfg := service.DefaultFinalizerConfig()
	overrideString(&finalizerCfg.Subject, cfg.Notification.Subject)
	overrideString(&finalizerCfg.Body, cfg.Notification.Body)
	overrideString(&finalizerCfg.FailedSuffix, cfg.Notification.FailedSuffix)
	overrideString(&finalizerCfg.ItemSuccessSubject, cfg.Notification.ItemSuccessSubj)
	overrideString(&finalizerCfg.ItemFailureSubject, cfg.Notification.ItemFailureSubj)
	overrideString(&finalizerCfg.ReportPrefix, cfg.Storage.Prefix)

	finalizer := service.NewFinalizer(
		tracker,
		sender,
		service.DomainRecipients{Domain: cfg.Notification.RecipientDomain},
		retry,
		reports,
		rec,
		finalizerCfg,
	)
	machine := service.NewItemMachine(tracker, lms, retry, budget, finalizer, rec, service.MachineConfig{
		PollInterval: cfg.Dispatcher.PollInterval,
		ItemTimeout:  cfg.Dispatcher.ItemTimeout,
	})
	dispatcher := service.NewDispatcher(tracker, machine, finalizer, rec, service.DispatcherConfig{
		Workers:          cfg.Dispatcher.Workers,
		IdlePollInterval: cfg.Dispatcher.IdlePollInterval,
		StaleAfter:       cfg.Dispatcher.StaleAfter,
		RecoveryAction:   cfg.Dispatcher.RecoveryAction,
		SweepInterval:    cfg.Dispatcher.SweepInterval,
		LongRunningAfter: cfg.Dispatcher.LongRunningAfter,
	})
	jobService := service.NewJobService(jobRepo, itemRepo, tracker, finalizer, dispatcher)
	cleanupService := service.NewCleanupService(lms, tracker, retry, budget)

	// Jobs left in setup by a previous process
	resumed, err := jobService.ResumeSetup(ctx)
	if err != nil {
		return fmt.Errorf("resume jobs left in setup: %w", err)
	}
	if resumed > 0 {
		logger.With(logger.Fields{}).WithCount(resumed).Info(ctx, "Resumed jobs left in setup")
	}

	deps := api.RouterDeps{
		Jobs:      jobService,
		Tracker:   tracker,
		Canceller: dispatcher,
		Cleanup:   cleanupService,
		Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if promRec != nil {
		deps.Metrics = promRec.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}
	router := api.SetupRouter(deps, cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		logger.With(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"workers": cfg.Dispatcher.Workers,
		}).Info(ctx, "Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.CtxInfo(ctx, "Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
