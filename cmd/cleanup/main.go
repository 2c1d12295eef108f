package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/timmy/sitecreator/internal/canvas"
	"github.com/timmy/sitecreator/internal/config"
	"github.com/timmy/sitecreator/internal/logger"
	"github.com/timmy/sitecreator/internal/repository"
	"github.com/timmy/sitecreator/internal/service"
)

func main() {
	appLogger := logger.New(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	remoteIDs := flag.String("remote", "", "Comma separated remote course ids to delete")
	sourceIDs := flag.String("source", "", "Comma separated source course ids whose sites should be deleted")
	jobID := flag.String("job", "", "Delete every course site created by this job")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	flag.Parse()

	req := service.CleanupRequest{
		RemoteCourseIDs: splitFlag(*remoteIDs),
		SourceCourseIDs: splitFlag(*sourceIDs),
		JobID:           strings.TrimSpace(*jobID),
	}
	if err := req.Validate(); err != nil {
		flag.Usage()
		appLogger.WithError(err).Fatal("Invalid cleanup selection")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.SetComponent(ctx, "cleanup")

	// The job selector resolves remote ids from the item table
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	lms := canvas.NewClient(canvas.Config{
		BaseURL:        cfg.Canvas.BaseURL,
		Token:          cfg.Canvas.Token,
		Timeout:        cfg.Canvas.Timeout,
		PerPage:        cfg.Canvas.PerPage,
		RequestsPerSec: cfg.Canvas.RequestsPerSec,
		Burst:          cfg.Canvas.Burst,
	})
	retryCfg := service.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	retryCfg.CallTimeout = cfg.Dispatcher.CallTimeout
	retry := service.NewRetryPolicy(retryCfg, nil)
	budget := service.NewRateBudget(cfg.Dispatcher.RateTokens, cfg.Dispatcher.TokenAcquireTimeout, nil)

	tracker := service.NewTracker(repository.NewJobRepository(db), repository.NewItemRepository(db), nil)
	cleanup := service.NewCleanupService(lms, tracker, retry, budget)
	report, err := cleanup.Run(ctx, req)
	if err != nil {
		appLogger.WithError(err).Fatal("Cleanup failed")
	}

	logger.With(logger.Fields{
		"requested": report.Requested,
		"deleted":   report.Deleted,
		"not_found": report.NotFound,
		"errors":    len(report.Errors),
	}).Info(ctx, "Cleanup finished")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if len(report.Errors) > 0 {
		_ = logger.Sync()
		os.Exit(1)
	}
}

func splitFlag(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
