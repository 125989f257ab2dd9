package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/oneroster"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/snapshot"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "rostercache-snapshot",
	})
	logger.SetDefaultLogger(appLogger)

	districtID := flag.Int("district", 0, "District id to snapshot")
	appID := flag.String("app-id", "", "ClassLink application id for the district")
	date := flag.String("date", "", "Snapshot date (YYYY-MM-DD, defaults to today)")
	cleanup := flag.Bool("cleanup", false, "Remove snapshots older than the retention window instead of fetching")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	if *districtID <= 0 {
		appLogger.Fatal("--district is required")
	}

	manager, err := snapshot.NewManager(cfg.Snapshot.BasePath, appLogger,
		snapshot.WithStaleAfter(time.Duration(cfg.Snapshot.LockStaleMinutes)*time.Minute))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize snapshot manager")
	}

	if *cleanup {
		removed, err := manager.CleanupOld(*districtID, cfg.Snapshot.RetentionDays)
		if err != nil {
			appLogger.WithError(err).Fatal("Cleanup failed")
		}
		appLogger.WithFields(logger.Fields{
			logger.FieldDistrictID: *districtID,
			"removed":              removed,
		}).Info("Cleanup completed")
		return
	}

	if *appID == "" {
		appLogger.Fatal("--app-id is required")
	}
	bearerToken := cfg.ClassLink.BearerToken
	if bearerToken == "" {
		appLogger.Fatal("CLASSLINK_API_KEY is required")
	}

	// Audit database is optional for one-shot builds
	var sessions snapshot.SessionRecorder
	if db, err := repository.InitDB(&cfg.Database); err != nil {
		appLogger.WithError(err).Warn("Audit database unavailable, continuing without session records")
	} else {
		sessions = repository.NewFetchSessionRepository(db)
	}

	client := oneroster.NewClient(&oneroster.ClientConfig{
		ManagementURL: cfg.ClassLink.ManagementURL,
		MgmtTimeout:   cfg.ClassLink.MgmtTimeout,
		RosterTimeout: cfg.ClassLink.RosterTimeout,
	}, appLogger)

	fetcher := snapshot.NewFetcher(manager, client, sessions, nil, &snapshot.FetcherConfig{
		PageSize:      cfg.Snapshot.PageSize,
		PageDelay:     cfg.Snapshot.PageDelay,
		FetchDeadline: cfg.Snapshot.FetchDeadline,
	}, appLogger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Snapshot.FetchDeadline)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	if err := fetcher.CreateSnapshot(ctx, snapshot.FetchParams{
		DistrictID:  *districtID,
		BearerToken: bearerToken,
		AppID:       *appID,
		Date:        *date,
	}); err != nil {
		appLogger.WithError(err).Fatal("Snapshot build failed")
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldDistrictID: *districtID,
	}).Info("Snapshot build completed")
}
