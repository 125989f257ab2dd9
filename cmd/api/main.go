package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookmarked/rostercache/internal/api"
	"github.com/bookmarked/rostercache/internal/api/middleware"
	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/oneroster"
	"github.com/bookmarked/rostercache/internal/repository"
	"github.com/bookmarked/rostercache/internal/snapshot"
	"github.com/bookmarked/rostercache/internal/storage"
)

const version = "1.0.0"

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize audit database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sessionRepo := repository.NewFetchSessionRepository(db)

	// Initialize snapshot manager
	manager, err := snapshot.NewManager(cfg.Snapshot.BasePath, appLogger,
		snapshot.WithStaleAfter(time.Duration(cfg.Snapshot.LockStaleMinutes)*time.Minute))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize snapshot manager")
	}

	// Initialize upstream client
	client := oneroster.NewClient(&oneroster.ClientConfig{
		ManagementURL: cfg.ClassLink.ManagementURL,
		MgmtTimeout:   cfg.ClassLink.MgmtTimeout,
		RosterTimeout: cfg.ClassLink.RosterTimeout,
	}, appLogger)

	// Initialize optional snapshot archive storage
	var archiver *snapshot.Archiver
	if cfg.Archive.Enabled {
		objectStorage, err := storage.NewS3Storage(&storage.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize archive storage")
		}
		if err := objectStorage.EnsureBucket(context.Background()); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure archive bucket")
		}
		archiver = snapshot.NewArchiver(objectStorage, appLogger)
	}

	fetcher := snapshot.NewFetcher(manager, client, sessionRepo, archiver, &snapshot.FetcherConfig{
		PageSize:      cfg.Snapshot.PageSize,
		PageDelay:     cfg.Snapshot.PageDelay,
		FetchDeadline: cfg.Snapshot.FetchDeadline,
	}, appLogger)

	router := api.SetupRouter(api.RouterDeps{
		Manager:  manager,
		Fetcher:  fetcher,
		Client:   client,
		Sessions: sessionRepo,
		Log:      appLogger,
		Version:  version,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
	}, cfg.Server.Mode)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
