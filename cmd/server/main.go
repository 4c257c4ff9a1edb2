package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vanish/internal/logging"
	"vanish/internal/server/api"
	"vanish/internal/server/blob"
	"vanish/internal/server/config"
	"vanish/internal/server/database"
	"vanish/internal/server/service"
	"vanish/internal/server/tokens"
)

func main() {
	// Load config
	cfg := config.Load()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"blob_backend", cfg.BlobBackend,
		"share_backend", cfg.ShareBackend,
		"deaddrop_enabled", cfg.DeadDropEnabled,
		"max_file_size", cfg.MaxFileSize,
		"default_expiry", cfg.DefaultExpiry,
	)

	ctx := context.Background()

	// Initialize blob storage
	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize blob storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "backend", cfg.BlobBackend)
	checks := []api.HealthCheck{{Name: "blob_store", Check: blobs.Ping}}

	// Connect to database
	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database migrations complete")
		checks = append(checks, api.HealthCheck{Name: "database", Check: db.HealthCheck})
	} else {
		slog.Warn("DATABASE_URL not set, dead drop and database shares are unavailable")
	}

	// Download tokens live in Postgres unless Redis is configured
	var tokenStore service.TokenStore
	if db != nil {
		tokenStore = database.NewTokenRepository(db)
	}
	if cfg.RedisURL != "" {
		client, err := tokens.Connect(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		tokenStore = tokens.NewRedisStore(client)
		checks = append(checks, api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		slog.Info("download tokens stored in redis")
	}

	// Dead drop and its cleanup loop
	var (
		deadDrop *service.DeadDropService
		cleanup  *service.CleanupService
	)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	if cfg.DeadDropEnabled && db != nil {
		sessions := database.NewSessionRepository(db)
		deadDrop = service.NewDeadDropService(database.NewFileRepository(db), sessions, tokenStore, blobs, service.DeadDropConfig{
			BaseURL:       cfg.BaseURL,
			MaxFileSize:   cfg.MaxFileSize,
			DefaultExpiry: cfg.DefaultExpiry,
			MaxExpiry:     cfg.MaxExpiry,
			TokenTTL:      cfg.TokenTTL,
			SessionTTL:    cfg.SessionTTL,
		})

		cleanup = service.NewCleanupService(sessions, tokenStore, blobs, cfg.CleanupInterval)
		cleanup.Start(cleanupCtx)
	}

	// Shares
	shareBackend := newShareBackend(cfg, blobs, db)
	shares := service.NewShareService(shareBackend, blobs, service.ShareConfig{
		BaseURL:       cfg.BaseURL,
		MaxContent:    cfg.MaxShareContent,
		MaxImage:      cfg.MaxShareImage,
		DefaultExpiry: cfg.DefaultExpiry,
		MaxExpiry:     cfg.MaxExpiry,
	})

	// Setup HTTP router
	handler := api.NewHandler(deadDrop, shares, cfg.IsProduction(), checks...)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	if cleanup != nil {
		cleanupCancel()
		cleanup.Wait()
	}

	slog.Info("server exited cleanly")
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendS3:
		store, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BlobBackendFS:
		store := blob.NewFileSystemStore(cfg.BlobPath)
		if err := store.EnsureDir(); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}
}

// newShareBackend returns nil when the configured backend cannot be used,
// which makes share requests fail as misconfigured.
func newShareBackend(cfg *config.Config, blobs blob.Store, db *database.DB) service.ShareBackend {
	switch cfg.ShareBackend {
	case config.ShareBackendBlob:
		return service.NewBlobShareBackend(blobs)
	case config.ShareBackendDatabase:
		if db == nil {
			slog.Error("SHARE_BACKEND=database requires DATABASE_URL")
			return nil
		}
		return service.NewDatabaseShareBackend(database.NewShareRepository(db))
	default:
		slog.Error("unknown SHARE_BACKEND", "value", cfg.ShareBackend)
		return nil
	}
}
