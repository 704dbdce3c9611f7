package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"familymeal/api/internal/app"
	"familymeal/api/internal/blob"
	"familymeal/api/internal/config"
	"familymeal/api/internal/feed"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/search"
	"familymeal/api/internal/session"
	"familymeal/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	fatal := func(msg string, err error) {
		logger.Error(ctx, msg, "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	deps := app.Deps{Logger: logger}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("database connection failed", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db); err != nil {
			fatal("migrations failed", err)
		}
		deps.Store = store.NewPostgresStore(db)
	} else {
		logger.Warn(ctx, "DATABASE_URL not set, using in-memory store")
		deps.Store = store.NewMemoryStore()
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			fatal("redis connection failed", err)
		}
		defer redisStore.Close()
		logger.Info(ctx, "using redis for revocations and meal events")
		deps.Revocations = redisStore
		deps.Broker = feed.NewRedisBroker(redisStore.Client(), logger)
	} else {
		deps.Revocations = session.NewMemoryStore()
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		deps.Index = meiliClient
	}

	uploads, err := blob.NewUploads(blob.Config{
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		UseSSL:        cfg.S3UseSSL,
		PublicBaseURL: cfg.S3PublicBaseURL,
		URLTTL:        cfg.UploadURLTTL,
	})
	if err != nil {
		fatal("object storage setup failed", err)
	}
	deps.Uploads = uploads

	service := app.New(cfg, deps)
	defer service.Close()
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn(ctx, "bootstrap error (will retry on next restart)", "error", err)
	}

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	limiter := app.NewRateLimiter(cfg.ClientErrorWindow, cfg.ClientErrorMax)
	limiter.StartCleanup(limiterCtx, 10*time.Minute)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, limiter)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Zero so the meal event stream is not cut off; handlers bound
		// their own work through the request context.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "family meal API listening", "addr", cfg.Addr, "version", cfg.AppVersion)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown error", "error", err)
	}
}
