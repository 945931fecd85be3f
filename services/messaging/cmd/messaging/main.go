package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"threadline/internal/ratelimit"
	"threadline/internal/usertoken"
	"threadline/internal/util"
	"threadline/pkg/queue"
	"threadline/pkg/storage"
	"threadline/pkg/store"
	"threadline/services/messaging/internal/app"
	"threadline/services/messaging/internal/authclient"
	"threadline/services/messaging/internal/config"
	"threadline/services/messaging/internal/enrichclient"
	"threadline/services/messaging/internal/server"
)

const (
	defaultSendRateLimit    = 60
	defaultPurgeConcurrency = 2
	sweepBatchSize          = 100
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	durations, err := cfg.ParseDurations()
	if err != nil {
		util.Fatal("failed to parse durations", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	defer dataStore.Close()

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		util.Fatal("failed to init object store", "backend", cfg.ObjectStore, "err", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
	}

	purgeQueue, err := queue.NewRedisPurgeQueue(queue.RedisQueueConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		util.Fatal("failed to init purge queue", "err", err)
	}
	defer purgeQueue.Close()

	var enricher app.Enricher
	if c := enrichclient.NewClient(enrichclient.Config{URL: cfg.EnrichmentURL, Cache: rdb, CacheTTL: durations.EnrichmentCacheTTL}); c != nil {
		enricher = c
	}

	appCore, err := app.New(app.Config{
		Store:          dataStore,
		Objects:        objects,
		Purger:         app.NewQueuePurger(purgeQueue),
		Enricher:       enricher,
		SignedURLTTL:   durations.SignedURLTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxAttachments: cfg.MaxAttachments,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	concurrency := cfg.PurgeConcurrency
	if concurrency <= 0 {
		concurrency = defaultPurgeConcurrency
	}
	purgeQueue.Start(ctx, concurrency, func(ctx context.Context, job queue.PurgeJob) error {
		return appCore.PurgeObject(ctx, job.StorageKey)
	})
	if durations.BlobSweepInterval > 0 {
		go runSweeper(ctx, appCore, durations.BlobSweepInterval)
	}

	var tokenVerifier *usertoken.Verifier
	if cfg.AuthJWKSURL != "" {
		tokenVerifier, err = usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     durations.JWTLeeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal("failed to init jwks verifier", "err", err)
		}
	}

	sendLimit := cfg.SendRateLimitPerMinute
	if sendLimit <= 0 {
		sendLimit = defaultSendRateLimit
	}
	sendLimiter, err := ratelimit.NewFixedWindowLimiter(rdb, "threadline:messaging:ratelimit:send", sendLimit, time.Minute)
	if err != nil {
		util.Fatal("failed to init send limiter", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Auth:           authclient.NewClient(cfg.AuthServiceURL),
		TokenVerifier:  tokenVerifier,
		SendLimiter:    sendLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("messaging server listening", "addr", addr, "object_store", cfg.ObjectStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	slog.Info("messaging server stopped")
}

func newObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ObjectStore {
	case "gcs":
		return storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
	default:
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
	}
}

func runSweeper(ctx context.Context, appCore *app.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := appCore.SweepBlobs(ctx, sweepBatchSize)
			if err != nil {
				slog.Warn("blob sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("blob sweep collected", "blobs", n)
			}
		}
	}
}
