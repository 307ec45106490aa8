package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"lexcomply/internal/ratelimit"
	"lexcomply/internal/usertoken"
	"lexcomply/internal/util"
	"lexcomply/services/api/internal/app"
	"lexcomply/services/api/internal/config"
	"lexcomply/services/api/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "api")

	var revoker usertoken.Revoker = usertoken.NewMemoryRevoker()
	if cfg.RedisAddr != "" {
		revoker = usertoken.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
		Revoker:  revoker,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "lexcomply:ratelimit", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		defer limiter.Close()
	} else {
		logger.Warn("rate limiting disabled", "reason", "redisAddr not set")
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trusted proxies: %v", err)
	}

	appCore, err := app.New(app.ConfigFromFile(cfg))
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:                appCore,
		TokenVerifier:      verifier,
		Limiter:            limiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies:     trusted,
		MaxUploadBytes:     int64(cfg.MaxFilesPerUpload)*cfg.MaxFileBytes + (1 << 20),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.QueueDriver == "memory" || cfg.EmbeddedWorker {
		appCore.StartWorkers(workerCtx, cfg.WorkerConcurrency)
		slog.Info("analysis workers started", "queue", cfg.QueueDriver, "concurrency", cfg.WorkerConcurrency)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}

	stopWorkers()
	appCore.WaitWorkers()
	slog.Info("server stopped")
}
