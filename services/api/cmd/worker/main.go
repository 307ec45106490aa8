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

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"lexcomply/internal/metrics"
	"lexcomply/internal/util"
	"lexcomply/services/api/internal/app"
	"lexcomply/services/api/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.QueueDriver == "memory" {
		log.Fatalf("worker needs a shared queue: set queueDriver to redis or rabbitmq")
	}

	logger := util.InitLogger(cfg.LogLevel, "worker")

	appCore, err := app.New(app.ConfigFromFile(cfg))
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCore.StartWorkers(ctx, cfg.WorkerConcurrency)
	slog.Info("analysis workers started", "queue", cfg.QueueDriver, "concurrency", cfg.WorkerConcurrency)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		slog.Info("worker probe listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	appCore.WaitWorkers()
	slog.Info("worker stopped")
}
