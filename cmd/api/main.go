package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/interpretation-engine/internal/adapters/http"
	"github.com/kirillkom/interpretation-engine/internal/bootstrap"
	"github.com/kirillkom/interpretation-engine/internal/config"
	"github.com/kirillkom/interpretation-engine/internal/observability/logging"
	"github.com/kirillkom/interpretation-engine/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Observers{
		Cache:      httpMetrics,
		Resilience: httpMetrics.Resilience(),
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if cfg.IngestQueueEnabled {
		go func() {
			slog.Info("ingest_queue_subscribed", "subject", cfg.NATSDocumentsSubject)
			if err := app.ConsumeDocuments(ctx, "api", nil); err != nil {
				slog.Error("ingest_queue_failed", "error", err)
			}
		}()
	}

	router := httpadapter.NewRouter(cfg, app.Ingest, app.Retrieval, app.Interpretations).
		WithStats(app.Stats).
		WithMetrics(httpMetrics).
		Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
