package main

import (
	"context"
	"log/slog"
	"os"

	mcpadapter "github.com/kirillkom/interpretation-engine/internal/adapters/mcp"
	"github.com/kirillkom/interpretation-engine/internal/bootstrap"
	"github.com/kirillkom/interpretation-engine/internal/config"
	"github.com/kirillkom/interpretation-engine/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol, so logs go to stderr.
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel))

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Observers{})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	server := mcpadapter.New(app.Ingest, app.Retrieval, app.Interpretations, cfg.RetrievalTopK)
	if err := server.ServeStdio(); err != nil {
		slog.Error("mcp_server_failed", "error", err)
	}
}
