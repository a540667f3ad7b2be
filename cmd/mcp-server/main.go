// Command mcp-server exposes the pre-authorization tools to MCP clients over
// stdio, using the same SQLite database as server-lite.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/app"
	"github.com/prior-auth-server/internal/config"
	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/guidelines"
	"github.com/prior-auth-server/internal/mcp"
	"github.com/prior-auth-server/internal/storage"
)

func main() {
	cfg := config.LoadLiteConfig()

	// stdout carries the protocol, so logs go to stderr
	logger, err := config.NewLogger(cfg.Logging())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("MCP server stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.LiteConfig, logger *logrus.Logger) error {
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	llm, err := app.NewLLMClient(cfg.LLM(), logger)
	if err != nil {
		return err
	}

	components, err := app.Build(app.Settings{
		LLM:            cfg.LLM(),
		Pipeline:       domain.PipelineConfig{MaxConcurrency: cfg.MaxConcurrency},
		IndexCacheSize: cfg.CacheMaxItems,
	}, llm, app.Stores{Guidelines: store, Decisions: store.Decisions()}, nil, nil, logger)
	if err != nil {
		return err
	}

	err = app.StartGuidelineSync(ctx, domain.GuidelinesConfig{
		Directory:    cfg.GuidelinesDir,
		Watch:        cfg.Watch,
		Debounce:     guidelines.DefaultDebounce,
		OverwriteAll: true,
	}, store, components.Rules, logger)
	if err != nil {
		return err
	}

	server := mcp.NewServer(domain.MCPConfig{ServerName: "prior-auth-server"}, components.Service, logger)
	return server.Run(ctx)
}
