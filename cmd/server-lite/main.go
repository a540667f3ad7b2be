// Command server-lite runs the pre-authorization HTTP API on a local SQLite
// database. It needs no services besides the language model provider.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/api"
	"github.com/prior-auth-server/internal/app"
	"github.com/prior-auth-server/internal/config"
	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/guidelines"
	"github.com/prior-auth-server/internal/metrics"
	"github.com/prior-auth-server/internal/storage"
)

func main() {
	cfg := config.LoadLiteConfig()

	logger, err := config.NewLogger(cfg.Logging())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server stopped")
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

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	llm, err := app.NewLLMClient(cfg.LLM(), logger)
	if err != nil {
		return err
	}

	components, err := app.Build(app.Settings{
		LLM:            cfg.LLM(),
		Pipeline:       domain.PipelineConfig{MaxConcurrency: cfg.MaxConcurrency},
		IndexCacheSize: cfg.CacheMaxItems,
	}, llm, app.Stores{Guidelines: store, Decisions: store.Decisions()}, nil, recorder, logger)
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

	server := api.NewServer(domain.ServerConfig{
		Port:           cfg.HTTPPort,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: cfg.RequestTimeout,
		MaxUploadBytes: 20 << 20,
	}, api.Dependencies{
		Service:    components.Service,
		Guidelines: store,
		Ingestion:  components.Ingestion,
		Checker:    components.Rules,
		Metrics:    recorder.Handler(),
		Logger:     logger,
	})

	logger.WithFields(logrus.Fields{
		"port":     cfg.HTTPPort,
		"data_dir": cfg.DataDir,
		"model":    cfg.LLMModel,
	}).Info("Starting prior authorization server (lite)")

	return server.Start(ctx)
}
