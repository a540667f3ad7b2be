// Command server runs the pre-authorization HTTP API backed by PostgreSQL
// and Redis.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/api"
	"github.com/prior-auth-server/internal/app"
	"github.com/prior-auth-server/internal/config"
	"github.com/prior-auth-server/internal/database"
	"github.com/prior-auth-server/internal/metrics"
	"github.com/prior-auth-server/internal/oracle"
	"github.com/prior-auth-server/internal/repository"
	"github.com/prior-auth-server/pkg/external"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configManager, logger); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, configManager *config.Manager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	guidelineRepo := repository.NewGuidelineRepository(db.Pool, logger)
	decisionRepo := repository.NewDecisionRepository(db.Pool, logger)

	var cache oracle.AnswerCache
	var cacheClient *external.CacheClient
	if cfg.Cache.Enabled {
		cacheClient, err = external.NewCacheClient(cfg.Cache)
		if err != nil {
			return err
		}
		defer cacheClient.Close()
		cache = cacheClient
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	llm, err := app.NewLLMClient(cfg.LLM, logger)
	if err != nil {
		return err
	}

	components, err := app.Build(app.Settings{
		LLM:            cfg.LLM,
		Pipeline:       cfg.Pipeline,
		IndexCacheSize: cfg.Cache.IndexCache,
		AnswerTTL:      cfg.Cache.DefaultTTL,
	}, llm, app.Stores{Guidelines: guidelineRepo, Decisions: decisionRepo}, cache, recorder, logger)
	if err != nil {
		return err
	}

	if err := app.StartGuidelineSync(ctx, cfg.Guidelines, guidelineRepo, components.Rules, logger); err != nil {
		return err
	}

	server := api.NewServer(cfg.Server, api.Dependencies{
		Service:    components.Service,
		Guidelines: guidelineRepo,
		Ingestion:  components.Ingestion,
		Checker:    components.Rules,
		Metrics:    recorder.Handler(),
		Health: func(ctx context.Context) error {
			if err := db.Health(ctx); err != nil {
				return err
			}
			if cacheClient != nil {
				return cacheClient.Ping(ctx)
			}
			return nil
		},
		Logger: logger,
	})

	logger.WithFields(logrus.Fields{
		"host":  cfg.Server.Host,
		"port":  cfg.Server.Port,
		"model": cfg.LLM.Model,
		"cache": cfg.Cache.Enabled,
	}).Info("Starting prior authorization server")

	return server.Start(ctx)
}
