// Package app assembles the pre-authorization components shared by the
// server binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/guidelines"
	"github.com/prior-auth-server/internal/oracle"
	"github.com/prior-auth-server/internal/retrieval"
	"github.com/prior-auth-server/internal/service"
	"github.com/prior-auth-server/pkg/external"
)

// ErrMissingAPIKey is returned when no language model key is configured
var ErrMissingAPIKey = errors.New("LLM API key is not set (ANTHROPIC_API_KEY or PRIOR_AUTH_LLM_API_KEY)")

// Settings are the tunables Build needs
type Settings struct {
	LLM            domain.LLMConfig
	Pipeline       domain.PipelineConfig
	IndexCacheSize int
	AnswerTTL      time.Duration
}

// Stores are the persistence backends
type Stores struct {
	Guidelines domain.GuidelineStore
	Decisions  domain.DecisionStore
}

// Components are the assembled services
type Components struct {
	LLM       external.LLMClient
	Indexer   *retrieval.Indexer
	Rules     *oracle.RuleOracle
	Oracle    domain.Oracle
	Service   *service.PreAuthorizationService
	Ingestion *service.GuidelineIngestion
}

// NewLLMClient creates the Anthropic client behind the rate limiter and
// circuit breaker
func NewLLMClient(cfg domain.LLMConfig, logger *logrus.Logger) (external.LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	breaker := external.DefaultCircuitBreakerConfig("anthropic")
	if cfg.MaxFailures > 0 {
		breaker.MinRequests = cfg.MaxFailures
	}
	if cfg.BreakerWindow > 0 {
		breaker.Interval = cfg.BreakerWindow
	}

	client := external.NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	return external.NewResilientLLMClient(client, breaker, cfg.RateLimit, cfg.Burst, cfg.Timeout, logger), nil
}

// Build wires the oracle chain, indexer, evaluator and services. A nil
// cache disables answer caching and a nil recorder disables metrics.
func Build(settings Settings, llm external.LLMClient, stores Stores, cache oracle.AnswerCache, recorder service.Recorder, logger *logrus.Logger) (*Components, error) {
	indexer, err := retrieval.NewIndexer(llm, retrieval.Options{
		ChunkSize: settings.Pipeline.ChunkSize,
		TopK:      settings.Pipeline.TopK,
		CacheSize: settings.IndexCacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	rules, err := oracle.NewRuleOracle(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule oracle: %w", err)
	}

	var answers domain.Oracle = oracle.NewChainOracle(rules, oracle.NewLLMOracle(logger))
	if cache != nil {
		answers = oracle.NewCachedOracle(answers, cache, settings.AnswerTTL, logger)
	}

	evaluator := service.NewEvaluator(answers, logger, recorder, settings.Pipeline.MaxConcurrency)

	return &Components{
		LLM:       llm,
		Indexer:   indexer,
		Rules:     rules,
		Oracle:    answers,
		Service:   service.NewPreAuthorizationService(indexer, stores.Guidelines, stores.Decisions, evaluator, logger, recorder),
		Ingestion: service.NewGuidelineIngestion(llm, stores.Guidelines, logger),
	}, nil
}

// StartGuidelineSync loads the guideline directory once, then keeps it in
// sync in the background with the watcher and the resync schedule when they
// are configured. It does nothing when no directory is set.
func StartGuidelineSync(ctx context.Context, cfg domain.GuidelinesConfig, store domain.GuidelineStore, checker guidelines.ExpressionChecker, logger *logrus.Logger) error {
	if cfg.Directory == "" {
		return nil
	}

	loader := guidelines.NewLoader(cfg.Directory, store, checker, cfg.OverwriteAll, logger)
	if _, err := loader.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load guideline directory: %w", err)
	}

	if cfg.Watch {
		watcher := guidelines.NewWatcher(loader, cfg.Debounce, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("Guideline watcher stopped")
			}
		}()
	}

	if cfg.ResyncCron != "" {
		if err := guidelines.NewScheduler(loader, cfg.ResyncCron, logger).Start(ctx); err != nil {
			return err
		}
	}

	return nil
}
