package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zulandar/citeline/internal/chat"
	"github.com/zulandar/citeline/internal/config"
	"github.com/zulandar/citeline/internal/db"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/janitor"
	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/observability"
	"github.com/zulandar/citeline/internal/ratelimit"
	"github.com/zulandar/citeline/internal/retrieval"
	"gorm.io/gorm"
)

// app holds the wired components shared by serve, ask and prune.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pipeline *retrieval.Pipeline
	engine   *generation.Engine
	chat     *chat.Service
	janitor  *janitor.Janitor
}

// connectFromConfig loads the config, sets up logging and opens the database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	observability.Setup(os.Stderr, cfg.Log.Level)

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// buildApp wires every component from cfg on top of an open database.
func buildApp(cfg *config.Config, gormDB *gorm.DB) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	counter, err := ratelimit.NewGormCounter(gormDB)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterOpts{
		Counter:    counter,
		UserLimit:  cfg.RateLimit.UserLimit,
		UserWindow: cfg.RateLimit.UserWindow,
		OrgLimit:   cfg.RateLimit.OrgLimit,
		OrgWindow:  cfg.RateLimit.OrgWindow,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	searcher, err := retrieval.NewSearchClient(retrieval.SearchClientOpts{
		BaseURL: cfg.Retrieval.BaseURL,
		APIKey:  cfg.Retrieval.APIKey,
		OAuth2:  cfg.Retrieval.OAuth2,
		Timeout: cfg.Retrieval.Timeout,
	})
	if err != nil {
		return nil, err
	}
	documents, err := retrieval.NewDocumentClient(retrieval.DocumentClientOpts{
		BaseURL: cfg.Documents.BaseURL,
		APIKey:  cfg.Retrieval.APIKey,
		OAuth2:  cfg.Retrieval.OAuth2,
		Timeout: cfg.Documents.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var store retrieval.CacheStore = retrieval.NopStore{}
	var cacheStore *retrieval.GormStore
	if !cfg.Retrieval.CacheDisabled {
		cacheStore, err = retrieval.NewGormStore(gormDB)
		if err != nil {
			return nil, err
		}
		store = cacheStore
	}
	cache := retrieval.NewCache(retrieval.CacheOpts{Store: store, TTL: cfg.Retrieval.CacheTTL, Metrics: m})

	pipeline, err := retrieval.NewPipeline(retrieval.PipelineOpts{
		Searcher:        searcher,
		Documents:       documents,
		Cache:           cache,
		MaxChunks:       cfg.Retrieval.MaxChunks,
		OverfetchFactor: cfg.Retrieval.OverfetchFactor,
		Rerank:          cfg.Retrieval.Rerank,
		PerDocumentCap:  cfg.Retrieval.PerDocumentCap,
		MinScore:        cfg.Retrieval.MinScore,
		Timeout:         cfg.Retrieval.Timeout,
		Metrics:         m,
	})
	if err != nil {
		return nil, err
	}

	engine, err := generation.NewEngine(generation.EngineOpts{
		Client:          generation.NewOpenAIClient(cfg.Generation.BaseURL, cfg.Generation.APIKey),
		DefaultModel:    cfg.Generation.DefaultModel,
		MaxTokens:       cfg.Generation.MaxTokens,
		Timeout:         cfg.Generation.Timeout,
		HistoryMessages: cfg.Generation.HistoryMessages,
		Metrics:         m,
	})
	if err != nil {
		return nil, err
	}

	svc, err := chat.NewService(chat.ServiceOpts{
		DB:              gormDB,
		Limiter:         limiter,
		Retriever:       pipeline,
		Generator:       engine,
		Metrics:         m,
		HistoryMessages: cfg.Generation.HistoryMessages,
		RetrieveTimeout: 2 * cfg.Retrieval.Timeout,
		GenerateTimeout: 2 * cfg.Generation.Timeout,
	})
	if err != nil {
		return nil, err
	}

	maxWindow := max(cfg.RateLimit.UserWindow, cfg.RateLimit.OrgWindow)
	tasks := []janitor.Task{{
		Name: "rate_limit_events",
		Run: func(ctx context.Context, now time.Time) (int64, error) {
			return counter.Prune(ctx, now, maxWindow)
		},
	}}
	if cacheStore != nil {
		tasks = append(tasks, janitor.Task{Name: "retrieval_cache", Run: cacheStore.Prune})
	}
	jan, err := janitor.New(janitor.Opts{Schedule: cfg.Janitor.Schedule, Tasks: tasks})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		db:       gormDB,
		registry: reg,
		metrics:  m,
		pipeline: pipeline,
		engine:   engine,
		chat:     svc,
		janitor:  jan,
	}, nil
}

// ping checks that the database answers.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
