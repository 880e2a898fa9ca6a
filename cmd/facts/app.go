package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eliranbeatt/studio-facts/internal/config"
	"github.com/eliranbeatt/studio-facts/internal/dedup"
	"github.com/eliranbeatt/studio-facts/internal/embed"
	"github.com/eliranbeatt/studio-facts/internal/extract"
	"github.com/eliranbeatt/studio-facts/internal/lifecycle"
	"github.com/eliranbeatt/studio-facts/internal/llm"
	"github.com/eliranbeatt/studio-facts/internal/pipeline"
	"github.com/eliranbeatt/studio-facts/internal/schedule"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type modelMode int

const (
	modelsNone     modelMode = iota // store-only commands
	modelsOptional                  // use models when configured, warn otherwise
	modelsRequired
)

// app is the wired pipeline for one command invocation.
type app struct {
	cfg          config.ResolvedConfig
	logger       *zap.Logger
	store        *store.SQLiteStore
	service      *lifecycle.Service
	orchestrator *pipeline.Orchestrator // nil without models
	pool         *schedule.Pool         // nil without models
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Wait()
	}
	a.store.Close()
	_ = a.logger.Sync()
}

func newApp(ctx context.Context, mode modelMode) (*app, error) {
	logger, err := newLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: cfgFile,
		CLILLM:     llmFlag,
		CLIEmbed:   embedFlag,
		CLIDBPath:  dbPath,
		CLIWorkers: workersFlag,
	})
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	s, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: s}

	if mode == modelsNone {
		a.service = lifecycle.NewService(s, nil, nil, policy, logger)
		return a, nil
	}

	m, err := buildModels(cfg, logger)
	if err != nil {
		if mode == modelsRequired {
			s.Close()
			return nil, err
		}
		logger.Warn("models unavailable; edits will not be re-embedded", zap.Error(err))
		a.service = lifecycle.NewService(s, nil, nil, policy, logger)
		return a, nil
	}

	workers, err := cfg.Workers.Int(4)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("workers: %w", err)
	}
	chunkSize, err := cfg.ChunkSize.Int(0)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("chunk size: %w", err)
	}
	overlap, err := cfg.ChunkOverlap.Int(0)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("chunk overlap: %w", err)
	}

	engine := dedup.NewEngine(s, m.embedder, m.judge, m.embedName, policy, logger)
	a.pool = schedule.NewPool(context.WithoutCancel(ctx), schedule.Options{
		Workers: workers,
		Backoff: 2 * time.Second,
	}, logger)
	a.service = lifecycle.NewService(s, engine, m.embedder, policy, logger)
	a.orchestrator = pipeline.NewOrchestrator(s,
		extract.NewExtractor(m.extractor, extract.Options{}, logger),
		engine, a.pool,
		pipeline.Config{ChunkSize: chunkSize, ChunkOverlap: overlap, Policy: policy},
		logger,
	)
	return a, nil
}

type models struct {
	extractor llm.Provider
	judge     llm.Provider
	embedder  embed.Embedder
	embedName string
}

func buildModels(cfg config.ResolvedConfig, logger *zap.Logger) (*models, error) {
	rps, err := cfg.RateLimit.Float(0)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	// One limiter covers every outbound model call.
	limiter := rate.NewLimiter(limit, 1)

	extractor, err := newLLM(cfg, cfg.LLM.Value)
	if err != nil {
		return nil, fmt.Errorf("extraction model: %w", err)
	}
	judge, err := newLLM(cfg, cfg.EffectiveJudgeModel().Value)
	if err != nil {
		return nil, fmt.Errorf("judge model: %w", err)
	}

	embedSpec := cfg.EmbedProvider.Value
	if embedSpec == "" {
		embedSpec = embed.DefaultEmbed
	}
	ec, err := embed.ParseEmbedFlag(embedSpec)
	if err != nil {
		return nil, err
	}
	if cfg.EmbedEndpoint.Value != "" {
		ec.BaseURL = cfg.EmbedEndpoint.Value
	}
	if cfg.EmbedAPIKey.Value != "" {
		ec.APIKey = cfg.EmbedAPIKey.Value
	} else if ec.APIKey == "" {
		ec.APIKey = cfg.APIKeyForProvider(ec.Provider).Value
	}
	client, err := embed.NewClient(ec)
	if err != nil {
		return nil, fmt.Errorf("embedding model: %w", err)
	}

	logger.Debug("models configured",
		zap.String("llm", extractor.Name()),
		zap.String("judge", judge.Name()),
		zap.String("embed", client.Name()),
		zap.Float64("rate_limit", rps),
	)
	return &models{
		extractor: llm.NewLimited(extractor, limiter),
		judge:     llm.NewLimited(judge, limiter),
		embedder:  embed.NewLimited(embed.NewCached(client, 30*time.Minute), limiter),
		embedName: client.Name(),
	}, nil
}

func newLLM(cfg config.ResolvedConfig, spec string) (llm.Provider, error) {
	pc, err := llm.ParseLLMFlag(spec)
	if err != nil {
		return nil, err
	}
	pc.APIKey = cfg.APIKeyForProvider(pc.Provider).Value
	return llm.NewProvider(pc)
}

// newLogger writes to stderr so stdout stays free for command output and
// the MCP stdio transport.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zc.Build()
}
