package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"microwins/internal/config"
	"microwins/internal/domain/ports/adapter"
	"microwins/internal/domain/ports/repository"
	"microwins/internal/infra/adapters/llm"
	"microwins/internal/infra/db/postgres"
	"microwins/internal/infra/db/sqlite"
	"microwins/internal/infra/logging"
	"microwins/internal/infra/metrics"
	"microwins/internal/infra/notify"
	red "microwins/internal/infra/redis"
	"microwins/internal/infra/sched"
	"microwins/internal/infra/tracing"
	"microwins/internal/infra/worker"
	"microwins/internal/usecase"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg     *config.Config
	log     *zerolog.Logger
	goals   repository.GoalRepository
	queue   repository.JobQueue
	redis   *red.Client
	health  func(ctx context.Context) error
	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	a := &app{cfg: cfg, log: log}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, version, log)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	})

	var ping func(context.Context) error
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Database.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		// the local profile migrates on boot
		if err := sqlite.Migrate(ctx, db); err != nil {
			a.close()
			return nil, err
		}
		a.goals = sqlite.NewGoalRepo(db)
		a.queue = sqlite.NewJobQueue(db, cfg.Worker.VisibilityTimeout)
		ping = db.PingContext
	default:
		pool, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		tm := postgres.NewTxManager(pool)
		a.goals = postgres.NewGoalRepo(pool, tm)
		a.queue = postgres.NewJobQueue(pool, tm, cfg.Worker.VisibilityTimeout)
		ping = pool.Ping
		go postgres.ReportPoolStats(ctx, pool, 15*time.Second)
	}

	rc, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.redis = rc
	a.closers = append(a.closers, func() { _ = rc.Close() })

	a.health = func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
	log.Info().Str("db", cfg.Database.Driver).Str("llm", cfg.LLM.Provider).Str("version", version).Msg("dependencies ready")
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) rateLimiter() *red.RateLimiter { return red.NewRateLimiter(a.redis) }

func (a *app) stepCache() *red.StepCache {
	if !a.cfg.LLM.Cache.Enabled {
		return nil
	}
	return red.NewStepCache(a.redis, a.cfg.LLM.Cache.TTL)
}

func (a *app) goalUseCase() usecase.GoalUseCase {
	var inv usecase.CacheInvalidator
	if c := a.stepCache(); c != nil {
		inv = c
	}
	return usecase.NewGoalUseCase(a.goals, a.queue, inv, usecase.GoalConfig{
		TargetSteps:      a.cfg.Decomposition.TargetSteps,
		MaxActivePerUser: a.cfg.MaxActiveGoals(),
		CacheKey:         llm.CacheKey,
	}, a.log)
}

func (a *app) decompositionUseCase(ctx context.Context) (usecase.DecompositionUseCase, error) {
	gen, err := a.stepGenerator(ctx)
	if err != nil {
		return nil, err
	}
	d := a.cfg.Decomposition
	return usecase.NewDecompositionUseCase(
		a.goals,
		a.queue,
		red.NewGoalLeaser(a.redis),
		red.NewUserSlots(a.redis),
		gen,
		notify.New(a.cfg.Notify.WebhookURL, a.cfg.Notify.Timeout, a.log),
		usecase.DecompositionConfig{
			MaxAttempts:        d.MaxAttempts,
			LeaseTTL:           d.LeaseTTL,
			RetryBaseDelay:     d.RetryBaseDelay,
			RetryMaxDelay:      d.RetryMaxDelay,
			PerUserConcurrency: d.PerUserConcurrency,
			DeferDelay:         d.DeferDelay,
			CacheKey:           llm.CacheKey,
		},
		a.log,
	), nil
}

func (a *app) stepGenerator(ctx context.Context) (adapter.StepGenerator, error) {
	c := a.cfg.LLM
	providers := map[string]adapter.LLMProvider{}
	modelFor := func(p string) string {
		if strings.EqualFold(c.Provider, p) {
			return c.Model
		}
		return ""
	}

	if c.OpenAIKey != "" {
		p, err := llm.NewOpenAIAdapter(c.OpenAIKey, c.OpenAIBaseURL, modelFor(llm.ProviderOpenAI))
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		providers[llm.ProviderOpenAI] = p
	}
	if c.GeminiKey != "" {
		p, err := llm.NewGeminiAdapter(ctx, c.GeminiKey, modelFor(llm.ProviderGemini))
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		providers[llm.ProviderGemini] = p
	}
	if c.AnthropicKey != "" {
		p, err := llm.NewAnthropicAdapter(c.AnthropicKey, modelFor(llm.ProviderAnthropic))
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		providers[llm.ProviderAnthropic] = p
	}
	if strings.EqualFold(c.Provider, llm.ProviderFake) {
		providers[llm.ProviderFake] = llm.NewFakeAdapter(llm.FakeOK, 0)
	}
	if _, ok := providers[strings.ToLower(c.Provider)]; !ok {
		return nil, fmt.Errorf("llm.provider %q has no credentials configured", c.Provider)
	}

	router := llm.NewRouter(c.Provider, providers, c.Models)
	var gen adapter.StepGenerator = llm.NewGenerator(llm.NewLimited(router, c.ConcurrentLimit), llm.GeneratorConfig{
		Model:       c.Model,
		Timeout:     c.Timeout,
		MaxRetries:  c.MaxRetries,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}, a.log)
	if cache := a.stepCache(); cache != nil {
		gen = llm.NewCachedGenerator(gen, cache, a.log)
	}
	return gen, nil
}

// startWorkers launches the dispatcher, its pool and the lease sweeper on g.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group) error {
	uc, err := a.decompositionUseCase(ctx)
	if err != nil {
		return err
	}
	pool := worker.NewPool(a.cfg.Worker.Concurrency, a.log)
	pool.Start(ctx)
	dispatcher := worker.NewDispatcher(a.queue, uc, pool, a.cfg.Worker.PollInterval, a.log)

	// a goal requeued for retry sits in queued until its delayed job is due;
	// the sweeper must not treat it as orphaned before then
	grace := max(a.cfg.Sweeper.QueuedGrace, a.cfg.Decomposition.RetryMaxDelay+a.cfg.Worker.PollInterval)
	sweeper := sched.NewLeaseSweeper(a.cfg.Sweeper.Interval, grace, a.cfg.Sweeper.BatchSize, a.goals, a.queue, a.log)

	g.Go(func() error {
		defer pool.Stop()
		return dispatcher.Run(ctx)
	})
	g.Go(func() error { return sweeper.Run(ctx) })
	return nil
}
