package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"InboxDigest/internal/classifier"
	"InboxDigest/internal/config"
	"InboxDigest/internal/digest"
	"InboxDigest/internal/domain"
	"InboxDigest/internal/infrastructure/httpserver"
	"InboxDigest/internal/infrastructure/llm"
	"InboxDigest/internal/infrastructure/ml"
	"InboxDigest/internal/infrastructure/parser"
	"InboxDigest/internal/infrastructure/publisher"
	"InboxDigest/internal/infrastructure/resolver"
	"InboxDigest/internal/infrastructure/scheduler"
	"InboxDigest/internal/infrastructure/sensors"
	"InboxDigest/internal/infrastructure/storage"
	"InboxDigest/internal/infrastructure/telegram"
	"InboxDigest/internal/logging"
	"InboxDigest/internal/ports"
	"InboxDigest/internal/resilience"
	"InboxDigest/internal/scanner"
	"InboxDigest/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

// ErrStore marks a failure to open or migrate the store. It is the only fatal startup error.
var ErrStore = errors.New("store initialisation failed")

// Options are per-invocation switches that do not live in the config file.
type Options struct {
	// Deliver requests delivery for this invocation; delivery.enabled must also be set.
	Deliver bool
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	repo      *storage.Repository
	pipeline  *usecase.Pipeline
	cron      *scheduler.CronScheduler
	scheduler *usecase.Scheduler
	releasers []ports.Releaser
}

// Status is what the status command prints.
type Status struct {
	Stats   domain.RepositoryStats
	NextRun time.Time
}

// New builds a runnable application. Only a store failure is returned as ErrStore; optional
// adapters that cannot be built are logged and left out.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger, opts Options) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	repo, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		BusyTimeout: cfg.Database.BusyTimeout,
	}, baseLogger.With("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	a := &Application{cfg: cfg, logger: baseLogger, repo: repo}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewPortalScanner(nil, baseLogger.With("component", "scanner.portal")))
	registry.Register(parser.NewFeedScanner(nil, baseLogger.With("component", "scanner.feed")))

	sources, err := parser.NewStrategySource(registry, cfg.Sources, baseLogger.With("component", "source")).Sources()
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("sources: %w", err)
	}

	retry := resilience.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Retryable:   domain.Retryable,
	}

	deps := usecase.PipelineDeps{
		Sources:    sources,
		Repository: repo,
		Logger:     baseLogger,
	}

	if cfg.Resolver.Enabled {
		r := resolver.New(resolver.Config{
			UserAgent: cfg.Resolver.UserAgent,
			MaxChars:  cfg.Resolver.MaxChars,
			Timeout:   cfg.Resolver.RequestTimeout,
		})
		deps.Resolver = r
		a.releasers = append(a.releasers, r)
	}
	if cfg.Sensors.Enabled {
		s := sensors.NewThermostatReader(cfg.Sensors.URL, cfg.Sensors.Timeout)
		deps.Sensors = s
		a.releasers = append(a.releasers, s)
	}

	engineOpts := []classifier.Option{
		classifier.WithRetryPolicy(retry),
		classifier.WithLogger(baseLogger.With("component", "classifier")),
	}
	if model := newCompletionClient(cfg.Model); model != nil {
		engineOpts = append(engineOpts, classifier.WithModel(model))
	}
	deps.Classifier = classifier.NewBatch(repo, classifier.NewEngine(engineOpts...),
		classifier.BatchConfig{QuarantineAfter: cfg.Classifier.QuarantineAfter},
		baseLogger.With("component", "classifier.batch"))

	deliver := cfg.Delivery.Enabled && opts.Deliver
	if cfg.Delivery.Enabled {
		notifier, err := telegram.NewNotifier(cfg.Delivery.Telegram)
		if err != nil {
			baseLogger.Warn("telegram delivery disabled", "error", err)
			deliver = false
		} else {
			deps.Deliverer = notifier
		}
	}
	deps.Builder = digest.NewBuilder(repo, digest.Config{
		Title:              cfg.Digest.Title,
		Window:             cfg.Digest.Window,
		OutputDir:          cfg.Digest.OutputDir,
		Categories:         toCategories(cfg.Digest.Categories),
		CatchAllLabel:      cfg.Digest.CatchAllLabel,
		Recipient:          cfg.Digest.Recipient,
		DeliverImmediately: deliver,
	}, baseLogger)

	if cfg.Publisher.Enabled {
		deps.Publisher = publisher.NewFilesystem(cfg.Publisher.PrimaryDir, cfg.Publisher.ArchiveDir)
	}

	a.pipeline = usecase.NewPipeline(deps, usecase.PipelineConfig{
		ResolveTimeout: cfg.Resolver.StageTimeout,
		EnrichTimeout:  cfg.Sensors.Timeout,
		ResolveLimit:   cfg.Resolver.Limit,
		Deliver:        deliver,
		FetchPolicy:    retry,
	})

	a.cron, err = scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Scheduler.Location(), cfg.Scheduler.RunOnStart)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	a.scheduler = usecase.NewScheduler(a.cron, a.pipeline)

	return a, nil
}

// RunOnce performs a single pipeline execution.
func (a *Application) RunOnce(ctx context.Context) (*usecase.RunState, error) {
	return a.pipeline.Run(ctx)
}

// RunScheduled starts the cron driver and the optional metrics server, then blocks until ctx
// is cancelled.
func (a *Application) RunScheduled(ctx context.Context) error {
	var server *httpserver.Server
	if a.cfg.Metrics.Addr != "" {
		server = httpserver.New(a.cfg.Metrics.Addr, a.repo, a.logger.With("component", "http"))
		if err := server.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started",
		"cron", a.cfg.Scheduler.CronExpression,
		"timezone", a.cfg.Scheduler.Location().String(),
		"next_run", a.cron.Next(time.Now()),
	)

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Status returns repository counters and the next scheduled run.
func (a *Application) Status(ctx context.Context) (Status, error) {
	stats, err := a.repo.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Stats: stats, NextRun: a.cron.Next(time.Now())}, nil
}

// Close releases adapter sessions and closes the store.
func (a *Application) Close() error {
	for _, r := range a.releasers {
		r.Release()
	}
	return a.repo.Close()
}

func newCompletionClient(cfg config.ModelConfig) ports.CompletionClient {
	switch cfg.Provider {
	case config.ProviderChatGPT:
		return llm.NewChatGPTClient(cfg.ChatGPT, cfg.RequestsPerMinute)
	case config.ProviderInference:
		return ml.NewClient(cfg.Inference.URL, cfg.Inference.APIKey, cfg.Inference.Timeout, cfg.RequestsPerMinute)
	default:
		return nil
	}
}

func toCategories(in []config.DigestCategoryConfig) []digest.Category {
	out := make([]digest.Category, 0, len(in))
	for _, c := range in {
		out = append(out, digest.Category{Key: c.Key, Label: c.Label, Sources: c.Sources})
	}
	return out
}
