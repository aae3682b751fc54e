package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/api"
	"github.com/catalogcrawl/catalogcrawl/internal/catalog"
	"github.com/catalogcrawl/catalogcrawl/internal/clock/system"
	"github.com/catalogcrawl/catalogcrawl/internal/config"
	"github.com/catalogcrawl/catalogcrawl/internal/coordinator"
	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
	"github.com/catalogcrawl/catalogcrawl/internal/executor"
	collyfetcher "github.com/catalogcrawl/catalogcrawl/internal/fetcher/colly"
	headlessfetcher "github.com/catalogcrawl/catalogcrawl/internal/fetcher/headless"
	"github.com/catalogcrawl/catalogcrawl/internal/fetcher/ratelimit"
	"github.com/catalogcrawl/catalogcrawl/internal/hash/sha256"
	"github.com/catalogcrawl/catalogcrawl/internal/id/uuid"
	"github.com/catalogcrawl/catalogcrawl/internal/logging"
	"github.com/catalogcrawl/catalogcrawl/internal/progress"
	"github.com/catalogcrawl/catalogcrawl/internal/progress/sinks"
	"github.com/catalogcrawl/catalogcrawl/internal/resume"
	"github.com/catalogcrawl/catalogcrawl/internal/retry"
	"github.com/catalogcrawl/catalogcrawl/internal/session"
	"github.com/catalogcrawl/catalogcrawl/internal/storage/gcs"
	"github.com/catalogcrawl/catalogcrawl/internal/storage/local"
	"github.com/catalogcrawl/catalogcrawl/internal/storage/memory"
	"github.com/catalogcrawl/catalogcrawl/internal/storage/postgres"
	"github.com/catalogcrawl/catalogcrawl/internal/throttle"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl orchestration HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	events := progress.NewBroadcaster(cfg.Events.SubscriberDepth, clock, logger.Named("events"))
	defer events.Close()

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{
		sinks.NewLogSink(logger.Named("event")),
		promSink,
	}

	var pubsubClient *pubsub.Client
	if cfg.Events.PubSubTopic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer pubsubClient.Close()
		sink, err := sinks.NewPubSubSink(pubsubClient.Topic(cfg.Events.PubSubTopic), cfg.Events.Generalized)
		if err != nil {
			return fmt.Errorf("pubsub sink: %w", err)
		}
		hubSinks = append(hubSinks, sink)
	}
	hub := progress.NewHub(progress.HubConfig{}, events, logger.Named("hub"), hubSinks...)

	tokens, persister, cleanup, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	runnerFactory, closeFetchers, err := buildRunnerFactory(cfg, clock, persister, logger)
	if err != nil {
		return err
	}
	defer closeFetchers()

	deps := session.Deps{
		NewRunner: runnerFactory,
		Events:    events,
		Tokens:    tokens,
		Resume:    resume.NewManager(hasher, clock),
		Clock:     clock,
		Logger:    logger.Named("session"),
		RetryConfig: retry.Config{
			MaxPageRetries:   cfg.Retry.MaxPageRetries,
			MaxDetailRetries: cfg.Retry.MaxDetailRetries,
			MaxParseRetries:  cfg.Retry.MaxParseRetries,
			Strategy: retry.NewExponentialBackoff(
				time.Duration(cfg.Retry.BackoffInitialMs)*time.Millisecond,
				time.Duration(cfg.Retry.BackoffMaxMs)*time.Millisecond,
			),
		},
		ThrottleConfig: throttle.Config{
			InitialLimit:     cfg.Crawl.Concurrency,
			FailureThreshold: cfg.Crawl.FailureThreshold,
			Factor:           cfg.Crawl.DownshiftFactor,
			MinSample:        cfg.Crawl.MinSample,
		},
		CheckpointEvery: cfg.CheckpointEvery(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}
	manager := session.NewManager(deps, idGen, logger.Named("manager"))

	apiServer := api.NewServer(manager, events, registry, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("session drain incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("event hub close", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildStorage(
	ctx context.Context,
	cfg config.Config,
	logger *zap.Logger,
) (crawl.TokenStore, crawl.Persister, func(), error) {
	var persister crawl.Persister = memory.NewPersister()
	cleanup := func() {}

	switch cfg.Storage.TokenBackend {
	case "memory":
		return memory.NewTokenStore(), persister, cleanup, nil
	case "local":
		store, err := local.NewTokenStore(cfg.Storage.LocalDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("local token store: %w", err)
		}
		return store, persister, cleanup, nil
	case "postgres":
		store, pool, err := postgres.NewTokenStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres token store: %w", err)
		}
		if cfg.Storage.PersistProducts {
			persister = postgres.NewProductStore(pool)
		}
		return store, persister, func() { pool.Close() }, nil
	case "gcs":
		store, err := gcs.NewTokenStore(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("gcs token store: %w", err)
		}
		return store, persister, func() {
			if err := store.Close(); err != nil {
				logger.Warn("gcs client close", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown token backend %q", cfg.Storage.TokenBackend)
	}
}

func buildRunnerFactory(
	cfg config.Config,
	clock crawl.Clock,
	persister crawl.Persister,
	logger *zap.Logger,
) (func(sessionID string) coordinator.TaskRunner, func(), error) {
	lists, err := catalog.NewListParser(catalog.ListParserConfig{
		ItemSelector: cfg.Parser.ItemSelector,
		IDAttr:       cfg.Parser.IDAttr,
		LinkSelector: cfg.Parser.LinkSelector,
		BaseURL:      cfg.Parser.BaseURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list parser: %w", err)
	}
	fieldSelectors := cfg.Parser.FieldSelectors
	if len(fieldSelectors) == 0 {
		// A config without parser.field_selectors still serves; the
		// page title is the one field every product page has.
		fieldSelectors = map[string]string{"title": "title"}
	}
	details, err := catalog.NewDetailParser(catalog.DetailParserConfig{
		FieldSelectors: fieldSelectors,
		RequiredFields: cfg.Parser.RequiredFields,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("detail parser: %w", err)
	}

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawl.UserAgent,
		RespectRobots: cfg.Crawl.RespectRobots,
		Timeout:       cfg.TaskTimeout(),
	})
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RPS:   cfg.Crawl.PerHostRPS,
		Burst: cfg.Crawl.PerHostBurst,
	})
	fetcher := ratelimit.Wrap(probe, limiter)

	var (
		headless crawl.Fetcher
		detector crawl.HeadlessDetector
		closeFn  = func() {}
	)
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = ratelimit.Wrap(hf, limiter)
			detector = headlessfetcher.NewThinPageDetector(headlessfetcher.DetectorConfig{
				MinBodyBytes: cfg.Headless.MinBodyBytes,
			})
			closeFn = hf.Close
		}
	}

	factory := func(sessionID string) coordinator.TaskRunner {
		return executor.New(
			fetcher,
			headless,
			detector,
			lists,
			details,
			persister,
			clock,
			executor.Config{SessionID: sessionID, TaskTimeout: cfg.TaskTimeout()},
			logger.Named("executor"),
		)
	}
	return factory, closeFn, nil
}
