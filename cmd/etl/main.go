package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/fixprice-etl/internal/apiclient"
	"github.com/maltedev/fixprice-etl/internal/browser"
	"github.com/maltedev/fixprice-etl/internal/config"
	"github.com/maltedev/fixprice-etl/internal/database"
	"github.com/maltedev/fixprice-etl/internal/events"
	"github.com/maltedev/fixprice-etl/internal/metrics"
	"github.com/maltedev/fixprice-etl/internal/parser"
	"github.com/maltedev/fixprice-etl/internal/pipeline"
	"github.com/maltedev/fixprice-etl/internal/ratelimit"
	"github.com/maltedev/fixprice-etl/internal/scraper"
	"github.com/maltedev/fixprice-etl/internal/status"
	"github.com/maltedev/fixprice-etl/internal/storage"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted")
			return 130
		}
		logger.Error("etl run failed", "error", err)
		return 1
	}

	logger.Info("etl run completed")
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting fix-price etl",
		"catalog", cfg.Source.CatalogURL,
		"api", cfg.API.BaseURL,
		"concurrency", cfg.Scraper.ConcurrencyLimit,
		"sample_percent", cfg.Pipeline.SamplePercent,
		"categories_limit", cfg.Scraper.CategoriesLimit,
		"max_pages", cfg.MaxPagesPerCategory())

	m := metrics.New()

	b, err := browser.New(&browser.Options{
		BrowserType:       cfg.Browser.Type,
		Headless:          cfg.Browser.Headless,
		Timeout:           cfg.Browser.NavigationTimeout,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		UserAgents:        cfg.Scraper.UserAgents,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		AcceptLanguage:    cfg.Browser.AcceptLanguage,
		TimezoneID:        cfg.Browser.TimezoneID,
		Locale:            cfg.Browser.Locale,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close browser", "error", err)
		}
	}()

	extractor := scraper.New(b, parser.NewCatalogParser(), scraper.Options{
		BaseURL:      cfg.Source.BaseURL,
		CatalogURL:   cfg.Source.CatalogURL,
		Concurrency:  cfg.Scraper.ConcurrencyLimit,
		RequestDelay: cfg.Scraper.RequestDelay,
		Logger:       logger,
		Metrics:      m,
	}).WithProgress(func(done, total int) {
		logger.Debug("product fetch progress", "done", done, "total", total)
	})

	client := apiclient.New(apiclient.Options{
		BaseURL:        cfg.API.BaseURL,
		ProductsURL:    cfg.ProductsURL(),
		MediaUploadURL: cfg.MediaUploadURL(),
		Token:          cfg.API.Token,
		Timeout:        cfg.API.Timeout,
		Concurrency:    cfg.Scraper.ConcurrencyLimit,
		Retry: apiclient.RetryPolicy{
			Attempts: cfg.API.MaxRetries,
			Backoff: ratelimit.Backoff{
				Initial: cfg.API.RetryDelay,
				Max:     cfg.API.RetryMaxDelay,
				Factor:  2,
			},
		},
		Logger:  logger,
		Metrics: m,
	})
	defer client.Close()

	fileStore := storage.NewFileStore(cfg.Pipeline.OutputDir)
	var sinks []pipeline.ResultSink

	var (
		db        *database.DB
		runStore  *database.RunStore
		relay     *database.Relay
		publisher *events.Publisher
	)
	if cfg.Events.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, run events disabled", "addr", cfg.Events.RedisAddr, "error", err)
			_ = redisClient.Close()
		} else {
			publisher = events.NewPublisher(redisClient, cfg.Events.Stream, logger)
			defer publisher.Close()
		}
	}

	if cfg.Database.URL != "" {
		db, err = openDatabase(ctx, cfg.Database.URL)
		if err != nil {
			logger.Warn("database unavailable, run archive disabled", "error", err)
		} else {
			defer db.Close()
			outboxStream := ""
			if publisher != nil {
				outboxStream = publisher.Stream()
				relay = database.NewRelay(db, publisher, logger, database.RelayConfig{})
			}
			runStore = database.NewRunStore(db, outboxStream, logger)
			sinks = append(sinks, runStore)
		}
	}
	if publisher != nil && relay == nil {
		sinks = append(sinks, publisher)
	}

	p := pipeline.New(extractor, client, fileStore, pipeline.Options{
		SamplePercent:   cfg.Pipeline.SamplePercent,
		CategoriesLimit: cfg.Scraper.CategoriesLimit,
		MaxPages:        cfg.MaxPagesPerCategory(),
		BatchSize:       2 * cfg.Scraper.ConcurrencyLimit,
		CategoryDelay:   cfg.Scraper.RequestDelay,
		Logger:          logger,
		Metrics:         m,
	}, sinks...)

	if cfg.Server.Addr != "" {
		var outbox status.OutboxCounter
		if db != nil {
			outbox = database.NewOutboxRepository(db)
		}
		handlers := status.NewHandlers(p, fileStore, outbox, logger)
		if runStore != nil {
			handlers.WithArchive(runStore)
		}
		srv := status.NewServer(cfg.Server.Addr, status.NewRouter(handlers, m.Registry), logger)
		if err := srv.Start(); err != nil {
			logger.Warn("status server disabled", "addr", cfg.Server.Addr, "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("status server shutdown failed", "error", err)
				}
			}()
		}
	}

	_, runErr := p.Run(ctx)

	if relay != nil {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		delivered, err := relay.Drain(drainCtx)
		cancel()
		if err != nil {
			logger.Warn("failed to deliver run events", "error", err)
		} else {
			logger.Info("run events delivered", "count", delivered)
		}
	}

	return runErr
}

func openDatabase(ctx context.Context, url string) (*database.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := database.New(connectCtx, database.DefaultConfig(url))
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(connectCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closeFn, nil
}
