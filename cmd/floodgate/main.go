package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/floodgate/internal/cache"
	"github.com/gftdcojp/floodgate/internal/collate"
	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/eventlog"
	"github.com/gftdcojp/floodgate/internal/ingest"
	"github.com/gftdcojp/floodgate/internal/metrics"
	"github.com/gftdcojp/floodgate/internal/serve"
	"github.com/gftdcojp/floodgate/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("floodgate %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var st store.ObjectStore
	switch cfg.Store.Backend {
	case "s3":
		s3st, err := store.NewS3Store(ctx, cfg.Store, logger.Named("s3"))
		if err != nil {
			return fmt.Errorf("creating s3 store: %w", err)
		}
		st = s3st
	case "memory":
		st = store.NewMemStore()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var idxCache *cache.Cache
	if cfg.Cache.Path != "" {
		c, err := cache.Open(cfg.Cache.Path, logger.Named("cache"))
		if err != nil {
			return fmt.Errorf("opening index cache: %w", err)
		}
		defer c.Close()
		idxCache = c
	}

	log := eventlog.New(st, eventlog.Options{
		Collator:      cfg.Collator,
		Cache:         idxCache,
		PresignExpiry: cfg.Store.PresignExpiry.Duration(),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Collator.Enabled {
		g.Go(func() error { return runCollationLoop(gctx, log, cfg.Collator, logger.Named("collate")) })
	}

	if cfg.Ingest.Enabled {
		bridge := ingest.NewBridge(log, cfg.Ingest, logger.Named("ingest"))
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if cfg.API.Enabled {
		g.Go(func() error { return serve.RunHTTP(gctx, cfg.API, log, logger.Named("api")) })
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(map[string]metrics.Pinger{
			"store": st,
			"cache": idxCache,
		})
		g.Go(func() error { return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker) })
	}

	logger.Info("floodgate started",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("bucket", cfg.Store.Bucket),
		zap.Bool("collator", cfg.Collator.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("floodgate stopped")
	return nil
}

// runCollationLoop runs collation on the configured interval until ctx is
// canceled. Failed runs are logged and retried at the next tick; a
// conflict means another collator owns the prefix and is fatal.
func runCollationLoop(ctx context.Context, log *eventlog.Log, cfg config.CollatorConfig, logger *zap.Logger) error {
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := log.Collate(ctx, 0)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			var conflict *collate.ConflictError
			if errors.As(err, &conflict) {
				return err
			}
			logger.Error("collation failed", zap.Error(err))
			continue
		}
		if !res.NothingToDo() {
			logger.Info("collated",
				zap.String("journal_id", string(res.JournalID)),
				zap.Int("events", res.EventsFolded),
			)
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
