package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finsight/tierstore/internal/blob"
	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/ephemeral"
	"github.com/finsight/tierstore/internal/kvcache"
	"github.com/finsight/tierstore/internal/metrics"
	"github.com/finsight/tierstore/internal/relational"
	"github.com/finsight/tierstore/internal/router"
	"github.com/finsight/tierstore/internal/serve"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/finsight/tierstore/pkg/natsutil"
	"github.com/finsight/tierstore/pkg/s3util"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tierstored %s\n", version)
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

	coll := metrics.PromCollector{}
	adapters := make(map[storage.Class]storage.Adapter)

	// Cache tiers share one NATS connection.
	var nc *nats.Conn
	needNATS := cfg.Tiers.Hot.Enabled || cfg.Tiers.Warm.Enabled || cfg.API.NATSResponder.Enabled
	if needNATS {
		var err error
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	if cfg.Tiers.Hot.Enabled || cfg.Tiers.Warm.Enabled {
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("creating JetStream context: %w", err)
		}

		if cfg.Tiers.Hot.Enabled {
			kv, err := kvcache.EnsureBucket(ctx, js, cfg.Tiers.Hot)
			if err != nil {
				return fmt.Errorf("creating hot bucket: %w", err)
			}
			adapters[storage.ClassHot] = kvcache.NewStore(kv, cfg.Tiers.Hot, storage.ClassHot, coll, logger.Named("hot"))
		}
		if cfg.Tiers.Warm.Enabled {
			kv, err := kvcache.EnsureBucket(ctx, js, cfg.Tiers.Warm)
			if err != nil {
				return fmt.Errorf("creating warm bucket: %w", err)
			}
			adapters[storage.ClassWarm] = kvcache.NewStore(kv, cfg.Tiers.Warm, storage.ClassWarm, coll, logger.Named("warm"))
		}
	}

	// Cold tier: SQLite. The adapter is registered even when disabled so
	// routed calls fail fast with the fixed not-enabled reason.
	sqlDB, err := openRelational(cfg.Tiers.Relational)
	if err != nil {
		return err
	}
	cold, err := relational.NewStore(sqlDB, cfg.Tiers.Relational, coll, logger.Named("cold"))
	if err != nil {
		return fmt.Errorf("creating relational store: %w", err)
	}
	adapters[storage.ClassCold] = cold

	if cfg.Tiers.Ephemeral.Enabled {
		adapters[storage.ClassEphemeral] = ephemeral.NewStore(cfg.Tiers.Ephemeral, coll, logger.Named("ephemeral"))
	}

	if cfg.Tiers.Archive.Enabled {
		s3Client, err := s3util.NewClient(ctx, cfg.Tiers.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		adapters[storage.ClassArchive] = blob.NewStore(s3Client.S3, cfg.Tiers.Archive, coll, logger.Named("archive"))
	}

	tracker, err := router.NewTracker(cfg.Tracker.Path, cfg.Tracker.NoSync, logger.Named("tracker"))
	if err != nil {
		return fmt.Errorf("opening access tracker: %w", err)
	}

	rt := router.NewRouter(adapters, cfg.Router, tracker, logger.Named("router"))
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Maintenance loop: idle demotion.
	g.Go(func() error { return rt.Run(gctx) })

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, rt, logger.Named("api"))
		})
	}

	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, rt, logger.Named("nats-responder"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(nc, rt.Adapters(), tracker)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
		g.Go(func() error { return runGaugeRefresh(gctx, checker) })
	}

	logger.Info("tierstored started",
		zap.String("version", version),
		zap.Int("adapters", len(adapters)),
		zap.String("nats_url", cfg.NATS.URL),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

// openRelational returns a nil handle when the tier is disabled, which
// puts the adapter into its fast-fail state.
func openRelational(cfg config.RelationalTierConfig) (db *sql.DB, err error) {
	if !cfg.Enabled {
		return nil, nil
	}
	db, err = relational.OpenDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening relational store: %w", err)
	}
	return db, nil
}

func runGaugeRefresh(ctx context.Context, checker *metrics.HealthChecker) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			checker.RefreshGauges()
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
