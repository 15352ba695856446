package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomivo-gateway/config"
	"roomivo-gateway/gateway"
	"roomivo-gateway/middleware/ratelimit/domain"
	"roomivo-gateway/middleware/ratelimit/infra"
	"roomivo-gateway/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the function gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var rdb *redis.Client
	if cfg.Rate.Store == config.StoreRedis || cfg.Stats.RedisEnabled {
		c, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		rdb = c
	}

	var store domain.WindowStore
	switch cfg.Rate.Store {
	case config.StoreRedis:
		store = newRedisStore(rdb, cfg.Rate)
	default:
		mem := infra.NewMemoryStore(infra.WithSweepEvery(cfg.Rate.SweepEvery))
		mem.StartJanitor(ctx)
		store = mem
	}

	promStats, err := infra.NewPrometheusStatsStore(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register rate limit metrics: %w", err)
	}
	stats := infra.MultiStats{promStats}
	if cfg.Stats.RedisEnabled {
		stats = append(stats, infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.Stats.Prefix),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
		))
	}

	srv, err := gateway.New(gateway.Deps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Stats:      stats,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return err
	}

	logger.Info("rate limit",
		zap.Bool("enabled", cfg.Rate.Enabled),
		zap.String("store", cfg.Rate.Store),
		zap.Int("max_requests", cfg.Rate.MaxRequests),
		zap.Duration("window", cfg.Rate.Window),
		zap.Bool("fail_closed", cfg.Rate.FailClosed))
	for _, fn := range cfg.Functions {
		p := fn.Policy(cfg.Rate.Policy())
		logger.Info("function",
			zap.String("name", fn.Name),
			zap.Strings("methods", fn.Methods),
			zap.String("identify_by", fn.IdentifyBy),
			zap.Int("max_requests", p.MaxRequests),
			zap.Duration("window", p.Window),
			zap.Bool("stream", fn.Stream))
	}

	return srv.Run(ctx)
}
