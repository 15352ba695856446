package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roomivo-gateway/config"
	"roomivo-gateway/middleware/ratelimit/infra"
)

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func newRedisStore(rdb redis.UniversalClient, cfg config.RateConfig) *infra.RedisStore {
	return infra.NewRedisStore(rdb,
		infra.WithKeyPrefix(cfg.KeyPrefix),
		infra.WithOpTimeout(cfg.RedisOpTimeout),
	)
}
