package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

// newRedisClient connects and pings. Redis is optional: without it the
// snapshot store and alert gate fall back to their in-memory forms.
func newRedisClient(cfg Config, log *logger.Logger) (*goredis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	log.Info("Connecting to Redis...", "addr", cfg.RedisAddr)
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
