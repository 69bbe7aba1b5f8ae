package storage

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the Redis instance at REDIS_URL that holds job
// progress and the shared rate limit window.
func NewRedisClient(ctx context.Context) *redis.Client {
	opts, err := redis.ParseURL(util.GetEnvString("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		logger.Fatal("Invalid REDIS_URL", "err", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", "err", err)
	}
	return client
}
