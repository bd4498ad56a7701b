package history

import (
	"context"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL   string
	RedisAddr     string
	MaxPerSession int
	// RedisTTL bounds how long an idle session's records stay in redis.
	RedisTTL time.Duration
}

// NewStore creates a postgres-backed store when DATABASE_URL is set, a redis
// store when REDIS_ADDR is set, otherwise an in-memory store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case strings.TrimSpace(cfg.RedisAddr) != "":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.MaxPerSession, cfg.RedisTTL)
	default:
		return NewInMemoryStore(cfg.MaxPerSession), nil
	}
}
