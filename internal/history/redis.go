package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/emoji-analysis/internal/session"
)

const recordKeyPrefix = "emoji-analysis:history:"

// RedisStore keeps a capped list of audited records per session.
type RedisStore struct {
	client     *redis.Client
	maxPerSess int
	ttl        time.Duration
}

func NewRedisStore(ctx context.Context, addr string, maxPerSession int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStoreWithClient(client, maxPerSession, ttl), nil
}

func newRedisStoreWithClient(client *redis.Client, maxPerSession int, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, maxPerSess: maxPerSession, ttl: ttl}
}

func recordKey(sessionID string) string {
	return recordKeyPrefix + sessionID
}

func (r *RedisStore) SaveRecord(ctx context.Context, sessionID string, record session.Record) error {
	data, err := json.Marshal(Entry{SessionID: sessionID, Record: record})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := recordKey(sessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.maxPerSess > 0 {
		pipe.LTrim(ctx, key, int64(-r.maxPerSess), -1)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (r *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.client.LRange(ctx, recordKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) Mode() string { return "redis" }

func (r *RedisStore) Close() error {
	return r.client.Close()
}
