package store

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"go2tv.app/avsession/internal/domain"
)

const DefaultHistoryKey = "avsession:history"

// RedisHistory keeps history in a capped Redis list, newest at the head.
type RedisHistory struct {
	rdb      *goredis.Client
	key      string
	capacity int
}

func NewRedisHistory(rdb *goredis.Client, key string, capacity int) *RedisHistory {
	if key == "" {
		key = DefaultHistoryKey
	}
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &RedisHistory{rdb: rdb, key: key, capacity: capacity}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return goredis.NewClient(opts), nil
}

func (h *RedisHistory) Append(ctx context.Context, rec domain.HistoricalRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	pipe := h.rdb.TxPipeline()
	pipe.LPush(ctx, h.key, raw)
	pipe.LTrim(ctx, h.key, 0, int64(h.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, limit int) ([]domain.HistoricalRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := h.rdb.LRange(ctx, h.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	out := make([]domain.HistoricalRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.HistoricalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode history record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.rdb.Ping(ctx).Err()
}

func (h *RedisHistory) Close() error {
	return h.rdb.Close()
}
