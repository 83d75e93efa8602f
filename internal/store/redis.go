package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hurricanerix/blink/internal/session"
)

const (
	// DefaultTTL is how long a session's history survives without new entries.
	DefaultTTL = 7 * 24 * time.Hour

	keyPrefix = "blink:history:"
)

// RedisStore keeps each session's history as a Redis list of JSON entries.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ session.HistoryStore = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server at url and verifies the
// connection. A zero ttl uses DefaultTTL.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func historyKey(sessionID string) string {
	return keyPrefix + sessionID
}

// Load returns the generations recorded for sessionID in append order.
func (r *RedisStore) Load(ctx context.Context, sessionID string) ([]session.Generation, error) {
	items, err := r.client.LRange(ctx, historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	gens := make([]session.Generation, 0, len(items))
	for _, item := range items {
		var g session.Generation
		if err := json.Unmarshal([]byte(item), &g); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		gens = append(gens, g)
	}
	return gens, nil
}

// Append records gen and refreshes the history's TTL.
func (r *RedisStore) Append(ctx context.Context, sessionID string, gen session.Generation) error {
	item, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	key := historyKey(sessionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, item)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Delete removes sessionID's history.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
