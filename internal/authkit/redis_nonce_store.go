package authkit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisNonceKeyPrefix = "talebook:nonce:"

// RedisNonceStore keeps nonces in Redis so every replica sees the same set.
// Expiry is delegated to Redis key TTLs.
type RedisNonceStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisNonceStore wraps an existing client.
func NewRedisNonceStore(client redis.UniversalClient, ttl time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, ttl: ttl}
}

// NewRedisNonceStoreFromURL parses a redis:// URL and pings the server.
func NewRedisNonceStoreFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisNonceStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("nonce.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("nonce.redis.ping: %w", pingErr)
	}
	return NewRedisNonceStore(client, ttl), nil
}

// Issue stores a fresh nonce with the configured TTL.
func (store *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	nonce, err := newNonceToken()
	if err != nil {
		return "", err
	}
	if setErr := store.client.Set(ctx, redisNonceKeyPrefix+nonce, 1, store.ttl).Err(); setErr != nil {
		return "", fmt.Errorf("nonce.redis.issue: %w", setErr)
	}
	return nonce, nil
}

// Consume deletes the nonce key; only the caller whose DEL removed it succeeds.
// Expired keys are already gone, so expiry surfaces as ErrNonceNotFound.
func (store *RedisNonceStore) Consume(ctx context.Context, nonce string) error {
	removed, err := store.client.Del(ctx, redisNonceKeyPrefix+nonce).Result()
	if err != nil {
		return fmt.Errorf("nonce.redis.consume: %w", err)
	}
	if removed == 0 {
		return ErrNonceNotFound
	}
	return nil
}

// Close releases the underlying client.
func (store *RedisNonceStore) Close() error {
	return store.client.Close()
}
