package external

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prior-auth-server/internal/domain"
)

const answerKeyPrefix = "oracle:answer"

// CacheClient wraps a Redis client and caches oracle answers per document
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a new cache client and verifies the connection
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCacheClientFromRedis(client, config.DefaultTTL), nil
}

// NewCacheClientFromRedis wraps an existing Redis client
func NewCacheClientFromRedis(client *redis.Client, defaultTTL time.Duration) *CacheClient {
	return &CacheClient{
		redis:      client,
		defaultTTL: defaultTTL,
	}
}

// CachedAnswer is an oracle answer with cache metadata
type CachedAnswer struct {
	Data      domain.OracleAnswer `json:"data"`
	CachedAt  time.Time           `json:"cached_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// GetAnswer returns a cached answer for a question asked of a document
func (c *CacheClient) GetAnswer(ctx context.Context, fingerprint string, q domain.Question) (*domain.OracleAnswer, bool, error) {
	key := c.answerKey(fingerprint, q)

	val, err := c.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get answer cache: %w", err)
	}

	var cached CachedAnswer
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Remove corrupted cache entry
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return &cached.Data, true, nil
}

// SetAnswer caches an answer. A zero ttl uses the default.
func (c *CacheClient) SetAnswer(ctx context.Context, fingerprint string, q domain.Question, answer domain.OracleAnswer, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	cached := CachedAnswer{
		Data:      answer,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal answer cache data: %w", err)
	}

	return c.redis.Set(ctx, c.answerKey(fingerprint, q), jsonData, ttl).Err()
}

// InvalidateDocument removes every cached answer for a document
func (c *CacheClient) InvalidateDocument(ctx context.Context, fingerprint string) error {
	pattern := fmt.Sprintf("%s:%s:*", answerKeyPrefix, shortHash(fingerprint))

	var keys []string
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}

	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

// Ping checks if Redis connection is alive
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

// answerKey scopes the question hash under the document hash so a document's
// answers can be invalidated together.
func (c *CacheClient) answerKey(fingerprint string, q domain.Question) string {
	return fmt.Sprintf("%s:%s:%s", answerKeyPrefix, shortHash(fingerprint), shortHash(q.Text+"\x00"+q.Expression))
}

func shortHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", hash[:8])
}
