package external

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/prior-auth-server/internal/domain"
)

func TestCacheClient(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}()

	endpoint, err := redisContainer.Endpoint(ctx, "redis")
	require.NoError(t, err)

	cache, err := NewCacheClient(domain.CacheConfig{
		Enabled:    true,
		RedisURL:   endpoint,
		DefaultTTL: time.Minute,
		PoolSize:   4,
	})
	require.NoError(t, err)
	defer cache.Close()

	q := domain.Question{CriterionID: "1.1", Text: "Has the patient completed physical therapy?"}
	answer := domain.OracleAnswer{Answer: domain.Met, Reason: "documented", Evidence: domain.StringPtr("8 weeks of PT")}

	t.Run("miss", func(t *testing.T) {
		_, found, err := cache.GetAnswer(ctx, "doc-a", q)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, cache.SetAnswer(ctx, "doc-a", q, answer, 0))

		got, found, err := cache.GetAnswer(ctx, "doc-a", q)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, answer, *got)

		_, found, err = cache.GetAnswer(ctx, "doc-b", q)
		require.NoError(t, err)
		assert.False(t, found, "answers are scoped to a document")
	})

	t.Run("corrupted entry is dropped", func(t *testing.T) {
		key := cache.answerKey("doc-c", q)
		require.NoError(t, cache.redis.Set(ctx, key, "not json", time.Minute).Err())

		_, found, err := cache.GetAnswer(ctx, "doc-c", q)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, int64(0), cache.redis.Exists(ctx, key).Val())
	})

	t.Run("invalidate document", func(t *testing.T) {
		other := domain.Question{CriterionID: "1.2", Text: "Is there a progressive neurological deficit?"}
		require.NoError(t, cache.SetAnswer(ctx, "doc-d", q, answer, time.Minute))
		require.NoError(t, cache.SetAnswer(ctx, "doc-d", other, answer, time.Minute))
		require.NoError(t, cache.SetAnswer(ctx, "doc-e", q, answer, time.Minute))

		require.NoError(t, cache.InvalidateDocument(ctx, "doc-d"))

		_, found, _ := cache.GetAnswer(ctx, "doc-d", q)
		assert.False(t, found)
		_, found, _ = cache.GetAnswer(ctx, "doc-d", other)
		assert.False(t, found)
		_, found, _ = cache.GetAnswer(ctx, "doc-e", q)
		assert.True(t, found)
	})

	assert.NoError(t, cache.Ping(ctx))
}

func TestNewCacheClientInvalidURL(t *testing.T) {
	_, err := NewCacheClient(domain.CacheConfig{RedisURL: "://bad"})
	assert.Error(t, err)
}

func TestAnswerKeyScopesByDocument(t *testing.T) {
	c := NewCacheClientFromRedis(redis.NewClient(&redis.Options{Addr: "localhost:0"}), time.Minute)
	defer c.Close()

	q := domain.Question{Text: "Q?"}
	assert.NotEqual(t, c.answerKey("a", q), c.answerKey("b", q))
	assert.NotEqual(t, c.answerKey("a", q), c.answerKey("a", domain.Question{Text: "Q?", Expression: "facts.age > 1"}))
	assert.Contains(t, c.answerKey("a", q), answerKeyPrefix+":"+shortHash("a")+":")
}
