package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTransferThrottle_DisabledQuotaAdmits(t *testing.T) {
	var nilThrottle *RedisTransferThrottle
	admission, err := nilThrottle.Admit(context.Background(), uuid.New(), uuid.New(), TransferQuota{Limit: 5, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, admission.Allowed)

	throttle := NewRedisTransferThrottle(unreachableRedis(t), "")
	for _, quota := range []TransferQuota{
		{},
		{Limit: 0, Window: time.Minute},
		{Limit: 5, Window: 0},
	} {
		admission, err := throttle.Admit(context.Background(), uuid.New(), uuid.New(), quota)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
	}
}

func TestRedisTransferThrottle_ReportsUnreachableRedis(t *testing.T) {
	throttle := NewRedisTransferThrottle(unreachableRedis(t), "test")
	_, err := throttle.Admit(context.Background(), uuid.New(), uuid.New(), TransferQuota{Limit: 5, Window: time.Minute})
	assert.Error(t, err)
}

func TestRedisTransferThrottle_FunderKey(t *testing.T) {
	funderID := uuid.MustParse("0b6f6c43-2f3e-4f8e-9a55-2d1c1e6f0a10")
	assert.Equal(t, "carefunds:rate_limit:transfers:"+funderID.String(), NewRedisTransferThrottle(nil, " ").funderKey(funderID))
	assert.Equal(t, "svc:transfers:"+funderID.String(), NewRedisTransferThrottle(nil, "svc:").funderKey(funderID))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(300*time.Millisecond))
	assert.Equal(t, 2, retryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
}

func TestRedisTransferThrottle_SlidingWindow(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping Redis throttle test")
	}
	options, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(options)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	throttle := NewRedisTransferThrottle(client, "test:"+uuid.NewString())
	clock := time.UnixMilli(1_700_000_000_000)
	throttle.now = func() time.Time { return clock }
	quota := TransferQuota{Limit: 2, Window: time.Minute}
	funderID := uuid.New()
	t.Cleanup(func() { client.Del(context.Background(), throttle.funderKey(funderID)) })

	first, err := throttle.Admit(ctx, funderID, uuid.New(), quota)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Recent)

	clock = clock.Add(20 * time.Second)
	second, err := throttle.Admit(ctx, funderID, uuid.New(), quota)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 2, second.Recent)

	clock = clock.Add(10 * time.Second)
	denied, err := throttle.Admit(ctx, funderID, uuid.New(), quota)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 30*time.Second, denied.RetryAfter)

	// Another funder has its own window.
	other, err := throttle.Admit(ctx, uuid.New(), uuid.New(), quota)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	// Once the first transfer leaves the window there is room for one more.
	clock = clock.Add(31 * time.Second)
	third, err := throttle.Admit(ctx, funderID, uuid.New(), quota)
	require.NoError(t, err)
	assert.True(t, third.Allowed)
	assert.Equal(t, 2, third.Recent)
}
