package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetlens/portal/internal/cryptoutil"
	domainauth "github.com/assetlens/portal/internal/domain/auth"
	"github.com/assetlens/portal/internal/testutil"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if Redis is not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	return testutil.SetupTestRedis(t)
}

func TestDeviceStore_SetGetDelete(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	store := NewDeviceStore(client)
	ctx := context.Background()
	dev := store.ForDevice("device-1")

	_, ok, err := dev.Get(ctx, domainauth.KeyManualLogin)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dev.Set(ctx, domainauth.KeyManualLogin, "true", time.Minute))
	v, ok, err := dev.Get(ctx, domainauth.KeyManualLogin)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	ttl, err := client.TTL(ctx, "portal:device:device-1:require_manual_login").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	// Other devices do not see the value.
	_, ok, err = store.ForDevice("device-2").Get(ctx, domainauth.KeyManualLogin)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dev.Delete(ctx, domainauth.KeyManualLogin))
	_, ok, err = dev.Get(ctx, domainauth.KeyManualLogin)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeviceStore_Reset(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	store := NewDeviceStoreWithPrefix(client, "test:device:")
	ctx := context.Background()
	dev := store.ForDevice("device-r")

	require.NoError(t, dev.Set(ctx, domainauth.KeyManualLogin, "true", 0))
	require.NoError(t, dev.Set(ctx, domainauth.KeySessionSnapshot, "{}", 0))

	n, err := store.Reset(ctx, "device-r")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := dev.Get(ctx, domainauth.KeySessionSnapshot)
	require.NoError(t, err)
	assert.False(t, ok)
}

// shardedClient routes commands to the first node and exposes every node
// through ForEachMaster, the way a cluster client does.
type shardedClient struct {
	redis.UniversalClient
	nodes []*redis.Client
}

func (c shardedClient) ForEachMaster(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	for _, n := range c.nodes {
		if err := fn(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func TestDeviceStore_ResetVisitsEveryMaster(t *testing.T) {
	first := setupTestRedis(t)
	opts := first.Options()
	second := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: (opts.DB + 1) % 16})
	defer second.Close()
	ctx := context.Background()
	require.NoError(t, second.FlushDB(ctx).Err())

	require.NoError(t, first.Set(ctx, "test:device:device-c:require_manual_login", "true", time.Minute).Err())
	require.NoError(t, second.Set(ctx, "test:device:device-c:auth_redirect_count", "2", time.Minute).Err())
	require.NoError(t, second.Set(ctx, "test:device:device-c:last_redirect_time", "1", time.Minute).Err())
	require.NoError(t, second.Set(ctx, "test:device:other:auth_redirect_count", "1", time.Minute).Err())

	store := NewDeviceStoreWithPrefix(shardedClient{UniversalClient: first, nodes: []*redis.Client{first, second}}, "test:device:")
	n, err := store.Reset(ctx, "device-c")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := second.Keys(ctx, "test:device:*").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"test:device:other:auth_redirect_count"}, left)
	assert.Zero(t, first.Exists(ctx, "test:device:device-c:require_manual_login").Val())
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	limiter := NewRateLimiter(client, RateLimiterOptions{Limit: 2, Window: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	now = now.Add(time.Minute)
	d, err = limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRoleCache_RoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	cache := NewRoleCache(client)
	ctx := context.Background()

	_, ok, err := cache.GetRole(ctx, "subject-1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := domainauth.AccessDecision{Role: domainauth.RoleAdmin, IsActive: true}
	require.NoError(t, cache.PutRole(ctx, "subject-1", want, time.Minute))
	got, ok, err := cache.GetRole(ctx, "subject-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.Error(t, cache.PutRole(ctx, "", want, time.Minute))

	require.NoError(t, cache.DeleteRole(ctx, "subject-1"))
	_, ok, err = cache.GetRole(ctx, "subject-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccountCache_Lifecycle(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	sealer, err := cryptoutil.NewSealer("test passphrase")
	require.NoError(t, err)
	cache := NewAccountCache(client, sealer)
	ctx := context.Background()

	has, err := cache.HasAccount(ctx, "subject-1")
	require.NoError(t, err)
	assert.False(t, has)

	acct := domainauth.FederatedAccount{
		SubjectID:     "subject-1",
		HomeAccountID: "oid.tid",
		Username:      "ada@contoso.com",
		RefreshToken:  "ms-refresh",
		ExpiresAt:     time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, cache.SaveAccount(ctx, acct))

	has, err = cache.HasAccount(ctx, "subject-1")
	require.NoError(t, err)
	assert.True(t, has)

	got, ok, err := cache.Account(ctx, "subject-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, acct.Username, got.Username)
	assert.True(t, acct.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, "ms-refresh", got.RefreshToken)

	raw, err := client.Get(ctx, "portal:federation:subject-1").Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "ms-refresh")

	require.NoError(t, cache.DeleteAccount(ctx, "subject-1"))
	has, _ = cache.HasAccount(ctx, "subject-1")
	assert.False(t, has)
}
