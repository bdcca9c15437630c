package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// SetupTestRedis connects to TEST_REDIS_ADDR (default localhost:56379) and
// flushes TEST_REDIS_DB (default 1). It skips when Redis is unreachable unless
// TEST_REQUIRE_REDIS or TEST_REQUIRE_INFRA is set. The client closes with t.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()

	addr := envOr("TEST_REDIS_ADDR", envOr("REDIS_ADDR", "localhost:56379"))
	dbIndex, err := strconv.Atoi(envOr("TEST_REDIS_DB", "1"))
	if err != nil || dbIndex < 0 {
		t.Fatalf("invalid TEST_REDIS_DB %q", os.Getenv("TEST_REDIS_DB"))
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") {
			t.Fatalf("redis not available at %s: %v", addr, err)
		}
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	if err = client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("flush redis db %d: %v", dbIndex, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
