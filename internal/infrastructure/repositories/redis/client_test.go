package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosklink/pkg/config"
)

func TestClientConfigFrom_CarriesPoolAndTimeouts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Address = "redis:6379"
	cfg.Redis.MinIdleConns = 4
	cfg.Redis.ReadTimeout = 750 * time.Millisecond

	opts := ClientConfigFrom(cfg).options()
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, 10, opts.PoolSize)
	assert.Equal(t, 4, opts.MinIdleConns)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Equal(t, 750*time.Millisecond, opts.ReadTimeout)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
}

func TestClientConfig_DefaultsDialTimeout(t *testing.T) {
	opts := ClientConfig{Address: "localhost:6379"}.options()
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
}

func TestNewRedisClient_FailsFastOnUnreachableServer(t *testing.T) {
	start := time.Now()
	_, err := NewRedisClient(ClientConfig{Address: "127.0.0.1:1", PoolSize: 1, DialTimeout: 200 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewRedisClient_DoesNotMigrate(t *testing.T) {
	addr := os.Getenv("KIOSKLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("KIOSKLINK_TEST_REDIS not set")
	}
	ctx := context.Background()

	client, err := NewRedisClient(ClientConfig{Address: addr, DB: 15, PoolSize: 2, MinIdleConns: 1}, nil)
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	defer client.Close()
	require.NoError(t, client.Del(ctx, schemaVersionKey).Err())

	again, err := NewRedisClient(ClientConfig{Address: addr, DB: 15, PoolSize: 2}, nil)
	require.NoError(t, err)
	defer again.Close()

	version, err := getSchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, Migrate(ctx, client, nil))
	version, err = getSchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}
