package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRegistry(t *testing.T, opts ...RedisOption) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewRedisRegistry(client, opts...)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr
}

func TestRedisRegistry_RegisterLookup(t *testing.T) {
	reg, mr := newTestRedisRegistry(t, WithPrefix("test"))
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, ServiceInstance{Name: "videoProcessing", Protocol: "grpc", Host: "h1", Port: 50051}))
	require.NoError(t, reg.Register(ctx, ServiceInstance{ID: "b", Name: "videoProcessing", Protocol: "grpc", Host: "h2", Port: 50052}))

	assert.True(t, mr.Exists("test:services:videoProcessing"))

	instances, err := reg.Lookup(ctx, "videoProcessing")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "b", instances[0].ID)
	assert.Equal(t, "h1:50051", instances[1].ID)
}

func TestRedisRegistry_Deregister(t *testing.T) {
	reg, _ := newTestRedisRegistry(t)
	ctx := context.Background()

	inst := ServiceInstance{ID: "x", Name: "svc", Host: "h", Port: 1}
	require.NoError(t, reg.Register(ctx, inst))
	require.NoError(t, reg.Deregister(ctx, "svc", "x"))

	instances, err := reg.Lookup(ctx, "svc")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRedisRegistry_TTLFiltersAndPrunes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	reg, mr := newTestRedisRegistry(t, WithTTL(10*time.Second), WithClock(clock))
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, ServiceInstance{ID: "old", Name: "svc", Host: "h", Port: 1}))
	now = now.Add(8 * time.Second)
	require.NoError(t, reg.Register(ctx, ServiceInstance{ID: "fresh", Name: "svc", Host: "h", Port: 2}))
	now = now.Add(5 * time.Second)

	instances, err := reg.Lookup(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "fresh", instances[0].ID)

	keys, err := mr.HKeys("stream-gateway:services:svc")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, keys)
}

func TestRedisRegistry_HeartbeatRefreshes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg, _ := newTestRedisRegistry(t, WithTTL(10*time.Second), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	inst := ServiceInstance{ID: "a", Name: "svc", Host: "h", Port: 1}
	require.NoError(t, reg.Register(ctx, inst))
	now = now.Add(8 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, inst))
	now = now.Add(8 * time.Second)

	instances, err := reg.Lookup(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestRedisRegistry_MalformedEntrySkipped(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	mr.HSet("stream-gateway:services:svc", "bad", "{not json")

	instances, err := reg.Lookup(context.Background(), "svc")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRedisRegistry_LookupErrorWhenDown(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	mr.Close()

	_, err := reg.Lookup(context.Background(), "svc")
	assert.Error(t, err)
}

func TestRedisRegistry_KeepAliveDeregistersOnCancel(t *testing.T) {
	reg, mr := newTestRedisRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- reg.KeepAlive(ctx, ServiceInstance{ID: "k", Name: "svc", Host: "h", Port: 1}, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return mr.HGet("stream-gateway:services:svc", "k") != ""
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "", mr.HGet("stream-gateway:services:svc", "k"))
}

func TestResolver_WithRedisRegistry(t *testing.T) {
	reg, _ := newTestRedisRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, ServiceInstance{Name: "videoProcessing", Protocol: "grpc", Host: "dyn", Port: 7000}))

	r := NewResolver(reg, staticTargets, time.Second, nil)
	inst, err := r.Resolve(ctx, "videoProcessing")
	require.NoError(t, err)
	assert.Equal(t, "dyn:7000", inst.Address())
	assert.Equal(t, SourceDiscovery, inst.Source)
}
