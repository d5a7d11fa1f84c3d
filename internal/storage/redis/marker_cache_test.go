package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	"github.com/taoyao-code/marker-server/internal/store"
)

// fakeRedis 内存版 Get/Set/Del
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
	err  error
	gets int
	dels int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dels++
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// countingStore 统计底层 Lookup 次数；afterLookup 在读到结果后、返回前执行
type countingStore struct {
	*store.MemoryStore
	lookups     int
	afterLookup func()
}

func (c *countingStore) Lookup(ctx context.Context, key string) (*store.Marker, error) {
	c.lookups++
	m, err := c.MemoryStore.Lookup(ctx, key)
	if c.afterLookup != nil {
		fn := c.afterLookup
		c.afterLookup = nil
		fn()
	}
	return m, err
}

func TestCachedStore_ReadThrough(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, inner.MemoryStore.Store(ctx, &store.Marker{Key: "k", Value: []byte("v")}))

	first, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	second, err := s.Lookup(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.lookups)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []byte("v"), second.Value)
	assert.Equal(t, time.Minute, rdb.ttl["marker:k"])
}

func TestCachedStore_WriteInvalidates(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	s := NewCachedStore(inner, rdb, 0, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v1")}))
	assert.Empty(t, rdb.data)
	got, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, 1, inner.lookups)
	assert.Equal(t, 5*time.Minute, rdb.ttl["marker:k"])

	require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v2")}))
	assert.NotContains(t, rdb.data, "marker:k")
	got, err = s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, 2, inner.lookups)
}

func TestCachedStore_FailedInvalidationBypassesStaleEntry(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v1")}))
	_, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	require.Contains(t, rdb.data, "marker:k")

	rdb.setErr(errors.New("connection reset"))
	require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v2")}))
	rdb.setErr(nil)

	got, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)

	// 删除成功后恢复正常缓存
	got, err = s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, 2, inner.lookups)
}

func TestCachedStore_WriteDuringLookupSkipsRefill(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v1")}))

	inner.afterLookup = func() {
		require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v2")}))
	}
	got, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.NotContains(t, rdb.data, "marker:k")

	got, err = s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
}

func TestCachedStore_NotFoundNotCached(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	s := NewCachedStore(inner, rdb, time.Minute, nil)

	_, err := s.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, rdb.data)
}

func TestCachedStore_RedisFailureFallsBack(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, &store.Marker{Key: "k", Value: []byte("v")}))
	got, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, 1, inner.lookups)
}

func TestCachedStore_CorruptEntryFallsBack(t *testing.T) {
	inner := &countingStore{MemoryStore: store.NewMemoryStore()}
	rdb := newFakeRedis()
	rdb.data["marker:k"] = "{not json"
	s := NewCachedStore(inner, rdb, time.Minute, nil)
	ctx := context.Background()
	require.NoError(t, inner.MemoryStore.Store(ctx, &store.Marker{Key: "k", Value: []byte("v")}))

	got, err := s.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestNewClient_Disabled(t *testing.T) {
	_, err := NewClient(context.Background(), cfgpkg.RedisConfig{})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(context.Background(), cfgpkg.RedisConfig{
		Enabled:     true,
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	assert.Error(t, err)
}
