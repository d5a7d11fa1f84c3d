package redis

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taoyao-code/marker-server/internal/store"
)

const (
	markerKeyPrefix = "marker:"
	genStripes      = 256
)

// cacheClient 缓存所需的 Redis 命令子集
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore 标记查询缓存：读穿透，写入后删除缓存项，只由查询路径回填。
// Redis 故障只记录日志，不影响底层存储的结果。
type CachedStore struct {
	next   store.Store
	rdb    cacheClient
	ttl    time.Duration
	logger *zap.Logger

	// gens 按 key 分片的写入代数，查询期间发生写入则放弃回填
	gens [genStripes]atomic.Uint64

	// dirty 删除失败的 key，在删除成功前绕过缓存
	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewCachedStore ttl<=0 时取 5 分钟
func NewCachedStore(next store.Store, rdb cacheClient, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{next: next, rdb: rdb, ttl: ttl, logger: logger, dirty: make(map[string]struct{})}
}

func (s *CachedStore) Store(ctx context.Context, m *store.Marker) error {
	if err := s.next.Store(ctx, m); err != nil {
		return err
	}
	s.gen(m.Key).Add(1)
	s.invalidate(ctx, m.Key)
	return nil
}

func (s *CachedStore) Lookup(ctx context.Context, key string) (*store.Marker, error) {
	if s.isDirty(key) && !s.invalidate(ctx, key) {
		return s.next.Lookup(ctx, key)
	}

	raw, err := s.rdb.Get(ctx, markerKeyPrefix+key).Bytes()
	switch {
	case err == nil:
		var m store.Marker
		if jerr := json.Unmarshal(raw, &m); jerr == nil {
			return &m, nil
		}
		s.logger.Warn("corrupt marker cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("marker cache get failed", zap.String("key", key), zap.Error(err))
	}

	gen := s.gen(key).Load()
	m, err := s.next.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.gen(key).Load() == gen {
		s.put(ctx, m)
	}
	return m, nil
}

func (s *CachedStore) gen(key string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.gens[h.Sum32()%genStripes]
}

// invalidate 删除缓存项；失败时标记为脏，返回是否删除成功
func (s *CachedStore) invalidate(ctx context.Context, key string) bool {
	if err := s.rdb.Del(ctx, markerKeyPrefix+key).Err(); err != nil {
		s.logger.Error("marker cache invalidate failed", zap.String("key", key), zap.Error(err))
		s.mu.Lock()
		s.dirty[key] = struct{}{}
		s.mu.Unlock()
		return false
	}
	s.mu.Lock()
	delete(s.dirty, key)
	s.mu.Unlock()
	return true
}

func (s *CachedStore) isDirty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[key]
	return ok
}

func (s *CachedStore) put(ctx context.Context, m *store.Marker) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, markerKeyPrefix+m.Key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("marker cache set failed", zap.String("key", m.Key), zap.Error(err))
	}
}

func (s *CachedStore) Close() error { return s.next.Close() }
