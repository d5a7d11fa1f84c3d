package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	pgstorage "github.com/taoyao-code/marker-server/internal/storage/pg"
	redisstorage "github.com/taoyao-code/marker-server/internal/storage/redis"
	"github.com/taoyao-code/marker-server/internal/store"
)

// Store 装配后的持久化协作者：底层存储 -> 熔断 -> 查询缓存
type Store struct {
	Markers store.Store
	// DB postgres 驱动时的连接池，随 Close 关闭
	DB      *pgxpool.Pool
	Breaker *store.CircuitBreaker
}

// Close 关闭存储链（含连接池）
func (s *Store) Close() error { return s.Markers.Close() }

// NewStore 按 store.driver 创建存储。rdb 非 nil 时启用查询缓存
func NewStore(ctx context.Context, cfg *cfgpkg.Config, rdb *redisstorage.Client, log *zap.Logger) (*Store, error) {
	out := &Store{}

	var base store.Store
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory":
		base = store.NewMemoryStore()
	case "postgres":
		pool, err := ConnectDBAndMigrate(ctx, cfg.Database, log)
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, err
		}
		out.DB = pool
		base = pgstorage.NewMarkerRepository(pool)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	if cfg.Store.Breaker.Enabled {
		cb := store.NewCircuitBreaker(cfg.Store.Breaker.Threshold, cfg.Store.Breaker.Timeout)
		cb.OnStateChange(func(from, to store.BreakerState) {
			log.Warn("store circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		})
		out.Breaker = cb
		base = store.NewBreakerStore(base, cb)
	}

	if rdb != nil {
		base = redisstorage.NewCachedStore(base, rdb, cfg.Redis.CacheTTL, log)
	}
	out.Markers = base

	log.Info("store ready",
		zap.String("driver", cfg.Store.Driver),
		zap.Bool("breaker", out.Breaker != nil),
		zap.Bool("cache", rdb != nil))
	return out, nil
}
