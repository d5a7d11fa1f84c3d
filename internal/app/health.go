package app

import (
	"github.com/taoyao-code/marker-server/internal/health"
	redisstorage "github.com/taoyao-code/marker-server/internal/storage/redis"
	"github.com/taoyao-code/marker-server/internal/tcpserver"
)

// NewHealthAggregator 以生命周期检查为基础创建聚合器，其余检查器随组件就绪追加
func NewHealthAggregator(ready *health.Readiness, pool health.PoolStatsSource) *health.Aggregator {
	return health.NewAggregator(ready, health.NewPoolChecker(pool))
}

// AddStoreCheckers 按存储装配结果追加数据库、缓存与熔断检查
func AddStoreCheckers(agg *health.Aggregator, st *Store) {
	if st.DB != nil {
		agg.AddChecker(health.NewDatabaseChecker(st.DB))
	}
	if st.Breaker != nil {
		agg.AddChecker(health.NewBreakerChecker(st.Breaker))
	}
}

// AddRedisChecker 添加缓存检查器
func AddRedisChecker(agg *health.Aggregator, client *redisstorage.Client) {
	if client != nil {
		agg.AddChecker(health.NewRedisChecker(client))
	}
}

// AddTCPChecker 添加TCP检查器
func AddTCPChecker(agg *health.Aggregator, srv *tcpserver.Server) {
	agg.AddChecker(health.NewTCPChecker(srv))
}
