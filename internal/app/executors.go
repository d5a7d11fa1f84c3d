package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	"github.com/taoyao-code/marker-server/internal/eventloop"
	"github.com/taoyao-code/marker-server/internal/pipeline"
	"github.com/taoyao-code/marker-server/internal/worker"
)

// NewIOLoops 创建 I/O 事件循环组
func NewIOLoops(cfg cfgpkg.TCPConfig, log *zap.Logger) *eventloop.Group {
	return eventloop.NewGroup(cfg.Loops(), cfg.LoopQueueSize, log.Named("ioloop"))
}

// NewBusinessPool 创建并启动业务线程池，与 I/O 循环相互独立
func NewBusinessPool(ctx context.Context, cfg cfgpkg.TCPConfig, reg prometheus.Registerer, log *zap.Logger) (*worker.Pool[pipeline.Job], error) {
	pool := worker.NewPool[pipeline.Job](cfg.Workers(), cfg.BusinessQueueSize, pipeline.RunJob,
		worker.WithMetrics[pipeline.Job](reg, "business_pool"),
		worker.WithLogger[pipeline.Job](log.Named("business")),
	)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}
