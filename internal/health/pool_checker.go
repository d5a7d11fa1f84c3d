package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/marker-server/internal/worker"
)

// PoolStatsSource 业务线程池统计来源
type PoolStatsSource interface {
	Stats() worker.PoolStats
}

// PoolChecker 业务线程池积压检查
type PoolChecker struct {
	pool PoolStatsSource
}

func NewPoolChecker(pool PoolStatsSource) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string { return "business_pool" }

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	st := c.pool.Stats()

	usage := 0.0
	if st.QueueSize > 0 {
		usage = float64(st.QueueDepth) / float64(st.QueueSize)
	}
	status := StatusHealthy
	message := "ok"
	switch {
	case usage >= 1.0:
		status = StatusUnhealthy
		message = "queue full"
	case usage > 0.8:
		status = StatusDegraded
		message = "queue backlog"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"workers":     st.Workers,
			"busy":        st.Busy,
			"queue_depth": st.QueueDepth,
			"queue_size":  st.QueueSize,
			"dropped":     st.Dropped,
			"failed":      st.Failed,
			"queue_usage": fmt.Sprintf("%.1f%%", usage*100),
		},
		Latency: time.Since(start),
	}
}
