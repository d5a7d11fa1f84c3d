package health

import (
	"context"
	"time"

	"github.com/taoyao-code/marker-server/internal/store"
)

// BreakerChecker 存储熔断器状态：打开时降级（查询快速失败，连接仍可服务）
type BreakerChecker struct {
	cb *store.CircuitBreaker
}

func NewBreakerChecker(cb *store.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{cb: cb}
}

func (c *BreakerChecker) Name() string { return "store_breaker" }

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	st := c.cb.Stats()

	status := StatusHealthy
	message := "ok"
	switch c.cb.State() {
	case store.BreakerOpen:
		status = StatusDegraded
		message = "circuit open"
	case store.BreakerHalfOpen:
		status = StatusDegraded
		message = "circuit half-open"
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"state":    st.State,
			"failures": st.Failures,
			"trips":    st.Trips,
		},
		Latency: time.Since(start),
	}
}
