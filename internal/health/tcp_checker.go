package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/marker-server/internal/tcpserver"
)

// TCPChecker TCP 网关健康检查器
type TCPChecker struct {
	server *tcpserver.Server
}

// NewTCPChecker 创建TCP健康检查器
func NewTCPChecker(server *tcpserver.Server) *TCPChecker {
	return &TCPChecker{server: server}
}

// Name 返回检查器名称
func (c *TCPChecker) Name() string {
	return "tcp"
}

// Check 监听状态 + 连接占用率
func (c *TCPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if !c.server.Listening() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "not accepting connections",
			Latency: time.Since(start),
		}
	}

	activeConns := c.server.ActiveConnections()
	details := map[string]interface{}{
		"active_connections":  activeConns,
		"loop_pending_tasks":  c.server.PendingTasks(),
		"loop_executed_tasks": c.server.ExecutedTasks(),
	}
	if rs := c.server.RateLimiterStats(); rs != nil {
		details["rate_rejected_total"] = rs.RejectedTotal
	}

	maxConns := c.server.MaxConnections()
	if maxConns == 0 {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "no limiting enabled",
			Details: details,
			Latency: time.Since(start),
		}
	}

	utilization := float64(activeConns) / float64(maxConns)
	status := StatusHealthy
	message := "ok"
	if utilization > 0.8 {
		status = StatusDegraded
		message = "high connection usage"
	}
	if utilization > 0.95 {
		status = StatusUnhealthy
		message = "connection limit near exhausted"
	}

	details["max_connections"] = maxConns
	details["utilization"] = fmt.Sprintf("%.1f%%", utilization*100)
	if ls := c.server.LimiterStats(); ls != nil {
		details["rejected_total"] = ls.RejectedTotal
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}
