package health

import (
	"context"
	"sync/atomic"
	"time"
)

// Readiness 进程生命周期就绪状态：启动完成前与优雅关闭期间均不就绪
type Readiness struct {
	storeReady atomic.Bool
	tcpReady   atomic.Bool
	draining   atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetStoreReady(v bool) { r.storeReady.Store(v) }
func (r *Readiness) SetTCPReady(v bool)   { r.tcpReady.Store(v) }

// SetDraining 进入优雅关闭
func (r *Readiness) SetDraining() { r.draining.Store(true) }

// Ready 总体就绪：各子系统均为 true 且未在关闭中
func (r *Readiness) Ready() bool {
	return r.storeReady.Load() && r.tcpReady.Load() && !r.draining.Load()
}

// Name 实现 Checker
func (r *Readiness) Name() string { return "lifecycle" }

// Check 实现 Checker
func (r *Readiness) Check(context.Context) CheckResult {
	start := time.Now()
	details := map[string]interface{}{
		"store_ready": r.storeReady.Load(),
		"tcp_ready":   r.tcpReady.Load(),
		"draining":    r.draining.Load(),
	}
	if r.Ready() {
		return CheckResult{Status: StatusHealthy, Message: "ok", Details: details, Latency: time.Since(start)}
	}
	msg := "starting"
	if r.draining.Load() {
		msg = "draining"
	}
	return CheckResult{Status: StatusUnhealthy, Message: msg, Details: details, Latency: time.Since(start)}
}
