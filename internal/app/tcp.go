package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	"github.com/taoyao-code/marker-server/internal/eventloop"
	"github.com/taoyao-code/marker-server/internal/metrics"
	"github.com/taoyao-code/marker-server/internal/tcpserver"
)

// NewTCPServer 根据配置创建 TCP 网关，安装限流器与指标回调
func NewTCPServer(cfg cfgpkg.TCPConfig, loops *eventloop.Group, appm *metrics.AppMetrics, log *zap.Logger) *tcpserver.Server {
	srv := tcpserver.New(cfg, loops, log.Named("tcp"))
	if cfg.MaxConnections > 0 {
		srv.SetLimiter(tcpserver.NewConnectionLimiter(cfg.MaxConnections))
	}
	if cfg.AcceptRate > 0 {
		srv.SetRateLimiter(tcpserver.NewRateLimiter(cfg.AcceptRate, cfg.AcceptBurst))
	}
	if appm != nil {
		srv.SetMetricsCallbacks(
			func() { appm.TCPAccepted.Inc() },
			func(n int) { appm.TCPBytesReceived.Add(float64(n)) },
		)
		srv.SetConnCallbacks(
			func(reason string) { appm.TCPRejected.WithLabelValues(reason).Inc() },
			func(n int) { appm.TCPBytesSent.Add(float64(n)) },
			func(n int) { appm.ActiveConnections.Set(float64(n)) },
		)
	}
	return srv
}
