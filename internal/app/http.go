package app

import (
	"net/http"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	"github.com/taoyao-code/marker-server/internal/health"
	"github.com/taoyao-code/marker-server/internal/httpserver"
)

// NewHTTPServer 创建管理端 HTTP 服务并挂载健康检查路由
func NewHTTPServer(cfg cfgpkg.HTTPConfig, metricsCfg cfgpkg.MetricsConfig, metricsHandler http.Handler, ready *health.Readiness, agg *health.Aggregator) *httpserver.Server {
	if !metricsCfg.Enable {
		metricsHandler = nil
	}
	srv := httpserver.New(cfg, metricsCfg.Path, metricsHandler, ready.Ready)
	// /healthz、/readyz 公开；/health* 与指标一样受管理端认证保护
	health.RegisterHTTPRoutes(srv.Protected(), agg)
	health.RegisterReportRoute(srv.Protected(), agg)
	return srv
}
