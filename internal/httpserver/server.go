// Package httpserver 管理端 HTTP 服务：探针、健康报告与 Prometheus 指标。
// 业务流量只走 TCP 网关端口。
package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
)

// Server HTTP 服务封装
type Server struct {
	engine    *gin.Engine
	protected *gin.RouterGroup
	srv       *http.Server
}

// New 创建并配置 Gin + HTTP Server，注册探针与指标路由。
// 指标与后续通过 Protected 注册的路由受 cfg.Auth 保护
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, readyFn func() bool) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	protected := r.Group("/", APIKeyAuth(cfg.Auth, zap.L().Named("admin")))
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		protected.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	return &Server{
		engine:    r,
		protected: protected,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Routes 用于追加公开路由（探针），须在 Start 前调用
func (s *Server) Routes() gin.IRoutes { return s.engine }

// Protected 用于追加需认证的路由（健康报告等），须在 Start 前调用
func (s *Server) Protected() gin.IRoutes { return s.protected }

// Handler 底层处理器
func (s *Server) Handler() http.Handler { return s.engine }

// Start 启动 HTTP 服务（阻塞）；正常关闭时返回 nil
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
