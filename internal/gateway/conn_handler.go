package gateway

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/marker-server/internal/metrics"
	"github.com/taoyao-code/marker-server/internal/pipeline"
	"github.com/taoyao-code/marker-server/internal/tcpserver"
)

// NewConnHandler 构建 TCP 连接处理器：为每个新连接安装嗅探管线并上报识别指标
func NewConnHandler(asm pipeline.Assembler, appm *metrics.AppMetrics, logger *zap.Logger) func(*tcpserver.ConnContext) {
	mux := tcpserver.NewMux(asm, logger)
	if appm != nil {
		mux.SetMetrics(appm)
	}
	return func(cc *tcpserver.ConnContext) {
		mux.BindToConn(cc)
	}
}
