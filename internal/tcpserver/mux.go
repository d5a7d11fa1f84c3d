package tcpserver

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/marker-server/internal/metrics"
	"github.com/taoyao-code/marker-server/internal/pipeline"
	"github.com/taoyao-code/marker-server/internal/protocol"
)

// Mux 多协议复用器：为每个连接安装嗅探管线，识别后由装配器替换为协议链
type Mux struct {
	asm     pipeline.Assembler
	logger  *zap.Logger
	metrics *metrics.AppMetrics
}

func NewMux(asm pipeline.Assembler, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{asm: asm, logger: logger}
}

// SetMetrics 设置指标（可选）
func (m *Mux) SetMetrics(appm *metrics.AppMetrics) { m.metrics = appm }

// BindToConn 为连接创建管线并安装读取/优雅关闭回调
func (m *Mux) BindToConn(cc *ConnContext) *pipeline.Pipeline {
	log := m.logger.With(zapConn(cc)...)
	start := time.Now()

	p := pipeline.New(cc, m.asm,
		pipeline.WithLogger(log),
		pipeline.WithRouteHook(func(v protocol.Variant) {
			cc.SetProtocol(v.String())
			// 识别完成后恢复正常读超时
			cc.RestoreNormalTimeout()

			d := time.Since(start)
			if m.metrics != nil {
				m.metrics.ProtocolDetected.WithLabelValues(v.String()).Inc()
				m.metrics.DetectDuration.Observe(d.Seconds())
			}
			log.Info("Protocol identified",
				zap.String("protocol", v.String()),
				zap.Duration("identification_duration", d))
		}),
		pipeline.WithErrorHook(func(err error) {
			if m.metrics == nil {
				return
			}
			if errors.Is(err, pipeline.ErrUnknownProtocol) {
				m.metrics.ProtocolDetected.WithLabelValues(protocol.Unknown.String()).Inc()
				return
			}
			m.metrics.ProtocolErrors.WithLabelValues(protocolLabel(cc)).Inc()
		}),
	)
	cc.SetOnRead(p.Fire)
	cc.SetOnDrain(p.Drain)
	return p
}

func protocolLabel(cc *ConnContext) string {
	if p := cc.Protocol(); p != "" {
		return p
	}
	return protocol.Unknown.String()
}
