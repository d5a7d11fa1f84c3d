package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 网关业务指标
type AppMetrics struct {
	TCPAccepted       prometheus.Counter
	TCPRejected       *prometheus.CounterVec // labels: reason=limit|rate
	TCPBytesReceived  prometheus.Counter
	TCPBytesSent      prometheus.Counter
	ActiveConnections prometheus.Gauge
	ProtocolDetected  *prometheus.CounterVec // labels: protocol=http|binary|unknown
	DetectDuration    prometheus.Histogram
	ProtocolErrors    *prometheus.CounterVec // labels: protocol
	RequestsTotal     *prometheus.CounterVec // labels: protocol, status
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcp_reject_total",
			Help: "TCP connections rejected before protocol detection.",
		}, []string{"reason"}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		TCPBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_sent_total",
			Help: "Total bytes written over TCP.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcp_active_connections",
			Help: "Currently open TCP connections.",
		}),
		ProtocolDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_detect_total",
			Help: "Connections classified by protocol marker.",
		}, []string{"protocol"}),
		DetectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "protocol_detect_duration_seconds",
			Help:    "Time from accept to protocol classification.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_error_total",
			Help: "Connection-fatal framing errors by protocol.",
		}, []string{"protocol"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "request_total",
			Help: "Processed requests by protocol and result status.",
		}, []string{"protocol", "status"}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPRejected, m.TCPBytesReceived, m.TCPBytesSent, m.ActiveConnections,
		m.ProtocolDetected, m.DetectDuration, m.ProtocolErrors, m.RequestsTotal,
	)
	return m
}
