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

// AppMetrics 自定义业务指标
type AppMetrics struct {
	TCPAccepted      prometheus.Counter
	TCPRejected      *prometheus.CounterVec // labels: reason=limit|rate|shutdown
	TCPBytesReceived prometheus.Counter
	TCPDisconnects   *prometheus.CounterVec // labels: reason=eof|idle|protocol|io|panic|shutdown
	QTPFrames        *prometheus.CounterVec // labels: result=ok|error
	QDPRouteTotal    *prometheus.CounterVec // labels: type
	QDPDropped       *prometheus.CounterVec // labels: reason
	ProtocolErrors   *prometheus.CounterVec // labels: kind=qtp|qdp
	Registrations    *prometheus.CounterVec // labels: result=accepted|rejected
	OnlineGauge      prometheus.Gauge       // 当前在线泵数
	KeepAliveSent    prometheus.Counter
	DownlinkTotal    *prometheus.CounterVec // labels: type, result
	UplinkPublish    *prometheus.CounterVec // labels: result=ok|error|open
	WebhookPush      *prometheus.CounterVec // labels: result=ok|error|rejected|dropped
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
			Help: "TCP connections rejected at accept time.",
		}, []string{"reason"}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		TCPDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcp_disconnect_total",
			Help: "Closed pump connections by reason.",
		}, []string{"reason"}),
		QTPFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qtp_frames_total",
			Help: "QTP frames accumulated.",
		}, []string{"result"}),
		QDPRouteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdp_route_total",
			Help: "QDP messages routed by type.",
		}, []string{"type"}),
		QDPDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdp_dropped_total",
			Help: "QDP messages dropped without a reply.",
		}, []string{"reason"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_errors_total",
			Help: "Fatal protocol errors by layer.",
		}, []string{"kind"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_total",
			Help: "Pump registration attempts.",
		}, []string{"result"}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_online_count",
			Help: "Current number of registered pumps on this instance.",
		}),
		KeepAliveSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keepalive_sent_total",
			Help: "Keep-alive frames written to pumps.",
		}),
		DownlinkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_total",
			Help: "Server-initiated commands by type and result.",
		}, []string{"type", "result"}),
		UplinkPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_publish_total",
			Help: "Uplink event publish attempts.",
		}, []string{"result"}),
		WebhookPush: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_webhook_total",
			Help: "Uplink events delivered to the webhook sink.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPRejected, m.TCPBytesReceived, m.TCPDisconnects,
		m.QTPFrames, m.QDPRouteTotal, m.QDPDropped, m.ProtocolErrors,
		m.Registrations, m.OnlineGauge, m.KeepAliveSent, m.DownlinkTotal, m.UplinkPublish,
		m.WebhookPush,
	)
	return m
}
