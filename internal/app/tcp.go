package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

// NewTCPServer 根据配置创建泵接入服务并挂接指标回调
func NewTCPServer(cfg cfgpkg.TCPConfig, appm *metrics.AppMetrics, logger *zap.Logger) *tcpserver.Server {
	srv := tcpserver.New(cfg, logger)
	srv.SetCallbacks(tcpserver.Callbacks{
		OnAccept:    func() { appm.TCPAccepted.Inc() },
		OnReject:    func(reason string) { appm.TCPRejected.WithLabelValues(reason).Inc() },
		OnRecvBytes: func(n int) { appm.TCPBytesReceived.Add(float64(n)) },
		OnClose:     func(reason tcpserver.CloseReason) { appm.TCPDisconnects.WithLabelValues(string(reason)).Inc() },
	})
	return srv
}
