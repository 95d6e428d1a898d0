package app

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/outbound"
	"github.com/taoyao-code/pump-mediator/internal/session"
)

// StartOutbound 创建下行执行池；总线可用时订阅下行主题。
// 返回的 Subscriber 在未启用总线时为 nil。
func StartOutbound(cfg *cfgpkg.Config, nc *nats.Conn, sess session.SessionManager, appm *metrics.AppMetrics, logger *zap.Logger) (*outbound.Dispatcher, *outbound.Subscriber, error) {
	disp, err := outbound.NewDispatcher(cfg.Downlink, sess, appm, logger)
	if err != nil {
		return nil, nil, err
	}
	if nc == nil {
		return disp, nil, nil
	}
	sub := outbound.NewSubscriber(nc, cfg.NATS.DownlinkSubject, cfg.NATS.QueueGroup, disp, logger)
	if err := sub.Start(); err != nil {
		_ = disp.Release(0)
		return nil, nil, err
	}
	return disp, sub, nil
}
