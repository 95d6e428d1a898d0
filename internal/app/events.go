package app

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/events"
	"github.com/taoyao-code/pump-mediator/internal/health"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
)

// NewNATS 未启用时返回 nil, nil
func NewNATS(cfg cfgpkg.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if !cfg.Enabled {
		logger.Info("nats is disabled, uplink events are not published")
		return nil, nil
	}
	return events.Connect(cfg, logger)
}

// NewPublisher 构造上行事件发布者；nc 为 nil 时返回 Nop
func NewPublisher(nc *nats.Conn, cfg cfgpkg.NATSConfig, appm *metrics.AppMetrics, logger *zap.Logger) (events.Publisher, *events.CircuitBreaker) {
	if nc == nil {
		return events.Nop{}, nil
	}
	breaker := events.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	breaker.OnTransition(func(from, to events.BreakerState) {
		logger.Warn("uplink publish breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	pub := events.NewNATSPublisher(nc, cfg.UplinkSubject, breaker, logger)
	pub.SetResultCallback(func(result string) {
		appm.UplinkPublish.WithLabelValues(result).Inc()
	})
	return pub, breaker
}

// AddNATSChecker 添加总线检查器到聚合器
func AddNATSChecker(aggregator *health.Aggregator, nc *nats.Conn, breaker *events.CircuitBreaker) {
	if nc != nil {
		aggregator.AddChecker(health.NewNATSChecker(nc, breaker))
	}
}

// NewWebhook 未启用时返回 nil, nil
func NewWebhook(cfg cfgpkg.WebhookConfig, appm *metrics.AppMetrics, logger *zap.Logger) (*events.WebhookPublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	wh, err := events.NewWebhookPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	wh.SetResultCallback(func(result string) {
		appm.WebhookPush.WithLabelValues(result).Inc()
	})
	return wh, nil
}

// CombinePublishers 总线与 webhook 同时启用时扇出
func CombinePublishers(bus events.Publisher, webhook *events.WebhookPublisher) events.Publisher {
	if webhook == nil {
		return bus
	}
	if _, ok := bus.(events.Nop); ok {
		return webhook
	}
	return events.Fanout{bus, webhook}
}
