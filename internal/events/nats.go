package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
)

// Connect 按配置连接 NATS，断线/重连写日志
func Connect(cfg cfgpkg.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	logger.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// msgPublisher *nats.Conn 的发布子集
type msgPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher 发布到 <prefix>.<type> 与 <prefix>.all
type NATSPublisher struct {
	nc       msgPublisher
	prefix   string
	breaker  *CircuitBreaker
	logger   *zap.Logger
	onResult func(result string)
}

// NewNATSPublisher 创建发布者；breaker 为 nil 时不熔断
func NewNATSPublisher(nc msgPublisher, prefix string, breaker *CircuitBreaker, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, breaker: breaker, logger: logger}
}

// SetResultCallback 每次发布后回调 ok|error|open
func (p *NATSPublisher) SetResultCallback(fn func(result string)) { p.onResult = fn }

// Breaker 熔断器（健康检查展示用）
func (p *NATSPublisher) Breaker() *CircuitBreaker { return p.breaker }

// Subject 某类型事件的主题
func (p *NATSPublisher) Subject(eventType string) string { return p.prefix + "." + eventType }

// Publish 编码并发布事件
func (p *NATSPublisher) Publish(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.result("error")
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	send := func() error {
		if err := p.nc.Publish(p.Subject(ev.Type), data); err != nil {
			return err
		}
		return p.nc.Publish(p.Subject("all"), data)
	}
	if p.breaker != nil {
		err = p.breaker.Call(send)
	} else {
		err = send()
	}

	switch {
	case err == nil:
		p.result("ok")
		return nil
	case errors.Is(err, ErrCircuitOpen):
		p.result("open")
	default:
		p.result("error")
		p.logger.Warn("uplink publish failed",
			zap.Uint32("serial", ev.Serial),
			zap.String("msg_type", ev.Type),
			zap.Error(err))
	}
	return fmt.Errorf("publish %s: %w", ev.Type, err)
}

func (p *NATSPublisher) result(r string) {
	if p.onResult != nil {
		p.onResult(r)
	}
}
