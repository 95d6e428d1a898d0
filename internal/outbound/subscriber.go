package outbound

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// natsConn *nats.Conn 的订阅/应答子集
type natsConn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
}

// Subscriber 从 NATS 下行主题接收命令交给 Dispatcher 执行。
// 未设置队列组时每个实例都收到命令，只有持有该泵连接的实例执行并应答。
type Subscriber struct {
	nc      natsConn
	subject string
	queue   string
	d       *Dispatcher
	logger  *zap.Logger
	sub     *nats.Subscription
}

func NewSubscriber(nc natsConn, subject, queue string, d *Dispatcher, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{nc: nc, subject: subject, queue: queue, d: d, logger: logger}
}

// Start 订阅下行主题
func (s *Subscriber) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.nc.QueueSubscribe(s.subject, s.queue, s.handle)
	} else {
		sub, err = s.nc.Subscribe(s.subject, s.handle)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("downlink subscriber started", zap.String("subject", s.subject), zap.String("queue", s.queue))
	return nil
}

// Stop 取消订阅
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("invalid downlink message", zap.String("subject", msg.Subject), zap.Error(err))
		s.reply(msg.Reply, Result{Status: "invalid", Error: err.Error()})
		return
	}
	reply := msg.Reply
	err := s.d.Submit(cmd, func(err error) {
		// 广播模式下其他实例的 offline 不应答，避免抢先回复
		if errors.Is(err, ErrPumpOffline) && s.queue == "" {
			return
		}
		s.reply(reply, resultOf(cmd, err))
	})
	if err != nil {
		s.logger.Error("downlink submit failed", zap.Uint32("serial", cmd.Serial), zap.Error(err))
		s.reply(reply, resultOf(cmd, err))
	}
}

func (s *Subscriber) reply(subject string, r Result) {
	if subject == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Warn("downlink reply failed", zap.String("reply", subject), zap.Error(err))
	}
}
