// Package gateway 实现单个泵连接的协议状态机：帧累积、消息解码、注册握手、
// 应答、保活与上行事件转发。
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/events"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qtp"
	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
	"github.com/taoyao-code/pump-mediator/internal/session"
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

// ErrNotRegistered 连接尚未完成注册，不能下发
var ErrNotRegistered = errors.New("pump not registered")

// Phase 注册阶段
type Phase int

const (
	PhaseUnregistered Phase = iota
	PhaseRegistered
)

func (p Phase) String() string {
	if p == PhaseRegistered {
		return "registered"
	}
	return "unregistered"
}

// Transport 泵连接的底层传输，由 *tcpserver.ConnContext 实现
type Transport interface {
	ID() uint64
	RemoteAddr() net.Addr
	Write(b []byte) error
	Close() error
	Done() <-chan struct{}
}

// Deps 所有连接共享的依赖
type Deps struct {
	Sessions          session.SessionManager
	Publisher         events.Publisher
	Policy            RegistrationPolicy
	Table             *Table
	Metrics           *metrics.AppMetrics
	Logger            *zap.Logger
	KeepAliveInterval time.Duration
	// 同一连接两次会话心跳的最小间隔，默认 1s
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

func (d *Deps) withDefaults() *Deps {
	out := *d
	if out.Sessions == nil {
		out.Sessions = session.New(0)
	}
	if out.Publisher == nil {
		out.Publisher = events.Nop{}
	}
	if out.Policy == nil {
		out.Policy = AcceptAll{}
	}
	if out.Table == nil {
		out.Table = DefaultTable()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = time.Second
	}
	return &out
}

// PumpConnection 单个泵连接。OnBytes/OnFrame 只在连接读协程中调用；
// Push 可被任意协程调用，写入由传输层串行化。
type PumpConnection struct {
	t     Transport
	deps  *Deps
	codec *qtp.Codec
	base  *zap.Logger

	mu     sync.RWMutex
	phase  Phase
	serial uint32
	log    *zap.Logger // base + 当前序列号

	// 仅读协程访问
	last     *qdp.Message
	lastBeat time.Time

	kaOnce sync.Once
	kaStop chan struct{}
	closed sync.Once
}

var (
	_ tcpserver.StreamHandler = (*PumpConnection)(nil)
	_ tcpserver.CloseNotifier = (*PumpConnection)(nil)
	_ session.Conn            = (*PumpConnection)(nil)
)

// NewPumpConnection 创建处于 Unregistered 阶段的连接
func NewPumpConnection(t Transport, deps *Deps) *PumpConnection {
	d := deps.withDefaults()
	base := d.Logger.With(zap.Uint64("conn_id", t.ID()), zap.String("remote_addr", t.RemoteAddr().String()))
	return &PumpConnection{
		t:      t,
		deps:   d,
		codec:  qtp.NewCodec(),
		base:   base,
		log:    base,
		kaStop: make(chan struct{}),
	}
}

func (pc *PumpConnection) logger() *zap.Logger {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.log
}

// ConnID 连接ID
func (pc *PumpConnection) ConnID() uint64 { return pc.t.ID() }

// RemoteAddr 远端地址
func (pc *PumpConnection) RemoteAddr() string { return pc.t.RemoteAddr().String() }

// Phase 当前注册阶段
func (pc *PumpConnection) Phase() Phase {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.phase
}

// Registered 是否已注册
func (pc *PumpConnection) Registered() bool { return pc.Phase() == PhaseRegistered }

// Serial 注册的序列号，未注册时为 0
func (pc *PumpConnection) Serial() uint32 {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.serial
}

// LastMessage 最近一条成功解码的消息
func (pc *PumpConnection) LastMessage() *qdp.Message { return pc.last }

// NextReadSize 下一次读取大小：当前帧还缺的字节数
func (pc *PumpConnection) NextReadSize() int { return pc.codec.Remaining() }

// OnBytes 累积字节，每完成一帧即解码并分发
func (pc *PumpConnection) OnBytes(p []byte) error {
	for len(p) > 0 {
		n, err := pc.codec.Extend(p)
		if err != nil {
			pc.countFrame("error")
			pc.protocolError("qtp", err)
			return err
		}
		p = p[n:]
		if !pc.codec.Complete() {
			continue
		}
		fr := pc.codec.Next()
		pc.countFrame("ok")
		if err := pc.OnFrame(fr.Payload); err != nil {
			return err
		}
	}
	return nil
}

// OnFrame 解码一帧载荷并按类型分发
func (pc *PumpConnection) OnFrame(payload []byte) error {
	m, err := qdp.Decode(payload)
	if err != nil {
		pc.protocolError("qdp", err)
		return err
	}
	pc.last = m

	if pc.deps.Metrics != nil {
		pc.deps.Metrics.QDPRouteTotal.WithLabelValues(m.Type().String()).Inc()
	}
	if pc.Registered() {
		pc.heartbeat(false)
	}
	return pc.deps.Table.Route(pc, m)
}

// heartbeat 刷新会话最近活跃时间；非强制时按 HeartbeatInterval 节流，
// 避免每帧都访问会话存储（Redis）
func (pc *PumpConnection) heartbeat(force bool) {
	now := pc.deps.Now()
	if !force && !pc.lastBeat.IsZero() && now.Sub(pc.lastBeat) < pc.deps.HeartbeatInterval {
		return
	}
	pc.lastBeat = now
	pc.deps.Sessions.OnHeartbeat(pc.Serial(), now)
}

// Push 服务端主动下发：按注册序列号编码、包装并写入
func (pc *PumpConnection) Push(body qdp.Body) error {
	pc.mu.RLock()
	phase, serial := pc.phase, pc.serial
	pc.mu.RUnlock()
	if phase != PhaseRegistered {
		return ErrNotRegistered
	}
	raw, err := qdp.Build(serial, body)
	if err != nil {
		return err
	}
	return pc.t.Write(raw)
}

// Close 主动断开
func (pc *PumpConnection) Close() error { return pc.t.Close() }

// OnClose 连接关闭：停止保活并解除会话绑定
func (pc *PumpConnection) OnClose(reason tcpserver.CloseReason, err error) {
	pc.closed.Do(func() {
		close(pc.kaStop)

		pc.mu.Lock()
		phase, serial, log := pc.phase, pc.serial, pc.log
		pc.phase = PhaseUnregistered
		pc.mu.Unlock()

		if phase == PhaseRegistered {
			pc.deps.Sessions.Unbind(serial, pc)
			pc.updateOnline()
		}
		fields := []zap.Field{zap.String("reason", string(reason)), zap.String("phase", phase.String())}
		if pc.last != nil {
			fields = append(fields, zap.String("last_msg_type", pc.last.Type().String()))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		log.Info("pump connection closed", fields...)
	})
}

func (pc *PumpConnection) write(raw []byte, err error) error {
	if err != nil {
		return err
	}
	return pc.t.Write(raw)
}

func (pc *PumpConnection) publish(m *qdp.Message) {
	ev := events.NewEvent(pc.Serial(), pc.ConnID(), pc.RemoteAddr(), m, pc.deps.Now())
	// 发布失败由发布者计数与熔断，不影响连接
	_ = pc.deps.Publisher.Publish(context.Background(), ev)
}

func (pc *PumpConnection) drop(m *qdp.Message, reason string) {
	if pc.deps.Metrics != nil {
		pc.deps.Metrics.QDPDropped.WithLabelValues(reason).Inc()
	}
	pc.logger().Warn("qdp message dropped",
		zap.String("reason", reason),
		zap.String("msg_type", m.Type().String()),
		zap.Uint32("device_serial", m.DeviceSerial))
}

func (pc *PumpConnection) countFrame(result string) {
	if pc.deps.Metrics != nil {
		pc.deps.Metrics.QTPFrames.WithLabelValues(result).Inc()
	}
}

func (pc *PumpConnection) protocolError(kind string, err error) {
	if pc.deps.Metrics != nil {
		pc.deps.Metrics.ProtocolErrors.WithLabelValues(kind).Inc()
	}
	fields := []zap.Field{zap.String("kind", kind), zap.Error(err)}
	var pe *wire.ProtocolError
	if errors.As(err, &pe) {
		fields = append(fields,
			zap.String("field", pe.Field),
			zap.Int("offset", pe.Offset),
			zap.String("bytes", hex.EncodeToString(pe.Data)))
	}
	if pc.last != nil {
		fields = append(fields, zap.String("last_msg_type", pc.last.Type().String()))
	}
	pc.logger().Error("protocol error, closing connection", fields...)
}

func (pc *PumpConnection) updateOnline() {
	if pc.deps.Metrics != nil {
		pc.deps.Metrics.OnlineGauge.Set(float64(len(pc.deps.Sessions.Serials())))
	}
}

// startKeepAlive 首次注册成功后启动，周期下发 ConnectionEstablished；
// 回到未注册阶段时跳过本次，连接关闭时退出
func (pc *PumpConnection) startKeepAlive() {
	interval := pc.deps.KeepAliveInterval
	if interval <= 0 {
		return
	}
	pc.kaOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-pc.kaStop:
					return
				case <-pc.t.Done():
					return
				case <-ticker.C:
					err := pc.Push(qdp.ConnectionEstablished{})
					if errors.Is(err, ErrNotRegistered) {
						continue
					}
					if err != nil {
						pc.logger().Warn("keep-alive write failed", zap.Error(err))
						return
					}
					if pc.deps.Metrics != nil {
						pc.deps.Metrics.KeepAliveSent.Inc()
					}
				}
			}
		}()
	})
}
