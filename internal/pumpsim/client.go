// Package pumpsim 模拟输液泵客户端：注册、上报、回放录制帧，用于联调与集成测试。
package pumpsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
	"github.com/taoyao-code/pump-mediator/internal/protocol/qtp"
)

// ErrRejected 中介拒绝注册
var ErrRejected = errors.New("registration rejected")

// Client 单个模拟泵连接（非并发安全）
type Client struct {
	conn    net.Conn
	codec   *qtp.Codec
	serial  uint32
	timeout time.Duration
	log     *zap.Logger
	buf     []byte
}

// Option 客户端选项
type Option func(*Client)

// WithTimeout 单次读写超时，默认 5s
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger 日志
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Dial 连接中介的泵接入端口
func Dial(ctx context.Context, addr string, serial uint32, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		codec:   qtp.NewCodec(),
		serial:  serial,
		timeout: 5 * time.Second,
		log:     zap.NewNop(),
		buf:     make([]byte, 1024),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.Uint32("serial", serial))
	return c, nil
}

func (c *Client) Serial() uint32 { return c.serial }

func (c *Client) Close() error { return c.conn.Close() }

// Send 以本机序列号编码并发送一条消息
func (c *Client) Send(body qdp.Body) error {
	raw, err := qdp.Build(c.serial, body)
	if err != nil {
		return err
	}
	return c.SendRaw(raw)
}

// SendRaw 原样发送一帧（或任意字节）
func (c *Client) SendRaw(raw []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(raw)
	return err
}

// Receive 读取并解码下一条消息；与服务端相同，按 Remaining 大小读取
func (c *Client) Receive() (*qdp.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	for !c.codec.Complete() {
		need := c.codec.Remaining()
		if need > len(c.buf) {
			need = len(c.buf)
		}
		n, err := c.conn.Read(c.buf[:need])
		if n > 0 {
			if _, xerr := c.codec.Extend(c.buf[:n]); xerr != nil {
				return nil, xerr
			}
		}
		if err != nil && !c.codec.Complete() {
			return nil, err
		}
	}
	return qdp.Decode(c.codec.Next().Payload)
}

// ReceiveType 跳过其他类型（如保活），直到收到 t 类型消息
func (c *Client) ReceiveType(t qdp.MessageType) (*qdp.Message, error) {
	for {
		m, err := c.Receive()
		if err != nil {
			return nil, err
		}
		if m.Type() == t {
			return m, nil
		}
		c.log.Debug("skip message", zap.String("msg_type", m.Type().String()))
	}
}

// Register 发送注册请求并等待应答；被拒绝时返回 ErrRejected
func (c *Client) Register(req qdp.RegistrationRequest) error {
	if err := c.Send(req); err != nil {
		return err
	}
	m, err := c.ReceiveType(qdp.TypeRegistrationResponse)
	if err != nil {
		return err
	}
	if !m.Body.(qdp.RegistrationResponse).Accepted() {
		return ErrRejected
	}
	c.log.Info("registered", zap.String("model", req.Model))
	return nil
}

// SendStatus 上报一条临床状态并等待中介应答
func (c *Client) SendStatus(st qdp.ClinicalStatusUpdate) (qdp.Acknowledgement, error) {
	if err := c.Send(st); err != nil {
		return qdp.Acknowledgement{}, err
	}
	m, err := c.ReceiveType(qdp.TypeAcknowledgement)
	if err != nil {
		return qdp.Acknowledgement{}, err
	}
	return m.Body.(qdp.Acknowledgement), nil
}

// SyncTime 请求时间同步，返回中介时钟
func (c *Client) SyncTime(now time.Time) (time.Time, error) {
	_, offset := now.Zone()
	if err := c.Send(qdp.TimeSync{Timestamp: uint32(now.Unix()), UTCOffsetMinutes: int16(offset / 60)}); err != nil {
		return time.Time{}, err
	}
	m, err := c.ReceiveType(qdp.TypeTimeSync)
	if err != nil {
		return time.Time{}, err
	}
	ts := m.Body.(qdp.TimeSync)
	return time.Unix(int64(ts.Timestamp), 0), nil
}

// Replay 依次发送夹具中的帧；rewrite 为 true 时把序列号替换为本机序列号。
// 带 Expect 的帧会等待对应类型的应答。返回已发送帧数。
func (c *Client) Replay(f *Fixture, rewrite bool) (int, error) {
	sent := 0
	for _, fr := range f.Frames {
		raw, err := fr.Bytes()
		if err != nil {
			return sent, fmt.Errorf("frame %q: %w", fr.Name, err)
		}
		if rewrite {
			if raw, err = qdp.ReplaceSerialAndWrap(raw, c.serial); err != nil {
				return sent, fmt.Errorf("frame %q: %w", fr.Name, err)
			}
		}
		if fr.Delay > 0 {
			time.Sleep(fr.Delay)
		}
		if err := c.SendRaw(raw); err != nil {
			return sent, err
		}
		sent++
		c.log.Debug("frame replayed", zap.String("frame", fr.Name), zap.Int("len", len(raw)))

		if fr.Expect != "" {
			want, err := fr.ExpectType()
			if err != nil {
				return sent, err
			}
			if _, err := c.ReceiveType(want); err != nil {
				return sent, fmt.Errorf("frame %q: waiting %s: %w", fr.Name, fr.Expect, err)
			}
		}
	}
	return sent, nil
}
