package qtp

import (
	"encoding/binary"

	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
)

const layer = "qtp"

// State 帧累积器解析阶段
type State int

const (
	StateAwaitingStart State = iota
	StateAwaitingSizeMarker
	StateAwaitingLength
	StateAwaitingPayload
	StateAwaitingEnd
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateAwaitingSizeMarker:
		return "awaiting_size_marker"
	case StateAwaitingLength:
		return "awaiting_length"
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateAwaitingEnd:
		return "awaiting_end"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) field() string {
	switch s {
	case StateAwaitingStart:
		return "start_marker"
	case StateAwaitingSizeMarker:
		return "size_marker"
	case StateAwaitingLength:
		return "length"
	case StateAwaitingPayload:
		return "payload"
	case StateAwaitingEnd:
		return "end_marker"
	default:
		return s.String()
	}
}

// Codec QTP 增量帧累积器（每个连接独占一个实例，非并发安全）
//
// 与可重同步的流式解码器不同，任何标记不匹配都是致命错误：
// 帧边界无法安全恢复，连接必须关闭。
type Codec struct {
	state   State
	lenBuf  [2]byte
	lenGot  int
	length  int
	payload []byte
	offset  int // 当前帧内已消费字节数，用于错误定位
	err     error
}

// NewCodec 创建累积器，初始状态 AwaitingStart
func NewCodec() *Codec { return &Codec{} }

// State 当前阶段
func (c *Codec) State() State { return c.state }

// Complete 是否已累积出一帧完整数据
func (c *Codec) Complete() bool { return c.state == StateComplete }

// Err 累积器失败时的错误
func (c *Codec) Err() error { return c.err }

// Remaining 完成当前字段（或整帧）还需要的字节数。
// 未完成时恒 >= 1；调用方据此决定下一次读取的大小，避免跨帧多读。
func (c *Codec) Remaining() int {
	switch c.state {
	case StateAwaitingLength:
		return 2 - c.lenGot
	case StateAwaitingPayload:
		return c.length - len(c.payload)
	case StateComplete:
		return 0
	default:
		// start/size/end 各 1 字节；失败状态同样返回 1，下一次 Extend 会返回错误
		return 1
	}
}

// Extend 追加字节，最多消费到当前帧结束为止，返回已消费字节数。
// 帧完成后不再消费，调用方需先 Next 取走帧。
func (c *Codec) Extend(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n := 0
	for n < len(p) && c.state != StateComplete {
		switch c.state {
		case StateAwaitingStart:
			if p[n] != StartMarker {
				return n, c.fail(p[n], ErrStartMarker)
			}
			c.state = StateAwaitingSizeMarker
			n++
			c.offset++

		case StateAwaitingSizeMarker:
			if p[n] != SizeMarker {
				return n, c.fail(p[n], ErrSizeMarker)
			}
			c.state = StateAwaitingLength
			n++
			c.offset++

		case StateAwaitingLength:
			k := copy(c.lenBuf[c.lenGot:], p[n:])
			c.lenGot += k
			n += k
			c.offset += k
			if c.lenGot == 2 {
				c.length = int(binary.LittleEndian.Uint16(c.lenBuf[:]))
				c.payload = make([]byte, 0, c.length)
				if c.length == 0 {
					c.state = StateAwaitingEnd
				} else {
					c.state = StateAwaitingPayload
				}
			}

		case StateAwaitingPayload:
			need := c.length - len(c.payload)
			take := len(p) - n
			if take > need {
				take = need
			}
			c.payload = append(c.payload, p[n:n+take]...)
			n += take
			c.offset += take
			if len(c.payload) == c.length {
				c.state = StateAwaitingEnd
			}

		case StateAwaitingEnd:
			if p[n] != EndMarker {
				return n, c.fail(p[n], ErrEndMarker)
			}
			c.state = StateComplete
			n++
			c.offset++
		}
	}
	return n, nil
}

func (c *Codec) fail(got byte, sentinel error) error {
	c.err = wire.NewProtocolError(layer, c.state.field(), c.offset, []byte{got}, sentinel)
	c.state = StateFailed
	return c.err
}

// Frame 返回已完成的帧（不重置），未完成时返回 nil
func (c *Codec) Frame() *Frame {
	if c.state != StateComplete {
		return nil
	}
	return &Frame{Length: uint16(c.length), Payload: c.payload}
}

// Next 取走已完成的帧并重置为 AwaitingStart
func (c *Codec) Next() *Frame {
	f := c.Frame()
	if f == nil {
		return nil
	}
	c.reset()
	return f
}

func (c *Codec) reset() {
	c.state = StateAwaitingStart
	c.lenGot = 0
	c.length = 0
	c.payload = nil
	c.offset = 0
}

// Field 按字段名访问已完成帧的原始字节：
// start_marker / size_marker / length / payload / end_marker
func (c *Codec) Field(name string) ([]byte, bool) {
	if c.state != StateComplete {
		return nil, false
	}
	switch name {
	case "start_marker":
		return []byte{StartMarker}, true
	case "size_marker":
		return []byte{SizeMarker}, true
	case "length":
		return []byte{c.lenBuf[0], c.lenBuf[1]}, true
	case "payload":
		return c.payload, true
	case "end_marker":
		return []byte{EndMarker}, true
	}
	return nil, false
}

// Feed 追加数据并尽可能解出多帧（半包保留在累积器内）
func (c *Codec) Feed(p []byte) ([]*Frame, error) {
	var frames []*Frame
	for len(p) > 0 {
		n, err := c.Extend(p)
		if err != nil {
			return frames, err
		}
		p = p[n:]
		if c.Complete() {
			frames = append(frames, c.Next())
		}
	}
	return frames, nil
}
