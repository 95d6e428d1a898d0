// Package qtp 实现输液泵遥测协议的外层传输帧（QTP）。
//
// 帧布局：
//
//	start(0xBB) | size(0xDD) | lenLE[2] | payload[len] | end(0xCC)
//
// len 恒等于 payload 字节数，编码时总是重新计算。
package qtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
)

const (
	StartMarker byte = 0xBB
	SizeMarker  byte = 0xDD
	EndMarker   byte = 0xCC

	HeaderLen  = 4 // start + size + len[2]
	TrailerLen = 1

	// MaxPayload len 字段可表示的最大载荷
	MaxPayload = 0xFFFF
)

var (
	ErrStartMarker    = errors.New("bad start marker")
	ErrSizeMarker     = errors.New("bad size marker")
	ErrEndMarker      = errors.New("bad end marker")
	ErrPayloadTooLong = errors.New("payload exceeds 65535 bytes")
	ErrBadLength      = errors.New("length field does not match frame size")
)

// Frame 一个完整的 QTP 帧
type Frame struct {
	Length  uint16
	Payload []byte
}

// Bytes 重新编码为线上字节
func (f *Frame) Bytes() ([]byte, error) { return Wrap(f.Payload) }

// Wrap 把载荷包装为一帧，len 按实际载荷长度计算
func Wrap(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("qtp wrap: %w (len=%d)", ErrPayloadTooLong, len(payload))
	}
	buf := make([]byte, 0, HeaderLen+len(payload)+TrailerLen)
	buf = append(buf, StartMarker, SizeMarker)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, EndMarker)
	return buf, nil
}

// Parse 严格解析单帧：raw 必须恰好是一帧
func Parse(raw []byte) (*Frame, error) {
	c := NewCodec()
	n, err := c.Extend(raw)
	if err != nil {
		return nil, err
	}
	if !c.Complete() {
		return nil, wire.NewProtocolError(layer, c.state.field(), len(raw), nil, wire.ErrTruncated)
	}
	if n != len(raw) {
		return nil, wire.NewProtocolError(layer, "trailer", n, raw[n:], ErrBadLength)
	}
	return c.Next(), nil
}

// Sniff 首字节是否为 QTP 起始标记
func Sniff(prefix []byte) bool {
	return len(prefix) > 0 && prefix[0] == StartMarker
}
