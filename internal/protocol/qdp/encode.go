package qdp

import (
	"fmt"

	"github.com/taoyao-code/pump-mediator/internal/protocol/wire"
)

// Encode 把消息编码为帧载荷（不含 QTP 包装）。
// Unhandled 只写判别字节与原始字节，头部字段须为零值（否则无处可写，返回 ErrTypeMismatch）；
// 其余类型写完整头部。
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Body == nil {
		return nil, fmt.Errorf("qdp encode: %w: nil body", ErrTypeMismatch)
	}
	w := wire.NewWriter(HeaderLen + 32)
	t := m.Body.MessageType()
	w.U8(uint8(t))
	if u, ok := m.Body.(Unhandled); ok {
		if u.Type.Known() {
			return nil, fmt.Errorf("qdp encode: %w: unhandled body with known type %s", ErrTypeMismatch, u.Type)
		}
		if m.DeviceSerial != 0 || m.ProtocolVersion != 0 {
			return nil, fmt.Errorf("qdp encode: %w: unhandled body %s carries no header, serial/version must be zero", ErrTypeMismatch, u.Type)
		}
	} else {
		w.U32(m.DeviceSerial)
		w.U8(StartMark)
		w.U8(m.ProtocolVersion)
	}
	m.Body.encode(w)
	out, err := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("qdp encode %s: %w", t, err)
	}
	return out, nil
}
