package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// Reader 小端字节游标，每次读取前做边界检查
type Reader struct {
	layer string
	buf   []byte
	off   int
}

// NewReader 创建游标，layer 用于错误信息
func NewReader(layer string, b []byte) *Reader {
	return &Reader{layer: layer, buf: b}
}

// Offset 当前读取位置
func (r *Reader) Offset() int { return r.off }

// Len 剩余未读字节数
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) need(field string, n int) error {
	if r.Len() < n {
		return NewProtocolError(r.layer, field, r.off, r.buf[r.off:], ErrTruncated)
	}
	return nil
}

// Fail 以当前偏移构造协议错误，data 为出错字段的原始字节
func (r *Reader) Fail(field string, data []byte, err error) error {
	return NewProtocolError(r.layer, field, r.off-len(data), data, err)
}

func (r *Reader) U8(field string) (uint8, error) {
	if err := r.need(field, 1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) U16(field string) (uint16, error) {
	if err := r.need(field, 2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) I16(field string) (int16, error) {
	v, err := r.U16(field)
	return int16(v), err
}

func (r *Reader) U32(field string) (uint32, error) {
	if err := r.need(field, 4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Bytes 读取定长字节（返回副本）
func (r *Reader) Bytes(field string, n int) ([]byte, error) {
	if err := r.need(field, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

// Peek 查看后续 n 字节而不移动游标
func (r *Reader) Peek(field string, n int) ([]byte, error) {
	if err := r.need(field, n); err != nil {
		return nil, err
	}
	return r.buf[r.off : r.off+n], nil
}

// String 长度前缀字符串：1字节长度 + UTF-8 字节
func (r *Reader) String(field string) (string, error) {
	n, err := r.U8(field)
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(field, int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", r.Fail(field, b, ErrInvalidUTF8)
	}
	return string(b), nil
}

// Rest 读取全部剩余字节，无剩余时返回 nil
func (r *Reader) Rest() []byte {
	if r.Len() == 0 {
		return nil
	}
	out := make([]byte, r.Len())
	copy(out, r.buf[r.off:])
	r.off = len(r.buf)
	return out
}

// Done 严格模式：要求所有字节已被消费
func (r *Reader) Done() error {
	if r.Len() > 0 {
		return NewProtocolError(r.layer, "trailer", r.off, r.buf[r.off:], ErrTrailingBytes)
	}
	return nil
}
