package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrTruncated     = errors.New("truncated field")
	ErrTrailingBytes = errors.New("trailing bytes after message")
	ErrStringTooLong = errors.New("string exceeds 255 bytes")
	ErrInvalidUTF8   = errors.New("string is not valid utf-8")
)

// ProtocolError 协议层错误：连接必须关闭，不可重试
// Layer 标记出错层（qtp/qdp），Data 为出错位置的原始字节，用于日志定位
type ProtocolError struct {
	Layer  string
	Field  string
	Offset int
	Data   []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s: %s at offset %d: %v (bytes=%s)", e.Layer, e.Field, e.Offset, e.Err, hex.EncodeToString(e.Data))
	}
	return fmt.Sprintf("%s: %s at offset %d: %v", e.Layer, e.Field, e.Offset, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError 构造协议错误，data 会被复制
func NewProtocolError(layer, field string, offset int, data []byte, err error) *ProtocolError {
	var dup []byte
	if len(data) > 0 {
		dup = make([]byte, len(data))
		copy(dup, data)
	}
	return &ProtocolError{Layer: layer, Field: field, Offset: offset, Data: dup, Err: err}
}

// IsProtocolError 判断 err 链中是否包含协议错误
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Sum8 8位累加校验（溢出丢弃高位，即 mod 256）
func Sum8(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}
