package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer 小端追加写入器；首个错误会被记住，Bytes 时统一返回
type Writer struct {
	buf []byte
	err error
}

// NewWriter 创建写入器，sizeHint 为预分配容量
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) I16(v int16) { w.U16(uint16(v)) }

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// String 写入长度前缀字符串，超过255字节记为错误
func (w *Writer) String(field, s string) {
	if len(s) > 0xFF {
		if w.err == nil {
			w.err = fmt.Errorf("%s: %w (len=%d)", field, ErrStringTooLong, len(s))
		}
		return
	}
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
}

// Len 已写入字节数
func (w *Writer) Len() int { return len(w.buf) }

// Bytes 返回结果与首个错误
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}
