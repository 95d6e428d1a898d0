package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnClosed 连接已关闭
var ErrConnClosed = errors.New("connection closed")

// CloseReason 连接关闭原因
type CloseReason string

const (
	ReasonEOF      CloseReason = "eof"
	ReasonIdle     CloseReason = "idle"
	ReasonHandler  CloseReason = "handler"
	ReasonIO       CloseReason = "io"
	ReasonPanic    CloseReason = "panic"
	ReasonShutdown CloseReason = "shutdown"
	ReasonRejected CloseReason = "rejected"
	ReasonLocal    CloseReason = "local"
)

// maxReadChunk 单次读取上限
const maxReadChunk = 4096

// ConnContext 单个泵连接：读循环在所属协程执行，写入由互斥锁串行化
type ConnContext struct {
	s  *Server
	c  net.Conn
	id uint64

	wmu    sync.Mutex
	closed atomic.Bool
	doneC  chan struct{}

	reasonMu sync.Mutex
	reason   CloseReason
	closeErr error
}

func newConnContext(s *Server, c net.Conn) *ConnContext {
	return &ConnContext{
		s:     s,
		c:     c,
		id:    s.nextConnID.Add(1),
		doneC: make(chan struct{}),
	}
}

// ID 返回连接ID（单进程唯一递增）
func (cc *ConnContext) ID() uint64 { return cc.id }

// RemoteAddr 返回远端地址
func (cc *ConnContext) RemoteAddr() net.Addr { return cc.c.RemoteAddr() }

// Write 同步写入一帧；同一连接上的并发写入按调用顺序整帧串行
func (cc *ConnContext) Write(b []byte) error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	if cc.closed.Load() {
		return ErrConnClosed
	}
	if to := cc.s.cfg.WriteTimeout; to > 0 {
		_ = cc.c.SetWriteDeadline(time.Now().Add(to))
	}
	if _, err := cc.c.Write(b); err != nil {
		return fmt.Errorf("conn %d write: %w", cc.id, err)
	}
	return nil
}

// Close 主动关闭连接（读循环随之退出）
func (cc *ConnContext) Close() error {
	cc.closeWith(ReasonLocal, nil)
	return nil
}

func (cc *ConnContext) closeWith(reason CloseReason, err error) {
	if !cc.closed.CompareAndSwap(false, true) {
		return
	}
	cc.reasonMu.Lock()
	cc.reason, cc.closeErr = reason, err
	cc.reasonMu.Unlock()
	_ = cc.c.Close()
	close(cc.doneC)
}

// CloseReason 关闭原因，未关闭时为空
func (cc *ConnContext) CloseReason() (CloseReason, error) {
	cc.reasonMu.Lock()
	defer cc.reasonMu.Unlock()
	return cc.reason, cc.closeErr
}

// Done 返回连接关闭通知通道
func (cc *ConnContext) Done() <-chan struct{} { return cc.doneC }

// readLoop 按处理器要求的大小读取，每次读取前刷新读超时
func (cc *ConnContext) readLoop(h StreamHandler) (reason CloseReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason = ReasonPanic
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	buf := make([]byte, maxReadChunk)
	for {
		n := h.NextReadSize()
		if n <= 0 {
			n = 1
		}
		if n > len(buf) {
			n = len(buf)
		}
		if to := cc.s.cfg.ReadTimeout; to > 0 {
			_ = cc.c.SetReadDeadline(time.Now().Add(to))
		}

		k, rerr := cc.c.Read(buf[:n])
		if k > 0 {
			if cc.s.cb.OnRecvBytes != nil {
				cc.s.cb.OnRecvBytes(k)
			}
			if herr := h.OnBytes(buf[:k]); herr != nil {
				return ReasonHandler, herr
			}
		}
		if rerr != nil {
			if r := cc.classify(rerr); r != ReasonIO {
				return r, nil
			}
			return ReasonIO, rerr
		}
		if k == 0 {
			return ReasonEOF, nil
		}
	}
}

func (cc *ConnContext) classify(err error) CloseReason {
	if cc.closed.Load() || cc.s.Stopping() {
		if r, _ := cc.CloseReason(); r != "" {
			return r
		}
		return ReasonShutdown
	}
	if errors.Is(err, io.EOF) {
		return ReasonEOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonIdle
	}
	return ReasonIO
}
