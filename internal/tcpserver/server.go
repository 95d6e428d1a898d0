package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
)

// StreamHandler 连接上的字节流消费者（每个连接一个实例，只在读协程中调用）
type StreamHandler interface {
	// NextReadSize 下一次读取的最大字节数，用于避免跨帧多读
	NextReadSize() int
	// OnBytes 处理读到的字节；返回错误时连接被关闭
	OnBytes(p []byte) error
}

// CloseNotifier 可选：连接关闭后收到通知
type CloseNotifier interface {
	OnClose(reason CloseReason, err error)
}

// ConnHandler 为新连接创建流处理器，返回 nil 表示拒绝该连接
type ConnHandler func(cc *ConnContext) StreamHandler

// Callbacks 可选指标回调
type Callbacks struct {
	OnAccept    func()
	OnReject    func(reason string)
	OnRecvBytes func(n int)
	OnClose     func(reason CloseReason)
}

// Server 泵接入 TCP 服务：每连接一个读协程
type Server struct {
	cfg    cfgpkg.TCPConfig
	logger *zap.Logger

	ln      net.Listener
	wg      sync.WaitGroup
	stopC   chan struct{}
	stopped atomic.Bool

	handler ConnHandler
	slots   *slotPool
	rate    *acceptRate
	cb      Callbacks

	nextConnID atomic.Uint64
	mu         sync.Mutex
	conns      map[uint64]*ConnContext
}

// New 创建 TCP 服务；maxConnections/acceptRate 大于 0 时启用对应限流
func New(cfg cfgpkg.TCPConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		stopC:  make(chan struct{}),
		conns:  make(map[uint64]*ConnContext),
	}
	if cfg.MaxConnections > 0 {
		s.slots = newSlotPool(cfg.MaxConnections)
	}
	if cfg.AcceptRate > 0 {
		s.rate = newAcceptRate(cfg.AcceptRate, cfg.AcceptBurst)
	}
	return s
}

// SetConnHandler 设置连接处理器（Start 之前调用）
func (s *Server) SetConnHandler(h ConnHandler) { s.handler = h }

// SetCallbacks 设置指标回调
func (s *Server) SetCallbacks(cb Callbacks) { s.cb = cb }

// Addr 实际监听地址（Start 之后有效）
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start 监听并接受连接（非阻塞，内部 goroutine）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("tcp server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopC:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("tcp accept failed", zap.Error(err))
			// 短暂错误等待后重试
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if reason, ok := s.admit(); !ok {
			s.logger.Warn("tcp connection rejected",
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.String("reason", reason))
			if s.cb.OnReject != nil {
				s.cb.OnReject(reason)
			}
			_ = conn.Close()
			continue
		}
		if s.cb.OnAccept != nil {
			s.cb.OnAccept()
		}

		cc := newConnContext(s, conn)
		if !s.track(cc) {
			// 关闭过程中接入的连接
			_ = conn.Close()
			s.releasePermit()
			continue
		}
		s.wg.Add(1)
		go s.serve(cc)
	}
}

// admit 速率与并发限流；通过时已占用并发许可
func (s *Server) admit() (string, bool) {
	if s.rate != nil && !s.rate.allow() {
		return "rate", false
	}
	if s.slots != nil && !s.slots.take() {
		return "limit", false
	}
	return "", true
}

func (s *Server) releasePermit() {
	if s.slots != nil {
		s.slots.give()
	}
}

func (s *Server) track(cc *ConnContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return false
	}
	s.conns[cc.id] = cc
	return true
}

func (s *Server) untrack(cc *ConnContext) {
	s.mu.Lock()
	delete(s.conns, cc.id)
	s.mu.Unlock()
}

func (s *Server) serve(cc *ConnContext) {
	defer s.wg.Done()
	defer s.releasePermit()
	defer s.untrack(cc)

	log := s.logger.With(zap.Uint64("conn_id", cc.id), zap.String("remote_addr", cc.RemoteAddr().String()))
	log.Info("pump connected")

	var h StreamHandler
	if s.handler != nil {
		h = s.handler(cc)
	}
	if h == nil {
		cc.closeWith(ReasonRejected, nil)
		s.finish(cc, nil, log)
		return
	}

	reason, err := cc.readLoop(h)
	cc.closeWith(reason, err)
	s.finish(cc, h, log)
}

func (s *Server) finish(cc *ConnContext, h StreamHandler, log *zap.Logger) {
	reason, err := cc.CloseReason()
	fields := []zap.Field{zap.String("reason", string(reason))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	switch reason {
	case ReasonEOF, ReasonShutdown:
		log.Info("pump disconnected", fields...)
	default:
		log.Warn("pump disconnected", fields...)
	}
	if n, ok := h.(CloseNotifier); ok {
		n.OnClose(reason, err)
	}
	if s.cb.OnClose != nil {
		s.cb.OnClose(reason)
	}
}

// Stopping 服务是否处于关闭流程
func (s *Server) Stopping() bool { return s.stopped.Load() }

// ActiveConnections 当前连接数
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// MaxConnections 并发上限，未启用限流时为 0
func (s *Server) MaxConnections() int {
	if s.slots == nil {
		return 0
	}
	return cap(s.slots.slots)
}

// GetLimiterStats 并发限流统计，未启用时为 nil
func (s *Server) GetLimiterStats() *LimiterStats {
	if s.slots == nil {
		return nil
	}
	st := s.slots.stats()
	return &st
}

// GetRateLimiterStats 速率限流统计，未启用时为 nil
func (s *Server) GetRateLimiterStats() *RateLimiterStats {
	if s.rate == nil {
		return nil
	}
	st := s.rate.stats()
	return &st
}

// Shutdown 关闭监听与所有连接，并等待连接协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	close(s.stopC)
	live := make([]*ConnContext, 0, len(s.conns))
	for _, cc := range s.conns {
		live = append(live, cc)
	}
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, cc := range live {
		cc.closeWith(ReasonShutdown, nil)
	}

	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		s.logger.Info("tcp server stopped")
		return nil
	}
}
