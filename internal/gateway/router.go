package gateway

import (
	"sync"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

// Handler 单类消息处理器
type Handler func(pc *PumpConnection, m *qdp.Message) error

// Table 路由表（消息类型 -> handler），所有连接共享
type Table struct {
	mu       sync.RWMutex
	handlers map[qdp.MessageType]Handler
	fallback Handler
}

func NewTable() *Table { return &Table{handlers: make(map[qdp.MessageType]Handler)} }

func (t *Table) Register(mt qdp.MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mt] = h
}

// SetFallback 未注册类型（含 Unhandled）的处理器
func (t *Table) SetFallback(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = h
}

func (t *Table) Route(pc *PumpConnection, m *qdp.Message) error {
	t.mu.RLock()
	h, ok := t.handlers[m.Type()]
	if !ok {
		h = t.fallback
	}
	t.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(pc, m)
}

// DefaultTable 泵连接的标准路由
func DefaultTable() *Table {
	t := NewTable()
	t.Register(qdp.TypeRegistrationRequest, (*PumpConnection).handleRegistration)
	t.Register(qdp.TypeTimeSync, registered((*PumpConnection).handleTimeSync))
	t.Register(qdp.TypeConnectionEstablished, registered((*PumpConnection).handleKeepAlive))
	t.Register(qdp.TypeAcknowledgement, registered((*PumpConnection).handleKeepAlive))
	t.Register(qdp.TypeClinicalStatusUpdate, registered((*PumpConnection).handleAcknowledged))
	t.Register(qdp.TypeFileDeploymentInquiry, registered((*PumpConnection).handleAcknowledged))
	// 方向不符的消息（本应由服务端发出）只记录并转发
	t.Register(qdp.TypeRegistrationResponse, registered((*PumpConnection).handleForward))
	t.Register(qdp.TypeDeviceUpdate, registered((*PumpConnection).handleForward))
	t.Register(qdp.TypeLogDownloadRequest, registered((*PumpConnection).handleForward))
	t.SetFallback(registered((*PumpConnection).handleUnhandled))
	return t
}

// registered 未注册连接上的消息丢弃，不断开
func registered(h Handler) Handler {
	return func(pc *PumpConnection, m *qdp.Message) error {
		if !pc.Registered() {
			pc.drop(m, "unregistered")
			return nil
		}
		return h(pc, m)
	}
}
