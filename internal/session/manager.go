package session

import (
	"slices"
	"sync"
	"time"
)

type entry struct {
	conn     Conn
	boundAt  time.Time
	lastSeen time.Time
}

// Manager 内存会话注册表（单实例部署）
type Manager struct {
	mu      sync.RWMutex
	timeout time.Duration
	entries map[uint32]*entry
}

// New 创建内存会话注册表
func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Manager{timeout: timeout, entries: make(map[uint32]*entry)}
}

// OnHeartbeat 更新泵最近心跳时间
func (m *Manager) OnHeartbeat(serial uint32, t time.Time) {
	m.mu.Lock()
	e, ok := m.entries[serial]
	if !ok {
		e = &entry{}
		m.entries[serial] = e
	}
	e.lastSeen = t
	m.mu.Unlock()
}

// Bind 绑定序列号到连接，重复绑定将覆盖
func (m *Manager) Bind(serial uint32, conn Conn) {
	now := time.Now()
	m.mu.Lock()
	m.entries[serial] = &entry{conn: conn, boundAt: now, lastSeen: now}
	m.mu.Unlock()
}

// Unbind 解除绑定
func (m *Manager) Unbind(serial uint32, conn Conn) {
	m.mu.Lock()
	if e, ok := m.entries[serial]; ok && e.conn == conn {
		delete(m.entries, serial)
	}
	m.mu.Unlock()
}

// GetConn 返回绑定的连接
func (m *Manager) GetConn(serial uint32) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[serial]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// IsOnline 判断泵是否在线
func (m *Manager) IsOnline(serial uint32, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[serial]
	return ok && now.Sub(e.lastSeen) <= m.timeout
}

// OnlineCount 返回当前在线泵数量
func (m *Manager) OnlineCount(now time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if now.Sub(e.lastSeen) <= m.timeout {
			count++
		}
	}
	return count
}

// Serials 已绑定连接的序列号
func (m *Manager) Serials() []uint32 {
	m.mu.RLock()
	out := make([]uint32, 0, len(m.entries))
	for s, e := range m.entries {
		if e.conn != nil {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Info 会话快照
func (m *Manager) Info(serial uint32, now time.Time) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[serial]
	if !ok {
		return Info{}, false
	}
	info := Info{
		Serial:   serial,
		BoundAt:  e.boundAt,
		LastSeen: e.lastSeen,
		Online:   now.Sub(e.lastSeen) <= m.timeout,
	}
	if e.conn != nil {
		info.ConnID = e.conn.ConnID()
		info.RemoteAddr = e.conn.RemoteAddr()
		info.Local = true
	}
	return info, true
}
