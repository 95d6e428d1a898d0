package session

import (
	"time"

	"github.com/taoyao-code/pump-mediator/internal/protocol/qdp"
)

// Conn 已注册泵的可下发连接
type Conn interface {
	ConnID() uint64
	RemoteAddr() string
	Push(body qdp.Body) error
}

// Info 会话快照
type Info struct {
	Serial     uint32    `json:"serial"`
	ConnID     uint64    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	ServerID   string    `json:"server_id,omitempty"`
	BoundAt    time.Time `json:"bound_at"`
	LastSeen   time.Time `json:"last_seen"`
	Online     bool      `json:"online"`
	Local      bool      `json:"local"`
}

// SessionManager 泵会话注册表，支持内存和Redis两种实现
type SessionManager interface {
	// OnHeartbeat 更新泵最近一次收到消息的时间
	OnHeartbeat(serial uint32, t time.Time)

	// Bind 绑定序列号到连接，重复绑定将覆盖旧连接
	Bind(serial uint32, conn Conn)

	// Unbind 解除绑定；仅当当前绑定的仍是 conn 时生效
	Unbind(serial uint32, conn Conn)

	// GetConn 返回本实例上绑定的连接
	GetConn(serial uint32) (Conn, bool)

	// IsOnline 心跳未超时即在线
	IsOnline(serial uint32, now time.Time) bool

	// OnlineCount 在线泵数量
	OnlineCount(now time.Time) int

	// Serials 本实例绑定的序列号（升序）
	Serials() []uint32

	// Info 会话快照
	Info(serial uint32, now time.Time) (Info, bool)
}
