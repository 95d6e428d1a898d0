package session

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis Key设计
const (
	// pump:session:{serial} -> hash{server_id, conn_id, remote_addr, bound_at, last_seen}
	keySessionPrefix = "pump:session:"

	// pump:server:{serverID}:serials -> Set[serial]
	keyServerPrefix = "pump:server:"
)

const redisOpTimeout = 2 * time.Second

// RedisManager Redis版本的会话注册表，支持多实例部署：
// 会话元数据写入 Redis，连接对象只保存在持有它的实例本地。
type RedisManager struct {
	client   *redis.Client
	serverID string
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	localConn map[uint32]Conn
}

// NewRedisManager 创建Redis会话注册表
func NewRedisManager(client *redis.Client, serverID string, timeout time.Duration, logger *zap.Logger) *RedisManager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if serverID == "" {
		serverID = uuid.New().String()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisManager{
		client:    client,
		serverID:  serverID,
		timeout:   timeout,
		logger:    logger,
		localConn: make(map[uint32]Conn),
	}
}

// ServerID 当前实例ID
func (m *RedisManager) ServerID() string { return m.serverID }

func sessionKey(serial uint32) string {
	return keySessionPrefix + strconv.FormatUint(uint64(serial), 10)
}

func (m *RedisManager) serverKey() string {
	return fmt.Sprintf("%s%s:serials", keyServerPrefix, m.serverID)
}

func (m *RedisManager) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// OnHeartbeat 刷新 last_seen 并续期
func (m *RedisManager) OnHeartbeat(serial uint32, t time.Time) {
	ctx, cancel := m.ctx()
	defer cancel()

	key := sessionKey(serial)
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "last_seen", t.UnixMilli())
		p.Expire(ctx, key, m.timeout)
		return nil
	})
	if err != nil {
		m.logger.Warn("session heartbeat failed", zap.Uint32("serial", serial), zap.Error(err))
	}
}

// Bind 绑定序列号到本实例的连接
func (m *RedisManager) Bind(serial uint32, conn Conn) {
	m.mu.Lock()
	m.localConn[serial] = conn
	m.mu.Unlock()

	ctx, cancel := m.ctx()
	defer cancel()

	now := time.Now().UnixMilli()
	key := sessionKey(serial)
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"server_id", m.serverID,
			"conn_id", conn.ConnID(),
			"remote_addr", conn.RemoteAddr(),
			"bound_at", now,
			"last_seen", now,
		)
		p.Expire(ctx, key, m.timeout)
		p.SAdd(ctx, m.serverKey(), serial)
		return nil
	})
	if err != nil {
		m.logger.Warn("session bind failed", zap.Uint32("serial", serial), zap.Error(err))
	}
}

// Unbind 解除绑定；Redis 中的会话属于其他实例或其他连接时保持不变
func (m *RedisManager) Unbind(serial uint32, conn Conn) {
	m.mu.Lock()
	cur, ok := m.localConn[serial]
	if !ok || cur != conn {
		m.mu.Unlock()
		return
	}
	delete(m.localConn, serial)
	m.mu.Unlock()

	ctx, cancel := m.ctx()
	defer cancel()

	key := sessionKey(serial)
	vals, err := m.client.HMGet(ctx, key, "server_id", "conn_id").Result()
	if err == nil && fmt.Sprint(vals[0]) == m.serverID && fmt.Sprint(vals[1]) == strconv.FormatUint(conn.ConnID(), 10) {
		err = m.client.Del(ctx, key).Err()
	}
	if err == nil {
		err = m.client.SRem(ctx, m.serverKey(), serial).Err()
	}
	if err != nil {
		m.logger.Warn("session unbind failed", zap.Uint32("serial", serial), zap.Error(err))
	}
}

// GetConn 获取绑定的连接（仅限本地连接）
func (m *RedisManager) GetConn(serial uint32) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.localConn[serial]
	return c, ok
}

func (m *RedisManager) lastSeen(ctx context.Context, serial uint32) (time.Time, bool) {
	ms, err := m.client.HGet(ctx, sessionKey(serial), "last_seen").Int64()
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsOnline 判断泵是否在线（任一实例）
func (m *RedisManager) IsOnline(serial uint32, now time.Time) bool {
	ctx, cancel := m.ctx()
	defer cancel()
	ts, ok := m.lastSeen(ctx, serial)
	return ok && now.Sub(ts) <= m.timeout
}

// OnlineCount 扫描全部会话统计在线数量
func (m *RedisManager) OnlineCount(now time.Time) int {
	ctx, cancel := m.ctx()
	defer cancel()

	var cursor uint64
	count := 0
	for {
		keys, next, err := m.client.Scan(ctx, cursor, keySessionPrefix+"*", 100).Result()
		if err != nil {
			m.logger.Warn("session scan failed", zap.Error(err))
			break
		}
		for _, key := range keys {
			ms, err := m.client.HGet(ctx, key, "last_seen").Int64()
			if err == nil && now.Sub(time.UnixMilli(ms)) <= m.timeout {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count
}

// Serials 本实例绑定的序列号
func (m *RedisManager) Serials() []uint32 {
	m.mu.RLock()
	out := make([]uint32, 0, len(m.localConn))
	for s := range m.localConn {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Info 从 Redis 读取会话快照
func (m *RedisManager) Info(serial uint32, now time.Time) (Info, bool) {
	ctx, cancel := m.ctx()
	defer cancel()

	vals, err := m.client.HGetAll(ctx, sessionKey(serial)).Result()
	if err != nil || len(vals) == 0 {
		return Info{}, false
	}
	info := Info{
		Serial:     serial,
		ServerID:   vals["server_id"],
		RemoteAddr: vals["remote_addr"],
	}
	info.ConnID, _ = strconv.ParseUint(vals["conn_id"], 10, 64)
	if ms, err := strconv.ParseInt(vals["bound_at"], 10, 64); err == nil {
		info.BoundAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		info.LastSeen = time.UnixMilli(ms)
		info.Online = now.Sub(info.LastSeen) <= m.timeout
	}
	_, info.Local = m.GetConn(serial)
	return info, true
}

// Cleanup 清理本实例的全部会话（优雅关闭时调用）
func (m *RedisManager) Cleanup(ctx context.Context) error {
	members, err := m.client.SMembers(ctx, m.serverKey()).Result()
	if err != nil {
		return err
	}
	for _, s := range members {
		serial, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			continue
		}
		key := sessionKey(uint32(serial))
		if owner, err := m.client.HGet(ctx, key, "server_id").Result(); err == nil && owner == m.serverID {
			m.client.Del(ctx, key)
		}
	}

	m.mu.Lock()
	m.localConn = make(map[uint32]Conn)
	m.mu.Unlock()

	return m.client.Del(ctx, m.serverKey()).Err()
}
