package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/session"
	redisstorage "github.com/taoyao-code/pump-mediator/internal/storage/redis"
)

// NewSessionManager 如果Redis客户端可用则使用Redis会话注册表，否则使用内存注册表
func NewSessionManager(cfg cfgpkg.SessionConfig, redisClient *redisstorage.Client, serverID string, logger *zap.Logger) session.SessionManager {
	if redisClient != nil {
		logger.Info("using redis session manager",
			zap.String("server_id", serverID),
			zap.Duration("timeout", cfg.Timeout))
		return session.NewRedisManager(redisClient.Client, serverID, cfg.Timeout, logger)
	}
	logger.Info("using memory session manager", zap.Duration("timeout", cfg.Timeout))
	return session.New(cfg.Timeout)
}
