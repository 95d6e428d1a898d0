package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/api/middleware"
	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
)

// RegisterPumpRoutes 注册泵管理路由
func RegisterPumpRoutes(r gin.IRouter, h *PumpHandler, authCfg cfgpkg.AuthConfig, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := r.Group("/api")
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	api.GET("/pumps", h.ListPumps)
	api.GET("/pumps/:serial", h.GetPump)
	api.POST("/pumps/:serial/device-update", h.DeviceUpdate)
	api.POST("/pumps/:serial/log-download", h.LogDownload)
	api.POST("/pumps/:serial/time-sync", h.TimeSync)

	logger.Info("pump routes registered", zap.Int("endpoints", 5))
}
