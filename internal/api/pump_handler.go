// Package api 提供泵会话查询与下行命令的管理 HTTP 接口。
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/outbound"
	"github.com/taoyao-code/pump-mediator/internal/session"
)

// Dispatcher 下行命令执行
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd outbound.Command) outbound.Result
}

// PumpHandler 泵管理API处理器
type PumpHandler struct {
	sess   session.SessionManager
	disp   Dispatcher
	logger *zap.Logger
	now    func() time.Time
}

// NewPumpHandler 创建泵管理API处理器
func NewPumpHandler(sess session.SessionManager, disp Dispatcher, logger *zap.Logger) *PumpHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PumpHandler{sess: sess, disp: disp, logger: logger, now: time.Now}
}

// ListPumps 本实例上已注册的泵
// GET /api/pumps
func (h *PumpHandler) ListPumps(c *gin.Context) {
	now := h.now()
	serials := h.sess.Serials()
	pumps := make([]session.Info, 0, len(serials))
	for _, s := range serials {
		if info, ok := h.sess.Info(s, now); ok {
			pumps = append(pumps, info)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"pumps":  pumps,
		"total":  len(pumps),
		"online": h.sess.OnlineCount(now),
	})
}

// GetPump 单个泵的会话状态
// GET /api/pumps/:serial
func (h *PumpHandler) GetPump(c *gin.Context) {
	serial, ok := parseSerial(c)
	if !ok {
		return
	}
	info, found := h.sess.Info(serial, h.now())
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "pump not found", "serial": serial})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeviceUpdate 下发上报周期设置
// POST /api/pumps/:serial/device-update {"update_period":30,"tag":1}
func (h *PumpHandler) DeviceUpdate(c *gin.Context) {
	var p outbound.DeviceUpdateParams
	h.command(c, outbound.CmdDeviceUpdate, &p)
}

// LogDownload 请求泵上传日志区间
// POST /api/pumps/:serial/log-download {"start_id":1,"end_id":100,"tag":2}
func (h *PumpHandler) LogDownload(c *gin.Context) {
	var p outbound.LogDownloadParams
	h.command(c, outbound.CmdLogDownload, &p)
}

// TimeSync 主动下发服务器时间
// POST /api/pumps/:serial/time-sync
func (h *PumpHandler) TimeSync(c *gin.Context) {
	h.command(c, outbound.CmdTimeSync, nil)
}

func (h *PumpHandler) command(c *gin.Context, typ outbound.CommandType, params any) {
	serial, ok := parseSerial(c)
	if !ok {
		return
	}
	if params != nil {
		if err := c.ShouldBindJSON(params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	cmd, err := outbound.NewCommand(serial, typ, params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.disp.Dispatch(c.Request.Context(), cmd)
	h.logger.Info("api downlink command",
		zap.Uint32("serial", serial),
		zap.String("cmd_type", string(typ)),
		zap.String("status", res.Status),
		zap.String("remote_addr", c.ClientIP()))
	c.JSON(statusCode(res.Status), res)
}

func statusCode(status string) int {
	switch status {
	case "sent":
		return http.StatusOK
	case "offline":
		return http.StatusNotFound
	case "invalid":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func parseSerial(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("serial"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid serial"})
		return 0, false
	}
	return uint32(v), true
}
