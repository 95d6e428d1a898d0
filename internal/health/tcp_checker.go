package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

// tcpServer *tcpserver.Server 的统计子集
type tcpServer interface {
	Stopping() bool
	ActiveConnections() int
	MaxConnections() int
	GetLimiterStats() *tcpserver.LimiterStats
	GetRateLimiterStats() *tcpserver.RateLimiterStats
}

// TCPChecker 泵接入端口健康检查
type TCPChecker struct {
	server tcpServer
	online func() int
}

// NewTCPChecker online 返回已注册泵数量，可为 nil
func NewTCPChecker(server tcpServer, online func() int) *TCPChecker {
	return &TCPChecker{server: server, online: online}
}

func (c *TCPChecker) Name() string {
	return "tcp"
}

func (c *TCPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if c.server.Stopping() {
		return CheckResult{Status: StatusUnhealthy, Message: "shutting down", Latency: time.Since(start)}
	}

	activeConns := c.server.ActiveConnections()
	maxConns := c.server.MaxConnections()
	details := map[string]interface{}{
		"active_connections": activeConns,
	}
	if c.online != nil {
		details["registered_pumps"] = c.online()
	}
	if rs := c.server.GetRateLimiterStats(); rs != nil {
		details["accept_rate_rejected"] = rs.RejectedTotal
	}

	if maxConns == 0 {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "no limiting enabled",
			Details: details,
			Latency: time.Since(start),
		}
	}

	utilization := float64(activeConns) / float64(maxConns)
	status := StatusHealthy
	message := "ok"
	if utilization > 0.8 {
		status = StatusDegraded
		message = "high connection usage"
	}
	if utilization > 0.95 {
		status = StatusUnhealthy
		message = "connection limit near exhausted"
	}

	details["max_connections"] = maxConns
	details["utilization"] = fmt.Sprintf("%.1f%%", utilization*100)
	if ls := c.server.GetLimiterStats(); ls != nil {
		details["rejected_total"] = ls.RejectedTotal
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}
