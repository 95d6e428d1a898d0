package app

import (
	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/pump-mediator/internal/health"
	"github.com/taoyao-code/pump-mediator/internal/session"
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

// NewHealthAggregator 创建健康检查聚合器，依赖检查器随组件启动逐个加入
func NewHealthAggregator() *health.Aggregator {
	return health.NewAggregator()
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

// AddTCPChecker 添加TCP检查器到聚合器
func AddTCPChecker(aggregator *health.Aggregator, tcpServer *tcpserver.Server, sess session.SessionManager) {
	aggregator.AddChecker(health.NewTCPChecker(tcpServer, func() int { return len(sess.Serials()) }))
}
