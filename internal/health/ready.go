package health

import "sync/atomic"

// Readiness 启动阶段就绪标记：TCP 监听成功、外部依赖（Redis/NATS）连接完成
type Readiness struct {
	tcpReady  atomic.Bool
	depsReady atomic.Bool
	draining  atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetTCPReady(v bool)  { r.tcpReady.Store(v) }
func (r *Readiness) SetDepsReady(v bool) { r.depsReady.Store(v) }

// SetDraining 关闭开始后置为不就绪，负载均衡停止分配新连接
func (r *Readiness) SetDraining() { r.draining.Store(true) }

// Ready 总体就绪
func (r *Readiness) Ready() bool {
	return r.tcpReady.Load() && r.depsReady.Load() && !r.draining.Load()
}
