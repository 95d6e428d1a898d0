package tcpserver

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// LimiterStats 并发连接槽位统计
type LimiterStats struct {
	MaxConnections    int     `json:"max_connections"`
	ActiveConnections int     `json:"active_connections"`
	RejectedTotal     int64   `json:"rejected_total"`
	Utilization       float64 `json:"utilization"`
}

// RateLimiterStats 接入速率统计
type RateLimiterStats struct {
	RatePerSecond int   `json:"rate_per_second"`
	Burst         int   `json:"burst"`
	AllowedTotal  int64 `json:"allowed_total"`
	RejectedTotal int64 `json:"rejected_total"`
}

// slotPool 每个已接入连接占一个槽位，连接结束归还
type slotPool struct {
	slots    chan struct{}
	rejected atomic.Int64
}

func newSlotPool(n int) *slotPool {
	return &slotPool{slots: make(chan struct{}, n)}
}

// take 非阻塞占位；满时计一次拒绝
func (p *slotPool) take() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

func (p *slotPool) give() {
	select {
	case <-p.slots:
	default:
	}
}

func (p *slotPool) stats() LimiterStats {
	n, limit := len(p.slots), cap(p.slots)
	return LimiterStats{
		MaxConnections:    limit,
		ActiveConnections: n,
		RejectedTotal:     p.rejected.Load(),
		Utilization:       float64(n) / float64(limit),
	}
}

// acceptRate 新建连接令牌桶，泵批量重连时削峰
type acceptRate struct {
	bucket   *rate.Limiter
	perSec   int
	burst    int
	allowed  atomic.Int64
	rejected atomic.Int64
}

// newAcceptRate burst 未配置时取速率的两倍
func newAcceptRate(perSec, burst int) *acceptRate {
	if burst <= 0 {
		burst = perSec * 2
	}
	return &acceptRate{
		bucket: rate.NewLimiter(rate.Limit(perSec), burst),
		perSec: perSec,
		burst:  burst,
	}
}

func (r *acceptRate) allow() bool {
	if !r.bucket.Allow() {
		r.rejected.Add(1)
		return false
	}
	r.allowed.Add(1)
	return true
}

func (r *acceptRate) stats() RateLimiterStats {
	return RateLimiterStats{
		RatePerSecond: r.perSec,
		Burst:         r.burst,
		AllowedTotal:  r.allowed.Load(),
		RejectedTotal: r.rejected.Load(),
	}
}
