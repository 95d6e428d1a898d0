package health

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taoyao-code/pump-mediator/internal/events"
)

// natsStatus *nats.Conn 的状态子集
type natsStatus interface {
	Status() nats.Status
	ConnectedUrl() string
}

// NATSChecker 上行/下行总线健康检查。总线中断不影响泵连接，只判定为降级。
type NATSChecker struct {
	nc      natsStatus
	breaker *events.CircuitBreaker
}

// NewNATSChecker breaker 为上行发布熔断器，可为 nil
func NewNATSChecker(nc natsStatus, breaker *events.CircuitBreaker) *NATSChecker {
	return &NATSChecker{nc: nc, breaker: breaker}
}

func (c *NATSChecker) Name() string {
	return "nats"
}

func (c *NATSChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	st := c.nc.Status()
	details := map[string]interface{}{
		"status": st.String(),
	}
	if st == nats.CONNECTED {
		details["url"] = c.nc.ConnectedUrl()
	}

	status := StatusHealthy
	message := "ok"
	if st != nats.CONNECTED {
		status = StatusDegraded
		message = "bus not connected"
	}
	if c.breaker != nil {
		bs := c.breaker.Snapshot()
		details["publish_breaker"] = bs.State
		details["publish_trips"] = bs.Trips
		if bs.State == events.BreakerOpen.String() {
			status = StatusDegraded
			message = "uplink publish circuit open"
		}
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}
