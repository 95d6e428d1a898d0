package outbound

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/session"
)

// Dispatcher 下行命令执行器：命令在 ants 协程池中执行，
// 写入经由目标连接的写锁串行化，慢泵不会阻塞调用方。
type Dispatcher struct {
	pool     *ants.Pool
	sessions session.SessionManager
	metrics  *metrics.AppMetrics
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	sent   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher 创建执行器；metrics 可为 nil
func NewDispatcher(cfg cfgpkg.DownlinkConfig, sessions session.SessionManager, m *metrics.AppMetrics, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 32
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pool, err := ants.NewPool(size, ants.WithOptions(ants.Options{
		ExpiryDuration:   time.Minute,
		Nonblocking:      false,
		MaxBlockingTasks: size * 4,
		PanicHandler: func(e interface{}) {
			logger.Error("downlink task panic", zap.Any("panic", e))
		},
	}))
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		pool:     pool,
		sessions: sessions,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// Dispatch 同步执行命令，等待写入完成或超时
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	if err := d.Submit(cmd, func(err error) { done <- err }); err != nil {
		return resultOf(cmd, err)
	}
	select {
	case err := <-done:
		return resultOf(cmd, err)
	case <-ctx.Done():
		return resultOf(cmd, ctx.Err())
	}
}

// Submit 异步执行命令；callback 在执行完成后于池内协程调用，可为 nil
func (d *Dispatcher) Submit(cmd Command, callback func(error)) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	err := d.pool.Submit(func() {
		err := d.execute(cmd)
		if callback != nil {
			callback(err)
		}
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		err = ErrPoolClosed
	}
	if err != nil {
		d.count(cmd, err)
	}
	return err
}

func (d *Dispatcher) execute(cmd Command) error {
	log := d.logger.With(
		zap.String("cmd_id", cmd.ID),
		zap.Uint32("serial", cmd.Serial),
		zap.String("cmd_type", string(cmd.Type)))

	body, err := cmd.Body(d.now())
	if err != nil {
		d.count(cmd, err)
		log.Warn("invalid downlink command", zap.Error(err))
		return err
	}
	conn, ok := d.sessions.GetConn(cmd.Serial)
	if !ok {
		d.count(cmd, ErrPumpOffline)
		log.Debug("downlink target not on this instance")
		return ErrPumpOffline
	}
	if err := conn.Push(body); err != nil {
		d.count(cmd, err)
		log.Error("downlink write failed", zap.Uint64("conn_id", conn.ConnID()), zap.Error(err))
		return err
	}
	d.count(cmd, nil)
	log.Info("downlink command sent", zap.Uint64("conn_id", conn.ConnID()))
	return nil
}

func (d *Dispatcher) count(cmd Command, err error) {
	if err == nil {
		d.sent.Add(1)
	} else {
		d.failed.Add(1)
	}
	if d.metrics != nil {
		d.metrics.DownlinkTotal.WithLabelValues(string(cmd.Type), statusOf(err)).Inc()
	}
}

// Stats 执行统计
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sent":    d.sent.Load(),
		"failed":  d.failed.Load(),
		"running": d.pool.Running(),
		"free":    d.pool.Free(),
		"waiting": d.pool.Waiting(),
	}
}

// Release 关闭协程池并等待进行中的任务
func (d *Dispatcher) Release(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}
