// Package bootstrap 编排中介服务的启动与关闭顺序。
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/api"
	"github.com/taoyao-code/pump-mediator/internal/app"
	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/events"
	"github.com/taoyao-code/pump-mediator/internal/gateway"
	"github.com/taoyao-code/pump-mediator/internal/health"
	"github.com/taoyao-code/pump-mediator/internal/httpserver"
	"github.com/taoyao-code/pump-mediator/internal/metrics"
	"github.com/taoyao-code/pump-mediator/internal/outbound"
	"github.com/taoyao-code/pump-mediator/internal/session"
	redisstorage "github.com/taoyao-code/pump-mediator/internal/storage/redis"
	"github.com/taoyao-code/pump-mediator/internal/tcpserver"
)

// Version 构建版本，由 -ldflags 注入
var Version = "dev"

// App 已装配的服务实例
type App struct {
	cfg *cfgpkg.Config
	log *zap.Logger

	serverID string
	appm     *metrics.AppMetrics
	ready    *health.Readiness
	sess     session.SessionManager

	redis   *redisstorage.Client
	nc      *nats.Conn
	webhook *events.WebhookPublisher
	disp    *outbound.Dispatcher
	sub     *outbound.Subscriber
	httpSrv *httpserver.Server
	tcpSrv  *tcpserver.Server
	httpErr chan error
}

// New 按依赖顺序装配组件；外部依赖（Redis/NATS）连接失败直接返回
func New(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, httpErr: make(chan error, 1)}

	// ========== 阶段1: 基础组件 ==========
	reg, appm := app.NewMetrics()
	a.appm = appm
	a.ready = health.New()
	a.serverID = app.GenerateServerID()
	log.Info("basic components initialized", zap.String("server_id", a.serverID))

	// ========== 阶段2: 外部依赖 ==========
	redisClient, err := app.NewRedisClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Error("redis initialization failed", zap.Error(err))
		return nil, err
	}
	a.redis = redisClient
	a.sess = app.NewSessionManager(cfg.Session, redisClient, a.serverID, log)

	nc, err := app.NewNATS(cfg.NATS, log)
	if err != nil {
		log.Error("nats initialization failed", zap.Error(err))
		a.closeDeps()
		return nil, err
	}
	a.nc = nc
	publisher, breaker := app.NewPublisher(nc, cfg.NATS, appm, log)
	a.webhook, err = app.NewWebhook(cfg.Webhook, appm, log)
	if err != nil {
		log.Error("webhook initialization failed", zap.Error(err))
		a.closeDeps()
		return nil, err
	}
	publisher = app.CombinePublishers(publisher, a.webhook)
	a.ready.SetDepsReady(true)

	// ========== 阶段3: 业务组件 ==========
	policy, err := gateway.NewPolicy(cfg.Mediator.Registration)
	if err != nil {
		a.closeDeps()
		return nil, err
	}
	a.disp, a.sub, err = app.StartOutbound(cfg, nc, a.sess, appm, log)
	if err != nil {
		log.Error("downlink initialization failed", zap.Error(err))
		a.closeDeps()
		return nil, err
	}

	// ========== 阶段4: HTTP ==========
	healthAgg := app.NewHealthAggregator()
	app.AddRedisChecker(healthAgg, redisClient)
	app.AddNATSChecker(healthAgg, nc, breaker)

	a.httpSrv = app.NewHTTPServer(cfg, metrics.Handler(reg), a.ready.Ready, log)
	app.RegisterHealthRoutes(a.httpSrv.Engine(), healthAgg)
	api.RegisterPumpRoutes(a.httpSrv.Engine(), api.NewPumpHandler(a.sess, a.disp, log), cfg.API.Auth, log)

	// ========== 阶段5: TCP（所有依赖就绪后最后装配）==========
	a.tcpSrv = app.NewTCPServer(cfg.TCP, appm, log)
	a.tcpSrv.SetConnHandler(gateway.NewConnHandler(&gateway.Deps{
		Sessions:          a.sess,
		Publisher:         publisher,
		Policy:            policy,
		Metrics:           appm,
		Logger:            log,
		KeepAliveInterval: cfg.Mediator.KeepAliveInterval,
	}))
	app.AddTCPChecker(healthAgg, a.tcpSrv, a.sess)

	return a, nil
}

// Start 启动 HTTP 与 TCP 服务（非阻塞）
func (a *App) Start() error {
	go func() {
		if err := a.httpSrv.Start(); err != nil {
			a.log.Error("http server error", zap.Error(err))
			a.httpErr <- err
		}
	}()

	if err := a.tcpSrv.Start(); err != nil {
		a.log.Error("tcp server start failed", zap.Error(err))
		return err
	}
	a.ready.SetTCPReady(true)
	a.log.Info("all services ready, waiting for pumps",
		zap.String("tcp_addr", a.tcpSrv.Addr().String()),
		zap.String("http_addr", a.cfg.HTTP.Addr),
		zap.String("version", Version))
	return nil
}

// TCPAddr 泵接入实际监听地址
func (a *App) TCPAddr() net.Addr { return a.tcpSrv.Addr() }

// Handler HTTP 路由（健康检查、指标、管理 API）
func (a *App) Handler() http.Handler { return a.httpSrv.Engine() }

// Sessions 会话注册表
func (a *App) Sessions() session.SessionManager { return a.sess }

// Dispatcher 下行命令执行器
func (a *App) Dispatcher() *outbound.Dispatcher { return a.disp }

// Shutdown 先停止接收新连接与请求，再释放下行与外部依赖
func (a *App) Shutdown(ctx context.Context) error {
	a.ready.SetDraining()
	var errs []error

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("http server stopped")

	if err := a.tcpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("tcp server stopped")

	if a.webhook != nil {
		if err := a.webhook.Close(ctx); err != nil {
			a.log.Warn("webhook queue not drained", zap.Int("pending", a.webhook.Pending()), zap.Error(err))
		}
	}

	if a.sub != nil {
		if err := a.sub.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.disp.Release(remaining(ctx)); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("downlink stopped")

	if rm, ok := a.sess.(*session.RedisManager); ok {
		if err := rm.Cleanup(ctx); err != nil {
			a.log.Warn("redis session cleanup failed", zap.Error(err))
		}
	}
	a.closeDeps()

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeDeps() {
	if a.webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.webhook.Close(ctx)
		cancel()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 5 * time.Second
}

// Run 统一启动流程：装配、启动、等待 ctx 结束后优雅关闭
func Run(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting pump mediator", zap.String("version", Version), zap.String("env", cfg.App.Env))

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, gracefully shutting down...")
	case runErr = <-a.httpErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown finished with errors", zap.Error(err))
	}
	return runErr
}
