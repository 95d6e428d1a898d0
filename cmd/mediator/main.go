package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/taoyao-code/pump-mediator/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/pump-mediator/internal/config"
	"github.com/taoyao-code/pump-mediator/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: $MEDIATOR_CONFIG or configs/mediator.yaml)")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 信号驱动的优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx, cfg, zap.L()); err != nil {
		zap.L().Error("mediator exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
