// @title Taskerino Storage Daemon API
// @version 1.0
// @description 本地会话持久化引擎：分块会话、内容寻址附件、索引、写回队列
// @host localhost:19970
// @BasePath /api/v1
// @schemes http
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/taskerino/backend/internal/infrastructure/config"
	applog "github.com/taskerino/backend/internal/infrastructure/log"
	"github.com/taskerino/backend/internal/infrastructure/singleton"
	"github.com/taskerino/backend/internal/wire"
)

func main() {
	// 初始化日志系统
	applog.Init(nil)

	// 加载配置：默认值 < 数据目录下的 config.yaml < 环境变量
	cfg, err := config.Load(filepath.Join(config.GetDataDir(), "config.yaml"))
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 单例锁检查：尝试获取端口锁
	listener, err := singleton.CheckAndLock(cfg.Server.HTTPPort, cfg.Server.HealthCheckTimeout)
	if err != nil {
		log.Fatalf("单例锁检查失败: %v", err)
	}
	if listener == nil {
		// 已有实例运行，直接退出
		log.Println("检测到已有实例在运行，当前进程退出")
		os.Exit(0)
	}
	// 关闭临时 listener，实际监听由 HTTP 服务器负责
	_ = listener.Close()

	// 同一数据目录只允许一个进程写入
	dirLock, err := singleton.LockDataDir(cfg.ResolvedDataDir())
	if err != nil {
		if errors.Is(err, singleton.ErrDataDirLocked) {
			log.Printf("数据目录已被占用，当前进程退出: %v", err)
			os.Exit(0)
		}
		log.Fatalf("数据目录加锁失败: %v", err)
	}
	defer func() { _ = dirLock.Unlock() }()

	// Wire 生成的初始化函数
	app, err := wire.InitializeAll(cfg)
	if err != nil {
		applog.GetLogger().Error("Failed to initialize application",
			"error", err,
		)
		os.Exit(1)
	}

	// 启动所有服务
	if err := app.Start(context.Background()); err != nil {
		applog.GetLogger().Error("Failed to start application",
			"error", err,
		)
		_ = app.Stop()
		_ = dirLock.Unlock()
		os.Exit(1)
	}

	// 优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	applog.GetLogger().Info("Shutting down application...")
	if err := app.Stop(); err != nil {
		applog.GetLogger().Error("Error during application shutdown",
			"error", err,
		)
	}
	applog.GetLogger().Info("Application stopped")
}
