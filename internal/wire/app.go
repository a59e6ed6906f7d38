package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appEngine "github.com/taskerino/backend/internal/application/engine"
	"github.com/taskerino/backend/internal/domain/events"
	applog "github.com/taskerino/backend/internal/infrastructure/log"
	"github.com/taskerino/backend/internal/infrastructure/metrics"
	"github.com/taskerino/backend/internal/infrastructure/watcher"
	"github.com/taskerino/backend/internal/infrastructure/websocket"
	"github.com/taskerino/backend/internal/interfaces"
)

// shutdownTimeout 关闭时排空写回队列的最长等待
const shutdownTimeout = 30 * time.Second

// App 应用主结构，组合所有服务
type App struct {
	HTTPServer *interfaces.HTTPServer
	Engine     *appEngine.Engine
	wsHub      *websocket.Hub
	metrics    *metrics.Collector
	logger     *slog.Logger

	// 文件监听相关
	eventBus    events.EventBus
	fileWatcher *watcher.FileWatcher
	unbridge    func()
}

// NewApp 创建应用实例
func NewApp(
	engine *appEngine.Engine,
	httpServer *interfaces.HTTPServer,
	wsHub *websocket.Hub,
	collector *metrics.Collector,
	fileWatcher *watcher.FileWatcher,
	eventBus events.EventBus,
) *App {
	return &App{
		HTTPServer:  httpServer,
		Engine:      engine,
		wsHub:       wsHub,
		metrics:     collector,
		logger:      applog.NewModuleLogger("app", "main"),
		eventBus:    eventBus,
		fileWatcher: fileWatcher,
	}
}

// Start 初始化引擎后启动推送、指标、文件监听和 HTTP 服务
// 引擎初始化失败时直接返回，不启动任何对外服务
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("Starting Taskerino storage daemon")

	if err := a.Engine.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if rec := a.Engine.Recovery(); rec != nil && rec.EntriesRead > 0 {
		a.logger.Warn("Recovered pending writes from WAL",
			"writes_applied", rec.WritesApplied,
			"rolled_back", rec.RolledBack,
			"incomplete", rec.Incomplete,
		)
	}

	a.metrics.Start()

	// 启动 WebSocket Hub 并转发引擎事件
	a.wsHub.Start()
	a.unbridge = a.wsHub.Bridge(a.eventBus)

	if a.fileWatcher != nil {
		if err := a.fileWatcher.Start(); err != nil {
			a.logger.Error("Failed to start file watcher",
				"error", err,
			)
		} else {
			a.logger.Info("File watcher started successfully")
		}
	}

	// 启动 HTTP 服务器（goroutine）
	go func() {
		if err := a.HTTPServer.Start(); err != nil {
			a.logger.Error("Failed to start HTTP server",
				"error", err,
			)
		}
	}()

	a.logger.Info("Taskerino storage daemon started successfully")
	return nil
}

// Stop 停止对外服务，排空写回队列后关闭存储
func (a *App) Stop() error {
	a.logger.Info("Stopping Taskerino storage daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to stop HTTP server",
			"error", err,
		)
		errs = append(errs, err)
	}

	// 停止文件监听器
	if a.fileWatcher != nil {
		a.fileWatcher.Stop()
		a.logger.Info("File watcher stopped")
	}

	if err := a.Engine.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to shut down engine",
			"error", err,
		)
		errs = append(errs, err)
	}

	if a.unbridge != nil {
		a.unbridge()
	}
	a.wsHub.Stop()
	a.metrics.Stop()

	// 关闭事件总线
	if a.eventBus != nil {
		a.eventBus.Close()
		a.logger.Info("Event bus closed")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Info("Taskerino storage daemon stopped successfully")
	return nil
}
