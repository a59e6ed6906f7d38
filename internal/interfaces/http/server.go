package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/taskerino/backend/docs"

	"github.com/taskerino/backend/internal/infrastructure/config"
	"github.com/taskerino/backend/internal/infrastructure/log"
	"github.com/taskerino/backend/internal/infrastructure/singleton"
	"github.com/taskerino/backend/internal/infrastructure/websocket"
	"github.com/taskerino/backend/internal/interfaces/http/handler"
	"github.com/taskerino/backend/internal/interfaces/http/middleware"
)

// HTTPServer HTTP 服务器
type HTTPServer struct {
	router   *gin.Engine
	httpPort string
	server   *http.Server
	logger   *slog.Logger
}

// NewServer 创建 HTTP 服务器
func NewServer(
	cfg *config.ServerConfig,
	sessionHandler *handler.SessionHandler,
	maintenanceHandler *handler.MaintenanceHandler,
	hub *websocket.Hub,
	registry *prometheus.Registry,
) *HTTPServer {
	logger := log.NewModuleLogger("http", "server")

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger), middleware.EnsureUTF8Body())

	// 注册路由
	api := router.Group("/api/v1")
	{
		sessions := api.Group("/sessions")
		{
			sessions.GET("", sessionHandler.List)
			sessions.POST("", sessionHandler.Save)
			sessions.POST("/search", sessionHandler.Search)
			sessions.POST("/migrate", sessionHandler.Migrate)
			sessions.PUT("/active", sessionHandler.SetActive)
			sessions.GET("/:id", sessionHandler.Get)
			sessions.GET("/:id/metadata", sessionHandler.Metadata)
			sessions.DELETE("/:id", sessionHandler.Delete)
			sessions.POST("/:id/compress", sessionHandler.Compress)
			sessions.POST("/:id/screenshots", sessionHandler.AppendScreenshot)
			sessions.POST("/:id/audio-segments", sessionHandler.AppendAudioSegment)
			sessions.POST("/:id/video-chunks", sessionHandler.AppendVideoChunk)
		}

		attachments := api.Group("/attachments")
		{
			attachments.POST("", maintenanceHandler.UploadAttachment)
			attachments.GET("/stats", maintenanceHandler.AttachmentStats)
			attachments.POST("/gc", maintenanceHandler.CollectGarbage)
			attachments.GET("/:hash", maintenanceHandler.DownloadAttachment)
			attachments.GET("/:hash/metadata", maintenanceHandler.AttachmentMetadata)
		}

		queue := api.Group("/queue")
		{
			queue.GET("/stats", maintenanceHandler.QueueStats)
			queue.POST("/flush", maintenanceHandler.FlushQueue)
			queue.GET("/items/:id", maintenanceHandler.QueueItem)
			queue.DELETE("/items/:id", maintenanceHandler.CancelQueueItem)
		}

		indexes := api.Group("/indexes")
		{
			indexes.GET("/verify", maintenanceHandler.VerifyIndexes)
			indexes.POST("/rebuild", maintenanceHandler.RebuildIndexes)
			indexes.POST("/optimize", maintenanceHandler.OptimizeIndexes)
		}

		api.POST("/relationships", maintenanceHandler.AddRelationship)
		api.GET("/relationships/:id", maintenanceHandler.EntityRelationships)
		api.DELETE("/relationships/:id", maintenanceHandler.RemoveRelationship)

		api.GET("/engine/stats", maintenanceHandler.EngineStats)
		api.POST("/engine/checkpoint", maintenanceHandler.Checkpoint)
	}

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, singleton.HealthOK())
	})

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	// /ws?topics=queue,gc，缺省订阅全部主题
	router.GET("/ws", func(c *gin.Context) {
		var topics []string
		if raw := c.Query("topics"); raw != "" {
			topics = strings.Split(raw, ",")
		}
		if err := hub.ServeWS(c.Writer, c.Request, topics); err != nil {
			logger.Warn("WebSocket upgrade failed", "error", err)
		}
	})

	return &HTTPServer{
		router:   router,
		httpPort: cfg.HTTPPort,
		logger:   logger,
	}
}

// Router 路由实例，测试使用
func (s *HTTPServer) Router() http.Handler {
	return s.router
}

// Start 启动服务器，阻塞直到关闭
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:              s.httpPort,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server starting",
		"port", s.httpPort,
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
