package server

import (
	"context"
	"net/http"
	"time"

	"video-digest/app/auth"
	"video-digest/app/config"
	"video-digest/app/handler"
	"video-digest/app/logger"
	"video-digest/app/metrics"
	"video-digest/app/middleware"
	"video-digest/app/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
	db     *gorm.DB
	tokens *auth.TokenService
	jobs   *service.JobService
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, db *gorm.DB, jobs *service.JobService, log *logger.Logger) *Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Config: cfg,
		Logger: log.Named("http"),
		db:     db,
		tokens: auth.NewTokenService(cfg.JWT),
		jobs:   jobs,
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 停止接收新请求并等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	authHandler := handler.NewAuthHandler(s.db, s.tokens, s.Logger)
	jobHandler := handler.NewJobHandler(s.jobs, s.Logger)

	s.gin.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": s.jobs.Stats().Queue})
	})
	if s.Config.Metrics.Enabled {
		s.gin.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	api.POST("/auth/login", authHandler.Login)

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.tokens))
	{
		protected.GET("/me", authHandler.Me)

		jobs := protected.Group("/jobs")
		{
			jobs.POST("", jobHandler.Submit)
			jobs.GET("", jobHandler.List)
			jobs.GET("/:id", jobHandler.Get)
			jobs.DELETE("/:id", jobHandler.Cancel)
		}

		protected.GET("/queue/stats", jobHandler.Stats)
	}
}
