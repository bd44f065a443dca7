package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/interfaces/http/handlers"
	"github.com/cortexrt/assistant/internal/interfaces/websocket"
)

// Server is the thin HTTP surface spec.md §6 names: scheduler admin
// endpoints and the device websocket upgrade route. Everything else —
// intake, routing, recruitment, planning, step execution — happens over
// the websocket connection, not HTTP.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config configures the HTTP listener.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer builds the server, registering the scheduler admin routes
// and the websocket upgrade endpoint.
func NewServer(cfg Config, hub *websocket.Hub, sched *handlers.SchedulerHandler, logger *zap.Logger) *Server {
	mode := cfg.Mode
	if mode == "" {
		mode = gin.DebugMode
	}
	gin.SetMode(mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	setupRoutes(router, hub, sched, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start listens in the background; errors after a graceful Stop are
// suppressed since http.ErrServerClosed is the expected outcome.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, hub *websocket.Hub, sched *handlers.SchedulerHandler, logger *zap.Logger) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	wsHandler := websocket.NewHandler(hub, logger)
	router.GET("/ws", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})

	schedulers := router.Group("/api/v1/schedulers")
	{
		schedulers.GET("/stats", sched.GetStats)
		schedulers.GET("/tasks", sched.ListTasks)
		schedulers.POST("/tasks", sched.CreateTask)
		schedulers.DELETE("/tasks/:id", sched.DeleteTask)
		schedulers.POST("/tasks/:id/pause", sched.PauseTask)
		schedulers.POST("/tasks/:id/resume", sched.ResumeTask)
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
