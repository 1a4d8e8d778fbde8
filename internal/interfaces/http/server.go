package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lmrelay/lmrelay/internal/infrastructure/lmstudio"
	"github.com/lmrelay/lmrelay/internal/interfaces/http/handlers"
)

// Server is the HTTP front of the gateway.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds the listener settings.
type Config struct {
	Host string
	Port int
	Mode string // local, production
}

// Handlers groups everything the router needs.
type Handlers struct {
	Respond *handlers.RespondHandler
	Profile *handlers.ProfileHandler
	Thread  *handlers.ThreadHandler
	Model   *handlers.ModelHandler
}

// NewServer builds the gin engine and routes.
func NewServer(cfg Config, h Handlers, upstream *lmstudio.Client, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	setupRoutes(router, h, upstream)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, h Handlers, upstream *lmstudio.Client) {
	router.GET("/health", func(c *gin.Context) {
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		upstreamStatus := "ok"
		if err := upstream.Ping(probeCtx); err != nil {
			upstreamStatus = "unreachable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   status,
			"upstream": upstreamStatus,
			"time":     time.Now().Unix(),
		})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/responses", h.Respond.Respond)

		v1.GET("/profile", h.Profile.Get)
		v1.PUT("/profile", h.Profile.Put)

		v1.GET("/threads/:id", h.Thread.Get)
		v1.GET("/threads/:id/messages", h.Thread.Messages)

		v1.GET("/models/:id/context", h.Model.Context)
	}
}

// ginLogger is the zap request-logging middleware.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
