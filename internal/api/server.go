// Package api assembles the HTTP surface of the gateway: route registration,
// authentication middleware and the server lifecycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/cetaceang/antigravity2api/internal/api/handlers"
	"github.com/cetaceang/antigravity2api/internal/api/middleware"
	"github.com/cetaceang/antigravity2api/internal/config"
	"github.com/cetaceang/antigravity2api/internal/logging"
)

// Server wraps the gin engine and the underlying http.Server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the engine, registers all routes and returns a server
// ready to Run. The OpenAI surface takes bearer keys only; the Gemini native
// surface additionally accepts the x-goog-api-key header and the key query
// parameter.
func NewServer(cfg *config.Config, h *handlers.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	bearerAuth := middleware.APIKeyAuth(cfg, middleware.AuthOptions{})
	geminiAuth := middleware.APIKeyAuth(cfg, middleware.AuthOptions{
		AllowGoogleHeader: true,
		AllowQueryKey:     true,
	})

	engine.GET("/health", h.Health)
	engine.POST("/v1/chat/completions", bearerAuth, h.ChatCompletions)
	engine.GET("/v1/models", bearerAuth, h.ListModels)
	engine.POST("/v1/models/:action", geminiAuth, h.GeminiGenerate)
	engine.POST("/v1beta/models/:action", geminiAuth, h.GeminiGenerate)
	engine.Static("/images", cfg.Image.Dir)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the router, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	log.Infof("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
