// Package api exposes the operator control surface: health, metrics,
// pause/resume, crypto status and a websocket signal stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
)

// Server is the control-surface HTTP server.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	srv      *http.Server
	log      zerolog.Logger
}

// NewServer creates the server and its routes.
func NewServer(cfg config.APIConfig, handlers *Handlers) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}

	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		log:      config.NewLogger("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	s.registerRoutes(router)

	s.srv = &http.Server{
		Addr:              cfg.GetAPIAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// registerRoutes wires the control endpoints.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/pause", s.handlers.Pause)
	router.POST("/resume", s.handlers.Resume)
	router.GET("/crypto/status", s.handlers.CryptoStatus)
	router.GET("/signals/recent", s.handlers.RecentSignals)
	router.GET("/ws/signals", s.handlers.StreamSignals)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("Control API listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
