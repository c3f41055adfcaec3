// Package api exposes a read-only HTTP surface over the running bot:
// health, grid state, protection state, and the current trend signal.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/protection"
	"binance-grid-bot/internal/signal"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// BotStatus is the aggregate view served by /api/v1/status.
type BotStatus struct {
	Symbol      string           `json:"symbol"`
	Running     bool             `json:"running"`
	Hibernating bool             `json:"hibernating"`
	LastPrice   float64          `json:"last_price"`
	StartedAt   time.Time        `json:"started_at"`
	Grid        grid.Snapshot    `json:"grid"`
	Protection  protection.State `json:"protection"`
	Signal      signal.Status    `json:"signal"`
}

// StatusProvider is the surface the bot exposes to the API.
type StatusProvider interface {
	Status() BotStatus
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	provider   StatusProvider
	config     ServerConfig
	logger     zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, provider StatusProvider, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:   router,
		provider: provider,
		config:   config,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/grid", s.handleGrid)
		v1.GET("/protection", s.handleProtection)
		v1.GET("/signal", s.handleSignal)
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.provider.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"running":     status.Running,
		"hibernating": status.Hibernating,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status())
}

func (s *Server) handleGrid(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status().Grid)
}

func (s *Server) handleProtection(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status().Protection)
}

func (s *Server) handleSignal(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status().Signal)
}
