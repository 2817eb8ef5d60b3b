package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shellbridge/backend/internal/api/http"
	"github.com/shellbridge/backend/internal/api/middleware"
	"github.com/shellbridge/backend/internal/api/ws"
	"github.com/shellbridge/backend/internal/infrastructure/config"
	"github.com/shellbridge/backend/internal/infrastructure/logging"
	"github.com/shellbridge/backend/internal/infrastructure/monitoring"
	"github.com/shellbridge/backend/internal/terminal"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	registry *terminal.Registry
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	// Initialize logger
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("Initializing shell execution server",
		zap.String("port", cfg.Server.Port),
		zap.String("shell", cfg.Terminal.Shell),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()
	logger.Info("Performance monitoring initialized")

	// Initialize the terminal registry and its reclamation loop
	registry := terminal.NewRegistry(cfg.Terminal, logger)
	registry.SetHooks(terminal.Hooks{
		TerminalCreated: metrics.IncTerminalsCreated,
		TerminalsReaped: metrics.AddTerminalsReaped,
	})
	if err := registry.Initialize(); err != nil {
		return nil, err
	}
	logger.Info("Terminal registry initialized")

	// Keep the active-terminals gauge fresh without tying the registry
	// to the metrics package.
	go pollTerminals(registry, metrics, cfg.Terminal.ReapInterval)

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	// Create handlers
	handlers := http.NewHandlers(registry, metrics)
	wsHandler := ws.NewHandler(registry, metrics, logger)

	// Register routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Terminal management
	router.POST("/terminals/run", handlers.Run)
	router.GET("/terminals", handlers.ListTerminals)
	router.GET("/terminals/background", handlers.Background)
	router.GET("/terminals/:id", handlers.GetTerminal)
	router.GET("/terminals/:id/output", handlers.Output)
	router.GET("/terminals/:id/output/full", handlers.FullOutput)
	router.POST("/terminals/:id/continue", handlers.Continue)
	router.POST("/terminals/:id/abort", handlers.Abort)
	router.DELETE("/terminals/:id", handlers.CloseTerminal)

	// WebSocket
	router.GET("/stream", wsHandler.HandleConnection)

	// Metrics endpoints
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/json", handlers.Stats)

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		registry: registry,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Run starts the HTTP server
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Registry exposes the terminal registry, mainly for tests.
func (s *Server) Registry() *terminal.Registry {
	return s.registry
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	// Stops the reaper and aborts in-flight commands
	s.registry.Cleanup()
	s.logger.Info("Terminal registry cleaned up")

	// Sync logger before exit
	s.logger.Sync()

	return nil
}

func pollTerminals(registry *terminal.Registry, metrics *monitoring.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		metrics.SetTerminalsActive(len(registry.Snapshot()))
	}
}
