package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/api/handlers"
	"github.com/dsyorkd/pi-doser/internal/api/middleware"
	"github.com/dsyorkd/pi-doser/internal/config"
	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/metrics"
	"github.com/dsyorkd/pi-doser/internal/storage"
	"github.com/dsyorkd/pi-doser/internal/task"
	"github.com/dsyorkd/pi-doser/internal/websocket"
)

// Dependencies are the components the routes are served from. Doser and
// Tasks are required; the rest switch their routes off when nil.
type Dependencies struct {
	Doser       *doser.Doser
	Tasks       *task.Tracker
	Updater     handlers.Updater
	History     storage.History
	Hub         *websocket.Hub
	Metrics     *metrics.Metrics
	RateLimiter *middleware.RateLimiter
	Auth        *middleware.AuthManager
	SystemInfo  handlers.InfoCollector
	GPIO        handlers.PinReporter
}

// Server represents the REST API server
type Server struct {
	config *config.APIConfig
	deps   Dependencies
	logger *logrus.Logger
	router *gin.Engine
	server *http.Server
}

// New creates a new API server instance
func New(cfg *config.APIConfig, logger *logrus.Logger, deps Dependencies) *Server {
	if logger.Level == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
		router: gin.New(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes and middleware
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Recovery(s.logger))

	if s.config.CORSEnabled {
		s.router.Use(middleware.CORS())
	}
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.Middleware())
	}

	var history handlers.HealthChecker
	if s.deps.History != nil {
		history = s.deps.History
	}
	health := handlers.NewHealthHandler(history, s.deps.Doser, s.deps.SystemInfo, s.deps.GPIO)
	s.router.GET("/health", health.Health)
	s.router.GET("/ready", health.Ready)

	if s.deps.Metrics != nil && s.config.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	// Everything below is throttled
	api := s.router.Group("/")
	if s.deps.RateLimiter != nil {
		api.Use(s.deps.RateLimiter.RateLimit())
	}

	h := handlers.NewDoserHandler(s.deps.Doser, s.deps.Tasks, s.deps.Updater, s.logger)
	api.GET("/", h.Root)
	api.GET("/status", h.Status)
	api.GET("/full-status", h.FullStatus)
	api.POST("/dispense", h.Dispense)
	api.POST("/calibrate", h.Calibrate)
	api.POST("/update-prime", h.UpdatePrime)
	api.POST("/unprime", h.Unprime)
	api.POST("/unprime-all", h.UnprimeAll)
	api.POST("/dose", h.Dose)

	operator := s.guard(middleware.RoleOperator)
	admin := s.guard(middleware.RoleAdmin)

	debug := api.Group("/debug", operator...)
	{
		debug.POST("/step", h.DebugStep)
		debug.POST("/calibrate", h.DebugCalibrate)
		debug.POST("/clear-config", append(admin, h.ClearConfig)...)
		if s.deps.GPIO != nil {
			debug.GET("/pins", health.Pins)
		}
	}
	api.GET("/reboot", append(admin, h.Reboot)...)
	api.POST("/ota", append(admin, h.OTA)...)

	if s.deps.History != nil {
		hh := handlers.NewHistoryHandler(s.deps.History, s.logger)
		api.GET("/history", hh.List)
		api.GET("/history/totals", hh.Totals)
	}

	if s.config.SystemInfo {
		api.GET("/system/info", health.SystemInfo)
	}

	if s.deps.Hub != nil {
		api.GET(s.deps.Hub.Path(), s.deps.Hub.Handle)
	}
}

// guard returns the middleware chain that requires role, or nothing when
// bearer tokens are disabled
func (s *Server) guard(role middleware.Role) []gin.HandlerFunc {
	if s.deps.Auth == nil {
		return nil
	}
	return []gin.HandlerFunc{s.deps.Auth.Auth(), s.deps.Auth.RequireRole(role)}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	readTimeout, writeTimeout, _ := s.config.Durations()

	s.server = &http.Server{
		Addr:         s.config.GetAddress(),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithField("address", s.config.GetAddress()).Info("Starting API server")

	return s.server.ListenAndServe()
}

// Stop stops accepting requests, then waits for in-flight motion so no pump
// is left mid-stream
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.deps.Tasks != nil {
		if terr := s.deps.Tasks.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

// Router returns the underlying Gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
