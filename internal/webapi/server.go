// Package webapi serves the device's HTTP configuration surface.
package webapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/ota"
	"github.com/unklstewy/nina-display/internal/perf"
	"github.com/unklstewy/nina-display/internal/power"
	"github.com/unklstewy/nina-display/pkg/healthcheck"
)

const (
	// maxConfigBody bounds a posted configuration document.
	maxConfigBody = 4096

	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server is the device HTTP API. Construct with NewServer, run with Start.
type Server struct {
	cfg     *config.Store
	updater *ota.Coordinator
	monitor *perf.Monitor
	arbiter *power.Arbiter
	logger  *zap.Logger
	addr    string
	version string

	// OnReboot restarts the device after the response is sent. Optional.
	OnReboot func()
	// OnFactoryReset runs after the config wipe, typically a reboot. Optional.
	OnFactoryReset func()
	// Screenshot captures the framebuffer as JPEG. Optional.
	Screenshot func() ([]byte, error)
	// Health aggregates subsystem checks for GET /api/health. Optional.
	Health *healthcheck.Registry

	stopCh    chan struct{}
	stopOnce  sync.Once
	otaActive sync.Mutex
}

// NewServer wires the API. arbiter and monitor may be nil in trimmed builds.
func NewServer(addr, version string, cfg *config.Store, updater *ota.Coordinator, monitor *perf.Monitor, arbiter *power.Arbiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		updater: updater,
		monitor: monitor,
		arbiter: arbiter,
		logger:  logger.With(zap.String("subsystem", "webapi")),
		addr:    addr,
		version: version,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the HTTP server until the context is cancelled or Stop is
// called, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("address", s.addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case <-s.stopCh:
		s.logger.Info("Server stop requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Error during HTTP server shutdown", zap.Error(err))
	}
	return nil
}

// Stop initiates a graceful shutdown.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Router builds the routing table. Exposed for handler tests.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Snapshot().DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleIndex)

	api := router.Group("/api")
	{
		api.GET("/config", s.handleGetConfig)
		api.POST("/config", s.handlePostConfig)
		api.POST("/config/apply", s.handleApplyConfig)
		api.POST("/config/revert", s.handleRevertConfig)

		api.POST("/brightness", s.singleField("brightness", func(cfg *config.Config, v int) {
			cfg.Brightness = v
		}))
		api.POST("/color-brightness", s.singleField("color_brightness", func(cfg *config.Config, v int) {
			cfg.ColorBrightness = v
		}))
		api.POST("/theme", s.singleField("theme_index", func(cfg *config.Config, v int) {
			cfg.ThemeIndex = v
		}))
		api.POST("/widget-style", s.singleField("widget_style", func(cfg *config.Config, v int) {
			cfg.WidgetStyle = v
		}))
		api.POST("/page", s.handlePage)

		api.GET("/screenshot", s.handleScreenshot)
		api.POST("/reboot", s.handleReboot)
		api.POST("/factory-reset", s.handleFactoryReset)

		api.POST("/check-update", s.handleCheckUpdate)
		api.POST("/ota", s.handleStartOTA)
		api.GET("/version", s.handleVersion)
		api.GET("/health", s.handleHealth)

		if s.monitor != nil {
			api.GET("/perf", gin.WrapH(s.monitor.Handler()))
			api.POST("/perf/reset", s.handlePerfReset)
		}
	}

	return router
}
