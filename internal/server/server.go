package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/lockstep/internal/config"
	"github.com/zsiec/lockstep/internal/engine"
	"github.com/zsiec/lockstep/internal/errors"
	"github.com/zsiec/lockstep/internal/health"
)

// Server exposes the sync engine over HTTP: status and quality queries,
// latency management, position feeds, health, and metrics.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger
	engine       *engine.Engine
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler
}

// New creates a server around the given engine. redisClient may be nil
// when the registry is disabled.
func New(cfg *config.ServerConfig, log *logrus.Logger, eng *engine.Engine, redisClient *redis.Client) *Server {
	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		engine:       eng,
		healthMgr:    health.NewManager(log),
		errorHandler: errors.NewErrorHandler(log),
	}

	s.healthMgr.Register(health.NewEngineChecker(eng))
	s.healthMgr.Register(health.NewMemoryChecker(4 << 30))
	if redisClient != nil {
		s.healthMgr.Register(health.NewRedisChecker(redisClient))
	}

	s.setupRoutes()
	return s
}

// Start serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.healthMgr.StartPeriodicChecks(ctx, 30*time.Second)

	s.logger.WithField("addr", addr).Info("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down HTTP server")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}
