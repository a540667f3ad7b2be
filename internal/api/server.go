// Package api exposes the pre-authorization workflow over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/guidelines"
	"github.com/prior-auth-server/internal/middleware"
)

// Version is reported by the health endpoint
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// PreAuthorizations is the part of the service layer the API calls
type PreAuthorizations interface {
	RunPreAuthorization(ctx context.Context, doc domain.Document) (*domain.PreAuthorizationDecision, error)
	GetDecision(ctx context.Context, id string) (*domain.PreAuthorizationDecision, error)
	GetGuidelines(ctx context.Context, code string) (*domain.GuidelineTree, error)
}

// Ingester turns free-text guidelines into a stored tree
type Ingester interface {
	Ingest(ctx context.Context, code, rawGuidelines string, overwrite bool) (string, *domain.GuidelineTree, error)
}

// Dependencies wires the server to the rest of the application.
// Ingestion, Checker, Metrics and Health are optional.
type Dependencies struct {
	Service    PreAuthorizations
	Guidelines domain.GuidelineStore
	Ingestion  Ingester
	Checker    guidelines.ExpressionChecker
	Metrics    http.Handler
	Health     func(ctx context.Context) error
	Logger     *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	cfg    domain.ServerConfig
	deps   Dependencies
	logger *logrus.Logger
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	if deps.Logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger(deps.Logger))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		router: router,
	}
	s.setupRoutes()

	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{"addr": addr, "tls": s.cfg.TLSEnabled}).Info("HTTP server listening")

		var err error
		if s.cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.RequestTimeout(s.cfg.RequestTimeout))
	v1.Use(middleware.MaxBodySize(s.cfg.MaxUploadBytes))
	{
		v1.POST("/pre-authorizations", s.handleRunPreAuthorization)
		v1.GET("/pre-authorizations/:id", s.handleGetDecision)

		v1.POST("/guidelines", s.handleIngestGuidelines)
		v1.GET("/guidelines/:code", s.handleGetGuidelines)
		v1.PUT("/guidelines/:code", s.handlePutGuidelines)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}

	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
	}

	c.JSON(status, body)
}
