// Package httpapi exposes the engine over HTTP.
//
// Every response is a JSON envelope: successes carry {"ok": true, ...},
// failures carry {"ok": false, "code": <stable code>, "error": <message>}.
// Transports never invent error semantics; they map pverr codes to HTTP
// statuses.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/auth"
	"github.com/flowlexi/patchvec/internal/config"
	"github.com/flowlexi/patchvec/internal/engine"
	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/flowlexi/patchvec/internal/version"
)

const principalKey = "patchvec.principal"

// Server wires the engine into an echo HTTP server.
type Server struct {
	echo     *echo.Echo
	engine   *engine.Engine
	resolver *auth.Resolver
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer creates the HTTP server.
func NewServer(cfg config.Config, eng *engine.Engine, resolver *auth.Resolver, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("auth resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{echo: e, engine: eng, resolver: resolver, logger: logger, cfg: cfg}

	if cfg.Log.AccessLog != "" {
		e.Use(s.accessLog)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	// Unauthenticated surface.
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/health/live", s.handleLive)
	s.echo.GET("/health/ready", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/collections", s.authenticate)
	api.GET("/:tenant", s.handleListCollections)
	api.POST("/:tenant/:collection", s.handleCreateCollection)
	api.DELETE("/:tenant/:collection", s.handleDeleteCollection)
	api.PUT("/:tenant/:collection", s.handleRenameCollection)
	api.POST("/:tenant/:collection/documents", s.handleIngest)
	api.DELETE("/:tenant/:collection/documents/:docid", s.handleDeleteDocument)
	api.GET("/:tenant/:collection/search", s.handleSearchGet)
	api.POST("/:tenant/:collection/search", s.handleSearchPost)
	api.GET("/:tenant/:collection/archive", s.handleArchive)
	api.PUT("/:tenant/:collection/archive", s.handleRestore)
}

// authenticate resolves the bearer token and scopes the request to the
// tenant named in the path.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := ""
		if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
			token = strings.TrimPrefix(h, "Bearer ")
			if token == h {
				return s.fail(c, pverr.Unauthorized("authorization header must use the Bearer scheme"))
			}
		}

		principal, err := s.resolver.Resolve(token)
		if err != nil {
			return s.fail(c, err)
		}
		if tenant := c.Param("tenant"); tenant != "" {
			if err := principal.Authorize(tenant); err != nil {
				return s.fail(c, err)
			}
		}
		c.Set(principalKey, principal)
		return next(c)
	}
}

// fail writes the structured error envelope.
func (s *Server) fail(c echo.Context, err error) error {
	pe := pverr.From(err)
	if pe.Code == pverr.CodeInternal {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(pe.Unwrap()),
		)
	}
	return c.JSON(pe.HTTPStatus(), map[string]any{
		"ok":      false,
		"code":    pe.Code,
		"error":   pe.Message,
		"details": pe.Details,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if err := s.engine.Ready(); err != nil {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   status,
		"version":  version.Version,
		"backend":  s.cfg.VectorStore.Type,
		"embedder": s.engine.Embedder().Fingerprint(),
	})
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	if err := s.engine.Ready(); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
