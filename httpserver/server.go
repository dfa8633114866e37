package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/execution"
)

const (
	readHeaderTimeout = 10 * time.Second
	corsMaxAge        = 12 * time.Hour
)

// Languages lists the supported language names.
type Languages interface {
	Names() []string
}

// Server is the REST front end of the executor.
type Server struct {
	config    *config.Config
	logger    *zap.Logger
	executor  execution.Executor
	languages Languages
	engine    *gin.Engine
	limiter   *IPRateLimiter
	srv       *http.Server
	addr      string
}

// New creates a Server with all routes registered.
func New(cfg *config.Config, logger *zap.Logger, executor execution.Executor, languages Languages) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:    cfg,
		logger:    logger.Named("http"),
		executor:  executor,
		languages: languages,
		engine:    gin.New(),
	}

	if err := s.engine.SetTrustedProxies(nil); err != nil {
		return nil, fmt.Errorf("failed to configure trusted proxies: %w", err)
	}

	s.engine.Use(recovery(s.logger), requestLogger(s.logger), recordMetrics())

	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig := cors.Config{
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id"},
			ExposeHeaders: []string{"Mcp-Session-Id"},
			MaxAge:        corsMaxAge,
		}
		if len(cfg.Server.CORSOrigins) == 1 && cfg.Server.CORSOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.Server.CORSOrigins
		}
		if err := corsConfig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid server.cors_origins: %w", err)
		}
		s.engine.Use(cors.New(corsConfig))
	}

	if cfg.Server.RateLimitRPS > 0 {
		burst := cfg.Server.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = NewIPRateLimiter(rate.Limit(cfg.Server.RateLimitRPS), burst)
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/languages", s.handleLanguages)
	api.POST("/execute-code", s.guarded(s.handleExecuteCode)...)
}

// guarded prepends the body limit and rate limiter to h.
func (s *Server) guarded(h gin.HandlerFunc) []gin.HandlerFunc {
	handlers := []gin.HandlerFunc{limitBody(int64(s.config.Server.MaxBodyKB) * 1024)}
	if s.limiter != nil {
		handlers = append(handlers, s.limiter.Middleware())
	}
	return append(handlers, h)
}

// Mount serves h at path for every method, behind the body limit and rate
// limiter.
func (s *Server) Mount(path string, h http.Handler) {
	s.engine.Any(path, s.guarded(gin.WrapH(h))...)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.addr = ln.Addr().String()
	s.logger.Info("starting HTTP server", zap.String("addr", s.addr))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	return s.srv.Shutdown(ctx)
}
