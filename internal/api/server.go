// Package api wires the gin HTTP server: the proxy surface, the admin
// surface (bearer-guarded), model discovery, health, and the admin event
// feed. Grounded on the teacher's internal/api package for the
// engine-setup/middleware-ordering idiom.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/apikeyauth"
	"github.com/kleis/kleis/internal/logging"
	"github.com/kleis/kleis/internal/proxy"
	"github.com/kleis/kleis/internal/ratelimit"
	"github.com/kleis/kleis/internal/store"
	"github.com/kleis/kleis/internal/usagerecorder"
)

// Server owns the gin engine and its collaborators.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	events   *eventHub
	upstream *http.Client
}

// Config carries the server's runtime dependencies and static settings.
type Config struct {
	ListenAddr      string
	AdminToken      string
	PublicBaseURL   string
	RequestTimeout  time.Duration
	UpstreamTimeout time.Duration

	Repo       store.Repository
	Accounts   *accountsvc.Service
	Preparers  *proxy.PreparerRegistry
	Limiter    *ratelimit.Limiter
	Recorder   *usagerecorder.Recorder
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	events := newEventHub()

	upstream := &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: newUpstreamTransport(),
	}

	s := &Server{engine: engine, events: events, upstream: upstream}

	engine.Use(logging.GinLogrusRecovery())
	engine.Use(logging.GinLogrusLogger())
	engine.Use(corsMiddleware())

	registerHealth(engine)
	registerDiscovery(engine, cfg)

	proxyGroup := engine.Group("/")
	proxyGroup.Use(rateLimitMiddleware(cfg.Limiter, ratelimit.ProxyPolicy))
	proxyGroup.Use(apikeyauth.Middleware(cfg.Repo, cfg.Limiter))
	registerProxyRoutes(proxyGroup, proxyDeps{
		accounts:  cfg.Accounts,
		preparers: cfg.Preparers,
		recorder:  cfg.Recorder,
		upstream:  upstream,
		timeout:   cfg.RequestTimeout,
		limiter:   cfg.Limiter,
	})

	admin := engine.Group("/admin")
	admin.Use(rateLimitMiddleware(cfg.Limiter, ratelimit.AdminPolicy))
	admin.Use(adminAuthMiddleware(cfg.AdminToken, cfg.Limiter))
	registerAdminRoutes(admin, adminDeps{
		repo:     cfg.Repo,
		accounts: cfg.Accounts,
		events:   events,
	})
	admin.GET("/events", events.handle)

	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
