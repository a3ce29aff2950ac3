// Package server wires the central coordinator: HTTP + WebSocket surface,
// the hub, the sqlite metadata cache, auth, and the daemon link.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vlaude/vlaude/api"
	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/db"
	"github.com/vlaude/vlaude/hub"
	"github.com/vlaude/vlaude/log"
)

// Server owns and coordinates all coordinator components.
type Server struct {
	cfg *config.Config

	cache    *db.Cache
	hub      *hub.Hub
	link     *DaemonLink
	auth     *api.Authenticator
	registry *prometheus.Registry

	// Cancelled when the server is shutting down; long-running WebSocket
	// handlers observe it through connection closure.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server
}

// New creates a server with all components initialized.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Msg("initializing metadata cache")
	cache, err := db.Open(cfg.DatabasePath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	s.cache = cache

	auth, err := api.NewAuthenticator(cfg.JWTPublicKeyPath, cfg.JWTPrivateKeyPath, cfg.TokenTTL, cfg.TrustedCIDRs)
	if err != nil {
		cache.Close()
		cancel()
		return nil, fmt.Errorf("init auth: %w", err)
	}
	s.auth = auth

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := hub.NewMetrics(s.registry)

	s.hub = hub.New(metrics)
	s.link = NewDaemonLink(cfg, s.hub, cache)

	s.setupRouter()

	log.Info().Msg("server initialized")
	return s, nil
}

// setupRouter creates and configures the gin router.
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(corsMiddleware())
	} else {
		s.router.Use(securityHeadersMiddleware())
	}
	s.router.SetTrustedProxies(nil)

	handlers := api.NewHandlers(s.link, s, s.auth)
	api.RegisterRoutes(s.router, handlers, s.hub, s.auth,
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// DaemonConnected implements api.StatusSource.
func (s *Server) DaemonConnected() bool {
	return s.hub.DaemonConnected()
}

// SessionMode implements api.StatusSource.
func (s *Server) SessionMode(sessionID string) string {
	return string(s.hub.Arbiter().Mode(sessionID))
}

// Start runs the HTTP server; it blocks until shutdown or failure. With a
// client CA configured, daemon connections authenticate with client
// certificates on top of the CIDR allowlist.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(),
	}

	if s.cfg.ClientCAPath != "" {
		pool, err := loadClientCAs(s.cfg.ClientCAPath)
		if err != nil {
			return err
		}
		s.http.TLSConfig = &tls.Config{
			ClientCAs:  pool,
			ClientAuth: tls.VerifyClientCertIfGiven,
			MinVersion: tls.VersionTLS12,
		}
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("server starting")

	if s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != "" {
		return s.http.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")
	s.shutdownCancel()

	// Let hijacked WebSocket handlers notice before the listener closes
	time.Sleep(100 * time.Millisecond)

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if err := s.cache.Close(); err != nil {
		log.Error().Err(err).Msg("cache close error")
		return err
	}
	log.Info().Msg("server shutdown complete")
	return nil
}

// Router exposes the gin engine (tests).
func (s *Server) Router() *gin.Engine { return s.router }

// Hub exposes the hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

func loadClientCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// corsMiddleware allows cross-origin requests during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// securityHeadersMiddleware adds hardening headers for production.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
