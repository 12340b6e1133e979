// Package api serves the Qibla engine over HTTP: one-shot bearing queries and a
// websocket through which a device streams its sensors into a live session.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/noorlabs/qiblad/internal/cache"
	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/dispatcher"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/internal/storage"
)

// Observer receives every snapshot of every session.
type Observer interface {
	Observe(session.Snapshot)
}

// Forgetter is implemented by observers that keep per-session state. Forget runs
// once the session has ended.
type Forgetter interface {
	Forget(sessionID string)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(session.Snapshot)

// Observe calls f.
func (f ObserverFunc) Observe(s session.Snapshot) { f(s) }

// Dependencies holds what the server talks to. Registry is required.
type Dependencies struct {
	Registry *cache.Registry[*session.Session]
	Store    session.Store
	// History serves the fix history endpoint when the backend keeps one.
	History storage.Historian
	Clock   clockwork.Clock
	Logger  *slog.Logger
	// DispatchLogger receives per-message debug logs.
	DispatchLogger dispatcher.Logger
	Meter          metric.Meter
	// Counters backs the metrics endpoint.
	Counters  func(ctx context.Context) (map[string]int64, error)
	Observers []Observer
}

// Server is the HTTP and websocket front of the engine.
type Server struct {
	cfg      config.HTTPConfig
	session  session.Config
	deps     Dependencies
	log      *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	// session id -> *socketConn
	conns sync.Map
}

// NewServer builds the router.
func NewServer(cfg config.HTTPConfig, sessionCfg session.Config, deps Dependencies) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("api: session registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.DispatchLogger == nil {
		deps.DispatchLogger = slogDispatchLogger{deps.Logger}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	switch cfg.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	case "":
		gin.SetMode(gin.ReleaseMode)
	default:
		return nil, fmt.Errorf("api: unknown gin mode %q", cfg.Mode)
	}

	s := &Server{
		cfg:     cfg,
		session: sessionCfg,
		deps:    deps,
		log:     deps.Logger.With("component", "api"),
	}
	deps.Registry.OnEvict(s.closeEvicted)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || contains(cfg.AllowedOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthcheck", s.healthcheck)

	api := r.Group("/api")
	api.GET("/qibla", s.qibla)
	api.GET("/qibla/path", s.qiblaPath)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.GET("/devices/:device/session", s.deviceSession)
	api.GET("/devices/:device/fixes", s.deviceFixes)
	api.GET("/metrics", s.metrics)

	r.GET("/ws/session", s.serveSession)

	s.engine = r
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on the configured address until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 || contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// slogDispatchLogger adapts slog to the dispatcher when no zerolog adapter is given.
type slogDispatchLogger struct {
	log *slog.Logger
}

func (l slogDispatchLogger) Debug(msg string, kv ...any) { l.log.Debug(msg, kv...) }
func (l slogDispatchLogger) Info(msg string, kv ...any)  { l.log.Info(msg, kv...) }
func (l slogDispatchLogger) Error(msg string, kv ...any) { l.log.Error(msg, kv...) }
