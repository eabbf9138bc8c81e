// Package server exposes render history and live batch progress over HTTP.
package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/pianoreel/internal/api"
	"github.com/mantonx/pianoreel/internal/batch"
	"github.com/mantonx/pianoreel/internal/config"
	"github.com/mantonx/pianoreel/internal/database"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/middleware"
)

// RunStore is the read side of the render history
type RunStore interface {
	GetRun(ctx context.Context, id string) (*database.RenderRun, error)
	ListRuns(ctx context.Context, filter database.RunFilter) ([]database.RenderRun, int64, error)
}

// BatchSource reports the batch currently running or last run
type BatchSource interface {
	Current() *batch.Report
}

// EventSource is the part of the event bus the server reads from
type EventSource interface {
	Subscribe(subscriber string, filter events.EventFilter, handler events.EventHandler) (*events.Subscription, error)
	Unsubscribe(subscriptionID string) error
	Recent(filter events.EventFilter, limit int) []events.Event
	Stats() events.EventStats
	Health() error
}

// Deps are the services routes are served from. Store may be nil when render
// history is disabled.
type Deps struct {
	Events  EventSource
	Store   RunStore
	Batches BatchSource
}

// Server is the status API
type Server struct {
	cfg    config.ServerConfig
	logger hclog.Logger
	deps   Deps
	engine *gin.Engine
	hub    *ProgressHub
	http   *http.Server
}

// New builds the router and subscribes the progress hub to the event bus
func New(cfg config.ServerConfig, logger hclog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("server")

	hub, err := NewProgressHub(logger, deps.Events)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(api.ErrorMiddleware())
	r.Use(middleware.RequestLogger(logger), middleware.ErrorLogger(logger))
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		engine: r,
		hub:    hub,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("status API listening", "address", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status API stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP server and disconnects progress clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
