// Package server exposes the HTTP API: session and message ingestion on the
// write path, codec-translated reads with edit strategies on the read path,
// and the learning-space surface. Handlers return fast; the agent pipeline
// runs behind the message queue.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/acontext-io/acontext/internal/blob"
	"github.com/acontext-io/acontext/internal/buffer"
	"github.com/acontext-io/acontext/internal/common/config"
	"github.com/acontext-io/acontext/internal/common/httpmw"
	"github.com/acontext-io/acontext/internal/common/logger"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/store"
)

const serverName = "acontext-api"

// Server hosts the gin engine and its collaborators.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	bus      bus.EventBus
	blob     blob.Store
	consumer *buffer.Consumer
	log      *logger.Logger
	engine   *gin.Engine
	http     *http.Server
}

// New wires routes and middleware. The consumer powers the manual flush
// endpoint; everything else talks to the store, bus, and blob store directly.
func New(cfg *config.Config, st *store.Store, eb bus.EventBus, bs blob.Store, consumer *buffer.Consumer, log *logger.Logger) *Server {
	if os.Getenv("ACONTEXT_ENV") == "production" || os.Getenv("ACONTEXT_ENV") == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, serverName))
	engine.Use(httpmw.OtelTracing(serverName))

	s := &Server{
		cfg:      cfg,
		store:    st,
		bus:      eb,
		blob:     bs,
		consumer: consumer,
		log:      log,
		engine:   engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.POST("/projects", s.createProject)

	api := s.engine.Group("/", s.authProject())
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/messages", s.postMessage)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.GET("/sessions/:id/tasks", s.listTasks)
	api.POST("/sessions/:id/flush", s.flushSession)
	api.POST("/learning-spaces", s.createLearningSpace)
	api.PUT("/learning-spaces/:id/sessions/:session_id", s.linkSession)
	api.GET("/learning-spaces/:id/skills", s.listSpaceSkills)
}

// Handler returns the engine, for tests driving the API with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
