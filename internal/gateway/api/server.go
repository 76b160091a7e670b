// Package api exposes a read-only HTTP status surface: pool occupancy, queue
// depth, and recent gateway events.
package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/agent/pool"
	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/httpmw"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/events/bus"
)

// recentEventCap bounds the in-memory event history.
const recentEventCap = 100

// Server serves the status API.
type Server struct {
	cfg  config.APIConfig
	pool *pool.Pool
	log  *logger.Logger

	mu     sync.Mutex
	recent []*bus.Event

	httpServer *http.Server
}

// New creates the server and subscribes it to the gateway's event stream.
func New(cfg config.APIConfig, p *pool.Pool, eb bus.EventBus, log *logger.Logger) (*Server, error) {
	s := &Server{
		cfg:  cfg,
		pool: p,
		log:  log.WithFields(zap.String("component", "status-api")),
	}

	if eb != nil {
		_, err := eb.Subscribe("acpgate.>", func(ctx context.Context, ev *bus.Event) error {
			s.record(ev)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) record(ev *bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > recentEventCap {
		s.recent = s.recent[len(s.recent)-recentEventCap:]
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if !s.log.LevelEnabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(s.log, "status-api"))
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/pool", s.getPool)
		v1.GET("/events", s.getEvents)
	}
	return router
}

// getPool returns slot occupancy and queue depth.
// GET /api/v1/pool
func (s *Server) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"slots":       s.pool.Snapshot(),
		"queue_depth": s.pool.QueueLen(),
		"in_flight":   s.pool.InFlight().Len(),
		"affinities":  s.pool.AffinityCount(),
	})
}

// getEvents returns the most recent gateway events, newest last. An optional
// type prefix filters by subject-style event type.
// GET /api/v1/events?type=turn.
func (s *Server) getEvents(c *gin.Context) {
	prefix := c.Query("type")

	s.mu.Lock()
	events := make([]*bus.Event, 0, len(s.recent))
	for _, ev := range s.recent {
		if prefix == "" || strings.HasPrefix(ev.Type, prefix) {
			events = append(events, ev)
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  len(events),
	})
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
