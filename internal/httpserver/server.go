// Package httpserver exposes the pipeline's health, Prometheus metrics
// and stats surface over HTTP.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vectorfeed/vectorfeed/internal/adminrpc"
)

// Backend is the narrow contract the HTTP surface needs from a running
// Pipeline; internal/pipeline.Pipeline satisfies it.
type Backend interface {
	Stats() adminrpc.Stats
}

// Server serves /healthz, /metrics and /stats.
type Server struct {
	addr      string
	backend   Backend
	metrics   *Metrics
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer builds the HTTP server and its Prometheus registry; metrics
// are registered immediately so Start can be deferred past Pipeline
// construction without losing the registration.
func NewServer(addr string, backend Backend) *Server {
	if addr == "" {
		addr = "0.0.0.0:9090"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		backend: backend,
		metrics: NewMetrics(backend),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Metrics returns the Prometheus collectors this server's /metrics route
// serves; each gauge samples the StatsProvider when it is scraped.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	r.GET("/stats", s.handleStats)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	go s.server.Serve(listener)
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Stats())
}
