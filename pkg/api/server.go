// Package api provides the HTTP surface: agent intake, bridge state,
// pending actions, queue tooling, SSE streams, debug traces, and the MCP
// shim.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theredstring/redstring-bridge/pkg/agent"
	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/config"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/scheduler"
	"github.com/theredstring/redstring-bridge/pkg/trace"
	"github.com/theredstring/redstring-bridge/pkg/version"
)

// maxBodyBytes caps request bodies well above any plausible state push.
const maxBodyBytes = 4 * 1024 * 1024

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg      *config.Config
	svc      *agent.Service
	queues   *queue.Manager
	log      *events.Log
	tracer   *trace.Tracer
	store    *bridge.Store
	broker   *bridge.Broker
	sched    *scheduler.Scheduler
	registry *prometheus.Registry
}

// NewServer wires the router over the long-lived core components.
func NewServer(cfg *config.Config, svc *agent.Service, queues *queue.Manager, log *events.Log, tracer *trace.Tracer, store *bridge.Store, broker *bridge.Broker, sched *scheduler.Scheduler, registry *prometheus.Registry) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	trust, proxies := cfg.TrustedProxies()
	if !trust {
		_ = engine.SetTrustedProxies(nil)
	} else if proxies != nil {
		if err := engine.SetTrustedProxies(proxies); err != nil {
			slog.Warn("Invalid TRUST_PROXY list, trusting none", "error", err)
			_ = engine.SetTrustedProxies(nil)
		}
	}

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		svc:      svc,
		queues:   queues,
		log:      log,
		tracer:   tracer,
		store:    store,
		broker:   broker,
		sched:    sched,
		registry: registry,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.engine.Use(bodyLimit(maxBodyBytes), securityHeaders())

	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// Agent / planner surface.
	ai := s.engine.Group("/api/ai")
	ai.POST("/agent", s.agentHandler)
	ai.POST("/agent/continue", s.continueHandler)
	ai.POST("/agent/audit", s.auditHandler)
	ai.POST("/chat", s.chatHandler)

	// Bridge state and pending actions.
	br := s.engine.Group("/api/bridge")
	br.POST("/state", s.pushStateHandler)
	br.GET("/state", s.getStateHandler)
	br.GET("/pending-actions", s.pendingActionsHandler)
	br.POST("/pending-actions/enqueue", s.enqueueActionsHandler)
	br.POST("/action-completed", s.actionCompletedHandler)
	br.POST("/action-started", s.actionStartedHandler)
	br.POST("/action-feedback", s.actionFeedbackHandler)

	// Debug / trace.
	dbg := br.Group("/debug")
	dbg.GET("/traces", s.tracesHandler)
	dbg.GET("/trace/:cid", s.traceHandler)
	dbg.GET("/trace/:cid/stage/:stage", s.traceStageHandler)
	dbg.GET("/stats", s.statsHandler)

	// Queue tooling.
	q := s.engine.Group("/queue")
	q.POST("/goals.enqueue", s.goalsEnqueueHandler)
	q.POST("/tasks.pull", s.tasksPullHandler)
	q.POST("/patches.submit", s.patchesSubmitHandler)
	q.POST("/reviews.pull", s.reviewsPullHandler)
	q.POST("/reviews.submit", s.reviewsSubmitHandler)
	q.POST("/patches.approve-next", s.approveNextHandler)
	q.GET("/metrics", s.queueMetricsHandler)
	q.GET("/peek", s.queuePeekHandler)

	// Seed helpers for tooling and tests.
	s.engine.POST("/test/create-task", s.createTaskHandler)
	s.engine.POST("/test/commit-ops", s.commitOpsHandler)

	// Event streams.
	s.engine.GET("/events/stream", s.eventStreamHandler)
	s.engine.GET("/telemetry/stream", s.telemetryStreamHandler)

	// MCP shim.
	s.engine.POST("/api/mcp/request", s.mcpHandler)
}

// Engine exposes the router for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartTLS starts the HTTPS server (blocking).
func (s *Server) StartTLS(addr, certFile, keyFile string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServeTLS(certFile, keyFile)
}

// StartWithListener serves plain HTTP on a pre-created listener; main uses
// it after binding the port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	queues := make(map[string]queue.Metrics)
	for _, name := range s.queues.Names() {
		if m, err := s.queues.Metrics(name); err == nil {
			queues[name] = m
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   version.Full(),
		"queues":    queues,
		"scheduler": s.sched.Status(),
		"providers": s.cfg.ProviderRegistry.Len(),
		"events":    s.log.Len(),
	})
}
