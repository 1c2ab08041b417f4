// Package api exposes the runtime over HTTP: health, system status,
// workflow state, rule management, the supervision audit trail, the
// code-generation pipeline, a websocket event stream, and prometheus
// metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triadflow/triad/pkg/agent"
	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/codegen"
	"github.com/triadflow/triad/pkg/monitor"
	"github.com/triadflow/triad/pkg/rules"
	"github.com/triadflow/triad/pkg/supervision"
)

// Deps are the runtime components the server reads from and writes to.
// Nil members disable their routes with 503 rather than panicking.
type Deps struct {
	Bus          *bus.Bus
	States       *monitor.StateMonitor
	Reflections  *monitor.ReflectionManager
	Rules        *rules.Repository
	Supervision  *supervision.Coordinator
	Codegen      *codegen.Pipeline
	Conversation *agent.ConversationAgent
	Gatherer     prometheus.Gatherer

	AllowedWSOrigins []string
	Logger           *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps, logger: logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	router.GET("/ws/events", s.streamEvents)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", s.runSession)
		v1.GET("/system/status", s.systemStatus)
		v1.GET("/workflows", s.listWorkflows)
		v1.GET("/workflows/:id", s.getWorkflow)
		v1.GET("/rules", s.listRules)
		v1.POST("/rules", s.createRule)
		v1.DELETE("/rules/:id", s.deleteRule)
		v1.GET("/supervision/audit", s.auditLog)
		v1.POST("/codegen", s.extendCapabilities)
	}
	return router
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds())
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) systemStatus(c *gin.Context) {
	if s.deps.States == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state monitor not running"})
		return
	}
	c.JSON(http.StatusOK, s.deps.States.Status())
}

func (s *Server) listWorkflows(c *gin.Context) {
	if s.deps.States == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state monitor not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": s.deps.States.AllWorkflowStates()})
}

func (s *Server) getWorkflow(c *gin.Context) {
	if s.deps.States == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state monitor not running"})
		return
	}
	id := c.Param("id")
	state, ok := s.deps.States.WorkflowState(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow", "workflow_id": id})
		return
	}

	payload := gin.H{"workflow": state}
	if s.deps.Reflections != nil {
		if summary, ok := s.deps.Reflections.Summary(id); ok {
			payload["reflection"] = summary
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) auditLog(c *gin.Context) {
	if s.deps.Supervision == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supervision not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": s.deps.Supervision.AuditLog()})
}
