// Package server provides the local read-only HTTP facade: health, runtime
// identity, deployment inventory, and Prometheus metrics. It binds to
// loopback by default and never mutates state; all control flows through the
// kit server channel.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tri2510/uda-deployment-agent/internal/identity"
	"github.com/tri2510/uda-deployment-agent/internal/metrics"
	"github.com/tri2510/uda-deployment-agent/internal/registry"
)

// Inspector is the read-only supervisor surface the router exposes.
type Inspector interface {
	Inventory() []registry.Record
	StatusOf(name string) (registry.Record, bool)
	RunningCount() int
}

// Router provides embeddable HTTP handlers for inspecting the agent.
// Endpoints:
//
//	GET /healthz             liveness and channel state
//	GET /runtime             identity and counters
//	GET /deployments         all known deployments
//	GET /deployments/:name   one deployment
//	GET /metrics             Prometheus exposition
type Router struct {
	id        identity.Identity
	apps      Inspector
	version   string
	startedAt time.Time
	connected func() bool
}

func NewRouter(id identity.Identity, apps Inspector, version string, connected func() bool) *Router {
	if connected == nil {
		connected = func() bool { return false }
	}
	return &Router{
		id:        id,
		apps:      apps,
		version:   version,
		startedAt: time.Now(),
		connected: connected,
	}
}

// Handler returns an http.Handler that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealth)
	g.GET("/runtime", r.handleRuntime)
	g.GET("/deployments", r.handleDeployments)
	g.GET("/deployments/:name", r.handleDeployment)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	UptimeSec int64  `json:"uptime_sec"`
}

type runtimeResp struct {
	RuntimeID string `json:"runtime_id"`
	KitID     string `json:"kit_id"`
	Version   string `json:"version"`
	Running   int    `json:"running"`
	Total     int    `json:"total"`
	Connected bool   `json:"connected"`
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResp{
		Status:    "ok",
		Connected: r.connected(),
		UptimeSec: int64(time.Since(r.startedAt).Seconds()),
	})
}

func (r *Router) handleRuntime(c *gin.Context) {
	c.JSON(http.StatusOK, runtimeResp{
		RuntimeID: r.id.RuntimeID,
		KitID:     r.id.KitID,
		Version:   r.version,
		Running:   r.apps.RunningCount(),
		Total:     len(r.apps.Inventory()),
		Connected: r.connected(),
	})
}

func (r *Router) handleDeployments(c *gin.Context) {
	recs := r.apps.Inventory()
	if recs == nil {
		recs = []registry.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (r *Router) handleDeployment(c *gin.Context) {
	name := c.Param("name")
	rec, ok := r.apps.StatusOf(name)
	if !ok {
		c.JSON(http.StatusNotFound, errorResp{Error: "unknown deployment: " + name})
		return
	}
	c.JSON(http.StatusOK, rec)
}
