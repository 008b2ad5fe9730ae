// Package server exposes the daemon's control channel over HTTP: the query
// endpoint every client speaks, the activity ledger feed, admin operations
// on supervised services and a transition event stream.
package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kodegen/kodegend/internal/aggregate"
	"github.com/kodegen/kodegend/internal/journal"
	"github.com/kodegen/kodegend/internal/registry"
	"github.com/kodegen/kodegend/pkg/ipc"
)

// StatusSource is the slice of the supervisor the control channel needs.
type StatusSource interface {
	StatusAll() []ipc.ServiceStatus
	Status(name string) (ipc.ServiceStatus, error)
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	StartedAt() time.Time
}

// EventLog is the read side of the lifecycle journal.
type EventLog interface {
	Recent(ctx context.Context, service string, limit int) ([]journal.Entry, error)
}

// Router provides the embeddable control-channel handlers.
// Endpoints under basePath:
//
//	POST /query          body: StatusQuery JSON
//	POST /activity       body: {connection_id, category}
//	POST /connections    mints a connection id
//	GET  /connections    lists tracked connections
//	POST /services/start|stop|restart?name=...
//	GET  /events?service=&limit=   recent journal entries
//	GET  /events/stream  SSE stream of state transitions
//	GET  /healthz
type Router struct {
	sup      StatusSource
	reg      *registry.Registry
	agg      *aggregate.Engine
	hub      *Hub
	log      EventLog
	basePath string
}

func NewRouter(sup StatusSource, reg *registry.Registry, agg *aggregate.Engine, hub *Hub, log EventLog, basePath string) *Router {
	return &Router{sup: sup, reg: reg, agg: agg, hub: hub, log: log, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/query", r.handleQuery)
	group.POST("/activity", r.handleActivity)
	group.POST("/connections", r.handleOpenConnection)
	group.GET("/connections", r.handleListConnections)
	group.POST("/services/start", r.serviceAction(func(name string) error { return r.sup.Start(name) }))
	group.POST("/services/stop", r.serviceAction(func(name string) error { return r.sup.Stop(name) }))
	group.POST("/services/restart", r.serviceAction(func(name string) error { return r.sup.Restart(name) }))
	group.GET("/events", r.handleRecentEvents)
	group.GET("/events/stream", r.handleEventStream)
	group.GET("/healthz", r.handleHealthz)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type connResp struct {
	ConnectionID string `json:"connection_id"`
}

type healthResp struct {
	OK     bool         `json:"ok"`
	PID    uint32       `json:"pid"`
	Uptime ipc.Duration `json:"uptime"`
}

type activityReq struct {
	ConnectionID string `json:"connection_id"`
	Category     string `json:"category"`
}

type eventsResp struct {
	Events []journal.Entry `json:"events"`
}

// handleQuery is the one endpoint every status client speaks. A malformed
// query gets an error answer; the channel itself stays usable.
func (r *Router) handleQuery(c *gin.Context) {
	var q ipc.StatusQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid query: " + err.Error()})
		return
	}
	switch q.Kind {
	case ipc.QueryKindAll:
		writeJSON(c, http.StatusOK, r.statusResponse())
	case ipc.QueryKindService:
		st, err := r.sup.Status(q.Service)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, st)
	case ipc.QueryKindUsageStats:
		r.reg.Touch(q.ConnectionID)
		servers := r.reg.ServersForStats(q.ConnectionID)
		writeJSON(c, http.StatusOK, r.agg.UsageStats(c.Request.Context(), q.ConnectionID, servers))
	case ipc.QueryKindToolHistory:
		r.reg.Touch(q.ConnectionID)
		servers := r.reg.ServersForHistory(q.ConnectionID)
		writeJSON(c, http.StatusOK, r.agg.ToolHistory(c.Request.Context(), q.ConnectionID, servers))
	}
}

func (r *Router) statusResponse() ipc.StatusResponse {
	return ipc.StatusResponse{
		DaemonRunning: true,
		DaemonPID:     uint32(os.Getpid()),
		DaemonUptime:  ipc.Duration(time.Since(r.sup.StartedAt())),
		Services:      r.sup.StatusAll(),
	}
}

func (r *Router) handleActivity(c *gin.Context) {
	var req activityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid activity: " + err.Error()})
		return
	}
	if req.ConnectionID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "connection_id required"})
		return
	}
	if err := r.reg.RecordActivity(req.ConnectionID, req.Category); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleOpenConnection(c *gin.Context) {
	writeJSON(c, http.StatusOK, connResp{ConnectionID: r.reg.NewConnection()})
}

func (r *Router) handleListConnections(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.Connections())
}

func (r *Router) serviceAction(op func(name string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Query("name")
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-], no path separators"})
			return
		}
		if err := op(name); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

// handleRecentEvents serves the journal-backed debug view of what the
// supervisor did recently.
func (r *Router) handleRecentEvents(c *gin.Context) {
	if r.log == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "journal disabled"})
		return
	}
	service := c.Query("service")
	if service != "" && !isSafeName(service) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service: allowed [A-Za-z0-9._-], no path separators"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit: " + err.Error()})
			return
		}
		limit = n
	}
	entries, err := r.log.Recent(c.Request.Context(), service, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(c, http.StatusOK, eventsResp{Events: entries})
}

func (r *Router) handleEventStream(c *gin.Context) {
	if r.hub == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event stream disabled"})
		return
	}
	ch, cancel := r.hub.Subscribe()
	defer cancel()
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("transition", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{
		OK:     true,
		PID:    uint32(os.Getpid()),
		Uptime: ipc.Duration(time.Since(r.sup.StartedAt())),
	})
}
