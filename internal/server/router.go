package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/sidecar/internal/manager"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/registry"
	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/tracker"
)

// maxRelayBody bounds the JSON arguments accepted by the relay endpoint.
const maxRelayBody = 1 << 20

// Router provides embeddable HTTP handlers for the command facade.
// Endpoints:
//
//	GET  {basePath}/health                  daemon liveness and relay attachment
//	GET  {basePath}/services                every service with its runtime
//	GET  {basePath}/services/:id            one service
//	GET  {basePath}/services/:id/usage      resource snapshot and sampled history
//	POST {basePath}/services/:id/start      query: wait=30s (optional)
//	POST {basePath}/services/:id/stop
//	POST {basePath}/services/:id/restart    query: wait=30s (optional)
//	POST {basePath}/relay/:name             body: JSON args, query: timeout=5m
//	GET  {basePath}/events                  SSE, query: service=..., event=...
//	GET  /metrics                           when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr       *mng.Manager
	basePath  string
	metrics   http.Handler
	keepalive time.Duration
	log       *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{
		mgr:       mgr,
		basePath:  sanitizeBase(basePath),
		keepalive: 15 * time.Second,
		log:       slog.Default(),
		closing:   make(chan struct{}),
	}
}

// WithMetrics mounts h on /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.log = l
	}
	return r
}

// CloseStreams ends every open event stream; http.Server.Shutdown does not
// interrupt them on its own.
func (r *Router) CloseStreams() {
	r.closeOnce.Do(func() { close(r.closing) })
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/services", r.handleList)
	group.GET("/services/:id", r.handleDescribe)
	group.GET("/services/:id/usage", r.handleUsage)
	group.POST("/services/:id/start", r.handleStart)
	group.POST("/services/:id/stop", r.handleStop)
	group.POST("/services/:id/restart", r.handleRestart)
	group.POST("/relay/:name", r.handleRelay)
	group.GET("/events", r.handleEvents)
	return g
}

type healthResp struct {
	OK    bool `json:"ok"`
	Relay bool `json:"relay"`
}

type usageResp struct {
	Current *process.Usage   `json:"current,omitempty"`
	History []metrics.Sample `json:"history,omitempty"`
}

type relayResp struct {
	Result json.RawMessage `json:"result"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, Relay: r.mgr.RelayAttached()})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Services())
}

// serviceID reads and validates the :id path parameter.
func (r *Router) serviceID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !registry.IsSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return id, true
}

func (r *Router) handleDescribe(c *gin.Context) {
	id, ok := r.serviceID(c)
	if !ok {
		return
	}
	svc, err := r.mgr.Describe(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, svc)
}

func (r *Router) handleUsage(c *gin.Context) {
	id, ok := r.serviceID(c)
	if !ok {
		return
	}
	u, err := r.mgr.Usage(id)
	var resp usageResp
	switch {
	case err == nil:
		resp.Current = &u
	case errors.Is(err, process.ErrNotTracked):
		// not running; history may still hold the last samples
	default:
		writeError(c, err)
		return
	}
	resp.History, _ = r.mgr.UsageHistory(id)
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.serviceID(c)
	if !ok {
		return
	}
	r.launch(c, id, r.mgr.Start)
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := r.serviceID(c)
	if !ok {
		return
	}
	r.launch(c, id, r.mgr.Restart)
}

// launch runs start or restart. With ?wait= the call blocks until the worker
// is running or failed, otherwise 202 is returned with the starting snapshot.
func (r *Router) launch(c *gin.Context, id string, fn func(context.Context, string) (tracker.Runtime, error)) {
	wait, err := durationQuery(c, "wait")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
		return
	}
	rt, err := fn(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if wait <= 0 || rt.Status == tracker.StatusRunning {
		code := http.StatusAccepted
		if rt.Status == tracker.StatusRunning {
			code = http.StatusOK
		}
		writeJSON(c, code, rt)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	final, err := r.mgr.WaitFor(ctx, id, tracker.StatusRunning, tracker.StatusError)
	if err != nil {
		writeJSON(c, http.StatusAccepted, final)
		return
	}
	writeJSON(c, http.StatusOK, final)
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.serviceID(c)
	if !ok {
		return
	}
	rt, err := r.mgr.Stop(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rt)
}

func (r *Router) handleRelay(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid operation name: allowed [A-Za-z0-9._-]"})
		return
	}
	timeout, err := durationQuery(c, "timeout")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + err.Error()})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRelayBody+1))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	if len(body) > maxRelayBody {
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
		return
	}
	var args any
	if len(body) > 0 {
		if !json.Valid(body) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
			return
		}
		args = json.RawMessage(body)
	}

	var opts []relay.SendOption
	if timeout > 0 {
		opts = append(opts, relay.WithTimeout(timeout))
	}
	res, err := r.mgr.RelaySend(c.Request.Context(), relay.Custom(name, args), opts...)
	if err != nil {
		r.log.Debug("relay request failed", "name", name, "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, relayResp{Result: res})
}

func durationQuery(c *gin.Context, key string) (time.Duration, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}
