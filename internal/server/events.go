package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/tracker"
)

// eventBuffer is the number of events a slow SSE client may lag behind
// before further events are dropped for it.
const eventBuffer = 64

type sseEvent struct {
	name string
	data any
}

// handleEvents streams status changes and relay pushes as server-sent events.
// A "status" event carries a runtime snapshot, a "push" event a relay push.
// The current runtime of every matching service is sent first.
func (r *Router) handleEvents(c *gin.Context) {
	service := c.Query("service")
	pushes := c.DefaultQuery("event", "*")

	events := make(chan sseEvent, eventBuffer)
	offer := func(e sseEvent) {
		select {
		case events <- e:
		default:
			r.log.Debug("sse client lagging, event dropped", "event", e.name)
		}
	}
	unsubStatus := r.mgr.Subscribe(func(ch tracker.Change) {
		if service != "" && ch.Runtime.ID != service {
			return
		}
		offer(sseEvent{name: "status", data: ch.Runtime})
	})
	defer unsubStatus()
	var unsubPush func()
	if pushes != "none" {
		unsubPush = r.mgr.RelayListen(pushes, func(p relay.Push) {
			offer(sseEvent{name: "push", data: p})
		})
		defer unsubPush()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	for _, rt := range r.mgr.List() {
		if service == "" || rt.ID == service {
			c.SSEvent("status", rt)
		}
	}
	c.Writer.Flush()

	tick := time.NewTicker(r.keepalive)
	defer tick.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-r.closing:
			return false
		case e := <-events:
			c.SSEvent(e.name, e.data)
			return true
		case t := <-tick.C:
			c.SSEvent("keepalive", t.Unix())
			return true
		}
	})
}
