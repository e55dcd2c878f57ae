package api

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/theredstring/redstring-bridge/pkg/events"
)

// eventStreamHandler handles GET /events/stream as Server-Sent Events.
// This is the single choke point for the isTest filter: test-tagged
// entries are stored in the ring but never delivered to subscribers.
func (s *Server) eventStreamHandler(c *gin.Context) {
	ch, unsubscribe := s.log.Subscribe()
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.IsTest() {
				return true
			}
			c.SSEvent(ev.Type, ev)
			return true
		}
	})
}

// telemetryStreamHandler handles GET /telemetry/stream?cid=&type=&from=:
// a filtered telemetry tail, replaying from the requested timestamp
// before going live.
func (s *Server) telemetryStreamHandler(c *gin.Context) {
	cid := c.Query("cid")
	kind := c.Query("type")
	from, _ := strconv.ParseInt(c.Query("from"), 10, 64)

	match := func(ev events.Event) bool {
		if ev.Type != events.TypeTelemetry || ev.IsTest() {
			return false
		}
		if cid != "" {
			if v, _ := ev.Fields["cid"].(string); v != cid {
				return false
			}
		}
		if kind != "" {
			if v, _ := ev.Fields["type"].(string); v != kind {
				return false
			}
		}
		return true
	}

	ch, unsubscribe := s.log.Subscribe()
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if from > 0 {
		for _, ev := range s.log.ReplaySince(from) {
			if match(ev) {
				c.SSEvent(ev.Type, ev)
			}
		}
		c.Writer.Flush()
	}

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if match(ev) {
				c.SSEvent(ev.Type, ev)
			}
			return true
		}
	})
}
