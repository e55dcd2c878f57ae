package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// tracesHandler handles GET /api/bridge/debug/traces?limit=.
func (s *Server) tracesHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"traces": s.tracer.GetRecentTraces(limit)})
}

// traceHandler handles GET /api/bridge/debug/trace/:cid.
func (s *Server) traceHandler(c *gin.Context) {
	tr, err := s.tracer.GetTrace(c.Param("cid"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("no trace for that cid", c.Param("cid")))
		return
	}
	c.JSON(http.StatusOK, tr)
}

// traceStageHandler handles GET /api/bridge/debug/trace/:cid/stage/:stage.
func (s *Server) traceStageHandler(c *gin.Context) {
	records, err := s.tracer.GetStage(c.Param("cid"), c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("no trace for that cid", c.Param("cid")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": c.Param("stage"), "records": records})
}

// statsHandler handles GET /api/bridge/debug/stats.
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"traces":    s.tracer.GetStats(),
		"scheduler": s.sched.Status(),
		"events": gin.H{
			"retained": s.log.Len(),
			"dropped":  s.log.Dropped(),
		},
	})
}
