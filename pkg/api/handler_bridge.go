package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
)

// pushStateHandler handles POST /api/bridge/state: the UI pushes a
// projected snapshot which the store merges.
func (s *Server) pushStateHandler(c *gin.Context) {
	var push bridge.StatePush
	if err := c.ShouldBindJSON(&push); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("malformed state snapshot", ""))
		return
	}
	s.store.Merge(&push)
	c.JSON(http.StatusOK, gin.H{"success": true, "graphs": len(push.Graphs)})
}

// getStateHandler handles GET /api/bridge/state.
func (s *Server) getStateHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.State())
}

// pendingActionsHandler handles GET /api/bridge/pending-actions: leases
// every unleased action to this caller.
func (s *Server) pendingActionsHandler(c *gin.Context) {
	actions := s.broker.Lease()
	if actions == nil {
		actions = []*models.PendingAction{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// enqueueActionsRequest is the body of POST /api/bridge/pending-actions/enqueue.
type enqueueActionsRequest struct {
	CID     string `json:"cid"`
	Actions []struct {
		Action string `json:"action"`
		Params []any  `json:"params"`
	} `json:"actions" binding:"required"`
}

// enqueueActionsHandler lets server-side producers inject actions. The
// broker prepends openGraph for mutations targeting inactive graphs.
func (s *Server) enqueueActionsHandler(c *gin.Context) {
	var req enqueueActionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("actions are required", ""))
		return
	}
	actions := make([]*models.PendingAction, 0, len(req.Actions))
	for _, a := range req.Actions {
		if a.Action == "" {
			c.JSON(http.StatusBadRequest, errorBody("every action needs a name", ""))
			return
		}
		actions = append(actions, &models.PendingAction{Action: a.Action, Params: a.Params})
	}
	stored := s.broker.Enqueue(req.CID, actions)

	ids := make([]string, len(stored))
	for i, a := range stored {
		ids[i] = a.ID
	}
	s.log.Append(events.TypePendingActionsEnqueued, map[string]any{
		"cid":       req.CID,
		"actionIds": ids,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "actionIds": ids})
}

// actionCompletedHandler handles POST /api/bridge/action-completed.
func (s *Server) actionCompletedHandler(c *gin.Context) {
	var req struct {
		ActionID string `json:"actionId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("actionId is required", ""))
		return
	}
	if _, err := s.broker.Complete(req.ActionID); err != nil {
		if errors.Is(err, bridge.ErrActionNotFound) {
			c.JSON(http.StatusNotFound, errorBody("unknown action id", ""))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("could not complete the action", ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// actionStartedHandler handles POST /api/bridge/action-started.
func (s *Server) actionStartedHandler(c *gin.Context) {
	var req struct {
		ActionID string `json:"actionId" binding:"required"`
		Action   string `json:"action"`
		Params   []any  `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("actionId is required", ""))
		return
	}
	if err := s.broker.Started(req.ActionID); err != nil {
		c.JSON(http.StatusNotFound, errorBody("unknown action id", ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// actionFeedbackHandler handles POST /api/bridge/action-feedback.
func (s *Server) actionFeedbackHandler(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required"`
		Status string `json:"status" binding:"required"`
		Error  string `json:"error"`
		Params []any  `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("action and status are required", ""))
		return
	}
	s.broker.Feedback(models.ActionFeedback{
		Action: req.Action,
		Status: req.Status,
		Error:  req.Error,
		Params: req.Params,
	})
	s.log.Append(events.TypeTelemetry, map[string]any{
		"type":   "action_feedback",
		"action": req.Action,
		"status": req.Status,
		"error":  req.Error,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}
