package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
)

// goalsEnqueueHandler handles POST /queue/goals.enqueue.
func (s *Server) goalsEnqueueHandler(c *gin.Context) {
	var req struct {
		Goal     string          `json:"goal" binding:"required"`
		DAG      models.DAG      `json:"dag"`
		ThreadID string          `json:"threadId"`
		Meta     models.GoalMeta `json:"meta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("goal is required", ""))
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}
	goalID, err := s.svc.EnqueueGoal(&models.Goal{
		Goal:     req.Goal,
		DAG:      req.DAG,
		ThreadID: req.ThreadID,
		Meta:     req.Meta,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("could not enqueue the goal", req.ThreadID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "goalId": goalID, "threadId": req.ThreadID})
}

// tasksPullHandler handles POST /queue/tasks.pull.
func (s *Server) tasksPullHandler(c *gin.Context) {
	var req struct {
		ThreadID string `json:"threadId"`
		Max      int    `json:"max"`
	}
	_ = c.ShouldBindJSON(&req)

	items, err := s.queues.Pull(queue.TaskQueue, queue.PullOptions{
		PartitionKey: req.ThreadID,
		Max:          req.Max,
	})
	if err != nil && !errors.Is(err, queue.ErrNoItems) {
		c.JSON(http.StatusInternalServerError, errorBody("task pull failed", req.ThreadID))
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// patchesSubmitHandler handles POST /queue/patches.submit.
func (s *Server) patchesSubmitHandler(c *gin.Context) {
	var req struct {
		Patch models.Patch    `json:"patch" binding:"required"`
		Meta  models.GoalMeta `json:"meta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("patch is required", ""))
		return
	}
	if req.Patch.PatchID == "" {
		req.Patch.PatchID = uuid.New().String()
	}
	env := &models.PatchEnvelope{Patch: req.Patch, Meta: req.Meta}
	if _, err := s.queues.Enqueue(queue.PatchQueue, env,
		queue.WithType("submitted"), queue.WithPartition(req.Patch.ThreadID)); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("could not enqueue the patch", req.Patch.ThreadID))
		return
	}
	s.log.Append(events.TypePatchSubmitted, map[string]any{
		"cid":     req.Patch.ThreadID,
		"patchId": req.Patch.PatchID,
		"graphId": req.Patch.GraphID,
		"ops":     len(req.Patch.Ops),
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "patchId": req.Patch.PatchID})
}

// reviewsPullHandler handles POST /queue/reviews.pull.
func (s *Server) reviewsPullHandler(c *gin.Context) {
	var req struct {
		Max int `json:"max"`
	}
	_ = c.ShouldBindJSON(&req)

	items, err := s.queues.Pull(queue.ReviewQueue, queue.PullOptions{Max: req.Max})
	if err != nil && !errors.Is(err, queue.ErrNoItems) {
		c.JSON(http.StatusInternalServerError, errorBody("review pull failed", ""))
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// reviewsSubmitHandler handles POST /queue/reviews.submit: an external
// reviewer settles a pulled patch lease with its verdict.
func (s *Server) reviewsSubmitHandler(c *gin.Context) {
	var req struct {
		LeaseID  string         `json:"leaseId" binding:"required"`
		Decision string         `json:"decision" binding:"required"`
		Reasons  []string       `json:"reasons"`
		GraphID  string         `json:"graphId"`
		Patch    *models.Patch  `json:"patch"`
		Patches  []models.Patch `json:"patches"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("leaseId and decision are required", ""))
		return
	}
	if req.Decision != models.DecisionApproved && req.Decision != models.DecisionRejected {
		c.JSON(http.StatusBadRequest, errorBody("decision must be approved or rejected", ""))
		return
	}

	if err := s.queues.Ack(queue.PatchQueue, req.LeaseID); err != nil {
		c.JSON(http.StatusNotFound, errorBody("unknown or expired lease", ""))
		return
	}

	review := models.Review{
		Decision: req.Decision,
		Reasons:  req.Reasons,
		GraphID:  req.GraphID,
		Patch:    req.Patch,
		Patches:  req.Patches,
	}
	if req.Patch != nil {
		review.ThreadID = req.Patch.ThreadID
	}
	env := &models.ReviewEnvelope{Review: review}
	if _, err := s.queues.Enqueue(queue.ReviewQueue, env,
		queue.WithType(req.Decision), queue.WithPartition(review.ThreadID)); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("could not enqueue the review", ""))
		return
	}
	s.log.Append(events.TypeReviewEnqueued, map[string]any{
		"cid":      review.ThreadID,
		"decision": req.Decision,
		"reasons":  req.Reasons,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// approveNextHandler handles POST /queue/patches.approve-next, the dev
// shortcut that approves the next submitted patch unconditionally.
func (s *Server) approveNextHandler(c *gin.Context) {
	items, err := s.queues.Pull(queue.PatchQueue, queue.PullOptions{Max: 1})
	if err != nil {
		if errors.Is(err, queue.ErrNoItems) {
			c.JSON(http.StatusOK, gin.H{"success": true, "approved": false})
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("patch pull failed", ""))
		return
	}

	it := items[0]
	env, ok := it.Payload.(*models.PatchEnvelope)
	if !ok {
		_ = s.queues.Nack(queue.PatchQueue, it.LeaseID, "validation_failed")
		c.JSON(http.StatusInternalServerError, errorBody("queue item was not a patch", ""))
		return
	}

	renv := &models.ReviewEnvelope{
		Review: models.Review{
			Decision: models.DecisionApproved,
			GraphID:  env.Patch.GraphID,
			ThreadID: env.Patch.ThreadID,
			Patch:    &env.Patch,
		},
		GoalID: env.GoalID,
		Meta:   env.Meta,
	}
	if _, err := s.queues.Enqueue(queue.ReviewQueue, renv,
		queue.WithType(models.DecisionApproved), queue.WithPartition(env.Patch.ThreadID)); err != nil {
		_ = s.queues.Nack(queue.PatchQueue, it.LeaseID, "enqueue_failed")
		c.JSON(http.StatusInternalServerError, errorBody("could not enqueue the review", ""))
		return
	}
	_ = s.queues.Ack(queue.PatchQueue, it.LeaseID)
	c.JSON(http.StatusOK, gin.H{"success": true, "approved": true, "patchId": env.Patch.PatchID})
}

// queueMetricsHandler handles GET /queue/metrics?name=.
func (s *Server) queueMetricsHandler(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		all := make(map[string]queue.Metrics)
		for _, n := range s.queues.Names() {
			if m, err := s.queues.Metrics(n); err == nil {
				all[n] = m
			}
		}
		c.JSON(http.StatusOK, all)
		return
	}
	m, err := s.queues.Metrics(name)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("unknown queue", ""))
		return
	}
	c.JSON(http.StatusOK, m)
}

// queuePeekHandler handles GET /queue/peek?name=&head=.
func (s *Server) queuePeekHandler(c *gin.Context) {
	name := c.Query("name")
	head, _ := strconv.Atoi(c.Query("head"))
	items, err := s.queues.Peek(name, head)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody("unknown queue", ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// createTaskHandler handles POST /test/create-task, a seed helper.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req struct {
		ToolName string         `json:"toolName" binding:"required"`
		Args     map[string]any `json:"args"`
		ThreadID string         `json:"threadId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("toolName is required", ""))
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}
	env := &models.TaskEnvelope{
		Task:   models.Task{ToolName: req.ToolName, Args: req.Args, ThreadID: req.ThreadID},
		GoalID: uuid.New().String(),
	}
	id, err := s.queues.Enqueue(queue.TaskQueue, env,
		queue.WithType(req.ToolName), queue.WithPartition(req.ThreadID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("could not enqueue the task", req.ThreadID))
		return
	}
	s.log.Append(events.TypeTaskEnqueued, map[string]any{
		"cid":  req.ThreadID,
		"tool": req.ToolName,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "itemId": id, "threadId": req.ThreadID})
}

// commitOpsHandler handles POST /test/commit-ops: seeds a pre-approved
// review so the committer turns the ops into pending actions.
func (s *Server) commitOpsHandler(c *gin.Context) {
	var req struct {
		GraphID string      `json:"graphId" binding:"required"`
		Ops     []models.Op `json:"ops" binding:"required"`
		CID     string      `json:"cid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("graphId and ops are required", ""))
		return
	}
	if req.CID == "" {
		req.CID = uuid.New().String()
	}
	patch := models.Patch{
		PatchID:  uuid.New().String(),
		GraphID:  req.GraphID,
		ThreadID: req.CID,
		Ops:      req.Ops,
	}
	env := &models.ReviewEnvelope{
		Review: models.Review{
			Decision: models.DecisionApproved,
			GraphID:  req.GraphID,
			ThreadID: req.CID,
			Patch:    &patch,
		},
	}
	if _, err := s.queues.Enqueue(queue.ReviewQueue, env,
		queue.WithType(models.DecisionApproved), queue.WithPartition(req.CID)); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("could not enqueue the review", req.CID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "patchId": patch.PatchID, "cid": req.CID})
}
