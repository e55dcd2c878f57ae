package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/theredstring/redstring-bridge/pkg/agent"
	"github.com/theredstring/redstring-bridge/pkg/committer"
	"github.com/theredstring/redstring-bridge/pkg/llm"
	"github.com/theredstring/redstring-bridge/pkg/models"
)

// agentRequest is the body of POST /api/ai/agent.
type agentRequest struct {
	Message             string            `json:"message" binding:"required"`
	CID                 string            `json:"cid"`
	Context             agentContext      `json:"context"`
	ConversationHistory []models.ChatTurn `json:"conversationHistory"`
}

type agentContext struct {
	ActiveGraphID string             `json:"activeGraphId"`
	APIConfig     *models.APIConfig  `json:"apiConfig"`
	ChainState    *models.ChainState `json:"chainState"`
	IsTest        bool               `json:"isTest"`
}

// agentHandler handles POST /api/ai/agent, the primary entry.
func (s *Server) agentHandler(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("message is required", ""))
		return
	}

	apiKey := bearerToken(c)
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, errorBody(
			"missing API key: configure your model provider key and send it as a bearer token", req.CID))
		return
	}

	if req.Context.ActiveGraphID != "" {
		s.store.SetActiveGraphID(req.Context.ActiveGraphID)
	}

	res, err := s.svc.HandleMessage(c.Request.Context(), agent.Request{
		Message:    req.Message,
		CID:        req.CID,
		APIKey:     apiKey,
		APIConfig:  req.Context.APIConfig,
		ChainState: req.Context.ChainState,
		IsTest:     req.Context.IsTest,
		History:    req.ConversationHistory,
	})
	if err != nil {
		if llm.IsAuth(err) {
			c.JSON(http.StatusUnauthorized, errorBody(
				"the model provider rejected the API key; check your configuration", req.CID))
			return
		}
		c.JSON(http.StatusBadGateway, errorBody(
			"I couldn't reach the model right now. Please try again in a moment.", req.CID))
		return
	}
	c.JSON(http.StatusOK, res)
}

// continueRequest is the body of POST /api/ai/agent/continue.
type continueRequest struct {
	CID        string               `json:"cid" binding:"required"`
	LastAction string               `json:"lastAction"`
	GraphState committer.GraphState `json:"graphState"`
	Iteration  int                  `json:"iteration"`
	ReadResult string               `json:"readResult"`
	Meta       models.GoalMeta      `json:"meta"`
}

// continueHandler handles POST /api/ai/agent/continue.
func (s *Server) continueHandler(c *gin.Context) {
	var req continueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("cid is required", ""))
		return
	}
	if key := bearerToken(c); key != "" {
		req.Meta.APIKey = key
	}

	res, err := s.svc.Continue(c.Request.Context(), agent.ContinueRequest{
		CID:        req.CID,
		LastAction: req.LastAction,
		GraphState: req.GraphState,
		Iteration:  req.Iteration,
		ReadResult: req.ReadResult,
		Meta:       req.Meta,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, errorBody(
			"continuation failed; the loop will stop here", req.CID))
		return
	}
	c.JSON(http.StatusOK, res)
}

// auditRequest is the body of POST /api/ai/agent/audit.
type auditRequest struct {
	CID       string `json:"cid"`
	GraphID   string `json:"graphId" binding:"required"`
	NodeCount int    `json:"nodeCount"`
	EdgeCount int    `json:"edgeCount"`
	Action    string `json:"action"`
}

// auditHandler handles POST /api/ai/agent/audit.
func (s *Server) auditHandler(c *gin.Context) {
	var req auditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("graphId is required", ""))
		return
	}
	res, err := s.svc.Audit(req.CID, req.GraphID, req.Action, req.NodeCount, req.EdgeCount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("could not queue the audit", req.CID))
		return
	}
	c.JSON(http.StatusOK, res)
}

// chatRequest is the body of POST /api/ai/chat.
type chatRequest struct {
	Message             string            `json:"message" binding:"required"`
	APIConfig           *models.APIConfig `json:"apiConfig"`
	ConversationHistory []models.ChatTurn `json:"conversationHistory"`
}

// chatHandler handles POST /api/ai/chat, the non-mutating pass-through.
func (s *Server) chatHandler(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("message is required", ""))
		return
	}
	apiKey := bearerToken(c)
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, errorBody(
			"missing API key: configure your model provider key and send it as a bearer token", ""))
		return
	}

	text, err := s.svc.Chat(c.Request.Context(), req.Message, apiKey, req.APIConfig, req.ConversationHistory)
	if err != nil {
		if llm.IsAuth(err) {
			c.JSON(http.StatusUnauthorized, errorBody(
				"the model provider rejected the API key; check your configuration", ""))
			return
		}
		c.JSON(http.StatusBadGateway, errorBody(
			"I couldn't reach the model right now. Please try again in a moment.", ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "response": text})
}
