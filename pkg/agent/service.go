// Package agent is the service layer joining planner, executor, auditor
// and committer into the request flow behind the HTTP surface.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/committer"
	"github.com/theredstring/redstring-bridge/pkg/config"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/executor"
	"github.com/theredstring/redstring-bridge/pkg/llm"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/planner"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

// historyKeep bounds the per-conversation turns retained for context.
const historyKeep = 3

// Request is one parsed agent invocation.
type Request struct {
	Message    string
	CID        string
	APIKey     string
	APIConfig  *models.APIConfig
	ChainState *models.ChainState
	IsTest     bool
	History    []models.ChatTurn
}

// Response is the agent surface's reply.
type Response struct {
	Success   bool                `json:"success"`
	Response  string              `json:"response"`
	ToolCalls []executor.ToolCall `json:"toolCalls"`
	CID       string              `json:"cid"`
	GoalID    string              `json:"goalId,omitempty"`
}

// Service orchestrates one user message end to end.
type Service struct {
	planner   *planner.Planner
	executor  *executor.Executor
	committer *committer.Committer
	store     *bridge.Store
	log       *events.Log
	tracer    *trace.Tracer
	provider  llm.Provider
	prompts   *config.Prompts
	queues    *queue.Manager

	mu            sync.Mutex
	conversations map[string][]models.ChatTurn
}

// New wires the service and registers the executor recursion and the
// committer continuation entry points.
func New(p *planner.Planner, ex *executor.Executor, com *committer.Committer, store *bridge.Store, log *events.Log, tracer *trace.Tracer, provider llm.Provider, prompts *config.Prompts, queues *queue.Manager) *Service {
	s := &Service{
		planner:       p,
		executor:      ex,
		committer:     com,
		store:         store,
		log:           log,
		tracer:        tracer,
		provider:      provider,
		prompts:       prompts,
		queues:        queues,
		conversations: make(map[string][]models.ChatTurn),
	}
	ex.SetRecurse(s.runSubgoal)
	com.SetContinuation(s.continueFromCommit)
	return s
}

// Rehydrate replays CHAT events from the ring into the conversation
// cache, so restarts keep recent context.
func (s *Service) Rehydrate() {
	replayed := 0
	for _, ev := range s.log.ReplaySince(0) {
		if ev.Type != events.TypeChat || ev.IsTest() {
			continue
		}
		cid, _ := ev.Fields["cid"].(string)
		role, _ := ev.Fields["role"].(string)
		text, _ := ev.Fields["text"].(string)
		if cid == "" || text == "" {
			continue
		}
		s.appendTurn(cid, models.ChatTurn{Role: role, Content: text})
		replayed++
	}
	if replayed > 0 {
		slog.Info("Chat history rehydrated", "turns", replayed)
	}
}

func (s *Service) appendTurn(cid string, turn models.ChatTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.conversations[cid], turn)
	if len(turns) > historyKeep*2 {
		turns = turns[len(turns)-historyKeep*2:]
	}
	s.conversations[cid] = turns
}

func (s *Service) history(cid string) []models.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.conversations[cid]
	if len(turns) > historyKeep {
		turns = turns[len(turns)-historyKeep:]
	}
	return append([]models.ChatTurn(nil), turns...)
}

// HandleMessage runs the planner and dispatches the plan.
func (s *Service) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	cid := req.CID
	if cid == "" {
		cid = uuid.New().String()
	}

	s.tracer.StartTrace(cid, req.Message, map[string]any{"isTest": req.IsTest})
	s.recordChat(cid, "user", req.Message, req.IsTest)

	history := req.History
	if len(history) == 0 {
		history = s.history(cid)
	}

	snap := s.store.Snapshot()
	plan, err := s.planner.Plan(ctx, planner.Input{
		Message:   req.Message,
		CID:       cid,
		APIKey:    req.APIKey,
		APIConfig: req.APIConfig,
		Snapshot:  snap,
		History:   history,
	})
	if err != nil {
		s.recordChat(cid, "system", "I ran into a problem reaching the model. Please try again in a moment.", req.IsTest)
		return nil, fmt.Errorf("planning failed for %s: %w", cid, err)
	}

	meta := models.GoalMeta{
		APIKey:              req.APIKey,
		APIConfig:           req.APIConfig,
		OriginalMessage:     req.Message,
		ConversationHistory: history,
		ChainState:          req.ChainState,
	}
	res, err := s.executor.DispatchPlan(ctx, cid, plan, snap, meta)
	if err != nil {
		return nil, fmt.Errorf("dispatch failed for %s: %w", cid, err)
	}

	s.appendTurn(cid, models.ChatTurn{Role: "user", Content: req.Message})
	if res.Response != "" {
		s.appendTurn(cid, models.ChatTurn{Role: "assistant", Content: res.Response})
		s.recordChat(cid, "assistant", res.Response, req.IsTest)
	}

	return &Response{
		Success:   true,
		Response:  res.Response,
		ToolCalls: res.ToolCalls,
		CID:       cid,
		GoalID:    res.GoalID,
	}, nil
}

// runSubgoal re-enters the planner for a decomposed subgoal in-process.
func (s *Service) runSubgoal(ctx context.Context, subgoal string, meta models.GoalMeta) (*executor.Result, error) {
	cid := uuid.New().String()
	s.tracer.StartTrace(cid, subgoal, map[string]any{"subgoal": true})

	snap := s.store.Snapshot()
	plan, err := s.planner.Plan(ctx, planner.Input{
		Message:   subgoal,
		CID:       cid,
		APIKey:    meta.APIKey,
		APIConfig: meta.APIConfig,
		Snapshot:  snap,
		History:   meta.ConversationHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("planning subgoal: %w", err)
	}
	return s.executor.DispatchPlan(ctx, cid, plan, snap, meta)
}

// Audit enqueues an audit_graph goal for a graph's health check.
func (s *Service) Audit(cid, graphID, action string, nodeCount, edgeCount int) (*Response, error) {
	if cid == "" {
		cid = uuid.New().String()
	}
	goalID, err := s.enqueueAuditGoal(cid, graphID, action, nodeCount, edgeCount)
	if err != nil {
		return nil, err
	}
	return &Response{
		Success:   true,
		Response:  "Audit queued.",
		ToolCalls: []executor.ToolCall{{Name: executor.ToolAuditGraph, Status: "queued"}},
		CID:       cid,
		GoalID:    goalID,
	}, nil
}

// Chat is the single-turn non-mutating pass-through.
func (s *Service) Chat(ctx context.Context, message, apiKey string, apiCfg *models.APIConfig, history []models.ChatTurn) (string, error) {
	system := s.prompts.Hidden
	if s.prompts.DomainAppendix != "" {
		system += "\n\n" + s.prompts.DomainAppendix
	}
	model := ""
	if apiCfg != nil {
		model = apiCfg.Model
	}
	if model == "" {
		return "", fmt.Errorf("no model configured for chat")
	}
	if len(history) > historyKeep {
		history = history[len(history)-historyKeep:]
	}
	return s.provider.Complete(ctx, llm.Request{
		Model:    model,
		APIKey:   apiKey,
		System:   system,
		Messages: append(history, models.ChatTurn{Role: "user", Content: message}),
	})
}

// recordChat appends a chat entry to the ring. Test-tagged entries are
// stored but filtered at the SSE delivery layer.
func (s *Service) recordChat(cid, role, text string, isTest bool) {
	fields := map[string]any{
		"cid":  cid,
		"role": role,
		"text": text,
	}
	if isTest {
		fields["isTest"] = true
	}
	s.log.Append(events.TypeChat, fields)
}
