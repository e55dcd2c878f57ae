package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/theredstring/redstring-bridge/pkg/committer"
	"github.com/theredstring/redstring-bridge/pkg/executor"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/planner"
)

// Safety caps guaranteeing the agentic loop terminates.
const (
	MaxPhases     = 8
	MaxTotalNodes = 100
)

// ContinueRequest is the continuation endpoint's parsed body.
type ContinueRequest struct {
	CID        string
	LastAction string
	GraphState committer.GraphState
	Iteration  int
	ReadResult string
	Meta       models.GoalMeta
}

// ContinueResponse reports whether the loop goes on or is done.
type ContinueResponse struct {
	Success   bool   `json:"success"`
	Completed bool   `json:"completed"`
	Reason    string `json:"reason,omitempty"`
	Response  string `json:"response,omitempty"`
	GoalID    string `json:"goalId,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

// evalDecision is the model's continue/complete verdict.
type evalDecision struct {
	Decision  string            `json:"decision"`
	Response  string            `json:"response,omitempty"`
	GraphSpec *models.GraphSpec `json:"graphSpec,omitempty"`
}

// Continue advances the agentic loop one phase. The termination ladder
// runs in order: pending subgoal chain, phase cap, node cap, then the
// model's own decision.
func (s *Service) Continue(ctx context.Context, req ContinueRequest) (*ContinueResponse, error) {
	// 1. A pending subgoal chain takes priority over everything.
	if cs := req.Meta.ChainState; cs != nil && len(cs.RemainingSubgoals) > 0 {
		next := cs.RemainingSubgoals[0]
		meta := req.Meta
		if len(cs.RemainingSubgoals) > 1 {
			meta.ChainState = &models.ChainState{RemainingSubgoals: cs.RemainingSubgoals[1:]}
		} else {
			meta.ChainState = nil
		}
		res, err := s.runSubgoal(ctx, next, meta)
		if err != nil {
			return nil, fmt.Errorf("chained subgoal: %w", err)
		}
		return &ContinueResponse{Success: true, Completed: false, GoalID: res.GoalID}, nil
	}

	// 2. Phase cap.
	if req.Iteration >= MaxPhases {
		return &ContinueResponse{
			Success:   true,
			Completed: true,
			Reason:    "phases_complete",
			Response:  fmt.Sprintf("I've finished %d phases of expansion, so I'm wrapping up here.", MaxPhases),
		}, nil
	}

	// 3. Node cap.
	if req.GraphState.NodeCount >= MaxTotalNodes {
		return &ContinueResponse{
			Success:   true,
			Completed: true,
			Reason:    "node_limit",
			Response:  fmt.Sprintf("The graph has reached %d nodes, so I'm stopping the expansion here.", MaxTotalNodes),
		}, nil
	}

	// 4. Ask the model.
	decision, err := s.evaluate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("continuation evaluation: %w", err)
	}

	// 5/6. Act on the verdict.
	if decision.Decision != "continue" {
		return &ContinueResponse{
			Success:   true,
			Completed: true,
			Response:  decision.Response,
		}, nil
	}

	goalID, err := s.enqueueExpansionGoal(req, decision)
	if err != nil {
		return nil, err
	}
	return &ContinueResponse{
		Success:   true,
		Completed: false,
		Response:  decision.Response,
		GoalID:    goalID,
		Iteration: req.Iteration + 1,
	}, nil
}

// continueFromCommit adapts the committer's post-apply callback into the
// continuation entry point. The committer fires this in its own
// goroutine; failures only log.
func (s *Service) continueFromCommit(ctx context.Context, req committer.ContinueRequest) {
	res, err := s.Continue(ctx, ContinueRequest{
		CID:        req.CID,
		LastAction: req.LastAction,
		GraphState: req.GraphState,
		Iteration:  req.Iteration,
		Meta:       req.Meta,
	})
	if err != nil {
		slog.Error("Continuation failed", "cid", req.CID, "error", err)
		return
	}
	if res.Completed {
		slog.Info("Agentic loop complete", "cid", req.CID, "reason", res.Reason)
		if res.Response != "" {
			s.recordChat(req.CID, "assistant", res.Response, false)
		}
	}
}

// evaluate asks the model for a continue/complete decision over the
// current graph state.
func (s *Service) evaluate(ctx context.Context, req ContinueRequest) (*evalDecision, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original request: %s\n", req.Meta.OriginalMessage)
	fmt.Fprintf(&sb, "Iteration: %d of %d\n", req.Iteration, MaxPhases)
	fmt.Fprintf(&sb, "Graph now has %d nodes", req.GraphState.NodeCount)
	if len(req.GraphState.NodeNames) > 0 {
		fmt.Fprintf(&sb, ": %s", strings.Join(req.GraphState.NodeNames, ", "))
	}
	sb.WriteString("\n")
	if req.ReadResult != "" {
		fmt.Fprintf(&sb, "Last read result: %s\n", req.ReadResult)
	}
	sb.WriteString("Decide whether to continue expanding or complete.")

	raw, err := s.planner.Evaluate(ctx, planner.Input{
		Message:   sb.String(),
		CID:       req.CID,
		APIKey:    req.Meta.APIKey,
		APIConfig: req.Meta.APIConfig,
		Snapshot:  s.store.Snapshot(),
		History:   req.Meta.ConversationHistory,
	})
	if err != nil {
		return nil, err
	}

	decision := &evalDecision{}
	if err := json.Unmarshal([]byte(extractObject(raw)), decision); err != nil {
		// An unparseable verdict completes the loop rather than risking
		// an unbounded expansion.
		slog.Warn("Continuation verdict unparseable, completing", "cid", req.CID)
		return &evalDecision{Decision: "complete", Response: raw}, nil
	}
	return decision, nil
}

// extractObject trims a verdict down to its outermost JSON object.
func extractObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// enqueueExpansionGoal queues the next phase: a subgraph expansion plus
// its connections, still inside the agentic loop.
func (s *Service) enqueueExpansionGoal(req ContinueRequest, decision *evalDecision) (string, error) {
	meta := req.Meta
	meta.AgenticLoop = true
	meta.Iteration = req.Iteration

	spec := decision.GraphSpec
	if spec == nil {
		spec = &models.GraphSpec{}
	}
	goal := &models.Goal{
		Goal:     executor.ToolCreateSubgraph,
		ThreadID: req.CID,
		Meta:     meta,
		DAG: models.DAG{Tasks: []models.Task{
			{
				ToolName: executor.ToolCreateSubgraph,
				ThreadID: req.CID,
				Args: map[string]any{
					"graphId":   req.GraphState.GraphID,
					"graphSpec": spec,
				},
			},
			{
				ToolName:  executor.ToolDefineConnections,
				ThreadID:  req.CID,
				DependsOn: []string{executor.ToolCreateSubgraph},
				Args: map[string]any{
					"graphId":     req.GraphState.GraphID,
					"connections": spec.Edges,
				},
			},
		}},
	}
	return s.EnqueueGoal(goal)
}
