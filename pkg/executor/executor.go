// Package executor translates validated plans into queued goals, and
// drains goals into tasks and tasks into mutation patches under the
// scheduler's cadence.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

// Tool names used in goal DAGs.
const (
	ToolCreateGraph          = "create_graph"
	ToolCreatePopulatedGraph = "create_populated_graph"
	ToolCreateSubgraph       = "create_subgraph"
	ToolDefineConnections    = "define_connections"
	ToolAddNode              = "add_node"
	ToolUpdateNode           = "update_node"
	ToolDeleteNode           = "delete_node"
	ToolEnrichNode           = "enrich_node"
	ToolDeleteGraph          = "delete_graph"
	ToolAddEdge              = "add_edge"
	ToolUpdateEdge           = "update_edge"
	ToolDeleteEdge           = "delete_edge"
	ToolBulkDelete           = "bulk_delete"
	ToolAuditGraph           = "audit_graph"
)

// ToolCall reports one queued (or answered) tool in the agent response.
type ToolCall struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Args   map[string]any `json:"args,omitempty"`
}

// Result is the outcome of dispatching one plan.
type Result struct {
	Response  string     `json:"response"`
	GoalID    string     `json:"goalId,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls"`
}

// Recurse re-enters the planner for a decomposed subgoal. Wired by the
// agent service; kept as a function value to avoid a package cycle.
type Recurse func(ctx context.Context, subgoal string, meta models.GoalMeta) (*Result, error)

// threadState remembers the ids a thread's create ops generated so later
// tasks (define_connections) can reference them before the mirror sees
// the committed graph.
type threadState struct {
	graphID     string
	protoByName map[string]string
	instByName  map[string]string
	doneTools   map[string]bool
}

// Executor owns plan dispatch and the goal/task drains.
type Executor struct {
	queues *queue.Manager
	log    *events.Log
	store  *bridge.Store
	tracer *trace.Tracer

	recurse Recurse

	mu      sync.Mutex
	threads map[string]*threadState
}

// New creates an executor.
func New(queues *queue.Manager, log *events.Log, store *bridge.Store, tracer *trace.Tracer) *Executor {
	return &Executor{
		queues:  queues,
		log:     log,
		store:   store,
		tracer:  tracer,
		threads: make(map[string]*threadState),
	}
}

// SetRecurse wires the decompose-goal re-entry point.
func (e *Executor) SetRecurse(r Recurse) { e.recurse = r }

func (e *Executor) thread(cid string) *threadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.threads[cid]
	if !ok {
		st = &threadState{
			protoByName: make(map[string]string),
			instByName:  make(map[string]string),
			doneTools:   make(map[string]bool),
		}
		e.threads[cid] = st
	}
	return st
}

// DispatchPlan maps a plan's intent to either a direct response or an
// enqueued goal. Failed name resolutions produce a conversational
// response and no enqueue.
func (e *Executor) DispatchPlan(ctx context.Context, cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta) (*Result, error) {
	e.tracer.RecordStage(cid, trace.StageExecutor, map[string]any{"intent": plan.Intent})

	res, err := e.dispatch(ctx, cid, plan, snap, meta)
	if err != nil {
		e.tracer.CompleteStage(cid, trace.StageExecutor, trace.StatusError, map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	e.tracer.CompleteStage(cid, trace.StageExecutor, trace.StatusSuccess, map[string]any{
		"goal_id":    res.GoalID,
		"tool_calls": len(res.ToolCalls),
	})
	return res, nil
}

func (e *Executor) dispatch(ctx context.Context, cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta) (*Result, error) {
	switch plan.Intent {
	case models.IntentQA, models.IntentAnalyze:
		return &Result{Response: plan.Response, ToolCalls: []ToolCall{}}, nil

	case models.IntentCreateGraph:
		return e.dispatchCreateGraph(cid, plan, meta)

	case models.IntentCreateNode:
		return e.dispatchNodeIntent(cid, plan, snap, meta, ToolAddNode, false)

	case models.IntentUpdateNode:
		return e.dispatchNodeIntent(cid, plan, snap, meta, ToolUpdateNode, true)

	case models.IntentDeleteNode:
		return e.dispatchNodeIntent(cid, plan, snap, meta, ToolDeleteNode, true)

	case models.IntentEnrichNode:
		return e.dispatchNodeIntent(cid, plan, snap, meta, ToolEnrichNode, true)

	case models.IntentDeleteGraph:
		return e.dispatchDeleteGraph(cid, plan, snap, meta)

	case models.IntentCreateEdge, models.IntentUpdateEdge, models.IntentDeleteEdge:
		return e.dispatchEdgeIntent(cid, plan, snap, meta)

	case models.IntentBulkDelete:
		return e.dispatchBulkDelete(cid, plan, snap, meta)

	case models.IntentDefineConnections:
		return e.dispatchDefineConnections(cid, plan, snap, meta)

	case models.IntentDecomposeGoal:
		return e.dispatchDecompose(ctx, cid, plan, meta)

	default:
		// Unknown intents are conversational, never an error.
		resp := plan.Response
		if resp == "" {
			resp = "I wasn't sure how to act on that. Could you rephrase what you'd like me to do with the graph?"
		}
		return &Result{Response: resp, ToolCalls: []ToolCall{}}, nil
	}
}

// enqueueGoal pushes a goal and emits GOAL_ENQUEUED.
func (e *Executor) enqueueGoal(cid, goalName string, dag models.DAG, meta models.GoalMeta) (string, error) {
	goal := &models.Goal{
		ID:       uuid.New().String(),
		Goal:     goalName,
		DAG:      dag,
		ThreadID: cid,
		Meta:     meta,
	}
	if _, err := e.queues.Enqueue(queue.GoalQueue, goal,
		queue.WithType(goalName), queue.WithPartition(cid)); err != nil {
		return "", fmt.Errorf("enqueueing goal: %w", err)
	}
	e.log.Append(events.TypeGoalEnqueued, map[string]any{
		"cid":    cid,
		"goal":   goalName,
		"goalId": goal.ID,
	})
	slog.Info("Goal enqueued", "cid", cid, "goal", goalName, "goal_id", goal.ID)
	return goal.ID, nil
}
