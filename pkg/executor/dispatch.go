package executor

import (
	"context"
	"fmt"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/models"
)

func (e *Executor) dispatchCreateGraph(cid string, plan *models.Plan, meta models.GoalMeta) (*Result, error) {
	if plan.Graph == nil || plan.Graph.Name == "" {
		return &Result{Response: "I need a name for the new graph.", ToolCalls: []ToolCall{}}, nil
	}

	if plan.GraphSpec != nil && len(plan.GraphSpec.Nodes) > 0 {
		// Populated creation starts the agentic loop: a two-task DAG and
		// meta carrying everything a continuation call needs.
		meta.AgenticLoop = true
		meta.Iteration = 0
		dag := models.DAG{Tasks: []models.Task{
			{
				ToolName: ToolCreatePopulatedGraph,
				ThreadID: cid,
				Args: map[string]any{
					"graphName": plan.Graph.Name,
					"graphSpec": plan.GraphSpec,
				},
			},
			{
				ToolName:  ToolDefineConnections,
				ThreadID:  cid,
				DependsOn: []string{ToolCreatePopulatedGraph},
				Args: map[string]any{
					"connections": plan.GraphSpec.Edges,
				},
			},
		}}
		goalID, err := e.enqueueGoal(cid, ToolCreatePopulatedGraph, dag, meta)
		if err != nil {
			return nil, err
		}
		return &Result{
			Response: plan.Response,
			GoalID:   goalID,
			ToolCalls: []ToolCall{
				{Name: ToolCreatePopulatedGraph, Status: "queued", Args: map[string]any{"graphName": plan.Graph.Name}},
				{Name: ToolDefineConnections, Status: "queued", Args: map[string]any{"edges": len(plan.GraphSpec.Edges)}},
			},
		}, nil
	}

	dag := models.DAG{Tasks: []models.Task{{
		ToolName: ToolCreateGraph,
		ThreadID: cid,
		Args:     map[string]any{"graphName": plan.Graph.Name},
	}}}
	goalID, err := e.enqueueGoal(cid, ToolCreateGraph, dag, meta)
	if err != nil {
		return nil, err
	}
	return &Result{
		Response: plan.Response,
		GoalID:   goalID,
		ToolCalls: []ToolCall{
			{Name: ToolCreateGraph, Status: "queued", Args: map[string]any{"graphName": plan.Graph.Name}},
		},
	}, nil
}

// dispatchNodeIntent handles create/update/delete/enrich node. When
// mustResolve is set the node name has to exist in the active graph.
func (e *Executor) dispatchNodeIntent(cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta, tool string, mustResolve bool) (*Result, error) {
	if plan.Node == nil || plan.Node.Name == "" {
		return &Result{Response: "I need a node name to work with.", ToolCalls: []ToolCall{}}, nil
	}
	graphID := snap.ActiveGraphID
	if graphID == "" {
		return &Result{Response: "There's no open graph to work in. Open a graph first and I'll take it from there.", ToolCalls: []ToolCall{}}, nil
	}

	args := map[string]any{
		"graphId": graphID,
		"node":    plan.Node,
	}
	if mustResolve {
		proto := snap.PrototypeByName(plan.Node.Name)
		if proto == nil {
			return &Result{
				Response:  fmt.Sprintf("I couldn't find a node called %q in the current graph.", plan.Node.Name),
				ToolCalls: []ToolCall{},
			}, nil
		}
		args["prototypeId"] = proto.ID
		if inst := snap.InstanceOfPrototype(graphID, proto.ID); inst != nil {
			args["instanceId"] = inst.ID
		} else if tool == ToolDeleteNode {
			return &Result{
				Response:  fmt.Sprintf("%q isn't placed in the current graph, so there's nothing to remove.", plan.Node.Name),
				ToolCalls: []ToolCall{},
			}, nil
		}
	}

	dag := models.DAG{Tasks: []models.Task{{ToolName: tool, ThreadID: cid, Args: args}}}
	goalID, err := e.enqueueGoal(cid, tool, dag, meta)
	if err != nil {
		return nil, err
	}
	return &Result{
		Response:  plan.Response,
		GoalID:    goalID,
		ToolCalls: []ToolCall{{Name: tool, Status: "queued", Args: map[string]any{"name": plan.Node.Name}}},
	}, nil
}

func (e *Executor) dispatchDeleteGraph(cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta) (*Result, error) {
	if plan.Graph == nil || plan.Graph.Name == "" {
		return &Result{Response: "Which graph should I delete?", ToolCalls: []ToolCall{}}, nil
	}
	g := snap.FindGraphByName(plan.Graph.Name)
	if g == nil {
		return &Result{
			Response:  fmt.Sprintf("I couldn't find a graph called %q.", plan.Graph.Name),
			ToolCalls: []ToolCall{},
		}, nil
	}
	dag := models.DAG{Tasks: []models.Task{{
		ToolName: ToolDeleteGraph,
		ThreadID: cid,
		Args:     map[string]any{"graphId": g.ID, "graphName": g.Name},
	}}}
	goalID, err := e.enqueueGoal(cid, ToolDeleteGraph, dag, meta)
	if err != nil {
		return nil, err
	}
	return &Result{
		Response:  plan.Response,
		GoalID:    goalID,
		ToolCalls: []ToolCall{{Name: ToolDeleteGraph, Status: "queued", Args: map[string]any{"graphName": g.Name}}},
	}, nil
}

func (e *Executor) dispatchEdgeIntent(cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta) (*Result, error) {
	if plan.Edge == nil || plan.Edge.Source == "" || plan.Edge.Target == "" {
		return &Result{Response: "I need both endpoints of the connection.", ToolCalls: []ToolCall{}}, nil
	}
	graphID := snap.ActiveGraphID
	if graphID == "" {
		return &Result{Response: "There's no open graph to work in.", ToolCalls: []ToolCall{}}, nil
	}

	var tool string
	args := map[string]any{"graphId": graphID, "edge": plan.Edge}

	switch plan.Intent {
	case models.IntentCreateEdge:
		tool = ToolAddEdge
		srcProto := snap.PrototypeByName(plan.Edge.Source)
		dstProto := snap.PrototypeByName(plan.Edge.Target)
		if srcProto == nil || dstProto == nil {
			missing := plan.Edge.Source
			if srcProto != nil {
				missing = plan.Edge.Target
			}
			return &Result{
				Response:  fmt.Sprintf("I couldn't find %q in the current graph, so I can't connect it.", missing),
				ToolCalls: []ToolCall{},
			}, nil
		}
	case models.IntentUpdateEdge, models.IntentDeleteEdge:
		existing := snap.ResolveEdge(plan.Edge.Source, plan.Edge.Target, graphID)
		if existing == nil {
			return &Result{
				Response:  fmt.Sprintf("I couldn't find a connection between %q and %q.", plan.Edge.Source, plan.Edge.Target),
				ToolCalls: []ToolCall{},
			}, nil
		}
		args["edgeId"] = existing.ID
		if plan.Intent == models.IntentDeleteEdge {
			tool = ToolDeleteEdge
		} else {
			tool = ToolUpdateEdge
		}
	}

	dag := models.DAG{Tasks: []models.Task{{ToolName: tool, ThreadID: cid, Args: args}}}
	goalID, err := e.enqueueGoal(cid, tool, dag, meta)
	if err != nil {
		return nil, err
	}
	return &Result{
		Response: plan.Response,
		GoalID:   goalID,
		ToolCalls: []ToolCall{{Name: tool, Status: "queued", Args: map[string]any{
			"source": plan.Edge.Source, "target": plan.Edge.Target,
		}}},
	}, nil
}

func (e *Executor) dispatchBulkDelete(cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta) (*Result, error) {
	graphID := snap.ActiveGraphID
	if graphID == "" {
		return &Result{Response: "There's no open graph to work in.", ToolCalls: []ToolCall{}}, nil
	}
	var resolved []map[string]any
	var missing []string
	for _, name := range plan.Nodes {
		proto := snap.PrototypeByName(name)
		if proto == nil {
			missing = append(missing, name)
			continue
		}
		entry := map[string]any{"name": name, "prototypeId": proto.ID}
		if inst := snap.InstanceOfPrototype(graphID, proto.ID); inst != nil {
			entry["instanceId"] = inst.ID
		}
		resolved = append(resolved, entry)
	}
	if len(resolved) == 0 {
		return &Result{
			Response:  "I couldn't find any of those nodes in the current graph.",
			ToolCalls: []ToolCall{},
		}, nil
	}

	dag := models.DAG{Tasks: []models.Task{{
		ToolName: ToolBulkDelete,
		ThreadID: cid,
		Args:     map[string]any{"graphId": graphID, "nodes": resolved, "missing": missing},
	}}}
	goalID, err := e.enqueueGoal(cid, ToolBulkDelete, dag, meta)
	if err != nil {
		return nil, err
	}
	resp := plan.Response
	if len(missing) > 0 {
		resp = fmt.Sprintf("%s (I couldn't find: %v)", resp, missing)
	}
	return &Result{
		Response:  resp,
		GoalID:    goalID,
		ToolCalls: []ToolCall{{Name: ToolBulkDelete, Status: "queued", Args: map[string]any{"count": len(resolved)}}},
	}, nil
}

func (e *Executor) dispatchDefineConnections(cid string, plan *models.Plan, snap *bridge.Snapshot, meta models.GoalMeta) (*Result, error) {
	graphID := snap.ActiveGraphID
	if graphID == "" {
		return &Result{Response: "There's no open graph to connect nodes in.", ToolCalls: []ToolCall{}}, nil
	}
	if len(plan.Connections) == 0 {
		return &Result{Response: plan.Response, ToolCalls: []ToolCall{}}, nil
	}
	dag := models.DAG{Tasks: []models.Task{{
		ToolName: ToolDefineConnections,
		ThreadID: cid,
		Args:     map[string]any{"graphId": graphID, "connections": plan.Connections},
	}}}
	goalID, err := e.enqueueGoal(cid, ToolDefineConnections, dag, meta)
	if err != nil {
		return nil, err
	}
	return &Result{
		Response:  plan.Response,
		GoalID:    goalID,
		ToolCalls: []ToolCall{{Name: ToolDefineConnections, Status: "queued", Args: map[string]any{"count": len(plan.Connections)}}},
	}, nil
}

// dispatchDecompose re-plans the first subgoal and carries the rest in
// the chain state. There is a single code path for the recursion: the
// in-process re-entry wired by the agent service.
func (e *Executor) dispatchDecompose(ctx context.Context, cid string, plan *models.Plan, meta models.GoalMeta) (*Result, error) {
	if len(plan.Subgoals) == 0 {
		return &Result{Response: plan.Response, ToolCalls: []ToolCall{}}, nil
	}
	if e.recurse == nil {
		return nil, fmt.Errorf("decompose_goal received but no recursion entry wired")
	}

	first := plan.Subgoals[0]
	if len(plan.Subgoals) > 1 {
		meta.ChainState = &models.ChainState{RemainingSubgoals: plan.Subgoals[1:]}
	}
	res, err := e.recurse(ctx, first, meta)
	if err != nil {
		return nil, fmt.Errorf("recursing into subgoal: %w", err)
	}
	if plan.Response != "" && res.Response != "" {
		res.Response = plan.Response + "\n\n" + res.Response
	} else if plan.Response != "" {
		res.Response = plan.Response
	}
	return res, nil
}
