package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
)

// DrainGoals pulls up to max goals and fans their DAG tasks into the
// task queue, in DAG order, partitioned by thread.
func (e *Executor) DrainGoals(max int) int {
	items, err := e.queues.Pull(queue.GoalQueue, queue.PullOptions{Max: max})
	if err != nil {
		if !errors.Is(err, queue.ErrNoItems) {
			slog.Error("Goal pull failed", "error", err)
		}
		return 0
	}

	drained := 0
	for _, it := range items {
		goal, ok := it.Payload.(*models.Goal)
		if !ok {
			_ = e.queues.Nack(queue.GoalQueue, it.LeaseID, "validation_failed")
			continue
		}
		for _, task := range goal.DAG.Tasks {
			task.ThreadID = goal.ThreadID
			env := &models.TaskEnvelope{Task: task, GoalID: goal.ID, Meta: goal.Meta}
			if _, err := e.queues.Enqueue(queue.TaskQueue, env,
				queue.WithType(task.ToolName), queue.WithPartition(goal.ThreadID)); err != nil {
				slog.Error("Task enqueue failed", "goal_id", goal.ID, "tool", task.ToolName, "error", err)
				continue
			}
			e.log.Append(events.TypeTaskEnqueued, map[string]any{
				"cid":    goal.ThreadID,
				"goalId": goal.ID,
				"tool":   task.ToolName,
			})
		}
		_ = e.queues.Ack(queue.GoalQueue, it.LeaseID)
		drained++
	}
	return drained
}

// DrainTasks pulls runnable tasks (dependencies settled) and converts
// each into a submitted patch.
func (e *Executor) DrainTasks(max int) int {
	items, err := e.queues.Pull(queue.TaskQueue, queue.PullOptions{
		Max:    max,
		Filter: e.taskRunnable,
	})
	if err != nil {
		if !errors.Is(err, queue.ErrNoItems) {
			slog.Error("Task pull failed", "error", err)
		}
		return 0
	}

	drained := 0
	for _, it := range items {
		env, ok := it.Payload.(*models.TaskEnvelope)
		if !ok {
			_ = e.queues.Nack(queue.TaskQueue, it.LeaseID, "validation_failed")
			continue
		}

		if env.Task.ToolName == ToolAuditGraph {
			// Audit goals produce telemetry, not mutations.
			e.log.Append(events.TypeTelemetry, map[string]any{
				"cid":  env.Task.ThreadID,
				"kind": "audit_graph",
				"args": env.Task.Args,
			})
			e.markDone(env.Task.ThreadID, env.Task.ToolName)
			_ = e.queues.Ack(queue.TaskQueue, it.LeaseID)
			drained++
			continue
		}

		patch, err := e.buildPatch(env)
		if err != nil {
			slog.Warn("Task could not be converted to a patch",
				"cid", env.Task.ThreadID, "tool", env.Task.ToolName, "error", err)
			_ = e.queues.Nack(queue.TaskQueue, it.LeaseID, "validation_failed")
			e.log.Append(events.TypeTelemetry, map[string]any{
				"cid":    env.Task.ThreadID,
				"type":   "action_feedback",
				"status": "failed",
				"tool":   env.Task.ToolName,
				"error":  err.Error(),
			})
			continue
		}

		penv := &models.PatchEnvelope{Patch: *patch, GoalID: env.GoalID, Meta: env.Meta}
		if _, err := e.queues.Enqueue(queue.PatchQueue, penv,
			queue.WithType(env.Task.ToolName), queue.WithPartition(env.Task.ThreadID)); err != nil {
			slog.Error("Patch enqueue failed", "cid", env.Task.ThreadID, "error", err)
			_ = e.queues.Nack(queue.TaskQueue, it.LeaseID, "enqueue_failed")
			continue
		}
		e.log.Append(events.TypePatchSubmitted, map[string]any{
			"cid":     env.Task.ThreadID,
			"patchId": patch.PatchID,
			"graphId": patch.GraphID,
			"ops":     len(patch.Ops),
		})
		e.markDone(env.Task.ThreadID, env.Task.ToolName)
		_ = e.queues.Ack(queue.TaskQueue, it.LeaseID)
		drained++
	}
	return drained
}

// taskRunnable gates tasks on their dependsOn siblings having produced
// patches already.
func (e *Executor) taskRunnable(it *queue.Item) bool {
	env, ok := it.Payload.(*models.TaskEnvelope)
	if !ok {
		return true
	}
	if len(env.Task.DependsOn) == 0 {
		return true
	}
	st := e.thread(env.Task.ThreadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dep := range env.Task.DependsOn {
		if !st.doneTools[dep] {
			return false
		}
	}
	return true
}

func (e *Executor) markDone(cid, tool string) {
	st := e.thread(cid)
	e.mu.Lock()
	st.doneTools[tool] = true
	e.mu.Unlock()
}

// argAs coerces a task arg (either a concrete struct from in-process
// dispatch or a map from the HTTP queue surface) into out.
func argAs(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// ArrowsToward maps a directionality word onto the UI's arrow contract.
func ArrowsToward(directionality, sourceID, targetID string) []string {
	switch strings.ToLower(directionality) {
	case "bidirectional":
		return []string{sourceID, targetID}
	case "none", "undirected":
		return []string{}
	case "reverse":
		return []string{sourceID}
	default: // unidirectional
		return []string{targetID}
	}
}

// layoutPositions spreads n nodes: radial puts them on a circle, the
// default walks a grid.
func layoutPositions(n int, algorithm string) [][2]float64 {
	out := make([][2]float64, n)
	if strings.EqualFold(algorithm, "radial") && n > 0 {
		const cx, cy, r = 400.0, 300.0, 250.0
		for i := 0; i < n; i++ {
			angle := 2 * math.Pi * float64(i) / float64(n)
			out[i] = [2]float64{cx + r*math.Cos(angle), cy + r*math.Sin(angle)}
		}
		return out
	}
	const cell = 180.0
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	if cols == 0 {
		cols = 1
	}
	for i := 0; i < n; i++ {
		out[i] = [2]float64{100 + float64(i%cols)*cell, 100 + float64(i/cols)*cell}
	}
	return out
}

// buildPatch converts one task into a patch of mutation ops.
func (e *Executor) buildPatch(env *models.TaskEnvelope) (*models.Patch, error) {
	task := env.Task
	cid := task.ThreadID
	st := e.thread(cid)
	snap := e.store.Snapshot()

	patch := &models.Patch{
		PatchID:  uuid.New().String(),
		ThreadID: cid,
	}

	switch task.ToolName {
	case ToolCreateGraph:
		graphID := uuid.New().String()
		e.mu.Lock()
		st.graphID = graphID
		e.mu.Unlock()
		patch.GraphID = graphID
		patch.Ops = []models.Op{{
			Type:   models.OpCreateNewGraph,
			Params: map[string]any{"graphId": graphID, "name": argString(task.Args, "graphName")},
		}}

	case ToolCreatePopulatedGraph:
		var spec models.GraphSpec
		if err := argAs(task.Args["graphSpec"], &spec); err != nil {
			return nil, fmt.Errorf("decoding graphSpec: %w", err)
		}
		graphID := uuid.New().String()
		e.mu.Lock()
		st.graphID = graphID
		e.mu.Unlock()
		patch.GraphID = graphID
		patch.Ops = append(patch.Ops, models.Op{
			Type:   models.OpCreateNewGraph,
			Params: map[string]any{"graphId": graphID, "name": argString(task.Args, "graphName")},
		})
		patch.Ops = append(patch.Ops, e.nodeOps(cid, graphID, spec.Nodes, spec.LayoutAlgorithm)...)

	case ToolCreateSubgraph:
		var spec models.GraphSpec
		if err := argAs(task.Args["graphSpec"], &spec); err != nil {
			return nil, fmt.Errorf("decoding graphSpec: %w", err)
		}
		graphID := argString(task.Args, "graphId")
		if graphID == "" {
			e.mu.Lock()
			graphID = st.graphID
			e.mu.Unlock()
		}
		if graphID == "" {
			graphID = snap.ActiveGraphID
		}
		if graphID == "" {
			return nil, fmt.Errorf("no target graph for subgraph expansion")
		}
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		patch.Ops = e.nodeOps(cid, graphID, spec.Nodes, spec.LayoutAlgorithm)

	case ToolDefineConnections:
		var conns []models.EdgeSpec
		if err := argAs(task.Args["connections"], &conns); err != nil {
			return nil, fmt.Errorf("decoding connections: %w", err)
		}
		graphID := argString(task.Args, "graphId")
		if graphID == "" {
			e.mu.Lock()
			graphID = st.graphID
			e.mu.Unlock()
		}
		if graphID == "" {
			graphID = snap.ActiveGraphID
		}
		patch.GraphID = graphID
		for _, conn := range conns {
			ops, err := e.edgeOps(cid, graphID, conn)
			if err != nil {
				slog.Debug("Connection skipped", "cid", cid, "source", conn.Source,
					"target", conn.Target, "reason", err)
				continue
			}
			patch.Ops = append(patch.Ops, ops...)
		}
		if len(patch.Ops) == 0 {
			return nil, fmt.Errorf("no resolvable connections")
		}

	case ToolAddNode:
		var node models.NodeSpec
		if err := argAs(task.Args["node"], &node); err != nil {
			return nil, fmt.Errorf("decoding node: %w", err)
		}
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		patch.Ops = e.nodeOps(cid, graphID, []models.NodeSpec{node}, "")

	case ToolUpdateNode, ToolEnrichNode:
		var node models.NodeSpec
		if err := argAs(task.Args["node"], &node); err != nil {
			return nil, fmt.Errorf("decoding node: %w", err)
		}
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		params := map[string]any{"prototypeId": argString(task.Args, "prototypeId")}
		if node.NewName != "" {
			params["name"] = node.NewName
		}
		if node.Color != "" {
			params["color"] = node.Color
		}
		if node.Description != "" {
			params["description"] = node.Description
		}
		patch.Ops = []models.Op{{Type: models.OpUpdateNodePrototype, Params: params}}

	case ToolDeleteNode:
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		patch.Ops = []models.Op{{
			Type:   models.OpRemoveNodeInstance,
			Params: map[string]any{"graphId": graphID, "instanceId": argString(task.Args, "instanceId")},
		}}

	case ToolDeleteGraph:
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		patch.Ops = []models.Op{{
			Type:   models.OpDeleteGraph,
			Params: map[string]any{"graphId": graphID},
		}}

	case ToolAddEdge, ToolUpdateEdge:
		var edge models.EdgeSpec
		if err := argAs(task.Args["edge"], &edge); err != nil {
			return nil, fmt.Errorf("decoding edge: %w", err)
		}
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		if task.ToolName == ToolUpdateEdge {
			patch.Ops = append(patch.Ops, models.Op{
				Type:   models.OpDeleteEdge,
				Params: map[string]any{"graphId": graphID, "edgeId": argString(task.Args, "edgeId")},
			})
		}
		ops, err := e.edgeOps(cid, graphID, edge)
		if err != nil {
			return nil, err
		}
		patch.Ops = append(patch.Ops, ops...)

	case ToolDeleteEdge:
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		patch.Ops = []models.Op{{
			Type:   models.OpDeleteEdge,
			Params: map[string]any{"graphId": graphID, "edgeId": argString(task.Args, "edgeId")},
		}}

	case ToolBulkDelete:
		graphID := argString(task.Args, "graphId")
		patch.GraphID = graphID
		patch.BaseHash = e.store.HeadHash(graphID)
		var nodes []map[string]any
		if err := argAs(task.Args["nodes"], &nodes); err != nil {
			return nil, fmt.Errorf("decoding nodes: %w", err)
		}
		for _, n := range nodes {
			instID, _ := n["instanceId"].(string)
			if instID == "" {
				continue
			}
			patch.Ops = append(patch.Ops, models.Op{
				Type:   models.OpRemoveNodeInstance,
				Params: map[string]any{"graphId": graphID, "instanceId": instID},
			})
		}
		if len(patch.Ops) == 0 {
			return nil, fmt.Errorf("no placed instances to remove")
		}

	default:
		return nil, fmt.Errorf("unrecognized tool %q", task.ToolName)
	}

	return patch, nil
}

// nodeOps emits prototype+instance pairs for a node list, recording the
// generated ids for later connection tasks on the same thread.
func (e *Executor) nodeOps(cid, graphID string, nodes []models.NodeSpec, layout string) []models.Op {
	positions := layoutPositions(len(nodes), layout)
	st := e.thread(cid)

	var ops []models.Op
	for i, node := range nodes {
		protoID := uuid.New().String()
		instID := uuid.New().String()
		e.mu.Lock()
		st.protoByName[strings.ToLower(node.Name)] = protoID
		st.instByName[strings.ToLower(node.Name)] = instID
		e.mu.Unlock()

		ops = append(ops, models.Op{
			Type: models.OpAddNodePrototype,
			Params: map[string]any{
				"prototypeId": protoID,
				"name":        node.Name,
				"color":       node.Color,
				"description": node.Description,
			},
		})
		x, y := positions[i][0], positions[i][1]
		if node.X != nil {
			x = *node.X
		}
		if node.Y != nil {
			y = *node.Y
		}
		ops = append(ops, models.Op{
			Type: models.OpAddNodeInstance,
			Params: map[string]any{
				"graphId":     graphID,
				"instanceId":  instID,
				"prototypeId": protoID,
				"x":           x,
				"y":           y,
			},
		})
	}
	return ops
}

// edgeOps resolves a connection's endpoints — thread-local ids first
// (nodes created earlier in this conversation), then the projection —
// and emits the edge plus any definition-node prototype.
func (e *Executor) edgeOps(cid, graphID string, conn models.EdgeSpec) ([]models.Op, error) {
	st := e.thread(cid)
	snap := e.store.Snapshot()

	resolve := func(name string) string {
		e.mu.Lock()
		id := st.instByName[strings.ToLower(name)]
		e.mu.Unlock()
		if id != "" {
			return id
		}
		if proto := snap.PrototypeByName(name); proto != nil {
			if inst := snap.InstanceOfPrototype(graphID, proto.ID); inst != nil {
				return inst.ID
			}
		}
		return ""
	}

	srcID := resolve(conn.Source)
	dstID := resolve(conn.Target)
	if srcID == "" || dstID == "" {
		return nil, fmt.Errorf("unresolved endpoint %q -> %q", conn.Source, conn.Target)
	}

	var ops []models.Op
	var defIDs []string
	if conn.DefinitionNode != nil && conn.DefinitionNode.Name != "" {
		defID := uuid.New().String()
		defIDs = []string{defID}
		ops = append(ops, models.Op{
			Type: models.OpAddNodePrototype,
			Params: map[string]any{
				"prototypeId": defID,
				"name":        conn.DefinitionNode.Name,
				"color":       conn.DefinitionNode.Color,
				"description": conn.DefinitionNode.Description,
			},
		})
	}
	ops = append(ops, models.Op{
		Type: models.OpAddEdge,
		Params: map[string]any{
			"graphId":           graphID,
			"edgeId":            uuid.New().String(),
			"sourceId":          srcID,
			"destinationId":     dstID,
			"arrowsToward":      ArrowsToward(conn.Directionality, srcID, dstID),
			"definitionNodeIds": defIDs,
		},
	})
	return ops, nil
}
