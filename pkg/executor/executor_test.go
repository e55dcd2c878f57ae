package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

type executorFixture struct {
	queues   *queue.Manager
	store    *bridge.Store
	log      *events.Log
	executor *Executor
}

func newFixture(t *testing.T) *executorFixture {
	t.Helper()
	queues := queue.NewManager(queue.DefaultConfig())
	store := bridge.NewStore()
	log := events.NewLog(0)
	return &executorFixture{
		queues:   queues,
		store:    store,
		log:      log,
		executor: New(queues, log, store, trace.NewTracer(10)),
	}
}

func (f *executorFixture) pullGoal(t *testing.T) *models.Goal {
	t.Helper()
	items, err := f.queues.Pull(queue.GoalQueue, queue.PullOptions{Max: 1})
	require.NoError(t, err)
	goal, ok := items[0].Payload.(*models.Goal)
	require.True(t, ok)
	require.NoError(t, f.queues.Ack(queue.GoalQueue, items[0].LeaseID))
	return goal
}

func TestDispatchQAReturnsWithoutQueueing(t *testing.T) {
	f := newFixture(t)
	res, err := f.executor.DispatchPlan(context.Background(), "c1",
		&models.Plan{Intent: models.IntentQA, Response: "It's a graph editor."},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)
	assert.Equal(t, "It's a graph editor.", res.Response)
	assert.Empty(t, res.GoalID)

	m, err := f.queues.Metrics(queue.GoalQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalEnqueued)
}

func TestDispatchCreateGraphSimple(t *testing.T) {
	f := newFixture(t)
	res, err := f.executor.DispatchPlan(context.Background(), "c1",
		&models.Plan{
			Intent:   models.IntentCreateGraph,
			Graph:    &models.GraphRef{Name: "Solar System"},
			Response: "Creating Solar System.",
		},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.GoalID)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, ToolCreateGraph, res.ToolCalls[0].Name)
	assert.Equal(t, "queued", res.ToolCalls[0].Status)
	assert.Equal(t, "Solar System", res.ToolCalls[0].Args["graphName"])

	goal := f.pullGoal(t)
	assert.Equal(t, ToolCreateGraph, goal.Goal)
	assert.Equal(t, "c1", goal.ThreadID)
	require.Len(t, goal.DAG.Tasks, 1)

	// GOAL_ENQUEUED landed in the ring.
	var sawGoalEvent bool
	for _, ev := range f.log.ReplaySince(0) {
		if ev.Type == events.TypeGoalEnqueued && ev.Fields["goal"] == ToolCreateGraph {
			sawGoalEvent = true
		}
	}
	assert.True(t, sawGoalEvent)
}

func TestDispatchPopulatedGraphStartsAgenticLoop(t *testing.T) {
	f := newFixture(t)
	plan := &models.Plan{
		Intent: models.IntentCreateGraph,
		Graph:  &models.GraphRef{Name: "Planets"},
		GraphSpec: &models.GraphSpec{
			Nodes: []models.NodeSpec{
				{Name: "Sun", Color: "#FDB813"},
				{Name: "Earth", Color: "#4A90E2"},
			},
			Edges: []models.EdgeSpec{{
				Source: "Sun", Target: "Earth",
				Directionality: "unidirectional",
				DefinitionNode: &models.NodeSpec{Name: "Orbits"},
			}},
			LayoutAlgorithm: "radial",
		},
	}
	res, err := f.executor.DispatchPlan(context.Background(), "c2", plan, f.store.Snapshot(), models.GoalMeta{
		APIKey:          "sk-test",
		OriginalMessage: "make planets",
	})
	require.NoError(t, err)
	assert.Len(t, res.ToolCalls, 2)

	goal := f.pullGoal(t)
	assert.Equal(t, ToolCreatePopulatedGraph, goal.Goal)
	require.Len(t, goal.DAG.Tasks, 2)
	assert.Equal(t, ToolCreatePopulatedGraph, goal.DAG.Tasks[0].ToolName)
	assert.Equal(t, ToolDefineConnections, goal.DAG.Tasks[1].ToolName)
	assert.Equal(t, []string{ToolCreatePopulatedGraph}, goal.DAG.Tasks[1].DependsOn)
	assert.True(t, goal.Meta.AgenticLoop)
	assert.Equal(t, 0, goal.Meta.Iteration)
	assert.Equal(t, "sk-test", goal.Meta.APIKey)
	assert.Equal(t, "make planets", goal.Meta.OriginalMessage)
}

func TestDispatchResolutionFailureIsConversational(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveGraphID("g1")

	res, err := f.executor.DispatchPlan(context.Background(), "c3",
		&models.Plan{
			Intent: models.IntentDeleteNode,
			Node:   &models.NodeSpec{Name: "Nonexistent"},
		},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)
	assert.Contains(t, res.Response, "Nonexistent")
	assert.Empty(t, res.GoalID)

	m, err := f.queues.Metrics(queue.GoalQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalEnqueued)
}

func TestDispatchUnknownIntentIsConversational(t *testing.T) {
	f := newFixture(t)
	res, err := f.executor.DispatchPlan(context.Background(), "c4",
		&models.Plan{Intent: "summon_dragon"},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Response)
	assert.Empty(t, res.GoalID)
}

func TestDispatchDecomposeRecursesOnce(t *testing.T) {
	f := newFixture(t)
	var gotSubgoal string
	var gotMeta models.GoalMeta
	f.executor.SetRecurse(func(_ context.Context, subgoal string, meta models.GoalMeta) (*Result, error) {
		gotSubgoal = subgoal
		gotMeta = meta
		return &Result{Response: "working on it", GoalID: "sub-goal-1"}, nil
	})

	res, err := f.executor.DispatchPlan(context.Background(), "c5",
		&models.Plan{
			Intent:   models.IntentDecomposeGoal,
			Subgoals: []string{"first part", "second part", "third part"},
		},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)
	assert.Equal(t, "first part", gotSubgoal)
	require.NotNil(t, gotMeta.ChainState)
	assert.Equal(t, []string{"second part", "third part"}, gotMeta.ChainState.RemainingSubgoals)
	assert.Equal(t, "sub-goal-1", res.GoalID)
}

func TestDrainGoalsFansOutTasks(t *testing.T) {
	f := newFixture(t)
	_, err := f.executor.DispatchPlan(context.Background(), "c6",
		&models.Plan{
			Intent: models.IntentCreateGraph,
			Graph:  &models.GraphRef{Name: "Planets"},
			GraphSpec: &models.GraphSpec{
				Nodes: []models.NodeSpec{{Name: "Sun"}},
				Edges: []models.EdgeSpec{{Source: "Sun", Target: "Sun"}},
			},
		},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.executor.DrainGoals(5))

	m, err := f.queues.Metrics(queue.TaskQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalEnqueued)
}

func TestDrainTasksRespectsDependencies(t *testing.T) {
	f := newFixture(t)
	_, err := f.executor.DispatchPlan(context.Background(), "c7",
		&models.Plan{
			Intent: models.IntentCreateGraph,
			Graph:  &models.GraphRef{Name: "Planets"},
			GraphSpec: &models.GraphSpec{
				Nodes: []models.NodeSpec{{Name: "Sun"}, {Name: "Earth"}},
				Edges: []models.EdgeSpec{{Source: "Sun", Target: "Earth", Directionality: "unidirectional"}},
			},
		},
		f.store.Snapshot(), models.GoalMeta{})
	require.NoError(t, err)
	f.executor.DrainGoals(5)

	// First drain converts only the create task; define_connections is
	// blocked until its dependency has produced a patch.
	assert.Equal(t, 1, f.executor.DrainTasks(5))
	assert.Equal(t, 1, f.executor.DrainTasks(5))

	items, err := f.queues.Pull(queue.PatchQueue, queue.PullOptions{Max: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)

	create := items[0].Payload.(*models.PatchEnvelope)
	connect := items[1].Payload.(*models.PatchEnvelope)

	// The create patch carries the graph plus both node pairs.
	require.Len(t, create.Patch.Ops, 5)
	assert.Equal(t, models.OpCreateNewGraph, create.Patch.Ops[0].Type)

	// The connections patch references the instance ids minted by the
	// create patch.
	require.Len(t, connect.Patch.Ops, 1)
	edge := connect.Patch.Ops[0]
	assert.Equal(t, models.OpAddEdge, edge.Type)
	assert.Equal(t, create.Patch.GraphID, connect.Patch.GraphID)
	assert.NotEmpty(t, edge.Params["sourceId"])
	assert.NotEmpty(t, edge.Params["destinationId"])
	arrows, ok := edge.Params["arrowsToward"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{edge.Params["destinationId"].(string)}, arrows)
}

func TestDrainTasksAuditGraphEmitsTelemetryOnly(t *testing.T) {
	f := newFixture(t)
	env := &models.TaskEnvelope{
		Task: models.Task{ToolName: ToolAuditGraph, ThreadID: "c8", Args: map[string]any{"graphId": "g1"}},
	}
	_, err := f.queues.Enqueue(queue.TaskQueue, env, queue.WithPartition("c8"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.executor.DrainTasks(5))

	m, err := f.queues.Metrics(queue.PatchQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalEnqueued)

	var sawTelemetry bool
	for _, ev := range f.log.ReplaySince(0) {
		if ev.Type == events.TypeTelemetry {
			sawTelemetry = true
		}
	}
	assert.True(t, sawTelemetry)
}

func TestArrowsToward(t *testing.T) {
	tests := []struct {
		directionality string
		want           []string
	}{
		{"unidirectional", []string{"dst"}},
		{"", []string{"dst"}},
		{"bidirectional", []string{"src", "dst"}},
		{"none", []string{}},
		{"undirected", []string{}},
		{"reverse", []string{"src"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ArrowsToward(tt.directionality, "src", "dst"), tt.directionality)
	}
}

func TestLayoutPositions(t *testing.T) {
	radial := layoutPositions(4, "radial")
	require.Len(t, radial, 4)
	// Radial positions are distinct points on the circle.
	assert.NotEqual(t, radial[0], radial[1])

	grid := layoutPositions(3, "")
	require.Len(t, grid, 3)
	assert.NotEqual(t, grid[0], grid[2])
}
