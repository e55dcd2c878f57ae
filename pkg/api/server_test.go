package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theredstring/redstring-bridge/pkg/agent"
	"github.com/theredstring/redstring-bridge/pkg/auditor"
	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/committer"
	"github.com/theredstring/redstring-bridge/pkg/config"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/executor"
	"github.com/theredstring/redstring-bridge/pkg/llm"
	"github.com/theredstring/redstring-bridge/pkg/metrics"
	"github.com/theredstring/redstring-bridge/pkg/planner"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/scheduler"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

type fakeProvider struct {
	respond func(req llm.Request) (string, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	return f.respond(req)
}

type serverFixture struct {
	server *Server
	sched  *scheduler.Scheduler
	queues *queue.Manager
	store  *bridge.Store
	broker *bridge.Broker
	log    *events.Log
}

func newServerFixture(t *testing.T, respond func(req llm.Request) (string, error)) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port: "0",
		Prompts: &config.Prompts{
			Hidden:     "hidden-sentinel-a7f3",
			Planner:    "planner-prompt",
			Evaluation: "evaluation-prompt",
		},
		ProviderRegistry: config.NewProviderRegistry(map[string]*config.ProviderConfig{
			"default": {Type: "anthropic", Model: "test-model"},
		}),
	}

	queues := queue.NewManager(queue.DefaultConfig())
	store := bridge.NewStore()
	broker := bridge.NewBroker(store.ActiveGraphID, 0)
	log := events.NewLog(0)
	tracer := trace.NewTracer(20)
	provider := &fakeProvider{respond: respond}

	plnr := planner.New(provider, cfg.Prompts, cfg.ProviderRegistry, tracer)
	exe := executor.New(queues, log, store, tracer)
	com := committer.New(queues, log, store, broker, tracer)
	aud := auditor.New(queues, log, store, tracer, com.CommittedChecker())
	svc := agent.New(plnr, exe, com, store, log, tracer, provider, cfg.Prompts, queues)

	sched := scheduler.New([]scheduler.Stage{
		{Name: "planner", MaxPerTick: 4, Run: exe.DrainGoals},
		{Name: "executor", MaxPerTick: 4, Run: exe.DrainTasks},
		{Name: "auditor", MaxPerTick: 4, Run: aud.DrainPatches},
		{Name: "committer", MaxPerTick: 4, Run: com.DrainReviews},
	})

	registry := metrics.NewRegistry(queues, log, broker)
	server := NewServer(cfg, svc, queues, log, tracer, store, broker, sched, registry)
	return &serverFixture{server: server, sched: sched, queues: queues, store: store, broker: broker, log: log}
}

// drainPipeline ticks until the queues settle.
func (f *serverFixture) drainPipeline() {
	for i := 0; i < 8; i++ {
		f.sched.Tick()
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func plannerCreateGraph(llm.Request) (string, error) {
	return `{"intent": "create_graph", "graph": {"name": "Solar System"}, "response": "Creating Solar System."}`, nil
}

func TestAgentCreateGraphScenario(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	var res struct {
		Success   bool   `json:"success"`
		Response  string `json:"response"`
		CID       string `json:"cid"`
		GoalID    string `json:"goalId"`
		ToolCalls []struct {
			Name   string         `json:"name"`
			Status string         `json:"status"`
			Args   map[string]any `json:"args"`
		} `json:"toolCalls"`
	}
	code := f.do(t, http.MethodPost, "/api/ai/agent", gin.H{
		"message": `create a graph called "Solar System"`,
		"cid":     "c1",
	}, &res)

	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.Equal(t, "c1", res.CID)
	assert.NotEmpty(t, res.GoalID)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "create_graph", res.ToolCalls[0].Name)
	assert.Equal(t, "queued", res.ToolCalls[0].Status)
	assert.Equal(t, "Solar System", res.ToolCalls[0].Args["graphName"])

	// GOAL_ENQUEUED with the goal name landed in the ring.
	var saw bool
	for _, ev := range f.log.ReplaySince(0) {
		if ev.Type == events.TypeGoalEnqueued && ev.Fields["goal"] == "create_graph" {
			saw = true
		}
	}
	assert.True(t, saw)
}

func TestAgentRequiresAuth(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	req := httptest.NewRequest(http.MethodPost, "/api/ai/agent",
		bytes.NewBufferString(`{"message": "hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentRequiresMessage(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)
	var res map[string]any
	code := f.do(t, http.MethodPost, "/api/ai/agent", gin.H{"cid": "c1"}, &res)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, res["success"])
}

func TestFullPipelineProducesPendingActions(t *testing.T) {
	f := newServerFixture(t, func(req llm.Request) (string, error) {
		return `{"intent": "create_graph", "graph": {"name": "Planets"},
			"graphSpec": {"nodes": [{"name": "Sun", "color": "#FDB813"}, {"name": "Earth", "color": "#4A90E2"}],
			"edges": [{"source": "Sun", "target": "Earth", "directionality": "unidirectional"}],
			"layoutAlgorithm": "radial"}, "response": "ok"}`, nil
	})

	var res struct {
		GoalID    string `json:"goalId"`
		ToolCalls []any  `json:"toolCalls"`
	}
	code := f.do(t, http.MethodPost, "/api/ai/agent", gin.H{"message": "make planets", "cid": "c2"}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, res.ToolCalls, 2)

	f.drainPipeline()

	// The committer produced openGraph + applyMutations for the new graph.
	var pending struct {
		Actions []struct {
			ID     string `json:"id"`
			Action string `json:"action"`
		} `json:"actions"`
	}
	code = f.do(t, http.MethodGet, "/api/bridge/pending-actions", nil, &pending)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, pending.Actions)
	assert.Equal(t, "openGraph", pending.Actions[0].Action)

	// Concurrent pullers see disjoint sets: everything is leased now.
	var second struct {
		Actions []any `json:"actions"`
	}
	f.do(t, http.MethodGet, "/api/bridge/pending-actions", nil, &second)
	assert.Empty(t, second.Actions)

	// Completing removes from the pool.
	var ok map[string]any
	code = f.do(t, http.MethodPost, "/api/bridge/action-completed",
		gin.H{"actionId": pending.Actions[0].ID}, &ok)
	assert.Equal(t, http.StatusOK, code)
}

func TestContinueNodeLimit(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	var res struct {
		Success   bool   `json:"success"`
		Completed bool   `json:"completed"`
		Reason    string `json:"reason"`
		Response  string `json:"response"`
	}
	code := f.do(t, http.MethodPost, "/api/ai/agent/continue", gin.H{
		"cid":        "c4",
		"graphState": gin.H{"nodeCount": 100},
		"iteration":  3,
	}, &res)

	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.True(t, res.Completed)
	assert.Equal(t, "node_limit", res.Reason)
	assert.Contains(t, res.Response, "100")

	m, err := f.queues.Metrics(queue.GoalQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalEnqueued)
}

func TestBridgeStateMergePreservesTestEntries(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	code := f.do(t, http.MethodPost, "/api/bridge/state", gin.H{
		"graphs": []gin.H{
			{"id": "itm-42", "name": "Seeded"},
			{"id": "g-plain", "name": "Plain"},
		},
		"activeGraphId": "g-plain",
	}, nil)
	require.Equal(t, http.StatusOK, code)

	code = f.do(t, http.MethodPost, "/api/bridge/state", gin.H{
		"graphs": []gin.H{{"id": "g-next", "name": "Next"}},
	}, nil)
	require.Equal(t, http.StatusOK, code)

	var state struct {
		Graphs []struct {
			ID string `json:"id"`
		} `json:"graphs"`
	}
	code = f.do(t, http.MethodGet, "/api/bridge/state", nil, &state)
	require.Equal(t, http.StatusOK, code)

	ids := map[string]bool{}
	for _, g := range state.Graphs {
		ids[g.ID] = true
	}
	assert.True(t, ids["itm-42"], "test-marked graph must survive the merge")
	assert.True(t, ids["g-next"])
	assert.False(t, ids["g-plain"])
}

func TestQueueEndpoints(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	var enq struct {
		GoalID   string `json:"goalId"`
		ThreadID string `json:"threadId"`
	}
	code := f.do(t, http.MethodPost, "/queue/goals.enqueue", gin.H{
		"goal":     "create_graph",
		"threadId": "c9",
		"dag":      gin.H{"tasks": []gin.H{{"toolName": "create_graph", "args": gin.H{"graphName": "G"}}}},
	}, &enq)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, enq.GoalID)

	var m queue.Metrics
	code = f.do(t, http.MethodGet, "/queue/metrics?name=goalQueue", nil, &m)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, m.TotalEnqueued)

	var peek struct {
		Items []queue.Item `json:"items"`
	}
	code = f.do(t, http.MethodGet, "/queue/peek?name=goalQueue&head=5", nil, &peek)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, peek.Items, 1)

	code = f.do(t, http.MethodGet, "/queue/metrics?name=bogus", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPatchSubmitApproveNextCommit(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	var submit struct {
		PatchID string `json:"patchId"`
	}
	code := f.do(t, http.MethodPost, "/queue/patches.submit", gin.H{
		"patch": gin.H{
			"patchId":  "p-http-1",
			"graphId":  "g1",
			"threadId": "c1",
			"ops": []gin.H{{
				"type":   "createNewGraph",
				"params": gin.H{"graphId": "g1", "name": "G"},
			}},
		},
	}, &submit)
	require.Equal(t, http.StatusOK, code)

	var approve struct {
		Approved bool   `json:"approved"`
		PatchID  string `json:"patchId"`
	}
	code = f.do(t, http.MethodPost, "/queue/patches.approve-next", nil, &approve)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, approve.Approved)
	assert.Equal(t, "p-http-1", approve.PatchID)

	f.drainPipeline()
	assert.NotEmpty(t, f.broker.Pending())
}

func TestCommitOpsSeedHelper(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	var res struct {
		PatchID string `json:"patchId"`
	}
	code := f.do(t, http.MethodPost, "/test/commit-ops", gin.H{
		"graphId": "g1",
		"cid":     "c1",
		"ops": []gin.H{{
			"type":   "createNewGraph",
			"params": gin.H{"graphId": "g1", "name": "Seeded"},
		}},
	}, &res)
	require.Equal(t, http.StatusOK, code)

	f.drainPipeline()
	require.NotEmpty(t, f.broker.Pending())
	assert.Equal(t, "Seeded", f.store.Snapshot().Graphs["g1"].Name)
}

func TestMCPShim(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)
	f.store.Merge(&bridge.StatePush{
		Graphs: []*bridge.Graph{{ID: "g1", Name: "Solar System"}},
		NodePrototypes: map[string]*bridge.NodePrototype{
			"pr1": {ID: "pr1", Name: "Sun"},
		},
	})

	var init struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	code := f.do(t, http.MethodPost, "/api/mcp/request", gin.H{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	}, &init)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, init.Result.ProtocolVersion)

	var list struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	f.do(t, http.MethodPost, "/api/mcp/request", gin.H{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	}, &list)
	assert.Len(t, list.Result.Tools, 3)

	var call struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	f.do(t, http.MethodPost, "/api/mcp/request", gin.H{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": gin.H{"name": "search_nodes", "arguments": gin.H{"query": "sun"}},
	}, &call)
	require.Len(t, call.Result.Content, 1)
	assert.Contains(t, call.Result.Content[0].Text, "Sun")

	var unknown struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	f.do(t, http.MethodPost, "/api/mcp/request", gin.H{
		"jsonrpc": "2.0", "id": 4, "method": "bogus/method",
	}, &unknown)
	assert.Equal(t, -32601, unknown.Error.Code)

	var badParams struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	f.do(t, http.MethodPost, "/api/mcp/request", gin.H{
		"jsonrpc": "2.0", "id": 5, "method": "tools/call",
		"params": gin.H{"name": "search_nodes", "arguments": gin.H{}},
	}, &badParams)
	assert.Equal(t, -32602, badParams.Error.Code)
}

func TestDebugTraceEndpoints(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)
	f.do(t, http.MethodPost, "/api/ai/agent", gin.H{"message": "make a graph", "cid": "c-dbg"}, nil)

	var tr trace.Trace
	code := f.do(t, http.MethodGet, "/api/bridge/debug/trace/c-dbg", nil, &tr)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "c-dbg", tr.CID)
	assert.NotEmpty(t, tr.Stages)

	var stage struct {
		Records []trace.StageRecord `json:"records"`
	}
	code = f.do(t, http.MethodGet, "/api/bridge/debug/trace/c-dbg/stage/planner", nil, &stage)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, stage.Records)

	var traces struct {
		Traces []trace.Summary `json:"traces"`
	}
	code = f.do(t, http.MethodGet, "/api/bridge/debug/traces?limit=5", nil, &traces)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, traces.Traces)

	code = f.do(t, http.MethodGet, "/api/bridge/debug/trace/unknown-cid", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = f.do(t, http.MethodGet, "/api/bridge/debug/stats", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	var health struct {
		Status string `json:"status"`
	}
	code := f.do(t, http.MethodGet, "/health", nil, &health)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health.Status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "redstring_queue_depth")
}

func TestResponsesNeverContainHiddenPrompt(t *testing.T) {
	f := newServerFixture(t, plannerCreateGraph)

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/ai/agent", gin.H{"message": "hello", "cid": "c-s"}},
		{http.MethodGet, "/api/bridge/state", nil},
		{http.MethodGet, "/health", nil},
		{http.MethodGet, "/api/bridge/debug/stats", nil},
	}
	for _, p := range paths {
		var buf bytes.Buffer
		if p.body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(p.body))
		}
		req := httptest.NewRequest(p.method, p.path, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer sk-test")
		rec := httptest.NewRecorder()
		f.server.Engine().ServeHTTP(rec, req)
		assert.NotContains(t, rec.Body.String(), "hidden-sentinel-a7f3", p.path)
	}
}
