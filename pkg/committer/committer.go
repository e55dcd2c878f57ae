// Package committer is the pipeline's single writer: it drains approved
// reviews, converts each patch into pending actions for the UI client,
// mirrors the ops locally, and drives the agentic continuation loop once
// the client acknowledges application.
package committer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

// ContinueRequest is what the committer hands the continuation entry
// point after an agentic action completes.
type ContinueRequest struct {
	CID        string
	LastAction string
	GraphState GraphState
	Iteration  int
	Meta       models.GoalMeta
}

// GraphState is the truncated graph summary carried into continuation
// calls.
type GraphState struct {
	GraphID   string   `json:"graphId,omitempty"`
	NodeCount int      `json:"nodeCount"`
	NodeNames []string `json:"nodeNames,omitempty"`
}

// ContinuationFunc re-enters the agent loop. Wired by the agent service.
type ContinuationFunc func(ctx context.Context, req ContinueRequest)

// Committer converts approved reviews into pending actions. It is the
// only component allowed to emit applyMutations actions.
type Committer struct {
	queues *queue.Manager
	log    *events.Log
	store  *bridge.Store
	broker *bridge.Broker
	tracer *trace.Tracer

	committed *committedLRU

	mu           sync.Mutex
	inflightMeta map[string]models.GoalMeta // action id → goal meta
	continueFn   ContinuationFunc

	// graphMu serializes apply per graph id; different graphs commit
	// concurrently.
	graphMu sync.Map // graphId → *sync.Mutex
}

// New creates a committer and registers its completion hook on the
// broker.
func New(queues *queue.Manager, log *events.Log, store *bridge.Store, broker *bridge.Broker, tracer *trace.Tracer) *Committer {
	c := &Committer{
		queues:       queues,
		log:          log,
		store:        store,
		broker:       broker,
		tracer:       tracer,
		committed:    newCommittedLRU(512),
		inflightMeta: make(map[string]models.GoalMeta),
	}
	broker.OnCompleted(c.onActionCompleted)
	return c
}

// CommittedChecker exposes the bounded committed-patch set to the
// auditor.
func (c *Committer) CommittedChecker() interface{ Committed(string) bool } {
	return c.committed
}

// SetContinuation wires the agentic loop re-entry.
func (c *Committer) SetContinuation(fn ContinuationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.continueFn = fn
}

func (c *Committer) lockGraph(graphID string) func() {
	muAny, _ := c.graphMu.LoadOrStore(graphID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// DrainReviews pulls up to max reviews and commits the approved ones.
// Rejected reviews are acknowledged and surfaced as telemetry.
func (c *Committer) DrainReviews(max int) int {
	items, err := c.queues.Pull(queue.ReviewQueue, queue.PullOptions{Max: max})
	if err != nil {
		if !errors.Is(err, queue.ErrNoItems) {
			slog.Error("Review pull failed", "error", err)
		}
		return 0
	}

	drained := 0
	for _, it := range items {
		env, ok := it.Payload.(*models.ReviewEnvelope)
		if !ok {
			_ = c.queues.Nack(queue.ReviewQueue, it.LeaseID, "validation_failed")
			continue
		}

		if env.Review.Decision != models.DecisionApproved {
			c.log.Append(events.TypeTelemetry, map[string]any{
				"cid":     env.Review.ThreadID,
				"type":    "action_feedback",
				"status":  "failed",
				"reasons": env.Review.Reasons,
			})
			_ = c.queues.Ack(queue.ReviewQueue, it.LeaseID)
			drained++
			continue
		}

		for _, patch := range env.Review.AllPatches() {
			c.commit(&patch, env.Meta)
		}
		_ = c.queues.Ack(queue.ReviewQueue, it.LeaseID)
		drained++
	}
	return drained
}

// commit turns one approved patch into pending actions. Re-commits of an
// already-seen patch id are silently dropped.
func (c *Committer) commit(patch *models.Patch, meta models.GoalMeta) {
	cid := patch.ThreadID

	unlock := c.lockGraph(patch.GraphID)
	defer unlock()

	if c.committed.Committed(patch.PatchID) {
		slog.Debug("Patch already committed, skipping", "patch_id", patch.PatchID)
		return
	}

	c.tracer.RecordStage(cid, trace.StageCommitter, map[string]any{
		"patch_id": patch.PatchID,
		"graph_id": patch.GraphID,
	})

	action := &models.PendingAction{
		Action: models.ActionApplyMutations,
		Params: []any{map[string]any{
			"graphId": patch.GraphID,
			"patchId": patch.PatchID,
			"ops":     patch.Ops,
		}},
		Meta: &models.ActionMeta{CID: cid},
	}
	stored := c.broker.Enqueue(cid, []*models.PendingAction{action})

	// Mirror the ops locally so later planner calls see the graph the UI
	// is about to have, and advance the graph head.
	c.store.ApplyPatch(patch)
	c.committed.add(patch.PatchID)

	if meta.AgenticLoop {
		c.mu.Lock()
		c.inflightMeta[action.ID] = meta
		c.mu.Unlock()
	}

	c.log.Append(events.TypePatchApplied, map[string]any{
		"cid":     cid,
		"patchId": patch.PatchID,
		"graphId": patch.GraphID,
		"ops":     len(patch.Ops),
	})
	actionIDs := make([]string, len(stored))
	for i, a := range stored {
		actionIDs[i] = a.ID
	}
	c.log.Append(events.TypePendingActionsEnqueued, map[string]any{
		"cid":       cid,
		"actionIds": actionIDs,
	})

	c.tracer.CompleteStage(cid, trace.StageCommitter, trace.StatusSuccess, map[string]any{
		"actions": len(stored),
	})
	slog.Info("Patch committed", "cid", cid, "patch_id", patch.PatchID,
		"graph_id", patch.GraphID, "actions", len(stored))
}

// onActionCompleted fires when the UI acknowledges an action. For
// agentic applyMutations actions it re-enters the continuation loop with
// the refreshed graph state.
func (c *Committer) onActionCompleted(action *models.PendingAction) {
	if action.Action != models.ActionApplyMutations {
		return
	}

	c.mu.Lock()
	meta, ok := c.inflightMeta[action.ID]
	if ok {
		delete(c.inflightMeta, action.ID)
	}
	fn := c.continueFn
	c.mu.Unlock()

	if !ok || !meta.AgenticLoop || fn == nil {
		return
	}

	cid := ""
	if action.Meta != nil {
		cid = action.Meta.CID
	}

	graphID := mutationGraphID(action)
	snap := c.store.Snapshot()
	state := GraphState{GraphID: graphID}
	if g, found := snap.Graphs[graphID]; found {
		state.NodeCount = len(g.Instances)
		state.NodeNames = snap.NodeNames(graphID, 15)
	}

	slog.Info("Agentic action completed, continuing loop",
		"cid", cid, "iteration", meta.Iteration, "node_count", state.NodeCount)
	go fn(context.Background(), ContinueRequest{
		CID:        cid,
		LastAction: action.Action,
		GraphState: state,
		Iteration:  meta.Iteration + 1,
		Meta:       meta,
	})
}

func mutationGraphID(a *models.PendingAction) string {
	if len(a.Params) == 0 {
		return ""
	}
	if m, ok := a.Params[0].(map[string]any); ok {
		if gid, ok := m["graphId"].(string); ok {
			return gid
		}
	}
	return ""
}
