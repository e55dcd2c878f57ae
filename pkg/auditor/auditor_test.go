package auditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

type fakeCommitted struct {
	ids map[string]bool
}

func (f *fakeCommitted) Committed(id string) bool { return f.ids[id] }

type auditorFixture struct {
	queues    *queue.Manager
	store     *bridge.Store
	auditor   *Auditor
	committed *fakeCommitted
}

func newFixture(t *testing.T) *auditorFixture {
	t.Helper()
	queues := queue.NewManager(queue.DefaultConfig())
	store := bridge.NewStore()
	committed := &fakeCommitted{ids: map[string]bool{}}
	a := New(queues, events.NewLog(0), store, trace.NewTracer(10), committed)
	return &auditorFixture{queues: queues, store: store, auditor: a, committed: committed}
}

func (f *auditorFixture) submit(t *testing.T, patch models.Patch) {
	t.Helper()
	_, err := f.queues.Enqueue(queue.PatchQueue, &models.PatchEnvelope{Patch: patch},
		queue.WithPartition(patch.ThreadID))
	require.NoError(t, err)
}

func (f *auditorFixture) pullReview(t *testing.T) *models.ReviewEnvelope {
	t.Helper()
	items, err := f.queues.Pull(queue.ReviewQueue, queue.PullOptions{Max: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	env, ok := items[0].Payload.(*models.ReviewEnvelope)
	require.True(t, ok)
	return env
}

func validPatch(id string) models.Patch {
	return models.Patch{
		PatchID:  id,
		GraphID:  "g1",
		ThreadID: "c1",
		Ops: []models.Op{{
			Type:   models.OpAddNodePrototype,
			Params: map[string]any{"prototypeId": "pr1", "name": "Mercury"},
		}},
	}
}

func TestApprovesValidPatch(t *testing.T) {
	f := newFixture(t)
	f.submit(t, validPatch("p1"))

	assert.Equal(t, 1, f.auditor.DrainPatches(5))

	review := f.pullReview(t)
	assert.Equal(t, models.DecisionApproved, review.Review.Decision)
	require.NotNil(t, review.Review.Patch)
	assert.Equal(t, "p1", review.Review.Patch.PatchID)

	// The source patch was acked.
	m, err := f.queues.Metrics(queue.PatchQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Done)
}

func TestRejectsMalformedPatch(t *testing.T) {
	f := newFixture(t)
	f.submit(t, models.Patch{PatchID: "p1", ThreadID: "c1"}) // no graph, no ops

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)
	assert.Equal(t, models.DecisionRejected, review.Review.Decision)
	assert.Equal(t, []string{"validation_failed"}, review.Review.Reasons)
}

func TestRejectsUnknownOp(t *testing.T) {
	f := newFixture(t)
	patch := validPatch("p1")
	patch.Ops = append(patch.Ops, models.Op{Type: "reticulateSplines"})
	f.submit(t, patch)

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)
	assert.Equal(t, []string{"unknown_op"}, review.Review.Reasons)
}

func TestRejectsAlreadyCommittedPatch(t *testing.T) {
	f := newFixture(t)
	f.committed.ids["p1"] = true
	f.submit(t, validPatch("p1"))

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)
	assert.Equal(t, models.DecisionRejected, review.Review.Decision)
	assert.Equal(t, []string{"duplicate_patch"}, review.Review.Reasons)
}

func TestRejectsStaleBase(t *testing.T) {
	f := newFixture(t)
	patch := validPatch("p1")
	patch.BaseHash = "abc" // current head differs
	f.submit(t, patch)

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)
	assert.Equal(t, models.DecisionRejected, review.Review.Decision)
	assert.Equal(t, []string{"stale_base"}, review.Review.Reasons)
}

func TestAcceptsMatchingBase(t *testing.T) {
	f := newFixture(t)
	patch := validPatch("p1")
	patch.BaseHash = f.store.HeadHash("g1")
	f.submit(t, patch)

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)
	assert.Equal(t, models.DecisionApproved, review.Review.Decision)
}

func TestDropsFuzzyDuplicateAgainstExistingPrototype(t *testing.T) {
	f := newFixture(t)
	// The projection already holds "The Avengers".
	f.store.Merge(&bridge.StatePush{NodePrototypes: map[string]*bridge.NodePrototype{
		"pr-av": {ID: "pr-av", Name: "The Avengers"},
	}})

	patch := models.Patch{
		PatchID:  "p1",
		GraphID:  "g1",
		ThreadID: "c1",
		Ops: []models.Op{
			{Type: models.OpAddNodePrototype, Params: map[string]any{"prototypeId": "dup", "name": "Avengers"}},
			{Type: models.OpAddNodeInstance, Params: map[string]any{"graphId": "g1", "instanceId": "in-dup", "prototypeId": "dup"}},
			{Type: models.OpAddNodePrototype, Params: map[string]any{"prototypeId": "ok", "name": "Thanos"}},
		},
	}
	f.submit(t, patch)

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)

	// Still approved; the duplicate op pair is gone, the rest survive.
	assert.Equal(t, models.DecisionApproved, review.Review.Decision)
	require.Len(t, review.Review.Patch.Ops, 1)
	assert.Equal(t, "Thanos", review.Review.Patch.Ops[0].Params["name"])
}

func TestDropsFuzzyDuplicateWithinPatch(t *testing.T) {
	f := newFixture(t)
	patch := models.Patch{
		PatchID:  "p1",
		GraphID:  "g1",
		ThreadID: "c1",
		Ops: []models.Op{
			{Type: models.OpAddNodePrototype, Params: map[string]any{"prototypeId": "a", "name": "Colour"}},
			{Type: models.OpAddNodePrototype, Params: map[string]any{"prototypeId": "b", "name": "Color"}},
		},
	}
	f.submit(t, patch)

	f.auditor.DrainPatches(5)
	review := f.pullReview(t)
	require.Len(t, review.Review.Patch.Ops, 1)
	assert.Equal(t, "Colour", review.Review.Patch.Ops[0].Params["name"])
}
