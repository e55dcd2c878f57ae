package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theredstring/redstring-bridge/pkg/models"
)

func applyAction(graphID string) *models.PendingAction {
	return &models.PendingAction{
		Action: models.ActionApplyMutations,
		Params: []any{map[string]any{"graphId": graphID, "ops": []models.Op{}}},
	}
}

func TestLeaseSetsAreDisjoint(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 0)
	b.Enqueue("c1", []*models.PendingAction{
		{Action: "openGraph", Params: []any{"g1"}},
		{Action: "openGraph", Params: []any{"g2"}},
		{Action: "openGraph", Params: []any{"g3"}},
	})

	first := b.Lease()
	second := b.Lease()

	require.Len(t, first, 3)
	assert.Empty(t, second)

	// Union covers the pool, intersection is empty.
	seen := map[string]bool{}
	for _, a := range first {
		assert.False(t, seen[a.ID])
		seen[a.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestCompleteRemovesFromPool(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 0)
	stored := b.Enqueue("c1", []*models.PendingAction{{Action: "openGraph", Params: []any{"g1"}}})
	require.Len(t, stored, 1)

	_, err := b.Complete(stored[0].ID)
	require.NoError(t, err)

	// No zombies: the pool is empty and re-completion errors.
	assert.Empty(t, b.Pending())
	_, err = b.Complete(stored[0].ID)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestEnqueuePrependsOpenGraphForInactiveTarget(t *testing.T) {
	b := NewBroker(func() string { return "active-graph" }, 0)

	stored := b.Enqueue("c1", []*models.PendingAction{applyAction("other-graph")})
	require.Len(t, stored, 2)
	assert.Equal(t, models.ActionOpenGraph, stored[0].Action)
	assert.Equal(t, []any{"other-graph"}, stored[0].Params)
	assert.Equal(t, models.ActionApplyMutations, stored[1].Action)
}

func TestEnqueueNoOpenGraphWhenActive(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 0)

	stored := b.Enqueue("c1", []*models.PendingAction{applyAction("g1")})
	require.Len(t, stored, 1)
	assert.Equal(t, models.ActionApplyMutations, stored[0].Action)
}

func TestEnqueueOpensEachGraphOnce(t *testing.T) {
	b := NewBroker(func() string { return "" }, 0)

	stored := b.Enqueue("c1", []*models.PendingAction{
		applyAction("g1"),
		applyAction("g1"),
	})
	opens := 0
	for _, a := range stored {
		if a.Action == models.ActionOpenGraph {
			opens++
		}
	}
	assert.Equal(t, 1, opens)
}

func TestFeedbackDoesNotChangeLeases(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 0)
	stored := b.Enqueue("c1", []*models.PendingAction{{Action: "openGraph", Params: []any{"g1"}}})

	leased := b.Lease()
	require.Len(t, leased, 1)

	b.Feedback(models.ActionFeedback{Action: "openGraph", Status: "in_progress"})

	// Still leased: a second lease call sees nothing.
	assert.Empty(t, b.Lease())
	_ = stored
}

func TestStartedRecordsTimestamp(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 0)
	stored := b.Enqueue("c1", []*models.PendingAction{{Action: "openGraph", Params: []any{"g1"}}})

	require.NoError(t, b.Started(stored[0].ID))
	pending := b.Pending()
	require.Len(t, pending, 1)
	assert.NotNil(t, pending[0].StartedAt)

	assert.ErrorIs(t, b.Started("unknown"), ErrActionNotFound)
}

func TestCompletedHookFires(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 0)
	var got *models.PendingAction
	b.OnCompleted(func(a *models.PendingAction) { got = a })

	stored := b.Enqueue("c1", []*models.PendingAction{{Action: "openGraph", Params: []any{"g1"}}})
	_, err := b.Complete(stored[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored[0].ID, got.ID)
}

func TestWatchdogReclaimsExpiredLeases(t *testing.T) {
	b := NewBroker(func() string { return "g1" }, 50*time.Millisecond)
	b.Enqueue("c1", []*models.PendingAction{{Action: "openGraph", Params: []any{"g1"}}})

	require.Len(t, b.Lease(), 1)
	assert.Empty(t, b.Lease())

	b.reclaimExpired(time.Now().Add(time.Second))
	assert.Len(t, b.Lease(), 1)
}
