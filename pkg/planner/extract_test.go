package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDirectParse(t *testing.T) {
	plan, pre, err := ExtractPlan(`{"intent": "qa", "response": "Sure."}`)
	require.NoError(t, err)
	assert.Equal(t, "qa", plan.Intent)
	assert.Empty(t, pre)
}

func TestExtractFencedBlock(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"intent\": \"create_graph\", \"graph\": {\"name\": \"Solar System\"}}\n```"
	plan, pre, err := ExtractPlan(raw)
	require.NoError(t, err)
	assert.Equal(t, "create_graph", plan.Intent)
	require.NotNil(t, plan.Graph)
	assert.Equal(t, "Solar System", plan.Graph.Name)
	assert.Equal(t, "Here is the plan:", pre)
}

func TestExtractBalancedBraceAroundIntent(t *testing.T) {
	raw := `I'll create that for you. {"intent": "create_node", "node": {"name": "Sun"}, "response": "Adding the Sun."} Let me know.`
	plan, pre, err := ExtractPlan(raw)
	require.NoError(t, err)
	assert.Equal(t, "create_node", plan.Intent)
	assert.Equal(t, "I'll create that for you.", pre)
}

func TestExtractNestedBraces(t *testing.T) {
	raw := `preamble {"intent": "create_graph", "graphSpec": {"nodes": [{"name": "A"}], "edges": []}}`
	plan, _, err := ExtractPlan(raw)
	require.NoError(t, err)
	require.NotNil(t, plan.GraphSpec)
	require.Len(t, plan.GraphSpec.Nodes, 1)
	assert.Equal(t, "A", plan.GraphSpec.Nodes[0].Name)
}

func TestExtractBracesInsideStrings(t *testing.T) {
	raw := `note {"intent": "qa", "response": "use {curly} braces"}`
	plan, _, err := ExtractPlan(raw)
	require.NoError(t, err)
	assert.Equal(t, "use {curly} braces", plan.Response)
}

func TestExtractNoPlan(t *testing.T) {
	_, _, err := ExtractPlan("just a chatty reply with no JSON at all")
	assert.ErrorIs(t, err, ErrNoPlanFound)
}

func TestExtractRejectsIntentlessObject(t *testing.T) {
	_, _, err := ExtractPlan(`{"response": "no intent here"}`)
	assert.ErrorIs(t, err, ErrNoPlanFound)
}
