// Package models defines the message types flowing through the pipeline:
// plans, goals, tasks, patches, reviews and pending actions.
package models

// Intent values the planner may return.
const (
	IntentQA                = "qa"
	IntentCreateGraph       = "create_graph"
	IntentCreateNode        = "create_node"
	IntentAnalyze           = "analyze"
	IntentUpdateNode        = "update_node"
	IntentDeleteNode        = "delete_node"
	IntentDeleteGraph       = "delete_graph"
	IntentUpdateEdge        = "update_edge"
	IntentDeleteEdge        = "delete_edge"
	IntentCreateEdge        = "create_edge"
	IntentBulkDelete        = "bulk_delete"
	IntentEnrichNode        = "enrich_node"
	IntentDecomposeGoal     = "decompose_goal"
	IntentDefineConnections = "define_connections"
)

// KnownIntents maps every recognized intent for validation.
var KnownIntents = map[string]bool{
	IntentQA:                true,
	IntentCreateGraph:       true,
	IntentCreateNode:        true,
	IntentAnalyze:           true,
	IntentUpdateNode:        true,
	IntentDeleteNode:        true,
	IntentDeleteGraph:       true,
	IntentUpdateEdge:        true,
	IntentDeleteEdge:        true,
	IntentCreateEdge:        true,
	IntentBulkDelete:        true,
	IntentEnrichNode:        true,
	IntentDecomposeGoal:     true,
	IntentDefineConnections: true,
}

// Plan is the planner's validated output: a tagged union discriminated by
// Intent. Only the fields relevant to the intent are populated.
type Plan struct {
	Intent   string `json:"intent"`
	Response string `json:"response,omitempty"`

	Graph       *GraphRef  `json:"graph,omitempty"`
	GraphSpec   *GraphSpec `json:"graphSpec,omitempty"`
	Node        *NodeSpec  `json:"node,omitempty"`
	Edge        *EdgeSpec  `json:"edge,omitempty"`
	Nodes       []string   `json:"nodes,omitempty"`
	Subgoals    []string   `json:"subgoals,omitempty"`
	Connections []EdgeSpec `json:"connections,omitempty"`
}

// GraphRef names a graph by its display name.
type GraphRef struct {
	Name string `json:"name"`
}

// NodeSpec describes a node the planner wants created or changed.
type NodeSpec struct {
	Name        string   `json:"name"`
	NewName     string   `json:"newName,omitempty"`
	Color       string   `json:"color,omitempty"`
	Description string   `json:"description,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
}

// EdgeSpec describes a connection between two nodes by name.
type EdgeSpec struct {
	Source         string    `json:"source"`
	Target         string    `json:"target"`
	Directionality string    `json:"directionality,omitempty"`
	DefinitionNode *NodeSpec `json:"definitionNode,omitempty"`
}

// GraphSpec is a full graph layout the planner emits for populated creation.
type GraphSpec struct {
	Nodes           []NodeSpec `json:"nodes"`
	Edges           []EdgeSpec `json:"edges,omitempty"`
	LayoutAlgorithm string     `json:"layoutAlgorithm,omitempty"`
}

// APIConfig selects the model provider and fallback chain for a request.
type APIConfig struct {
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	FallbackModels []string `json:"fallbackModels,omitempty"`
}

// ChatTurn is one prior conversation exchange carried for context.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
