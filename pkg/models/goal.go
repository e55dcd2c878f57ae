package models

// Task is one unit of work inside a goal's DAG. DependsOn references
// sibling tasks by tool name.
type Task struct {
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	DependsOn []string       `json:"dependsOn,omitempty"`
}

// DAG is an ordered task list with name-based dependencies.
type DAG struct {
	Tasks []Task `json:"tasks"`
}

// ChainState carries the unplanned remainder of a decomposed goal.
type ChainState struct {
	RemainingSubgoals []string `json:"remainingSubgoals,omitempty"`
}

// GoalMeta travels with a goal so continuation calls stay stateless on
// the network but context-rich.
type GoalMeta struct {
	Iteration           int         `json:"iteration,omitempty"`
	AgenticLoop         bool        `json:"agenticLoop,omitempty"`
	APIKey              string      `json:"-"`
	APIConfig           *APIConfig  `json:"apiConfig,omitempty"`
	OriginalMessage     string      `json:"originalMessage,omitempty"`
	ConversationHistory []ChatTurn  `json:"conversationHistory,omitempty"`
	ChainState          *ChainState `json:"chainState,omitempty"`
}

// Goal is the unit the executor enqueues: a named objective plus its DAG.
// ThreadID is the conversation id correlating all pipeline stages.
type Goal struct {
	ID       string   `json:"id"`
	Goal     string   `json:"goal"`
	DAG      DAG      `json:"dag"`
	ThreadID string   `json:"threadId"`
	Meta     GoalMeta `json:"meta"`
}
