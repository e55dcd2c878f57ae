package models

import "time"

// Pending-action names the UI client can apply.
const (
	ActionApplyMutations         = "applyMutations"
	ActionOpenGraph              = "openGraph"
	ActionAddNodePrototype       = "addNodePrototype"
	ActionCreateAndAssignDefGraph = "createAndAssignGraphDefinition"
)

// ActionMeta correlates a pending action back to its conversation.
type ActionMeta struct {
	CID string `json:"cid,omitempty"`
}

// PendingAction is a UI-bound work item: the client leases it, applies
// it, and acknowledges completion. LeasedAt is nil while the action sits
// in the enqueued pool.
type PendingAction struct {
	ID        string      `json:"id"`
	Action    string      `json:"action"`
	Params    []any       `json:"params"`
	Meta      *ActionMeta `json:"meta,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	LeasedAt  *time.Time `json:"leasedAt,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// ActionFeedback records client-side progress without changing lease
// state.
type ActionFeedback struct {
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Params     []any     `json:"params,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}
