// Package events provides the append-only event ring and the subscriber
// fan-out feeding the SSE endpoints.
package events

import "encoding/json"

// Event type names published by the pipeline.
const (
	TypeGoalEnqueued           = "GOAL_ENQUEUED"
	TypeTaskEnqueued           = "TASK_ENQUEUED"
	TypePatchSubmitted         = "PATCH_SUBMITTED"
	TypeReviewEnqueued         = "REVIEW_ENQUEUED"
	TypePatchApplied           = "PATCH_APPLIED"
	TypePendingActionsEnqueued = "PENDING_ACTIONS_ENQUEUED"
	TypeTelemetry              = "TELEMETRY"
	TypeChat                   = "CHAT"
)

// Event is one ring entry: a type, a millisecond timestamp, and arbitrary
// payload fields flattened alongside them on the wire.
type Event struct {
	Type   string
	TS     int64
	Fields map[string]any
}

// IsTest reports whether the event is tagged as test traffic. Test
// entries are stored but never streamed to regular subscribers.
func (e Event) IsTest() bool {
	v, ok := e.Fields["isTest"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MarshalJSON flattens Fields next to type and ts.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["ts"] = e.TS
	return json.Marshal(out)
}

// UnmarshalJSON restores an event from its flattened wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = t
	}
	if ts, ok := raw["ts"].(float64); ok {
		e.TS = int64(ts)
	}
	delete(raw, "type")
	delete(raw, "ts")
	e.Fields = raw
	return nil
}
