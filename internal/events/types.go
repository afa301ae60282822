package events

import "time"

// Type discriminates the event union.
type Type string

const (
	TypeAgentToolCall   Type = "agent_tool_call"
	TypeAgentToolResult Type = "agent_tool_result"
	TypeAgentOutput     Type = "agent_output"
	TypeProgressUpdate  Type = "progress_update"
	TypeFileChanged     Type = "file_changed"
	TypeConnected       Type = "connected"
	TypeStateTransition Type = "state_transition"
)

// contentPreviewLimit caps tool-result previews carried on the wire.
const contentPreviewLimit = 500

// Event is one progress message. Type selects which payload fields are
// meaningful; every event carries the owning work order and run plus an
// ISO-8601 timestamp.
type Event struct {
	Type        Type   `json:"type"`
	WorkOrderID string `json:"work_order_id"`
	RunID       string `json:"run_id,omitempty"`
	Timestamp   string `json:"timestamp"`

	// agent_tool_call / agent_tool_result
	ToolName   string `json:"tool_name,omitempty"`
	ToolUseID  string `json:"tool_use_id,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// progress_update
	Percentage int    `json:"percentage,omitempty"`
	Phase      string `json:"phase,omitempty"`

	// file_changed
	File string `json:"file,omitempty"`

	// state_transition
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// agent_output / connected
	Message string `json:"message,omitempty"`
}

// New stamps a fresh event with the current time.
func New(t Type, workOrderID, runID string) Event {
	return Event{
		Type:        t,
		WorkOrderID: workOrderID,
		RunID:       runID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// TruncateContent trims a tool-result preview to the wire limit.
func TruncateContent(s string) string {
	if len(s) <= contentPreviewLimit {
		return s
	}
	return s[:contentPreviewLimit]
}
