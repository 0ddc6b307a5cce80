package orchestrator

// EventType discriminates the caller-visible events of one turn.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one caller-visible event produced while processing a turn.
// Fields are populated according to Type.
type Event struct {
	Type EventType

	// EventToken
	Token string

	// EventToolStart / EventToolResult
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	Success    bool
	Result     string

	// EventToolResult failure / EventError
	Err string

	// EventDone
	Content        string
	Model          string
	ConversationID string
	MessageID      string
}
