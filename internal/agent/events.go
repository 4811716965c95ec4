package agent

import "drover/internal/types"

// EventType discriminates loop events surfaced to the consumer.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventConfirm    EventType = "confirm"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one item in the consumer-facing turn stream.
type Event struct {
	Type EventType

	// token
	Text string

	// tool_start
	ToolCall *types.ToolCall

	// tool_result
	ToolResult *types.ToolResult

	// confirm: a pending permission decision the consumer must resolve
	// via ResolveConfirmation.
	ConfirmID   string
	ConfirmTool string
	Reasons     []string

	// done
	FinalText string
	Usage     types.Usage

	// error
	Err error
}
