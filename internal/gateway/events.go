package gateway

import (
	"drover/internal/types"
)

// EventType discriminates StreamEvent.
type EventType string

const (
	EventToken            EventType = "token"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallDelta    EventType = "tool_call_delta"
	EventToolCallComplete EventType = "tool_call_complete"
	EventDone             EventType = "done"
	EventError            EventType = "error"
)

// StreamEvent is one normalized event from a model stream, regardless of
// which upstream dialect produced it. For a given tool call ID, started
// precedes zero or more deltas precedes exactly one complete; Arguments is
// only populated on complete. After done or error no further events follow
// and the channel is closed.
type StreamEvent struct {
	Type EventType

	// token
	Text string

	// tool_call_started / tool_call_delta / tool_call_complete
	ToolID   string
	ToolName string
	Fragment string
	// Arguments is the parsed argument object. When the upstream sent
	// malformed JSON it carries {"_parseError": true, "_raw": <text>}
	// instead, so the call is surfaced rather than discarded.
	Arguments map[string]any

	// done
	StopReason string
	Usage      types.Usage

	// error
	Err error
}

func token(text string) StreamEvent {
	return StreamEvent{Type: EventToken, Text: text}
}

func toolStarted(id, name string) StreamEvent {
	return StreamEvent{Type: EventToolCallStarted, ToolID: id, ToolName: name}
}

func toolDelta(id, fragment string) StreamEvent {
	return StreamEvent{Type: EventToolCallDelta, ToolID: id, Fragment: fragment}
}

func toolComplete(id, name string, args map[string]any) StreamEvent {
	return StreamEvent{Type: EventToolCallComplete, ToolID: id, ToolName: name, Arguments: args}
}

func doneEvent(stopReason string, usage types.Usage) StreamEvent {
	return StreamEvent{Type: EventDone, StopReason: stopReason, Usage: usage}
}

func errorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err}
}

// parseErrorArgs wraps unparseable accumulated argument text.
func parseErrorArgs(raw string) map[string]any {
	return map[string]any{"_parseError": true, "_raw": raw}
}
