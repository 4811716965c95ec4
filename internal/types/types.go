// Package types holds the tool-call value types shared between the model
// gateway, the tool router, and the conversation loop. Keeping them here
// avoids import cycles between those packages.
package types

import "encoding/json"

// ToolDescriptor describes a tool exposed by a connected tool provider.
// Name is unique within one provider's catalog; collisions across providers
// are resolved by the router.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`    // Unique ID for this tool use
	Name  string         `json:"name"`  // Tool name to invoke
	Input map[string]any `json:"input"` // Tool arguments
}

// ToolResult represents the result of executing a tool call.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"` // Matches ToolCall.ID
	Content   string `json:"content"`     // Result content
	IsError   bool   `json:"is_error"`    // Whether this is an error result
}

// Usage captures token accounting reported by the model backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
