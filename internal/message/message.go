// Package message defines the conversation data model: messages made of
// tagged content blocks. Instances are created per turn and are treated as
// immutable once appended to a turn's history.
package message

import (
	"strings"

	"drover/internal/types"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Block type tags for ContentBlock.Type.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union over text, tool_use, and tool_result
// content. Which fields are meaningful depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// Text content (type="text")
	Text string `json:"text,omitempty"`

	// Tool use (type="tool_use")
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// Tool result (type="tool_result")
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Cache annotation. Only ever attached to text and tool_result blocks;
	// it never changes the block's semantic content.
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a block as cacheable by the upstream backend.
type CacheControl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "5m", "1h"
}

// Message is one entry in a conversation history.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Text creates a text content block.
func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ToolUse creates a tool_use content block.
func ToolUse(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResult creates a tool_result content block answering the tool_use
// with the given id.
func ToolResult(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// NewTextMessage creates a message with a single text block.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{Text(text)}}
}

// NewToolUseMessage creates an assistant message carrying one tool_use block
// per call, in call order.
func NewToolUseMessage(calls []types.ToolCall) Message {
	blocks := make([]ContentBlock, 0, len(calls))
	for _, c := range calls {
		blocks = append(blocks, ToolUse(c.ID, c.Name, c.Input))
	}
	return Message{Role: RoleAssistant, Content: blocks}
}

// NewToolResultMessage creates a user message carrying one tool_result block
// per result, in the same order the calls were issued.
func NewToolResultMessage(results []types.ToolResult) Message {
	blocks := make([]ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, ToolResult(r.ToolUseID, r.Content, r.IsError))
	}
	return Message{Role: RoleUser, Content: blocks}
}

// PlainText returns the concatenation of all text blocks in the message.
func (m Message) PlainText() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the message as tool calls,
// preserving order.
func (m Message) ToolUses() []types.ToolCall {
	var calls []types.ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			calls = append(calls, types.ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}
