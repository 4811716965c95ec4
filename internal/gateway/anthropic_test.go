package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"drover/internal/message"
	"drover/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collectEvents(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func sseBody(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func newAnthropicTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		Provider: ProviderAnthropic,
		APIKey:   "test-key",
		BaseURL:  srv.URL,
		Model:    "test-model",
	}, nil)
	require.NoError(t, err)
	return client
}

func TestAnthropicStreamNormalization(t *testing.T) {
	var gotPath string
	var gotBody []byte

	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Listing "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"files."}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"list_files"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"src\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`,
			`{"type":"message_stop"}`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "list src")}
	tools := []types.ToolDescriptor{{Name: "list_files", Description: "List files", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	events, err := client.Send(context.Background(), "You list files.", history, tools)
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 6)

	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "Listing ", got[0].Text)
	assert.Equal(t, "files.", got[1].Text)

	assert.Equal(t, EventToolCallStarted, got[2].Type)
	assert.Equal(t, "tu_1", got[2].ToolID)
	assert.Equal(t, "list_files", got[2].ToolName)

	assert.Equal(t, EventToolCallDelta, got[3].Type)
	assert.Equal(t, "tu_1", got[3].ToolID)

	assert.Equal(t, EventToolCallComplete, got[4].Type)
	assert.Equal(t, map[string]any{"path": "src"}, got[4].Arguments)

	assert.Equal(t, EventDone, got[5].Type)
	assert.Equal(t, "tool_use", got[5].StopReason)
	assert.Equal(t, 10, got[5].Usage.InputTokens)
	assert.Equal(t, 25, got[5].Usage.OutputTokens)

	assert.Equal(t, "/messages", gotPath)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.True(t, req.Stream)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "list_files", req.Tools[0].Name)
	require.Len(t, req.System, 1)
	assert.Equal(t, "You list files.", req.System[0].Text)
}

func TestAnthropicStreamOrderingInvariant(t *testing.T) {
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_a","name":"read_file"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"a\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_b","name":"read_file"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_stop"}`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)

	started := make(map[string]bool)
	completed := make(map[string]bool)
	for _, ev := range collectEvents(t, events) {
		switch ev.Type {
		case EventToolCallStarted:
			assert.False(t, started[ev.ToolID], "duplicate started for %s", ev.ToolID)
			started[ev.ToolID] = true
		case EventToolCallDelta:
			assert.True(t, started[ev.ToolID], "delta before started for %s", ev.ToolID)
			assert.False(t, completed[ev.ToolID], "delta after complete for %s", ev.ToolID)
		case EventToolCallComplete:
			assert.True(t, started[ev.ToolID], "complete before started for %s", ev.ToolID)
			assert.False(t, completed[ev.ToolID], "duplicate complete for %s", ev.ToolID)
			completed[ev.ToolID] = true
		}
	}
	assert.Equal(t, started, completed)
}

func TestAnthropicWholeInputOnBlockStart(t *testing.T) {
	// Some backends deliver tool input complete on the start event with no
	// json deltas at all.
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"list_files","input":{"path":"."}}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_stop"}`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventToolCallComplete, got[1].Type)
	assert.Equal(t, map[string]any{"path": "."}, got[1].Arguments)
}

func TestAnthropicHTTPErrorSurfacesAsSingleErrorEvent(t *testing.T) {
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"type":"authentication_error","message":"invalid key"}}`)
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "hi")}
	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
	assert.ErrorContains(t, got[0].Err, "401")
}

func TestAnthropicLargeSystemPromptSplitAndTagged(t *testing.T) {
	var gotBody []byte
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(`{"type":"message_stop"}`))
	})

	paragraph := strings.Repeat("x", 200)
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(paragraph)
	}
	system := sb.String()

	history := []message.Message{message.NewTextMessage(message.RoleUser, "hi")}
	events, err := client.Send(context.Background(), system, history, nil)
	require.NoError(t, err)
	collectEvents(t, events)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(gotBody, &req))
	require.Greater(t, len(req.System), 1)

	var rejoined []string
	for _, block := range req.System {
		assert.LessOrEqual(t, len(block.Text), 4096)
		rejoined = append(rejoined, block.Text)
	}
	assert.Equal(t, system, strings.Join(rejoined, "\n\n"))
	assert.NotNil(t, req.System[0].CacheControl)
	assert.Equal(t, "ephemeral", req.System[0].CacheControl.Type)
}

func TestAnthropicLargeToolResultAnnotated(t *testing.T) {
	var gotBody []byte
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(`{"type":"message_stop"}`))
	})

	history := []message.Message{
		message.NewTextMessage(message.RoleUser, "read it"),
		message.NewToolUseMessage([]types.ToolCall{{ID: "tu_1", Name: "read_file", Input: map[string]any{"path": "big.txt"}}}),
		message.NewToolResultMessage([]types.ToolResult{{ToolUseID: "tu_1", Content: strings.Repeat("y", 2000)}}),
	}

	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)
	collectEvents(t, events)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(gotBody, &req))
	require.Len(t, req.Messages, 3)

	last := req.Messages[2]
	require.Len(t, last.Content, 1)
	require.NotNil(t, last.Content[0].CacheControl)
	assert.Equal(t, "5m", last.Content[0].CacheControl.TTL)

	// Earlier messages are never retagged.
	for _, m := range req.Messages[:2] {
		for _, block := range m.Content {
			assert.Nil(t, block.CacheControl)
		}
	}
}

func TestSendRejectsBadHistory(t *testing.T) {
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.Send(context.Background(), "", nil, nil)
	assert.ErrorContains(t, err, "empty history")

	unanswered := []message.Message{
		message.NewTextMessage(message.RoleUser, "go"),
		message.NewToolUseMessage([]types.ToolCall{{ID: "tu_1", Name: "read_file"}}),
	}
	_, err = client.Send(context.Background(), "", unanswered, nil)
	assert.ErrorContains(t, err, "unanswered")
}

func TestAnthropicComplete(t *testing.T) {
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"  pong  "}],"stop_reason":"end_turn"}`)
	})

	got, err := client.Complete(context.Background(), "", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{Provider: ProviderAnthropic}, nil)
	assert.ErrorContains(t, err, "API key")

	_, err = New(Config{Provider: "mystery", APIKey: "k"}, nil)
	assert.ErrorContains(t, err, "unknown provider")
}
