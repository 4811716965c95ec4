package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/message"
	"drover/internal/types"
)

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		Provider: ProviderOpenAI,
		APIKey:   "test-key",
		BaseURL:  srv.URL,
		Model:    "test-model",
	}, nil)
	require.NoError(t, err)
	return client
}

// chunk builds one stream chunk carrying a tool-call fragment.
func toolCallChunk(index int, id, name, args string) string {
	type frag struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	}
	f := frag{Index: index, ID: id}
	f.Function.Name = name
	f.Function.Arguments = args

	payload := map[string]any{
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{"tool_calls": []frag{f}},
		}},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func finishChunk(reason string) string {
	return `{"choices":[{"index":0,"delta":{},"finish_reason":"` + reason + `"}]}`
}

func TestOpenAIStreamNormalization(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody []byte

	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"choices":[{"index":0,"delta":{"content":"Looking "}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"around."}}]}`,
			toolCallChunk(0, "call_1", "list_files", ""),
			toolCallChunk(0, "", "", `{"path":`),
			toolCallChunk(0, "", "", `"src"}`),
			finishChunk("tool_calls"),
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":30}}`,
			`[DONE]`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "list src")}
	tools := []types.ToolDescriptor{{Name: "list_files", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	events, err := client.Send(context.Background(), "You list files.", history, tools)
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 7)

	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "Looking ", got[0].Text)
	assert.Equal(t, "around.", got[1].Text)

	assert.Equal(t, EventToolCallStarted, got[2].Type)
	assert.Equal(t, "call_1", got[2].ToolID)
	assert.Equal(t, "list_files", got[2].ToolName)

	assert.Equal(t, EventToolCallDelta, got[3].Type)
	assert.Equal(t, `{"path":`, got[3].Fragment)
	assert.Equal(t, EventToolCallDelta, got[4].Type)

	assert.Equal(t, EventToolCallComplete, got[5].Type)
	assert.Equal(t, "call_1", got[5].ToolID)
	assert.Equal(t, "list_files", got[5].ToolName)
	assert.Equal(t, map[string]any{"path": "src"}, got[5].Arguments)

	assert.Equal(t, EventDone, got[6].Type)
	assert.Equal(t, "tool_calls", got[6].StopReason)
	assert.Equal(t, 12, got[6].Usage.InputTokens)
	assert.Equal(t, 30, got[6].Usage.OutputTokens)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)

	var req openaiRequest
	require.NoError(t, json.Unmarshal(gotBody, &req))
	require.NotEmpty(t, req.Messages)
	assert.Equal(t, "system", req.Messages[0].Role)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.Equal(t, "list_files", req.Tools[0].Function.Name)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)
}

func TestOpenAIFragmentReassembly(t *testing.T) {
	// Any split of a valid argument object into fragments must reassemble
	// to the same parsed object.
	args := `{"path":"src","recursive":true,"limit":50,"pattern":"*.go"}`

	splits := [][]string{
		{args},
		{args[:1], args[1:]},
		{args[:7], args[7:22], args[22:]},
	}
	// One-byte fragments.
	var chars []string
	for i := 0; i < len(args); i++ {
		chars = append(chars, args[i:i+1])
	}
	splits = append(splits, chars)

	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(args), &want))

	for i, fragments := range splits {
		lines := []string{toolCallChunk(0, "call_1", "search", "")}
		for _, frag := range fragments {
			lines = append(lines, toolCallChunk(0, "", "", frag))
		}
		lines = append(lines, finishChunk("tool_calls"), `[DONE]`)

		client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sseBody(lines...))
		})

		history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
		events, err := client.Send(context.Background(), "", history, nil)
		require.NoError(t, err)

		var complete *StreamEvent
		for _, ev := range collectEvents(t, events) {
			if ev.Type == EventToolCallComplete {
				ev := ev
				complete = &ev
			}
		}
		require.NotNil(t, complete, "split %d produced no complete event", i)
		assert.Equal(t, want, complete.Arguments, "split %d", i)
	}
}

func TestOpenAIMalformedArgumentsWrapped(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			toolCallChunk(0, "call_1", "list_files", ""),
			toolCallChunk(0, "", "", `{"path": "src`),
			finishChunk("tool_calls"),
			`[DONE]`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)

	var complete *StreamEvent
	for _, ev := range collectEvents(t, events) {
		if ev.Type == EventToolCallComplete {
			ev := ev
			complete = &ev
		}
	}
	require.NotNil(t, complete)
	assert.Equal(t, true, complete.Arguments["_parseError"])
	assert.Equal(t, `{"path": "src`, complete.Arguments["_raw"])
}

func TestOpenAIMultipleConcurrentToolCalls(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			toolCallChunk(0, "call_a", "read_file", ""),
			toolCallChunk(1, "call_b", "read_file", ""),
			toolCallChunk(0, "", "", `{"path":"a"}`),
			toolCallChunk(1, "", "", `{"path":"b"}`),
			finishChunk("tool_calls"),
			`[DONE]`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)

	var completes []StreamEvent
	for _, ev := range collectEvents(t, events) {
		if ev.Type == EventToolCallComplete {
			completes = append(completes, ev)
		}
	}
	require.Len(t, completes, 2)
	assert.Equal(t, "call_a", completes[0].ToolID)
	assert.Equal(t, map[string]any{"path": "a"}, completes[0].Arguments)
	assert.Equal(t, "call_b", completes[1].ToolID)
	assert.Equal(t, map[string]any{"path": "b"}, completes[1].Arguments)
}

func TestOpenAIHistoryFlattening(t *testing.T) {
	var gotBody []byte
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(finishChunk("stop"), `[DONE]`))
	})

	history := []message.Message{
		message.NewTextMessage(message.RoleUser, "read both"),
		message.NewToolUseMessage([]types.ToolCall{
			{ID: "tu_1", Name: "read_file", Input: map[string]any{"path": "a"}},
			{ID: "tu_2", Name: "read_file", Input: map[string]any{"path": "b"}},
		}),
		message.NewToolResultMessage([]types.ToolResult{
			{ToolUseID: "tu_1", Content: "alpha"},
			{ToolUseID: "tu_2", Content: "beta", IsError: true},
		}),
	}

	events, err := client.Send(context.Background(), "sys", history, nil)
	require.NoError(t, err)
	collectEvents(t, events)

	var req openaiRequest
	require.NoError(t, json.Unmarshal(gotBody, &req))
	// system + user + assistant(tool_calls) + two role:"tool" messages
	require.Len(t, req.Messages, 5)

	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)

	asst := req.Messages[2]
	assert.Equal(t, "assistant", asst.Role)
	require.Len(t, asst.ToolCalls, 2)
	assert.Equal(t, "tu_1", asst.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"a"}`, asst.ToolCalls[0].Function.Arguments)

	assert.Equal(t, "tool", req.Messages[3].Role)
	assert.Equal(t, "tu_1", req.Messages[3].ToolCallID)
	assert.Equal(t, "alpha", req.Messages[3].Content)
	assert.Equal(t, "tu_2", req.Messages[4].ToolCallID)
	assert.Equal(t, "beta", req.Messages[4].Content)
}

func TestOpenAIStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "data: "+`{"choices":[{"index":0,"delta":{"content":"hi"}}]}`+"\n\n")
		flusher.Flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
	events, err := client.Send(ctx, "", history, nil)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, EventToken, first.Type)
	cancel()

	// The channel closes promptly instead of waiting on the server.
	for range events {
	}
}

func TestOpenAIStreamWithoutFinishReasonStillFlushes(t *testing.T) {
	// Upstream dropped the connection after sending fragments. The call is
	// flushed rather than lost.
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			toolCallChunk(0, "call_1", "list_files", ""),
			toolCallChunk(0, "", "", `{"path":"."}`),
			`[DONE]`,
		))
	})

	history := []message.Message{message.NewTextMessage(message.RoleUser, "go")}
	events, err := client.Send(context.Background(), "", history, nil)
	require.NoError(t, err)

	got := collectEvents(t, events)
	var haveComplete, haveDone bool
	for _, ev := range got {
		switch ev.Type {
		case EventToolCallComplete:
			haveComplete = true
			assert.Equal(t, map[string]any{"path": "."}, ev.Arguments)
		case EventDone:
			haveDone = true
		}
	}
	assert.True(t, haveComplete)
	assert.True(t, haveDone)
}

func TestOpenAIComplete(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":" pong "}}]}`)
	})

	got, err := client.Complete(context.Background(), "", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}
