package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"drover/internal/types"
)

func TestPendingCallsDispatch(t *testing.T) {
	p := newPendingCalls()

	id, ch := p.register()
	frame := []byte(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":{"ok":true}}`)
	require.True(t, p.dispatch(frame))

	resp, err := p.await(context.Background(), id, ch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))

	// Unknown ids and notifications don't match anything.
	assert.False(t, p.dispatch([]byte(`{"jsonrpc":"2.0","id":999,"result":{}}`)))
	assert.False(t, p.dispatch([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)))
	assert.False(t, p.dispatch([]byte(`not json`)))
}

func TestPendingCallsProviderError(t *testing.T) {
	p := newPendingCalls()

	id, ch := p.register()
	require.True(t, p.dispatch([]byte(`{"jsonrpc":"2.0","id":`+itoa(id)+`,"error":{"code":-32601,"message":"method not found"}}`)))

	_, err := p.await(context.Background(), id, ch)
	assert.ErrorContains(t, err, "method not found")
}

func TestPendingCallsFailAll(t *testing.T) {
	p := newPendingCalls()
	id, ch := p.register()
	p.failAll()

	_, err := p.await(context.Background(), id, ch)
	assert.ErrorContains(t, err, "connection closed")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// serveFakeProvider answers JSON-RPC requests on a websocket connection the
// way a minimal tool provider would.
func serveFakeProvider(t *testing.T, conn *websocket.Conn, tools []types.ToolDescriptor) {
	t.Helper()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		if req.Method == "notifications/initialized" {
			continue
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]string{"name": "fake-provider", "version": "0.1.0"},
				"capabilities":    map[string]any{"tools": true},
			}
		case "tools/list":
			result = map[string]any{"tools": tools}
		case "tools/call":
			params := req.Params.(map[string]any)
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": "ran " + params["name"].(string)}},
				"isError": false,
			}
		default:
			continue
		}

		payload, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func TestWSTransportRoundTrip(t *testing.T) {
	tools := []types.ToolDescriptor{{Name: "snap", Description: "take a snapshot"}}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serveFakeProvider(t, conn, tools)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := NewWSTransport(url, nil)

	r := New(nil)
	defer r.Close()

	handle, err := r.Connect(context.Background(), "browser", transport)
	require.NoError(t, err)
	assert.Equal(t, "fake-provider", handle.Server.Name)
	require.Len(t, handle.Tools, 1)

	result := r.Dispatch(context.Background(), types.ToolCall{ID: "tu_1", Name: "snap", Input: map[string]any{}})
	assert.False(t, result.IsError)
	assert.Equal(t, "ran snap", result.Content)
}

func TestListenerAcceptsInboundProvider(t *testing.T) {
	r := New(nil)
	defer r.Close()

	srv := httptest.NewServer(NewListener(r, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	tools := []types.ToolDescriptor{{Name: "click", Description: "click an element"}}
	go serveFakeProvider(t, conn, tools)

	require.Eventually(t, func() bool {
		return len(r.Handles()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	result := r.Dispatch(context.Background(), types.ToolCall{ID: "tu_1", Name: "click"})
	assert.False(t, result.IsError)
	assert.Equal(t, "ran click", result.Content)
}

func TestListenerDeregistersDroppedProvider(t *testing.T) {
	r := New(nil)
	defer r.Close()

	srv := httptest.NewServer(NewListener(r, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	tools := []types.ToolDescriptor{{Name: "click", Description: "click an element"}}
	go serveFakeProvider(t, conn, tools)

	require.Eventually(t, func() bool {
		return len(r.Handles()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The handle must go away when the provider drops, no matter how the
	// drop interleaves with registration.
	conn.Close()
	require.Eventually(t, func() bool {
		return len(r.Handles()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetOnCloseReportsDeadConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	transport := newAcceptedWSTransport(conn, zap.NewNop())
	defer transport.Close()

	require.Eventually(t, func() bool {
		return !transport.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	// Registration after the drop must tell the caller to clean up inline.
	assert.False(t, transport.setOnClose(func() {}))
}
