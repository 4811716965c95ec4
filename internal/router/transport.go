// Package router owns the registry of connected tool providers and routes
// tool calls to them over heterogeneous transports. Providers speak
// JSON-RPC 2.0 either over stdio to a local subprocess or over a websocket
// from a remote agent.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"drover/internal/types"
)

// CallResult is the normalized outcome of a tools/call round trip.
type CallResult struct {
	Content string
	IsError bool
}

// ServerInfo identifies a provider after the initialize handshake.
type ServerInfo struct {
	Name    string
	Version string
}

// Transport carries JSON-RPC payloads to one tool provider.
type Transport interface {
	// Connect establishes the byte stream. Idempotent.
	Connect(ctx context.Context) error

	// Close tears down the stream and fails all in-flight calls.
	Close() error

	// Initialize performs the capability handshake. Must be the first
	// call after Connect.
	Initialize(ctx context.Context) (*ServerInfo, error)

	// ListTools fetches the provider's tool catalog.
	ListTools(ctx context.Context) ([]types.ToolDescriptor, error)

	// CallTool invokes a tool. Transport failure comes back as an error;
	// tool-level failure comes back as CallResult.IsError.
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	// Connected reports whether the stream is up.
	Connected() bool
}

// pendingCalls matches JSON-RPC responses to their outstanding requests.
// Both transports embed one; the reader side dispatches into it.
type pendingCalls struct {
	mu     sync.Mutex
	nextID int
	reqs   map[int]chan *rpcResponse
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{nextID: 1, reqs: make(map[int]chan *rpcResponse)}
}

func (p *pendingCalls) register() (int, chan *rpcResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan *rpcResponse, 1)
	p.reqs[id] = ch
	return id, ch
}

func (p *pendingCalls) drop(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reqs, id)
}

// dispatch routes one raw frame to its waiting caller. Frames without an id
// are notifications and are ignored here.
func (p *pendingCalls) dispatch(frame []byte) bool {
	var probe struct {
		ID *int `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || probe.ID == nil {
		return false
	}

	var resp rpcResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return false
	}

	p.mu.Lock()
	ch, ok := p.reqs[resp.ID]
	if ok {
		delete(p.reqs, resp.ID)
	}
	p.mu.Unlock()

	if ok {
		ch <- &resp
	}
	return ok
}

// failAll closes every outstanding call, used on transport teardown.
func (p *pendingCalls) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.reqs {
		close(ch)
		delete(p.reqs, id)
	}
}

// await blocks on a registered response channel.
func (p *pendingCalls) await(ctx context.Context, id int, ch chan *rpcResponse) (*rpcResponse, error) {
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("provider error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		p.drop(id)
		return nil, ctx.Err()
	}
}

// roundTrip issues method/params over send and waits for the response.
func roundTrip(ctx context.Context, p *pendingCalls, send func([]byte) error, method string, params any) (*rpcResponse, error) {
	id, ch := p.register()

	data, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		p.drop(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := send(data); err != nil {
		p.drop(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return p.await(ctx, id, ch)
}

// initialize runs the handshake and fires notifications/initialized.
func initialize(ctx context.Context, p *pendingCalls, send func([]byte) error, clientName string) (*ServerInfo, error) {
	resp, err := roundTrip(ctx, p, send, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": "1.0.0",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}

	// The provider may only accept requests after this notification.
	notif, err := json.Marshal(newNotification("notifications/initialized"))
	if err == nil {
		_ = send(notif)
	}

	return &ServerInfo{Name: result.ServerInfo.Name, Version: result.ServerInfo.Version}, nil
}

// listTools fetches and decodes the tools/list catalog.
func listTools(ctx context.Context, p *pendingCalls, send func([]byte) error) ([]types.ToolDescriptor, error) {
	resp, err := roundTrip(ctx, p, send, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var result struct {
		Tools []types.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}
	return result.Tools, nil
}

// callTool runs tools/call and normalizes the result content.
func callTool(ctx context.Context, p *pendingCalls, send func([]byte) error, name string, args map[string]any) (*CallResult, error) {
	resp, err := roundTrip(ctx, p, send, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		// Providers that return a bare result instead of the content
		// array still get surfaced verbatim.
		return &CallResult{Content: string(resp.Result)}, nil
	}

	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &CallResult{Content: sb.String(), IsError: result.IsError}, nil
}
